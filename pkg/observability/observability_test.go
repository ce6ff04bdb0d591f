package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetrics(t *testing.T) {
	m, err := InitMetrics()
	require.NoError(t, err)
	require.NotNil(t, m)

	// Recording must not panic on a fully initialized recorder.
	ctx := context.Background()
	m.RecordLLMCall(ctx, "gpt-4o", 120*time.Millisecond, 100, 20, nil)
	m.RecordEmbedding(ctx, "text-embedding-3-small", 5, 30*time.Millisecond, nil)
	m.RecordSearch(ctx, "properties", 40*time.Millisecond, 10, nil)
	m.RecordIngest(ctx, "properties", 500, time.Second, nil)
	m.RecordCacheHit(ctx, "search")
	m.RecordCacheMiss(ctx, "embeddings")
	m.RecordHTTPRequest(ctx, "POST", "/api/search", 200, 50*time.Millisecond)
}

func TestPrometheusMetricsZeroValue(t *testing.T) {
	// A zero-value recorder (metrics disabled) must be safe to call.
	var m *PrometheusMetrics
	m.RecordLLMCall(context.Background(), "gpt-4o", time.Second, 1, 1, nil)
	m.RecordSearch(context.Background(), "c", time.Second, 0, nil)

	zero := &PrometheusMetrics{}
	zero.RecordIngest(context.Background(), "c", 1, time.Second, nil)
	zero.RecordCacheHit(context.Background(), "search")
}

func TestGlobalMetrics(t *testing.T) {
	defer SetGlobalMetrics(nil)

	assert.Nil(t, GetGlobalMetrics())
	SetGlobalMetrics(NoopMetrics{})
	assert.NotNil(t, GetGlobalMetrics())
}

func TestInitGlobalTracerDisabled(t *testing.T) {
	tp, err := InitGlobalTracer(context.Background(), TracerConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tp)
}

func TestHTTPMiddleware(t *testing.T) {
	handler := HTTPMiddleware(NoopMetrics{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/health", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "short and stout", rec.Body.String())
}

package embedders

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/cache"
	"github.com/skoposlabs/skopos/pkg/config"
)

func testEmbeddingsConfig() config.EmbeddingsConfig {
	cfg := config.EmbeddingsConfig{OpenAIAPIKey: "sk-test"}
	cfg.SetDefaults()
	return cfg
}

func testCache(t *testing.T) cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	return cache.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestNewSelectsProvider(t *testing.T) {
	cfg := testEmbeddingsConfig()
	cfg.ProviderURL = "http://embeddings:9000"

	small, err := New(ModelSmall, cfg, cache.NewNoop())
	require.NoError(t, err)
	assert.Equal(t, 1536, small.Size())
	assert.IsType(t, &OpenAIEmbedder{}, small)

	large, err := New(ModelLarge, cfg, cache.NewNoop())
	require.NoError(t, err)
	assert.Equal(t, 3072, large.Size())

	st, err := New("paraphrase-multilingual-mpnet-base-v2", cfg, cache.NewNoop())
	require.NoError(t, err)
	assert.Equal(t, 768, st.Size())
	assert.IsType(t, &ProviderEmbedder{}, st)

	sized, err := New("all-MiniLM-L6-v2:384", cfg, cache.NewNoop())
	require.NoError(t, err)
	assert.Equal(t, 384, sized.Size())
	assert.Equal(t, "all-MiniLM-L6-v2:384", sized.Model())
}

func TestNewProviderRequiresURL(t *testing.T) {
	cfg := testEmbeddingsConfig()
	cfg.ProviderURL = ""

	_, err := New("some-local-model", cfg, cache.NewNoop())
	require.Error(t, err)
	assert.Equal(t, apierror.KindConfig, apierror.KindOf(err))
}

func TestParseProviderModel(t *testing.T) {
	name, size := parseProviderModel("all-MiniLM-L6-v2")
	assert.Equal(t, "all-MiniLM-L6-v2", name)
	assert.Equal(t, 768, size)

	name, size = parseProviderModel("all-MiniLM-L6-v2:384")
	assert.Equal(t, "all-MiniLM-L6-v2", name)
	assert.Equal(t, 384, size)

	// A non-numeric suffix is part of the model name.
	name, size = parseProviderModel("custom:latest")
	assert.Equal(t, "custom:latest", name)
	assert.Equal(t, 768, size)
}

func TestOpenAIEmbedCaching(t *testing.T) {
	var hits atomic.Int64
	vec := func(fill float32) []float32 {
		v := make([]float32, 1536)
		for i := range v {
			v[i] = fill
		}
		return v
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "/embeddings", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, ModelSmall, req.Model)

		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			// Return inputs in reverse order to exercise index sorting.
			data[len(req.Input)-1-i] = map[string]any{
				"embedding": vec(float32(i + 1)),
				"index":     i,
			}
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"data": data}))
	}))
	defer server.Close()

	e := NewOpenAI(ModelSmall, 1536, testEmbeddingsConfig(), testCache(t))
	e.host = server.URL

	vectors, err := e.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, float32(1), vectors[0][0])
	assert.Equal(t, float32(2), vectors[1][0])
	assert.Equal(t, int64(1), hits.Load())

	// Second call with one cached and one new text fetches only the miss.
	vectors, err = e.Embed(context.Background(), []string{"first", "third"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, float32(1), vectors[0][0])
	assert.Equal(t, int64(2), hits.Load())

	// Fully cached call makes no request.
	_, err = e.Embed(context.Background(), []string{"first", "second", "third"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

func TestOpenAIEmbedDimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{1, 2, 3}, "index": 0},
			},
		})
	}))
	defer server.Close()

	e := NewOpenAI(ModelSmall, 1536, testEmbeddingsConfig(), cache.NewNoop())
	e.host = server.URL

	_, err := e.Embed(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.Equal(t, apierror.KindDimension, apierror.KindOf(err))
}

func TestOpenAIEmbedUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "bad input"}}`))
	}))
	defer server.Close()

	e := NewOpenAI(ModelSmall, 1536, testEmbeddingsConfig(), cache.NewNoop())
	e.host = server.URL

	_, err := e.Embed(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.Equal(t, apierror.KindUpstream, apierror.KindOf(err))
}

func TestProviderEmbed(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "/embedding", r.URL.Path)

		var req providerEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "all-MiniLM-L6-v2", req.Model)

		embeddings := make([][]float32, len(req.Documents))
		for i := range req.Documents {
			embeddings[i] = make([]float32, 384)
			embeddings[i][0] = float32(i + 1)
		}
		require.NoError(t, json.NewEncoder(w).Encode(providerEmbedResponse{Embeddings: embeddings}))
	}))
	defer server.Close()

	cfg := testEmbeddingsConfig()
	cfg.ProviderURL = server.URL

	e, err := NewProvider("all-MiniLM-L6-v2:384", cfg, testCache(t))
	require.NoError(t, err)
	assert.Equal(t, 384, e.Size())

	vectors, err := e.Embed(context.Background(), []string{"ένα", "δύο"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, float32(1), vectors[0][0])
	assert.Equal(t, float32(2), vectors[1][0])

	// Cached replay.
	_, err = e.Embed(context.Background(), []string{"ένα", "δύο"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits.Load())
}

func TestFieldsText(t *testing.T) {
	text := FieldsText(map[string]any{
		"make":   "opel",
		"year":   float64(2011),
		"colors": []any{"red", "blue"},
		"used":   true,
	})
	assert.Equal(t, "colors=red blue, make=opel, used=true, year=2011", text)
	assert.Equal(t, "", FieldsText(nil))
}

func TestTokenCounterTruncate(t *testing.T) {
	tc, err := NewTokenCounter("text-embedding-3-small")
	require.NoError(t, err)

	short := "hello world"
	assert.Equal(t, short, tc.Truncate(short, 100))

	long := ""
	for i := 0; i < 200; i++ {
		long += "repeated words grow the token count "
	}
	truncated := tc.Truncate(long, 50)
	assert.Less(t, len(truncated), len(long))
	assert.LessOrEqual(t, tc.Count(truncated), 50)
}

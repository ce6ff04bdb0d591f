package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics records the domain-level measurements of the service.
type Metrics interface {
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
	RecordEmbedding(ctx context.Context, model string, texts int, duration time.Duration, err error)
	RecordSearch(ctx context.Context, collection string, duration time.Duration, results int, err error)
	RecordIngest(ctx context.Context, collection string, items int, duration time.Duration, err error)
	RecordCacheHit(ctx context.Context, kind string)
	RecordCacheMiss(ctx context.Context, kind string)
	RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration)
}

type PrometheusMetrics struct {
	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrorsTotal  metric.Int64Counter

	embedDuration    metric.Float64Histogram
	embedTextsTotal  metric.Int64Counter
	embedErrorsTotal metric.Int64Counter

	searchDuration    metric.Float64Histogram
	searchResults     metric.Int64Counter
	searchErrorsTotal metric.Int64Counter

	ingestDuration    metric.Float64Histogram
	ingestItemsTotal  metric.Int64Counter
	ingestErrorsTotal metric.Int64Counter

	cacheHitsTotal   metric.Int64Counter
	cacheMissesTotal metric.Int64Counter

	httpDuration      metric.Float64Histogram
	httpRequestsTotal metric.Int64Counter
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
	}

	m.llmDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.llmInputTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attrs...))
	m.llmOutputTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attrs...))

	if err != nil && m.llmErrorsTotal != nil {
		m.llmErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordEmbedding(ctx context.Context, model string, texts int, duration time.Duration, err error) {
	if m == nil || m.embedDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
	}

	m.embedDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.embedTextsTotal.Add(ctx, int64(texts), metric.WithAttributes(attrs...))

	if err != nil && m.embedErrorsTotal != nil {
		m.embedErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordSearch(ctx context.Context, collection string, duration time.Duration, results int, err error) {
	if m == nil || m.searchDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("collection", collection),
	}

	m.searchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.searchResults.Add(ctx, int64(results), metric.WithAttributes(attrs...))

	if err != nil && m.searchErrorsTotal != nil {
		m.searchErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordIngest(ctx context.Context, collection string, items int, duration time.Duration, err error) {
	if m == nil || m.ingestDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("collection", collection),
	}

	m.ingestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.ingestItemsTotal.Add(ctx, int64(items), metric.WithAttributes(attrs...))

	if err != nil && m.ingestErrorsTotal != nil {
		m.ingestErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordCacheHit(ctx context.Context, kind string) {
	if m == nil || m.cacheHitsTotal == nil {
		return
	}
	m.cacheHitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *PrometheusMetrics) RecordCacheMiss(ctx context.Context, kind string) {
	if m == nil || m.cacheMissesTotal == nil {
		return
	}
	m.cacheMissesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *PrometheusMetrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", statusCode),
	}

	m.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

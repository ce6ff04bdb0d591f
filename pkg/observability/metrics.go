package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics builds the OpenTelemetry meter backed by the Prometheus
// exporter and registers every instrument the service records. The returned
// metrics are ready for SetGlobalMetrics; the Prometheus registry is the
// default one, scraped via promhttp.
func InitMetrics() (*PrometheusMetrics, error) {
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("skopos")

	m := &PrometheusMetrics{}

	if m.llmDuration, err = meter.Float64Histogram(
		"skopos_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	if m.llmInputTokens, err = meter.Int64Counter(
		"skopos_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to LLMs"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	if m.llmOutputTokens, err = meter.Int64Counter(
		"skopos_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from LLMs"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	if m.llmErrorsTotal, err = meter.Int64Counter(
		"skopos_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	if m.embedDuration, err = meter.Float64Histogram(
		"skopos_embeddings_request_duration_seconds",
		metric.WithDescription("Embeddings request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create embeddings duration histogram: %w", err)
	}

	if m.embedTextsTotal, err = meter.Int64Counter(
		"skopos_embeddings_texts_total",
		metric.WithDescription("Total texts embedded"),
	); err != nil {
		return nil, fmt.Errorf("failed to create embeddings texts counter: %w", err)
	}

	if m.embedErrorsTotal, err = meter.Int64Counter(
		"skopos_embeddings_errors_total",
		metric.WithDescription("Total embeddings errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create embeddings errors counter: %w", err)
	}

	if m.searchDuration, err = meter.Float64Histogram(
		"skopos_search_duration_seconds",
		metric.WithDescription("Search execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create search duration histogram: %w", err)
	}

	if m.searchResults, err = meter.Int64Counter(
		"skopos_search_results_total",
		metric.WithDescription("Total search results returned"),
	); err != nil {
		return nil, fmt.Errorf("failed to create search results counter: %w", err)
	}

	if m.searchErrorsTotal, err = meter.Int64Counter(
		"skopos_search_errors_total",
		metric.WithDescription("Total search errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create search errors counter: %w", err)
	}

	if m.ingestDuration, err = meter.Float64Histogram(
		"skopos_ingest_duration_seconds",
		metric.WithDescription("Ingest batch duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create ingest duration histogram: %w", err)
	}

	if m.ingestItemsTotal, err = meter.Int64Counter(
		"skopos_ingest_items_total",
		metric.WithDescription("Total items ingested"),
	); err != nil {
		return nil, fmt.Errorf("failed to create ingest items counter: %w", err)
	}

	if m.ingestErrorsTotal, err = meter.Int64Counter(
		"skopos_ingest_errors_total",
		metric.WithDescription("Total ingest errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create ingest errors counter: %w", err)
	}

	if m.cacheHitsTotal, err = meter.Int64Counter(
		"skopos_cache_hits_total",
		metric.WithDescription("Total cache hits"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	if m.cacheMissesTotal, err = meter.Int64Counter(
		"skopos_cache_misses_total",
		metric.WithDescription("Total cache misses"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	if m.httpDuration, err = meter.Float64Histogram(
		"skopos_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	if m.httpRequestsTotal, err = meter.Int64Counter(
		"skopos_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
	); err != nil {
		return nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	return m, nil
}

package observability

import (
	"context"
	"time"
)

// NoopMetrics discards every measurement. Used when metrics are disabled
// and as a stand-in in tests.
type NoopMetrics struct{}

func (NoopMetrics) RecordLLMCall(_ context.Context, _ string, _ time.Duration, _, _ int, _ error) {}
func (NoopMetrics) RecordEmbedding(_ context.Context, _ string, _ int, _ time.Duration, _ error) {}
func (NoopMetrics) RecordSearch(_ context.Context, _ string, _ time.Duration, _ int, _ error)    {}
func (NoopMetrics) RecordIngest(_ context.Context, _ string, _ int, _ time.Duration, _ error)    {}
func (NoopMetrics) RecordCacheHit(_ context.Context, _ string)                                   {}
func (NoopMetrics) RecordCacheMiss(_ context.Context, _ string)                                  {}
func (NoopMetrics) RecordHTTPRequest(_ context.Context, _, _ string, _ int, _ time.Duration)     {}

var _ Metrics = NoopMetrics{}

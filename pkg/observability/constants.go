package observability

const (
	AttrCollection      = "collection"
	AttrIndexer         = "indexer"
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrEmbeddingsModel = "embeddings.model"
	AttrErrorType       = "error.type"
	AttrHTTPMethod      = "http.method"
	AttrHTTPPath        = "http.path"
	AttrHTTPStatusCode  = "http.status_code"

	SpanLLMRequest   = "llm.request"
	SpanEmbedRequest = "embeddings.embed"
	SpanSearch       = "search.execute"
	SpanAggregate    = "aggregate.execute"
	SpanIngest       = "ingest.items"
	SpanIndex        = "indexer.index"
	SpanHTTPRequest  = "http.request"

	DefaultServiceName = "skopos"
)

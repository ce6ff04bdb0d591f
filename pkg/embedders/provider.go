package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/cache"
	"github.com/skoposlabs/skopos/pkg/config"
	"github.com/skoposlabs/skopos/pkg/httpclient"
	"github.com/skoposlabs/skopos/pkg/observability"
)

// ProviderEmbedder embeds through a self-hosted sentence-transformer
// service. The service loads the named model on demand and returns 768-wide
// vectors unless the model reference carries a ":N" size suffix.
type ProviderEmbedder struct {
	// ref is the full model reference including any size suffix; it is the
	// cache key namespace. name is what the service receives.
	ref  string
	name string
	size int

	url       string
	batchSize int

	httpClient *httpclient.Client
	cache      cache.Cache
	tokens     *TokenCounter
}

type providerEmbedRequest struct {
	Model     string   `json:"model"`
	Documents []string `json:"documents"`
}

type providerEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func NewProvider(model string, cfg config.EmbeddingsConfig, c cache.Cache) (*ProviderEmbedder, error) {
	if cfg.ProviderURL == "" {
		return nil, apierror.Config("embeddings model %s requires EMBEDDINGS_PROVIDER_URL", model)
	}

	name, size := parseProviderModel(model)
	tokens, _ := NewTokenCounter(name)
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}

	return &ProviderEmbedder{
		ref:       model,
		name:      name,
		size:      size,
		url:       strings.TrimRight(cfg.ProviderURL, "/"),
		batchSize: batchSize,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
		cache:  c,
		tokens: tokens,
	}, nil
}

func (e *ProviderEmbedder) Model() string {
	return e.ref
}

func (e *ProviderEmbedder) Size() int {
	return e.size
}

func (e *ProviderEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return embedCached(ctx, e.cache, e.ref, texts, e.fetch)
}

func (e *ProviderEmbedder) fetch(ctx context.Context, texts []string) ([][]float32, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("skopos.embeddings")
	ctx, span := tracer.Start(ctx, observability.SpanEmbedRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrEmbeddingsModel, e.ref),
			attribute.Int("texts", len(texts)),
		),
	)
	defer span.End()

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))

		batch, err := e.fetchBatch(ctx, texts[start:end])
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if metrics := observability.GetGlobalMetrics(); metrics != nil {
				metrics.RecordEmbedding(ctx, e.ref, len(texts), time.Since(startTime), err)
			}
			return nil, err
		}
		results = append(results, batch...)
	}

	span.SetStatus(codes.Ok, "success")
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordEmbedding(ctx, e.ref, len(texts), time.Since(startTime), nil)
	}
	return results, nil
}

func (e *ProviderEmbedder) fetchBatch(ctx context.Context, texts []string) ([][]float32, error) {
	documents := make([]string, len(texts))
	for i, text := range texts {
		if e.tokens != nil {
			documents[i] = e.tokens.Truncate(text, maxInputTokens)
		} else {
			documents[i] = text
		}
	}

	requestBody, err := json.Marshal(providerEmbedRequest{Model: e.name, Documents: documents})
	if err != nil {
		return nil, apierror.Wrap(apierror.KindValidation, err, "failed to marshal embeddings request")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.url+"/embedding", bytes.NewReader(requestBody))
	if err != nil {
		return nil, apierror.Upstream(err, "embeddings provider")
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, apierror.Upstream(fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body)), "embeddings provider")
		}
	}
	if err != nil {
		return nil, apierror.Upstream(err, "embeddings provider")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierror.Upstream(err, "embeddings provider")
	}

	var response providerEmbedResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, apierror.Upstream(fmt.Errorf("unparseable embeddings response: %w", err), "embeddings provider")
	}
	if len(response.Embeddings) != len(texts) {
		return nil, apierror.Upstream(fmt.Errorf("expected %d embeddings, got %d", len(texts), len(response.Embeddings)), "embeddings provider")
	}

	for _, vec := range response.Embeddings {
		if len(vec) != e.size {
			return nil, apierror.DimensionMismatch(len(vec), e.size)
		}
	}
	return response.Embeddings, nil
}

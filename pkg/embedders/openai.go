package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
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

const openAIHost = "https://api.openai.com/v1"

// OpenAIEmbedder embeds through the OpenAI embeddings API.
type OpenAIEmbedder struct {
	model     string
	size      int
	apiKey    string
	host      string
	batchSize int

	httpClient *httpclient.Client
	cache      cache.Cache
	tokens     *TokenCounter
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func NewOpenAI(model string, size int, cfg config.EmbeddingsConfig, c cache.Cache) *OpenAIEmbedder {
	tokens, _ := NewTokenCounter(model)
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	return &OpenAIEmbedder{
		model:     model,
		size:      size,
		apiKey:    cfg.OpenAIAPIKey,
		host:      openAIHost,
		batchSize: batchSize,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
		cache:  c,
		tokens: tokens,
	}
}

func (e *OpenAIEmbedder) Model() string {
	return e.model
}

func (e *OpenAIEmbedder) Size() int {
	return e.size
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return embedCached(ctx, e.cache, e.model, texts, e.fetch)
}

func (e *OpenAIEmbedder) fetch(ctx context.Context, texts []string) ([][]float32, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("skopos.embeddings")
	ctx, span := tracer.Start(ctx, observability.SpanEmbedRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrEmbeddingsModel, e.model),
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
				metrics.RecordEmbedding(ctx, e.model, len(texts), time.Since(startTime), err)
			}
			return nil, err
		}
		results = append(results, batch...)
	}

	span.SetStatus(codes.Ok, "success")
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordEmbedding(ctx, e.model, len(texts), time.Since(startTime), nil)
	}
	return results, nil
}

func (e *OpenAIEmbedder) fetchBatch(ctx context.Context, texts []string) ([][]float32, error) {
	input := make([]string, len(texts))
	for i, text := range texts {
		input[i] = e.truncate(text)
	}

	requestBody, err := json.Marshal(openAIEmbedRequest{Model: e.model, Input: input})
	if err != nil {
		return nil, apierror.Wrap(apierror.KindValidation, err, "failed to marshal embeddings request")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.host+"/embeddings", bytes.NewReader(requestBody))
	if err != nil {
		return nil, apierror.Upstream(err, "openai")
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, apierror.Upstream(fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body)), "openai")
		}
	}
	if err != nil {
		return nil, apierror.Upstream(err, "openai")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierror.Upstream(err, "openai")
	}

	var response openAIEmbedResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, apierror.Upstream(fmt.Errorf("unparseable embeddings response: %w", err), "openai")
	}
	if response.Error != nil {
		return nil, apierror.Upstream(fmt.Errorf("openai API error: %s", response.Error.Message), "openai")
	}
	if len(response.Data) != len(texts) {
		return nil, apierror.Upstream(fmt.Errorf("expected %d embeddings, got %d", len(texts), len(response.Data)), "openai")
	}

	// Order by index to match input order.
	embeddings := make([][]float32, len(texts))
	for _, item := range response.Data {
		if item.Index < 0 || item.Index >= len(embeddings) {
			return nil, apierror.Upstream(fmt.Errorf("embedding index %d out of range", item.Index), "openai")
		}
		if len(item.Embedding) != e.size {
			return nil, apierror.DimensionMismatch(len(item.Embedding), e.size)
		}
		embeddings[item.Index] = item.Embedding
	}
	return embeddings, nil
}

func (e *OpenAIEmbedder) truncate(text string) string {
	if e.tokens == nil {
		return text
	}
	return e.tokens.Truncate(text, maxInputTokens)
}

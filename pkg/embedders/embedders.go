// Package embedders turns texts into vectors. Two providers are supported:
// the OpenAI embeddings API for the text-embedding-3 family, and a
// self-hosted sentence-transformer service for everything else. Every
// embedded string is cached for a day so re-indexing unchanged items never
// hits the provider.
package embedders

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/skoposlabs/skopos/pkg/cache"
	"github.com/skoposlabs/skopos/pkg/config"
	"github.com/skoposlabs/skopos/pkg/hashutil"
)

const (
	ModelSmall = "text-embedding-3-small"
	ModelLarge = "text-embedding-3-large"

	cacheTTL = 24 * time.Hour

	// maxInputTokens is the input limit shared by the supported models;
	// longer texts are truncated before embedding.
	maxInputTokens = 8192
)

// Embedder embeds texts into vectors of a fixed size. Results are returned
// in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Size() int
	Model() string
}

// New selects the provider for a model name. text-embedding-3-small and
// text-embedding-3-large go to OpenAI; any other name goes to the
// configured sentence-transformer service. A ":N" suffix on provider
// models overrides the default 768 vector size.
func New(model string, cfg config.EmbeddingsConfig, c cache.Cache) (Embedder, error) {
	if model == "" {
		model = cfg.DefaultModel
	}

	switch model {
	case ModelSmall:
		return NewOpenAI(model, 1536, cfg, c), nil
	case ModelLarge:
		return NewOpenAI(model, 3072, cfg, c), nil
	default:
		return NewProvider(model, cfg, c)
	}
}

// parseProviderModel splits an optional ":N" size suffix off a
// sentence-transformer model name.
func parseProviderModel(model string) (name string, size int) {
	size = 768
	name = model
	if idx := strings.LastIndex(model, ":"); idx > 0 {
		if n, err := strconv.Atoi(model[idx+1:]); err == nil && n > 0 {
			return model[:idx], n
		}
	}
	return name, size
}

// FieldsText renders an item fields map as embeddable text: "key=v1 v2"
// pairs joined by ", ", keys in sorted order.
func FieldsText(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strings.Join(fieldValues(fields[k]), " "))
	}
	return strings.Join(parts, ", ")
}

func fieldValues(v any) []string {
	if list, ok := v.([]any); ok {
		out := make([]string, len(list))
		for i, elem := range list {
			out[i] = fieldValue(elem)
		}
		return out
	}
	return []string{fieldValue(v)}
}

func fieldValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// embedCached fills results from the per-string cache and fetches only the
// misses in a single provider call.
func embedCached(ctx context.Context, c cache.Cache, model string, texts []string,
	fetch func(context.Context, []string) ([][]float32, error)) ([][]float32, error) {

	results := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		var vec []float32
		if hit, err := cache.GetJSON(ctx, c, embedKey(model, text), &vec); err == nil && hit {
			results[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return results, nil
	}

	fetched, err := fetch(ctx, missing)
	if err != nil {
		return nil, err
	}

	for j, vec := range fetched {
		results[missingIdx[j]] = vec
		_ = cache.SetJSON(ctx, c, embedKey(model, missing[j]), vec, cacheTTL)
	}
	return results, nil
}

func embedKey(model, text string) string {
	return cache.Key("embeddings", model, hashutil.StableHash(text))
}

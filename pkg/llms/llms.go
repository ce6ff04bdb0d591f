// Package llms provides chat-completion access to the OpenAI and Groq APIs
// with response caching, token accounting, and function calling. Model
// references are "provider:model" strings; the bare model form resolves to
// the default provider.
package llms

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/cache"
	"github.com/skoposlabs/skopos/pkg/config"
)

const (
	ProviderOpenAI = "openai"
	ProviderGroq   = "groq"

	// DefaultSystemPrompt keeps plain-text answers terse so they can be
	// embedded or matched verbatim.
	DefaultSystemPrompt = "Just respond to the question as laconically as possible"

	defaultCacheTTL = 7 * 24 * time.Hour
)

// LLM issues chat-completion queries against one model. Implementations
// accumulate token usage in Stats across all queries of the instance.
type LLM interface {
	Model() string
	SingleQuery(ctx context.Context, question string, opts ...QueryOption) (string, error)
	FunctionQuery(ctx context.Context, question string, tools []Tool, opts ...QueryOption) ([]ToolCall, error)
	Stats() *Stats
}

// Tool is a function declaration offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is one function invocation returned by the model.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Stats accumulates token usage. Safe for concurrent queries sharing one
// LLM instance.
type Stats struct {
	totalTokens atomic.Int64
}

func (s *Stats) Add(tokens int) {
	s.totalTokens.Add(int64(tokens))
}

func (s *Stats) TotalTokens() int64 {
	return s.totalTokens.Load()
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{TotalTokens: s.totalTokens.Load()}
}

// StatsSnapshot is the wire form of Stats.
type StatsSnapshot struct {
	TotalTokens int64 `json:"total_tokens"`
}

type queryOptions struct {
	systemPrompts []string
	files         []ContentPart
	cacheTTL      time.Duration
}

type QueryOption func(*queryOptions)

// WithSystemPrompt replaces the default system prompt. Repeated options
// append additional system messages.
func WithSystemPrompt(prompt string) QueryOption {
	return func(o *queryOptions) {
		o.systemPrompts = append(o.systemPrompts, prompt)
	}
}

// WithFiles attaches prepared file parts to the user message.
func WithFiles(parts ...ContentPart) QueryOption {
	return func(o *queryOptions) {
		o.files = append(o.files, parts...)
	}
}

// WithCacheTTL overrides the default 7 day response cache expiry.
func WithCacheTTL(ttl time.Duration) QueryOption {
	return func(o *queryOptions) {
		o.cacheTTL = ttl
	}
}

func buildOptions(opts []QueryOption, defaultSystem string) queryOptions {
	o := queryOptions{cacheTTL: defaultCacheTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.systemPrompts) == 0 && defaultSystem != "" {
		o.systemPrompts = []string{defaultSystem}
	}
	return o
}

// ParseModelRef splits a "provider:model" reference. A bare model name
// resolves to the openai provider; an empty ref resolves to the configured
// default.
func ParseModelRef(ref string, cfg config.LLMConfig) (provider, model string) {
	if ref == "" {
		ref = cfg.DefaultProviderAndModel
	}
	provider, model, found := strings.Cut(ref, ":")
	if !found {
		return ProviderOpenAI, provider
	}
	if model == "" {
		switch provider {
		case ProviderGroq:
			model = cfg.DefaultGroqModel
		default:
			model = cfg.DefaultOpenAIModel
		}
	}
	return provider, model
}

// New resolves a model reference to a provider instance. Responses are
// cached through c; pass a cache.Noop to disable caching.
func New(ref string, cfg config.LLMConfig, c cache.Cache) (LLM, error) {
	provider, model := ParseModelRef(ref, cfg)
	switch provider {
	case ProviderOpenAI:
		return NewOpenAI(model, cfg, c), nil
	case ProviderGroq:
		return NewGroq(model, cfg, c), nil
	default:
		return nil, apierror.Config("unsupported LLM provider: %s (supported: openai, groq)", provider)
	}
}

package llms

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
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

func testLLMConfig() config.LLMConfig {
	cfg := config.LLMConfig{
		OpenAIAPIKey: "sk-test",
		GroqAPIKey:   "gsk-test",
	}
	cfg.SetDefaults()
	return cfg
}

func testCache(t *testing.T) cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	return cache.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestParseModelRef(t *testing.T) {
	cfg := testLLMConfig()

	tests := []struct {
		ref      string
		provider string
		model    string
	}{
		{"", "openai", "gpt-4o"},
		{"gpt-4o-mini", "openai", "gpt-4o-mini"},
		{"openai:gpt-4o", "openai", "gpt-4o"},
		{"groq:llama3-70b-8192", "groq", "llama3-70b-8192"},
		{"groq:", "groq", "llama3-8b-8192"},
		{"openai:", "openai", "gpt-4o"},
	}

	for _, tt := range tests {
		provider, model := ParseModelRef(tt.ref, cfg)
		assert.Equal(t, tt.provider, provider, "ref %q", tt.ref)
		assert.Equal(t, tt.model, model, "ref %q", tt.ref)
	}
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New("mistral:large", testLLMConfig(), cache.NewNoop())
	require.Error(t, err)
	assert.Equal(t, apierror.KindConfig, apierror.KindOf(err))
}

func chatServer(t *testing.T, hits *atomic.Int64, respond func(req map[string]any) map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(respond(req)))
	}))
}

func TestSingleQuery(t *testing.T) {
	var hits atomic.Int64
	server := chatServer(t, &hits, func(req map[string]any) map[string]any {
		assert.Equal(t, "gpt-4o", req["model"])
		assert.Equal(t, float64(0), req["temperature"])

		messages := req["messages"].([]any)
		require.Len(t, messages, 2)
		system := messages[0].(map[string]any)
		assert.Equal(t, "system", system["role"])
		assert.Equal(t, DefaultSystemPrompt, system["content"])
		user := messages[1].(map[string]any)
		assert.Equal(t, "user", user["role"])
		assert.Equal(t, "capital of France?", user["content"])

		return map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "Paris"}},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 1, "total_tokens": 13},
		}
	})
	defer server.Close()

	p := NewOpenAI("gpt-4o", testLLMConfig(), testCache(t))
	p.host = server.URL

	answer, err := p.SingleQuery(context.Background(), "capital of France?")
	require.NoError(t, err)
	assert.Equal(t, "Paris", answer)
	assert.Equal(t, int64(13), p.Stats().TotalTokens())

	// Second identical query is served from cache: no extra request, no
	// extra tokens.
	answer, err = p.SingleQuery(context.Background(), "capital of France?")
	require.NoError(t, err)
	assert.Equal(t, "Paris", answer)
	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, int64(13), p.Stats().TotalTokens())
}

func TestSingleQueryCustomSystemPrompt(t *testing.T) {
	var hits atomic.Int64
	server := chatServer(t, &hits, func(req map[string]any) map[string]any {
		messages := req["messages"].([]any)
		require.Len(t, messages, 2)
		assert.Equal(t, "you are a parrot", messages[0].(map[string]any)["content"])
		return map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "squawk"}},
			},
			"usage": map[string]any{"total_tokens": 2},
		}
	})
	defer server.Close()

	p := NewOpenAI("gpt-4o", testLLMConfig(), cache.NewNoop())
	p.host = server.URL

	answer, err := p.SingleQuery(context.Background(), "hello", WithSystemPrompt("you are a parrot"))
	require.NoError(t, err)
	assert.Equal(t, "squawk", answer)
}

func TestSingleQueryUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "invalid api key", "type": "auth_error"}}`))
	}))
	defer server.Close()

	p := NewOpenAI("gpt-4o", testLLMConfig(), cache.NewNoop())
	p.host = server.URL

	_, err := p.SingleQuery(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, apierror.KindUpstream, apierror.KindOf(err))
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestFunctionQuery(t *testing.T) {
	var hits atomic.Int64
	server := chatServer(t, &hits, func(req map[string]any) map[string]any {
		assert.Equal(t, "required", req["tool_choice"])

		tools := req["tools"].([]any)
		require.Len(t, tools, 1)
		fn := tools[0].(map[string]any)["function"].(map[string]any)
		assert.Equal(t, "search_cars", fn["name"])

		return map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"tool_calls": []map[string]any{
						{
							"id":   "call_1",
							"type": "function",
							"function": map[string]any{
								"name":      "search_cars",
								"arguments": `{"make": "opel", "model": "", "year": 0, "used": true}`,
							},
						},
					},
				}},
			},
			"usage": map[string]any{"total_tokens": 42},
		}
	})
	defer server.Close()

	p := NewOpenAI("gpt-4o", testLLMConfig(), testCache(t))
	p.host = server.URL

	tools := []Tool{{
		Name:        "search_cars",
		Description: "Extract car search parameters",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"make": map[string]any{"type": "string"},
			},
		},
	}}

	calls, err := p.FunctionQuery(context.Background(), "a used opel", tools)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "search_cars", calls[0].Name)
	// Falsy values are dropped.
	assert.Equal(t, map[string]any{"make": "opel", "used": true}, calls[0].Arguments)

	// Cached on the second call.
	calls, err = p.FunctionQuery(context.Background(), "a used opel", tools)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, int64(1), hits.Load())
}

func TestFunctionQueryGroqContentFallback(t *testing.T) {
	var hits atomic.Int64
	server := chatServer(t, &hits, func(req map[string]any) map[string]any {
		assert.Equal(t, "auto", req["tool_choice"])
		return map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"content": `name=search_cars>{"make": "opel", "year": 2011}`,
				}},
			},
			"usage": map[string]any{"total_tokens": 7},
		}
	})
	defer server.Close()

	p := NewGroq("llama3-8b-8192", testLLMConfig(), cache.NewNoop())
	p.host = server.URL

	calls, err := p.FunctionQuery(context.Background(), "opel from 2011", []Tool{{Name: "search_cars"}})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "search_cars", calls[0].Name)
	assert.Equal(t, map[string]any{"make": "opel", "year": float64(2011)}, calls[0].Arguments)
}

func TestFunctionQueryNoToolCalls(t *testing.T) {
	var hits atomic.Int64
	server := chatServer(t, &hits, func(req map[string]any) map[string]any {
		return map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "I cannot help with that."}},
			},
			"usage": map[string]any{"total_tokens": 5},
		}
	})
	defer server.Close()

	p := NewOpenAI("gpt-4o", testLLMConfig(), cache.NewNoop())
	p.host = server.URL

	_, err := p.FunctionQuery(context.Background(), "hello", []Tool{{Name: "noop"}})
	require.Error(t, err)
	assert.Equal(t, apierror.KindLLMResponse, apierror.KindOf(err))
}

func TestParseContentToolCall(t *testing.T) {
	call, err := parseContentToolCall(`name=lookup>{"properties": {"city": "Athens", "country": ""}}`)
	require.NoError(t, err)
	assert.Equal(t, "lookup", call.Name)
	assert.Equal(t, map[string]any{"city": "Athens"}, call.Arguments)

	_, err = parseContentToolCall("no function here")
	require.Error(t, err)
	assert.Equal(t, apierror.KindLLMResponse, apierror.KindOf(err))
}

func TestCleanArguments(t *testing.T) {
	args := map[string]any{
		"properties": map[string]any{
			"make":  "opel",
			"model": "",
			"count": float64(0),
			"tags":  []any{},
			"extra": map[string]any{},
			"none":  nil,
			"year":  float64(2011),
		},
	}
	assert.Equal(t, map[string]any{"make": "opel", "year": float64(2011)}, cleanArguments(args))

	// Only a lone properties key is unwrapped.
	mixed := map[string]any{"properties": map[string]any{"a": "b"}, "c": "d"}
	assert.Equal(t, mixed, cleanArguments(mixed))
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()

	// Minimal valid PNG header.
	png := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 16)...)
	pngPath := filepath.Join(dir, "photo.png")
	require.NoError(t, os.WriteFile(pngPath, png, 0o644))

	parts, err := LoadFiles([]string{pngPath, "https://example.com/car.jpg"})
	require.NoError(t, err)
	require.Len(t, parts, 2)

	assert.Equal(t, "image_url", parts[0].Type)
	assert.True(t, strings.HasPrefix(parts[0].ImageURL.URL, "data:image/png;base64,"))
	assert.Equal(t, "low", parts[0].ImageURL.Detail)
	encoded := strings.TrimPrefix(parts[0].ImageURL.URL, "data:image/png;base64,")
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Equal(t, png, decoded)

	assert.Equal(t, "https://example.com/car.jpg", parts[1].ImageURL.URL)
}

func TestLoadFilesRejectsUnknown(t *testing.T) {
	dir := t.TempDir()
	txtPath := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txtPath, []byte("plain text"), 0o644))

	_, err := LoadFiles([]string{txtPath})
	require.Error(t, err)
	assert.Equal(t, apierror.KindValidation, apierror.KindOf(err))
}

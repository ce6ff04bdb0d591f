package llms

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
	"github.com/skoposlabs/skopos/pkg/hashutil"
	"github.com/skoposlabs/skopos/pkg/httpclient"
	"github.com/skoposlabs/skopos/pkg/observability"
)

const (
	openAIHost = "https://api.openai.com/v1"
	groqHost   = "https://api.groq.com/openai/v1"
)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []ContentPart
}

// ContentPart is one element of a multi-modal user message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
	Error   *chatError   `json:"error,omitempty"`
}

type chatChoice struct {
	Message struct {
		Role      string         `json:"role"`
		Content   string         `json:"content"`
		ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// Provider talks to an OpenAI-compatible chat-completions endpoint. Groq
// exposes the same wire format, so both providers share this type and
// differ only in host, credentials, tool_choice, and the content fallback
// for tool calls.
type Provider struct {
	name       string
	model      string
	host       string
	apiKey     string
	toolChoice string

	// contentToolCalls enables parsing "name=<fn>>{json}" answers that
	// Groq models sometimes emit instead of structured tool_calls.
	contentToolCalls bool

	httpClient *httpclient.Client
	cache      cache.Cache
	stats      *Stats
}

// NewOpenAI returns a provider for api.openai.com.
func NewOpenAI(model string, cfg config.LLMConfig, c cache.Cache) *Provider {
	if model == "" {
		model = cfg.DefaultOpenAIModel
	}
	return &Provider{
		name:       ProviderOpenAI,
		model:      model,
		host:       openAIHost,
		apiKey:     cfg.OpenAIAPIKey,
		toolChoice: "required",
		httpClient: newChatHTTPClient(cfg, httpclient.ParseOpenAIHeaders),
		cache:      c,
		stats:      &Stats{},
	}
}

func newChatHTTPClient(cfg config.LLMConfig, parser httpclient.RateLimitHeaderParser) *httpclient.Client {
	return httpclient.New(
		httpclient.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		}),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
		httpclient.WithHeaderParser(parser),
	)
}

func (p *Provider) Model() string {
	return p.model
}

func (p *Provider) Stats() *Stats {
	return p.stats
}

// SingleQuery asks for a plain-text answer. Answers are cached by model
// and question.
func (p *Provider) SingleQuery(ctx context.Context, question string, opts ...QueryOption) (string, error) {
	o := buildOptions(opts, DefaultSystemPrompt)

	key := cache.Key("llm.single_query", p.model, hashutil.StableHash(joinPrompt(o.systemPrompts, question)))
	var cached string
	if hit, err := cache.GetJSON(ctx, p.cache, key, &cached); err == nil && hit {
		recordCacheHit(ctx, "llm")
		return cached, nil
	}
	recordCacheMiss(ctx, "llm")

	messages := make([]chatMessage, 0, len(o.systemPrompts)+1)
	for _, prompt := range o.systemPrompts {
		messages = append(messages, chatMessage{Role: "system", Content: prompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userContent(question, o.files)})

	response, err := p.chatCompletions(ctx, chatRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}

	if len(response.Choices) == 0 {
		return "", apierror.LLMBadResponse("no response choices returned by %s", p.name)
	}

	text := response.Choices[0].Message.Content
	_ = cache.SetJSON(ctx, p.cache, key, text, o.cacheTTL)
	return text, nil
}

// FunctionQuery asks the model to call one or more of the given tools and
// returns the calls it made. Results are cached by model, question, and
// tool set.
func (p *Provider) FunctionQuery(ctx context.Context, question string, tools []Tool, opts ...QueryOption) ([]ToolCall, error) {
	o := buildOptions(opts, "")

	toolsJSON, err := hashutil.CanonicalJSON(tools)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindValidation, err, "invalid tool definitions")
	}
	key := cache.Key("llm.function_query", p.model,
		hashutil.StableHash(joinPrompt(o.systemPrompts, question)), hashutil.StableHash(toolsJSON))

	var cached []ToolCall
	if hit, err := cache.GetJSON(ctx, p.cache, key, &cached); err == nil && hit {
		recordCacheHit(ctx, "llm")
		return cached, nil
	}
	recordCacheMiss(ctx, "llm")

	messages := make([]chatMessage, 0, len(o.systemPrompts)+1)
	for _, prompt := range o.systemPrompts {
		messages = append(messages, chatMessage{Role: "system", Content: prompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userContent(question, o.files)})

	wireTools := make([]chatTool, len(tools))
	for i, tool := range tools {
		wireTools[i] = chatTool{Type: "function", Function: chatFunction(tool)}
	}

	response, err := p.chatCompletions(ctx, chatRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: 0,
		Tools:       wireTools,
		ToolChoice:  p.toolChoice,
	})
	if err != nil {
		return nil, err
	}

	if len(response.Choices) == 0 {
		return nil, apierror.LLMBadResponse("no response choices returned by %s", p.name)
	}

	calls, err := p.parseToolCalls(response.Choices[0])
	if err != nil {
		return nil, err
	}

	_ = cache.SetJSON(ctx, p.cache, key, calls, o.cacheTTL)
	return calls, nil
}

func (p *Provider) parseToolCalls(choice chatChoice) ([]ToolCall, error) {
	if len(choice.Message.ToolCalls) == 0 {
		if p.contentToolCalls && choice.Message.Content != "" {
			call, err := parseContentToolCall(choice.Message.Content)
			if err != nil {
				return nil, err
			}
			return []ToolCall{call}, nil
		}
		return nil, apierror.LLMBadResponse("%s returned no tool calls", p.name)
	}

	calls := make([]ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, apierror.LLMBadResponse("unparseable tool arguments for %s: %v", tc.Function.Name, err)
		}
		calls = append(calls, ToolCall{
			Name:      tc.Function.Name,
			Arguments: cleanArguments(args),
		})
	}
	return calls, nil
}

// cleanArguments unwraps arguments nested under a schema-shaped
// {"properties": {...}} envelope and drops falsy values, which weaker
// models emit for parameters they did not actually extract.
func cleanArguments(args map[string]any) map[string]any {
	if wrapped, ok := args["properties"].(map[string]any); ok && len(args) == 1 {
		args = wrapped
	}

	cleaned := make(map[string]any, len(args))
	for k, v := range args {
		if isFalsy(v) {
			continue
		}
		cleaned[k] = v
	}
	return cleaned
}

func isFalsy(v any) bool {
	switch value := v.(type) {
	case nil:
		return true
	case string:
		return value == ""
	case bool:
		return !value
	case float64:
		return value == 0
	case []any:
		return len(value) == 0
	case map[string]any:
		return len(value) == 0
	default:
		return false
	}
}

func userContent(question string, files []ContentPart) any {
	if len(files) == 0 {
		return question
	}
	parts := make([]ContentPart, 0, len(files)+1)
	parts = append(parts, ContentPart{Type: "text", Text: question})
	parts = append(parts, files...)
	return parts
}

func joinPrompt(systemPrompts []string, question string) string {
	if len(systemPrompts) == 0 {
		return question
	}
	return strings.Join(systemPrompts, "\n") + "\n" + question
}

func (p *Provider) chatCompletions(ctx context.Context, request chatRequest) (*chatResponse, error) {
	startTime := time.Now()

	tracer := observability.GetTracer("skopos.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.model),
			attribute.String("provider", p.name),
		),
	)
	defer span.End()

	response, err := p.makeRequest(ctx, request)
	duration := time.Since(startTime)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordLLMCall(ctx, p.model, duration, 0, 0, err)
		}
		return nil, err
	}

	if response.Error != nil {
		apiErr := apierror.Upstream(fmt.Errorf("%s API error: %s", p.name, response.Error.Message), p.name)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, response.Error.Message)

		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordLLMCall(ctx, p.model, duration, 0, 0, apiErr)
		}
		return nil, apiErr
	}

	p.stats.Add(response.Usage.TotalTokens)

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, response.Usage.PromptTokens),
		attribute.Int(observability.AttrLLMTokensOutput, response.Usage.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "success")

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordLLMCall(ctx, p.model, duration, response.Usage.PromptTokens, response.Usage.CompletionTokens, nil)
	}

	return response, nil
}

func (p *Provider) makeRequest(ctx context.Context, request chatRequest) (*chatResponse, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindValidation, err, "failed to marshal chat request")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.host+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return nil, apierror.Upstream(err, p.name)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			if apiErr := parseErrorBody(body); apiErr != nil {
				return nil, apierror.Upstream(
					fmt.Errorf("HTTP %d: %s (type: %s)", resp.StatusCode, apiErr.Message, apiErr.Type), p.name)
			}
			return nil, apierror.Upstream(
				fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body)), p.name)
		}
	}
	if err != nil {
		return nil, apierror.Upstream(err, p.name)
	}
	if resp == nil {
		return nil, apierror.Upstream(fmt.Errorf("no response received"), p.name)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierror.Upstream(err, p.name)
	}

	var response chatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, apierror.LLMBadResponse("unparseable %s response: %v", p.name, err)
	}
	return &response, nil
}

func parseErrorBody(body []byte) *chatError {
	if len(body) == 0 {
		return nil
	}
	var errorResp struct {
		Error chatError `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return &errorResp.Error
	}
	return nil
}

func recordCacheHit(ctx context.Context, kind string) {
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordCacheHit(ctx, kind)
	}
}

func recordCacheMiss(ctx context.Context, kind string) {
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordCacheMiss(ctx, kind)
	}
}

package llms

import (
	"encoding/json"
	"strings"

	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/cache"
	"github.com/skoposlabs/skopos/pkg/config"
	"github.com/skoposlabs/skopos/pkg/httpclient"
)

// NewGroq returns a provider for api.groq.com. Groq rejects
// tool_choice=required on some models, so "auto" is used and tool calls
// found in plain content are parsed as a fallback.
func NewGroq(model string, cfg config.LLMConfig, c cache.Cache) *Provider {
	if model == "" {
		model = cfg.DefaultGroqModel
	}
	return &Provider{
		name:             ProviderGroq,
		model:            model,
		host:             groqHost,
		apiKey:           cfg.GroqAPIKey,
		toolChoice:       "auto",
		contentToolCalls: true,
		httpClient:       newChatHTTPClient(cfg, httpclient.ParseGroqHeaders),
		cache:            c,
		stats:            &Stats{},
	}
}

// parseContentToolCall handles the "name=<function>>{json}" answers some
// Groq models produce instead of structured tool calls.
func parseContentToolCall(content string) (ToolCall, error) {
	trimmed := strings.TrimSpace(content)

	start := strings.Index(trimmed, "name=")
	if start < 0 {
		return ToolCall{}, apierror.LLMBadResponse("no tool call found in model output")
	}
	rest := trimmed[start+len("name="):]

	sep := strings.Index(rest, ">")
	if sep < 0 {
		return ToolCall{}, apierror.LLMBadResponse("malformed tool call in model output")
	}
	name := strings.TrimSpace(rest[:sep])
	argsJSON := strings.TrimSpace(rest[sep+1:])

	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return ToolCall{}, apierror.LLMBadResponse("unparseable tool arguments in model output: %v", err)
	}
	return ToolCall{Name: name, Arguments: cleanArguments(args)}, nil
}

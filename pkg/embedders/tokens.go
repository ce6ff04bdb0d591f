package embedders

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts and truncates by model tokenization. Encodings are
// expensive to build, so they are cached per model.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.RWMutex
)

func NewTokenCounter(model string) (*TokenCounter, error) {
	encodingMu.RLock()
	cached, exists := encodingCache[model]
	encodingMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// cl100k_base covers the embedding models and is a safe
		// approximation for anything tiktoken does not know.
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	encodingMu.Lock()
	encodingCache[model] = encoding
	encodingMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

func (tc *TokenCounter) Count(text string) int {
	return len(tc.encoding.Encode(text, nil, nil))
}

// Truncate cuts text to at most maxTokens tokens.
func (tc *TokenCounter) Truncate(text string, maxTokens int) string {
	tokens := tc.encoding.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return tc.encoding.Decode(tokens[:maxTokens])
}

func (tc *TokenCounter) Model() string {
	return tc.model
}

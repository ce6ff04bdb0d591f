package suggest

import (
	"encoding/json"
	"reflect"

	"github.com/skoposlabs/skopos/pkg/aggregate"
	"github.com/skoposlabs/skopos/pkg/search"
)

// AutoCompleteConfig drives LLM-grounded query completion: context
// providers feed prior activity into the prompt, and every proposed
// continuation is narrowed to a real item through a search.
type AutoCompleteConfig struct {
	Collection string             `json:"collection,omitempty"`
	Query      string             `json:"query"`
	Model      string             `json:"model,omitempty"`
	ExtraInfo  string             `json:"extra_info,omitempty"`
	Contexts   []ContextConfig    `json:"contexts,omitempty"`
	Rank       *search.RankConfig `json:"rank,omitempty"`
	Limit      int                `json:"limit,omitempty"`
}

// ContextConfig names one context source. Type "items" (alias "item")
// renders the results of a search over a collection, one line per item.
type ContextConfig struct {
	Type         string               `json:"type"`
	Collection   string               `json:"collection,omitempty"`
	ContextTitle string               `json:"context_title,omitempty"`
	Search       *search.SearchConfig `json:"search,omitempty"`
}

// SuggestConfig composes up to three suggestion sources. Each source may
// name its own collection; omitted names fall back to the request
// collection.
type SuggestConfig struct {
	Autocomplete *AutoCompleteConfig `json:"autocomplete,omitempty"`
	Search       *SearchSource       `json:"search,omitempty"`
	Aggregate    *AggregateSource    `json:"aggregate,omitempty"`
	Limit        int                 `json:"limit,omitempty"`
}

// SearchSource is a search config bound to a collection.
type SearchSource struct {
	Collection string `json:"collection,omitempty"`
	search.SearchConfig
}

// AggregateSource is an aggregation config bound to a collection.
type AggregateSource struct {
	Collection string `json:"collection,omitempty"`
	aggregate.AggregationConfig
}

// Suggestion is one search-bar proposal. Fields carry the payload shown to
// the user; equality over them is what dedupes across sources.
type Suggestion struct {
	Type            string         `json:"type"`
	ID              string         `json:"id,omitempty"`
	AggregationName string         `json:"aggregation_name,omitempty"`
	ItemID          string         `json:"item_id,omitempty"`
	Fields          map[string]any `json:"fields"`
	Score           float64        `json:"score"`
}

// Same reports whether two suggestions carry equal field payloads.
func (s Suggestion) Same(other Suggestion) bool {
	if reflect.DeepEqual(s.Fields, other.Fields) {
		return true
	}
	// Field maps may mix decoded and constructed values; compare their
	// canonical JSON when the direct comparison fails.
	a, errA := json.Marshal(s.Fields)
	b, errB := json.Marshal(other.Fields)
	return errA == nil && errB == nil && string(a) == string(b)
}

func (c *SuggestConfig) SetDefaults() {
	if c.Limit <= 0 {
		c.Limit = 10
	}
}

func (c *AutoCompleteConfig) SetDefaults() {
	if c.Limit <= 0 {
		c.Limit = 10
	}
}

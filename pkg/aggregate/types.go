package aggregate

import (
	"github.com/skoposlabs/skopos/pkg/config"
	"github.com/skoposlabs/skopos/pkg/llms"
)

// AggregationConfig is the body of an aggregation request: a free-text
// prompt plus the function schemas the LLM may extract into. Heavy and
// light model references accept both the _llm and _model key spellings.
type AggregationConfig struct {
	Aggregations []AggregationQueryConfig `json:"aggregations"`
	Prompt       string                   `json:"prompt"`
	Limit        int                      `json:"limit,omitempty"`
	Sort         *SortConfig              `json:"sort,omitempty"`
	Files        []string                 `json:"files,omitempty"`

	HeavyLLM   string `json:"heavy_llm,omitempty"`
	HeavyModel string `json:"heavy_model,omitempty"`
	LightLLM   string `json:"light_llm,omitempty"`
	LightModel string `json:"light_model,omitempty"`

	ClassificationPrompt string `json:"classification_prompt,omitempty"`
	AggregationPrompt    string `json:"aggregation_prompt,omitempty"`

	// Caching covers both the LLM calls and the nested item-field searches.
	// Omitted means enabled.
	Caching *bool `json:"caching,omitempty"`
}

// SortConfig orders the structured LLM outputs by one of their fields
// before expansion.
type SortConfig struct {
	Field string `json:"field"`
	Order string `json:"order,omitempty"`
}

// AggregationQueryConfig is one extractable function: a name, a description
// the classifier and the LLM see, optional facts appended to it, and the
// field schema.
type AggregationQueryConfig struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Facts       []string               `json:"facts,omitempty"`
	Fields      map[string]FieldConfig `json:"fields"`
}

// FieldConfig describes one extracted field. Type defaults to text; item
// fields resolve their value through a nested search described by Item.
type FieldConfig struct {
	Type        string         `json:"type,omitempty"`
	Value       any            `json:"value,omitempty"`
	Description string         `json:"description,omitempty"`
	Multiple    bool           `json:"multiple,omitempty"`
	Required    bool           `json:"required,omitempty"`
	Enum        any            `json:"enum,omitempty"`
	Item        *ItemLookup    `json:"item,omitempty"`
	Of          *FieldConfig   `json:"of,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// ItemLookup grounds an item-typed field in the collection: the LLM's value
// becomes a text query, the filter narrows candidates (with $field
// references to other extracted fields), and Export names the item field
// returned as the possible value.
type ItemLookup struct {
	Filter           map[string]any `json:"filter,omitempty"`
	Export           string         `json:"export"`
	Limit            int            `json:"limit,omitempty"`
	DistanceFunction string         `json:"distance_function,omitempty"`
}

// AggregationResult is the expansion of one matched aggregation.
type AggregationResult struct {
	Aggregation string                 `json:"aggregation"`
	Items       []map[string]any       `json:"items"`
	LLMStats    *HeavyAndLightLLMStats `json:"llm_stats,omitempty"`
}

// HeavyAndLightLLMStats reports token usage of the two models involved.
type HeavyAndLightLLMStats struct {
	HeavyLLMStats llms.StatsSnapshot `json:"heavy_llm_stats"`
	LightLLMStats llms.StatsSnapshot `json:"light_llm_stats"`
}

// SetDefaults fills the documented defaults in place.
func (c *AggregationConfig) SetDefaults() {
	if c.Limit <= 0 {
		c.Limit = 1
	}
	if c.Sort != nil && c.Sort.Order == "" {
		c.Sort.Order = "asc"
	}
	for name, agg := range c.Aggregations {
		for fname, field := range agg.Fields {
			if field.Type == "" {
				field.Type = "text"
			}
			if field.Item != nil && field.Item.Limit <= 0 {
				field.Item.Limit = 1
			}
			c.Aggregations[name].Fields[fname] = field
		}
	}
}

// CachingEnabled reports whether LLM and search caching applies.
func (c *AggregationConfig) CachingEnabled() bool {
	return c.Caching == nil || *c.Caching
}

func (c *AggregationConfig) heavyModel(llmCfg config.LLMConfig) string {
	for _, ref := range []string{c.HeavyLLM, c.HeavyModel, llmCfg.AggregationsHeavyModel} {
		if ref != "" {
			return ref
		}
	}
	return ""
}

func (c *AggregationConfig) lightModel(llmCfg config.LLMConfig) string {
	for _, ref := range []string{c.LightLLM, c.LightModel, llmCfg.AggregationsLightModel} {
		if ref != "" {
			return ref
		}
	}
	return ""
}

func (c *AggregationConfig) aggregation(name string) *AggregationQueryConfig {
	for i := range c.Aggregations {
		if c.Aggregations[i].Name == name {
			return &c.Aggregations[i]
		}
	}
	return nil
}

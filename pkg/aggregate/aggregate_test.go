package aggregate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/cache"
	"github.com/skoposlabs/skopos/pkg/config"
	"github.com/skoposlabs/skopos/pkg/llms"
	"github.com/skoposlabs/skopos/pkg/logger"
	"github.com/skoposlabs/skopos/pkg/search"
	"github.com/skoposlabs/skopos/pkg/store"
)

type fakeLLM struct {
	model      string
	answer     string
	calls      []llms.ToolCall
	stats      llms.Stats
	questions  []string
	toolBursts [][]llms.Tool
	err        error
}

func (f *fakeLLM) Model() string { return f.model }

func (f *fakeLLM) SingleQuery(_ context.Context, question string, _ ...llms.QueryOption) (string, error) {
	f.questions = append(f.questions, question)
	return f.answer, f.err
}

func (f *fakeLLM) FunctionQuery(_ context.Context, question string, tools []llms.Tool, _ ...llms.QueryOption) ([]llms.ToolCall, error) {
	f.questions = append(f.questions, question)
	f.toolBursts = append(f.toolBursts, tools)
	return f.calls, f.err
}

func (f *fakeLLM) Stats() *llms.Stats { return &f.stats }

type fakeSearcher struct {
	configs []search.SearchConfig
	items   map[string][]search.SearchItem
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, _ *store.Collection, cfg search.SearchConfig) (*search.SearchResult, error) {
	f.configs = append(f.configs, cfg)
	if f.err != nil {
		return nil, f.err
	}
	query, _ := cfg.Queries[0]["text"].(string)
	return &search.SearchResult{Items: f.items[query], ID: "search-1"}, nil
}

func testCollection() *store.Collection {
	return &store.Collection{ID: 7, Name: "cars"}
}

func newAggregator(t *testing.T, searcher *fakeSearcher, heavy, light *fakeLLM) *Aggregator {
	t.Helper()
	a := New(searcher, cache.NewNoop(), config.LLMConfig{
		AggregationsHeavyModel: "openai:heavy",
		AggregationsLightModel: "openai:light",
	})
	a.logger = logger.New("aggregate")
	a.newLLM = func(ref string, _ cache.Cache) (llms.LLM, error) {
		switch ref {
		case "openai:heavy":
			return heavy, nil
		case "openai:light":
			return light, nil
		}
		return nil, errors.New("unexpected model " + ref)
	}
	return a
}

func carsAggregation() AggregationQueryConfig {
	return AggregationQueryConfig{
		Name:        "car_search",
		Description: "Search for cars",
		Fields: map[string]FieldConfig{
			"make":     {Type: "text", Description: "car make"},
			"model":    {Type: "text", Description: "car model"},
			"year":     {Type: "integer", Description: "first registration year"},
			"price_to": {Type: "integer", Description: "maximum price"},
			"color": {Type: "item", Description: "car color", Item: &ItemLookup{
				Filter: map[string]any{"field": "color"},
				Export: "value",
			}},
		},
	}
}

func TestAggregateExpandsItemFields(t *testing.T) {
	searcher := &fakeSearcher{items: map[string][]search.SearchItem{
		"red": {{ID: "lookup-red", Fields: map[string]any{"field": "color", "value": "_red_"}}},
	}}
	heavy := &fakeLLM{model: "heavy", calls: []llms.ToolCall{{
		Name: "car_search",
		Arguments: map[string]any{
			"make": "opel", "model": "corsa", "year": float64(2011),
			"price_to": float64(3000), "color": "red",
		},
	}}}
	light := &fakeLLM{model: "light"}
	a := newAggregator(t, searcher, heavy, light)

	results, err := a.Aggregate(context.Background(), testCollection(), AggregationConfig{
		Prompt:       "red opel corsa up to 3000 euros from 2011",
		Aggregations: []AggregationQueryConfig{carsAggregation()},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, "car_search", results[0].Aggregation)
	require.Len(t, results[0].Items, 1)
	assert.Equal(t, map[string]any{
		"make": "opel", "model": "corsa", "year": float64(2011),
		"price_to": float64(3000), "color": "_red_",
	}, results[0].Items[0])

	// Single aggregation skips classification entirely.
	assert.Empty(t, light.questions)
	// The nested lookup searched the extracted value with the configured filter.
	require.Len(t, searcher.configs, 1)
	assert.Equal(t, map[string]any{"field": "color"}, searcher.configs[0].Filter)
	assert.NotNil(t, searcher.configs[0].Cache)
	assert.NotEmpty(t, searcher.configs[0].Cache.Key)
}

func TestAggregateDropsBranchWithoutItemMatches(t *testing.T) {
	searcher := &fakeSearcher{items: map[string][]search.SearchItem{}}
	heavy := &fakeLLM{model: "heavy", calls: []llms.ToolCall{{
		Name:      "car_search",
		Arguments: map[string]any{"make": "opel", "color": "chartreuse"},
	}}}
	a := newAggregator(t, searcher, heavy, &fakeLLM{model: "light"})

	results, err := a.Aggregate(context.Background(), testCollection(), AggregationConfig{
		Prompt:       "chartreuse opel",
		Aggregations: []AggregationQueryConfig{carsAggregation()},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Empty(t, results[0].Items)
}

func TestAggregateResolvesFilterVariables(t *testing.T) {
	agg := AggregationQueryConfig{
		Name:        "deps",
		Description: "dependent lookups",
		Fields: map[string]FieldConfig{
			"category": {Type: "item", Item: &ItemLookup{
				Filter: map[string]any{"kind": "category"},
				Export: "value",
			}},
			"subcategory": {Type: "item", Item: &ItemLookup{
				Filter: map[string]any{"kind": "subcategory", "parent": "$category"},
				Export: "value",
			}},
		},
	}
	searcher := &fakeSearcher{items: map[string][]search.SearchItem{
		"vehicles": {{ID: "c1", Fields: map[string]any{"value": "cars"}}},
		"small":    {{ID: "s1", Fields: map[string]any{"value": "hatchbacks"}}},
	}}
	heavy := &fakeLLM{model: "heavy", calls: []llms.ToolCall{{
		Name:      "deps",
		Arguments: map[string]any{"category": "vehicles", "subcategory": "small"},
	}}}
	a := newAggregator(t, searcher, heavy, &fakeLLM{model: "light"})

	results, err := a.Aggregate(context.Background(), testCollection(), AggregationConfig{
		Prompt:       "small vehicles",
		Aggregations: []AggregationQueryConfig{agg},
	})
	require.NoError(t, err)
	require.Len(t, results[0].Items, 1)
	assert.Equal(t, map[string]any{"category": "cars", "subcategory": "hatchbacks"}, results[0].Items[0])

	// The dependent lookup ran second and saw the resolved parent value.
	require.Len(t, searcher.configs, 2)
	assert.Equal(t, map[string]any{"kind": "subcategory", "parent": "cars"}, searcher.configs[1].Filter)
}

func TestAggregateClassifiesAcrossAggregations(t *testing.T) {
	aggs := []AggregationQueryConfig{
		{Name: "cars", Description: "car searches", Fields: map[string]FieldConfig{"make": {Type: "text"}}},
		{Name: "houses", Description: "real estate", Fields: map[string]FieldConfig{"city": {Type: "text"}}},
	}
	heavy := &fakeLLM{model: "heavy", calls: []llms.ToolCall{{
		Name: "houses", Arguments: map[string]any{"city": "athens"},
	}}}
	light := &fakeLLM{model: "light", answer: "houses,\ncars"}
	a := newAggregator(t, &fakeSearcher{}, heavy, light)

	results, err := a.Aggregate(context.Background(), testCollection(), AggregationConfig{
		Prompt:       "apartment in athens",
		Aggregations: aggs,
		Limit:        1,
	})
	require.NoError(t, err)
	require.Len(t, light.questions, 1)
	assert.Contains(t, light.questions[0], "name: cars description: car searches")
	assert.Contains(t, light.questions[0], "apartment in athens")

	// limit 1 keeps only the first matched aggregation as a callable tool.
	require.Len(t, heavy.toolBursts, 1)
	require.Len(t, heavy.toolBursts[0], 1)
	assert.Equal(t, "houses", heavy.toolBursts[0][0].Name)

	require.Len(t, results, 1)
	assert.Equal(t, "houses", results[0].Aggregation)
}

func TestAggregateNoClassificationMatch(t *testing.T) {
	aggs := []AggregationQueryConfig{
		{Name: "cars", Fields: map[string]FieldConfig{}},
		{Name: "houses", Fields: map[string]FieldConfig{}},
	}
	light := &fakeLLM{model: "light", answer: "nothing relevant here"}
	a := newAggregator(t, &fakeSearcher{}, &fakeLLM{model: "heavy"}, light)

	results, err := a.Aggregate(context.Background(), testCollection(), AggregationConfig{
		Prompt:       "what",
		Aggregations: aggs,
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestAggregateInjectsLiteralValues(t *testing.T) {
	agg := AggregationQueryConfig{
		Name: "tagged",
		Fields: map[string]FieldConfig{
			"query":  {Type: "text"},
			"source": {Type: "text", Value: "aggregation"},
		},
	}
	heavy := &fakeLLM{model: "heavy", calls: []llms.ToolCall{{
		Name: "tagged", Arguments: map[string]any{"query": "opel"},
	}}}
	a := newAggregator(t, &fakeSearcher{}, heavy, &fakeLLM{model: "light"})

	results, err := a.Aggregate(context.Background(), testCollection(), AggregationConfig{
		Prompt:       "opel",
		Aggregations: []AggregationQueryConfig{agg},
	})
	require.NoError(t, err)
	require.Len(t, results[0].Items, 1)
	assert.Equal(t, "aggregation", results[0].Items[0]["source"])
}

func TestExecutionLevelsOrdersDependencies(t *testing.T) {
	fields := map[string]FieldConfig{
		"a": {Type: "text"},
		"b": {Type: "item", Item: &ItemLookup{Filter: map[string]any{"x": "$a"}, Export: "v"}},
		"c": {Type: "item", Item: &ItemLookup{Filter: map[string]any{"y": "$b"}, Export: "v"}},
		"d": {Type: "text"},
	}
	levels, err := executionLevels(fields)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "d"}, {"b"}, {"c"}}, levels)
}

func TestExecutionLevelsDetectsCycles(t *testing.T) {
	fields := map[string]FieldConfig{
		"a": {Type: "item", Item: &ItemLookup{Filter: map[string]any{"x": "$b"}, Export: "v"}},
		"b": {Type: "item", Item: &ItemLookup{Filter: map[string]any{"y": "$a"}, Export: "v"}},
	}
	_, err := executionLevels(fields)
	require.Error(t, err)
	assert.Equal(t, apierror.KindConfig, apierror.KindOf(err))
}

func TestFieldSchemaRendering(t *testing.T) {
	schema := fieldsSchema(map[string]FieldConfig{
		"color": {Type: "string", Description: "the color", Enum: map[string]any{
			"_red_": "shades of red", "_blue_": "shades of blue",
		}},
		"tags":  {Type: "text", Multiple: true},
		"price": {Type: "float", Required: true},
	})

	properties := schema["properties"].(map[string]any)

	color := properties["color"].(map[string]any)
	assert.Equal(t, []any{"_blue_", "_red_"}, color["enum"])
	assert.Equal(t, "the color Possible values: _blue_ is shades of blue, _red_ is shades of red", color["description"])

	tags := properties["tags"].(map[string]any)
	assert.Equal(t, "array", tags["type"])
	assert.Equal(t, map[string]any{"type": "string"}, tags["items"])

	price := properties["price"].(map[string]any)
	assert.Equal(t, "number", price["type"])
	assert.Equal(t, "float", price["format"])
	assert.Equal(t, []string{"price"}, schema["required"])
}

func TestSortStructuredQueries(t *testing.T) {
	queries := []structuredQuery{
		{name: "a", args: map[string]any{"year": "2016"}},
		{name: "b", args: map[string]any{"year": float64(2011)}},
		{name: "c", args: map[string]any{"year": "2013"}},
	}
	sortStructuredQueries(queries, &SortConfig{Field: "year", Order: "desc"})
	assert.Equal(t, "a", queries[0].name)
	assert.Equal(t, "c", queries[1].name)
	assert.Equal(t, "b", queries[2].name)
}

package suggest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skoposlabs/skopos/pkg/aggregate"
	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/cache"
	"github.com/skoposlabs/skopos/pkg/config"
	"github.com/skoposlabs/skopos/pkg/llms"
	"github.com/skoposlabs/skopos/pkg/search"
	"github.com/skoposlabs/skopos/pkg/store"
)

type fakeLLM struct {
	model     string
	answer    string
	questions []string
	err       error
}

func (f *fakeLLM) Model() string { return f.model }

func (f *fakeLLM) SingleQuery(_ context.Context, question string, _ ...llms.QueryOption) (string, error) {
	f.questions = append(f.questions, question)
	return f.answer, f.err
}

func (f *fakeLLM) FunctionQuery(_ context.Context, question string, _ []llms.Tool, _ ...llms.QueryOption) ([]llms.ToolCall, error) {
	f.questions = append(f.questions, question)
	return nil, f.err
}

func (f *fakeLLM) Stats() *llms.Stats { return &llms.Stats{} }

type fakeSearcher struct {
	configs     []search.SearchConfig
	collections []string
	items       map[string][]search.SearchItem
	err         error
}

func (f *fakeSearcher) Search(_ context.Context, collection *store.Collection, cfg search.SearchConfig) (*search.SearchResult, error) {
	f.configs = append(f.configs, cfg)
	f.collections = append(f.collections, collection.Name)
	if f.err != nil {
		return nil, f.err
	}
	key := ""
	if len(cfg.Queries) > 0 {
		key, _ = cfg.Queries[0]["text"].(string)
	}
	return &search.SearchResult{Items: f.items[key], ID: "search-1"}, nil
}

type fakeAggregator struct {
	collections []string
	results     []aggregate.AggregationResult
	err         error
}

func (f *fakeAggregator) Aggregate(_ context.Context, collection *store.Collection, _ aggregate.AggregationConfig) ([]aggregate.AggregationResult, error) {
	f.collections = append(f.collections, collection.Name)
	return f.results, f.err
}

func testResolver(t *testing.T) CollectionResolver {
	t.Helper()
	return func(_ context.Context, name string) (*store.Collection, error) {
		if name == "" {
			return nil, errors.New("empty collection name")
		}
		return &store.Collection{ID: 7, Name: name}, nil
	}
}

func newTestAutocompletor(t *testing.T, searcher *fakeSearcher, llm *fakeLLM) *Autocompletor {
	t.Helper()
	a := NewAutocompletor(searcher, testResolver(t), cache.NewNoop(), config.LLMConfig{})
	a.newLLM = func(string) (llms.LLM, error) { return llm, nil }
	return a
}

func TestAutocompleteGroundsEachProposal(t *testing.T) {
	searcher := &fakeSearcher{items: map[string][]search.SearchItem{
		"red sports car":  {{ID: "i1", Fields: map[string]any{"name": "Ferrari"}, Score: 0.9}},
		"red family car":  {{ID: "i2", Fields: map[string]any{"name": "Volvo"}, Score: 0.7}},
		"red vintage car": {{ID: "i1", Fields: map[string]any{"name": "Ferrari"}, Score: 0.8}},
	}}
	llm := &fakeLLM{answer: "red sports car\n\nred family car\nred vintage car\n"}
	a := newTestAutocompletor(t, searcher, llm)

	items, err := a.Autocomplete(context.Background(), &store.Collection{ID: 7, Name: "cars"}, AutoCompleteConfig{
		Query: "red",
	})
	require.NoError(t, err)

	// The third proposal resolves to the same item as the first and is dropped.
	require.Len(t, items, 2)
	assert.Equal(t, "i1", items[0].ID)
	assert.Equal(t, "i2", items[1].ID)

	require.Len(t, searcher.configs, 3)
	for _, cfg := range searcher.configs {
		assert.Equal(t, 1, cfg.Limit)
		require.NotNil(t, cfg.Rank)
		assert.Equal(t, 20, cfg.Rank.Topn)
		assert.Equal(t, "score + score.popularity * 0.5", cfg.Rank.ScoreFunction)
	}
}

func TestAutocompleteHonorsLimitAndRankOverride(t *testing.T) {
	searcher := &fakeSearcher{items: map[string][]search.SearchItem{
		"a": {{ID: "i1"}},
		"b": {{ID: "i2"}},
	}}
	llm := &fakeLLM{answer: "a\nb\nc\nd"}
	a := newTestAutocompletor(t, searcher, llm)

	rank := &search.RankConfig{Topn: 5, ScoreFunction: "score"}
	items, err := a.Autocomplete(context.Background(), &store.Collection{ID: 7, Name: "cars"}, AutoCompleteConfig{
		Query: "x",
		Limit: 2,
		Rank:  rank,
	})
	require.NoError(t, err)
	assert.Len(t, items, 2)
	require.Len(t, searcher.configs, 2)
	assert.Equal(t, rank, searcher.configs[0].Rank)
}

func TestAutocompleteRendersItemContexts(t *testing.T) {
	searcher := &fakeSearcher{items: map[string][]search.SearchItem{
		"recent": {
			{ID: "i1", Description: "a fast red car"},
			{ID: "i2", Fields: map[string]any{"name": "Volvo", "year": 2019}},
		},
	}}
	llm := &fakeLLM{answer: ""}
	a := newTestAutocompletor(t, searcher, llm)

	_, err := a.Autocomplete(context.Background(), &store.Collection{ID: 7, Name: "cars"}, AutoCompleteConfig{
		Query: "red",
		Contexts: []ContextConfig{{
			Type:         "items",
			ContextTitle: "recently viewed",
			Search:       &search.SearchConfig{Queries: []map[string]any{{"text": "recent"}}},
		}},
	})
	require.NoError(t, err)

	require.Len(t, llm.questions, 1)
	prompt := llm.questions[0]
	assert.Contains(t, prompt, "recently viewed:")
	assert.Contains(t, prompt, "a fast red car")
	assert.Contains(t, prompt, "name is Volvo year is 2019")
	assert.True(t, strings.Contains(prompt, "Query:\nred"), prompt)
}

func TestAutocompleteContextOtherCollection(t *testing.T) {
	searcher := &fakeSearcher{items: map[string][]search.SearchItem{}}
	llm := &fakeLLM{answer: ""}
	a := newTestAutocompletor(t, searcher, llm)

	_, err := a.Autocomplete(context.Background(), &store.Collection{ID: 7, Name: "cars"}, AutoCompleteConfig{
		Query: "red",
		Contexts: []ContextConfig{{
			Type:       "items",
			Collection: "history",
			Search:     &search.SearchConfig{Queries: []map[string]any{{"text": "recent"}}},
		}},
	})
	require.NoError(t, err)
	require.Len(t, searcher.collections, 1)
	assert.Equal(t, "history", searcher.collections[0])
}

func TestAutocompleteRejectsUnknownContextType(t *testing.T) {
	a := newTestAutocompletor(t, &fakeSearcher{}, &fakeLLM{})

	_, err := a.Autocomplete(context.Background(), &store.Collection{ID: 7, Name: "cars"}, AutoCompleteConfig{
		Query:    "red",
		Contexts: []ContextConfig{{Type: "weather"}},
	})
	require.Error(t, err)
	assert.Equal(t, apierror.KindConfig, apierror.KindOf(err))
}

func newTestSuggestor(t *testing.T, searcher *fakeSearcher, aggregator *fakeAggregator, llm *fakeLLM) *Suggestor {
	t.Helper()
	autocompletor := newTestAutocompletor(t, searcher, llm)
	return NewSuggestor(autocompletor, searcher, aggregator, testResolver(t))
}

func TestSuggestMergesSourcesInOrder(t *testing.T) {
	searcher := &fakeSearcher{items: map[string][]search.SearchItem{
		"red car": {{ID: "i1", Fields: map[string]any{"name": "Ferrari"}, Score: 0.9}},
		"cars":    {{ID: "i2", Fields: map[string]any{"name": "Volvo"}, Score: 0.6}},
	}}
	aggregator := &fakeAggregator{results: []aggregate.AggregationResult{{
		Aggregation: "car_search",
		Items:       []map[string]any{{"make": "Audi"}},
	}}}
	llm := &fakeLLM{answer: "red car"}
	s := newTestSuggestor(t, searcher, aggregator, llm)

	suggestions, err := s.Suggest(context.Background(), "cars", SuggestConfig{
		Autocomplete: &AutoCompleteConfig{Query: "red"},
		Search:       &SearchSource{SearchConfig: search.SearchConfig{Queries: []map[string]any{{"text": "cars"}}}},
		Aggregate:    &AggregateSource{AggregationConfig: aggregate.AggregationConfig{Prompt: "red"}},
	})
	require.NoError(t, err)

	require.Len(t, suggestions, 3)
	assert.Equal(t, "autocomplete", suggestions[0].Type)
	assert.Equal(t, "i1", suggestions[0].ItemID)
	assert.Equal(t, "search", suggestions[1].Type)
	assert.Equal(t, "i2", suggestions[1].ItemID)
	assert.Equal(t, "aggregation", suggestions[2].Type)
	assert.Equal(t, "car_search", suggestions[2].AggregationName)
	assert.Equal(t, map[string]any{"make": "Audi"}, suggestions[2].Fields)
	assert.Equal(t, float64(1), suggestions[2].Score)
}

func TestSuggestDedupesAcrossSources(t *testing.T) {
	fields := map[string]any{"name": "Ferrari"}
	searcher := &fakeSearcher{items: map[string][]search.SearchItem{
		"red car": {{ID: "i1", Fields: fields, Score: 0.9}},
		"cars":    {{ID: "i1", Fields: map[string]any{"name": "Ferrari"}, Score: 0.6}},
	}}
	llm := &fakeLLM{answer: "red car"}
	s := newTestSuggestor(t, searcher, &fakeAggregator{}, llm)

	suggestions, err := s.Suggest(context.Background(), "cars", SuggestConfig{
		Autocomplete: &AutoCompleteConfig{Query: "red"},
		Search:       &SearchSource{SearchConfig: search.SearchConfig{Queries: []map[string]any{{"text": "cars"}}}},
	})
	require.NoError(t, err)

	require.Len(t, suggestions, 1)
	assert.Equal(t, "autocomplete", suggestions[0].Type)
}

func TestSuggestStopsEarlyAtLimit(t *testing.T) {
	searcher := &fakeSearcher{items: map[string][]search.SearchItem{
		"red car": {{ID: "i1", Fields: map[string]any{"name": "Ferrari"}}},
	}}
	aggregator := &fakeAggregator{err: errors.New("must not run")}
	llm := &fakeLLM{answer: "red car"}
	s := newTestSuggestor(t, searcher, aggregator, llm)

	suggestions, err := s.Suggest(context.Background(), "cars", SuggestConfig{
		Autocomplete: &AutoCompleteConfig{Query: "red"},
		Aggregate:    &AggregateSource{AggregationConfig: aggregate.AggregationConfig{Prompt: "red"}},
		Limit:        1,
	})
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	assert.Empty(t, aggregator.collections)
}

func TestSuggestSourceCollectionFallback(t *testing.T) {
	aggregator := &fakeAggregator{}
	s := newTestSuggestor(t, &fakeSearcher{items: map[string][]search.SearchItem{}}, aggregator, &fakeLLM{})

	_, err := s.Suggest(context.Background(), "cars", SuggestConfig{
		Aggregate: &AggregateSource{
			Collection:        "products",
			AggregationConfig: aggregate.AggregationConfig{Prompt: "red"},
		},
	})
	require.NoError(t, err)
	require.Len(t, aggregator.collections, 1)
	assert.Equal(t, "products", aggregator.collections[0])

	aggregator.collections = nil
	_, err = s.Suggest(context.Background(), "cars", SuggestConfig{
		Aggregate: &AggregateSource{AggregationConfig: aggregate.AggregationConfig{Prompt: "red"}},
	})
	require.NoError(t, err)
	require.Len(t, aggregator.collections, 1)
	assert.Equal(t, "cars", aggregator.collections[0])
}

func TestSuggestTruncatesToLimit(t *testing.T) {
	searcher := &fakeSearcher{items: map[string][]search.SearchItem{
		"cars": {
			{ID: "i1", Fields: map[string]any{"name": "a"}},
			{ID: "i2", Fields: map[string]any{"name": "b"}},
			{ID: "i3", Fields: map[string]any{"name": "c"}},
		},
	}}
	s := newTestSuggestor(t, searcher, &fakeAggregator{}, &fakeLLM{})

	suggestions, err := s.Suggest(context.Background(), "cars", SuggestConfig{
		Search: &SearchSource{SearchConfig: search.SearchConfig{Queries: []map[string]any{{"text": "cars"}}}},
		Limit:  2,
	})
	require.NoError(t, err)
	assert.Len(t, suggestions, 2)
}

package suggest

import (
	"context"
	"log/slog"

	"github.com/skoposlabs/skopos/pkg/aggregate"
	"github.com/skoposlabs/skopos/pkg/logger"
	"github.com/skoposlabs/skopos/pkg/search"
	"github.com/skoposlabs/skopos/pkg/store"
)

// Aggregator answers the aggregate suggestion source. Satisfied by
// aggregate.Aggregator.
type Aggregator interface {
	Aggregate(ctx context.Context, collection *store.Collection, cfg aggregate.AggregationConfig) ([]aggregate.AggregationResult, error)
}

// Suggestor merges the three suggestion sources. Sources run in order
// autocomplete, search, aggregate; later sources are skipped once the
// limit is reached, and duplicates (by field payload) are dropped.
type Suggestor struct {
	autocompletor *Autocompletor
	searcher      Searcher
	aggregator    Aggregator
	resolver      CollectionResolver
	logger        *slog.Logger
}

func NewSuggestor(autocompletor *Autocompletor, searcher Searcher, aggregator Aggregator, resolver CollectionResolver) *Suggestor {
	return &Suggestor{
		autocompletor: autocompletor,
		searcher:      searcher,
		aggregator:    aggregator,
		resolver:      resolver,
		logger:        logger.New("suggest"),
	}
}

// Suggest runs the configured sources against their collections.
// defaultCollection backs any source that does not name its own.
func (s *Suggestor) Suggest(ctx context.Context, defaultCollection string, cfg SuggestConfig) ([]Suggestion, error) {
	cfg.SetDefaults()

	var suggestions []Suggestion

	if cfg.Autocomplete != nil {
		fromAutocomplete, err := s.autocompleteSuggestions(ctx, defaultCollection, *cfg.Autocomplete)
		if err != nil {
			return nil, err
		}
		suggestions = merge(fromAutocomplete, suggestions)
	}
	if cfg.Search != nil && len(suggestions) < cfg.Limit {
		fromSearch, err := s.searchSuggestions(ctx, defaultCollection, *cfg.Search)
		if err != nil {
			return nil, err
		}
		suggestions = merge(fromSearch, suggestions)
	}
	if cfg.Aggregate != nil && len(suggestions) < cfg.Limit {
		fromAggregate, err := s.aggregateSuggestions(ctx, defaultCollection, *cfg.Aggregate)
		if err != nil {
			return nil, err
		}
		suggestions = merge(fromAggregate, suggestions)
	}

	if len(suggestions) > cfg.Limit {
		suggestions = suggestions[:cfg.Limit]
	}
	return suggestions, nil
}

func (s *Suggestor) autocompleteSuggestions(ctx context.Context, defaultCollection string, cfg AutoCompleteConfig) ([]Suggestion, error) {
	collection, err := s.resolve(ctx, cfg.Collection, defaultCollection)
	if err != nil {
		return nil, err
	}
	items, err := s.autocompletor.Autocomplete(ctx, collection, cfg)
	if err != nil {
		return nil, err
	}
	suggestions := make([]Suggestion, len(items))
	for i, item := range items {
		suggestions[i] = Suggestion{
			Type:   "autocomplete",
			ItemID: item.ID,
			Fields: item.Fields,
			Score:  item.Score,
		}
	}
	return suggestions, nil
}

func (s *Suggestor) searchSuggestions(ctx context.Context, defaultCollection string, cfg SearchSource) ([]Suggestion, error) {
	collection, err := s.resolve(ctx, cfg.Collection, defaultCollection)
	if err != nil {
		return nil, err
	}
	result, err := s.searcher.Search(ctx, collection, cfg.SearchConfig)
	if err != nil {
		return nil, err
	}
	suggestions := make([]Suggestion, len(result.Items))
	for i, item := range result.Items {
		suggestions[i] = Suggestion{
			Type:   "search",
			ID:     result.ID,
			ItemID: item.ID,
			Fields: item.Fields,
			Score:  item.Score,
		}
	}
	return suggestions, nil
}

func (s *Suggestor) aggregateSuggestions(ctx context.Context, defaultCollection string, cfg AggregateSource) ([]Suggestion, error) {
	collection, err := s.resolve(ctx, cfg.Collection, defaultCollection)
	if err != nil {
		return nil, err
	}
	results, err := s.aggregator.Aggregate(ctx, collection, cfg.AggregationConfig)
	if err != nil {
		return nil, err
	}
	var suggestions []Suggestion
	for _, result := range results {
		for _, item := range result.Items {
			suggestions = append(suggestions, Suggestion{
				Type:            "aggregation",
				AggregationName: result.Aggregation,
				Fields:          item,
				Score:           1,
			})
		}
	}
	return suggestions, nil
}

func (s *Suggestor) resolve(ctx context.Context, name, fallback string) (*store.Collection, error) {
	if name == "" {
		name = fallback
	}
	return s.resolver(ctx, name)
}

// merge appends the source suggestions that are not already present in the
// destination, comparing field payloads.
func merge(source, destination []Suggestion) []Suggestion {
	for _, candidate := range source {
		duplicate := false
		for _, existing := range destination {
			if candidate.Same(existing) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			destination = append(destination, candidate)
		}
	}
	return destination
}

var (
	_ Searcher   = (*search.Searcher)(nil)
	_ Aggregator = (*aggregate.Aggregator)(nil)
)

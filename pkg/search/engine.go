package search

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/cache"
	"github.com/skoposlabs/skopos/pkg/config"
	"github.com/skoposlabs/skopos/pkg/embedders"
	"github.com/skoposlabs/skopos/pkg/indexers"
	"github.com/skoposlabs/skopos/pkg/llms"
	"github.com/skoposlabs/skopos/pkg/logger"
	"github.com/skoposlabs/skopos/pkg/stemmer"
	"github.com/skoposlabs/skopos/pkg/store"
)

// interactedEventsCap bounds how many of a person's events feed the
// already-interacted exclusion; older interactions age out.
const interactedEventsCap = 1000

// Engine turns one SearchConfig into ranked SearchItems: clauses become
// query vectors, text queries and filters, the collection's indexer answers
// the combined query, and hits are hydrated back into full items.
type Engine struct {
	store    *store.Store
	cache    cache.Cache
	llmCfg   config.LLMConfig
	embedCfg config.EmbeddingsConfig
	logger   *slog.Logger

	newEmbedder func(model string) (embedders.Embedder, error)
	newLLM      func(ref string) (llms.LLM, error)
	indexerFor  func(collection *store.Collection, dim int) (indexers.Indexer, error)
}

func NewEngine(st *store.Store, factory *indexers.Factory, c cache.Cache, llmCfg config.LLMConfig, embedCfg config.EmbeddingsConfig) *Engine {
	return &Engine{
		store:    st,
		cache:    c,
		llmCfg:   llmCfg,
		embedCfg: embedCfg,
		logger:   logger.New("search"),
		newEmbedder: func(model string) (embedders.Embedder, error) {
			return embedders.New(model, embedCfg, c)
		},
		newLLM: func(ref string) (llms.LLM, error) {
			return llms.New(ref, llmCfg, c)
		},
		indexerFor: factory.For,
	}
}

// Search runs the similarity query for one collection and returns the
// ranked, paginated items. The caller owns caching and history.
func (e *Engine) Search(ctx context.Context, collection *store.Collection, cfg SearchConfig) ([]SearchItem, error) {
	clauses := make([]map[string]any, 0, len(cfg.Queries))
	clauses = append(clauses, cfg.Queries...)

	var configThreshold *float64
	distance := ""
	if cfg.Similar != nil {
		clauses = append(clauses, cfg.Similar.Of...)
		configThreshold = cfg.Similar.ScoreThreshold
		distance = cfg.Similar.DistanceFunction
	}

	set, err := e.parseClauses(ctx, collection, clauses, cfg.Context, false)
	if err != nil {
		return nil, err
	}

	filter, err := mergeFilters(set.filters, cfg)
	if err != nil {
		return nil, err
	}
	vector, err := averageVector(set.vectors)
	if err != nil {
		return nil, err
	}
	if distance == "" {
		distance = textDistance(set.texts)
	}

	excludeIDs, err := e.excludedItemIDs(ctx, collection, cfg)
	if err != nil {
		return nil, err
	}

	// A rank or randomize request re-orders results, so pagination has to
	// happen after ranking over the whole candidate pool. Plain queries
	// let the indexer paginate.
	ranked := cfg.Rank != nil || cfg.Randomize
	var ranker Ranker
	query := indexers.SearchQuery{
		Filters:            filter,
		Text:               textQuery(collection, set.texts),
		Vector:             vector,
		Distance:           distance,
		ScoreThreshold:     minThreshold(set.texts, configThreshold),
		Limit:              cfg.Limit,
		Offset:             cfg.Offset,
		ExcludeExternalIDs: excludeIDs,
	}
	if ranked {
		if ranker, err = rankerFor(cfg); err != nil {
			return nil, err
		}
		query.Limit = cfg.Limit
		if cfg.Rank != nil && cfg.Rank.Topn > query.Limit {
			query.Limit = cfg.Rank.Topn
		}
		query.Limit += cfg.Offset
		query.Offset = 0
	}

	embedder, err := e.newEmbedder(collection.EmbeddingsModel())
	if err != nil {
		return nil, err
	}
	indexer, err := e.indexerFor(collection, embedder.Size())
	if err != nil {
		return nil, err
	}
	results, err := indexer.Search(ctx, query)
	if err != nil {
		return nil, err
	}

	items, err := e.hydrate(ctx, collection, results, cfg.Export)
	if err != nil {
		return nil, err
	}
	if ranked {
		if items, err = ranker.Rank(items); err != nil {
			return nil, err
		}
		items = page(items, cfg.Offset, cfg.Limit)
	}
	return items, nil
}

// hydrate loads the hit items from the store and assembles SearchItems in
// index ranking order. Hits the store no longer has are skipped.
func (e *Engine) hydrate(ctx context.Context, collection *store.Collection, results []indexers.Result, export any) ([]SearchItem, error) {
	if len(results) == 0 {
		return []SearchItem{}, nil
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ExternalID
	}
	stored, err := e.store.GetItemsByExternalIDs(ctx, collection.ID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.Item, len(stored))
	for _, item := range stored {
		byID[item.ExternalID] = item
	}

	items := make([]SearchItem, 0, len(results))
	for _, r := range results {
		item, ok := byID[r.ExternalID]
		if !ok {
			continue
		}
		fields := item.Fields
		if fields == nil {
			fields = map[string]any{}
		}
		scores := item.Scores
		if scores == nil {
			scores = map[string]float64{}
		}
		items = append(items, SearchItem{
			ID:          item.ExternalID,
			Fields:      fields,
			Score:       r.Score,
			Scores:      scores,
			Exported:    exportValue(fields, export),
			Description: item.Description,
		})
	}
	return items, nil
}

// excludedItemIDs gathers the ids the result set must not contain: items
// named by exclude clauses and, when configured, every item the person
// already has events for.
func (e *Engine) excludedItemIDs(ctx context.Context, collection *store.Collection, cfg SearchConfig) ([]string, error) {
	var ids []string
	seen := map[string]bool{}

	if len(cfg.Exclude) > 0 {
		set, err := e.parseClauses(ctx, collection, cfg.Exclude, cfg.Context, true)
		if err != nil {
			return nil, err
		}
		for _, item := range set.items {
			if seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			ids = append(ids, item.ID)
		}
	}

	if person := cfg.ExcludeAlreadyInteractedWithPerson; person != "" {
		events, err := e.store.ListPersonEvents(ctx, collection.ID, person, time.Time{}, interactedEventsCap)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if seen[ev.ItemExternalID] {
				continue
			}
			seen[ev.ItemExternalID] = true
			ids = append(ids, ev.ItemExternalID)
		}
	}
	return ids, nil
}

// mergeFilters folds the filter clauses and the config-level filter shapes
// into one AND tree.
func mergeFilters(parsed []map[string]any, cfg SearchConfig) (*indexers.Filter, error) {
	all := make([]map[string]any, 0, len(parsed)+len(cfg.Filters)+1)
	for _, m := range parsed {
		if len(m) > 0 {
			all = append(all, m)
		}
	}
	if len(cfg.Filter) > 0 {
		all = append(all, cfg.Filter)
	}
	for _, m := range cfg.Filters {
		if len(m) > 0 {
			all = append(all, m)
		}
	}

	switch len(all) {
	case 0:
		return nil, nil
	case 1:
		return indexers.ParseFilter(all[0])
	}
	list := make([]any, len(all))
	for i, m := range all {
		list[i] = m
	}
	return indexers.ParseFilter(map[string]any{"and": list})
}

// averageVector folds the weighted clause vectors into the single query
// vector: sum(v_i * w_i) / n elementwise.
func averageVector(vectors []VectorQuery) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	dim := len(vectors[0].Vector)
	sums := make([]float64, dim)
	for _, vq := range vectors {
		if len(vq.Vector) != dim {
			return nil, apierror.DimensionMismatch(len(vq.Vector), dim)
		}
		for i, v := range vq.Vector {
			sums[i] += float64(v) * vq.Weight
		}
	}
	out := make([]float32, dim)
	n := float64(len(vectors))
	for i, sum := range sums {
		out[i] = float32(sum / n)
	}
	return out, nil
}

// textQuery joins the text clauses and stems the result with the
// collection's stemmers, so queries match the stemmed side of indexed
// descriptions. Falls back to the raw text when stemming eats every word.
func textQuery(collection *store.Collection, texts []TextQuery) string {
	if len(texts) == 0 {
		return ""
	}
	parts := make([]string, len(texts))
	for i, tq := range texts {
		parts[i] = tq.Query
	}
	joined := strings.Join(parts, " ")
	if len(collection.Config.Stemmers) == 0 {
		return joined
	}
	if stemmed := stemmer.Apply(joined, collection.Config.Stemmers); stemmed != "" {
		return stemmed
	}
	return joined
}

// minThreshold keeps the loosest threshold so no clause filters out hits
// another clause would admit.
func minThreshold(texts []TextQuery, configured *float64) float64 {
	min := configured
	for _, tq := range texts {
		if tq.ScoreThreshold == nil {
			continue
		}
		if min == nil || *tq.ScoreThreshold < *min {
			min = tq.ScoreThreshold
		}
	}
	if min == nil {
		return 0
	}
	return *min
}

func textDistance(texts []TextQuery) string {
	for _, tq := range texts {
		if tq.DistanceFunction != "" {
			return tq.DistanceFunction
		}
	}
	return ""
}

// exportValue projects fields for the export config: a string exports one
// value, a list exports a sub-map.
func exportValue(fields map[string]any, export any) any {
	switch t := export.(type) {
	case string:
		return fields[t]
	case []string:
		out := make(map[string]any, len(t))
		for _, f := range t {
			out[f] = fields[f]
		}
		return out
	case []any:
		out := make(map[string]any, len(t))
		for _, f := range t {
			if s, ok := f.(string); ok {
				out[s] = fields[s]
			}
		}
		return out
	}
	return nil
}

func page(items []SearchItem, offset, limit int) []SearchItem {
	if offset >= len(items) {
		return []SearchItem{}
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

// Package search answers search requests: clause-driven vector, text and
// filter queries against a collection's index, ranked and cached, with each
// served result recorded in search history.
package search

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skoposlabs/skopos/pkg/cache"
	"github.com/skoposlabs/skopos/pkg/config"
	"github.com/skoposlabs/skopos/pkg/hashutil"
	"github.com/skoposlabs/skopos/pkg/indexers"
	"github.com/skoposlabs/skopos/pkg/logger"
	"github.com/skoposlabs/skopos/pkg/observability"
	"github.com/skoposlabs/skopos/pkg/store"
)

// Searcher wraps the engine with result caching and search history. Every
// result it returns carries the id of the history row that recorded it, so
// event ingestion can tie interactions back to the search that caused them.
type Searcher struct {
	engine *Engine
	store  *store.Store
	cache  cache.Cache
	logger *slog.Logger
}

func New(st *store.Store, factory *indexers.Factory, c cache.Cache, llmCfg config.LLMConfig, embedCfg config.EmbeddingsConfig) *Searcher {
	return &Searcher{
		engine: NewEngine(st, factory, c, llmCfg, embedCfg),
		store:  st,
		cache:  c,
		logger: logger.New("search"),
	}
}

// Search resolves one search request against a collection.
func (s *Searcher) Search(ctx context.Context, collection *store.Collection, cfg SearchConfig) (*SearchResult, error) {
	cfg.SetDefaults()

	tracer := observability.GetTracer("skopos.search")
	ctx, span := tracer.Start(ctx, observability.SpanSearch,
		trace.WithAttributes(attribute.String(observability.AttrCollection, collection.Name)),
	)
	defer span.End()

	start := time.Now()
	result, err := s.search(ctx, collection, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordSearch(ctx, collection.Name, time.Since(start), 0, err)
		}
		return nil, err
	}

	span.SetStatus(codes.Ok, "success")
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordSearch(ctx, collection.Name, time.Since(start), len(result.Items), nil)
	}
	return result, nil
}

func (s *Searcher) search(ctx context.Context, collection *store.Collection, cfg SearchConfig) (*SearchResult, error) {
	useCache := cfg.Cache != nil && cfg.Cache.Expire > 0
	var key string
	if useCache {
		key = s.cacheKey(collection, cfg)
		var cached SearchResult
		hit, err := cache.GetJSON(ctx, s.cache, key, &cached)
		if err != nil {
			return nil, err
		}
		if hit {
			if metrics := observability.GetGlobalMetrics(); metrics != nil {
				metrics.RecordCacheHit(ctx, "search")
			}
			s.logger.Info("returning search results from cache",
				"collection", collection.Name, "items", len(cached.Items))
			return &cached, nil
		}
		if metrics := observability.GetGlobalMetrics(); metrics != nil {
			metrics.RecordCacheMiss(ctx, "search")
		}
	}

	items, err := s.engine.Search(ctx, collection, cfg)
	if err != nil {
		return nil, err
	}
	result := &SearchResult{Items: items, ID: uuid.NewString()}

	if err := s.logHistory(ctx, collection, cfg, result); err != nil {
		return nil, err
	}

	if useCache {
		ttl := time.Duration(cfg.Cache.Expire) * time.Second
		if err := cache.SetJSON(ctx, s.cache, key, result, ttl); err != nil {
			s.logger.Warn("caching search results failed",
				"collection", collection.Name, "error", err)
		}
	}
	return result, nil
}

// cacheKey derives the cache key for a search: an explicit cache.key wins,
// otherwise the whole config (defaults applied) is hashed so equivalent
// requests share an entry.
func (s *Searcher) cacheKey(collection *store.Collection, cfg SearchConfig) string {
	key := cfg.Cache.Key
	if key == "" {
		key = hashutil.StableHash(cfg)
	}
	return cache.Key("search", collection.Name, key)
}

// logHistory persists which items this search served. History is part of
// the search contract (recommendation clauses and event attribution depend
// on the returned id existing), so a failed insert fails the search.
func (s *Searcher) logHistory(ctx context.Context, collection *store.Collection, cfg SearchConfig, result *SearchResult) error {
	ids := make([]string, len(result.Items))
	for i, item := range result.Items {
		ids[i] = item.ID
	}
	rawCfg, err := cfg.asMap()
	if err != nil {
		return err
	}
	return s.store.InsertSearchHistory(ctx, store.SearchHistory{
		ID:               result.ID,
		CollectionID:     collection.ID,
		ExternalPersonID: cfg.ForPerson,
		ExternalItemIDs:  ids,
		SearchConfig:     rawCfg,
	})
}

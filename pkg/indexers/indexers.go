// Package indexers maintains the per-collection search indexes and answers
// filtered text and vector queries against them. Three backends serve the
// same SearchQuery: RediSearch (the default), the Postgres item store
// itself, and qdrant. Hits carry external item ids and similarity scores;
// hydrating full items back out of the store is the caller's job.
package indexers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/qdrant/go-client/qdrant"
	"github.com/redis/go-redis/v9"

	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/config"
	"github.com/skoposlabs/skopos/pkg/logger"
	"github.com/skoposlabs/skopos/pkg/stemmer"
	"github.com/skoposlabs/skopos/pkg/store"
)

// Indexer backend names accepted in collection config.
const (
	IndexerRedis    = "redis"
	IndexerSQL      = "sql"
	IndexerPostgres = "postgres"
	IndexerQdrant   = "qdrant"
)

// Distance function names for vector queries.
const (
	DistanceCosine       = "cosine"
	DistanceInnerProduct = "inner_product"
	DistanceL1           = "l1"
	DistanceL2           = "l2"
)

const reindexPageSize = 500

// Indexer is the contract every backend fulfils for one collection.
type Indexer interface {
	// Recreate drops any existing index state, defines the schema from the
	// collection's current fields and reindexes every stored item.
	Recreate(ctx context.Context) error

	// IndexItems upserts documents for the given items.
	IndexItems(ctx context.Context, items []store.Item) error

	// DeleteItems removes the documents of the given external ids.
	DeleteItems(ctx context.Context, externalIDs []string) error

	// Cleanup reconciles index membership against the item store.
	Cleanup(ctx context.Context) error

	// Drop removes the index and its documents entirely.
	Drop(ctx context.Context) error

	Search(ctx context.Context, q SearchQuery) ([]Result, error)
}

// SearchQuery is the backend-independent query. Text is expected to be
// preprocessed already; the Vector length selects the vector column and
// must match the collection dimension where one is pinned.
type SearchQuery struct {
	Filters            *Filter
	Text               string
	Vector             []float32
	Distance           string
	Limit              int
	Offset             int
	ScoreThreshold     float64
	ExcludeExternalIDs []string
}

// Result is one index hit.
type Result struct {
	ExternalID string
	Score      float64
}

// Filter is the boolean tree parsed from the JSON filter language. Exactly
// one of the fields is set.
type Filter struct {
	And  []*Filter
	Or   []*Filter
	Not  *Filter
	Cond *Condition
}

// Condition holds the operators applied to a single field, keyed by
// operator name (eq, gte, lte, contains, in, overlaps).
type Condition struct {
	Field string
	Ops   map[string]any
}

// ParseFilter builds the boolean tree from the JSON filter language:
// {"and": [...]}, {"or": [...]}, {"not": {...}} and field leaves written as
// {"field": scalar} or {"field": {"op": value}}. A map with several keys
// means AND over its keys, walked in sorted order so rendered queries stay
// deterministic. Returns nil for an empty filter.
func ParseFilter(raw map[string]any) (*Filter, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var parts []*Filter
	for _, key := range sortedKeys(raw) {
		value := raw[key]
		switch key {
		case "and", "or":
			list, ok := value.([]any)
			if !ok {
				return nil, apierror.Config("filter %q expects a list of objects", key)
			}
			subs := make([]*Filter, 0, len(list))
			for _, elem := range list {
				m, ok := elem.(map[string]any)
				if !ok {
					return nil, apierror.Config("filter %q expects a list of objects", key)
				}
				sub, err := ParseFilter(m)
				if err != nil {
					return nil, err
				}
				if sub != nil {
					subs = append(subs, sub)
				}
			}
			if len(subs) == 0 {
				continue
			}
			if key == "and" {
				parts = append(parts, &Filter{And: subs})
			} else {
				parts = append(parts, &Filter{Or: subs})
			}
		case "not":
			m, ok := value.(map[string]any)
			if !ok {
				return nil, apierror.Config(`filter "not" expects an object`)
			}
			sub, err := ParseFilter(m)
			if err != nil {
				return nil, err
			}
			if sub != nil {
				parts = append(parts, &Filter{Not: sub})
			}
		default:
			leaf, err := parseLeaf(key, value)
			if err != nil {
				return nil, err
			}
			if leaf != nil {
				parts = append(parts, leaf)
			}
		}
	}
	switch len(parts) {
	case 0:
		return nil, nil
	case 1:
		return parts[0], nil
	}
	return &Filter{And: parts}, nil
}

// parseLeaf reads one field leaf. A scalar value means equality; a map
// holds operators. The "not" operator is rewritten into a Not node around
// the leaf it negates, so backends only translate positive operators.
func parseLeaf(field string, value any) (*Filter, error) {
	ops, ok := value.(map[string]any)
	if !ok {
		return &Filter{Cond: &Condition{Field: field, Ops: map[string]any{"eq": value}}}, nil
	}
	direct := make(map[string]any)
	var negated []*Filter
	for _, op := range sortedKeys(ops) {
		opValue := ops[op]
		switch op {
		case "eq", "gte", "lte", "contains", "in", "overlaps":
			direct[op] = opValue
		case "not":
			inner, err := parseLeaf(field, opValue)
			if err != nil {
				return nil, err
			}
			negated = append(negated, &Filter{Not: inner})
		default:
			return nil, apierror.Config("unknown filter operator %q on field %q", op, field)
		}
	}
	var parts []*Filter
	if len(direct) > 0 {
		parts = append(parts, &Filter{Cond: &Condition{Field: field, Ops: direct}})
	}
	parts = append(parts, negated...)
	switch len(parts) {
	case 0:
		return nil, nil
	case 1:
		return parts[0], nil
	}
	return &Filter{And: parts}, nil
}

// Factory hands out the indexer a collection is configured for and owns the
// shared backend clients.
type Factory struct {
	redis  *redis.Client
	store  *store.Store
	qcfg   config.QdrantConfig
	logger *slog.Logger

	mu     sync.Mutex
	qdrant *qdrant.Client
}

func NewFactory(rdb *redis.Client, st *store.Store, qcfg config.QdrantConfig) *Factory {
	return &Factory{redis: rdb, store: st, qcfg: qcfg, logger: logger.New("indexers")}
}

// For selects the backend by collection config. dim is the embeddings size
// the collection indexes vectors at, 0 when no model is pinned yet.
func (f *Factory) For(collection *store.Collection, dim int) (Indexer, error) {
	switch collection.Config.Indexer {
	case "", IndexerRedis:
		return &RedisIndexer{client: f.redis, store: f.store, collection: collection, dim: dim, logger: f.logger}, nil
	case IndexerSQL, IndexerPostgres:
		return &SQLIndexer{db: f.store.DB(), collection: collection}, nil
	case IndexerQdrant:
		client, err := f.qdrantClient()
		if err != nil {
			return nil, err
		}
		return &QdrantIndexer{client: client, store: f.store, collection: collection, dim: dim, logger: f.logger}, nil
	}
	return nil, apierror.Config("unknown indexer %s (supported: redis, postgres, qdrant)", collection.Config.Indexer)
}

// qdrantClient connects lazily so deployments that never configure a qdrant
// collection need no qdrant server.
func (f *Factory) qdrantClient() (*qdrant.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.qdrant != nil {
		return f.qdrant, nil
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   f.qcfg.Host,
		Port:   f.qcfg.Port,
		APIKey: f.qcfg.APIKey,
		UseTLS: f.qcfg.UseTLS,
	})
	if err != nil {
		return nil, apierror.Store(err, "connecting to qdrant at %s:%d", f.qcfg.Host, f.qcfg.Port)
	}
	f.qdrant = client
	return f.qdrant, nil
}

// CleanupAll removes backend artifacts whose collection no longer exists or
// moved to another backend: redis documents under a key prefix no
// redis-indexed collection claims, and orphaned qdrant collections. The
// qdrant reconciliation only runs when some collection uses qdrant or a
// client is already connected.
func (f *Factory) CleanupAll(ctx context.Context) error {
	collections, err := f.store.ListAllCollections(ctx)
	if err != nil {
		return err
	}
	redisPrefixes := make(map[string]bool)
	qdrantLive := make(map[string]bool)
	qdrantInUse := false
	for _, c := range collections {
		switch c.Config.Indexer {
		case "", IndexerRedis:
			redisPrefixes[keyPrefix(c.ID)] = true
		case IndexerQdrant:
			qdrantLive[indexName(c.ID)] = true
			qdrantInUse = true
		}
	}
	if err := f.cleanupRedisDocs(ctx, redisPrefixes); err != nil {
		return err
	}
	f.mu.Lock()
	connected := f.qdrant != nil
	f.mu.Unlock()
	if qdrantInUse || connected {
		if err := f.cleanupQdrantCollections(ctx, qdrantLive); err != nil {
			return err
		}
	}
	return nil
}

const cleanupScanCount = 500

func (f *Factory) cleanupRedisDocs(ctx context.Context, livePrefixes map[string]bool) error {
	iter := f.redis.Scan(ctx, 0, "d:*", cleanupScanCount).Iterator()
	var stale []string
	for iter.Next(ctx) {
		key := iter.Val()
		if !hasLivePrefix(key, livePrefixes) {
			stale = append(stale, key)
		}
	}
	if err := iter.Err(); err != nil {
		return apierror.Store(err, "scanning index documents")
	}
	if len(stale) == 0 {
		return nil
	}
	if err := deleteKeys(ctx, f.redis, stale); err != nil {
		return err
	}
	f.logger.Info("deleted documents of gone collections", "count", len(stale))
	return nil
}

func hasLivePrefix(key string, prefixes map[string]bool) bool {
	for p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

func (f *Factory) cleanupQdrantCollections(ctx context.Context, live map[string]bool) error {
	client, err := f.qdrantClient()
	if err != nil {
		return err
	}
	names, err := client.ListCollections(ctx)
	if err != nil {
		return apierror.Store(err, "listing qdrant collections")
	}
	for _, name := range names {
		if !strings.HasPrefix(name, "collection_") || live[name] {
			continue
		}
		if err := client.DeleteCollection(ctx, name); err != nil {
			return apierror.Store(err, "dropping qdrant collection %s", name)
		}
		f.logger.Info("dropped orphaned qdrant collection", "collection", name)
	}
	return nil
}

func indexName(collectionID int) string { return "collection_" + strconv.Itoa(collectionID) }

func keyPrefix(collectionID int) string { return "d:" + strconv.Itoa(collectionID) + ":" }

// reindexAll walks every stored item of the collection in id order and
// feeds it back through IndexItems.
func reindexAll(ctx context.Context, st *store.Store, collectionID int, idx Indexer) error {
	var afterID int64
	for {
		items, err := st.AllItems(ctx, collectionID, afterID, reindexPageSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		if err := idx.IndexItems(ctx, items); err != nil {
			return err
		}
		afterID = items[len(items)-1].ID
		if len(items) < reindexPageSize {
			return nil
		}
	}
}

// indexedDescription appends the stemmed rendering to the raw description
// so term queries hit both forms.
func indexedDescription(c *store.Collection, description string) string {
	if description == "" || len(c.Config.Stemmers) == 0 {
		return description
	}
	return description + "\n" + stemmer.Apply(description, c.Config.Stemmers)
}

// normalizeFieldName maps a stored field name onto the index identifier:
// spaces, dashes and dots become underscores, everything lowercased.
func normalizeFieldName(name string) string {
	name = strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(name)
	return strings.ToLower(name)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func listValues(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

func textValues(v any) []string {
	vals := listValues(v)
	out := make([]string, len(vals))
	for i, e := range vals {
		out[i] = textValue(e)
	}
	return out
}

func textValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func isNumeric(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64:
		return true
	}
	return false
}

func numericValue(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	}
	return 0
}

package indexers

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/observability"
	"github.com/skoposlabs/skopos/pkg/store"
)

const (
	redisIndexChunkSize   = 5000
	redisCleanupChunkSize = 100
	redisScanCount        = 100
)

// RedisIndexer keeps collection documents as hashes under d:<id>:* and
// queries them through a RediSearch index named collection_<id>. The
// description is indexed as TEXT, the embedding as a FLAT cosine vector and
// every declared item field as TAG or NUMERIC.
type RedisIndexer struct {
	client     *redis.Client
	store      *store.Store
	collection *store.Collection
	dim        int
	logger     *slog.Logger
}

func (r *RedisIndexer) index() string { return indexName(r.collection.ID) }

func (r *RedisIndexer) docPrefix() string { return keyPrefix(r.collection.ID) }

func (r *RedisIndexer) docKey(externalID string) string { return r.docPrefix() + externalID }

func (r *RedisIndexer) Recreate(ctx context.Context) error {
	err := r.client.FTDropIndexWithArgs(ctx, r.index(), &redis.FTDropIndexOptions{DeleteDocs: true}).Err()
	if err != nil && !isUnknownIndex(err) {
		return apierror.Store(err, "dropping index %s", r.index())
	}
	if err := r.createIndex(ctx); err != nil {
		return err
	}
	r.logger.Info("recreated index", "collection", r.collection.Name, "indexer", IndexerRedis)
	return reindexAll(ctx, r.store, r.collection.ID, r)
}

func (r *RedisIndexer) createIndex(ctx context.Context) error {
	fields, err := r.store.ListItemFields(ctx, r.collection.ID)
	if err != nil {
		return err
	}
	schema := []*redis.FieldSchema{
		{FieldName: "description", FieldType: redis.SearchFieldTypeText},
		{FieldName: "_external_id", FieldType: redis.SearchFieldTypeTag},
	}
	if r.dim > 0 {
		schema = append(schema, &redis.FieldSchema{
			FieldName: "embedding",
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{FlatOptions: &redis.FTFlatOptions{
				Type:           "FLOAT32",
				Dim:            r.dim,
				DistanceMetric: "COSINE",
			}},
		})
	}
	for _, field := range fields {
		if strings.HasPrefix(field.FieldName, "_") {
			continue
		}
		name := normalizeFieldName(field.FieldName)
		if field.ValueType == store.ValueTypeNumber {
			schema = append(schema, &redis.FieldSchema{FieldName: name, FieldType: redis.SearchFieldTypeNumeric})
		} else {
			schema = append(schema, &redis.FieldSchema{FieldName: name, FieldType: redis.SearchFieldTypeTag, Separator: ","})
		}
	}
	opts := &redis.FTCreateOptions{OnHash: true, Prefix: []interface{}{r.docPrefix()}}
	if err := r.client.FTCreate(ctx, r.index(), opts, schema...).Err(); err != nil {
		return apierror.Store(err, "creating index %s", r.index())
	}
	return nil
}

func (r *RedisIndexer) IndexItems(ctx context.Context, items []store.Item) error {
	if len(items) == 0 {
		return nil
	}
	tracer := observability.GetTracer("skopos.indexers")
	ctx, span := tracer.Start(ctx, observability.SpanIndex, trace.WithAttributes(
		attribute.String(observability.AttrCollection, r.collection.Name),
		attribute.String(observability.AttrIndexer, IndexerRedis),
		attribute.Int("items.count", len(items)),
	))
	defer span.End()

	for start := 0; start < len(items); start += redisIndexChunkSize {
		chunk := items[start:min(start+redisIndexChunkSize, len(items))]
		pipe := r.client.Pipeline()
		for _, item := range chunk {
			pipe.HSet(ctx, r.docKey(item.ExternalID), r.document(item))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return apierror.Store(err, "indexing %d documents into %s", len(chunk), r.index())
		}
	}
	r.logger.Debug("indexed documents", "collection", r.collection.Name, "count", len(items))
	return nil
}

// document renders the hash fields RediSearch indexes. Underscore-prefixed
// item fields are payload the schema never sees.
func (r *RedisIndexer) document(item store.Item) map[string]any {
	doc := map[string]any{
		"_external_id": item.ExternalID,
		"_hash":        item.DescriptionHash,
		"description":  indexedDescription(r.collection, item.Description),
	}
	if r.dim > 0 {
		doc["embedding"] = vectorBytes(item.Vector, r.dim)
	}
	for name, value := range item.Fields {
		if strings.HasPrefix(name, "_") {
			continue
		}
		doc[normalizeFieldName(name)] = documentValue(value)
	}
	return doc
}

// documentValue flattens a field value to the scalar form the schema
// expects: lists joined with the tag separator, booleans as 1/0.
func documentValue(v any) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "1"
		}
		return "0"
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = documentValue(e)
		}
		return strings.Join(parts, ",")
	default:
		return textValue(v)
	}
}

// vectorBytes encodes the embedding as little-endian float32, zero-filled
// to dim when the item has no vector yet.
func vectorBytes(vector []float32, dim int) []byte {
	buf := make([]byte, 4*dim)
	for i := 0; i < dim && i < len(vector); i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(vector[i]))
	}
	return buf
}

func (r *RedisIndexer) DeleteItems(ctx context.Context, externalIDs []string) error {
	keys := make([]string, len(externalIDs))
	for i, id := range externalIDs {
		keys[i] = r.docKey(id)
	}
	return deleteKeys(ctx, r.client, keys)
}

func deleteKeys(ctx context.Context, client *redis.Client, keys []string) error {
	for start := 0; start < len(keys); start += redisCleanupChunkSize {
		chunk := keys[start:min(start+redisCleanupChunkSize, len(keys))]
		if err := client.Del(ctx, chunk...).Err(); err != nil {
			return apierror.Store(err, "deleting %d index documents", len(chunk))
		}
	}
	return nil
}

// Drop removes the index together with its documents. Stray documents
// surviving without an index are swept too.
func (r *RedisIndexer) Drop(ctx context.Context) error {
	err := r.client.FTDropIndexWithArgs(ctx, r.index(), &redis.FTDropIndexOptions{DeleteDocs: true}).Err()
	if err != nil && !isUnknownIndex(err) {
		return apierror.Store(err, "dropping index %s", r.index())
	}
	keys, err := r.scanKeys(ctx)
	if err != nil {
		return err
	}
	return deleteKeys(ctx, r.client, keys)
}

func (r *RedisIndexer) scanKeys(ctx context.Context) ([]string, error) {
	iter := r.client.Scan(ctx, 0, r.docPrefix()+"*", redisScanCount).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, apierror.Store(err, "scanning documents of %s", r.index())
	}
	return keys, nil
}

// Cleanup reconciles the index against the store: documents whose item is
// gone are deleted, stored items missing from the index are indexed. A
// missing index is rebuilt from scratch.
func (r *RedisIndexer) Cleanup(ctx context.Context) error {
	if err := r.client.FTInfo(ctx, r.index()).Err(); err != nil {
		if !isUnknownIndex(err) {
			return apierror.Store(err, "inspecting index %s", r.index())
		}
		return r.Recreate(ctx)
	}

	keys, err := r.scanKeys(ctx)
	if err != nil {
		return err
	}
	indexed := make(map[string]bool, len(keys))
	for _, key := range keys {
		indexed[strings.TrimPrefix(key, r.docPrefix())] = true
	}

	live := make(map[string]bool)
	var missing []store.Item
	var afterID int64
	for {
		items, err := r.store.AllItems(ctx, r.collection.ID, afterID, reindexPageSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			live[item.ExternalID] = true
			if !indexed[item.ExternalID] {
				missing = append(missing, item)
			}
		}
		afterID = items[len(items)-1].ID
		if len(items) < reindexPageSize {
			break
		}
	}

	var stale []string
	for id := range indexed {
		if !live[id] {
			stale = append(stale, id)
		}
	}
	r.logger.Info("reconciling index", "collection", r.collection.Name,
		"indexed", len(indexed), "stored", len(live),
		"stale", len(stale), "missing", len(missing))

	if err := r.DeleteItems(ctx, stale); err != nil {
		return err
	}
	for start := 0; start < len(missing); start += redisCleanupChunkSize {
		chunk := missing[start:min(start+redisCleanupChunkSize, len(missing))]
		if err := r.IndexItems(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func isUnknownIndex(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unknown index")
}

func (r *RedisIndexer) Search(ctx context.Context, q SearchQuery) ([]Result, error) {
	if len(q.Vector) > 0 && r.dim > 0 && len(q.Vector) != r.dim {
		return nil, apierror.DimensionMismatch(len(q.Vector), r.dim)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	query, err := buildRedisQuery(q, limit)
	if err != nil {
		return nil, err
	}
	opts := &redis.FTSearchOptions{
		DialectVersion: 2,
		Scorer:         "TFIDF.DOCNORM",
		WithScores:     true,
		LimitOffset:    q.Offset,
		Limit:          limit,
	}
	if len(q.Vector) > 0 {
		opts.Params = map[string]interface{}{"vec": vectorBytes(q.Vector, len(q.Vector))}
		opts.SortBy = []redis.FTSearchSortBy{{FieldName: "vector_score", Asc: true}}
		opts.Return = []redis.FTSearchReturn{{FieldName: "vector_score"}}
	} else {
		opts.NoContent = true
	}
	res, err := r.client.FTSearchWithArgs(ctx, r.index(), query, opts).Result()
	if err != nil {
		return nil, apierror.Store(err, "searching index %s", r.index())
	}
	results := make([]Result, 0, len(res.Docs))
	for _, doc := range res.Docs {
		score := 0.0
		if len(q.Vector) > 0 {
			if raw, ok := doc.Fields["vector_score"]; ok {
				if distance, perr := strconv.ParseFloat(raw, 64); perr == nil {
					score = 1 - distance
				}
			}
		} else if doc.Score != nil {
			score = *doc.Score
		}
		if q.ScoreThreshold > 0 && score <= q.ScoreThreshold {
			continue
		}
		results = append(results, Result{ExternalID: strings.TrimPrefix(doc.ID, r.docPrefix()), Score: score})
	}
	return results, nil
}

// buildRedisQuery renders the full query string. Filters, the weighted text
// expansion and exclusions form the base expression; a KNN clause wraps it
// when a vector is present. KNN has no server-side offset, so the clause
// requests offset+limit neighbours and paging happens on the sorted result.
func buildRedisQuery(q SearchQuery, limit int) (string, error) {
	var parts []string
	if q.Filters != nil {
		clause, err := redisFilterClause(q.Filters)
		if err != nil {
			return "", err
		}
		if clause != "" {
			parts = append(parts, clause)
		}
	}
	if q.Text != "" {
		parts = append(parts, redisTextClause(q.Text))
	}
	if len(q.ExcludeExternalIDs) > 0 {
		tags := make([]string, len(q.ExcludeExternalIDs))
		for i, id := range q.ExcludeExternalIDs {
			tags[i] = escapeTag(id)
		}
		parts = append(parts, "-@_external_id:{"+strings.Join(tags, "|")+"}")
	}
	base := strings.Join(parts, " ")
	if base == "" {
		base = "*"
	}
	if len(q.Vector) == 0 {
		return base, nil
	}
	return fmt.Sprintf("(%s)=>[KNN %d @embedding $vec AS vector_score]", base, q.Offset+limit), nil
}

// redisTextClause expands the query text into fuzzy, exact-phrase and
// prefix subqueries with descending weights, so literal matches rank above
// typo corrections and both above bare prefixes.
func redisTextClause(text string) string {
	// A literal double quote would terminate the exact-phrase subquery.
	text = strings.ReplaceAll(text, `"`, " ")
	words := strings.Fields(text)
	fuzzy := make([]string, len(words))
	prefixes := make([]string, len(words))
	for i, word := range words {
		fuzzy[i] = fuzzyWord(word)
		prefixes[i] = word + "*"
	}
	return fmt.Sprintf(`((%s) => {$weight: 1.0} | (@description:"%s") => {$weight: 5.0} | (%s) => {$weight: 0.1})`,
		strings.Join(fuzzy, " "), strings.Join(words, " "), strings.Join(prefixes, " "))
}

// fuzzyWord wraps a word with the Levenshtein allowance RediSearch encodes
// as percent signs: none up to 4 runes, one up to 7, two beyond.
func fuzzyWord(word string) string {
	switch n := utf8.RuneCountInString(word); {
	case n <= 4:
		return word
	case n <= 7:
		return "%" + word + "%"
	default:
		return "%%" + word + "%%"
	}
}

func redisFilterClause(f *Filter) (string, error) {
	switch {
	case f == nil:
		return "", nil
	case len(f.And) > 0:
		parts, err := redisFilterClauses(f.And)
		if err != nil {
			return "", err
		}
		return "(" + strings.Join(parts, " ") + ")", nil
	case len(f.Or) > 0:
		parts, err := redisFilterClauses(f.Or)
		if err != nil {
			return "", err
		}
		return "(" + strings.Join(parts, " | ") + ")", nil
	case f.Not != nil:
		inner, err := redisFilterClause(f.Not)
		if err != nil {
			return "", err
		}
		return "-(" + inner + ")", nil
	case f.Cond != nil:
		return redisCondition(f.Cond)
	}
	return "", nil
}

func redisFilterClauses(filters []*Filter) ([]string, error) {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		clause, err := redisFilterClause(f)
		if err != nil {
			return nil, err
		}
		if clause != "" {
			parts = append(parts, clause)
		}
	}
	return parts, nil
}

// redisCondition renders one field's operators. gte/lte merge into a single
// numeric range; several clauses on one field conjoin.
func redisCondition(c *Condition) (string, error) {
	field := normalizeFieldName(c.Field)
	var clauses []string
	var gte, lte string
	for _, op := range sortedKeys(c.Ops) {
		value := c.Ops[op]
		switch op {
		case "eq":
			clauses = append(clauses, redisEquality(field, value))
		case "gte":
			gte = numberString(value)
		case "lte":
			lte = numberString(value)
		case "contains":
			for _, v := range listValues(value) {
				clauses = append(clauses, "@"+field+":{"+escapeTag(tagValue(v))+"}")
			}
		case "in", "overlaps":
			values := listValues(value)
			tags := make([]string, len(values))
			for i, v := range values {
				tags[i] = escapeTag(tagValue(v))
			}
			clauses = append(clauses, "@"+field+":{"+strings.Join(tags, "|")+"}")
		default:
			return "", apierror.Config("unknown filter operator %q on field %q", op, c.Field)
		}
	}
	if gte != "" || lte != "" {
		if gte == "" {
			gte = "-inf"
		}
		if lte == "" {
			lte = "+inf"
		}
		clauses = append(clauses, "@"+field+":["+gte+" "+lte+"]")
	}
	if len(clauses) == 1 {
		return clauses[0], nil
	}
	return "(" + strings.Join(clauses, " ") + ")", nil
}

// redisEquality matches numbers through a degenerate range because TAG
// fields never hold numeric schema values.
func redisEquality(field string, v any) string {
	if isNumeric(v) {
		n := numberString(v)
		return "@" + field + ":[" + n + " " + n + "]"
	}
	return "@" + field + ":{" + escapeTag(tagValue(v)) + "}"
}

func numberString(v any) string {
	if isNumeric(v) {
		return strconv.FormatFloat(numericValue(v), 'f', -1, 64)
	}
	return textValue(v)
}

// tagValue renders a scalar the way documents store it: booleans become
// the 1/0 tags documentValue writes.
func tagValue(v any) string {
	if b, ok := v.(bool); ok {
		if b {
			return "1"
		}
		return "0"
	}
	return textValue(v)
}

// escapeTag backslash-escapes every rune RediSearch treats as syntax inside
// a tag value.
func escapeTag(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

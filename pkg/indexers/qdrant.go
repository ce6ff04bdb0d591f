package indexers

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"log/slog"
	"strings"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/observability"
	"github.com/skoposlabs/skopos/pkg/store"
)

const (
	qdrantUpsertChunkSize = 500
	qdrantScrollPageSize  = 1000
)

// QdrantIndexer keeps one qdrant collection per item collection: cosine
// distance over the embedding, filterable fields flattened into the point
// payload.
type QdrantIndexer struct {
	client     *qdrant.Client
	store      *store.Store
	collection *store.Collection
	dim        int
	logger     *slog.Logger
}

func (q *QdrantIndexer) name() string { return indexName(q.collection.ID) }

// pointID derives the stable numeric point id qdrant requires from an
// external item id.
func pointID(externalID string) uint64 {
	sum := md5.Sum([]byte(externalID))
	return binary.BigEndian.Uint64(sum[:8])
}

func (q *QdrantIndexer) Recreate(ctx context.Context) error {
	if q.dim <= 0 {
		return apierror.Config("collection %s has no embeddings dimension yet; ingest items before indexing with qdrant", q.collection.Name)
	}
	if err := q.Drop(ctx); err != nil {
		return err
	}
	if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.name(),
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dim),
			Distance: qdrant.Distance_Cosine,
		}),
	}); err != nil {
		return apierror.Store(err, "creating qdrant collection %s", q.name())
	}
	q.logger.Info("recreated index", "collection", q.collection.Name, "indexer", IndexerQdrant)
	return reindexAll(ctx, q.store, q.collection.ID, q)
}

func (q *QdrantIndexer) IndexItems(ctx context.Context, items []store.Item) error {
	if len(items) == 0 {
		return nil
	}
	tracer := observability.GetTracer("skopos.indexers")
	ctx, span := tracer.Start(ctx, observability.SpanIndex, trace.WithAttributes(
		attribute.String(observability.AttrCollection, q.collection.Name),
		attribute.String(observability.AttrIndexer, IndexerQdrant),
		attribute.Int("items.count", len(items)),
	))
	defer span.End()

	for start := 0; start < len(items); start += qdrantUpsertChunkSize {
		chunk := items[start:min(start+qdrantUpsertChunkSize, len(items))]
		points := make([]*qdrant.PointStruct, 0, len(chunk))
		for _, item := range chunk {
			point, err := q.point(item)
			if err != nil {
				return err
			}
			points = append(points, point)
		}
		if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.name(),
			Points:         points,
		}); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return apierror.Store(err, "upserting %d points into %s", len(points), q.name())
		}
	}
	q.logger.Debug("indexed documents", "collection", q.collection.Name, "count", len(items))
	return nil
}

// point renders one item. Items not embedded yet get a zero vector so they
// stay filterable.
func (q *QdrantIndexer) point(item store.Item) (*qdrant.PointStruct, error) {
	payload := map[string]*qdrant.Value{}
	set := func(key string, value any) error {
		v, err := qdrant.NewValue(value)
		if err != nil {
			return apierror.Store(err, "encoding payload field %s of item %s", key, item.ExternalID)
		}
		payload[key] = v
		return nil
	}
	if err := set("_external_id", item.ExternalID); err != nil {
		return nil, err
	}
	if err := set("_hash", item.DescriptionHash); err != nil {
		return nil, err
	}
	if err := set("description", indexedDescription(q.collection, item.Description)); err != nil {
		return nil, err
	}
	for name, value := range item.Fields {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if err := set(normalizeFieldName(name), value); err != nil {
			return nil, err
		}
	}
	vector := item.Vector
	if len(vector) == 0 && q.dim > 0 {
		vector = make([]float32, q.dim)
	}
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDNum(pointID(item.ExternalID)),
		Vectors: qdrant.NewVectors(vector...),
		Payload: payload,
	}, nil
}

func (q *QdrantIndexer) DeleteItems(ctx context.Context, externalIDs []string) error {
	if len(externalIDs) == 0 {
		return nil
	}
	ids := make([]*qdrant.PointId, len(externalIDs))
	for i, id := range externalIDs {
		ids[i] = qdrant.NewIDNum(pointID(id))
	}
	return q.deletePoints(ctx, ids)
}

func (q *QdrantIndexer) deletePoints(ctx context.Context, ids []*qdrant.PointId) error {
	if _, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.name(),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: ids},
			},
		},
	}); err != nil {
		return apierror.Store(err, "deleting %d points from %s", len(ids), q.name())
	}
	return nil
}

func (q *QdrantIndexer) Drop(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.name())
	if err != nil {
		return apierror.Store(err, "checking qdrant collection %s", q.name())
	}
	if !exists {
		return nil
	}
	if err := q.client.DeleteCollection(ctx, q.name()); err != nil {
		return apierror.Store(err, "deleting qdrant collection %s", q.name())
	}
	return nil
}

// Cleanup reconciles points against the store: stored items missing from
// the index are upserted, points whose item is gone are deleted. A missing
// collection is built from scratch.
func (q *QdrantIndexer) Cleanup(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.name())
	if err != nil {
		return apierror.Store(err, "checking qdrant collection %s", q.name())
	}
	if !exists {
		return q.Recreate(ctx)
	}

	indexed := make(map[uint64]bool)
	var offset *qdrant.PointId
	for {
		page := uint32(qdrantScrollPageSize)
		resp, err := q.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: q.name(),
			Limit:          &page,
			Offset:         offset,
		})
		if err != nil {
			return apierror.Store(err, "scrolling qdrant collection %s", q.name())
		}
		for _, point := range resp.GetResult() {
			indexed[point.GetId().GetNum()] = true
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			break
		}
	}

	live := make(map[uint64]bool)
	var missing []store.Item
	var afterID int64
	for {
		items, err := q.store.AllItems(ctx, q.collection.ID, afterID, reindexPageSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			id := pointID(item.ExternalID)
			live[id] = true
			if !indexed[id] {
				missing = append(missing, item)
			}
		}
		afterID = items[len(items)-1].ID
		if len(items) < reindexPageSize {
			break
		}
	}

	var stale []*qdrant.PointId
	for id := range indexed {
		if !live[id] {
			stale = append(stale, qdrant.NewIDNum(id))
		}
	}
	q.logger.Info("reconciling index", "collection", q.collection.Name,
		"indexed", len(indexed), "stored", len(live),
		"stale", len(stale), "missing", len(missing))

	if len(stale) > 0 {
		if err := q.deletePoints(ctx, stale); err != nil {
			return err
		}
	}
	return q.IndexItems(ctx, missing)
}

func (q *QdrantIndexer) Search(ctx context.Context, query SearchQuery) ([]Result, error) {
	if len(query.Vector) > 0 && q.dim > 0 && len(query.Vector) != q.dim {
		return nil, apierror.DimensionMismatch(len(query.Vector), q.dim)
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 10
	}
	filter, err := qdrantFilter(query.Filters)
	if err != nil {
		return nil, err
	}
	if len(query.ExcludeExternalIDs) > 0 {
		if filter == nil {
			filter = &qdrant.Filter{}
		}
		filter.MustNot = append(filter.MustNot, matchKeywords("_external_id", query.ExcludeExternalIDs))
	}
	if len(query.Vector) == 0 {
		return q.scrollSearch(ctx, query, filter, limit)
	}

	points := &qdrant.SearchPoints{
		CollectionName: q.name(),
		Vector:         query.Vector,
		Limit:          uint64(limit),
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if query.Offset > 0 {
		offset := uint64(query.Offset)
		points.Offset = &offset
	}
	if query.ScoreThreshold > 0 {
		threshold := float32(query.ScoreThreshold)
		points.ScoreThreshold = &threshold
	}
	resp, err := q.client.GetPointsClient().Search(ctx, points)
	if err != nil {
		return nil, apierror.Store(err, "searching qdrant collection %s", q.name())
	}
	results := make([]Result, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		results = append(results, Result{
			ExternalID: point.GetPayload()["_external_id"].GetStringValue(),
			Score:      float64(point.GetScore()),
		})
	}
	return results, nil
}

// scrollSearch answers filter-only and text-only queries. Full-text match
// on the description payload stands in for scoring, so every hit gets
// similarity 1.
func (q *QdrantIndexer) scrollSearch(ctx context.Context, query SearchQuery, filter *qdrant.Filter, limit int) ([]Result, error) {
	if query.Text != "" {
		if filter == nil {
			filter = &qdrant.Filter{}
		}
		filter.Must = append(filter.Must, matchText("description", query.Text))
	}
	page := uint32(query.Offset + limit)
	resp, err := q.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: q.name(),
		Filter:         filter,
		Limit:          &page,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, apierror.Store(err, "scrolling qdrant collection %s", q.name())
	}
	points := resp.GetResult()
	if query.Offset >= len(points) {
		return nil, nil
	}
	results := make([]Result, 0, len(points)-query.Offset)
	for _, point := range points[query.Offset:] {
		results = append(results, Result{
			ExternalID: point.GetPayload()["_external_id"].GetStringValue(),
			Score:      1,
		})
	}
	return results, nil
}

// qdrantFilter converts the boolean tree: and to must, or to should, not to
// must_not, with nested groups wrapped as filter conditions.
func qdrantFilter(f *Filter) (*qdrant.Filter, error) {
	if f == nil {
		return nil, nil
	}
	out := &qdrant.Filter{}
	switch {
	case len(f.And) > 0:
		for _, sub := range f.And {
			cond, err := qdrantCondition(sub)
			if err != nil {
				return nil, err
			}
			out.Must = append(out.Must, cond)
		}
	case len(f.Or) > 0:
		for _, sub := range f.Or {
			cond, err := qdrantCondition(sub)
			if err != nil {
				return nil, err
			}
			out.Should = append(out.Should, cond)
		}
	case f.Not != nil:
		cond, err := qdrantCondition(f.Not)
		if err != nil {
			return nil, err
		}
		out.MustNot = append(out.MustNot, cond)
	case f.Cond != nil:
		conds, err := qdrantLeaf(f.Cond)
		if err != nil {
			return nil, err
		}
		out.Must = append(out.Must, conds...)
	}
	return out, nil
}

// qdrantCondition wraps a subtree as a single condition, nesting through a
// filter condition when the subtree is not a plain leaf.
func qdrantCondition(f *Filter) (*qdrant.Condition, error) {
	if f.Cond != nil {
		conds, err := qdrantLeaf(f.Cond)
		if err != nil {
			return nil, err
		}
		if len(conds) == 1 {
			return conds[0], nil
		}
		return &qdrant.Condition{ConditionOneOf: &qdrant.Condition_Filter{Filter: &qdrant.Filter{Must: conds}}}, nil
	}
	nested, err := qdrantFilter(f)
	if err != nil {
		return nil, err
	}
	return &qdrant.Condition{ConditionOneOf: &qdrant.Condition_Filter{Filter: nested}}, nil
}

func qdrantLeaf(c *Condition) ([]*qdrant.Condition, error) {
	key := normalizeFieldName(c.Field)
	var conds []*qdrant.Condition
	var gte, lte *float64
	for _, op := range sortedKeys(c.Ops) {
		value := c.Ops[op]
		switch op {
		case "eq":
			conds = append(conds, qdrantEquality(key, value))
		case "gte":
			v := numericValue(value)
			gte = &v
		case "lte":
			v := numericValue(value)
			lte = &v
		case "contains":
			for _, e := range listValues(value) {
				conds = append(conds, matchKeyword(key, textValue(e)))
			}
		case "in", "overlaps":
			conds = append(conds, matchKeywords(key, textValues(value)))
		default:
			return nil, apierror.Config("unknown filter operator %q on field %q", op, c.Field)
		}
	}
	if gte != nil || lte != nil {
		conds = append(conds, fieldCondition(&qdrant.FieldCondition{
			Key:   key,
			Range: &qdrant.Range{Gte: gte, Lte: lte},
		}))
	}
	return conds, nil
}

// qdrantEquality matches numbers through a degenerate range because payload
// numbers never match keyword conditions.
func qdrantEquality(key string, value any) *qdrant.Condition {
	if b, ok := value.(bool); ok {
		return fieldCondition(&qdrant.FieldCondition{
			Key:   key,
			Match: &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: b}},
		})
	}
	if isNumeric(value) {
		v := numericValue(value)
		return fieldCondition(&qdrant.FieldCondition{
			Key:   key,
			Range: &qdrant.Range{Gte: &v, Lte: &v},
		})
	}
	return matchKeyword(key, textValue(value))
}

func fieldCondition(fc *qdrant.FieldCondition) *qdrant.Condition {
	return &qdrant.Condition{ConditionOneOf: &qdrant.Condition_Field{Field: fc}}
}

func matchKeyword(key, value string) *qdrant.Condition {
	return fieldCondition(&qdrant.FieldCondition{
		Key:   key,
		Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
	})
}

func matchKeywords(key string, values []string) *qdrant.Condition {
	return fieldCondition(&qdrant.FieldCondition{
		Key:   key,
		Match: &qdrant.Match{MatchValue: &qdrant.Match_Keywords{Keywords: &qdrant.RepeatedStrings{Strings: values}}},
	})
}

func matchText(key, text string) *qdrant.Condition {
	return fieldCondition(&qdrant.FieldCondition{
		Key:   key,
		Match: &qdrant.Match{MatchValue: &qdrant.Match_Text{Text: text}},
	})
}

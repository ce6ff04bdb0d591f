package indexers

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/store"
)

func newSQLIndexer(t *testing.T) (*SQLIndexer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &SQLIndexer{db: db, collection: &store.Collection{ID: 7, Name: "cars"}}, mock
}

func searchHitRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "external_id", "description", "fields", "scores", "similarity"})
}

func TestSQLSearchVector(t *testing.T) {
	s, mock := newSQLIndexer(t)
	vec := make([]float32, 384)
	vec[0] = 0.5

	mock.ExpectQuery(regexp.QuoteMeta(
		"1 - (item.vectors_384 <=> $2::vector) as similarity from items item where item.collection_id = $1 and item.vectors_384 is not null")).
		WithArgs(7, store.FormatVector(vec), 0.2, 10, 0).
		WillReturnRows(searchHitRows().
			AddRow(int64(1), "a", "d", []byte(`{}`), []byte(`{}`), 0.9).
			AddRow(int64(2), "b", "d", []byte(`{}`), []byte(`{}`), 0.7))

	results, err := s.Search(context.Background(), SearchQuery{Vector: vec, Limit: 10, ScoreThreshold: 0.2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, Result{ExternalID: "a", Score: 0.9}, results[0])
	assert.Equal(t, Result{ExternalID: "b", Score: 0.7}, results[1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSearchDistanceFunctions(t *testing.T) {
	vec := make([]float32, 768)
	cases := map[string]string{
		DistanceCosine:       "1 - (item.vectors_768 <=> $2::vector)",
		DistanceInnerProduct: "(item.vectors_768 <#> $2::vector) * -1",
		DistanceL1:           "(item.vectors_768 <+> $2::vector)",
		DistanceL2:           "1 - (item.vectors_768 <-> $2::vector)",
	}
	for distance, fragment := range cases {
		s, mock := newSQLIndexer(t)
		mock.ExpectQuery(regexp.QuoteMeta(fragment)).
			WithArgs(7, store.FormatVector(vec), 10, 0).
			WillReturnRows(searchHitRows())
		_, err := s.Search(context.Background(), SearchQuery{Vector: vec, Distance: distance, Limit: 10})
		require.NoError(t, err, distance)
		assert.NoError(t, mock.ExpectationsWereMet(), distance)
	}
}

func TestSQLSearchUnknownDistance(t *testing.T) {
	s, _ := newSQLIndexer(t)
	_, err := s.Search(context.Background(), SearchQuery{Vector: make([]float32, 768), Distance: "chebyshev"})
	require.Error(t, err)
	assert.Equal(t, apierror.KindConfig, apierror.KindOf(err))
}

func TestSQLSearchUnsupportedDimension(t *testing.T) {
	s, _ := newSQLIndexer(t)
	_, err := s.Search(context.Background(), SearchQuery{Vector: make([]float32, 512)})
	require.Error(t, err)
	assert.Equal(t, apierror.KindDimension, apierror.KindOf(err))
}

func TestSQLSearchTextWithFilters(t *testing.T) {
	s, mock := newSQLIndexer(t)
	filters := mustParseFilter(t, `{"color": "red", "year": {"gte": 2000}}`)

	mock.ExpectQuery(regexp.QuoteMeta("similarity(description, $2)")).
		WithArgs(7, "blue opel", "red", float64(2000), 10, 0).
		WillReturnRows(searchHitRows())

	results, err := s.Search(context.Background(), SearchQuery{Text: "blue opel", Filters: filters, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSearchFilterOnlyWithExcludes(t *testing.T) {
	s, mock := newSQLIndexer(t)

	mock.ExpectQuery(regexp.QuoteMeta("1 as similarity from items item where item.collection_id = $1 and not item.external_id = any($2)")).
		WithArgs(7, pq.Array([]string{"x", "y"}), 10, 5).
		WillReturnRows(searchHitRows())

	_, err := s.Search(context.Background(), SearchQuery{ExcludeExternalIDs: []string{"x", "y"}, Limit: 10, Offset: 5})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLFilterClause(t *testing.T) {
	cases := []struct {
		raw    string
		clause string
		args   []any
	}{
		{
			`{"color": "red"}`,
			`fields->>'color' = $1`,
			[]any{"red"},
		},
		{
			`{"year": {"eq": 2011}}`,
			`CAST(fields->>'year' AS double precision) = $1`,
			[]any{2011.0},
		},
		{
			`{"year": {"gte": 2000, "lte": 2010}}`,
			`(CAST(fields->>'year' AS double precision) >= $1 and CAST(fields->>'year' AS double precision) <= $2)`,
			[]any{2000.0, 2010.0},
		},
		{
			`{"tags": {"contains": ["a", "b"]}}`,
			`fields->'tags' @> $1::jsonb`,
			[]any{`["a","b"]`},
		},
		{
			`{"color": {"in": ["red", "blue"]}}`,
			`(fields->>'color') = any($1)`,
			[]any{pq.Array([]string{"red", "blue"})},
		},
		{
			`{"colors": {"overlaps": ["red"]}}`,
			`ARRAY(SELECT jsonb_array_elements_text(CASE WHEN jsonb_typeof(fields->'colors') = 'array' THEN fields->'colors' ELSE '[]'::jsonb END)) && $1`,
			[]any{pq.Array([]string{"red"})},
		},
		{
			`{"not": {"color": "red"}}`,
			`not (fields->>'color' = $1)`,
			[]any{"red"},
		},
		{
			`{"or": [{"color": "red"}, {"year": {"lte": 1990}}]}`,
			`(fields->>'color' = $1 or CAST(fields->>'year' AS double precision) <= $2)`,
			[]any{"red", 1990.0},
		},
		{
			`{"it's": "quoted"}`,
			`fields->>'it''s' = $1`,
			[]any{"quoted"},
		},
	}
	for _, tc := range cases {
		b := &sqlBuilder{}
		clause, err := sqlFilterClause(b, mustParseFilter(t, tc.raw))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.clause, clause, tc.raw)
		assert.Equal(t, tc.args, b.args, tc.raw)
	}
}

func TestSQLIndexerMaintenanceIsNoOp(t *testing.T) {
	s, mock := newSQLIndexer(t)
	ctx := context.Background()
	assert.NoError(t, s.Recreate(ctx))
	assert.NoError(t, s.IndexItems(ctx, []store.Item{{ExternalID: "a"}}))
	assert.NoError(t, s.DeleteItems(ctx, []string{"a"}))
	assert.NoError(t, s.Cleanup(ctx))
	assert.NoError(t, s.Drop(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

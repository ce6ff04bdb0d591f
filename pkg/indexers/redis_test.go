package indexers

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skoposlabs/skopos/pkg/config"
	"github.com/skoposlabs/skopos/pkg/store"
)

func TestBuildRedisQuery(t *testing.T) {
	filters := mustParseFilter(t, `{"make": "opel", "year": {"gte": 2000}}`)
	query, err := buildRedisQuery(SearchQuery{
		Filters:            filters,
		Text:               "blue corsa",
		Vector:             []float32{0.1, 0.2},
		ExcludeExternalIDs: []string{"a-1", "b2"},
		Offset:             5,
	}, 10)
	require.NoError(t, err)
	want := `((@make:{opel} @year:[2000 +inf]) ` +
		`((blue %corsa%) => {$weight: 1.0} | (@description:"blue corsa") => {$weight: 5.0} | (blue* corsa*) => {$weight: 0.1}) ` +
		`-@_external_id:{a\-1|b2})=>[KNN 15 @embedding $vec AS vector_score]`
	assert.Equal(t, want, query)
}

func TestBuildRedisQueryEmpty(t *testing.T) {
	query, err := buildRedisQuery(SearchQuery{}, 10)
	require.NoError(t, err)
	assert.Equal(t, "*", query)
}

func TestBuildRedisQueryFilterOnly(t *testing.T) {
	query, err := buildRedisQuery(SearchQuery{Filters: mustParseFilter(t, `{"color": "red"}`)}, 10)
	require.NoError(t, err)
	assert.Equal(t, "@color:{red}", query)
}

func TestRedisFilterClause(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"color": "red"}`, `@color:{red}`},
		{`{"active": true}`, `@active:{1}`},
		{`{"year": {"eq": 2011}}`, `@year:[2011 2011]`},
		{`{"year": {"gte": 2000, "lte": 2010}}`, `@year:[2000 2010]`},
		{`{"year": {"lte": 1990}}`, `@year:[-inf 1990]`},
		{`{"tags": {"contains": ["a b", "c"]}}`, `(@tags:{a\ b} @tags:{c})`},
		{`{"color": {"in": ["red", "blue"]}}`, `@color:{red|blue}`},
		{`{"color": {"overlaps": ["red", "blue"]}}`, `@color:{red|blue}`},
		{`{"or": [{"color": "red"}, {"color": "blue"}]}`, `(@color:{red} | @color:{blue})`},
		{`{"not": {"color": "red"}}`, `-(@color:{red})`},
		{`{"color": {"not": "red"}}`, `-(@color:{red})`},
		{`{"Price Range.max": 3}`, `@price_range_max:[3 3]`},
	}
	for _, tc := range cases {
		clause, err := redisFilterClause(mustParseFilter(t, tc.raw))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, clause, tc.raw)
	}
}

func TestRedisTextClauseDropsEmbeddedQuotes(t *testing.T) {
	clause := redisTextClause(`15" "alloy wheels`)
	want := `((15 %alloy% %wheels%) => {$weight: 1.0} | ` +
		`(@description:"15 alloy wheels") => {$weight: 5.0} | ` +
		`(15* alloy* wheels*) => {$weight: 0.1})`
	assert.Equal(t, want, clause)
}

func TestFuzzyWord(t *testing.T) {
	assert.Equal(t, "opel", fuzzyWord("opel"))
	assert.Equal(t, "%corsaa%", fuzzyWord("corsaa"))
	assert.Equal(t, "%%weatherproof%%", fuzzyWord("weatherproof"))
	// rune count, not byte count
	assert.Equal(t, "%καλάμι%", fuzzyWord("καλάμι"))
}

func TestEscapeTag(t *testing.T) {
	assert.Equal(t, `red\-car\!`, escapeTag("red-car!"))
	assert.Equal(t, "a_b9", escapeTag("a_b9"))
	assert.Equal(t, `a\ b`, escapeTag("a b"))
}

func TestRedisDocument(t *testing.T) {
	r := &RedisIndexer{
		collection: &store.Collection{Config: store.CollectionConfig{Stemmers: []string{"english"}}},
		dim:        2,
	}
	item := store.Item{
		ExternalID:      "car-1",
		Description:     "running cars",
		DescriptionHash: "abc123",
		Vector:          []float32{0.5, -1},
		Fields: map[string]any{
			"Max Speed": 240.0,
			"colors":    []any{"red", "blue"},
			"used":      true,
			"_internal": "skip",
		},
	}
	doc := r.document(item)
	assert.Equal(t, "car-1", doc["_external_id"])
	assert.Equal(t, "abc123", doc["_hash"])
	assert.Equal(t, "running cars\nrunn car", doc["description"])
	assert.Equal(t, "240", doc["max_speed"])
	assert.Equal(t, "red,blue", doc["colors"])
	assert.Equal(t, "1", doc["used"])
	assert.NotContains(t, doc, "_internal")
	assert.Equal(t, vectorBytes([]float32{0.5, -1}, 2), doc["embedding"])
}

func TestRedisDocumentWithoutVectorField(t *testing.T) {
	r := &RedisIndexer{collection: &store.Collection{}}
	doc := r.document(store.Item{ExternalID: "x", Description: "d"})
	assert.NotContains(t, doc, "embedding")
}

func TestVectorBytes(t *testing.T) {
	buf := vectorBytes([]float32{1.5}, 3)
	require.Len(t, buf, 12)
	assert.Equal(t, float32(1.5), math.Float32frombits(binary.LittleEndian.Uint32(buf[0:4])))
	assert.Equal(t, float32(0), math.Float32frombits(binary.LittleEndian.Uint32(buf[4:8])))
	assert.Equal(t, float32(0), math.Float32frombits(binary.LittleEndian.Uint32(buf[8:12])))
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisDeleteItems(t *testing.T) {
	mr, client := newTestRedis(t)
	r := &RedisIndexer{client: client, collection: &store.Collection{ID: 3}}

	mr.HSet("d:3:a", "description", "x")
	mr.HSet("d:3:b", "description", "y")

	require.NoError(t, r.DeleteItems(context.Background(), []string{"a"}))
	assert.False(t, mr.Exists("d:3:a"))
	assert.True(t, mr.Exists("d:3:b"))
}

func TestFactoryCleanupAll(t *testing.T) {
	mr, client := newTestRedis(t)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "organization_id", "name", "config",
		"default_embeddings_model", "is_index_dirty", "created", "last_update"}).
		AddRow(1, 1, "cars", []byte(`{}`), nil, false, now, now)
	mock.ExpectQuery("FROM collections ORDER BY id").WillReturnRows(rows)

	mr.HSet("d:1:a", "description", "live")
	mr.HSet("d:2:b", "description", "stale")
	require.NoError(t, mr.Set("other:key", "untouched"))

	f := NewFactory(client, store.NewWithDB(db), config.QdrantConfig{})
	require.NoError(t, f.CleanupAll(context.Background()))

	assert.True(t, mr.Exists("d:1:a"))
	assert.False(t, mr.Exists("d:2:b"))
	assert.True(t, mr.Exists("other:key"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

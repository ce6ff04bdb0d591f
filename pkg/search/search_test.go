package search

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/cache"
	"github.com/skoposlabs/skopos/pkg/indexers"
	"github.com/skoposlabs/skopos/pkg/logger"
)

type searcherFixture struct {
	*engineFixture
	searcher *Searcher
	redis    *miniredis.Miniredis
}

func newSearcherFixture(t *testing.T) *searcherFixture {
	t.Helper()
	ef := newEngineFixture(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := cache.NewRedis(client)
	ef.engine.cache = c
	return &searcherFixture{
		engineFixture: ef,
		redis:         mr,
		searcher: &Searcher{
			engine: ef.engine,
			store:  ef.engine.store,
			cache:  c,
			logger: logger.New("search"),
		},
	}
}

func (f *searcherFixture) expectHydration(ids ...string) {
	rows := itemRows()
	for i, id := range ids {
		addItem(rows, int64(i+1), id, `{}`, `{}`, "")
	}
	f.mock.ExpectQuery("FROM items").WillReturnRows(rows)
}

func (f *searcherFixture) expectHistoryInsert(person string, ids []string) {
	f.mock.ExpectExec("INSERT INTO search_history").
		WithArgs(sqlmock.AnyArg(), 7, person, pq.Array(ids), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestSearcherRecordsHistory(t *testing.T) {
	f := newSearcherFixture(t)
	f.indexer.results = searchResults("car-1", "car-2")
	f.expectHydration("car-1", "car-2")
	f.expectHistoryInsert("u-1", []string{"car-1", "car-2"})

	result, err := f.searcher.Search(context.Background(), testCollection(), SearchConfig{
		Queries:   []map[string]any{{"text": "opel"}},
		ForPerson: "u-1",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, result.ID)
	assert.Equal(t, []string{"car-1", "car-2"}, ids(result.Items))
	assert.Equal(t, 10, f.indexer.lastQuery.Limit)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSearcherServesCachedResults(t *testing.T) {
	f := newSearcherFixture(t)
	f.indexer.results = searchResults("car-1")
	f.expectHydration("car-1")
	f.expectHistoryInsert("", []string{"car-1"})

	cfg := SearchConfig{
		Queries: []map[string]any{{"text": "opel"}},
		Cache:   &CacheConfig{Expire: 60},
	}
	first, err := f.searcher.Search(context.Background(), testCollection(), cfg)
	require.NoError(t, err)
	require.NoError(t, f.mock.ExpectationsWereMet())

	// The second identical request is served from cache: no index query, no
	// new history row, and the id of the recorded search is preserved.
	second, err := f.searcher.Search(context.Background(), testCollection(), cfg)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, ids(first.Items), ids(second.Items))
	assert.Equal(t, 1, f.indexer.searches)
}

func TestSearcherUsesExplicitCacheKey(t *testing.T) {
	f := newSearcherFixture(t)
	f.indexer.results = searchResults("car-1")
	f.expectHydration("car-1")
	f.expectHistoryInsert("", []string{"car-1"})

	_, err := f.searcher.Search(context.Background(), testCollection(), SearchConfig{
		Queries: []map[string]any{{"text": "opel"}},
		Cache:   &CacheConfig{Expire: 60, Key: "homepage"},
	})
	require.NoError(t, err)
	assert.True(t, f.redis.Exists("search:cars:homepage"))
}

func TestSearcherWithoutCacheAlwaysSearches(t *testing.T) {
	f := newSearcherFixture(t)
	f.indexer.results = searchResults("car-1")
	f.expectHydration("car-1")
	f.expectHistoryInsert("", []string{"car-1"})
	f.expectHydration("car-1")
	f.expectHistoryInsert("", []string{"car-1"})

	cfg := SearchConfig{Queries: []map[string]any{{"text": "opel"}}}
	first, err := f.searcher.Search(context.Background(), testCollection(), cfg)
	require.NoError(t, err)
	second, err := f.searcher.Search(context.Background(), testCollection(), cfg)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, f.indexer.searches)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSearcherFailsWhenHistoryInsertFails(t *testing.T) {
	f := newSearcherFixture(t)
	f.indexer.results = searchResults("car-1")
	f.expectHydration("car-1")
	f.mock.ExpectExec("INSERT INTO search_history").
		WillReturnError(errors.New("connection reset"))

	_, err := f.searcher.Search(context.Background(), testCollection(), SearchConfig{
		Queries: []map[string]any{{"text": "opel"}},
	})
	require.Error(t, err)
	assert.Equal(t, apierror.KindStore, apierror.KindOf(err))
}

func TestSearcherEmptyResultIsNotNil(t *testing.T) {
	f := newSearcherFixture(t)
	f.expectHistoryInsert("", []string{})

	result, err := f.searcher.Search(context.Background(), testCollection(), SearchConfig{
		Queries: []map[string]any{{"text": "nothing matches"}},
	})
	require.NoError(t, err)
	assert.NotNil(t, result.Items)
	assert.Empty(t, result.Items)
}

func searchResults(ids ...string) []indexers.Result {
	out := make([]indexers.Result, len(ids))
	for i, id := range ids {
		out[i] = indexers.Result{ExternalID: id, Score: 1 - float64(i)*0.1}
	}
	return out
}

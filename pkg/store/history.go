package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/skoposlabs/skopos/pkg/apierror"
)

// InsertSearchHistory records the items a search served, keyed by the
// caller-provided uuid.
func (s *Store) InsertSearchHistory(ctx context.Context, h SearchHistory) error {
	rawConfig, err := json.Marshal(h.SearchConfig)
	if err != nil {
		return apierror.Store(err, "encode search config")
	}
	const query = `
		INSERT INTO search_history (id, collection_id, external_person_id, external_item_ids, search_config)
		VALUES ($1, $2, $3, $4, $5)`
	_, err = s.db.ExecContext(ctx, query,
		h.ID, h.CollectionID, h.ExternalPersonID, pq.Array(h.ExternalItemIDs), rawConfig)
	if err != nil {
		return apierror.Store(err, "insert search history")
	}
	return nil
}

// RecommendedItemIDs returns item ids recently served to a person, newest
// searches first, deduplicated in order.
func (s *Store) RecommendedItemIDs(ctx context.Context, collectionID int, personExternalID string, since time.Time, limit int) ([]string, error) {
	const query = `
		SELECT unnest(external_item_ids) AS id
		FROM search_history
		WHERE collection_id = $1 AND external_person_id = $2 AND created > $3
		ORDER BY created DESC
		LIMIT $4`
	rows, err := s.db.QueryContext(ctx, query, collectionID, personExternalID, since, limit)
	if err != nil {
		return nil, apierror.Store(err, "load recommended items")
	}
	defer rows.Close()

	seen := map[string]bool{}
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apierror.Store(err, "scan recommended item id")
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.Store(err, "load recommended items")
	}
	return out, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/skoposlabs/skopos/pkg/apierror"
)

// InsertEvents stores events, linking each to the most recent search that
// served the item to the same person within linkThreshold. Events without a
// matching search row stay unlinked.
func (s *Store) InsertEvents(ctx context.Context, collectionID int, events []Event, linkThreshold time.Duration) (err error) {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apierror.Store(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const findHistory = `
		SELECT id
		FROM search_history
		WHERE collection_id = $1 AND external_person_id = $2
			AND $3 = ANY(external_item_ids)
			AND created BETWEEN $4 AND $5
		ORDER BY created DESC
		LIMIT 1`
	const insert = `
		INSERT INTO events (collection_id, event_type, person_external_id, item_external_id, weight, related_history_id, created)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	for _, ev := range events {
		created := ev.Created
		if created.IsZero() {
			created = time.Now()
		}

		var related sql.NullString
		if linkThreshold > 0 && ev.PersonExternalID != "" {
			var historyID string
			lookupErr := tx.QueryRowContext(ctx, findHistory,
				collectionID, ev.PersonExternalID, ev.ItemExternalID,
				created.Add(-linkThreshold), created).Scan(&historyID)
			switch {
			case lookupErr == nil:
				related = sql.NullString{String: historyID, Valid: true}
			case errors.Is(lookupErr, sql.ErrNoRows):
			default:
				err = apierror.Store(lookupErr, "link event to search history")
				return err
			}
		}

		if _, err = tx.ExecContext(ctx, insert,
			collectionID, ev.EventType, ev.PersonExternalID, ev.ItemExternalID,
			ev.Weight, related, created); err != nil {
			return apierror.Store(err, "insert event")
		}
	}
	if err = tx.Commit(); err != nil {
		return apierror.Store(err, "commit events")
	}
	return nil
}

// FlushEvents deletes every event of the collection.
func (s *Store) FlushEvents(ctx context.Context, collectionID int) (int64, error) {
	const query = `DELETE FROM events WHERE collection_id = $1`
	res, err := s.db.ExecContext(ctx, query, collectionID)
	if err != nil {
		return 0, apierror.Store(err, "flush events")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apierror.Store(err, "flush events")
	}
	return n, nil
}

// ListPersonEvents returns the most recent events of a person after the
// given instant, newest first.
func (s *Store) ListPersonEvents(ctx context.Context, collectionID int, personExternalID string, since time.Time, limit int) ([]Event, error) {
	const query = `
		SELECT id, collection_id, event_type, person_external_id, item_external_id, weight,
			COALESCE(related_history_id::text, ''), created
		FROM events
		WHERE collection_id = $1 AND person_external_id = $2 AND created > $3
		ORDER BY created DESC
		LIMIT $4`
	rows, err := s.db.QueryContext(ctx, query, collectionID, personExternalID, since, limit)
	if err != nil {
		return nil, apierror.Store(err, "list person events")
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		err := rows.Scan(&ev.ID, &ev.CollectionID, &ev.EventType, &ev.PersonExternalID,
			&ev.ItemExternalID, &ev.Weight, &ev.RelatedHistoryID, &ev.Created)
		if err != nil {
			return nil, apierror.Store(err, "scan event")
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.Store(err, "list person events")
	}
	return out, nil
}

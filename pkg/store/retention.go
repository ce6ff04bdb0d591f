package store

import (
	"context"
	"time"

	"github.com/skoposlabs/skopos/pkg/apierror"
)

// Retention jobs. Each returns the number of rows removed.

// DeleteEventsBefore removes events older than the given age.
func (s *Store) DeleteEventsBefore(ctx context.Context, age time.Duration) (int64, error) {
	const query = `DELETE FROM events WHERE created < CURRENT_DATE - make_interval(secs => $1)`
	return s.deleteRows(ctx, query, "delete old events", int64(age.Seconds()))
}

// DeleteLoneEvents removes every event of persons whose events are all older
// than the given age and number at most maxCount. Such persons produced a
// few interactions long ago and will never feed a useful profile.
func (s *Store) DeleteLoneEvents(ctx context.Context, age time.Duration, maxCount int) (int64, error) {
	const query = `
		DELETE FROM events
		WHERE (collection_id, person_external_id) IN (
			SELECT collection_id, person_external_id
			FROM events
			GROUP BY collection_id, person_external_id
			HAVING MAX(created) < CURRENT_DATE - make_interval(secs => $1) AND COUNT(*) <= $2
		)`
	return s.deleteRows(ctx, query, "delete lone events", int64(age.Seconds()), maxCount)
}

// CapEventsPerPersonAndType keeps only the newest max events per person and
// event type.
func (s *Store) CapEventsPerPersonAndType(ctx context.Context, max int) (int64, error) {
	const query = `
		WITH ranked_events AS (
			SELECT collection_id, created, person_external_id, event_type,
				ROW_NUMBER() OVER (
					PARTITION BY collection_id, person_external_id, event_type
					ORDER BY created DESC
				) AS rn
			FROM events
		)
		DELETE FROM events
		USING ranked_events
		WHERE events.collection_id = ranked_events.collection_id
			AND events.created = ranked_events.created
			AND events.person_external_id = ranked_events.person_external_id
			AND events.event_type = ranked_events.event_type
			AND ranked_events.rn > $1`
	return s.deleteRows(ctx, query, "cap events per person and type", max)
}

// DeleteSearchHistoryBefore removes history rows older than the given age.
// Events linked to removed rows keep existing with a cleared reference.
func (s *Store) DeleteSearchHistoryBefore(ctx context.Context, age time.Duration) (int64, error) {
	const query = `DELETE FROM search_history WHERE created < CURRENT_DATE - make_interval(secs => $1)`
	return s.deleteRows(ctx, query, "delete old search history", int64(age.Seconds()))
}

func (s *Store) deleteRows(ctx context.Context, query, action string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apierror.Store(err, "%s", action)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apierror.Store(err, "%s", action)
	}
	return n, nil
}

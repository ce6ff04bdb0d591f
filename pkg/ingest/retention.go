package ingest

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skoposlabs/skopos/pkg/timeutil"
)

// Retention lock names. Each job holds its own lock so a slow one never
// starves the others.
const (
	lockCleanupEvents   = "cleanup-events"
	lockCleanupHistory  = "cleanup-search-history"
	lockCleanupLone     = "cleanup-lone-events"
	lockCapPersonEvents = "cap-person-events"
	lockIndexersCleanup = "indexers-cleanup"
)

// capEventsInterval is shorter than the hourly jobs: the per-person cap is
// what keeps hot persons' event sets bounded between cleanups.
const capEventsInterval = 10 * time.Minute

// CleanupEvents deletes events older than the configured window.
func (i *Ingestor) CleanupEvents(ctx context.Context) error {
	return i.locker.WithLock(ctx, lockCleanupEvents, cleanupLockTTL, func(ctx context.Context) error {
		age, err := timeutil.ParseTimeString(i.retention.EventsCleanupAfter)
		if err != nil {
			return err
		}
		deleted, err := i.store.DeleteEventsBefore(ctx, age)
		if err != nil {
			return err
		}
		i.logger.Info("cleaned up events", "deleted", deleted, "older_than", i.retention.EventsCleanupAfter)
		return nil
	})
}

// CleanupSearchHistory deletes search history older than the configured
// window.
func (i *Ingestor) CleanupSearchHistory(ctx context.Context) error {
	return i.locker.WithLock(ctx, lockCleanupHistory, cleanupLockTTL, func(ctx context.Context) error {
		age, err := timeutil.ParseTimeString(i.retention.SearchHistoryCleanupAfter)
		if err != nil {
			return err
		}
		deleted, err := i.store.DeleteSearchHistoryBefore(ctx, age)
		if err != nil {
			return err
		}
		i.logger.Info("cleaned up search history", "deleted", deleted, "older_than", i.retention.SearchHistoryCleanupAfter)
		return nil
	})
}

// CleanupLoneEvents deletes the events of persons whose whole event set is
// both stale and tiny. Those are drive-by visitors with no signal worth
// keeping.
func (i *Ingestor) CleanupLoneEvents(ctx context.Context) error {
	return i.locker.WithLock(ctx, lockCleanupLone, cleanupLockTTL, func(ctx context.Context) error {
		age, err := timeutil.ParseTimeString(i.retention.LoneEventsAfter)
		if err != nil {
			return err
		}
		deleted, err := i.store.DeleteLoneEvents(ctx, age, i.retention.LoneEventsMinCount)
		if err != nil {
			return err
		}
		i.logger.Info("cleaned up lone events", "deleted", deleted)
		return nil
	})
}

// CapPersonEvents drops each person's oldest events beyond the per-type
// cap.
func (i *Ingestor) CapPersonEvents(ctx context.Context) error {
	return i.locker.WithLock(ctx, lockCapPersonEvents, cleanupLockTTL, func(ctx context.Context) error {
		deleted, err := i.store.CapEventsPerPersonAndType(ctx, i.retention.MaxEventsPerPersonAndType)
		if err != nil {
			return err
		}
		i.logger.Info("capped person events", "deleted", deleted, "max", i.retention.MaxEventsPerPersonAndType)
		return nil
	})
}

// CleanupIndexes reconciles index backends against the store: artifacts of
// deleted collections are removed, then each live collection's index is
// reconciled against its items.
func (i *Ingestor) CleanupIndexes(ctx context.Context) error {
	return i.locker.WithLock(ctx, lockIndexersCleanup, cleanupLockTTL, func(ctx context.Context) error {
		if err := i.factory.CleanupAll(ctx); err != nil {
			return err
		}
		collections, err := i.store.ListAllCollections(ctx)
		if err != nil {
			return err
		}
		for idx := range collections {
			indexer, err := i.indexerFor(&collections[idx])
			if err != nil {
				i.logger.Error("building indexer for cleanup failed",
					"collection", collections[idx].Name, "error", err)
				continue
			}
			if err := indexer.Cleanup(ctx); err != nil {
				i.logger.Error("index cleanup failed",
					"collection", collections[idx].Name, "error", err)
			}
		}
		return nil
	})
}

// CleanupAll runs every retention job once. Used by the cleanup command.
func (i *Ingestor) CleanupAll(ctx context.Context) error {
	jobs := []func(context.Context) error{
		i.CleanupEvents,
		i.CleanupSearchHistory,
		i.CleanupLoneEvents,
		i.CapPersonEvents,
		i.CleanupIndexes,
	}
	for _, job := range jobs {
		if err := job(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RunPeriodic drives the maintenance and retention schedules until ctx is
// cancelled: maintenance every cfg interval, retention hourly, the event
// cap every 10 minutes.
func (i *Ingestor) RunPeriodic(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return i.every(ctx, i.cfg.MaintenanceInterval, i.MaintainAll) })
	group.Go(func() error { return i.every(ctx, time.Hour, i.CleanupEvents) })
	group.Go(func() error { return i.every(ctx, time.Hour, i.CleanupSearchHistory) })
	group.Go(func() error { return i.every(ctx, time.Hour, i.CleanupLoneEvents) })
	group.Go(func() error { return i.every(ctx, time.Hour, i.CleanupIndexes) })
	group.Go(func() error { return i.every(ctx, capEventsInterval, i.CapPersonEvents) })
	return group.Wait()
}

func (i *Ingestor) every(ctx context.Context, interval time.Duration, job func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := job(ctx); err != nil {
				i.logger.Error("periodic job failed", "error", err)
			}
		}
	}
}

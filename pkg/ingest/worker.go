package ingest

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type task func(ctx context.Context) error

// Start runs the background worker pool until ctx is cancelled. Queued
// tasks are drained by cfg.Workers goroutines; a failed task is logged and
// the pool keeps going.
func (i *Ingestor) Start(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for n := 0; n < i.cfg.Workers; n++ {
		group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case fn := <-i.queue:
					if err := fn(ctx); err != nil {
						i.logger.Error("background task failed", "error", err)
					}
				}
			}
		})
	}
	return group.Wait()
}

// enqueue hands a task to the worker pool, blocking when the queue is full
// so producers back off instead of dropping work.
func (i *Ingestor) enqueue(ctx context.Context, fn task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case i.queue <- fn:
		return nil
	}
}

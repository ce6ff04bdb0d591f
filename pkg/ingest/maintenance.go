package ingest

import (
	"context"
	"fmt"

	"github.com/skoposlabs/skopos/pkg/store"
)

// MaintainAll runs one maintenance pass over every collection.
func (i *Ingestor) MaintainAll(ctx context.Context) error {
	collections, err := i.store.ListAllCollections(ctx)
	if err != nil {
		return err
	}
	for idx := range collections {
		if err := i.MaintainCollection(ctx, &collections[idx]); err != nil {
			i.logger.Error("collection maintenance failed",
				"collection", collections[idx].Name, "error", err)
		}
	}
	return nil
}

// MaintainCollection brings one collection's index up to date: a dirty
// index is rebuilt from scratch, then dirty items are embedded and indexed
// page by page. The per-collection lock keeps concurrent runs off the same
// index.
func (i *Ingestor) MaintainCollection(ctx context.Context, collection *store.Collection) error {
	name := fmt.Sprintf("maintain-collection:%d", collection.ID)
	return i.locker.WithLock(ctx, name, maintainLockTTL, func(ctx context.Context) error {
		return i.maintain(ctx, collection)
	})
}

func (i *Ingestor) maintain(ctx context.Context, collection *store.Collection) error {
	embedder, err := i.newEmbedder(collection.EmbeddingsModel())
	if err != nil {
		return err
	}
	indexer, err := i.newIndexer(collection, embedder.Size())
	if err != nil {
		return err
	}

	if collection.IsIndexDirty {
		i.logger.Info("rebuilding index", "collection", collection.Name)
		if err := indexer.Recreate(ctx); err != nil {
			return err
		}
		if err := i.store.SetCollectionIndexDirty(ctx, collection.ID, false); err != nil {
			return err
		}
		collection.IsIndexDirty = false
	}

	for {
		items, err := i.store.DirtyItems(ctx, collection.ID, maintenancePageSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		if err := i.embedDirty(ctx, embedder, items); err != nil {
			return err
		}
		if err := indexer.IndexItems(ctx, items); err != nil {
			return err
		}
		ids := make([]int64, len(items))
		for n, item := range items {
			ids[n] = item.ID
		}
		if err := i.store.ClearItemsIndexDirty(ctx, ids); err != nil {
			return err
		}
		i.logger.Info("maintained items", "collection", collection.Name, "items", len(items))
		if len(items) < maintenancePageSize {
			return nil
		}
	}
}

package ingest

import (
	"context"

	"github.com/skoposlabs/skopos/pkg/store"
)

// UpdateCollectionConfig replaces the collection config. The store marks
// the index dirty when the indexer or embeddings model changed; the next
// maintenance run rebuilds it.
func (i *Ingestor) UpdateCollectionConfig(ctx context.Context, collection *store.Collection, cfg store.CollectionConfig) error {
	return i.store.UpdateCollectionConfig(ctx, collection, cfg)
}

// DeleteCollection drops the search index and removes the collection with
// everything that cascades from it.
func (i *Ingestor) DeleteCollection(ctx context.Context, collection *store.Collection) error {
	indexer, err := i.indexerFor(collection)
	if err != nil {
		return err
	}
	if err := indexer.Drop(ctx); err != nil {
		return err
	}
	if err := i.store.DeleteCollection(ctx, collection.ID); err != nil {
		return err
	}
	i.logger.Info("deleted collection", "collection", collection.Name)
	return nil
}

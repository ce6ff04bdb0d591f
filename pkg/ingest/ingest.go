// Package ingest writes items and events into collections and keeps the
// search indexes in step with the store: batched upserts, embedding of
// changed descriptions, index maintenance and data retention. Heavy work
// runs either inline (sync requests) or on the background worker pool, and
// every periodic job holds a redis temporal lock so only one process runs
// it at a time.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skoposlabs/skopos/pkg/cache"
	"github.com/skoposlabs/skopos/pkg/config"
	"github.com/skoposlabs/skopos/pkg/embedders"
	"github.com/skoposlabs/skopos/pkg/indexers"
	"github.com/skoposlabs/skopos/pkg/llms"
	"github.com/skoposlabs/skopos/pkg/logger"
	"github.com/skoposlabs/skopos/pkg/observability"
	"github.com/skoposlabs/skopos/pkg/store"
)

// maintenancePageSize bounds one dirty-item sweep per collection.
const maintenancePageSize = 500

// preprocessTTL caches description preprocessing, so re-ingesting an
// unchanged item does not repeat the LLM call.
const preprocessTTL = time.Hour

// Ingestor is the write side of the service. One instance serves all
// collections.
type Ingestor struct {
	store     *store.Store
	factory   *indexers.Factory
	cache     cache.Cache
	locker    *Locker
	cfg       config.IngestConfig
	retention config.RetentionConfig
	logger    *slog.Logger

	queue chan task

	// Swapped in tests.
	newEmbedder func(model string) (embedders.Embedder, error)
	newLLM      func(ref string) (llms.LLM, error)
	newIndexer  func(collection *store.Collection, dim int) (indexers.Indexer, error)
}

func New(st *store.Store, factory *indexers.Factory, c cache.Cache, locker *Locker,
	cfg config.IngestConfig, retention config.RetentionConfig,
	llmCfg config.LLMConfig, embedCfg config.EmbeddingsConfig) *Ingestor {
	return &Ingestor{
		store:     st,
		factory:   factory,
		cache:     c,
		locker:    locker,
		cfg:       cfg,
		retention: retention,
		logger:    logger.New("ingest"),
		queue:     make(chan task, cfg.QueueSize),
		newEmbedder: func(model string) (embedders.Embedder, error) {
			return embedders.New(model, embedCfg, c)
		},
		newLLM: func(ref string) (llms.LLM, error) {
			return llms.New(ref, llmCfg, c)
		},
		newIndexer: factory.For,
	}
}

// IngestItems upserts items into the collection in batches. sync processes
// inline; otherwise batches are handed to the background workers and the
// call returns once they are queued.
func (i *Ingestor) IngestItems(ctx context.Context, collection *store.Collection, items []store.SimpleItem, sync bool) error {
	for _, chunk := range chunks(items, i.cfg.BatchSize) {
		chunk := chunk
		if sync {
			if err := i.ingestItemChunk(ctx, collection, chunk); err != nil {
				return err
			}
			continue
		}
		if err := i.enqueue(ctx, func(ctx context.Context) error {
			return i.ingestItemChunk(ctx, collection, chunk)
		}); err != nil {
			return err
		}
	}
	return nil
}

// ingestItemChunk is the full pipeline for one batch: upsert rows, ensure
// the field catalog, embed changed descriptions, index, acknowledge.
func (i *Ingestor) ingestItemChunk(ctx context.Context, collection *store.Collection, chunk []store.SimpleItem) error {
	tracer := observability.GetTracer("skopos.ingest")
	ctx, span := tracer.Start(ctx, observability.SpanIngest,
		trace.WithAttributes(attribute.String(observability.AttrCollection, collection.Name)),
	)
	defer span.End()

	start := time.Now()
	err := i.ingestItems(ctx, collection, chunk)
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordIngest(ctx, collection.Name, len(chunk), time.Since(start), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

func (i *Ingestor) ingestItems(ctx context.Context, collection *store.Collection, chunk []store.SimpleItem) error {
	items, err := i.store.UpsertItems(ctx, collection.ID, chunk, i.preprocessor())
	if err != nil {
		return err
	}
	if err := i.store.EnsureItemFields(ctx, collection.ID, chunk); err != nil {
		return err
	}

	embedder, err := i.newEmbedder(collection.EmbeddingsModel())
	if err != nil {
		return err
	}
	if err := i.embedDirty(ctx, embedder, items); err != nil {
		return err
	}

	indexer, err := i.newIndexer(collection, embedder.Size())
	if err != nil {
		return err
	}
	dirty := make([]store.Item, 0, len(items))
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if item.IsIndexDirty {
			dirty = append(dirty, item)
			ids = append(ids, item.ID)
		}
	}
	if len(dirty) == 0 {
		return nil
	}
	if err := indexer.IndexItems(ctx, dirty); err != nil {
		return err
	}
	if err := i.store.ClearItemsIndexDirty(ctx, ids); err != nil {
		return err
	}
	i.logger.Info("ingested items", "collection", collection.Name, "items", len(chunk), "indexed", len(dirty))
	return nil
}

// embedDirty embeds the items flagged embeddings-dirty and stores their
// vectors, updating the slice in place so the subsequent indexing sees
// them.
func (i *Ingestor) embedDirty(ctx context.Context, embedder embedders.Embedder, items []store.Item) error {
	var (
		texts   []string
		indexes []int
	)
	for idx, item := range items {
		if !item.IsEmbeddingsDirty {
			continue
		}
		text := item.Description
		if text == "" {
			text = embedders.FieldsText(item.Fields)
		}
		texts = append(texts, text)
		indexes = append(indexes, idx)
	}
	if len(texts) == 0 {
		return nil
	}

	vectors, err := embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}
	for n, idx := range indexes {
		if err := i.store.SetItemVector(ctx, items[idx].ID, vectors[n]); err != nil {
			return err
		}
		items[idx].Vector = vectors[n]
		items[idx].IsEmbeddingsDirty = false
	}
	return nil
}

// DeleteItems removes items from the store and the index, in batches.
func (i *Ingestor) DeleteItems(ctx context.Context, collection *store.Collection, externalIDs []string, sync bool) error {
	for _, chunk := range chunks(externalIDs, i.cfg.DeleteBatchSize) {
		chunk := chunk
		if sync {
			if err := i.deleteItemChunk(ctx, collection, chunk); err != nil {
				return err
			}
			continue
		}
		if err := i.enqueue(ctx, func(ctx context.Context) error {
			return i.deleteItemChunk(ctx, collection, chunk)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (i *Ingestor) deleteItemChunk(ctx context.Context, collection *store.Collection, externalIDs []string) error {
	deleted, err := i.store.DeleteItemsByExternalIDs(ctx, collection.ID, externalIDs)
	if err != nil {
		return err
	}
	indexer, err := i.indexerFor(collection)
	if err != nil {
		return err
	}
	if err := indexer.DeleteItems(ctx, externalIDs); err != nil {
		return err
	}
	i.logger.Info("deleted items", "collection", collection.Name, "requested", len(externalIDs), "deleted", deleted)
	return nil
}

// preprocessor runs the configured description_preprocess prompt through
// the named model. Identical prompt+text pairs are served from cache.
func (i *Ingestor) preprocessor() store.DescriptionPreprocessor {
	return func(ctx context.Context, model, prompt, description string) (string, error) {
		llm, err := i.newLLM(model)
		if err != nil {
			return "", err
		}
		question := fmt.Sprintf("%s. The text is the following: '%s'", prompt, description)
		return llm.SingleQuery(ctx, question, llms.WithCacheTTL(preprocessTTL))
	}
}

// indexerFor builds the collection's indexer with its embedding dimension.
func (i *Ingestor) indexerFor(collection *store.Collection) (indexers.Indexer, error) {
	dim := 0
	if collection.EmbeddingsModel() != "" {
		embedder, err := i.newEmbedder(collection.EmbeddingsModel())
		if err != nil {
			return nil, err
		}
		dim = embedder.Size()
	}
	return i.newIndexer(collection, dim)
}

func chunks[T any](in []T, size int) [][]T {
	if size <= 0 {
		size = len(in)
	}
	var out [][]T
	for start := 0; start < len(in); start += size {
		end := start + size
		if end > len(in) {
			end = len(in)
		}
		out = append(out, in[start:end])
	}
	return out
}

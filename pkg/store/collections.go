package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/skoposlabs/skopos/pkg/apierror"
)

const collectionColumns = `id, organization_id, name, config, default_embeddings_model, is_index_dirty, created, last_update`

func scanCollection(row interface{ Scan(dest ...any) error }) (*Collection, error) {
	var (
		c        Collection
		rawCfg   []byte
		rawModel sql.NullString
	)
	err := row.Scan(&c.ID, &c.OrganizationID, &c.Name, &rawCfg, &rawModel,
		&c.IsIndexDirty, &c.Created, &c.LastUpdate)
	if err != nil {
		return nil, err
	}
	if len(rawCfg) > 0 {
		if err := json.Unmarshal(rawCfg, &c.Config); err != nil {
			return nil, fmt.Errorf("decode collection config: %w", err)
		}
	}
	c.DefaultEmbeddingsModel = rawModel.String
	return &c, nil
}

// GetCollection returns nil when the collection does not exist.
func (s *Store) GetCollection(ctx context.Context, organizationID int, name string) (*Collection, error) {
	query := `SELECT ` + collectionColumns + ` FROM collections WHERE organization_id = $1 AND name = $2`
	c, err := scanCollection(s.db.QueryRowContext(ctx, query, organizationID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apierror.Store(err, "load collection %s", name)
	}
	return c, nil
}

// GetOrCreateCollection resolves a collection, creating it with the given
// config and pinned embeddings model on first sight.
func (s *Store) GetOrCreateCollection(ctx context.Context, organizationID int, name string, cfg CollectionConfig, defaultModel string) (*Collection, error) {
	existing, err := s.GetCollection(ctx, organizationID, name)
	if err != nil || existing != nil {
		return existing, err
	}

	rawCfg, err := json.Marshal(cfg)
	if err != nil {
		return nil, apierror.Store(err, "encode collection config")
	}
	const insert = `
		INSERT INTO collections (organization_id, name, config, default_embeddings_model)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (organization_id, name) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, insert, organizationID, name, rawCfg, defaultModel); err != nil {
		return nil, apierror.Store(err, "create collection %s", name)
	}
	return s.GetCollection(ctx, organizationID, name)
}

// UpdateCollectionConfig replaces the collection config. Changing the
// indexer or the embeddings model marks the index dirty so the next
// maintenance run rebuilds it.
func (s *Store) UpdateCollectionConfig(ctx context.Context, c *Collection, cfg CollectionConfig) error {
	rawCfg, err := json.Marshal(cfg)
	if err != nil {
		return apierror.Store(err, "encode collection config")
	}
	reindex := cfg.Indexer != c.Config.Indexer || cfg.EmbeddingsModel != c.Config.EmbeddingsModel

	const query = `
		UPDATE collections
		SET config = $1, is_index_dirty = is_index_dirty OR $2, last_update = NOW()
		WHERE id = $3`
	if _, err := s.db.ExecContext(ctx, query, rawCfg, reindex, c.ID); err != nil {
		return apierror.Store(err, "update collection %s config", c.Name)
	}
	c.Config = cfg
	if reindex {
		c.IsIndexDirty = true
	}
	return nil
}

// PinDefaultEmbeddingsModel records the model used by the first ingest. A
// model already pinned is left untouched.
func (s *Store) PinDefaultEmbeddingsModel(ctx context.Context, collectionID int, model string) error {
	const query = `
		UPDATE collections
		SET default_embeddings_model = $1
		WHERE id = $2 AND COALESCE(default_embeddings_model, '') = ''`
	if _, err := s.db.ExecContext(ctx, query, model, collectionID); err != nil {
		return apierror.Store(err, "pin embeddings model")
	}
	return nil
}

func (s *Store) SetCollectionIndexDirty(ctx context.Context, collectionID int, dirty bool) error {
	const query = `UPDATE collections SET is_index_dirty = $1, last_update = NOW() WHERE id = $2`
	if _, err := s.db.ExecContext(ctx, query, dirty, collectionID); err != nil {
		return apierror.Store(err, "set collection index dirty")
	}
	return nil
}

// DeleteCollection removes the collection row; items, fields, persons,
// events and history cascade with it. Dropping the search index is the
// caller's job.
func (s *Store) DeleteCollection(ctx context.Context, collectionID int) error {
	const query = `DELETE FROM collections WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, collectionID); err != nil {
		return apierror.Store(err, "delete collection")
	}
	return nil
}

func (s *Store) ListCollections(ctx context.Context, organizationID int) ([]Collection, error) {
	query := `SELECT ` + collectionColumns + ` FROM collections WHERE organization_id = $1 ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, apierror.Store(err, "list collections")
	}
	return collectAll(rows)
}

// ListAllCollections returns every collection across organizations. Used by
// the indexer cleanup job to reconcile backends against live collections.
func (s *Store) ListAllCollections(ctx context.Context) ([]Collection, error) {
	query := `SELECT ` + collectionColumns + ` FROM collections ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, apierror.Store(err, "list collections")
	}
	return collectAll(rows)
}

func collectAll(rows *sql.Rows) ([]Collection, error) {
	defer rows.Close()
	var out []Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, apierror.Store(err, "scan collection")
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.Store(err, "list collections")
	}
	return out, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/hashutil"
)

// DescriptionPreprocessor runs a configured prompt over a rendered
// description, typically through an LLM behind a short-lived cache.
type DescriptionPreprocessor func(ctx context.Context, model, prompt, description string) (string, error)

const itemColumns = `id, collection_id, external_id, fields, scores, description, description_hash,
	COALESCE(vectors_3072::text, vectors_1536::text, vectors_768::text, vectors_384::text, '') AS vector,
	is_embeddings_dirty, is_index_dirty, created, last_update`

// itemState is the slice of an existing row that upserts merge against.
type itemState struct {
	fields map[string]any
	scores map[string]float64
	hash   string
}

type itemWrite struct {
	fieldsJSON      []byte
	scoresJSON      []byte
	description     string
	hash            string
	embeddingsDirty bool
}

// UpsertItems writes a batch of simple items into a collection and returns
// the stored rows.
//
// Incoming fields are shallow-merged over stored ones, the description is
// re-rendered from the merged fields, and scores are replaced only when
// provided. A changed description hash marks the item embeddings-dirty;
// every touched item is marked index-dirty. Duplicate ids within one batch
// collapse to the last occurrence.
func (s *Store) UpsertItems(ctx context.Context, collectionID int, items []SimpleItem, pre DescriptionPreprocessor) ([]Item, error) {
	items = dedupeSimpleItems(items)
	if len(items) == 0 {
		return nil, nil
	}

	externalIDs := make([]string, len(items))
	for i, item := range items {
		externalIDs[i] = item.ID
	}
	existing, err := s.itemStates(ctx, collectionID, externalIDs)
	if err != nil {
		return nil, err
	}

	placeholders := make([]string, 0, len(items))
	args := make([]any, 0, len(items)*8)
	for _, in := range items {
		row, err := buildItemWrite(ctx, existing[in.ID], in, pre)
		if err != nil {
			return nil, err
		}
		base := len(args)
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8))
		args = append(args, collectionID, in.ID, row.fieldsJSON, row.scoresJSON,
			row.description, row.hash, row.embeddingsDirty, true)
	}

	query := `
		INSERT INTO items (collection_id, external_id, fields, scores, description, description_hash, is_embeddings_dirty, is_index_dirty)
		VALUES ` + strings.Join(placeholders, ", ") + `
		ON CONFLICT (collection_id, external_id) DO UPDATE SET
			fields = EXCLUDED.fields,
			scores = EXCLUDED.scores,
			description = EXCLUDED.description,
			description_hash = EXCLUDED.description_hash,
			is_embeddings_dirty = items.is_embeddings_dirty OR EXCLUDED.is_embeddings_dirty,
			is_index_dirty = TRUE,
			last_update = NOW()
		RETURNING ` + itemColumns
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.Store(err, "upsert %d items", len(items))
	}
	return scanItems(rows)
}

func dedupeSimpleItems(items []SimpleItem) []SimpleItem {
	index := make(map[string]int, len(items))
	out := make([]SimpleItem, 0, len(items))
	for _, item := range items {
		if i, ok := index[item.ID]; ok {
			out[i] = item
			continue
		}
		index[item.ID] = len(out)
		out = append(out, item)
	}
	return out
}

func (s *Store) itemStates(ctx context.Context, collectionID int, externalIDs []string) (map[string]*itemState, error) {
	const query = `
		SELECT external_id, fields, scores, description_hash
		FROM items
		WHERE collection_id = $1 AND external_id = ANY($2)`
	rows, err := s.db.QueryContext(ctx, query, collectionID, pq.Array(externalIDs))
	if err != nil {
		return nil, apierror.Store(err, "load existing items")
	}
	defer rows.Close()

	states := make(map[string]*itemState)
	for rows.Next() {
		var (
			externalID     string
			fields, scores []byte
			state          itemState
		)
		if err := rows.Scan(&externalID, &fields, &scores, &state.hash); err != nil {
			return nil, apierror.Store(err, "scan existing item")
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &state.fields); err != nil {
				return nil, apierror.Store(err, "decode fields of item %s", externalID)
			}
		}
		if len(scores) > 0 {
			if err := json.Unmarshal(scores, &state.scores); err != nil {
				return nil, apierror.Store(err, "decode scores of item %s", externalID)
			}
		}
		states[externalID] = &state
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.Store(err, "load existing items")
	}
	return states, nil
}

func buildItemWrite(ctx context.Context, prev *itemState, in SimpleItem, pre DescriptionPreprocessor) (itemWrite, error) {
	fields := map[string]any{}
	if prev != nil {
		for k, v := range prev.fields {
			fields[k] = v
		}
	}
	for k, v := range in.Fields {
		fields[k] = v
	}

	description := renderDescription(fields, in)
	if p := in.DescriptionPreprocess; p != nil && pre != nil && description != "" {
		out, err := pre(ctx, p.Model, p.Prompt, description)
		if err != nil {
			return itemWrite{}, err
		}
		description = out
	}
	hash := hashutil.FieldsHash(description)

	scores := in.Scores
	if scores == nil && prev != nil {
		scores = prev.scores
	}
	if scores == nil {
		scores = map[string]float64{}
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return itemWrite{}, apierror.Store(err, "encode fields of item %s", in.ID)
	}
	scoresJSON, err := json.Marshal(scores)
	if err != nil {
		return itemWrite{}, apierror.Store(err, "encode scores of item %s", in.ID)
	}
	return itemWrite{
		fieldsJSON:      fieldsJSON,
		scoresJSON:      scoresJSON,
		description:     description,
		hash:            hash,
		embeddingsDirty: prev == nil || prev.hash != hash,
	}, nil
}

// GetItemsByExternalIDs loads items in no particular order; callers that
// need the request order re-sort by external id.
func (s *Store) GetItemsByExternalIDs(ctx context.Context, collectionID int, externalIDs []string) ([]Item, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + itemColumns + ` FROM items WHERE collection_id = $1 AND external_id = ANY($2)`
	rows, err := s.db.QueryContext(ctx, query, collectionID, pq.Array(externalIDs))
	if err != nil {
		return nil, apierror.Store(err, "load items")
	}
	return scanItems(rows)
}

// DirtyItems returns items pending embedding or reindexing, oldest first.
func (s *Store) DirtyItems(ctx context.Context, collectionID, limit int) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items
		WHERE collection_id = $1 AND (is_embeddings_dirty OR is_index_dirty)
		ORDER BY id
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, collectionID, limit)
	if err != nil {
		return nil, apierror.Store(err, "load dirty items")
	}
	return scanItems(rows)
}

// AllItems streams the whole collection in id order, limit-sized pages at a
// time, for full index rebuilds.
func (s *Store) AllItems(ctx context.Context, collectionID int, afterID int64, limit int) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items
		WHERE collection_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3`
	rows, err := s.db.QueryContext(ctx, query, collectionID, afterID, limit)
	if err != nil {
		return nil, apierror.Store(err, "load items page")
	}
	return scanItems(rows)
}

// SetItemVector stores one embedding for the item, clearing the other
// dimension columns and the embeddings-dirty flag.
func (s *Store) SetItemVector(ctx context.Context, itemID int64, vector []float32) error {
	column, err := VectorColumn(len(vector))
	if err != nil {
		return err
	}
	assignments := make([]string, 0, 4)
	for _, col := range []string{"vectors_384", "vectors_768", "vectors_1536", "vectors_3072"} {
		if col == column {
			assignments = append(assignments, col+" = $1::vector")
		} else {
			assignments = append(assignments, col+" = NULL")
		}
	}
	query := fmt.Sprintf(`UPDATE items SET %s, is_embeddings_dirty = FALSE, last_update = NOW() WHERE id = $2`,
		strings.Join(assignments, ", "))
	if _, err := s.db.ExecContext(ctx, query, FormatVector(vector), itemID); err != nil {
		return apierror.Store(err, "set item vector")
	}
	return nil
}

// ClearItemsIndexDirty acknowledges that the given items are indexed.
func (s *Store) ClearItemsIndexDirty(ctx context.Context, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}
	const query = `UPDATE items SET is_index_dirty = FALSE WHERE id = ANY($1)`
	if _, err := s.db.ExecContext(ctx, query, pq.Array(itemIDs)); err != nil {
		return apierror.Store(err, "clear index dirty flags")
	}
	return nil
}

func (s *Store) DeleteItemsByExternalIDs(ctx context.Context, collectionID int, externalIDs []string) (int64, error) {
	if len(externalIDs) == 0 {
		return 0, nil
	}
	const query = `DELETE FROM items WHERE collection_id = $1 AND external_id = ANY($2)`
	res, err := s.db.ExecContext(ctx, query, collectionID, pq.Array(externalIDs))
	if err != nil {
		return 0, apierror.Store(err, "delete items")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apierror.Store(err, "delete items")
	}
	return n, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var (
			it             Item
			fields, scores []byte
			vector         string
		)
		err := rows.Scan(&it.ID, &it.CollectionID, &it.ExternalID, &fields, &scores,
			&it.Description, &it.DescriptionHash, &vector,
			&it.IsEmbeddingsDirty, &it.IsIndexDirty, &it.Created, &it.LastUpdate)
		if err != nil {
			return nil, apierror.Store(err, "scan item")
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &it.Fields); err != nil {
				return nil, apierror.Store(err, "decode fields of item %s", it.ExternalID)
			}
		}
		if len(scores) > 0 {
			if err := json.Unmarshal(scores, &it.Scores); err != nil {
				return nil, apierror.Store(err, "decode scores of item %s", it.ExternalID)
			}
		}
		if vector != "" {
			v, err := parseVector(vector)
			if err != nil {
				return nil, apierror.Store(err, "decode vector of item %s", it.ExternalID)
			}
			it.Vector = v
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.Store(err, "scan items")
	}
	return items, nil
}

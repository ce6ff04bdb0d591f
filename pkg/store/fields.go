package store

import (
	"context"
	"sort"

	"github.com/skoposlabs/skopos/pkg/apierror"
)

// EnsureItemFields registers unseen field names with a value type inferred
// from the first observed value and the next free display order. Existing
// fields are never retyped or reordered.
func (s *Store) EnsureItemFields(ctx context.Context, collectionID int, items []SimpleItem) (err error) {
	var names []string
	firstValue := map[string]any{}
	for _, item := range items {
		keys := make([]string, 0, len(item.Fields))
		for k := range item.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, seen := firstValue[k]; !seen {
				firstValue[k] = item.Fields[k]
				names = append(names, k)
			}
		}
	}
	if len(names) == 0 {
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

	const existingQuery = `SELECT field_name FROM item_fields WHERE collection_id = $1`
	rows, err := tx.QueryContext(ctx, existingQuery, collectionID)
	if err != nil {
		return apierror.Store(err, "load item fields")
	}
	existing := map[string]bool{}
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			rows.Close()
			return apierror.Store(err, "scan item field")
		}
		existing[name] = true
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return apierror.Store(err, "load item fields")
	}

	var maxOrder int
	const maxQuery = `SELECT COALESCE(MAX(field_order), 0) FROM item_fields WHERE collection_id = $1`
	if err = tx.QueryRowContext(ctx, maxQuery, collectionID).Scan(&maxOrder); err != nil {
		return apierror.Store(err, "load max field order")
	}

	const insert = `
		INSERT INTO item_fields (collection_id, field_name, value_type, field_order)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection_id, field_name) DO NOTHING`
	for _, name := range names {
		if existing[name] {
			continue
		}
		maxOrder++
		if _, err = tx.ExecContext(ctx, insert, collectionID, name, inferValueType(firstValue[name]), maxOrder); err != nil {
			return apierror.Store(err, "create item field %s", name)
		}
	}
	if err = tx.Commit(); err != nil {
		return apierror.Store(err, "commit item fields")
	}
	return nil
}

// ListItemFields returns the collection fields in display order. The redis
// indexer derives its per-field schema from these.
func (s *Store) ListItemFields(ctx context.Context, collectionID int) ([]ItemField, error) {
	const query = `
		SELECT id, collection_id, field_name, value_type, field_order
		FROM item_fields
		WHERE collection_id = $1
		ORDER BY field_order, id`
	rows, err := s.db.QueryContext(ctx, query, collectionID)
	if err != nil {
		return nil, apierror.Store(err, "list item fields")
	}
	defer rows.Close()

	var out []ItemField
	for rows.Next() {
		var f ItemField
		if err := rows.Scan(&f.ID, &f.CollectionID, &f.FieldName, &f.ValueType, &f.FieldOrder); err != nil {
			return nil, apierror.Store(err, "scan item field")
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.Store(err, "list item fields")
	}
	return out, nil
}

package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/skoposlabs/skopos/pkg/apierror"
)

// EnsurePersons creates bare person rows for unseen external ids.
func (s *Store) EnsurePersons(ctx context.Context, collectionID int, externalIDs []string) error {
	seen := map[string]bool{}
	placeholders := make([]string, 0, len(externalIDs))
	args := []any{collectionID}
	for _, id := range externalIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		args = append(args, id)
		placeholders = append(placeholders, fmt.Sprintf("($1, $%d)", len(args)))
	}
	if len(placeholders) == 0 {
		return nil
	}

	query := `
		INSERT INTO persons (collection_id, external_id)
		VALUES ` + strings.Join(placeholders, ", ") + `
		ON CONFLICT (collection_id, external_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return apierror.Store(err, "create %d persons", len(placeholders))
	}
	return nil
}

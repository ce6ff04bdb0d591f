package store

import (
	"context"

	"github.com/skoposlabs/skopos/pkg/apierror"
)

// GetOrCreateOrganization resolves the organization row by name, creating it
// on first run.
func (s *Store) GetOrCreateOrganization(ctx context.Context, name string) (*Organization, error) {
	const insert = `
		INSERT INTO organizations (name)
		VALUES ($1)
		ON CONFLICT (name) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, insert, name); err != nil {
		return nil, apierror.Store(err, "create organization %s", name)
	}

	const query = `SELECT id, name, created FROM organizations WHERE name = $1`
	var org Organization
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&org.ID, &org.Name, &org.Created); err != nil {
		return nil, apierror.Store(err, "load organization %s", name)
	}
	return &org, nil
}

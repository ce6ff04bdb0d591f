// Package store persists organizations, collections, items, persons, events
// and search history in Postgres. The schema is owned by embedded goose
// migrations; item embeddings live in pgvector columns sized per model.
package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/skoposlabs/skopos/pkg/apierror"
	"github.com/skoposlabs/skopos/pkg/config"
	"github.com/skoposlabs/skopos/pkg/logger"
)

const pingTimeout = 10 * time.Second

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens a connection pool and verifies it with a ping.
func New(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, apierror.Store(err, "open database")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, apierror.Store(err, "ping database")
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an existing connection pool. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, logger: logger.New("store")}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for the SQL-backed indexer, which searches the items
// table directly.
func (s *Store) DB() *sql.DB {
	return s.db
}

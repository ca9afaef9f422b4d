// Package store implements the relational layer shared by the three
// services. Postgres is the single source of truth for every cross-process
// invariant: unique-constraint claims (idempotency keys), row-level upserts
// (deals, task states) and the workflow-run lifecycle. Connections are
// checked out per query or per transaction; nothing holds a connection
// across an external API call.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound reports that the requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the shared connection pool and exposes the repositories.
type Store struct {
	db *sqlx.DB
}

// Options configures the store.
type Options struct {
	// DSN is the Postgres connection string. Required.
	DSN string
	// MaxOpenConns bounds the pool. Zero uses the driver default.
	MaxOpenConns int
	// Migrate runs pending schema migrations on startup.
	Migrate bool
}

// New opens the connection pool and optionally applies migrations.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.DSN == "" {
		return nil, errors.New("dsn is required")
	}
	db, err := sqlx.Open("pgx", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if opts.Migrate {
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithDB wraps an existing pool. Tests use this with sqlmock.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Name identifies the store for health reporting.
func (s *Store) Name() string { return "postgres" }

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction and guarantees release on every exit
// path, including panics. fn returning an error rolls back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Package store holds the Postgres repositories backing the ingestion
// core's data model (spec.md §3). Every repository method accepts a
// Querier so callers can run it either directly against the pool or
// inside the single orchestrator transaction (spec.md §4.H, §5).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Querier is satisfied by both *sql.DB and *sql.Tx, letting repository
// methods run standalone or inside a caller-managed transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the connection pool with the sizing knobs from spec.md §6
// (DB_POOL_SIZE / DB_MAX_OVERFLOW / DB_POOL_TIMEOUT).
type DB struct {
	*sql.DB
}

// Open opens the pool and applies the configured limits. poolSize +
// maxOverflow forms the open-connections ceiling. poolTimeout is
// accepted but not applied: nothing bounds how long a caller waits for
// a free connection beyond the caller's own context.
func Open(databaseURL string, poolSize, maxOverflow int, poolTimeout time.Duration) (*DB, error) {
	sqlDB, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(poolSize + maxOverflow)
	sqlDB.SetMaxIdleConns(poolSize)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	_ = poolTimeout // not applied; see the comment on Open
	return &DB{sqlDB}, nil
}

// WithTx runs fn inside a transaction, committing on success and
// rolling back on any error fn returns or panics with — the
// "no partial success" contract of spec.md §7: if anything after the
// persist step fails before commit, the reading does not exist.
func WithTx(ctx context.Context, db *DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

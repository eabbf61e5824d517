// Package store implements the relational event store: hand-written SQL
// over the pooled database client for events, sessions, workspaces,
// devices, git activity, and parsed transcripts.
//
// Mutating methods take a Querier so the processor can run every mutation
// for one event inside a single transaction; read methods run on the pool
// directly.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fuel-code/fuel-code/pkg/database"
)

// ErrSessionNotFound is returned by point lookups when no session matches.
var ErrSessionNotFound = errors.New("session not found")

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Store mutations accept it so callers choose the transaction scope.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store provides access to all persisted state.
type Store struct {
	db *sql.DB
}

// New creates a Store over the given database client.
func New(client *database.Client) *Store {
	return &Store{db: client.DB()}
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to take a session-level advisory lock without
// blocking. On success it returns an unlock function that releases the
// lock and its dedicated connection; advisory locks are per-connection,
// so the connection is pinned until unlock.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (bool, func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, nil, fmt.Errorf("failed to try advisory lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return false, nil, nil
	}

	unlock := func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key)
		_ = conn.Close()
	}
	return true, unlock, nil
}

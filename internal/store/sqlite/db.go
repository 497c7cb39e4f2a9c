// Package sqlite is the C9 persistence backend: a pure-Go SQLite driver
// (modernc.org/sqlite) behind hand-written SQL for the catalog, history and
// plan-table operations the graph builder, version finder, materializer,
// dispatcher and reconciler need; it does not use the Statement builders of
// internal/store. The single-connection pool is the transaction serializer
// described in spec §5. A planning pass writes its plan in one *sql.Tx; a
// dispatch pass opens one per run; a callback opens several in turn (the
// run transition, downstream propagation, aggregate updates, and the
// commit of a completed transaction).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite connection pool with the schema applied.
type DB struct {
	conn *sql.DB
}

// Open opens (and, if necessary, creates) the database at path and applies
// the schema. path may be ":memory:" for tests.
func Open(ctx context.Context, path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// A single connection avoids SQLITE_BUSY under concurrent
	// dispatch/reconcile passes; reads and writes from every goroutine share
	// it, so all database access is serialized.
	conn.SetMaxOpenConns(1)

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error { return db.conn.Close() }

// WithTx runs fn inside a single database transaction, committing on
// success and rolling back on any error or panic — the serialisation point
// spec §5 calls out for planning, dispatch and callback passes.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Conn exposes the raw pool for queries that don't need a transaction
// (read-only lookups used by the graph builder and version finder).
func (db *DB) Conn() *sql.DB { return db.conn }

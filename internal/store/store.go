// Package store is Bay's persistent store (C1): the sole owner of the
// Ships, Sessions, and ExecutionHistory tables, and the only place in the
// codebase that opens a transaction that spans more than one of them.
//
// Grounded on jmoiron/sqlx as the SQL access layer (indirect dependency of
// Scoutflo-kubernetes-mcp-server via Helm's release backend, promoted here
// to Bay's primary persistence layer) rather than a generic ORM — the pack
// consistently reaches for thin SQL wrappers, not code-generated ORMs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Store wraps a *sqlx.DB with Bay's table operations. All multi-step state
// changes go through Atomic so a suspension point (a blocking I/O call)
// never happens while a row-level lock is held by a caller that forgot to
// commit — no request-path task holds the database lock across a
// suspension point.
type Store struct {
	db         *sqlx.DB
	driverName string
	log        *logrus.Entry
}

// Open connects to the backing SQL database and verifies connectivity.
// driver is "sqlite" (DB_DRIVER).
func Open(driver, dsn string, log *logrus.Entry) (*Store, error) {
	var sqlDriver, connDSN string
	switch driver {
	case "sqlite", "":
		sqlDriver = "sqlite3"
		connDSN = dsn + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}

	db, err := sqlx.Open(sqlDriver, connDSN)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", sqlDriver, err)
	}
	if sqlDriver == "sqlite3" {
		// SQLite has no real connection concurrency; serialize through one
		// connection and let _busy_timeout absorb lock contention instead
		// of surfacing SQLITE_BUSY to callers.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{db: db, driverName: sqlDriver, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ext is satisfied by both *sqlx.DB and *sqlx.Tx, letting Queries methods
// run unmodified against a plain connection or inside a transaction.
type ext interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Queries is the read/write surface over either the pool or a transaction.
type Queries struct {
	x   ext
	now func() time.Time
}

// Q returns a Queries bound to the connection pool (outside a transaction).
func (s *Store) Q() *Queries {
	return &Queries{x: s.db, now: time.Now}
}

// Atomic runs fn inside a single transaction, committing on success and
// rolling back on error or panic. This is the sole coordination point for
// the allocation decision's row-level locking and the atomic warm-pool
// claim UPDATE.
func (s *Store) Atomic(ctx context.Context, fn func(q *Queries) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	q := &Queries{x: tx, now: time.Now}
	if err = fn(q); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

var ErrNotFound = sql.ErrNoRows

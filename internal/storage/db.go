// Package storage provides the embedded SQLite storage layer for Shirushi.
//
// It owns the on-disk schema (see migrate.go), the manifest and soft-binding
// tables, and Hamming-distance search over stored fingerprints.
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"modernc.org/sqlite"

	"github.com/ashita-ai/shirushi/internal/phash"
)

// DB wraps a single-connection SQLite handle. SQLite serializes writers, so
// one connection avoids SQLITE_BUSY churn and keeps per-connection PRAGMAs
// (foreign_keys in particular) consistent.
type DB struct {
	conn   *sql.DB
	path   string
	logger *slog.Logger
}

var registerOnce sync.Once

// registerFunctions installs the SQL scalar functions used by queries.
// Must run before the first connection is opened.
func registerFunctions() {
	registerOnce.Do(func() {
		if err := sqlite.RegisterDeterministicScalarFunction("hamming64", 2, hamming64); err != nil {
			panic(fmt.Sprintf("storage: register hamming64: %v", err))
		}
	})
}

// hamming64 returns the number of differing bits between two packed
// fingerprints, or NULL when either argument is NULL.
func hamming64(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if args[0] == nil || args[1] == nil {
		return nil, nil
	}
	a, ok := args[0].(int64)
	if !ok {
		return nil, fmt.Errorf("hamming64: argument 1 must be an integer, got %T", args[0])
	}
	b, ok := args[1].(int64)
	if !ok {
		return nil, fmt.Errorf("hamming64: argument 2 must be an integer, got %T", args[1])
	}
	return int64(phash.PackedDistance(a, b)), nil
}

// New opens (creating if necessary) the database file at path and applies
// connection PRAGMAs. It does not run migrations.
func New(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	registerFunctions()

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("storage: create data directory %s: %w", dir, err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	return &DB{
		conn:   conn,
		path:   path,
		logger: logger,
	}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

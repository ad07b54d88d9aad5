// Package storage owns the embedded SQLite database behind each datastore
// version.
//
// A Handle wraps a single connection. SQLite connections are not safe for
// concurrent use, so every operation on a Handle waits its turn on a
// context-aware queue; handles for different versions run in parallel.
//
// Persisted tables live in the main schema. Query-time relations are created
// in the temp schema inside a transaction and never outlive it.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/datastore/internal/schema"
)

//go:embed catalog.sql
var catalogSQL string

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Handle is a serialized connection to one version's database.
type Handle struct {
	db     *sqlx.DB
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu     sync.RWMutex
	tables map[string]schema.Table
}

type options struct {
	wal    bool
	logger *slog.Logger
}

// Option configures a Handle.
type Option func(*options)

// WithWAL toggles write-ahead logging. Enabled by default; ignored for
// in-memory databases.
func WithWAL(enabled bool) Option {
	return func(o *options) { o.wal = enabled }
}

// WithLogger sets the logger for storage events.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{
		wal:    true,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open creates or opens the SQLite database at path, applies pragmas and
// creates the table catalog.
func Open(path string, opts ...Option) (*Handle, error) {
	o := buildOptions(opts)

	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// One connection: an in-memory database lives and dies with it, and a
	// file database has a single writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(db, o.wal && path != MemoryPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if _, err := db.Exec(catalogSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create catalog: %w", err)
	}

	o.logger.Debug("storage opened", "path", path)
	return newHandle(db, o), nil
}

// NewHandle wraps an already-open database without touching its schema.
func NewHandle(db *sql.DB, opts ...Option) *Handle {
	return newHandle(sqlx.NewDb(db, "sqlite3"), buildOptions(opts))
}

func newHandle(db *sqlx.DB, o options) *Handle {
	return &Handle{
		db:     db,
		sem:    semaphore.NewWeighted(1),
		logger: o.logger,
		tables: make(map[string]schema.Table),
	}
}

// Close closes the underlying connection.
func (h *Handle) Close() error {
	if h.db == nil {
		return nil
	}
	return h.db.Close()
}

func applyPragmas(db *sqlx.DB, wal bool) error {
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	if wal {
		pragmas = append([]string{"PRAGMA journal_mode = WAL"}, pragmas...)
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (h *Handle) acquire(ctx context.Context) error {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for storage: %w", err)
	}
	return nil
}

func (h *Handle) release() { h.sem.Release(1) }

// Tx runs fn in a transaction that commits when fn returns nil.
// A cancelled context rolls the transaction back.
func (h *Handle) Tx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if err := h.acquire(ctx); err != nil {
		return err
	}
	defer h.release()

	tx, err := h.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ReadTx runs fn in a transaction that is always rolled back, discarding
// anything fn created.
func (h *Handle) ReadTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if err := h.acquire(ctx); err != nil {
		return err
	}
	defer h.release()

	tx, err := h.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	return fn(tx)
}

// Select runs a read-only query and returns every row as a column map.
func (h *Handle) Select(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	var rows []map[string]any
	err := h.ReadTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		rows, err = MapRows(ctx, tx, query, args...)
		return err
	})
	return rows, err
}

// MapRows runs query on tx and scans every row into a column map.
func MapRows(ctx context.Context, tx *sqlx.Tx, query string, args ...any) ([]map[string]any, error) {
	rs, err := tx.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	out := []map[string]any{}
	for rs.Next() {
		row := make(map[string]any)
		if err := rs.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, row)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

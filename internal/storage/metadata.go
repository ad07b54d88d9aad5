package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"

	"github.com/roach88/datastore/internal/apierr"
)

//go:embed metadata.sql
var metadataSQL string

// Schema version tracking:
// 0 - initial schema
// 1 - index on datastore_versions.base_version_hash
const currentMetadataVersion = 1

// Metadata is the node-wide database of published versions and usage stats.
type Metadata struct {
	db *sqlx.DB
}

// VersionRecord is one published version. Versions sharing a base form one
// lineage; the newest by timestamp is the lineage's latest version.
type VersionRecord struct {
	VersionHash      string `db:"version_hash" json:"versionHash"`
	BaseVersionHash  string `db:"base_version_hash" json:"baseVersionHash"`
	VersionTimestamp int64  `db:"version_timestamp" json:"versionTimestamp"`
	ScriptEntrypoint string `db:"script_entrypoint" json:"scriptEntrypoint"`
	DbxPath          string `db:"dbx_path" json:"dbxPath"`
}

// Stats accumulates usage of one runner, crawler or table.
type Stats struct {
	VersionHash  string `db:"version_hash"`
	Name         string `db:"name"`
	Runs         int64  `db:"runs"`
	Bytes        int64  `db:"bytes"`
	Microgons    int64  `db:"microgons"`
	Milliseconds int64  `db:"milliseconds"`
}

// OpenMetadata opens <dir>/metadata.db, or an in-memory database when dir
// is empty.
func OpenMetadata(dir string, opts ...Option) (*Metadata, error) {
	o := buildOptions(opts)
	path := MemoryPath
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create metadata dir: %w", err)
		}
		path = filepath.Join(dir, "metadata.db")
	}

	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(db, o.wal && path != MemoryPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if _, err := db.Exec(metadataSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply metadata schema: %w", err)
	}
	if err := migrateMetadata(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Metadata{db: db}, nil
}

// NewMetadata wraps an already-migrated database.
func NewMetadata(db *sql.DB) *Metadata {
	return &Metadata{db: sqlx.NewDb(db, "sqlite3")}
}

func migrateMetadata(db *sqlx.DB) error {
	var version int
	if err := db.Get(&version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_versions_base
			ON datastore_versions(base_version_hash, version_timestamp)`)
		if err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentMetadataVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Close closes the metadata database.
func (m *Metadata) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// SaveVersion records or replaces a published version.
func (m *Metadata) SaveVersion(ctx context.Context, v VersionRecord) error {
	if v.BaseVersionHash == "" {
		v.BaseVersionHash = v.VersionHash
	}
	_, err := m.db.NamedExecContext(ctx, `
		INSERT INTO datastore_versions
		(version_hash, base_version_hash, version_timestamp, script_entrypoint, dbx_path)
		VALUES (:version_hash, :base_version_hash, :version_timestamp, :script_entrypoint, :dbx_path)
		ON CONFLICT(version_hash) DO UPDATE SET
			base_version_hash = excluded.base_version_hash,
			version_timestamp = excluded.version_timestamp,
			script_entrypoint = excluded.script_entrypoint,
			dbx_path = excluded.dbx_path
	`, v)
	if err != nil {
		return fmt.Errorf("save version %s: %w", v.VersionHash, err)
	}
	return nil
}

// Version looks up a published version.
func (m *Metadata) Version(ctx context.Context, versionHash string) (VersionRecord, error) {
	var v VersionRecord
	err := m.db.GetContext(ctx, &v,
		`SELECT * FROM datastore_versions WHERE version_hash = ?`, versionHash)
	if errors.Is(err, sql.ErrNoRows) {
		return VersionRecord{}, apierr.NewDatastoreNotFound(versionHash)
	}
	if err != nil {
		return VersionRecord{}, fmt.Errorf("load version %s: %w", versionHash, err)
	}
	return v, nil
}

// LatestVersion returns the newest version in versionHash's lineage.
func (m *Metadata) LatestVersion(ctx context.Context, versionHash string) (VersionRecord, error) {
	v, err := m.Version(ctx, versionHash)
	if err != nil {
		return VersionRecord{}, err
	}
	var latest VersionRecord
	err = m.db.GetContext(ctx, &latest, `
		SELECT * FROM datastore_versions
		WHERE base_version_hash = ?
		ORDER BY version_timestamp DESC, version_hash
		LIMIT 1
	`, v.BaseVersionHash)
	if err != nil {
		return VersionRecord{}, fmt.Errorf("latest version for %s: %w", versionHash, err)
	}
	return latest, nil
}

// Versions lists every published version, newest first.
func (m *Metadata) Versions(ctx context.Context) ([]VersionRecord, error) {
	var out []VersionRecord
	err := m.db.SelectContext(ctx, &out,
		`SELECT * FROM datastore_versions ORDER BY version_timestamp DESC, version_hash`)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return out, nil
}

// RecordRun adds one run's usage to the stats of name.
func (m *Metadata) RecordRun(ctx context.Context, versionHash, name string, bytes, microgons, milliseconds int64) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO datastore_stats (version_hash, name, runs, bytes, microgons, milliseconds)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(version_hash, name) DO UPDATE SET
			runs = runs + 1,
			bytes = bytes + excluded.bytes,
			microgons = microgons + excluded.microgons,
			milliseconds = milliseconds + excluded.milliseconds
	`, versionHash, name, bytes, microgons, milliseconds)
	if err != nil {
		return fmt.Errorf("record stats for %s: %w", name, err)
	}
	return nil
}

// Stats returns the accumulated usage of name, zero if it never ran.
func (m *Metadata) Stats(ctx context.Context, versionHash, name string) (Stats, error) {
	s := Stats{VersionHash: versionHash, Name: name}
	err := m.db.GetContext(ctx, &s,
		`SELECT * FROM datastore_stats WHERE version_hash = ? AND name = ?`, versionHash, name)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Stats{}, fmt.Errorf("load stats for %s: %w", name, err)
	}
	return s, nil
}

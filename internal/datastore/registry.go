package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/roach88/datastore/internal/apierr"
	"github.com/roach88/datastore/internal/manifest"
	"github.com/roach88/datastore/internal/schema"
	"github.com/roach88/datastore/internal/storage"
)

// ManifestFile is the name of the published manifest inside a version's
// directory.
const ManifestFile = "datastore-manifest.json"

// Version is one installed datastore version.
type Version struct {
	Manifest *manifest.Manifest
	Record   storage.VersionRecord

	functions map[string]schema.Function
	examples  map[string][]schema.Record
}

// Function returns the schema of a runner or crawler.
func (v *Version) Function(name string) (schema.Function, bool) {
	fn, ok := v.functions[name]
	return fn, ok
}

// Functions returns every runner and crawler schema, keyed by name.
func (v *Version) Functions() map[string]schema.Function {
	return v.functions
}

// OutputExamples returns the example output rows published for name.
func (v *Version) OutputExamples(name string) []schema.Record {
	return v.examples[name]
}

type functionDoc struct {
	Input          schema.Object    `json:"input"`
	Output         schema.Object    `json:"output"`
	OutputExamples []map[string]any `json:"outputExamples"`
}

func newVersion(m *manifest.Manifest, rec storage.VersionRecord) (*Version, error) {
	v := &Version{
		Manifest:  m,
		Record:    rec,
		functions: make(map[string]schema.Function),
		examples:  make(map[string][]schema.Record),
	}
	for _, group := range []map[string]manifest.FunctionEntry{m.RunnersByName, m.CrawlersByName} {
		for name, entry := range group {
			var doc functionDoc
			if len(entry.SchemaAsJSON) > 0 {
				if err := json.Unmarshal(entry.SchemaAsJSON, &doc); err != nil {
					return nil, fmt.Errorf("decode schema of %s: %w", name, err)
				}
			}
			v.functions[name] = schema.Function{Input: doc.Input, Output: doc.Output}
			for _, raw := range doc.OutputExamples {
				rec, err := decodeRecord(raw, doc.Output)
				if err != nil {
					return nil, fmt.Errorf("decode output example of %s: %w", name, err)
				}
				v.examples[name] = append(v.examples[name], rec)
			}
		}
	}
	return v, nil
}

// Registry installs datastore versions and resolves version hashes to
// their manifest and storage.
type Registry struct {
	dir      string
	metadata *storage.Metadata
	storage  *storage.Registry
	logger   *slog.Logger

	mu       sync.Mutex
	versions map[string]*Version
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// OpenRegistry opens the registry rooted at dir. Each version lives in
// <dir>/<versionHash>/ next to a shared metadata.db.
func OpenRegistry(dir string, storageOpts []storage.Option, opts ...RegistryOption) (*Registry, error) {
	if dir == "" {
		return nil, errors.New("datastores dir is required")
	}
	md, err := storage.OpenMetadata(dir, storageOpts...)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		dir:      dir,
		metadata: md,
		storage:  storage.NewRegistry(dir, storageOpts...),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		versions: make(map[string]*Version),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Install publishes m, creating its tables and seeding them. Installing
// an already installed version is a no-op for existing tables.
func (r *Registry) Install(ctx context.Context, m *manifest.Manifest, tables []storage.TableSpec) (*Version, error) {
	if err := manifest.ValidateVersionHash(m.VersionHash); err != nil {
		return nil, err
	}
	dbxPath := filepath.Join(r.dir, m.VersionHash, ManifestFile)
	f := manifest.New(dbxPath)
	f.Manifest = *m
	if err := f.Save(ctx); err != nil {
		return nil, fmt.Errorf("install %s: %w", m.VersionHash, err)
	}

	rec := storage.VersionRecord{
		VersionHash:      m.VersionHash,
		BaseVersionHash:  baseVersion(m),
		VersionTimestamp: m.VersionTimestamp,
		ScriptEntrypoint: m.ScriptEntrypoint,
		DbxPath:          dbxPath,
	}
	if err := r.metadata.SaveVersion(ctx, rec); err != nil {
		return nil, err
	}

	h, err := r.storage.Connection(m.VersionHash)
	if err != nil {
		return nil, err
	}
	if err := h.CreateTables(ctx, tables); err != nil {
		return nil, fmt.Errorf("install %s: %w", m.VersionHash, err)
	}

	v, err := newVersion(m, rec)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.versions[m.VersionHash] = v
	r.mu.Unlock()

	r.logger.Info("datastore installed",
		"version_hash", m.VersionHash,
		"base_version_hash", rec.BaseVersionHash,
		"tables", len(tables))
	return v, nil
}

// baseVersion is the oldest linked version, which every later version of
// the same lineage shares.
func baseVersion(m *manifest.Manifest) string {
	if n := len(m.LinkedVersions); n > 0 {
		sorted := append([]manifest.VersionEntry(nil), m.LinkedVersions...)
		manifest.SortVersions(sorted)
		return sorted[n-1].VersionHash
	}
	return m.VersionHash
}

// Get loads an installed version.
func (r *Registry) Get(ctx context.Context, versionHash string) (*Version, error) {
	if err := manifest.ValidateVersionHash(versionHash); err != nil {
		return nil, err
	}
	r.mu.Lock()
	v, ok := r.versions[versionHash]
	r.mu.Unlock()
	if ok {
		return v, nil
	}

	rec, err := r.metadata.Version(ctx, versionHash)
	if err != nil {
		return nil, err
	}
	f := manifest.New(rec.DbxPath)
	found, err := f.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", versionHash, err)
	}
	if !found {
		return nil, apierr.NewDatastoreNotFound(versionHash)
	}
	m := f.Manifest
	v, err = newVersion(&m, rec)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.versions[versionHash] = v
	r.mu.Unlock()
	return v, nil
}

// LatestVersionHash returns the newest version that links back to
// versionHash's lineage.
func (r *Registry) LatestVersionHash(ctx context.Context, versionHash string) (string, error) {
	latest, err := r.metadata.LatestVersion(ctx, versionHash)
	if err != nil {
		return "", err
	}
	return latest.VersionHash, nil
}

// Versions lists every installed version, newest first.
func (r *Registry) Versions(ctx context.Context) ([]storage.VersionRecord, error) {
	return r.metadata.Versions(ctx)
}

// Storage returns the storage handle of an installed version.
func (r *Registry) Storage(versionHash string) (*storage.Handle, error) {
	return r.storage.Connection(versionHash)
}

// Stats returns the accumulated usage of one runner, crawler or table.
func (r *Registry) Stats(ctx context.Context, versionHash, name string) (storage.Stats, error) {
	return r.metadata.Stats(ctx, versionHash, name)
}

// Close closes every storage handle and the metadata database.
func (r *Registry) Close() error {
	serr := r.storage.Close()
	merr := r.metadata.Close()
	if serr != nil {
		return serr
	}
	return merr
}

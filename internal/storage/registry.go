package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/datastore/internal/apierr"
	"github.com/roach88/datastore/internal/canon"
)

// Registry opens one Handle per datastore version and keeps it for reuse.
type Registry struct {
	dir  string
	opts []Option

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// NewRegistry stores each version at <dir>/<versionHash>/storage.db.
// An empty dir keeps every version in memory.
func NewRegistry(dir string, opts ...Option) *Registry {
	return &Registry{
		dir:     dir,
		opts:    opts,
		handles: make(map[string]*Handle),
	}
}

// Path returns where a version's database lives, or MemoryPath.
func (r *Registry) Path(versionHash string) string {
	if r.dir == "" {
		return MemoryPath
	}
	return filepath.Join(r.dir, versionHash, "storage.db")
}

// Connection returns the handle for versionHash, opening it on first use.
func (r *Registry) Connection(versionHash string) (*Handle, error) {
	if !canon.IsVersionHash(versionHash) {
		return nil, apierr.NewInvalidVersionHash(versionHash)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("storage registry is closed")
	}
	if h, ok := r.handles[versionHash]; ok {
		return h, nil
	}

	path := r.Path(versionHash)
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	h, err := Open(path, r.opts...)
	if err != nil {
		return nil, fmt.Errorf("open storage for %s: %w", versionHash, err)
	}
	r.handles[versionHash] = h
	return h, nil
}

// Close closes every open handle.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true

	var errs []error
	for hash, h := range r.handles {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", hash, err))
		}
		delete(r.handles, hash)
	}
	return errors.Join(errs...)
}

package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// SharedConfigFile is the file name of project and global layers.
const SharedConfigFile = "datastores.json"

// DefaultProjectConfigDir is the directory that marks a project root.
const DefaultProjectConfigDir = ".datastore"

// Option configures a File.
type Option func(*options)

type options struct {
	globalDir   string
	projectDir  string
	logger      *slog.Logger
	lockTimeout time.Duration
}

// WithGlobalDir sets the directory holding the global datastores.json.
func WithGlobalDir(dir string) Option {
	return func(o *options) { o.globalDir = dir }
}

// WithProjectConfigDir sets the directory name searched for upwards from
// an entrypoint to find the project layer and the project root.
func WithProjectConfigDir(name string) Option {
	return func(o *options) { o.projectDir = name }
}

// WithLogger sets the logger for merge and save events.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithLockTimeout bounds how long a write waits for a layer's lock file.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) { o.lockTimeout = d }
}

func buildOptions(opts []Option) options {
	o := options{
		projectDir:  DefaultProjectConfigDir,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		lockTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.globalDir == "" {
		o.globalDir = DefaultGlobalDir()
	}
	return o
}

// DefaultGlobalDir returns <user config dir>/datastore, or a directory
// under the temp dir when no user config dir is known.
func DefaultGlobalDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "datastore")
	}
	return filepath.Join(os.TempDir(), "datastore")
}

// File is a manifest bound to its backing file.
//
// A dbx file stores the manifest flat. Layer files store, under Key for
// project and global layers, the explicit settings next to the last
// generated manifest and the version ledger.
type File struct {
	Manifest

	Source Source
	Path   string
	Key    string

	// ExplicitSettings are the user-written overrides of a layer.
	ExplicitSettings Patch

	// AllVersions is a layer's ledger of every version built through it.
	// It is never pruned.
	AllVersions []VersionEntry

	// HasClearedLinkedVersions is set when a layer explicitly supplies an
	// empty linkedVersions list.
	HasClearedLinkedVersions bool

	opts options
}

// New returns the dbx manifest stored at path.
func New(path string, opts ...Option) *File {
	return &File{Source: SourceDbx, Path: path, opts: buildOptions(opts)}
}

// NewLayer returns a configuration layer. Project and global layers
// require a key.
func NewLayer(source Source, path, key string, opts ...Option) (*File, error) {
	switch source {
	case SourceProject, SourceGlobal:
		if key == "" {
			return nil, fmt.Errorf("%s manifest %s needs a config key", source, path)
		}
	case SourceEntrypoint:
	default:
		return nil, fmt.Errorf("unsupported manifest layer %q", source)
	}
	return &File{Source: source, Path: path, Key: key, opts: buildOptions(opts)}, nil
}

// Exists reports whether the backing file is present.
func (f *File) Exists() bool { return fileExists(f.Path) }

// Load reads the backing file. It reports whether the file carried data
// for this manifest. A missing global file is created empty.
func (f *File) Load(ctx context.Context) (bool, error) {
	if f.Source == SourceDbx {
		data, err := os.ReadFile(f.Path)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read manifest: %w", err)
		}
		if err := json.Unmarshal(data, &f.Manifest); err != nil {
			return false, fmt.Errorf("parse manifest %s: %w", f.Path, err)
		}
		return true, nil
	}

	obj, err := readObject(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		if f.Source == SourceGlobal {
			err := withLock(ctx, f.Path, f.opts.lockTimeout, func() error {
				if fileExists(f.Path) {
					return nil
				}
				return writeJSON(f.Path, map[string]any{})
			})
			if err != nil {
				return false, err
			}
			f.AllVersions = []VersionEntry{}
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}

	data := obj
	if f.Key != "" {
		data, _ = obj[f.Key].(map[string]any)
		if data == nil {
			return false, nil
		}
	}
	return true, f.split(data)
}

// split separates layer data into the generated manifest, the ledger and
// the explicit settings.
func (f *File) split(data map[string]any) error {
	f.ExplicitSettings = Patch{}
	for k, v := range data {
		switch k {
		case generatedKey:
			if err := reencode(v, &f.Manifest); err != nil {
				return fmt.Errorf("%s %s: %w", f.Path, generatedKey, err)
			}
		case historyKey:
			if err := reencode(v, &f.AllVersions); err != nil {
				return fmt.Errorf("%s %s: %w", f.Path, historyKey, err)
			}
		default:
			if v != nil {
				f.ExplicitSettings[k] = v
			}
		}
	}
	if f.AllVersions == nil {
		f.AllVersions = []VersionEntry{}
	}
	return nil
}

// generated returns the layer's last generated manifest as generic JSON,
// or nil when it has none.
func (f *File) generated() (map[string]any, error) {
	if f.VersionHash == "" && f.ScriptHash == "" {
		return nil, nil
	}
	return toState(&f.Manifest)
}

// Save writes the backing file. A dbx manifest is validated first. Layer
// files are only rewritten when they already exist.
func (f *File) Save(ctx context.Context) error {
	if f.Source == SourceDbx {
		if err := Validate(f.Path, &f.Manifest); err != nil {
			return err
		}
		return withLock(ctx, f.Path, f.opts.lockTimeout, func() error {
			return writeJSON(f.Path, &f.Manifest)
		})
	}

	if !f.Exists() {
		return nil
	}
	return withLock(ctx, f.Path, f.opts.lockTimeout, func() error {
		cfg := f.configJSON()
		if f.Key == "" {
			return writeJSON(f.Path, cfg)
		}
		obj, err := readObject(f.Path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if obj == nil {
			obj = map[string]any{}
		}
		obj[f.Key] = cfg
		return writeJSON(f.Path, obj)
	})
}

func (f *File) configJSON() map[string]any {
	cfg := make(map[string]any, len(f.ExplicitSettings)+2)
	for k, v := range f.ExplicitSettings {
		cfg[k] = v
	}
	history := f.AllVersions
	if history == nil {
		history = []VersionEntry{}
	}
	cfg[generatedKey] = &f.Manifest
	cfg[historyKey] = history
	return cfg
}

func reencode(v any, dst any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

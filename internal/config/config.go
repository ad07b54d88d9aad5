// Package config loads node configuration for the datastore CLI.
//
// Values are layered, later sources winning: built-in defaults, the YAML
// file datastore.yaml, DATASTORE_* environment variables, and finally
// command-line flags that were explicitly set.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/roach88/datastore/internal/manifest"
	"github.com/roach88/datastore/internal/metering"
)

// FileName is the config file looked up in the working directory.
const FileName = "datastore.yaml"

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "DATASTORE_"

// Config is the resolved node configuration.
type Config struct {
	DatastoresDir    string `koanf:"datastores_dir"`
	GlobalConfigDir  string `koanf:"global_config_dir"`
	ProjectConfigDir string `koanf:"project_config_dir"`

	MaxRuntime                  time.Duration `koanf:"max_runtime"`
	WaitForCompletionOnShutdown bool          `koanf:"wait_for_completion_on_shutdown"`
	MaxTableRows                int           `koanf:"max_table_rows"`

	DefaultBytesForPaymentEstimates int64 `koanf:"default_bytes_for_payment_estimates"`
	ComputePricePerQuery            int64 `koanf:"compute_price_per_query"`

	PaymentAddress        string   `koanf:"payment_address"`
	ServerAdminIdentities []string `koanf:"server_admin_identities"`

	// CorePlugins are the plugins this node provides, by name and version.
	CorePlugins map[string]string `koanf:"core_plugins"`

	EnableWAL bool `koanf:"enable_wal"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	// File is the config file that was read, empty when none was found.
	File string `koanf:"-"`
}

// Defaults returns the built-in configuration.
func Defaults() map[string]any {
	return map[string]any{
		"datastores_dir":                      filepath.Join(".datastore", "datastores"),
		"global_config_dir":                   manifest.DefaultGlobalDir(),
		"project_config_dir":                  manifest.DefaultProjectConfigDir,
		"max_runtime":                         "10m",
		"wait_for_completion_on_shutdown":     false,
		"max_table_rows":                      1000,
		"default_bytes_for_payment_estimates": int64(metering.DefaultBytesEstimate),
		"compute_price_per_query":             int64(0),
		"server_admin_identities":             []string{},
		"core_plugins":                        map[string]any{},
		"enable_wal":                          true,
		"log_level":                           "info",
		"log_format":                          "text",
	}
}

// Load resolves the configuration. An explicit path must exist; otherwise
// FileName in the working directory is used when present. flags may be
// nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	used := path
	if used == "" {
		if _, err := os.Stat(FileName); err == nil {
			used = FileName
		}
	}
	if used != "" {
		if err := k.Load(file.Provider(used), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", used, err)
		}
	}

	// DATASTORE_MAX_RUNTIME -> max_runtime
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = used
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the loader cannot type-check.
func (c *Config) Validate() error {
	if c.DatastoresDir == "" {
		return fmt.Errorf("datastores_dir must be set")
	}
	if c.MaxRuntime < 0 {
		return fmt.Errorf("max_runtime must not be negative, got %s", c.MaxRuntime)
	}
	if c.MaxTableRows < 0 {
		return fmt.Errorf("max_table_rows must not be negative, got %d", c.MaxTableRows)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// Logger builds the node logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	lvl, _ := c.Level()
	opts := &slog.HandlerOptions{Level: lvl}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/datastore/internal/config"
)

// RootOptions holds global flags and the configuration resolved from them.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string

	Config *config.Config
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the datastore CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "datastore",
		Short: "Build, version and query datastores",
		Long: `Build datastore definitions into content-addressed versions and
query them with SQL that treats runners and crawlers as tables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.load(cmd)
		},
	}

	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVar(&opts.ConfigFile, "config", "", "config file (default ./"+config.FileName+")")

	// Config keys settable per invocation. Only flags that were set
	// override the file and environment.
	pf.String("datastores-dir", "", "directory holding installed versions")
	pf.String("global-config-dir", "", "directory of the global datastores.json")
	pf.String("project-config-dir", "", "name of the project config directory")
	pf.Duration("max-runtime", 0, "maximum runtime of one runner or crawler call")
	pf.Int64("compute-price-per-query", 0, "node compute price added to every request, in microgons")
	pf.Bool("enable-wal", true, "open version storage in WAL mode")
	pf.String("log-level", "", "log level (debug|info|warn|error)")
	pf.String("log-format", "", "log format (text|json)")

	cmd.AddCommand(NewBuildCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewStreamCommand(opts))
	cmd.AddCommand(NewParseCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewVersionsCommand(opts))

	return cmd
}

// load resolves configuration and builds the logger. Logs go to stderr so
// JSON output stays parseable.
func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.ConfigFile, cmd.Flags())
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	o.Config = cfg
	o.Logger = cfg.Logger(cmd.ErrOrStderr())
	return nil
}

// ensure loads configuration for commands run without the root command.
func (o *RootOptions) ensure(cmd *cobra.Command) error {
	if o.Config != nil {
		if o.Logger == nil {
			o.Logger = o.Config.Logger(cmd.ErrOrStderr())
		}
		return nil
	}
	return o.load(cmd)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

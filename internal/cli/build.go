package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/datastore/internal/datastore"
	"github.com/roach88/datastore/internal/definition"
	"github.com/roach88/datastore/internal/manifest"
)

// DbxDir is the directory next to a definition that holds its built
// manifest.
const DbxDir = ".dbx"

// BuildOptions holds flags for the build command.
type BuildOptions struct {
	*RootOptions
	Timestamp  int64
	NewHistory bool
	NoInstall  bool
}

// BuildResult is the outcome of a build.
type BuildResult struct {
	Name             string                  `json:"name,omitempty"`
	VersionHash      string                  `json:"versionHash"`
	VersionTimestamp int64                   `json:"versionTimestamp"`
	LinkedVersions   []manifest.VersionEntry `json:"linkedVersions"`
	ScriptEntrypoint string                  `json:"scriptEntrypoint"`
	ManifestPath     string                  `json:"manifestPath"`
	Installed        bool                    `json:"installed"`
}

// NewBuildCommand creates the build command.
func NewBuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "build <definition.cue>",
		Short: "Build a datastore definition into a versioned manifest",
		Long: `Compile a datastore definition, merge the global, project and entrypoint
manifest settings, assign the version hash and install the version.

Rebuilding an unchanged definition keeps its version. Any change links the
previous version into the new version's history.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.ensure(cmd); err != nil {
				return err
			}
			return runBuild(cmd, opts, args[0])
		},
	}

	cmd.Flags().Int64Var(&opts.Timestamp, "timestamp", 0, "version timestamp in epoch milliseconds (default now)")
	cmd.Flags().BoolVar(&opts.NewHistory, "new-history", false, "start a new version history")
	cmd.Flags().BoolVar(&opts.NoInstall, "no-install", false, "write the manifest without installing the version")

	return cmd
}

func runBuild(cmd *cobra.Command, opts *BuildOptions, entry string) error {
	out := opts.formatter(cmd)
	ctx := cmd.Context()
	cfg := opts.Config

	def, err := definition.Load(entry)
	if err != nil {
		var ce *definition.CompileError
		if errors.As(err, &ce) {
			return out.Fail(ExitFailure, "compile "+entry, err)
		}
		return out.Fail(ExitCommandError, "load "+entry, err)
	}
	out.VerboseLog("Loaded %s: %d runner(s), %d crawler(s), %d table(s)",
		def.Path, len(def.Runners), len(def.Crawlers), len(def.Tables))

	in, err := def.UpdateInput(opts.Timestamp)
	if err != nil {
		return out.Fail(ExitCommandError, "prepare manifest", err)
	}
	if in.Metadata.PaymentAddress == "" {
		in.Metadata.PaymentAddress = cfg.PaymentAddress
	}
	if len(in.Metadata.AdminIdentities) == 0 {
		in.Metadata.AdminIdentities = cfg.ServerAdminIdentities
	}

	dbx := filepath.Join(filepath.Dir(def.Path), DbxDir, datastore.ManifestFile)
	f := manifest.New(dbx,
		manifest.WithGlobalDir(cfg.GlobalConfigDir),
		manifest.WithProjectConfigDir(cfg.ProjectConfigDir),
		manifest.WithLogger(opts.Logger))
	if err := f.Update(ctx, in); err != nil {
		return out.Fail(ExitCommandError, "update manifest", err)
	}
	if opts.NewHistory {
		if err := f.SetLinkedVersions(ctx, def.Path, nil); err != nil {
			return out.Fail(ExitCommandError, "reset version history", err)
		}
	}

	res := BuildResult{
		Name:             f.Name,
		VersionHash:      f.VersionHash,
		VersionTimestamp: f.VersionTimestamp,
		LinkedVersions:   f.LinkedVersions,
		ScriptEntrypoint: f.ScriptEntrypoint,
		ManifestPath:     dbx,
	}
	if !opts.NoInstall {
		n, err := openNode(opts.RootOptions)
		if err != nil {
			return out.Fail(ExitCommandError, "open datastores", err)
		}
		defer n.Close()
		if _, err := n.registry.Install(ctx, &f.Manifest, def.TableSpecs()); err != nil {
			return out.Fail(ExitCommandError, "install "+f.VersionHash, err)
		}
		res.Installed = true
	}

	if out.Format == "json" {
		return out.Success(res)
	}
	fmt.Fprintf(out.Writer, "✓ Built %s %s\n", displayName(res.Name), res.VersionHash)
	fmt.Fprintf(out.Writer, "  entrypoint: %s\n", res.ScriptEntrypoint)
	fmt.Fprintf(out.Writer, "  manifest:   %s\n", res.ManifestPath)
	fmt.Fprintf(out.Writer, "  linked:     %d version(s)\n", len(res.LinkedVersions))
	if res.Installed {
		fmt.Fprintf(out.Writer, "  installed:  %s\n", cfg.DatastoresDir)
	}
	return nil
}

func displayName(name string) string {
	if name == "" {
		return "datastore"
	}
	return name
}

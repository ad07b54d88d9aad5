package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/datastore/internal/schema"
)

// NewVersionsCommand creates the versions command.
func NewVersionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "versions",
		Short:         "List installed datastore versions, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.ensure(cmd); err != nil {
				return err
			}
			return runVersions(cmd, rootOpts)
		},
	}
}

func runVersions(cmd *cobra.Command, opts *RootOptions) error {
	out := opts.formatter(cmd)
	n, err := openNode(opts)
	if err != nil {
		return out.Fail(ExitCommandError, "open datastores", err)
	}
	defer n.Close()

	versions, err := n.registry.Versions(cmd.Context())
	if err != nil {
		return out.Fail(ExitCommandError, "list versions", err)
	}
	if out.Format == "json" {
		return out.Success(versions)
	}
	rows := make([]schema.Record, len(versions))
	for i, v := range versions {
		rows[i] = schema.Record{
			"versionHash":      v.VersionHash,
			"baseVersionHash":  v.BaseVersionHash,
			"versionTimestamp": time.UnixMilli(v.VersionTimestamp).UTC(),
			"scriptEntrypoint": v.ScriptEntrypoint,
		}
	}
	return out.Records(rows)
}

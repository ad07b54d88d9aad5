package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/datastore/internal/manifest"
)

// VerifyResult is the outcome of verifying one manifest.
type VerifyResult struct {
	Path         string `json:"path"`
	VersionHash  string `json:"versionHash"`
	ComputedHash string `json:"computedHash"`
	Valid        bool   `json:"valid"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <manifest.json>",
		Short: "Check a built manifest against its version hash",
		Long: `Validate a datastore manifest against the manifest schema and
recompute its version hash. The command fails when the schema reports any
violation or when the recorded hash differs from the computed one.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, rootOpts, args[0])
		},
	}
	return cmd
}

func runVerify(cmd *cobra.Command, opts *RootOptions, path string) error {
	out := opts.formatter(cmd)

	data, err := os.ReadFile(path)
	if err != nil {
		return out.Fail(ExitCommandError, "read manifest", err)
	}
	if err := manifest.ValidateJSON(path, data); err != nil {
		return out.Fail(ExitFailure, "validate "+path, err)
	}
	var m manifest.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return out.Fail(ExitCommandError, "decode manifest", err)
	}
	recorded := m.VersionHash
	computed, err := manifest.ComputeVersionHash(&m)
	if err != nil {
		return out.Fail(ExitCommandError, "hash manifest", err)
	}

	res := VerifyResult{Path: path, VersionHash: recorded, ComputedHash: computed, Valid: recorded == computed}
	if !res.Valid {
		if out.Format == "json" {
			_ = out.Success(res)
		} else {
			fmt.Fprintf(out.Writer, "✗ %s: recorded %s, computed %s\n", path, recorded, computed)
		}
		exitErr := NewExitError(ExitFailure, "version hash mismatch")
		exitErr.Reported = true
		return exitErr
	}
	if out.Format == "json" {
		return out.Success(res)
	}
	fmt.Fprintf(out.Writer, "✓ %s verified (%s)\n", path, recorded)
	return nil
}

package cli

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"github.com/roach88/datastore/internal/datastore"
	"github.com/roach88/datastore/internal/metering"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Bind         []string
	MaxMicrogons int64
	Internal     bool
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <version-hash> <sql>",
		Short: "Run SQL against an installed datastore version",
		Long: `Run a SELECT against an installed version. Runners and crawlers are
called as table-valued functions with named arguments:

  datastore query dbx1... "SELECT * FROM lookup(city => $1)" --bind '"Lisbon"'

Each --bind value is parsed as JSON and falls back to a plain string.
With --internal the statement runs with the datastore's own privileges:
private tables are visible and INSERT, UPDATE and DELETE are allowed.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.ensure(cmd); err != nil {
				return err
			}
			return runQuery(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Bind, "bind", "b", nil, "positional bound value ($1, $2, ...)")
	cmd.Flags().Int64Var(&opts.MaxMicrogons, "max-microgons", 0, "refuse queries priced above this amount")
	cmd.Flags().BoolVar(&opts.Internal, "internal", false, "run with the datastore's own privileges")

	return cmd
}

func runQuery(cmd *cobra.Command, opts *QueryOptions, versionHash, sql string) error {
	out := opts.formatter(cmd)
	ctx := cmd.Context()

	n, err := openNode(opts.RootOptions)
	if err != nil {
		return out.Fail(ExitCommandError, "open datastores", err)
	}
	defer n.Close()

	bound := parseBindings(opts.Bind)
	if opts.Internal {
		rows, err := n.core.QueryInternal(ctx, versionHash, sql, bound)
		if err != nil {
			return out.Fail(ExitCommandError, "query", err)
		}
		return out.Records(rows)
	}

	res, err := n.core.Query(ctx, datastore.QueryRequest{
		VersionHash: versionHash,
		SQL:         sql,
		BoundValues: bound,
		Payment:     metering.Preferences{MaxMicrogons: opts.MaxMicrogons},
	})
	if err != nil {
		return out.Fail(ExitCommandError, "query", err)
	}
	if out.Format == "json" {
		return out.Success(res)
	}
	if err := out.Records(res.Outputs); err != nil {
		return err
	}
	out.VerboseLog("latest version %s, %d bytes, %d microgons, %dms",
		res.LatestVersionHash, res.Metadata.Bytes, res.Metadata.Microgons, res.Metadata.Milliseconds)
	if res.LatestVersionHash != versionHash {
		fmt.Fprintf(out.errWriter(), "note: a newer version is available: %s\n", res.LatestVersionHash)
	}
	return nil
}

// parseBindings decodes each value as JSON, keeping integral numbers as
// integers. Values that are not JSON are passed as strings.
func parseBindings(raw []string) []any {
	values := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			values[i] = s
			continue
		}
		if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			v = int64(f)
		}
		values[i] = v
	}
	return values
}

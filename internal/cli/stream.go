package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/datastore/internal/datastore"
	"github.com/roach88/datastore/internal/metering"
	"github.com/roach88/datastore/internal/schema"
)

// StreamOptions holds flags for the stream command.
type StreamOptions struct {
	*RootOptions
	Input        string
	StreamID     string
	MaxMicrogons int64
}

// StreamOutput is the JSON data of a finished stream.
type StreamOutput struct {
	Events []datastore.StreamEvent  `json:"events"`
	Result *datastore.StreamResult `json:"result"`
}

// NewStreamCommand creates the stream command.
func NewStreamCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StreamOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stream <version-hash> <name>",
		Short: "Call a runner or crawler directly, or read a table",
		Long: `Call one runner or crawler with a JSON input object and print every
output row. When name is a public table, the input object filters rows by
column equality.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.ensure(cmd); err != nil {
				return err
			}
			return runStream(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().StringVarP(&opts.Input, "input", "i", "{}", "input as a JSON object")
	cmd.Flags().StringVar(&opts.StreamID, "stream-id", "", "tag events with this stream ID (default random)")
	cmd.Flags().Int64Var(&opts.MaxMicrogons, "max-microgons", 0, "refuse calls priced above this amount")

	return cmd
}

func runStream(cmd *cobra.Command, opts *StreamOptions, versionHash, name string) error {
	out := opts.formatter(cmd)

	var input schema.Record
	if err := json.Unmarshal([]byte(opts.Input), &input); err != nil {
		return out.Fail(ExitCommandError, "parse --input", err)
	}

	n, err := openNode(opts.RootOptions)
	if err != nil {
		return out.Fail(ExitCommandError, "open datastores", err)
	}
	defer n.Close()

	var events []datastore.StreamEvent
	res, err := n.core.Stream(cmd.Context(), datastore.StreamRequest{
		VersionHash: versionHash,
		Name:        name,
		Input:       input,
		StreamID:    opts.StreamID,
		Payment:     metering.Preferences{MaxMicrogons: opts.MaxMicrogons},
	}, func(ev datastore.StreamEvent) error {
		events = append(events, ev)
		out.VerboseLog("event %s: %d field(s)", ev.StreamID, len(ev.Output))
		return nil
	})
	if err != nil {
		return out.Fail(ExitCommandError, "stream "+name, err)
	}

	if out.Format == "json" {
		if events == nil {
			events = []datastore.StreamEvent{}
		}
		return out.Success(StreamOutput{Events: events, Result: res})
	}
	rows := make([]schema.Record, len(events))
	for i, ev := range events {
		rows[i] = ev.Output
	}
	if err := out.Records(rows); err != nil {
		return err
	}
	fmt.Fprintf(out.Writer, "stream %s: %d microgons\n", res.StreamID, res.Metadata.Microgons)
	return nil
}

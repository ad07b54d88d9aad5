package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/datastore/internal/sqlparse"
)

// ParseOptions holds flags for the parse command.
type ParseOptions struct {
	*RootOptions
	Function string
	Table    string
}

// ParsedCall is one table-valued function call.
type ParsedCall struct {
	Name string   `json:"name"`
	Args []string `json:"args"`
}

// ParseResult describes a parsed statement.
type ParseResult struct {
	Command   string       `json:"command"`
	HasReturn bool         `json:"hasReturn"`
	Tables    []string     `json:"tables"`
	Functions []ParsedCall `json:"functions"`
	MaxParam  int          `json:"maxParam"`
	SQL       string       `json:"sql"`
}

// NewParseCommand creates the parse command.
func NewParseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ParseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "parse <sql>",
		Short: "Parse a statement and show what it references",
		Long: `Parse one statement of the datastore SQL dialect, resolve the self
sentinel against --function or --table, and print the command, the tables
and function calls it references and the rewritten SQL.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParse(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Function, "function", "", "function self resolves to")
	cmd.Flags().StringVar(&opts.Table, "table", "", "table self resolves to")

	return cmd
}

func runParse(cmd *cobra.Command, opts *ParseOptions, sql string) error {
	out := opts.formatter(cmd)

	stmt, err := sqlparse.Parse(sql, sqlparse.Scope{Function: opts.Function, Table: opts.Table})
	if err != nil {
		return out.Fail(ExitFailure, "parse", err)
	}

	res := ParseResult{
		Command:   string(stmt.CommandType()),
		HasReturn: stmt.HasReturn(),
		Tables:    stmt.TableNames(),
		Functions: []ParsedCall{},
		MaxParam:  stmt.MaxParam(),
		SQL:       stmt.SQL(),
	}
	for _, call := range stmt.FunctionCalls() {
		pc := ParsedCall{Name: call.Name, Args: make([]string, len(call.Args))}
		for i, arg := range call.Args {
			pc.Args[i] = arg.Name
		}
		res.Functions = append(res.Functions, pc)
	}

	if out.Format == "json" {
		return out.Success(res)
	}
	fmt.Fprintf(out.Writer, "command:   %s\n", res.Command)
	fmt.Fprintf(out.Writer, "returning: %t\n", res.HasReturn)
	fmt.Fprintf(out.Writer, "tables:    %s\n", listOrDash(res.Tables))
	for _, fn := range res.Functions {
		fmt.Fprintf(out.Writer, "function:  %s(%s)\n", fn.Name, strings.Join(fn.Args, ", "))
	}
	if res.MaxParam > 0 {
		fmt.Fprintf(out.Writer, "params:    $1..$%d\n", res.MaxParam)
	}
	fmt.Fprintf(out.Writer, "sql:       %s\n", res.SQL)
	return nil
}

func listOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

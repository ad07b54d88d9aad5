// Package query executes parsed statements against one datastore version.
//
// A statement sees two kinds of relation. Persisted tables live in the
// version's database. Function relations and virtual tables are
// materialized for the duration of one statement: each becomes a temp
// table filled from rows the caller already has, and is gone when the
// statement's transaction ends.
package query

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/roach88/datastore/internal/apierr"
	"github.com/roach88/datastore/internal/codec"
	"github.com/roach88/datastore/internal/queryir"
	"github.com/roach88/datastore/internal/querysql"
	"github.com/roach88/datastore/internal/schema"
	"github.com/roach88/datastore/internal/sqlparse"
	"github.com/roach88/datastore/internal/storage"
)

// MaxTableRows caps QueryTable results.
const MaxTableRows = querysql.DefaultMaxRows

// Options supplies everything a statement may reference.
type Options struct {
	// TableSchemas lists the persisted tables the caller may address.
	TableSchemas map[string]schema.Table

	// InputByFunction and OutputByFunction hold each called function's
	// input and the rows it produced for that input.
	InputByFunction  map[string]schema.Record
	OutputByFunction map[string][]schema.Record

	// OutputSchemas types the columns of function relations.
	OutputSchemas map[string]schema.Function

	// VirtualTableRecords are passthrough tables served from memory. A
	// name here shadows a persisted table of the same name.
	VirtualTableRecords map[string][]schema.Record

	BoundValues codec.BoundValues
}

// Executor runs statements on one version's storage handle.
type Executor struct {
	handle  *storage.Handle
	logger  *slog.Logger
	maxRows int
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMaxRows lowers the QueryTable row cap.
func WithMaxRows(n int) Option {
	return func(e *Executor) {
		if n > 0 && n < MaxTableRows {
			e.maxRows = n
		}
	}
}

// New creates an executor over h.
func New(h *storage.Handle, opts ...Option) *Executor {
	e := &Executor{
		handle:  h,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxRows: MaxTableRows,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// relation is a temp table materialized for one statement.
type relation struct {
	name    string
	columns []schema.Column
	rows    []schema.Record
}

type plan struct {
	relations []relation
	virtual   map[string]bool
	functions map[string]bool
	// decode is searched in order for a result column's type.
	decode []schema.Object
}

// Execute runs stmt. SELECT returns its rows. INSERT and UPDATE with
// RETURNING return the single returned row; other DML returns
// [{"changes": n}].
func (e *Executor) Execute(ctx context.Context, stmt *sqlparse.Statement, opts Options) ([]schema.Record, error) {
	p, err := buildPlan(stmt, opts)
	if err != nil {
		return nil, err
	}

	bound, err := codec.ToStorageMap(opts.BoundValues, nil)
	if err != nil {
		return nil, err
	}
	args, err := bound.Args(stmt.MaxParam())
	if err != nil {
		return nil, err
	}
	sqlText := stmt.StorageSQL(p.virtual)

	var records []schema.Record
	if stmt.CommandType() == sqlparse.KindSelect {
		err = e.handle.ReadTx(ctx, func(tx *sqlx.Tx) error {
			if err := createRelations(ctx, tx, p.relations); err != nil {
				return err
			}
			rows, err := storage.MapRows(ctx, tx, sqlText, args...)
			if err != nil {
				return fmt.Errorf("execute select: %w", err)
			}
			records, err = codec.ToRecords(rows, p.decode...)
			return err
		})
	} else {
		target := opts.TableSchemas[dmlTarget(stmt.Command)]
		err = e.handle.Tx(ctx, func(tx *sqlx.Tx) error {
			if err := createRelations(ctx, tx, p.relations); err != nil {
				return err
			}
			var err error
			records, err = runDML(ctx, tx, stmt, sqlText, args, target)
			if err != nil {
				return err
			}
			return dropRelations(ctx, tx, p.relations)
		})
	}
	if err != nil {
		return nil, err
	}

	e.logger.Debug("statement executed",
		"command", string(stmt.CommandType()),
		"relations", len(p.relations),
		"records", len(records))
	return records, nil
}

func buildPlan(stmt *sqlparse.Statement, opts Options) (*plan, error) {
	p := &plan{virtual: map[string]bool{}, functions: map[string]bool{}}

	for _, name := range stmt.FunctionNames() {
		if name == sqlparse.Sentinel {
			return nil, apierr.NewDatastoreNotFound(name)
		}
		rows, hasRows := opts.OutputByFunction[name]
		fn, hasSchema := opts.OutputSchemas[name]
		if !hasRows && !hasSchema {
			return nil, apierr.NewUnauthorizedFunction(name)
		}
		rel, err := functionRelation(name, fn, opts.InputByFunction[name], rows)
		if err != nil {
			return nil, err
		}
		p.relations = append(p.relations, rel)
		p.functions[name] = true
		p.decode = append(p.decode, columnsObject(rel.columns))
	}

	var persisted []schema.Object
	for _, name := range stmt.TableNames() {
		if name == sqlparse.Sentinel {
			return nil, apierr.NewDatastoreNotFound(name)
		}
		table, hasTable := opts.TableSchemas[name]
		if recs, ok := opts.VirtualTableRecords[name]; ok {
			if p.functions[name] {
				return nil, apierr.NewInvalidSQLCommand(string(stmt.CommandType()),
					fmt.Sprintf("%s is both a function and a virtual table", name))
			}
			rel, err := virtualRelation(name, table, recs)
			if err != nil {
				return nil, err
			}
			p.relations = append(p.relations, rel)
			p.virtual[name] = true
			p.decode = append(p.decode, columnsObject(rel.columns))
			continue
		}
		if !hasTable {
			return nil, apierr.NewUnauthorizedTable(name)
		}
		persisted = append(persisted, table.Fields())
	}
	p.decode = append(p.decode, persisted...)

	if stmt.CommandType() != sqlparse.KindSelect {
		target := dmlTarget(stmt.Command)
		if p.virtual[target] || p.functions[target] {
			return nil, apierr.NewInvalidSQLCommand(string(stmt.CommandType()),
				fmt.Sprintf("%s is not a persisted table", target))
		}
	}
	return p, nil
}

// functionRelation exposes a function's input and output fields as
// columns. Every row carries the input values merged under its output.
func functionRelation(name string, fn schema.Function, input schema.Record, outputs []schema.Record) (relation, error) {
	fields := schema.Object{}
	for k, f := range fn.Input {
		fields[k] = f
	}
	for k, f := range fn.Output {
		fields[k] = f
	}
	names := map[string]bool{}
	for k := range fields {
		names[k] = true
	}
	for k := range input {
		names[k] = true
	}
	rows := make([]schema.Record, len(outputs))
	for i, out := range outputs {
		row := make(schema.Record, len(input)+len(out))
		for k, v := range input {
			row[k] = v
		}
		for k, v := range out {
			row[k] = v
			names[k] = true
		}
		rows[i] = row
	}
	if len(names) == 0 {
		return relation{}, fmt.Errorf("function %s has no columns", name)
	}

	sorted := make([]string, 0, len(names))
	for k := range names {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	cols := make([]schema.Column, len(sorted))
	for i, k := range sorted {
		f, ok := fields[k]
		if !ok {
			f = inferField(k, append([]schema.Record{input}, rows...))
		}
		cols[i] = schema.Column{Name: k, Field: f}
	}
	return relation{name: name, columns: cols, rows: rows}, nil
}

// inferField types an undeclared column from its first non-nil value.
func inferField(column string, recs []schema.Record) schema.Field {
	for _, rec := range recs {
		if v := rec[column]; v != nil {
			return schema.Field{TypeName: codec.InferType(v), Optional: true}
		}
	}
	return schema.Field{Optional: true}
}

// virtualRelation uses the declared table schema when there is one and
// adds a column for any other key found in the records.
func virtualRelation(name string, table schema.Table, recs []schema.Record) (relation, error) {
	cols := append([]schema.Column(nil), table.Columns...)
	seen := map[string]bool{}
	for _, c := range cols {
		seen[c.Name] = true
	}
	var extra []string
	for _, rec := range recs {
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				extra = append(extra, k)
			}
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		cols = append(cols, schema.Column{Name: k, Field: inferField(k, recs)})
	}
	if len(cols) == 0 {
		return relation{}, fmt.Errorf("virtual table %s has no columns", name)
	}
	return relation{name: name, columns: cols, rows: recs}, nil
}

func columnsObject(cols []schema.Column) schema.Object {
	o := make(schema.Object, len(cols))
	for _, c := range cols {
		if c.TypeName != "" {
			o[c.Name] = c.Field
		}
	}
	return o
}

func createRelations(ctx context.Context, tx *sqlx.Tx, rels []relation) error {
	for _, rel := range rels {
		ddl := fmt.Sprintf("CREATE TABLE temp.%s (%s)",
			sqlparse.QuoteIdent(rel.name), storage.ColumnDefs(rel.columns))
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create relation %s: %w", rel.name, err)
		}
		if len(rel.rows) == 0 {
			continue
		}

		quoted := make([]string, len(rel.columns))
		marks := make([]string, len(rel.columns))
		for i, c := range rel.columns {
			quoted[i] = sqlparse.QuoteIdent(c.Name)
			marks[i] = "?"
		}
		insert := fmt.Sprintf("INSERT INTO temp.%s (%s) VALUES (%s)",
			sqlparse.QuoteIdent(rel.name), strings.Join(quoted, ", "), strings.Join(marks, ", "))
		prepared, err := tx.PreparexContext(ctx, insert)
		if err != nil {
			return fmt.Errorf("prepare relation %s: %w", rel.name, err)
		}
		for _, row := range rel.rows {
			args := make([]any, len(rel.columns))
			for i, c := range rel.columns {
				v, err := codec.ToStorageValue(c.TypeName, row[c.Name])
				if err != nil {
					prepared.Close()
					return fmt.Errorf("relation %s column %s: %w", rel.name, c.Name, err)
				}
				args[i] = v
			}
			if _, err := prepared.ExecContext(ctx, args...); err != nil {
				prepared.Close()
				return fmt.Errorf("fill relation %s: %w", rel.name, err)
			}
		}
		prepared.Close()
	}
	return nil
}

func dropRelations(ctx context.Context, tx *sqlx.Tx, rels []relation) error {
	for _, rel := range rels {
		if _, err := tx.ExecContext(ctx, "DROP TABLE temp."+sqlparse.QuoteIdent(rel.name)); err != nil {
			return fmt.Errorf("drop relation %s: %w", rel.name, err)
		}
	}
	return nil
}

func runDML(ctx context.Context, tx *sqlx.Tx, stmt *sqlparse.Statement, sqlText string, args []any, target schema.Table) ([]schema.Record, error) {
	if stmt.HasReturn() {
		rows, err := storage.MapRows(ctx, tx, sqlText, args...)
		if err != nil {
			return nil, fmt.Errorf("execute %s: %w", stmt.CommandType(), err)
		}
		if len(rows) > 1 {
			rows = rows[:1]
		}
		return codec.ToRecords(rows, target.Fields())
	}
	res, err := tx.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", stmt.CommandType(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	return []schema.Record{{"changes": n}}, nil
}

func dmlTarget(c sqlparse.Command) string {
	switch c := c.(type) {
	case *sqlparse.Insert:
		return c.Table
	case *sqlparse.Update:
		return c.Table
	case *sqlparse.Delete:
		return c.Table
	}
	return ""
}

// QueryTable returns the rows of a persisted table whose columns equal
// every value in filter, in insertion order, capped at the executor's
// row limit. A non-positive limit means the cap.
func (e *Executor) QueryTable(ctx context.Context, table schema.Table, filter schema.Record, limit int) ([]schema.Record, error) {
	fields := table.Fields()
	enc, err := codec.ToStorageRecord(filter, fields)
	if err != nil {
		return nil, apierr.NewSchemaValidation(table.Name+" filter", []apierr.FieldError{{Message: err.Error()}})
	}

	keys := make([]string, 0, len(enc))
	for k := range enc {
		keys = append(keys, k)
	}
	cols := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		cols[i] = c.Name
	}
	q := queryir.Select{From: table.Name, Columns: cols, Filter: queryir.BoundEqualsAll(keys), Limit: limit}
	columns := make(map[string]bool, len(fields))
	for name := range fields {
		columns[name] = true
	}
	if problems := queryir.Validate(q, columns); len(problems) > 0 {
		errs := make([]apierr.FieldError, len(problems))
		for i, msg := range problems {
			errs[i] = apierr.FieldError{Message: msg}
		}
		return nil, apierr.NewSchemaValidation(table.Name+" filter", errs)
	}

	compiler := &querysql.SQLCompiler{BoundValues: enc, MaxRows: e.maxRows}
	sqlText, params, err := compiler.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("compile table query: %w", err)
	}
	rows, err := e.handle.Select(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("query table %s: %w", table.Name, err)
	}
	return codec.ToRecords(rows, fields)
}

package query

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/datastore/internal/apierr"
	"github.com/roach88/datastore/internal/codec"
	"github.com/roach88/datastore/internal/schema"
	"github.com/roach88/datastore/internal/sqlparse"
	"github.com/roach88/datastore/internal/storage"
)

func tasksTable() schema.Table {
	return schema.Table{
		Name:     "tasks",
		IsPublic: true,
		Columns: []schema.Column{
			{Name: "id", Field: schema.Field{TypeName: schema.TypeNumber}},
			{Name: "title", Field: schema.Field{TypeName: schema.TypeString}},
			{Name: "done", Field: schema.Field{TypeName: schema.TypeBoolean, Optional: true}},
		},
	}
}

func setup(t *testing.T, opts ...Option) (*Executor, map[string]schema.Table) {
	t.Helper()
	h, err := storage.Open(filepath.Join(t.TempDir(), "storage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	err = h.CreateTables(context.Background(), []storage.TableSpec{{
		Table: tasksTable(),
		Seedlings: []schema.Record{
			{"id": int64(1), "title": "write parser", "done": true},
			{"id": int64(2), "title": "write executor"},
		},
	}})
	require.NoError(t, err)
	return New(h, opts...), map[string]schema.Table{"tasks": tasksTable()}
}

func parse(t *testing.T, sql string, scope sqlparse.Scope) *sqlparse.Statement {
	t.Helper()
	stmt, err := sqlparse.Parse(sql, scope)
	require.NoError(t, err)
	return stmt
}

var testerSchema = schema.Function{
	Input:  schema.Object{"shouldTest": {TypeName: schema.TypeBoolean, Optional: true}},
	Output: schema.Object{"testerEcho": {TypeName: schema.TypeBoolean}},
}

func TestExecuteSelfFunction(t *testing.T) {
	e, tables := setup(t)
	stmt := parse(t, "SELECT * FROM self(tester => true)", sqlparse.Scope{Function: "test"})

	inputs, err := codec.ExtractFunctionCallInputs(stmt, map[string]schema.Function{"test": testerSchema}, nil)
	require.NoError(t, err)

	records, err := e.Execute(context.Background(), stmt, Options{
		TableSchemas:     tables,
		InputByFunction:  inputs,
		OutputByFunction: map[string][]schema.Record{"test": {{"testerEcho": true}}},
		OutputSchemas:    map[string]schema.Function{"test": testerSchema},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, true, records[0]["testerEcho"])
	assert.Equal(t, true, records[0]["tester"])
}

func TestExecuteJoinsFunctionWithTable(t *testing.T) {
	e, tables := setup(t)
	stmt := parse(t, `SELECT t.title, s.score FROM tasks t
		JOIN search(q => $1) s ON s.id = t.id ORDER BY t.id`, sqlparse.Scope{})

	records, err := e.Execute(context.Background(), stmt, Options{
		TableSchemas:    tables,
		InputByFunction: map[string]schema.Record{"search": {"q": "write"}},
		OutputByFunction: map[string][]schema.Record{"search": {
			{"id": int64(2), "score": 0.5},
			{"id": int64(1), "score": 0.9},
		}},
		OutputSchemas: map[string]schema.Function{"search": {
			Input:  schema.Object{"q": {TypeName: schema.TypeString}},
			Output: schema.Object{"id": {TypeName: schema.TypeNumber}, "score": {TypeName: schema.TypeNumber}},
		}},
		BoundValues: codec.ToPositionalMap([]any{"write"}),
	})
	require.NoError(t, err)
	assert.Equal(t, []schema.Record{
		{"title": "write parser", "score": 0.9},
		{"title": "write executor", "score": 0.5},
	}, records)
}

func TestExecuteRelationsAreDiscarded(t *testing.T) {
	e, tables := setup(t)
	opts := Options{
		TableSchemas:     tables,
		OutputByFunction: map[string][]schema.Record{"test": {{"testerEcho": false}}},
		OutputSchemas:    map[string]schema.Function{"test": testerSchema},
	}
	for i := 0; i < 2; i++ {
		stmt := parse(t, "SELECT testerEcho FROM test()", sqlparse.Scope{})
		records, err := e.Execute(context.Background(), stmt, opts)
		require.NoError(t, err, "run %d", i)
		assert.Equal(t, []schema.Record{{"testerEcho": false}}, records)
	}
}

func TestExecuteVirtualTable(t *testing.T) {
	e, tables := setup(t)
	stmt := parse(t, "SELECT name FROM feed WHERE n > $1 ORDER BY n", sqlparse.Scope{})

	records, err := e.Execute(context.Background(), stmt, Options{
		TableSchemas: tables,
		VirtualTableRecords: map[string][]schema.Record{"feed": {
			{"name": "a", "n": int64(1)},
			{"name": "b", "n": int64(2)},
			{"name": "c", "n": int64(3)},
		}},
		BoundValues: codec.ToPositionalMap([]any{int64(1)}),
	})
	require.NoError(t, err)
	assert.Equal(t, []schema.Record{{"name": "b"}, {"name": "c"}}, records)
}

func TestExecuteBindsTypedValues(t *testing.T) {
	e, tables := setup(t)
	stmt := parse(t, "SELECT title FROM tasks WHERE done = $1", sqlparse.Scope{})

	records, err := e.Execute(context.Background(), stmt, Options{
		TableSchemas: tables,
		BoundValues:  codec.ToPositionalMap([]any{true}),
	})
	require.NoError(t, err)
	assert.Equal(t, []schema.Record{{"title": "write parser"}}, records)
}

func TestExecuteInsertReturning(t *testing.T) {
	e, tables := setup(t)
	stmt := parse(t, "INSERT INTO self (id, title, done) VALUES ($1, $2, $3) RETURNING *",
		sqlparse.Scope{Table: "tasks"})

	records, err := e.Execute(context.Background(), stmt, Options{
		TableSchemas: tables,
		BoundValues:  codec.ToPositionalMap([]any{int64(3), "ship it", true}),
	})
	require.NoError(t, err)
	assert.Equal(t, []schema.Record{{"id": int64(3), "title": "ship it", "done": true}}, records)
}

func TestExecuteUpdateReportsChanges(t *testing.T) {
	e, tables := setup(t)
	records, err := e.Execute(context.Background(),
		parse(t, "UPDATE tasks SET done = false", sqlparse.Scope{}),
		Options{TableSchemas: tables})
	require.NoError(t, err)
	assert.Equal(t, []schema.Record{{"changes": int64(2)}}, records)

	after, err := e.Execute(context.Background(),
		parse(t, "SELECT count(*) AS n FROM tasks WHERE done = false", sqlparse.Scope{}),
		Options{TableSchemas: tables})
	require.NoError(t, err)
	assert.Equal(t, []schema.Record{{"n": int64(2)}}, after)
}

func TestExecuteErrors(t *testing.T) {
	e, tables := setup(t)
	virtual := map[string][]schema.Record{"feed": {{"n": int64(1)}}}

	tests := []struct {
		name  string
		sql   string
		opts  Options
		check func(error) bool
	}{
		{"unknown table", "SELECT * FROM secrets", Options{TableSchemas: tables}, apierr.IsUnauthorizedTable},
		{"catalog is not addressable", "SELECT * FROM _table_schemas", Options{TableSchemas: tables}, apierr.IsUnauthorizedTable},
		{"unresolved table sentinel", "SELECT * FROM self", Options{TableSchemas: tables}, apierr.IsDatastoreNotFound},
		{"unresolved function sentinel", "SELECT * FROM self(a => 1)", Options{}, apierr.IsDatastoreNotFound},
		{"unknown function", "SELECT * FROM other(a => 1)", Options{}, apierr.IsUnauthorizedFunction},
		{"delete from virtual", "DELETE FROM feed", Options{VirtualTableRecords: virtual}, apierr.IsInvalidSQLCommand},
		{"missing bound value", "SELECT * FROM tasks WHERE id = $2", Options{TableSchemas: tables, BoundValues: codec.ToPositionalMap([]any{1})}, apierr.IsMissingBoundValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Execute(context.Background(), parse(t, tt.sql, sqlparse.Scope{}), tt.opts)
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
}

func TestQueryTable(t *testing.T) {
	e, _ := setup(t)
	ctx := context.Background()

	records, err := e.QueryTable(ctx, tasksTable(), schema.Record{"done": true}, 0)
	require.NoError(t, err)
	assert.Equal(t, []schema.Record{{"id": int64(1), "title": "write parser", "done": true}}, records)

	all, err := e.QueryTable(ctx, tasksTable(), nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = e.QueryTable(ctx, tasksTable(), schema.Record{"nope": 1}, 0)
	assert.True(t, apierr.IsSchemaValidation(err), "got %v", err)
}

func TestQueryTableIsCapped(t *testing.T) {
	e, _ := setup(t, WithMaxRows(1))
	records, err := e.QueryTable(context.Background(), tasksTable(), nil, 50)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

// Package querysql compiles queryir queries to parameterized SQLite SQL.
//
// Values are always bound as ? parameters, identifiers are always quoted,
// and every query orders by rowid and carries a LIMIT.
package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/datastore/internal/queryir"
	"github.com/roach88/datastore/internal/sqlparse"
)

// DefaultMaxRows caps every compiled select.
const DefaultMaxRows = 1000

// SQLCompiler compiles queryir queries against persisted tables.
type SQLCompiler struct {
	// BoundValues resolves BoundEquals keys.
	BoundValues map[string]any

	// MaxRows overrides DefaultMaxRows when positive. Select limits above
	// it are lowered to it.
	MaxRows int
}

// NewSQLCompiler creates a compiler with the default row cap.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{BoundValues: make(map[string]any)}
}

func (c *SQLCompiler) maxRows() int {
	if c.MaxRows > 0 {
		return c.MaxRows
	}
	return DefaultMaxRows
}

// Compile returns the SQL text and its parameters in order.
func (c *SQLCompiler) Compile(q queryir.Query) (string, []any, error) {
	switch q := q.(type) {
	case queryir.Select:
		return c.compileSelect(q)
	case *queryir.Select:
		return c.compileSelect(*q)
	case nil:
		return "", nil, fmt.Errorf("cannot compile nil query")
	default:
		return "", nil, fmt.Errorf("unsupported query type: %T", q)
	}
}

func (c *SQLCompiler) compileSelect(q queryir.Select) (string, []any, error) {
	if q.From == "" {
		return "", nil, fmt.Errorf("select has no table")
	}

	cols := "*"
	if len(q.Columns) > 0 {
		quoted := make([]string, len(q.Columns))
		for i, col := range q.Columns {
			quoted[i] = sqlparse.QuoteIdent(col)
		}
		cols = strings.Join(quoted, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM main.%s", cols, sqlparse.QuoteIdent(q.From))

	var params []any
	if q.Filter != nil {
		where, filterParams, err := c.compilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		if where != "" {
			b.WriteString(" WHERE ")
			b.WriteString(where)
		}
		params = filterParams
	}

	limit := q.Limit
	if limit <= 0 || limit > c.maxRows() {
		limit = c.maxRows()
	}
	b.WriteString(" ORDER BY rowid LIMIT ?")
	params = append(params, limit)

	return b.String(), params, nil
}

// compilePredicate returns "" for a predicate that is always true.
func (c *SQLCompiler) compilePredicate(p queryir.Predicate) (string, []any, error) {
	switch p := p.(type) {
	case queryir.Equals:
		return c.compileEquals(p.Field, p.Value)
	case *queryir.Equals:
		return c.compileEquals(p.Field, p.Value)
	case queryir.BoundEquals:
		return c.compileBoundEquals(p)
	case *queryir.BoundEquals:
		return c.compileBoundEquals(*p)
	case queryir.And:
		return c.compileAnd(p)
	case *queryir.And:
		return c.compileAnd(*p)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// compileEquals maps a nil value to IS NULL, since = NULL never matches.
func (c *SQLCompiler) compileEquals(field string, value any) (string, []any, error) {
	if value == nil {
		return sqlparse.QuoteIdent(field) + " IS NULL", nil, nil
	}
	switch value.(type) {
	case map[string]any, []any:
		return "", nil, fmt.Errorf("field %s: compare encoded JSON text, not %T", field, value)
	}
	return sqlparse.QuoteIdent(field) + " = ?", []any{value}, nil
}

func (c *SQLCompiler) compileBoundEquals(beq queryir.BoundEquals) (string, []any, error) {
	val, ok := c.BoundValues[beq.Key]
	if !ok {
		return "", nil, fmt.Errorf("no bound value for %q", beq.Key)
	}
	return c.compileEquals(beq.Field, val)
}

func (c *SQLCompiler) compileAnd(and queryir.And) (string, []any, error) {
	var (
		parts  []string
		params []any
	)
	for _, pred := range and.Predicates {
		sql, ps, err := c.compilePredicate(pred)
		if err != nil {
			return "", nil, err
		}
		if sql == "" {
			continue
		}
		parts = append(parts, sql)
		params = append(params, ps...)
	}
	return strings.Join(parts, " AND "), params, nil
}

// Package sqlparse parses the restricted SQL dialect clients send to a
// datastore, rewrites the self sentinel to the caller's scope, and renders
// statements back to SQL for display or for the embedded storage engine.
//
// Runners and crawlers appear in queries as table-valued calls with named
// arguments:
//
//	SELECT * FROM self(tester => true)
//	SELECT r.name FROM search(q => $1) r JOIN cache c ON c.id = r.id
//
// A Statement is immutable once Parse returns.
package sqlparse

import (
	"slices"

	"github.com/roach88/datastore/internal/apierr"
)

// Sentinel is the placeholder name that refers to the caller's own
// table or function.
const Sentinel = "self"

// Scope names what the sentinel resolves to.
type Scope struct {
	// Table replaces self in table references and DML targets.
	Table string

	// Function replaces self in table-valued function calls.
	Function string

	// Rename maps table names to replacement names after sentinel
	// resolution. Function names are never renamed.
	Rename map[string]string
}

// Statement is a parsed, scope-rewritten SQL statement.
type Statement struct {
	Command Command

	source    string
	scope     Scope
	tables    []string
	functions []string
	calls     []*FunctionRef
	maxParam  int
}

// Parse parses exactly one statement. Any lexical or syntactic failure,
// including a second statement, is a MalformedSQL error carrying sql.
func Parse(sql string, scope Scope) (*Statement, error) {
	toks, err := tokenize(sql)
	if err != nil {
		return nil, malformed(sql, err)
	}
	p := &parser{toks: toks, scope: scope}
	cmd, err := p.parseStatement()
	if err != nil {
		return nil, malformed(sql, err)
	}
	p.resolveSelfQualifiers()
	return &Statement{
		Command:   cmd,
		source:    sql,
		scope:     scope,
		tables:    p.tables,
		functions: p.functions,
		calls:     p.calls,
		maxParam:  p.maxParam,
	}, nil
}

func malformed(sql string, err error) error {
	if pe, ok := err.(*ParseError); ok {
		return apierr.NewMalformedSQL(sql, pe.Line, pe.Col, pe.Message)
	}
	return apierr.NewMalformedSQL(sql, 0, 0, err.Error())
}

// CommandType returns the statement classification.
func (s *Statement) CommandType() Kind {
	return s.Command.Kind()
}

// HasReturn reports whether an INSERT or UPDATE carries RETURNING.
// DELETE ... RETURNING parses but reports false.
func (s *Statement) HasReturn() bool {
	switch c := s.Command.(type) {
	case *Insert:
		return len(c.Returning) > 0
	case *Update:
		return len(c.Returning) > 0
	}
	return false
}

// TableNames returns the distinct relation names referenced, including DML
// targets, in first-seen order and after rewriting.
func (s *Statement) TableNames() []string {
	return slices.Clone(s.tables)
}

// FunctionNames returns the distinct table-valued function names called, in
// first-seen order and after rewriting.
func (s *Statement) FunctionNames() []string {
	return slices.Clone(s.functions)
}

// FunctionCalls returns every table-valued call in source order. The same
// function may appear more than once.
func (s *Statement) FunctionCalls() []*FunctionRef {
	return slices.Clone(s.calls)
}

// MaxParam returns the highest $N index referenced, or 0.
func (s *Statement) MaxParam() int {
	return s.maxParam
}

// Source returns the SQL text Parse was given.
func (s *Statement) Source() string {
	return s.source
}

// Scope returns the scope the statement was parsed with.
func (s *Statement) Scope() Scope {
	return s.scope
}

// SQL renders the rewritten statement. Parsing the result with an empty
// scope yields an equivalent statement.
func (s *Statement) SQL() string {
	w := &writer{}
	w.command(s.Command)
	return w.String()
}

// StorageSQL renders the statement for the embedded SQLite engine.
//
// Persisted tables are qualified with the main schema, relations named in
// virtual and every function call with the temp schema. $N becomes ?N and
// booleans become 1 and 0.
func (s *Statement) StorageSQL(virtual map[string]bool) string {
	w := &writer{storage: true, virtual: virtual}
	w.command(s.Command)
	return w.String()
}

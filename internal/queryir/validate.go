package queryir

import (
	"fmt"
	"sort"
)

// Validate checks q against the columns that exist in its table. Every
// problem is reported, one message per problem.
func Validate(q Query, columns map[string]bool) []string {
	v := &validator{columns: columns}
	v.query(q)
	return v.problems
}

type validator struct {
	columns  map[string]bool
	problems []string
}

func (v *validator) addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) query(q Query) {
	switch q := q.(type) {
	case Select:
		v.selectQuery(q)
	case *Select:
		v.selectQuery(*q)
	case nil:
		v.addf("query is nil")
	default:
		v.addf("unknown query type %T", q)
	}
}

func (v *validator) selectQuery(s Select) {
	if s.From == "" {
		v.addf("select has no table")
	}
	if s.Limit < 0 {
		v.addf("limit %d is negative", s.Limit)
	}
	for _, c := range s.Columns {
		v.field(c)
	}
	if s.Filter != nil {
		v.predicate(s.Filter)
	}
}

func (v *validator) predicate(p Predicate) {
	switch p := p.(type) {
	case Equals:
		v.field(p.Field)
	case *Equals:
		v.field(p.Field)
	case BoundEquals:
		v.field(p.Field)
	case *BoundEquals:
		v.field(p.Field)
	case And:
		for _, sub := range p.Predicates {
			v.predicate(sub)
		}
	case *And:
		for _, sub := range p.Predicates {
			v.predicate(sub)
		}
	default:
		v.addf("unknown predicate type %T", p)
	}
}

func (v *validator) field(name string) {
	if v.columns != nil && !v.columns[name] {
		v.addf("unknown column %q", name)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

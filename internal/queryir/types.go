package queryir

import "sort"

// Query is a table access. Sealed.
type Query interface {
	queryNode()
}

// Predicate is a row filter. Sealed.
type Predicate interface {
	predicateNode()
}

// Select reads Columns of From, filtered and capped at Limit rows.
//
//	SELECT <columns> FROM <from> WHERE <filter> ORDER BY rowid LIMIT <limit>
//
// Empty Columns selects every column. A Limit of zero means the backend's
// maximum.
type Select struct {
	From    string
	Columns []string
	Filter  Predicate
	Limit   int
}

func (Select) queryNode() {}

// Equals matches rows whose Field equals a literal value. Value holds the
// storage encoding, as produced by codec.ToStorageValue.
type Equals struct {
	Field string
	Value any
}

func (Equals) predicateNode() {}

// BoundEquals matches rows whose Field equals the bound value under Key,
// resolved at compile time.
type BoundEquals struct {
	Field string
	Key   string
}

func (BoundEquals) predicateNode() {}

// And holds when every predicate holds. An empty And is always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// EqualsAll builds the conjunction of Field = value for each entry, with
// fields in sorted order so compiled SQL is deterministic.
func EqualsAll(values map[string]any) And {
	and := And{Predicates: make([]Predicate, 0, len(values))}
	for _, field := range sortedKeys(values) {
		and.Predicates = append(and.Predicates, Equals{Field: field, Value: values[field]})
	}
	return and
}

// BoundEqualsAll builds the conjunction of Field = :Field for each field,
// in sorted order. Each field is also its bound value key.
func BoundEqualsAll(fields []string) And {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	and := And{Predicates: make([]Predicate, 0, len(sorted))}
	for _, field := range sorted {
		and.Predicates = append(and.Predicates, BoundEquals{Field: field, Key: field})
	}
	return and
}

// Package queryir is the filter representation behind table lookups that
// do not need the SQL parser: a stream request naming a table with an
// input object of column values becomes
//
//	Select{From: "tasks", Columns: []string{"id", "done", "owner"}, Filter: BoundEqualsAll([]string{"done", "owner"})}
//
// with the encoded input values bound by field name at compile time.
//
// Backends compile it to their own query language. The SQLite backend is
// internal/querysql.
//
// Query and Predicate are sealed interfaces using the marker method
// pattern, so backends can switch exhaustively:
//
//	switch p := pred.(type) {
//	case Equals:
//	case BoundEquals:
//	case And:
//	}
//
// The fragment is deliberately small. No OR, no joins, no aggregates and
// every select carries a row limit.
package queryir

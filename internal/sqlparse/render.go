package sqlparse

import (
	"fmt"
	"regexp"
	"strings"
)

// writer renders AST nodes back to SQL text.
type writer struct {
	b       strings.Builder
	storage bool
	virtual map[string]bool
}

func (w *writer) String() string { return w.b.String() }

func (w *writer) write(parts ...string) {
	for _, s := range parts {
		w.b.WriteString(s)
	}
}

var bareIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// QuoteIdent double-quotes name, doubling embedded quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (w *writer) ident(name string) {
	if !w.storage && bareIdent.MatchString(name) && !isReserved(name) {
		w.write(name)
		return
	}
	w.write(QuoteIdent(name))
}

func (w *writer) command(c Command) {
	switch c := c.(type) {
	case *Select:
		w.selectStmt(c)
	case *Insert:
		w.insert(c)
	case *Update:
		w.update(c)
	case *Delete:
		w.delete(c)
	}
}

func (w *writer) selectStmt(s *Select) {
	w.write("SELECT ")
	if s.Distinct {
		w.write("DISTINCT ")
	}
	w.selectItems(s.Columns)
	if len(s.From) > 0 {
		w.write(" FROM ")
		for i, item := range s.From {
			if i > 0 {
				w.write(", ")
			}
			w.tableExpr(item)
		}
	}
	if s.Where != nil {
		w.write(" WHERE ")
		w.expr(s.Where)
	}
	if len(s.GroupBy) > 0 {
		w.write(" GROUP BY ")
		w.exprList(s.GroupBy)
	}
	if s.Having != nil {
		w.write(" HAVING ")
		w.expr(s.Having)
	}
	if len(s.OrderBy) > 0 {
		w.write(" ORDER BY ")
		for i, o := range s.OrderBy {
			if i > 0 {
				w.write(", ")
			}
			w.expr(o.Expr)
			if o.Desc {
				w.write(" DESC")
			}
		}
	}
	if s.Limit != nil {
		w.write(" LIMIT ")
		w.expr(s.Limit)
	}
	if s.Offset != nil {
		if s.Limit == nil {
			w.write(" LIMIT -1")
		}
		w.write(" OFFSET ")
		w.expr(s.Offset)
	}
}

func (w *writer) selectItems(items []SelectItem) {
	for i, item := range items {
		if i > 0 {
			w.write(", ")
		}
		w.expr(item.Expr)
		if item.Alias != "" {
			w.write(" AS ")
			w.ident(item.Alias)
		}
	}
}

func (w *writer) alias(a string) {
	if a != "" {
		w.write(" AS ")
		w.ident(a)
	}
}

// relation renders a table name, schema-qualified in storage mode.
func (w *writer) relation(name string) {
	if w.storage {
		if w.virtual[name] {
			w.write("temp.")
		} else {
			w.write("main.")
		}
	}
	w.ident(name)
}

func (w *writer) tableExpr(t TableExpr) {
	switch t := t.(type) {
	case *TableRef:
		w.relation(t.Name)
		w.alias(t.Alias)
	case *FunctionRef:
		if w.storage {
			w.write("temp.")
			w.ident(t.Name)
			w.alias(t.Alias)
			return
		}
		w.ident(t.Name)
		w.write("(")
		for i, a := range t.Args {
			if i > 0 {
				w.write(", ")
			}
			w.ident(a.Name)
			w.write(" => ")
			w.expr(a.Value)
		}
		w.write(")")
		w.alias(t.Alias)
	case *SubqueryRef:
		w.write("(")
		w.selectStmt(t.Query)
		w.write(")")
		w.alias(t.Alias)
	case *Join:
		w.tableExpr(t.Left)
		w.write(" ", string(t.Kind), " ")
		w.tableExpr(t.Right)
		if t.On != nil {
			w.write(" ON ")
			w.expr(t.On)
		}
	}
}

func (w *writer) insert(ins *Insert) {
	w.write("INSERT INTO ")
	w.relation(ins.Table)
	if len(ins.Columns) > 0 {
		w.write(" (")
		for i, c := range ins.Columns {
			if i > 0 {
				w.write(", ")
			}
			w.ident(c)
		}
		w.write(")")
	}
	if ins.Query != nil {
		w.write(" ")
		w.selectStmt(ins.Query)
	} else {
		w.write(" VALUES ")
		for i, row := range ins.Rows {
			if i > 0 {
				w.write(", ")
			}
			w.write("(")
			w.exprList(row)
			w.write(")")
		}
	}
	w.returning(ins.Returning)
}

func (w *writer) update(up *Update) {
	w.write("UPDATE ")
	w.relation(up.Table)
	w.write(" SET ")
	for i, a := range up.Set {
		if i > 0 {
			w.write(", ")
		}
		w.ident(a.Column)
		w.write(" = ")
		w.expr(a.Value)
	}
	if up.Where != nil {
		w.write(" WHERE ")
		w.expr(up.Where)
	}
	w.returning(up.Returning)
}

func (w *writer) delete(del *Delete) {
	w.write("DELETE FROM ")
	w.relation(del.Table)
	if del.Where != nil {
		w.write(" WHERE ")
		w.expr(del.Where)
	}
	w.returning(del.Returning)
}

func (w *writer) returning(items []SelectItem) {
	if len(items) > 0 {
		w.write(" RETURNING ")
		w.selectItems(items)
	}
}

func (w *writer) exprList(list []Expr) {
	for i, e := range list {
		if i > 0 {
			w.write(", ")
		}
		w.expr(e)
	}
}

func (w *writer) expr(e Expr) {
	switch e := e.(type) {
	case *StringLit:
		w.write("'", strings.ReplaceAll(e.Value, "'", "''"), "'")
	case *NumberLit:
		w.write(e.Text)
	case *BoolLit:
		switch {
		case w.storage && e.Value:
			w.write("1")
		case w.storage:
			w.write("0")
		case e.Value:
			w.write("true")
		default:
			w.write("false")
		}
	case *NullLit:
		w.write("NULL")
	case *Param:
		if w.storage {
			w.write(fmt.Sprintf("?%d", e.Index))
		} else {
			w.write(fmt.Sprintf("$%d", e.Index))
		}
	case *ColumnRef:
		if e.Table != "" {
			w.ident(e.Table)
			w.write(".")
		}
		w.ident(e.Column)
	case *Star:
		if e.Table != "" {
			w.ident(e.Table)
			w.write(".")
		}
		w.write("*")
	case *Binary:
		w.expr(e.Left)
		w.write(" ", e.Op, " ")
		w.expr(e.Right)
	case *Unary:
		switch inner, nested := e.Expr.(*Unary); {
		case e.Op == "NOT":
			w.write("NOT ")
		case nested && inner.Op != "NOT":
			// keep "- -x" from lexing as a line comment
			w.write(e.Op, " ")
		default:
			w.write(e.Op)
		}
		w.expr(e.Expr)
	case *Paren:
		w.write("(")
		w.expr(e.Expr)
		w.write(")")
	case *IsNull:
		w.expr(e.Expr)
		if e.Not {
			w.write(" IS NOT NULL")
		} else {
			w.write(" IS NULL")
		}
	case *In:
		w.expr(e.Expr)
		w.write(not(e.Not), " IN (")
		if e.Query != nil {
			w.selectStmt(e.Query)
		} else {
			w.exprList(e.List)
		}
		w.write(")")
	case *Like:
		w.expr(e.Expr)
		w.write(not(e.Not), " LIKE ")
		w.expr(e.Pattern)
		if e.Escape != nil {
			w.write(" ESCAPE ")
			w.expr(e.Escape)
		}
	case *Between:
		w.expr(e.Expr)
		w.write(not(e.Not), " BETWEEN ")
		w.expr(e.Low)
		w.write(" AND ")
		w.expr(e.High)
	case *Call:
		if bareIdent.MatchString(e.Name) {
			w.write(e.Name)
		} else {
			w.write(QuoteIdent(e.Name))
		}
		w.write("(")
		switch {
		case e.Star:
			w.write("*")
		default:
			if e.Distinct {
				w.write("DISTINCT ")
			}
			w.exprList(e.Args)
		}
		w.write(")")
	case *Cast:
		w.write("CAST(")
		w.expr(e.Expr)
		w.write(" AS ", e.Type, ")")
	case *Case:
		w.write("CASE")
		if e.Operand != nil {
			w.write(" ")
			w.expr(e.Operand)
		}
		for _, wh := range e.Whens {
			w.write(" WHEN ")
			w.expr(wh.Cond)
			w.write(" THEN ")
			w.expr(wh.Result)
		}
		if e.Else != nil {
			w.write(" ELSE ")
			w.expr(e.Else)
		}
		w.write(" END")
	case *Exists:
		if e.Not {
			w.write("NOT ")
		}
		w.write("EXISTS (")
		w.selectStmt(e.Query)
		w.write(")")
	case *Subquery:
		w.write("(")
		w.selectStmt(e.Query)
		w.write(")")
	}
}

func not(b bool) string {
	if b {
		return " NOT"
	}
	return ""
}

// ExprSQL renders a single expression in canonical form.
func ExprSQL(e Expr) string {
	w := &writer{}
	w.expr(e)
	return w.String()
}

package sqlparse

import (
	"fmt"
	"strconv"
	"strings"
)

// parser is a recursive-descent parser over a token slice.
//
// Sentinel rewriting happens as references are built, so the AST never
// contains self when the scope supplies a replacement.
type parser struct {
	toks  []Token
	pos   int
	scope Scope

	tables    []string
	functions []string
	calls     []*FunctionRef
	maxParam  int

	// selfQualifiers point at column qualifiers spelled self. They take
	// selfTarget once an unaliased relation has replaced the sentinel.
	selfQualifiers []*string
	selfTarget     string
}

func (p *parser) cur() Token  { return p.toks[p.pos] }
func (p *parser) peek() Token { return p.peekN(1) }

func (p *parser) peekN(n int) Token {
	if p.pos+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+n]
}

func (p *parser) advance() Token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t Token, format string, args ...any) error {
	return &ParseError{Line: t.Line, Col: t.Col, Message: fmt.Sprintf(format, args...)}
}

func (p *parser) unexpected(want string) error {
	t := p.cur()
	return p.errorf(t, "expected %s, found %s", want, t)
}

// isKW reports whether t is the bare keyword kw.
func isKW(t Token, kw string) bool {
	return t.Kind == TokIdent && strings.EqualFold(t.Text, kw)
}

func (p *parser) atKW(kw string) bool { return isKW(p.cur(), kw) }

func (p *parser) acceptKW(kw string) bool {
	if p.atKW(kw) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expectKW(kw string) error {
	if !p.acceptKW(kw) {
		return p.unexpected(kw)
	}
	return nil
}

func (p *parser) atOp(op string) bool {
	t := p.cur()
	return t.Kind == TokOp && t.Text == op
}

func (p *parser) acceptOp(op string) bool {
	if p.atOp(op) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expectOp(op string) error {
	if !p.acceptOp(op) {
		return p.unexpected(fmt.Sprintf("%q", op))
	}
	return nil
}

// ident consumes an identifier that is not a reserved word.
func (p *parser) ident(what string) (string, error) {
	t := p.cur()
	switch {
	case t.Kind == TokQuotedIdent:
		p.advance()
		return t.Text, nil
	case t.Kind == TokIdent && !isReserved(t.Text):
		p.advance()
		return t.Text, nil
	}
	return "", p.unexpected(what)
}

func (p *parser) atIdent() bool {
	t := p.cur()
	return t.Kind == TokQuotedIdent || t.Kind == TokIdent && !isReserved(t.Text)
}

func addUnique(list []string, name string) []string {
	for _, n := range list {
		if n == name {
			return list
		}
	}
	return append(list, name)
}

func (p *parser) tableName(name string) string {
	if name == Sentinel && p.scope.Table != "" {
		name = p.scope.Table
	}
	if r, ok := p.scope.Rename[name]; ok {
		name = r
	}
	p.tables = addUnique(p.tables, name)
	return name
}

func (p *parser) functionName(name string) string {
	if name == Sentinel && p.scope.Function != "" {
		name = p.scope.Function
	}
	p.functions = addUnique(p.functions, name)
	return name
}

// claimSentinel records that the relation written as name is now known
// as rewritten.
func (p *parser) claimSentinel(name, rewritten, alias string) {
	if name == Sentinel && rewritten != Sentinel && alias == "" && p.selfTarget == "" {
		p.selfTarget = rewritten
	}
}

func (p *parser) resolveSelfQualifiers() {
	if p.selfTarget == "" {
		return
	}
	for _, q := range p.selfQualifiers {
		*q = p.selfTarget
	}
}

func (p *parser) parseStatement() (Command, error) {
	var (
		cmd Command
		err error
	)
	t := p.cur()
	switch {
	case isKW(t, "SELECT"):
		cmd, err = p.parseSelect()
	case isKW(t, "INSERT"):
		cmd, err = p.parseInsert()
	case isKW(t, "UPDATE"):
		cmd, err = p.parseUpdate()
	case isKW(t, "DELETE"):
		cmd, err = p.parseDelete()
	case t.Kind == TokEOF:
		return nil, p.errorf(t, "empty statement")
	default:
		return nil, p.errorf(t, "expected SELECT, INSERT, UPDATE or DELETE, found %s", t)
	}
	if err != nil {
		return nil, err
	}
	p.acceptOp(";")
	if t := p.cur(); t.Kind != TokEOF {
		if isKW(t, "SELECT") || isKW(t, "INSERT") || isKW(t, "UPDATE") || isKW(t, "DELETE") {
			return nil, p.errorf(t, "multiple statements are not supported")
		}
		return nil, p.errorf(t, "unexpected %s", t)
	}
	return cmd, nil
}

func (p *parser) parseSelect() (*Select, error) {
	if err := p.expectKW("SELECT"); err != nil {
		return nil, err
	}
	s := &Select{}
	if p.acceptKW("DISTINCT") {
		s.Distinct = true
	} else {
		p.acceptKW("ALL")
	}

	cols, err := p.parseSelectItems()
	if err != nil {
		return nil, err
	}
	s.Columns = cols

	if p.acceptKW("FROM") {
		for {
			item, err := p.parseJoinChain()
			if err != nil {
				return nil, err
			}
			s.From = append(s.From, item)
			if !p.acceptOp(",") {
				break
			}
		}
	}
	if p.acceptKW("WHERE") {
		if s.Where, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if p.acceptKW("GROUP") {
		if err := p.expectKW("BY"); err != nil {
			return nil, err
		}
		if s.GroupBy, err = p.parseExprList(); err != nil {
			return nil, err
		}
	}
	if p.acceptKW("HAVING") {
		if s.Having, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if p.acceptKW("ORDER") {
		if err := p.expectKW("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			item := OrderItem{Expr: e}
			if p.acceptKW("DESC") {
				item.Desc = true
			} else {
				p.acceptKW("ASC")
			}
			s.OrderBy = append(s.OrderBy, item)
			if !p.acceptOp(",") {
				break
			}
		}
	}
	if p.acceptKW("LIMIT") {
		if s.Limit, err = p.parseExpr(); err != nil {
			return nil, err
		}
		if p.acceptKW("OFFSET") {
			if s.Offset, err = p.parseExpr(); err != nil {
				return nil, err
			}
		} else if p.acceptOp(",") {
			// LIMIT offset, count
			count, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			s.Offset, s.Limit = s.Limit, count
		}
	}
	if t := p.cur(); isKW(t, "UNION") || isKW(t, "INTERSECT") || isKW(t, "EXCEPT") {
		return nil, p.errorf(t, "compound SELECT is not supported")
	}
	return s, nil
}

func (p *parser) parseSelectItems() ([]SelectItem, error) {
	var items []SelectItem
	for {
		var item SelectItem
		if p.acceptOp("*") {
			item.Expr = &Star{}
		} else {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			item.Expr = e
			if _, isStar := e.(*Star); !isStar {
				alias, err := p.parseAlias()
				if err != nil {
					return nil, err
				}
				item.Alias = alias
			}
		}
		items = append(items, item)
		if !p.acceptOp(",") {
			return items, nil
		}
	}
}

// parseAlias reads [AS] alias. An implicit alias must not be a reserved word.
func (p *parser) parseAlias() (string, error) {
	if p.acceptKW("AS") {
		return p.ident("alias")
	}
	if p.atIdent() {
		return p.ident("alias")
	}
	return "", nil
}

func (p *parser) parseJoinChain() (TableExpr, error) {
	left, err := p.parseTablePrimary()
	if err != nil {
		return nil, err
	}
	for {
		var kind JoinKind
		switch {
		case p.acceptKW("JOIN"):
			kind = JoinInner
		case p.atKW("INNER"):
			p.advance()
			if err := p.expectKW("JOIN"); err != nil {
				return nil, err
			}
			kind = JoinInner
		case p.atKW("LEFT"):
			p.advance()
			p.acceptKW("OUTER")
			if err := p.expectKW("JOIN"); err != nil {
				return nil, err
			}
			kind = JoinLeft
		case p.atKW("CROSS"):
			p.advance()
			if err := p.expectKW("JOIN"); err != nil {
				return nil, err
			}
			kind = JoinCross
		case p.atKW("RIGHT") || p.atKW("FULL"):
			return nil, p.errorf(p.cur(), "%s JOIN is not supported", strings.ToUpper(p.cur().Text))
		default:
			return left, nil
		}

		right, err := p.parseTablePrimary()
		if err != nil {
			return nil, err
		}
		j := &Join{Kind: kind, Left: left, Right: right}
		if kind != JoinCross && p.acceptKW("ON") {
			if j.On, err = p.parseExpr(); err != nil {
				return nil, err
			}
		}
		left = j
	}
}

func (p *parser) parseTablePrimary() (TableExpr, error) {
	if p.atOp("(") {
		open := p.advance()
		if !p.atKW("SELECT") {
			return nil, p.errorf(open, "expected subquery after (")
		}
		q, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		if err := p.expectOp(")"); err != nil {
			return nil, err
		}
		alias, err := p.parseAlias()
		if err != nil {
			return nil, err
		}
		return &SubqueryRef{Query: q, Alias: alias}, nil
	}

	start := p.cur()
	name, err := p.ident("table name")
	if err != nil {
		return nil, err
	}
	if p.atOp(".") {
		return nil, p.errorf(start, "qualified table names are not supported")
	}

	if p.atOp("(") {
		fn, err := p.parseFunctionArgs()
		if err != nil {
			return nil, err
		}
		fn.Name = p.functionName(name)
		if fn.Alias, err = p.parseAlias(); err != nil {
			return nil, err
		}
		p.claimSentinel(name, fn.Name, fn.Alias)
		p.calls = append(p.calls, fn)
		return fn, nil
	}

	ref := &TableRef{Name: p.tableName(name)}
	if ref.Alias, err = p.parseAlias(); err != nil {
		return nil, err
	}
	p.claimSentinel(name, ref.Name, ref.Alias)
	return ref, nil
}

// parseFunctionArgs reads (name => value, ...).
func (p *parser) parseFunctionArgs() (*FunctionRef, error) {
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	fn := &FunctionRef{}
	if p.acceptOp(")") {
		return fn, nil
	}
	for {
		argTok := p.cur()
		if !p.atIdent() || !(p.peek().Kind == TokOp && p.peek().Text == "=>") {
			return nil, p.errorf(argTok, "table function arguments must be named (name => value)")
		}
		name, _ := p.ident("argument name")
		p.advance()
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		for _, a := range fn.Args {
			if a.Name == name {
				return nil, p.errorf(argTok, "duplicate argument %q", name)
			}
		}
		fn.Args = append(fn.Args, NamedArg{Name: name, Value: val})
		if p.acceptOp(")") {
			return fn, nil
		}
		if err := p.expectOp(","); err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseInsert() (*Insert, error) {
	p.advance()
	if err := p.expectKW("INTO"); err != nil {
		return nil, err
	}
	name, err := p.ident("table name")
	if err != nil {
		return nil, err
	}
	ins := &Insert{Table: p.tableName(name)}
	p.claimSentinel(name, ins.Table, "")

	if p.acceptOp("(") {
		for {
			col, err := p.ident("column name")
			if err != nil {
				return nil, err
			}
			ins.Columns = append(ins.Columns, col)
			if p.acceptOp(")") {
				break
			}
			if err := p.expectOp(","); err != nil {
				return nil, err
			}
		}
	}

	switch {
	case p.acceptKW("VALUES"):
		for {
			if err := p.expectOp("("); err != nil {
				return nil, err
			}
			row, err := p.parseExprList()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			if len(ins.Columns) > 0 && len(row) != len(ins.Columns) {
				return nil, p.errorf(p.cur(), "VALUES row has %d values for %d columns", len(row), len(ins.Columns))
			}
			ins.Rows = append(ins.Rows, row)
			if !p.acceptOp(",") {
				break
			}
		}
	case p.atKW("SELECT"):
		if ins.Query, err = p.parseSelect(); err != nil {
			return nil, err
		}
	default:
		return nil, p.unexpected("VALUES or SELECT")
	}

	if ins.Returning, err = p.parseReturning(); err != nil {
		return nil, err
	}
	return ins, nil
}

func (p *parser) parseUpdate() (*Update, error) {
	p.advance()
	name, err := p.ident("table name")
	if err != nil {
		return nil, err
	}
	up := &Update{Table: p.tableName(name)}
	p.claimSentinel(name, up.Table, "")
	if err := p.expectKW("SET"); err != nil {
		return nil, err
	}
	for {
		col, err := p.ident("column name")
		if err != nil {
			return nil, err
		}
		if err := p.expectOp("="); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		up.Set = append(up.Set, Assignment{Column: col, Value: val})
		if !p.acceptOp(",") {
			break
		}
	}
	if p.acceptKW("WHERE") {
		if up.Where, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if up.Returning, err = p.parseReturning(); err != nil {
		return nil, err
	}
	return up, nil
}

func (p *parser) parseDelete() (*Delete, error) {
	p.advance()
	if err := p.expectKW("FROM"); err != nil {
		return nil, err
	}
	name, err := p.ident("table name")
	if err != nil {
		return nil, err
	}
	del := &Delete{Table: p.tableName(name)}
	p.claimSentinel(name, del.Table, "")
	if p.acceptKW("WHERE") {
		if del.Where, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if del.Returning, err = p.parseReturning(); err != nil {
		return nil, err
	}
	return del, nil
}

func (p *parser) parseReturning() ([]SelectItem, error) {
	if !p.acceptKW("RETURNING") {
		return nil, nil
	}
	return p.parseSelectItems()
}

func (p *parser) parseExprList() ([]Expr, error) {
	var list []Expr
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		list = append(list, e)
		if !p.acceptOp(",") {
			return list, nil
		}
	}
}

// Expression precedence, lowest first:
// OR, AND, NOT, comparison, + -, * / %, ||, unary.

func (p *parser) parseExpr() (Expr, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptKW("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptKW("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.atKW("NOT") && !isKW(p.peek(), "EXISTS") {
		p.advance()
		e, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "NOT", Expr: e}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[string]string{
	"=": "=", "==": "=", "<>": "<>", "!=": "<>", "<": "<", "<=": "<=", ">": ">", ">=": ">=",
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		t := p.cur()
		if t.Kind == TokOp {
			op, ok := comparisonOps[t.Text]
			if !ok {
				return left, nil
			}
			p.advance()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &Binary{Op: op, Left: left, Right: right}
			continue
		}

		if isKW(t, "IS") {
			p.advance()
			not := p.acceptKW("NOT")
			if p.acceptKW("NULL") {
				left = &IsNull{Expr: left, Not: not}
				continue
			}
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			op := "IS"
			if not {
				op = "IS NOT"
			}
			left = &Binary{Op: op, Left: left, Right: right}
			continue
		}

		not := false
		if isKW(t, "NOT") {
			next := p.peek()
			if !isKW(next, "IN") && !isKW(next, "LIKE") && !isKW(next, "BETWEEN") {
				return left, nil
			}
			p.advance()
			not = true
		}

		switch {
		case p.acceptKW("IN"):
			in := &In{Expr: left, Not: not}
			if err := p.expectOp("("); err != nil {
				return nil, err
			}
			if p.atKW("SELECT") {
				if in.Query, err = p.parseSelect(); err != nil {
					return nil, err
				}
			} else if !p.atOp(")") {
				if in.List, err = p.parseExprList(); err != nil {
					return nil, err
				}
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			left = in
		case p.acceptKW("LIKE"):
			pat, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			like := &Like{Expr: left, Not: not, Pattern: pat}
			if p.acceptKW("ESCAPE") {
				if like.Escape, err = p.parseAdditive(); err != nil {
					return nil, err
				}
			}
			left = like
		case p.acceptKW("BETWEEN"):
			low, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			if err := p.expectKW("AND"); err != nil {
				return nil, err
			}
			high, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &Between{Expr: left, Not: not, Low: low, High: high}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.atOp("+") || p.atOp("-") {
		op := p.advance().Text
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseConcat()
	if err != nil {
		return nil, err
	}
	for p.atOp("*") || p.atOp("/") || p.atOp("%") {
		op := p.advance().Text
		right, err := p.parseConcat()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseConcat() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.acceptOp("||") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "||", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.atOp("-") || p.atOp("+") {
		op := p.advance().Text
		e, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: op, Expr: e}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.cur()
	switch t.Kind {
	case TokNumber:
		p.advance()
		return &NumberLit{Text: t.Text}, nil
	case TokString:
		p.advance()
		return &StringLit{Value: t.Text}, nil
	case TokParam:
		p.advance()
		n, err := strconv.Atoi(t.Text)
		if err != nil || n < 1 {
			return nil, p.errorf(t, "invalid parameter $%s", t.Text)
		}
		if n > p.maxParam {
			p.maxParam = n
		}
		return &Param{Index: n}, nil
	case TokOp:
		switch t.Text {
		case "(":
			p.advance()
			if p.atKW("SELECT") {
				q, err := p.parseSelect()
				if err != nil {
					return nil, err
				}
				if err := p.expectOp(")"); err != nil {
					return nil, err
				}
				return &Subquery{Query: q}, nil
			}
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return &Paren{Expr: e}, nil
		case "*":
			p.advance()
			return &Star{}, nil
		}
		return nil, p.unexpected("expression")
	case TokIdent:
		switch {
		case isKW(t, "NULL"):
			p.advance()
			return &NullLit{}, nil
		case isKW(t, "TRUE"):
			p.advance()
			return &BoolLit{Value: true}, nil
		case isKW(t, "FALSE"):
			p.advance()
			return &BoolLit{Value: false}, nil
		case isKW(t, "NOT") || isKW(t, "EXISTS"):
			return p.parseExists()
		case isKW(t, "CASE"):
			return p.parseCase()
		case isKW(t, "CAST"):
			return p.parseCast()
		case isReserved(t.Text):
			return nil, p.unexpected("expression")
		}
	case TokQuotedIdent:
	default:
		return nil, p.unexpected("expression")
	}

	name, _ := p.ident("identifier")
	if p.atOp("(") {
		return p.parseCall(name)
	}
	if p.acceptOp(".") {
		if p.acceptOp("*") {
			star := &Star{Table: name}
			if name == Sentinel {
				p.selfQualifiers = append(p.selfQualifiers, &star.Table)
			}
			return star, nil
		}
		col, err := p.ident("column name")
		if err != nil {
			return nil, err
		}
		ref := &ColumnRef{Table: name, Column: col}
		if name == Sentinel {
			p.selfQualifiers = append(p.selfQualifiers, &ref.Table)
		}
		return ref, nil
	}
	return &ColumnRef{Column: name}, nil
}

func (p *parser) parseCall(name string) (Expr, error) {
	p.advance()
	call := &Call{Name: name}
	if p.acceptOp(")") {
		return call, nil
	}
	if p.acceptOp("*") {
		call.Star = true
		return call, p.expectOp(")")
	}
	if p.acceptKW("DISTINCT") {
		call.Distinct = true
	}
	if p.atIdent() && p.peek().Kind == TokOp && p.peek().Text == "=>" {
		return nil, p.errorf(p.cur(), "named arguments are only allowed for table functions in FROM")
	}
	args, err := p.parseExprList()
	if err != nil {
		return nil, err
	}
	call.Args = args
	return call, p.expectOp(")")
}

func (p *parser) parseExists() (Expr, error) {
	ex := &Exists{Not: p.acceptKW("NOT")}
	if err := p.expectKW("EXISTS"); err != nil {
		return nil, err
	}
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	q, err := p.parseSelect()
	if err != nil {
		return nil, err
	}
	ex.Query = q
	return ex, p.expectOp(")")
}

func (p *parser) parseCase() (Expr, error) {
	p.advance()
	c := &Case{}
	var err error
	if !p.atKW("WHEN") {
		if c.Operand, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	for p.acceptKW("WHEN") {
		var w When
		if w.Cond, err = p.parseExpr(); err != nil {
			return nil, err
		}
		if err := p.expectKW("THEN"); err != nil {
			return nil, err
		}
		if w.Result, err = p.parseExpr(); err != nil {
			return nil, err
		}
		c.Whens = append(c.Whens, w)
	}
	if len(c.Whens) == 0 {
		return nil, p.unexpected("WHEN")
	}
	if p.acceptKW("ELSE") {
		if c.Else, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	return c, p.expectKW("END")
}

func (p *parser) parseCast() (Expr, error) {
	p.advance()
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectKW("AS"); err != nil {
		return nil, err
	}
	typ, err := p.ident("type name")
	if err != nil {
		return nil, err
	}
	return &Cast{Expr: e, Type: strings.ToUpper(typ)}, p.expectOp(")")
}

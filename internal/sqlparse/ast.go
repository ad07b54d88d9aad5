package sqlparse

// Command is the tagged root of a parsed statement.
//
// This is a sealed interface: only *Select, *Insert, *Update and *Delete
// implement it, so a type switch over a Command is exhaustive.
type Command interface {
	commandNode()
	Kind() Kind
}

// Kind is the classification of a statement.
type Kind string

const (
	KindSelect Kind = "select"
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Expr is a scalar expression. Sealed to this package.
type Expr interface {
	exprNode()
}

// TableExpr is an item of a FROM clause. Sealed to this package.
type TableExpr interface {
	tableNode()
}

// Select is SELECT [DISTINCT] columns [FROM ...] [WHERE] [GROUP BY] [HAVING]
// [ORDER BY] [LIMIT [OFFSET]].
type Select struct {
	Distinct bool
	Columns  []SelectItem
	From     []TableExpr
	Where    Expr
	GroupBy  []Expr
	Having   Expr
	OrderBy  []OrderItem
	Limit    Expr
	Offset   Expr
}

// Insert is INSERT INTO table [(columns)] VALUES ... | SELECT ... [RETURNING].
type Insert struct {
	Table     string
	Columns   []string
	Rows      [][]Expr
	Query     *Select
	Returning []SelectItem
}

// Update is UPDATE table SET ... [WHERE] [RETURNING].
type Update struct {
	Table     string
	Set       []Assignment
	Where     Expr
	Returning []SelectItem
}

// Delete is DELETE FROM table [WHERE] [RETURNING].
type Delete struct {
	Table     string
	Where     Expr
	Returning []SelectItem
}

func (*Select) commandNode() {}
func (*Insert) commandNode() {}
func (*Update) commandNode() {}
func (*Delete) commandNode() {}

func (*Select) Kind() Kind { return KindSelect }
func (*Insert) Kind() Kind { return KindInsert }
func (*Update) Kind() Kind { return KindUpdate }
func (*Delete) Kind() Kind { return KindDelete }

// SelectItem is one output column: an expression with an optional alias.
type SelectItem struct {
	Expr  Expr
	Alias string
}

// OrderItem is one ORDER BY key.
type OrderItem struct {
	Expr Expr
	Desc bool
}

// Assignment is column = value in an UPDATE.
type Assignment struct {
	Column string
	Value  Expr
}

// TableRef names a persisted or virtual relation.
type TableRef struct {
	Name  string
	Alias string
}

// FunctionRef is a table-valued call to a runner or crawler.
type FunctionRef struct {
	Name  string
	Args  []NamedArg
	Alias string
}

// NamedArg is name => value.
type NamedArg struct {
	Name  string
	Value Expr
}

// SubqueryRef is a parenthesized SELECT in FROM position.
type SubqueryRef struct {
	Query *Select
	Alias string
}

// JoinKind is the join operator.
type JoinKind string

const (
	JoinInner JoinKind = "JOIN"
	JoinLeft  JoinKind = "LEFT JOIN"
	JoinCross JoinKind = "CROSS JOIN"
)

// Join combines two FROM items.
type Join struct {
	Kind  JoinKind
	Left  TableExpr
	Right TableExpr
	On    Expr
}

func (*TableRef) tableNode()    {}
func (*FunctionRef) tableNode() {}
func (*SubqueryRef) tableNode() {}
func (*Join) tableNode()        {}

// StringLit is a single-quoted string.
type StringLit struct{ Value string }

// NumberLit is a numeric literal kept in its source spelling.
type NumberLit struct{ Text string }

// BoolLit is TRUE or FALSE.
type BoolLit struct{ Value bool }

// NullLit is NULL.
type NullLit struct{}

// Param is a positional parameter $N, 1-based.
type Param struct{ Index int }

// ColumnRef is [table.]column.
type ColumnRef struct {
	Table  string
	Column string
}

// Star is * or table.*.
type Star struct{ Table string }

// Binary is left op right. Op is upper-case for keyword operators.
type Binary struct {
	Op    string
	Left  Expr
	Right Expr
}

// Unary is op expr, where op is "-", "+" or "NOT".
type Unary struct {
	Op   string
	Expr Expr
}

// Paren is a parenthesized expression, kept so rendering preserves grouping.
type Paren struct{ Expr Expr }

// IsNull is expr IS [NOT] NULL.
type IsNull struct {
	Expr Expr
	Not  bool
}

// In is expr [NOT] IN (list) or expr [NOT] IN (subquery).
type In struct {
	Expr  Expr
	Not   bool
	List  []Expr
	Query *Select
}

// Like is expr [NOT] LIKE pattern [ESCAPE escape]. Escape is nil when
// absent.
type Like struct {
	Expr    Expr
	Not     bool
	Pattern Expr
	Escape  Expr
}

// Between is expr [NOT] BETWEEN low AND high.
type Between struct {
	Expr Expr
	Not  bool
	Low  Expr
	High Expr
}

// Call is a scalar function call such as count(*) or lower(name).
type Call struct {
	Name     string
	Distinct bool
	Star     bool
	Args     []Expr
}

// Cast is CAST(expr AS type).
type Cast struct {
	Expr Expr
	Type string
}

// Case is CASE [operand] WHEN ... THEN ... [ELSE ...] END.
type Case struct {
	Operand Expr
	Whens   []When
	Else    Expr
}

// When is one WHEN cond THEN result arm.
type When struct {
	Cond   Expr
	Result Expr
}

// Exists is [NOT] EXISTS (subquery).
type Exists struct {
	Not   bool
	Query *Select
}

// Subquery is a scalar (SELECT ...).
type Subquery struct{ Query *Select }

func (*StringLit) exprNode() {}
func (*NumberLit) exprNode() {}
func (*BoolLit) exprNode()   {}
func (*NullLit) exprNode()   {}
func (*Param) exprNode()     {}
func (*ColumnRef) exprNode() {}
func (*Star) exprNode()      {}
func (*Binary) exprNode()    {}
func (*Unary) exprNode()     {}
func (*Paren) exprNode()     {}
func (*IsNull) exprNode()    {}
func (*In) exprNode()        {}
func (*Like) exprNode()      {}
func (*Between) exprNode()   {}
func (*Call) exprNode()      {}
func (*Cast) exprNode()      {}
func (*Case) exprNode()      {}
func (*Exists) exprNode()    {}
func (*Subquery) exprNode()  {}

package sqlparse

import (
	"fmt"
	"strings"
)

// TokenKind identifies the lexical class of a token.
type TokenKind int

const (
	TokEOF TokenKind = iota
	TokIdent
	TokQuotedIdent
	TokString
	TokNumber
	TokParam
	TokOp
	TokIllegal
)

func (k TokenKind) String() string {
	switch k {
	case TokEOF:
		return "end of input"
	case TokIdent:
		return "identifier"
	case TokQuotedIdent:
		return "quoted identifier"
	case TokString:
		return "string"
	case TokNumber:
		return "number"
	case TokParam:
		return "parameter"
	case TokOp:
		return "operator"
	default:
		return "illegal"
	}
}

// Token is a lexeme with its source position.
type Token struct {
	Kind TokenKind
	// Text is the token's value: unquoted for strings and quoted
	// identifiers, the digits for parameters, verbatim otherwise.
	Text string
	Line int
	Col  int
}

func (t Token) String() string {
	switch t.Kind {
	case TokEOF:
		return "end of input"
	case TokString:
		return fmt.Sprintf("'%s'", t.Text)
	case TokParam:
		return "$" + t.Text
	default:
		return t.Text
	}
}

// reserved words cannot be used as bare identifiers or implicit aliases.
var reserved = map[string]bool{
	"ALL": true, "AND": true, "AS": true, "ASC": true, "BETWEEN": true, "BY": true,
	"CASE": true, "CAST": true, "CROSS": true, "DELETE": true, "DESC": true,
	"DISTINCT": true, "ELSE": true, "END": true, "EXCEPT": true, "EXISTS": true,
	"FALSE": true, "FROM": true, "FULL": true, "GROUP": true, "HAVING": true,
	"IN": true, "INNER": true, "INSERT": true, "INTERSECT": true, "INTO": true,
	"IS": true, "JOIN": true, "LEFT": true, "LIKE": true, "LIMIT": true, "NOT": true,
	"NULL": true, "OFFSET": true, "ON": true, "OR": true, "ORDER": true,
	"OUTER": true, "RETURNING": true, "RIGHT": true, "SELECT": true, "SET": true,
	"THEN": true, "TRUE": true, "UNION": true, "UPDATE": true, "USING": true,
	"VALUES": true, "WHEN": true, "WHERE": true, "WITH": true,
}

func isReserved(word string) bool {
	return reserved[strings.ToUpper(word)]
}

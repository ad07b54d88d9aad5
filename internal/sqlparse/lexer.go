package sqlparse

import "strings"

// lexer tokenizes SQL input.
type lexer struct {
	input string
	pos   int
	line  int
	col   int
}

// ParseError is a lexical or syntactic failure at a source position.
type ParseError struct {
	Line    int
	Col     int
	Message string
}

func (e *ParseError) Error() string {
	return e.Message
}

func newLexer(input string) *lexer {
	return &lexer{input: input, line: 1, col: 1}
}

// tokenize lexes the whole input. The final token is always TokEOF.
func tokenize(input string) ([]Token, error) {
	l := newLexer(input)
	var toks []Token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.Kind == TokEOF {
			return toks, nil
		}
	}
}

func (l *lexer) peek(offset int) byte {
	if l.pos+offset >= len(l.input) {
		return 0
	}
	return l.input[l.pos+offset]
}

func (l *lexer) advance() byte {
	ch := l.input[l.pos]
	l.pos++
	if ch == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return ch
}

func (l *lexer) errorf(line, col int, msg string) error {
	return &ParseError{Line: line, Col: col, Message: msg}
}

func (l *lexer) skipSpaceAndComments() error {
	for l.pos < len(l.input) {
		ch := l.peek(0)
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			l.advance()
		case ch == '-' && l.peek(1) == '-':
			for l.pos < len(l.input) && l.peek(0) != '\n' {
				l.advance()
			}
		case ch == '/' && l.peek(1) == '*':
			line, col := l.line, l.col
			l.advance()
			l.advance()
			for {
				if l.pos >= len(l.input) {
					return l.errorf(line, col, "unterminated block comment")
				}
				if l.peek(0) == '*' && l.peek(1) == '/' {
					l.advance()
					l.advance()
					break
				}
				l.advance()
			}
		default:
			return nil
		}
	}
	return nil
}

func (l *lexer) next() (Token, error) {
	if err := l.skipSpaceAndComments(); err != nil {
		return Token{}, err
	}
	line, col := l.line, l.col
	tok := Token{Line: line, Col: col}
	if l.pos >= len(l.input) {
		tok.Kind = TokEOF
		return tok, nil
	}

	ch := l.peek(0)
	switch {
	case isIdentStart(ch):
		start := l.pos
		for l.pos < len(l.input) && isIdentPart(l.peek(0)) {
			l.advance()
		}
		tok.Kind = TokIdent
		tok.Text = l.input[start:l.pos]
		return tok, nil

	case isDigit(ch) || (ch == '.' && isDigit(l.peek(1))):
		tok.Kind = TokNumber
		tok.Text = l.number()
		// 0x1F or 12abc would otherwise lex as a number and an alias.
		if l.pos < len(l.input) && isIdentPart(l.peek(0)) {
			return Token{}, l.errorf(line, col, "malformed number "+tok.Text+string(rune(l.peek(0))))
		}
		return tok, nil

	case ch == '\'':
		s, err := l.quoted('\'')
		if err != nil {
			return Token{}, l.errorf(line, col, "unterminated string literal")
		}
		tok.Kind = TokString
		tok.Text = s
		return tok, nil

	case ch == '"':
		s, err := l.quoted('"')
		if err != nil {
			return Token{}, l.errorf(line, col, "unterminated quoted identifier")
		}
		if s == "" {
			return Token{}, l.errorf(line, col, "empty quoted identifier")
		}
		tok.Kind = TokQuotedIdent
		tok.Text = s
		return tok, nil

	case ch == '$':
		l.advance()
		start := l.pos
		for l.pos < len(l.input) && isDigit(l.peek(0)) {
			l.advance()
		}
		if start == l.pos {
			return Token{}, l.errorf(line, col, "expected digits after $")
		}
		tok.Kind = TokParam
		tok.Text = l.input[start:l.pos]
		return tok, nil
	}

	for _, op := range []string{"=>", "<=", ">=", "<>", "!=", "==", "||"} {
		if strings.HasPrefix(l.input[l.pos:], op) {
			l.advance()
			l.advance()
			tok.Kind = TokOp
			tok.Text = op
			return tok, nil
		}
	}
	if strings.IndexByte("(),.;*+-/%=<>", ch) >= 0 {
		l.advance()
		tok.Kind = TokOp
		tok.Text = string(ch)
		return tok, nil
	}
	return Token{}, l.errorf(line, col, "unexpected character "+string(rune(ch)))
}

func (l *lexer) number() string {
	start := l.pos
	for isDigit(l.peek(0)) {
		l.advance()
	}
	if l.peek(0) == '.' && isDigit(l.peek(1)) {
		l.advance()
		for isDigit(l.peek(0)) {
			l.advance()
		}
	}
	if c := l.peek(0); c == 'e' || c == 'E' {
		n := 1
		if s := l.peek(1); s == '+' || s == '-' {
			n = 2
		}
		if isDigit(l.peek(n)) {
			for i := 0; i < n; i++ {
				l.advance()
			}
			for isDigit(l.peek(0)) {
				l.advance()
			}
		}
	}
	return l.input[start:l.pos]
}

// quoted reads a literal delimited by q, where a doubled q is an escaped q.
func (l *lexer) quoted(q byte) (string, error) {
	l.advance()
	var b strings.Builder
	for {
		if l.pos >= len(l.input) {
			return "", &ParseError{}
		}
		ch := l.advance()
		if ch == q {
			if l.peek(0) == q {
				l.advance()
				b.WriteByte(q)
				continue
			}
			return b.String(), nil
		}
		b.WriteByte(ch)
	}
}

func isIdentStart(ch byte) bool {
	return ch == '_' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= 0x80
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch)
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

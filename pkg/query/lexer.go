package query

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Lexer tokenizes query text. Identifiers may contain any Unicode letter so
// that column names like 金额 need no quoting.
type Lexer struct {
	input string
	pos   int
}

func NewLexer(input string) *Lexer {
	return &Lexer{input: input}
}

func (l *Lexer) peek() rune {
	if l.pos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.pos:])
	return r
}

func (l *Lexer) peekAt(offset int) rune {
	p := l.pos
	for i := 0; i < offset; i++ {
		if p >= len(l.input) {
			return 0
		}
		_, n := utf8.DecodeRuneInString(l.input[p:])
		p += n
	}
	if p >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[p:])
	return r
}

func (l *Lexer) advance() rune {
	r, n := utf8.DecodeRuneInString(l.input[l.pos:])
	l.pos += n
	return r
}

func (l *Lexer) skipSpaceAndComments() {
	for l.pos < len(l.input) {
		r := l.peek()
		switch {
		case unicode.IsSpace(r):
			l.advance()
		case r == '-' && l.peekAt(1) == '-':
			for l.pos < len(l.input) && l.peek() != '\n' {
				l.advance()
			}
		default:
			return
		}
	}
}

// Next returns the next token.
func (l *Lexer) Next() Token {
	l.skipSpaceAndComments()
	start := l.pos
	if l.pos >= len(l.input) {
		return Token{Type: TokenEOF, Pos: start}
	}

	r := l.peek()
	switch {
	case isIdentStart(r):
		for l.pos < len(l.input) && isIdentPart(l.peek()) {
			l.advance()
		}
		lit := l.input[start:l.pos]
		return Token{Type: lookupIdent(lit), Literal: lit, Pos: start}
	case isDigit(r) || (r == '.' && isDigit(l.peekAt(1))):
		return l.readNumber(start)
	case r == '\'':
		return l.readString(start, '\'', TokenString)
	case r == '"':
		return l.readString(start, '"', TokenIdent)
	case r == '`':
		return l.readString(start, '`', TokenIdent)
	}

	l.advance()
	tok := func(t TokenType) Token {
		return Token{Type: t, Literal: l.input[start:l.pos], Pos: start}
	}
	switch r {
	case '=':
		if l.peek() == '=' {
			l.advance()
		}
		return tok(TokenEq)
	case '!':
		if l.peek() == '=' {
			l.advance()
			return tok(TokenNotEq)
		}
		return tok(TokenIllegal)
	case '<':
		switch l.peek() {
		case '=':
			l.advance()
			return tok(TokenLte)
		case '>':
			l.advance()
			return tok(TokenNotEq)
		}
		return tok(TokenLt)
	case '>':
		if l.peek() == '=' {
			l.advance()
			return tok(TokenGte)
		}
		return tok(TokenGt)
	case '|':
		if l.peek() == '|' {
			l.advance()
			return tok(TokenConcat)
		}
		return tok(TokenIllegal)
	case '+':
		return tok(TokenPlus)
	case '-':
		return tok(TokenMinus)
	case '*':
		return tok(TokenStar)
	case '/':
		return tok(TokenSlash)
	case '%':
		return tok(TokenPercent)
	case '(':
		return tok(TokenLParen)
	case ')':
		return tok(TokenRParen)
	case ',':
		return tok(TokenComma)
	case ';':
		return tok(TokenSemicolon)
	}
	return tok(TokenIllegal)
}

func (l *Lexer) readNumber(start int) Token {
	seenDot, seenExp := false, false
	for l.pos < len(l.input) {
		r := l.peek()
		switch {
		case isDigit(r):
			l.advance()
		case r == '.' && !seenDot && !seenExp:
			seenDot = true
			l.advance()
		case (r == 'e' || r == 'E') && !seenExp && (isDigit(l.peekAt(1)) || ((l.peekAt(1) == '+' || l.peekAt(1) == '-') && isDigit(l.peekAt(2)))):
			seenExp = true
			l.advance()
			if p := l.peek(); p == '+' || p == '-' {
				l.advance()
			}
		default:
			return Token{Type: TokenNumber, Literal: l.input[start:l.pos], Pos: start}
		}
	}
	return Token{Type: TokenNumber, Literal: l.input[start:l.pos], Pos: start}
}

// readString reads a quoted literal. A doubled quote escapes itself.
func (l *Lexer) readString(start int, quote rune, typ TokenType) Token {
	l.advance()
	var sb strings.Builder
	for l.pos < len(l.input) {
		r := l.advance()
		if r == quote {
			if l.peek() == quote {
				l.advance()
				sb.WriteRune(quote)
				continue
			}
			return Token{Type: typ, Literal: sb.String(), Pos: start}
		}
		sb.WriteRune(r)
	}
	return Token{Type: TokenIllegal, Literal: "unterminated " + string(quote) + " literal", Pos: start}
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

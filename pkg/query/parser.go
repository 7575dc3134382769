package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrSyntax      = errors.New("syntax error")
	ErrEval        = errors.New("evaluation error")
	ErrUnknownName = errors.New("unknown name")
)

// Error is a positioned query failure. Pos is a byte offset into the query
// text, or -1 when unknown.
type Error struct {
	Pos int
	Msg string
	Err error
}

func (e *Error) Error() string {
	kind := "query error"
	if e.Err != nil {
		kind = e.Err.Error()
	}
	if e.Pos >= 0 {
		return fmt.Sprintf("%s at position %d: %s", kind, e.Pos, e.Msg)
	}
	return fmt.Sprintf("%s: %s", kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func syntaxErr(pos int, format string, args ...any) *Error {
	return &Error{Pos: pos, Msg: fmt.Sprintf(format, args...), Err: ErrSyntax}
}

type Parser struct {
	lex  *Lexer
	cur  Token
	peek Token
}

// Parse parses a script of ';'-separated statements.
func Parse(src string) (script *Script, err error) {
	p := &Parser{lex: NewLexer(src)}
	p.cur = p.lex.Next()
	p.peek = p.lex.Next()

	defer func() {
		if r := recover(); r != nil {
			perr, ok := r.(*Error)
			if !ok {
				panic(r)
			}
			script, err = nil, perr
		}
	}()

	script = &Script{}
	for {
		for p.cur.Type == TokenSemicolon {
			p.next()
		}
		if p.cur.Type == TokenEOF {
			break
		}
		script.Stmts = append(script.Stmts, p.parseStmt())
		if p.cur.Type != TokenSemicolon && p.cur.Type != TokenEOF {
			p.fail("expected ';' or end of input, got %s", describe(p.cur))
		}
	}
	if len(script.Stmts) == 0 {
		return nil, syntaxErr(0, "empty query")
	}
	return script, nil
}

// ParseExpr parses a single scalar expression.
func ParseExpr(src string) (expr Expr, err error) {
	script, err := Parse(src)
	if err != nil {
		return nil, err
	}
	if len(script.Stmts) != 1 {
		return nil, syntaxErr(0, "expected a single expression")
	}
	es, ok := script.Stmts[0].(*ExprStmt)
	if !ok {
		return nil, syntaxErr(script.Stmts[0].Position(), "expected an expression")
	}
	return es.X, nil
}

func (p *Parser) next() {
	p.cur = p.peek
	p.peek = p.lex.Next()
}

func (p *Parser) fail(format string, args ...any) {
	panic(syntaxErr(p.cur.Pos, format, args...))
}

func (p *Parser) expect(t TokenType) Token {
	if p.cur.Type != t {
		p.fail("expected %s, got %s", t, describe(p.cur))
	}
	tok := p.cur
	p.next()
	return tok
}

func (p *Parser) accept(t TokenType) bool {
	if p.cur.Type == t {
		p.next()
		return true
	}
	return false
}

func describe(t Token) string {
	switch t.Type {
	case TokenEOF:
		return "end of input"
	case TokenIllegal:
		return fmt.Sprintf("illegal token %q", t.Literal)
	default:
		return fmt.Sprintf("%q", t.Literal)
	}
}

func (p *Parser) parseStmt() Stmt {
	switch p.cur.Type {
	case TokenLet:
		pos := p.cur.Pos
		p.next()
		name := p.expect(TokenIdent).Literal
		p.expect(TokenEq)
		return &LetStmt{Pos: pos, Name: name, Value: p.parseValue()}
	default:
		return p.parseValue()
	}
}

func (p *Parser) parseValue() Stmt {
	if p.cur.Type == TokenSelect {
		return p.parseSelect()
	}
	return &ExprStmt{X: p.parseExpr()}
}

func (p *Parser) parseSelect() *SelectStmt {
	s := &SelectStmt{Pos: p.cur.Pos, Limit: -1}
	p.expect(TokenSelect)
	s.Distinct = p.accept(TokenDistinct)

	for {
		if p.accept(TokenStar) {
			s.Items = append(s.Items, SelectItem{Star: true})
		} else {
			item := SelectItem{Expr: p.parseExpr()}
			if p.accept(TokenAs) {
				item.Alias = p.parseName()
			} else if p.cur.Type == TokenIdent {
				item.Alias = p.parseName()
			}
			s.Items = append(s.Items, item)
		}
		if !p.accept(TokenComma) {
			break
		}
	}

	if p.cur.Type != TokenFrom {
		p.fail("expected FROM, got %s", describe(p.cur))
	}
	p.next()
	s.From.Pos = p.cur.Pos
	if p.accept(TokenLParen) {
		s.From.Subquery = p.parseSelect()
		p.expect(TokenRParen)
	} else {
		s.From.Name = p.parseName()
	}
	// Table aliases are accepted and ignored; there is only ever one source.
	if p.accept(TokenAs) || p.cur.Type == TokenIdent {
		p.parseName()
	}

	if p.accept(TokenWhere) {
		s.Where = p.parseExpr()
	}
	if p.accept(TokenGroup) {
		p.expect(TokenBy)
		s.GroupBy = p.parseExprList()
	}
	if p.accept(TokenHaving) {
		s.Having = p.parseExpr()
	}
	if p.accept(TokenOrder) {
		p.expect(TokenBy)
		for {
			item := OrderItem{Expr: p.parseExpr()}
			if p.accept(TokenDesc) {
				item.Desc = true
			} else {
				p.accept(TokenAsc)
			}
			s.OrderBy = append(s.OrderBy, item)
			if !p.accept(TokenComma) {
				break
			}
		}
	}
	if p.accept(TokenLimit) {
		tok := p.expect(TokenNumber)
		n, err := strconv.Atoi(tok.Literal)
		if err != nil || n < 0 {
			panic(syntaxErr(tok.Pos, "LIMIT needs a non-negative integer, got %q", tok.Literal))
		}
		s.Limit = n
	}
	return s
}

func (p *Parser) parseName() string {
	if p.cur.Type != TokenIdent {
		p.fail("expected a name, got %s", describe(p.cur))
	}
	name := p.cur.Literal
	p.next()
	return name
}

func (p *Parser) parseExprList() []Expr {
	list := []Expr{p.parseExpr()}
	for p.accept(TokenComma) {
		list = append(list, p.parseExpr())
	}
	return list
}

func (p *Parser) parseExpr() Expr {
	return p.parseOr()
}

func (p *Parser) parseOr() Expr {
	left := p.parseAnd()
	for p.cur.Type == TokenOr {
		pos := p.cur.Pos
		p.next()
		left = &BinaryExpr{Pos: pos, Op: TokenOr, L: left, R: p.parseAnd()}
	}
	return left
}

func (p *Parser) parseAnd() Expr {
	left := p.parseNot()
	for p.cur.Type == TokenAnd {
		pos := p.cur.Pos
		p.next()
		left = &BinaryExpr{Pos: pos, Op: TokenAnd, L: left, R: p.parseNot()}
	}
	return left
}

func (p *Parser) parseNot() Expr {
	if p.cur.Type == TokenNot {
		pos := p.cur.Pos
		p.next()
		return &UnaryExpr{Pos: pos, Op: TokenNot, X: p.parseNot()}
	}
	return p.parseComparison()
}

func (p *Parser) parseComparison() Expr {
	left := p.parseAdditive()
	for {
		pos := p.cur.Pos
		switch p.cur.Type {
		case TokenEq, TokenNotEq, TokenLt, TokenLte, TokenGt, TokenGte:
			op := p.cur.Type
			p.next()
			left = &BinaryExpr{Pos: pos, Op: op, L: left, R: p.parseAdditive()}
		case TokenIs:
			p.next()
			not := p.accept(TokenNot)
			p.expect(TokenNull)
			left = &IsNullExpr{Pos: pos, X: left, Not: not}
		case TokenNot:
			// x NOT IN / NOT LIKE / NOT BETWEEN
			switch p.peek.Type {
			case TokenIn, TokenLike, TokenBetween:
				p.next()
				left = p.parsePostfix(left, pos, true)
			default:
				return left
			}
		case TokenIn, TokenLike, TokenBetween:
			left = p.parsePostfix(left, pos, false)
		default:
			return left
		}
	}
}

func (p *Parser) parsePostfix(left Expr, pos int, not bool) Expr {
	switch p.cur.Type {
	case TokenIn:
		p.next()
		p.expect(TokenLParen)
		list := p.parseExprList()
		p.expect(TokenRParen)
		return &InExpr{Pos: pos, X: left, List: list, Not: not}
	case TokenLike:
		p.next()
		return &LikeExpr{Pos: pos, X: left, Pattern: p.parseAdditive(), Not: not}
	default:
		p.expect(TokenBetween)
		lo := p.parseAdditive()
		p.expect(TokenAnd)
		hi := p.parseAdditive()
		return &BetweenExpr{Pos: pos, X: left, Lo: lo, Hi: hi, Not: not}
	}
}

func (p *Parser) parseAdditive() Expr {
	left := p.parseMultiplicative()
	for {
		switch p.cur.Type {
		case TokenPlus, TokenMinus, TokenConcat:
			pos, op := p.cur.Pos, p.cur.Type
			p.next()
			left = &BinaryExpr{Pos: pos, Op: op, L: left, R: p.parseMultiplicative()}
		default:
			return left
		}
	}
}

func (p *Parser) parseMultiplicative() Expr {
	left := p.parseUnary()
	for {
		switch p.cur.Type {
		case TokenStar, TokenSlash, TokenPercent:
			pos, op := p.cur.Pos, p.cur.Type
			p.next()
			left = &BinaryExpr{Pos: pos, Op: op, L: left, R: p.parseUnary()}
		default:
			return left
		}
	}
}

func (p *Parser) parseUnary() Expr {
	switch p.cur.Type {
	case TokenMinus:
		pos := p.cur.Pos
		p.next()
		return &UnaryExpr{Pos: pos, Op: TokenMinus, X: p.parseUnary()}
	case TokenPlus:
		p.next()
		return p.parseUnary()
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() Expr {
	tok := p.cur
	switch tok.Type {
	case TokenNumber:
		p.next()
		f, err := strconv.ParseFloat(tok.Literal, 64)
		if err != nil {
			panic(syntaxErr(tok.Pos, "bad number %q", tok.Literal))
		}
		return &Literal{Pos: tok.Pos, Value: f}
	case TokenString:
		p.next()
		return &Literal{Pos: tok.Pos, Value: tok.Literal}
	case TokenTrue, TokenFalse:
		p.next()
		return &Literal{Pos: tok.Pos, Value: tok.Type == TokenTrue}
	case TokenNull:
		p.next()
		return &Literal{Pos: tok.Pos, Value: nil}
	case TokenIdent:
		p.next()
		if p.cur.Type == TokenLParen {
			return p.parseCall(tok)
		}
		return &Ident{Pos: tok.Pos, Name: tok.Literal}
	case TokenLParen:
		p.next()
		if p.cur.Type == TokenSelect {
			sel := p.parseSelect()
			p.expect(TokenRParen)
			return &SubqueryExpr{Pos: tok.Pos, Select: sel}
		}
		e := p.parseExpr()
		p.expect(TokenRParen)
		return e
	}
	p.fail("unexpected %s", describe(tok))
	return nil
}

func (p *Parser) parseCall(name Token) Expr {
	call := &CallExpr{Pos: name.Pos, Name: strings.ToUpper(name.Literal)}
	p.expect(TokenLParen)
	if p.accept(TokenRParen) {
		return call
	}
	if p.accept(TokenStar) {
		call.Star = true
		p.expect(TokenRParen)
		return call
	}
	call.Distinct = p.accept(TokenDistinct)
	call.Args = p.parseExprList()
	p.expect(TokenRParen)
	return call
}

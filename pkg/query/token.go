package query

import "strings"

type TokenType int

const (
	TokenEOF TokenType = iota
	TokenIllegal

	TokenIdent
	TokenString
	TokenNumber

	// Keywords.
	TokenLet
	TokenSelect
	TokenDistinct
	TokenFrom
	TokenWhere
	TokenGroup
	TokenBy
	TokenHaving
	TokenOrder
	TokenAsc
	TokenDesc
	TokenLimit
	TokenAs
	TokenAnd
	TokenOr
	TokenNot
	TokenIn
	TokenIs
	TokenNull
	TokenLike
	TokenBetween
	TokenTrue
	TokenFalse

	// Operators and punctuation.
	TokenEq
	TokenNotEq
	TokenLt
	TokenLte
	TokenGt
	TokenGte
	TokenPlus
	TokenMinus
	TokenStar
	TokenSlash
	TokenPercent
	TokenConcat
	TokenLParen
	TokenRParen
	TokenComma
	TokenSemicolon
)

var tokenNames = map[TokenType]string{
	TokenEOF:       "end of input",
	TokenIllegal:   "illegal",
	TokenIdent:     "identifier",
	TokenString:    "string",
	TokenNumber:    "number",
	TokenEq:        "=",
	TokenNotEq:     "!=",
	TokenLt:        "<",
	TokenLte:       "<=",
	TokenGt:        ">",
	TokenGte:       ">=",
	TokenPlus:      "+",
	TokenMinus:     "-",
	TokenStar:      "*",
	TokenSlash:     "/",
	TokenPercent:   "%",
	TokenConcat:    "||",
	TokenLParen:    "(",
	TokenRParen:    ")",
	TokenComma:     ",",
	TokenSemicolon: ";",
}

var keywords = map[string]TokenType{
	"LET":      TokenLet,
	"SELECT":   TokenSelect,
	"DISTINCT": TokenDistinct,
	"FROM":     TokenFrom,
	"WHERE":    TokenWhere,
	"GROUP":    TokenGroup,
	"BY":       TokenBy,
	"HAVING":   TokenHaving,
	"ORDER":    TokenOrder,
	"ASC":      TokenAsc,
	"DESC":     TokenDesc,
	"LIMIT":    TokenLimit,
	"AS":       TokenAs,
	"AND":      TokenAnd,
	"OR":       TokenOr,
	"NOT":      TokenNot,
	"IN":       TokenIn,
	"IS":       TokenIs,
	"NULL":     TokenNull,
	"LIKE":     TokenLike,
	"BETWEEN":  TokenBetween,
	"TRUE":     TokenTrue,
	"FALSE":    TokenFalse,
}

func (t TokenType) String() string {
	if s, ok := tokenNames[t]; ok {
		return s
	}
	for k, v := range keywords {
		if v == t {
			return k
		}
	}
	return "unknown"
}

type Token struct {
	Type    TokenType
	Literal string
	Pos     int
}

func lookupIdent(s string) TokenType {
	if t, ok := keywords[strings.ToUpper(s)]; ok {
		return t
	}
	return TokenIdent
}

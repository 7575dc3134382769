package query

import (
	"fmt"
	"strconv"
	"strings"
)

type Node interface {
	Position() int
	String() string
}

// Expr is a scalar expression.
type Expr interface {
	Node
	expr()
}

// Stmt is a top-level statement.
type Stmt interface {
	Node
	stmt()
}

type Script struct {
	Stmts []Stmt
}

type LetStmt struct {
	Pos   int
	Name  string
	Value Stmt
}

type ExprStmt struct {
	X Expr
}

type SelectItem struct {
	Star  bool
	Expr  Expr
	Alias string
}

type OrderItem struct {
	Expr Expr
	Desc bool
}

// Source is what a SELECT reads from: a named table or a subquery.
type Source struct {
	Pos      int
	Name     string
	Subquery *SelectStmt
}

type SelectStmt struct {
	Pos      int
	Distinct bool
	Items    []SelectItem
	From     Source
	Where    Expr
	GroupBy  []Expr
	Having   Expr
	OrderBy  []OrderItem
	Limit    int // -1 when absent
}

type Literal struct {
	Pos   int
	Value any // nil, float64, string or bool
}

type Ident struct {
	Pos  int
	Name string
}

type UnaryExpr struct {
	Pos int
	Op  TokenType
	X   Expr
}

type BinaryExpr struct {
	Pos  int
	Op   TokenType
	L, R Expr
}

type CallExpr struct {
	Pos      int
	Name     string // upper-cased
	Distinct bool
	Star     bool
	Args     []Expr
}

type InExpr struct {
	Pos  int
	X    Expr
	List []Expr
	Not  bool
}

type BetweenExpr struct {
	Pos    int
	X      Expr
	Lo, Hi Expr
	Not    bool
}

type IsNullExpr struct {
	Pos int
	X   Expr
	Not bool
}

type LikeExpr struct {
	Pos     int
	X       Expr
	Pattern Expr
	Not     bool
}

// SubqueryExpr is a parenthesized SELECT used as a value.
type SubqueryExpr struct {
	Pos    int
	Select *SelectStmt
}

func (*LetStmt) stmt()    {}
func (*ExprStmt) stmt()   {}
func (*SelectStmt) stmt() {}

func (*Literal) expr()      {}
func (*Ident) expr()        {}
func (*UnaryExpr) expr()    {}
func (*BinaryExpr) expr()   {}
func (*CallExpr) expr()     {}
func (*InExpr) expr()       {}
func (*BetweenExpr) expr()  {}
func (*IsNullExpr) expr()   {}
func (*LikeExpr) expr()     {}
func (*SubqueryExpr) expr() {}

func (s *LetStmt) Position() int      { return s.Pos }
func (s *ExprStmt) Position() int     { return s.X.Position() }
func (s *SelectStmt) Position() int   { return s.Pos }
func (e *Literal) Position() int      { return e.Pos }
func (e *Ident) Position() int        { return e.Pos }
func (e *UnaryExpr) Position() int    { return e.Pos }
func (e *BinaryExpr) Position() int   { return e.Pos }
func (e *CallExpr) Position() int     { return e.Pos }
func (e *InExpr) Position() int       { return e.Pos }
func (e *BetweenExpr) Position() int  { return e.Pos }
func (e *IsNullExpr) Position() int   { return e.Pos }
func (e *LikeExpr) Position() int     { return e.Pos }
func (e *SubqueryExpr) Position() int { return e.Pos }

func (s *Script) String() string {
	parts := make([]string, len(s.Stmts))
	for i, st := range s.Stmts {
		parts[i] = st.String()
	}
	return strings.Join(parts, "; ")
}

func (s *LetStmt) String() string  { return "LET " + quoteIdent(s.Name) + " = " + s.Value.String() }
func (s *ExprStmt) String() string { return s.X.String() }

func (s *SelectStmt) String() string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if s.Distinct {
		sb.WriteString("DISTINCT ")
	}
	items := make([]string, len(s.Items))
	for i, it := range s.Items {
		switch {
		case it.Star:
			items[i] = "*"
		case it.Alias != "":
			items[i] = it.Expr.String() + " AS " + quoteIdent(it.Alias)
		default:
			items[i] = it.Expr.String()
		}
	}
	sb.WriteString(strings.Join(items, ", "))
	sb.WriteString(" FROM ")
	if s.From.Subquery != nil {
		sb.WriteString("(" + s.From.Subquery.String() + ")")
	} else {
		sb.WriteString(quoteIdent(s.From.Name))
	}
	if s.Where != nil {
		sb.WriteString(" WHERE " + s.Where.String())
	}
	if len(s.GroupBy) > 0 {
		sb.WriteString(" GROUP BY " + joinExprs(s.GroupBy))
	}
	if s.Having != nil {
		sb.WriteString(" HAVING " + s.Having.String())
	}
	if len(s.OrderBy) > 0 {
		parts := make([]string, len(s.OrderBy))
		for i, o := range s.OrderBy {
			parts[i] = o.Expr.String()
			if o.Desc {
				parts[i] += " DESC"
			}
		}
		sb.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}
	if s.Limit >= 0 {
		sb.WriteString(" LIMIT " + strconv.Itoa(s.Limit))
	}
	return sb.String()
}

func (e *Literal) String() string {
	switch v := e.Value.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (e *Ident) String() string { return quoteIdent(e.Name) }

func (e *UnaryExpr) String() string {
	if e.Op == TokenNot {
		return "NOT " + e.X.String()
	}
	return "-" + e.X.String()
}

func (e *BinaryExpr) String() string {
	return "(" + e.L.String() + " " + e.Op.String() + " " + e.R.String() + ")"
}

func (e *CallExpr) String() string {
	switch {
	case e.Star:
		return e.Name + "(*)"
	case e.Distinct:
		return e.Name + "(DISTINCT " + joinExprs(e.Args) + ")"
	default:
		return e.Name + "(" + joinExprs(e.Args) + ")"
	}
}

func (e *InExpr) String() string {
	op := " IN "
	if e.Not {
		op = " NOT IN "
	}
	return e.X.String() + op + "(" + joinExprs(e.List) + ")"
}

func (e *BetweenExpr) String() string {
	op := " BETWEEN "
	if e.Not {
		op = " NOT BETWEEN "
	}
	return e.X.String() + op + e.Lo.String() + " AND " + e.Hi.String()
}

func (e *IsNullExpr) String() string {
	if e.Not {
		return e.X.String() + " IS NOT NULL"
	}
	return e.X.String() + " IS NULL"
}

func (e *LikeExpr) String() string {
	op := " LIKE "
	if e.Not {
		op = " NOT LIKE "
	}
	return e.X.String() + op + e.Pattern.String()
}

func (e *SubqueryExpr) String() string { return "(" + e.Select.String() + ")" }

func joinExprs(exprs []Expr) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}

func quoteIdent(name string) string {
	for i, r := range name {
		if !(isIdentPart(r) && (i > 0 || isIdentStart(r))) || lookupIdent(name) != TokenIdent {
			return "`" + strings.ReplaceAll(name, "`", "``") + "`"
		}
	}
	if name == "" {
		return "``"
	}
	return name
}

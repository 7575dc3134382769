package query

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/malbeclabs/sheetagent/pkg/table"
)

// Namespace holds the tables a query can read by name.
type Namespace map[string]*table.Table

// Eval parses and runs a script. The result is a *table.Table or a scalar
// (nil, float64, string or bool).
func Eval(ctx context.Context, src string, ns Namespace, opts ...Option) (any, error) {
	script, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return Run(ctx, script, ns, opts...)
}

// Option configures a run.
type Option func(*interp)

// WithUnavailable withholds tables by name: a query that reads one fails
// with the mapped error, other names stay usable.
func WithUnavailable(names map[string]error) Option {
	return func(in *interp) {
		for k, err := range names {
			in.unavailable[k] = err
		}
	}
}

// Run executes a parsed script. Statements before the last only contribute
// their LET bindings; the last statement's value is the result. Internal
// failures come back as *Error, never as panics.
func Run(ctx context.Context, script *Script, ns Namespace, opts ...Option) (result any, err error) {
	in := &interp{
		ctx:         ctx,
		tables:      make(map[string]*table.Table, len(ns)),
		scalars:     make(map[string]any),
		subquery:    make(map[*SelectStmt]*table.Table),
		patterns:    make(map[string]*regexp.Regexp),
		unavailable: make(map[string]error),
	}
	for k, v := range ns {
		in.tables[k] = v
	}
	for _, opt := range opts {
		opt(in)
	}

	defer func() {
		if r := recover(); r != nil {
			switch x := r.(type) {
			case *Error:
				result, err = nil, x
			case cancelled:
				result, err = nil, x.err
			default:
				result, err = nil, &Error{Pos: -1, Msg: fmt.Sprint(r), Err: ErrEval}
			}
		}
	}()

	for _, st := range script.Stmts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result = in.stmt(st)
	}
	return result, nil
}

type cancelled struct{ err error }

type interp struct {
	ctx         context.Context
	tables      map[string]*table.Table
	scalars     map[string]any
	subquery    map[*SelectStmt]*table.Table
	patterns    map[string]*regexp.Regexp
	unavailable map[string]error
	ticks       int
}

// env is the evaluation context of one expression.
type env struct {
	tbl   *table.Table // source table, nil outside a SELECT
	row   []any        // current row, nil when there is none
	group [][]any      // rows of the current group, nil outside aggregation
	out   map[string]any
}

func evalErr(pos int, format string, args ...any) *Error {
	return &Error{Pos: pos, Msg: fmt.Sprintf(format, args...), Err: ErrEval}
}

func (in *interp) tick() {
	in.ticks++
	if in.ticks%4096 == 0 {
		if err := in.ctx.Err(); err != nil {
			panic(cancelled{err})
		}
	}
}

func (in *interp) stmt(st Stmt) any {
	switch s := st.(type) {
	case *LetStmt:
		v := in.stmt(s.Value)
		if t, ok := v.(*table.Table); ok {
			in.tables[s.Name] = t
			delete(in.scalars, s.Name)
		} else {
			in.scalars[s.Name] = v
			delete(in.tables, s.Name)
		}
		return v
	case *SelectStmt:
		return in.selectStmt(s)
	case *ExprStmt:
		// A bare table name evaluates to the table itself.
		if id, ok := s.X.(*Ident); ok {
			if t, ok := in.lookupTable(id.Name); ok {
				return t
			}
			if _, ok := in.scalars[id.Name]; !ok {
				in.checkAvailable(id.Pos, id.Name)
			}
		}
		return in.eval(s.X, &env{})
	}
	panic(evalErr(st.Position(), "unsupported statement"))
}

func (in *interp) lookupTable(name string) (*table.Table, bool) {
	if t, ok := in.tables[name]; ok {
		return t, true
	}
	for k, t := range in.tables {
		if strings.EqualFold(k, name) {
			return t, true
		}
	}
	return nil, false
}

// checkAvailable panics if name is a withheld table. Tables bound by the
// script itself shadow withheld names.
func (in *interp) checkAvailable(pos int, name string) {
	for k, err := range in.unavailable {
		if strings.EqualFold(k, name) {
			panic(&Error{Pos: pos, Msg: fmt.Sprintf("cannot read table %q", name), Err: err})
		}
	}
}

func (in *interp) tableNames() string {
	names := make([]string, 0, len(in.tables))
	for k := range in.tables {
		names = append(names, k)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func (in *interp) source(src Source) *table.Table {
	if src.Subquery != nil {
		return in.selectStmt(src.Subquery)
	}
	t, ok := in.lookupTable(src.Name)
	if !ok {
		in.checkAvailable(src.Pos, src.Name)
		panic(&Error{Pos: src.Pos, Msg: fmt.Sprintf("unknown table %q (available: %s)", src.Name, in.tableNames()), Err: ErrUnknownName})
	}
	return t
}

type outRow struct {
	vals  []any
	row   []any
	group [][]any
}

func (in *interp) selectStmt(s *SelectStmt) *table.Table {
	src := in.source(s.From)

	rows := src.Rows
	if s.Where != nil {
		kept := make([][]any, 0, len(rows))
		for _, row := range rows {
			in.tick()
			if table.Truthy(in.eval(s.Where, &env{tbl: src, row: row})) {
				kept = append(kept, row)
			}
		}
		rows = kept
	}

	names := in.outputNames(s, src)

	var outs []outRow
	if len(s.GroupBy) > 0 || s.Having != nil || hasAggregate(s) {
		for _, g := range in.groups(s, src, rows) {
			if g == nil {
				g = [][]any{}
			}
			var first []any
			if len(g) > 0 {
				first = g[0]
			}
			e := &env{tbl: src, row: first, group: g}
			if s.Having != nil && !table.Truthy(in.eval(s.Having, e)) {
				continue
			}
			outs = append(outs, outRow{vals: in.project(s, src, e), row: first, group: g})
		}
	} else {
		outs = make([]outRow, 0, len(rows))
		for _, row := range rows {
			in.tick()
			outs = append(outs, outRow{vals: in.project(s, src, &env{tbl: src, row: row}), row: row})
		}
	}

	if s.Distinct {
		seen := make(map[string]bool, len(outs))
		uniq := outs[:0]
		for _, o := range outs {
			k := rowKey(o.vals)
			if seen[k] {
				continue
			}
			seen[k] = true
			uniq = append(uniq, o)
		}
		outs = uniq
	}

	if len(s.OrderBy) > 0 {
		keys := make([][]any, len(outs))
		for i, o := range outs {
			named := make(map[string]any, len(names))
			for j, n := range names {
				named[n] = o.vals[j]
			}
			e := &env{tbl: src, row: o.row, group: o.group, out: named}
			k := make([]any, len(s.OrderBy))
			for j, ob := range s.OrderBy {
				if v, ok := named[ob.Expr.String()]; ok {
					k[j] = v
					continue
				}
				k[j] = in.eval(ob.Expr, e)
			}
			keys[i] = k
		}
		idx := make([]int, len(outs))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			for j, ob := range s.OrderBy {
				c := compareValues(keys[idx[a]][j], keys[idx[b]][j], ob.Desc)
				if c != 0 {
					return c < 0
				}
			}
			return false
		})
		sorted := make([]outRow, len(outs))
		for i, j := range idx {
			sorted[i] = outs[j]
		}
		outs = sorted
	}

	if s.Limit >= 0 && len(outs) > s.Limit {
		outs = outs[:s.Limit]
	}

	data := make([][]any, len(outs))
	for i, o := range outs {
		data[i] = o.vals
	}
	return table.FromRows(names, data)
}

func (in *interp) outputNames(s *SelectStmt, src *table.Table) []string {
	var names []string
	for _, it := range s.Items {
		switch {
		case it.Star:
			names = append(names, src.ColumnNames()...)
		case it.Alias != "":
			names = append(names, it.Alias)
		default:
			if id, ok := it.Expr.(*Ident); ok {
				if j := src.IndexFold(id.Name); j >= 0 {
					names = append(names, src.Columns[j].Name)
					continue
				}
				names = append(names, id.Name)
				continue
			}
			names = append(names, it.Expr.String())
		}
	}
	return names
}

func (in *interp) project(s *SelectStmt, src *table.Table, e *env) []any {
	vals := make([]any, 0, len(s.Items))
	for _, it := range s.Items {
		if it.Star {
			for j := range src.Columns {
				if e.row != nil && j < len(e.row) {
					vals = append(vals, e.row[j])
				} else {
					vals = append(vals, nil)
				}
			}
			continue
		}
		vals = append(vals, in.eval(it.Expr, e))
	}
	return vals
}

// groups partitions rows by the GROUP BY keys, ordered by key. Without
// GROUP BY every row forms one group, even when there are none.
func (in *interp) groups(s *SelectStmt, src *table.Table, rows [][]any) [][][]any {
	if len(s.GroupBy) == 0 {
		return [][][]any{rows}
	}
	index := make(map[string]int)
	var keys [][]any
	var groups [][][]any
	for _, row := range rows {
		in.tick()
		e := &env{tbl: src, row: row}
		kv := make([]any, len(s.GroupBy))
		for i, g := range s.GroupBy {
			kv[i] = in.eval(g, e)
		}
		k := rowKey(kv)
		gi, ok := index[k]
		if !ok {
			gi = len(groups)
			index[k] = gi
			keys = append(keys, kv)
			groups = append(groups, nil)
		}
		groups[gi] = append(groups[gi], row)
	}
	idx := make([]int, len(groups))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		for j := range s.GroupBy {
			if c := compareValues(keys[idx[a]][j], keys[idx[b]][j], false); c != 0 {
				return c < 0
			}
		}
		return false
	})
	out := make([][][]any, len(groups))
	for i, j := range idx {
		out[i] = groups[j]
	}
	return out
}

func hasAggregate(s *SelectStmt) bool {
	for _, it := range s.Items {
		if !it.Star && containsAggregate(it.Expr) {
			return true
		}
	}
	return false
}

func containsAggregate(e Expr) bool {
	switch x := e.(type) {
	case *CallExpr:
		if isAggregate(x.Name) {
			return true
		}
		for _, a := range x.Args {
			if containsAggregate(a) {
				return true
			}
		}
	case *UnaryExpr:
		return containsAggregate(x.X)
	case *BinaryExpr:
		return containsAggregate(x.L) || containsAggregate(x.R)
	case *InExpr:
		if containsAggregate(x.X) {
			return true
		}
		for _, a := range x.List {
			if containsAggregate(a) {
				return true
			}
		}
	case *BetweenExpr:
		return containsAggregate(x.X) || containsAggregate(x.Lo) || containsAggregate(x.Hi)
	case *IsNullExpr:
		return containsAggregate(x.X)
	case *LikeExpr:
		return containsAggregate(x.X) || containsAggregate(x.Pattern)
	}
	return false
}

func rowKey(vals []any) string {
	var sb strings.Builder
	for _, v := range vals {
		sb.WriteString(table.Key(v))
		sb.WriteByte(0x1f)
	}
	return sb.String()
}

// compareValues orders values with nils last in either direction.
func compareValues(a, b any, desc bool) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	c, ok := table.Compare(a, b)
	if !ok {
		c = strings.Compare(table.Text(a), table.Text(b))
	}
	if desc {
		return -c
	}
	return c
}

func (in *interp) eval(e Expr, en *env) any {
	switch x := e.(type) {
	case *Literal:
		return x.Value
	case *Ident:
		return in.ident(x, en)
	case *UnaryExpr:
		v := in.eval(x.X, en)
		if v == nil {
			return nil
		}
		if x.Op == TokenNot {
			return !table.Truthy(v)
		}
		f, ok := table.ToFloat(v)
		if !ok {
			panic(evalErr(x.Pos, "cannot negate %q", table.Text(v)))
		}
		return -f
	case *BinaryExpr:
		return in.binary(x, en)
	case *CallExpr:
		return in.call(x, en)
	case *InExpr:
		v := in.eval(x.X, en)
		if v == nil {
			return nil
		}
		found := false
		for _, item := range x.List {
			if sub, ok := item.(*SubqueryExpr); ok {
				t := in.runSubquery(sub.Select)
				if t.Width() > 0 {
					for i := range t.Rows {
						if table.Equal(v, t.Cell(i, 0)) {
							found = true
							break
						}
					}
				}
			} else if table.Equal(v, in.eval(item, en)) {
				found = true
			}
			if found {
				break
			}
		}
		return found != x.Not
	case *BetweenExpr:
		v, lo, hi := in.eval(x.X, en), in.eval(x.Lo, en), in.eval(x.Hi, en)
		if v == nil || lo == nil || hi == nil {
			return nil
		}
		c1, ok1 := table.Compare(v, lo)
		c2, ok2 := table.Compare(v, hi)
		if !ok1 || !ok2 {
			panic(evalErr(x.Pos, "cannot compare %q with BETWEEN bounds", table.Text(v)))
		}
		return (c1 >= 0 && c2 <= 0) != x.Not
	case *IsNullExpr:
		return (in.eval(x.X, en) == nil) != x.Not
	case *LikeExpr:
		v, p := in.eval(x.X, en), in.eval(x.Pattern, en)
		if v == nil || p == nil {
			return nil
		}
		return in.like(table.Text(p)).MatchString(table.Text(v)) != x.Not
	case *SubqueryExpr:
		t := in.runSubquery(x.Select)
		if t.Len() == 0 {
			return nil
		}
		v, ok := t.Scalar()
		if !ok {
			panic(evalErr(x.Pos, "subquery used as a value must return one row and one column, got %d x %d", t.Len(), t.Width()))
		}
		return v
	}
	panic(evalErr(e.Position(), "unsupported expression"))
}

func (in *interp) runSubquery(s *SelectStmt) *table.Table {
	if t, ok := in.subquery[s]; ok {
		return t
	}
	t := in.selectStmt(s)
	in.subquery[s] = t
	return t
}

func (in *interp) ident(x *Ident, en *env) any {
	if en.out != nil {
		if v, ok := en.out[x.Name]; ok {
			return v
		}
	}
	if en.tbl != nil {
		if j := en.tbl.IndexFold(x.Name); j >= 0 {
			if en.row == nil || j >= len(en.row) {
				return nil
			}
			return en.row[j]
		}
	}
	if v, ok := in.scalars[x.Name]; ok {
		return v
	}
	if t, ok := in.lookupTable(x.Name); ok {
		if v, ok := t.Scalar(); ok {
			return v
		}
		panic(evalErr(x.Pos, "table %q cannot be used as a value", x.Name))
	}
	if en.tbl != nil {
		panic(&Error{Pos: x.Pos, Msg: fmt.Sprintf("unknown column %q (available: %s)", x.Name, strings.Join(en.tbl.ColumnNames(), ", ")), Err: ErrUnknownName})
	}
	panic(&Error{Pos: x.Pos, Msg: fmt.Sprintf("unknown name %q", x.Name), Err: ErrUnknownName})
}

func (in *interp) binary(x *BinaryExpr, en *env) any {
	switch x.Op {
	case TokenAnd:
		if !table.Truthy(in.eval(x.L, en)) {
			return false
		}
		return table.Truthy(in.eval(x.R, en))
	case TokenOr:
		if table.Truthy(in.eval(x.L, en)) {
			return true
		}
		return table.Truthy(in.eval(x.R, en))
	}

	l, r := in.eval(x.L, en), in.eval(x.R, en)
	if l == nil || r == nil {
		return nil
	}

	switch x.Op {
	case TokenEq, TokenNotEq, TokenLt, TokenLte, TokenGt, TokenGte:
		c, ok := table.Compare(l, r)
		if !ok {
			switch x.Op {
			case TokenEq:
				return false
			case TokenNotEq:
				return true
			}
			panic(evalErr(x.Pos, "cannot compare %q and %q", table.Text(l), table.Text(r)))
		}
		switch x.Op {
		case TokenEq:
			return c == 0
		case TokenNotEq:
			return c != 0
		case TokenLt:
			return c < 0
		case TokenLte:
			return c <= 0
		case TokenGt:
			return c > 0
		default:
			return c >= 0
		}
	case TokenConcat:
		return table.Text(l) + table.Text(r)
	}

	lf, lok := table.ToFloat(l)
	rf, rok := table.ToFloat(r)
	if !lok || !rok {
		ls, lstr := l.(string)
		rs, rstr := r.(string)
		if x.Op == TokenPlus && lstr && rstr {
			return ls + rs
		}
		panic(evalErr(x.Pos, "cannot apply %s to %q and %q", x.Op, table.Text(l), table.Text(r)))
	}
	switch x.Op {
	case TokenPlus:
		return lf + rf
	case TokenMinus:
		return lf - rf
	case TokenStar:
		return lf * rf
	case TokenSlash:
		if rf == 0 {
			return nil
		}
		return lf / rf
	case TokenPercent:
		if rf == 0 {
			return nil
		}
		return math.Mod(lf, rf)
	}
	panic(evalErr(x.Pos, "unsupported operator %s", x.Op))
}

func (in *interp) call(x *CallExpr, en *env) any {
	if fn, ok := aggregates[x.Name]; ok {
		if en.group == nil {
			panic(evalErr(x.Pos, "aggregate %s can only be used in a SELECT list or HAVING", x.Name))
		}
		if x.Star {
			if x.Name != "COUNT" {
				panic(evalErr(x.Pos, "%s(*) is not supported", x.Name))
			}
			return float64(len(en.group))
		}
		if len(x.Args) != 1 {
			panic(evalErr(x.Pos, "%s takes exactly one argument", x.Name))
		}
		values := make([]any, 0, len(en.group))
		seen := make(map[string]bool)
		for _, row := range en.group {
			in.tick()
			v := in.eval(x.Args[0], &env{tbl: en.tbl, row: row})
			if x.Distinct {
				k := table.Key(v)
				if seen[k] {
					continue
				}
				seen[k] = true
			}
			values = append(values, v)
		}
		v, err := table.Reduce(fn, values)
		if err != nil {
			panic(evalErr(x.Pos, "%s: %v", x.Name, err))
		}
		return v
	}

	f, ok := scalars[x.Name]
	if !ok {
		panic(&Error{Pos: x.Pos, Msg: fmt.Sprintf("unknown function %s", x.Name), Err: ErrUnknownName})
	}
	if x.Star || x.Distinct {
		panic(evalErr(x.Pos, "%s does not accept * or DISTINCT", x.Name))
	}
	if len(x.Args) < f.minArgs || (f.maxArgs >= 0 && len(x.Args) > f.maxArgs) {
		panic(evalErr(x.Pos, "%s called with %d arguments", x.Name, len(x.Args)))
	}
	args := make([]any, len(x.Args))
	for i, a := range x.Args {
		args[i] = in.eval(a, en)
	}
	v, err := f.fn(args)
	if err != nil {
		panic(evalErr(x.Pos, "%s: %v", x.Name, err))
	}
	return v
}

// like compiles a SQL LIKE pattern: % matches any run, _ one character.
// Matching ignores case.
func (in *interp) like(pattern string) *regexp.Regexp {
	if re, ok := in.patterns[pattern]; ok {
		return re
	}
	var sb strings.Builder
	sb.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re := regexp.MustCompile(sb.String())
	in.patterns[pattern] = re
	return re
}

package table

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidJoin = errors.New("invalid join")

type JoinKind string

const (
	JoinInner JoinKind = "inner"
	JoinLeft  JoinKind = "left"
	JoinRight JoinKind = "right"
	JoinOuter JoinKind = "outer"
)

func ParseJoinKind(s string) (JoinKind, error) {
	switch k := JoinKind(strings.ToLower(strings.TrimSpace(s))); k {
	case JoinInner, JoinLeft, JoinRight, JoinOuter:
		return k, nil
	}
	return "", fmt.Errorf("%w: unsupported join type %q (inner, left, right, outer)", ErrInvalidJoin, s)
}

// DefaultSuffixes disambiguate non-key columns present on both sides.
var DefaultSuffixes = [2]string{"_表1", "_表2"}

type JoinOptions struct {
	LeftKeys  []string
	RightKeys []string
	Kind      JoinKind
	Suffixes  [2]string
}

// Validate checks the options against both tables without touching rows.
func (o JoinOptions) Validate(left, right *Table) error {
	if len(o.LeftKeys) != len(o.RightKeys) {
		return fmt.Errorf("%w: key lists differ in length (%d vs %d)", ErrInvalidJoin, len(o.LeftKeys), len(o.RightKeys))
	}
	if len(o.LeftKeys) == 0 {
		return fmt.Errorf("%w: at least one key is required", ErrInvalidJoin)
	}
	for _, k := range o.LeftKeys {
		if !left.Has(k) {
			return fmt.Errorf("%w: left table has no column %q", ErrInvalidJoin, k)
		}
	}
	for _, k := range o.RightKeys {
		if !right.Has(k) {
			return fmt.Errorf("%w: right table has no column %q", ErrInvalidJoin, k)
		}
	}
	if _, err := ParseJoinKind(string(o.Kind)); err != nil {
		return err
	}
	return nil
}

// Join combines two tables on equal key values. Key pairs with the same name
// on both sides collapse into one column; any other column name present on
// both sides gets the left or right suffix. Nil keys never match.
//
// Rows follow the left table's order, except for right joins which follow
// the right table's. Outer joins append unmatched right rows at the end.
func Join(left, right *Table, opts JoinOptions) (*Table, error) {
	if err := opts.Validate(left, right); err != nil {
		return nil, err
	}
	kind, _ := ParseJoinKind(string(opts.Kind))
	suffixes := opts.Suffixes
	if suffixes == [2]string{} {
		suffixes = DefaultSuffixes
	}

	n := len(opts.LeftKeys)
	lk := make([]int, n)
	rk := make([]int, n)
	for i := range n {
		lk[i] = left.Index(opts.LeftKeys[i])
		rk[i] = right.Index(opts.RightKeys[i])
	}

	// Right columns that merge into a left key column.
	merged := make(map[int]int)
	for i := range n {
		if opts.LeftKeys[i] == opts.RightKeys[i] {
			merged[rk[i]] = lk[i]
		}
	}

	leftNames := make(map[string]bool, len(left.Columns))
	for _, c := range left.Columns {
		leftNames[c.Name] = true
	}
	rightNames := make(map[string]bool, len(right.Columns))
	for j, c := range right.Columns {
		if _, ok := merged[j]; !ok {
			rightNames[c.Name] = true
		}
	}
	leftMerged := make(map[int]bool, len(merged))
	for _, li := range merged {
		leftMerged[li] = true
	}

	cols := make([]Column, 0, len(left.Columns)+len(right.Columns))
	for i, c := range left.Columns {
		if !leftMerged[i] && rightNames[c.Name] {
			c.Name += suffixes[0]
		}
		cols = append(cols, c)
	}
	rightOut := make([]int, 0, len(right.Columns))
	for j, c := range right.Columns {
		if _, ok := merged[j]; ok {
			continue
		}
		if leftNames[c.Name] {
			c.Name += suffixes[1]
		}
		cols = append(cols, c)
		rightOut = append(rightOut, j)
	}

	build := func(lrow, rrow []any) []any {
		out := make([]any, 0, len(cols))
		for i := range left.Columns {
			if lrow == nil {
				out = append(out, nil)
				continue
			}
			out = append(out, cellAt(lrow, i))
		}
		if lrow == nil {
			for rj, li := range merged {
				out[li] = cellAt(rrow, rj)
			}
		}
		for _, j := range rightOut {
			if rrow == nil {
				out = append(out, nil)
				continue
			}
			out = append(out, cellAt(rrow, j))
		}
		return out
	}

	var rows [][]any
	if kind == JoinRight {
		index := indexRows(left, lk)
		for _, rrow := range right.Rows {
			var hits []int
			if k, ok := rowKey(rrow, rk); ok {
				hits = index[k]
			}
			for _, l := range hits {
				rows = append(rows, build(left.Rows[l], rrow))
			}
			if len(hits) == 0 {
				rows = append(rows, build(nil, rrow))
			}
		}
		return New(cols, rows), nil
	}

	index := indexRows(right, rk)
	matchedRight := make([]bool, len(right.Rows))
	for _, lrow := range left.Rows {
		var hits []int
		if k, ok := rowKey(lrow, lk); ok {
			hits = index[k]
		}
		for _, r := range hits {
			matchedRight[r] = true
			rows = append(rows, build(lrow, right.Rows[r]))
		}
		if len(hits) == 0 && (kind == JoinLeft || kind == JoinOuter) {
			rows = append(rows, build(lrow, nil))
		}
	}
	if kind == JoinOuter {
		for r, rrow := range right.Rows {
			if !matchedRight[r] {
				rows = append(rows, build(nil, rrow))
			}
		}
	}
	return New(cols, rows), nil
}

// rowKey builds the composite join key of a row. ok is false when any key
// cell is nil.
func rowKey(row []any, idx []int) (string, bool) {
	var sb strings.Builder
	for _, j := range idx {
		v := cellAt(row, j)
		if v == nil {
			return "", false
		}
		sb.WriteString(Key(v))
		sb.WriteByte(0x1f)
	}
	return sb.String(), true
}

func indexRows(t *Table, idx []int) map[string][]int {
	index := make(map[string][]int)
	for r, row := range t.Rows {
		if k, ok := rowKey(row, idx); ok {
			index[k] = append(index[k], r)
		}
	}
	return index
}

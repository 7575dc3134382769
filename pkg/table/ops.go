package table

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

var ErrUnsupportedAggregate = errors.New("unsupported aggregate function")

// Aggregate function names accepted by Reduce.
const (
	AggSum    = "sum"
	AggMean   = "mean"
	AggCount  = "count"
	AggMin    = "min"
	AggMax    = "max"
	AggMedian = "median"
	AggStd    = "std"
)

// Filter keeps the rows for which keep returns true.
func (t *Table) Filter(keep func(row []any) (bool, error)) (*Table, error) {
	rows := make([][]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		ok, err := keep(row)
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, row)
		}
	}
	return New(t.Columns, rows), nil
}

// WhereEqual keeps rows whose column equals value.
func (t *Table) WhereEqual(column string, value any) (*Table, error) {
	idx, err := t.MustIndex(column)
	if err != nil {
		return nil, err
	}
	return t.Filter(func(row []any) (bool, error) {
		if idx >= len(row) {
			return false, nil
		}
		return Equal(row[idx], value), nil
	})
}

// Project returns the named columns in the given order.
func (t *Table) Project(names ...string) (*Table, error) {
	idx := make([]int, len(names))
	cols := make([]Column, len(names))
	for i, name := range names {
		j, err := t.MustIndex(name)
		if err != nil {
			return nil, err
		}
		idx[i] = j
		cols[i] = t.Columns[j]
	}
	rows := make([][]any, len(t.Rows))
	for r := range t.Rows {
		row := make([]any, len(idx))
		for i, j := range idx {
			row[i] = t.Cell(r, j)
		}
		rows[r] = row
	}
	return New(cols, rows), nil
}

// WithColumn appends (or replaces) a computed column.
func (t *Table) WithColumn(name string, typ Type, fn func(row []any) any) *Table {
	existing := t.Index(name)
	cols := append([]Column(nil), t.Columns...)
	if existing < 0 {
		cols = append(cols, Column{Name: name, Type: typ})
	} else {
		cols[existing] = Column{Name: name, Type: typ}
	}
	rows := make([][]any, len(t.Rows))
	for i, row := range t.Rows {
		out := make([]any, len(cols))
		copy(out, row)
		v := fn(row)
		if existing < 0 {
			out[len(cols)-1] = v
		} else {
			out[existing] = v
		}
		rows[i] = out
	}
	return New(cols, rows)
}

// Rename returns the table with column old renamed to name.
func (t *Table) Rename(old, name string) *Table {
	cols := append([]Column(nil), t.Columns...)
	for i := range cols {
		if cols[i].Name == old {
			cols[i].Name = name
		}
	}
	return New(cols, t.Rows)
}

type SortKey struct {
	Column     string
	Descending bool
}

// Sort orders rows by the given keys. The sort is stable and nils sort last
// regardless of direction.
func (t *Table) Sort(keys ...SortKey) (*Table, error) {
	idx := make([]int, len(keys))
	for i, k := range keys {
		j, err := t.MustIndex(k.Column)
		if err != nil {
			return nil, err
		}
		idx[i] = j
	}
	rows := append([][]any(nil), t.Rows...)
	sort.SliceStable(rows, func(a, b int) bool {
		for i, k := range keys {
			c := compareCells(cellAt(rows[a], idx[i]), cellAt(rows[b], idx[i]), k.Descending)
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
	return New(t.Columns, rows), nil
}

// SortFunc orders rows with a caller-supplied comparison.
func (t *Table) SortFunc(less func(a, b []any) bool) *Table {
	rows := append([][]any(nil), t.Rows...)
	sort.SliceStable(rows, func(i, j int) bool { return less(rows[i], rows[j]) })
	return New(t.Columns, rows)
}

func cellAt(row []any, i int) any {
	if i >= len(row) {
		return nil
	}
	return row[i]
}

func compareCells(a, b any, desc bool) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	c, ok := Compare(a, b)
	if !ok {
		c = strings.Compare(Text(a), Text(b))
	}
	if desc {
		return -c
	}
	return c
}

// Agg describes one aggregate output column of GroupBy.
type Agg struct {
	Column string
	Func   string
	As     string
}

// GroupBy groups rows by the key columns and computes the aggregates.
// Groups come out sorted by key.
func (t *Table) GroupBy(keys []string, aggs []Agg) (*Table, error) {
	keyIdx := make([]int, len(keys))
	cols := make([]Column, 0, len(keys)+len(aggs))
	for i, k := range keys {
		j, err := t.MustIndex(k)
		if err != nil {
			return nil, err
		}
		keyIdx[i] = j
		cols = append(cols, t.Columns[j])
	}
	aggIdx := make([]int, len(aggs))
	for i, a := range aggs {
		j, err := t.MustIndex(a.Column)
		if err != nil {
			return nil, err
		}
		aggIdx[i] = j
		name := a.As
		if name == "" {
			name = a.Column
		}
		cols = append(cols, Column{Name: name, Type: aggType(a.Func, t.Columns[j].Type)})
	}

	groups := make(map[string]int)
	var keyRows [][]any
	var members [][]int
	for r, row := range t.Rows {
		var sb strings.Builder
		kv := make([]any, len(keyIdx))
		for i, j := range keyIdx {
			kv[i] = cellAt(row, j)
			sb.WriteString(Key(kv[i]))
			sb.WriteByte(0x1f)
		}
		g, ok := groups[sb.String()]
		if !ok {
			g = len(keyRows)
			groups[sb.String()] = g
			keyRows = append(keyRows, kv)
			members = append(members, nil)
		}
		members[g] = append(members[g], r)
	}

	rows := make([][]any, len(keyRows))
	for g, kv := range keyRows {
		row := make([]any, 0, len(cols))
		row = append(row, kv...)
		for i, a := range aggs {
			values := make([]any, len(members[g]))
			for m, r := range members[g] {
				values[m] = t.Cell(r, aggIdx[i])
			}
			v, err := Reduce(a.Func, values)
			if err != nil {
				return nil, err
			}
			row = append(row, v)
		}
		rows[g] = row
	}
	sort.SliceStable(rows, func(a, b int) bool {
		for i := range keyIdx {
			if c := compareCells(rows[a][i], rows[b][i], false); c != 0 {
				return c < 0
			}
		}
		return false
	})
	return New(cols, rows), nil
}

func aggType(fn string, in Type) Type {
	switch strings.ToLower(fn) {
	case AggCount:
		return TypeInt
	case AggMin, AggMax:
		return in
	case AggSum:
		if in == TypeInt {
			return TypeInt
		}
		return TypeFloat
	default:
		return TypeFloat
	}
}

// Reduce applies an aggregate function to a slice of cells. Nil cells are
// skipped. Sum of nothing is 0; mean, median and std of nothing are nil.
func Reduce(fn string, values []any) (any, error) {
	fn = strings.ToLower(fn)
	switch fn {
	case AggCount:
		n := 0
		for _, v := range values {
			if v != nil {
				n++
			}
		}
		return float64(n), nil
	case AggMin, AggMax:
		var best any
		for _, v := range values {
			if v == nil {
				continue
			}
			if best == nil {
				best = Normalize(v)
				continue
			}
			c, ok := Compare(v, best)
			if !ok {
				return nil, fmt.Errorf("cannot compare %v and %v", v, best)
			}
			if (fn == AggMin && c < 0) || (fn == AggMax && c > 0) {
				best = Normalize(v)
			}
		}
		return best, nil
	}

	nums, err := numbers(values)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn, err)
	}
	switch fn {
	case AggSum:
		s := 0.0
		for _, f := range nums {
			s += f
		}
		return s, nil
	case AggMean, "avg":
		if len(nums) == 0 {
			return nil, nil
		}
		s := 0.0
		for _, f := range nums {
			s += f
		}
		return s / float64(len(nums)), nil
	case AggMedian:
		if len(nums) == 0 {
			return nil, nil
		}
		sort.Float64s(nums)
		mid := len(nums) / 2
		if len(nums)%2 == 1 {
			return nums[mid], nil
		}
		return (nums[mid-1] + nums[mid]) / 2, nil
	case AggStd, "stddev":
		if len(nums) < 2 {
			return nil, nil
		}
		mean := 0.0
		for _, f := range nums {
			mean += f
		}
		mean /= float64(len(nums))
		ss := 0.0
		for _, f := range nums {
			ss += (f - mean) * (f - mean)
		}
		return math.Sqrt(ss / float64(len(nums)-1)), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedAggregate, fn)
}

func numbers(values []any) ([]float64, error) {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if v == nil {
			continue
		}
		f, ok := ToFloat(v)
		if !ok {
			return nil, fmt.Errorf("non-numeric value %q", Text(v))
		}
		out = append(out, f)
	}
	return out, nil
}

// Sum adds the numeric cells of a column.
func (t *Table) Sum(column string) (float64, error) {
	values, err := t.Values(column)
	if err != nil {
		return 0, err
	}
	v, err := Reduce(AggSum, values)
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// Distinct removes duplicate rows, keeping first occurrences.
func (t *Table) Distinct() *Table {
	seen := make(map[string]struct{}, len(t.Rows))
	rows := make([][]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		var sb strings.Builder
		for j := range t.Columns {
			sb.WriteString(Key(cellAt(row, j)))
			sb.WriteByte(0x1f)
		}
		if _, ok := seen[sb.String()]; ok {
			continue
		}
		seen[sb.String()] = struct{}{}
		rows = append(rows, row)
	}
	return New(t.Columns, rows)
}

type ValueCount struct {
	Value any `json:"value"`
	Count int `json:"count"`
}

// ValueCounts counts non-nil values of a column, most frequent first.
func (t *Table) ValueCounts(column string) ([]ValueCount, error) {
	values, err := t.Values(column)
	if err != nil {
		return nil, err
	}
	index := make(map[string]int)
	var counts []ValueCount
	for _, v := range values {
		if v == nil {
			continue
		}
		k := Key(v)
		i, ok := index[k]
		if !ok {
			i = len(counts)
			index[k] = i
			counts = append(counts, ValueCount{Value: Normalize(v)})
		}
		counts[i].Count++
	}
	sort.SliceStable(counts, func(a, b int) bool { return counts[a].Count > counts[b].Count })
	return counts, nil
}

// NullCount reports nil cells in a column.
func (t *Table) NullCount(column string) (int, error) {
	values, err := t.Values(column)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, v := range values {
		if v == nil {
			n++
		}
	}
	return n, nil
}

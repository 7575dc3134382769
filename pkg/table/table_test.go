package table

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func costs() *Table {
	return FromRows(
		[]string{"Month", "Function", "Amount", "Category"},
		[][]any{
			{"Oct", "HR", 100.0, "Labor"},
			{"Nov", "HR", 50.0, "Labor"},
			{"Oct", "IT", 30.5, "Cloud"},
			{"Dec", nil, 20.0, nil},
		},
	)
}

func TestSheetAgent_Table_FromRows(t *testing.T) {
	t.Parallel()

	tbl := costs()
	require.Equal(t, 4, tbl.Len())
	require.Equal(t, 4, tbl.Width())
	require.Equal(t, []Column{
		{Name: "Month", Type: TypeString},
		{Name: "Function", Type: TypeString},
		{Name: "Amount", Type: TypeFloat},
		{Name: "Category", Type: TypeString},
	}, tbl.Columns)

	ints := FromRows([]string{"n"}, [][]any{{1.0}, {2.0}, {nil}})
	require.Equal(t, TypeInt, ints.Columns[0].Type)

	empty := FromRows([]string{"x"}, nil)
	require.Equal(t, TypeString, empty.Columns[0].Type)
	require.NotNil(t, empty.Rows)
}

func TestSheetAgent_Table_MustIndex(t *testing.T) {
	t.Parallel()

	tbl := costs()
	_, err := tbl.MustIndex("Missing")
	require.ErrorIs(t, err, ErrUnknownColumn)
	require.Contains(t, err.Error(), "Month, Function, Amount, Category")

	require.Equal(t, 2, tbl.IndexFold("amount"))
	require.Equal(t, -1, tbl.Index("amount"))
}

func TestSheetAgent_Table_FilterProjectSort(t *testing.T) {
	t.Parallel()

	tbl := costs()

	hr, err := tbl.WhereEqual("Function", "HR")
	require.NoError(t, err)
	require.Equal(t, 2, hr.Len())

	proj, err := hr.Project("Amount", "Month")
	require.NoError(t, err)
	require.Equal(t, []string{"Amount", "Month"}, proj.ColumnNames())
	require.Equal(t, [][]any{{100.0, "Oct"}, {50.0, "Nov"}}, proj.Rows)

	sorted, err := tbl.Sort(SortKey{Column: "Function", Descending: true})
	require.NoError(t, err)
	got, err := sorted.Values("Function")
	require.NoError(t, err)
	require.Equal(t, []any{"IT", "HR", "HR", nil}, got)

	_, err = tbl.Sort(SortKey{Column: "nope"})
	require.ErrorIs(t, err, ErrUnknownColumn)
}

func TestSheetAgent_Table_GroupBy(t *testing.T) {
	t.Parallel()

	tbl := costs()
	grouped, err := tbl.GroupBy([]string{"Month"}, []Agg{
		{Column: "Amount", Func: AggSum},
		{Column: "Amount", Func: AggCount, As: "n"},
	})
	require.NoError(t, err)

	want := [][]any{
		{"Dec", 20.0, 1.0},
		{"Nov", 50.0, 1.0},
		{"Oct", 130.5, 2.0},
	}
	if diff := cmp.Diff(want, grouped.Rows); diff != "" {
		t.Fatalf("unexpected groups (-want +got):\n%s", diff)
	}
	require.Equal(t, []string{"Month", "Amount", "n"}, grouped.ColumnNames())
}

func TestSheetAgent_Table_Reduce(t *testing.T) {
	t.Parallel()

	values := []any{1.0, 2.0, 3.0, 4.0, nil}
	tests := []struct {
		fn   string
		want any
	}{
		{AggSum, 10.0},
		{AggMean, 2.5},
		{AggCount, 4.0},
		{AggMin, 1.0},
		{AggMax, 4.0},
		{AggMedian, 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.fn, func(t *testing.T) {
			t.Parallel()
			got, err := Reduce(tt.fn, values)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	t.Run("std", func(t *testing.T) {
		t.Parallel()
		got, err := Reduce(AggStd, values)
		require.NoError(t, err)
		require.InDelta(t, math.Sqrt(5.0/3.0), got.(float64), 1e-9)
	})

	t.Run("mean of nothing is nil", func(t *testing.T) {
		t.Parallel()
		got, err := Reduce(AggMean, []any{nil})
		require.NoError(t, err)
		require.Nil(t, got)
	})

	t.Run("non-numeric", func(t *testing.T) {
		t.Parallel()
		_, err := Reduce(AggSum, []any{"abc"})
		require.Error(t, err)
	})

	t.Run("unsupported", func(t *testing.T) {
		t.Parallel()
		_, err := Reduce("mode", values)
		require.True(t, errors.Is(err, ErrUnsupportedAggregate))
	})
}

func TestSheetAgent_Table_ValueCounts(t *testing.T) {
	t.Parallel()

	counts, err := costs().ValueCounts("Month")
	require.NoError(t, err)
	require.Equal(t, []ValueCount{
		{Value: "Oct", Count: 2},
		{Value: "Nov", Count: 1},
		{Value: "Dec", Count: 1},
	}, counts)

	nulls, err := costs().NullCount("Function")
	require.NoError(t, err)
	require.Equal(t, 1, nulls)
}

func TestSheetAgent_Table_Distinct(t *testing.T) {
	t.Parallel()

	tbl := FromRows([]string{"a", "b"}, [][]any{{"x", 1.0}, {"x", 1.0}, {"y", 1.0}, {"x", "1"}})
	require.Equal(t, 3, tbl.Distinct().Len())
}

func TestSheetAgent_Table_Scalar(t *testing.T) {
	t.Parallel()

	v, ok := FromRows([]string{"total"}, [][]any{{42.0}}).Scalar()
	require.True(t, ok)
	require.Equal(t, 42.0, v)

	_, ok = costs().Scalar()
	require.False(t, ok)
}

func TestSheetAgent_Table_String(t *testing.T) {
	t.Parallel()

	out := costs().Head(2).String()
	require.Equal(t, "Columns: Month, Function, Amount, Category\nRows (2 total):\nOct | HR | 100 | Labor\nNov | HR | 50 | Labor\n", out)

	md := FromRows([]string{"a"}, [][]any{{1.25}}).Markdown(5)
	require.Equal(t, "| a |\n| --- |\n| 1.25 |\n", md)
}

func TestSheetAgent_Table_Values(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b any
		cmp  int
		ok   bool
	}{
		{"numbers", 1.0, 2.0, -1, true},
		{"numeric string", "10", 10.0, 0, true},
		{"strings", "b", "a", 1, true},
		{"word vs number", "abc", 1.0, 0, false},
		{"nil", nil, 1.0, 0, false},
		{"bools", false, true, -1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, ok := Compare(tt.a, tt.b)
			require.Equal(t, tt.ok, ok)
			if ok {
				require.Equal(t, tt.cmp, c)
			}
		})
	}

	require.Nil(t, ParseCell("  "))
	require.Equal(t, 3.5, ParseCell("3.5"))
	require.Equal(t, true, ParseCell("TRUE"))
	require.Equal(t, "FY26", ParseCell("FY26"))
	require.Equal(t, "12.35", Format(12.3456))
	require.Equal(t, "7", Format(7.0))
	require.False(t, Equal(nil, nil))
}

func TestSheetAgent_Table_NonFiniteCells(t *testing.T) {
	t.Parallel()

	require.Nil(t, Normalize(math.NaN()))
	require.Nil(t, Normalize(math.Inf(-1)))
	require.Nil(t, Normalize(float32(math.Inf(1))))
	require.Equal(t, 2.5, Normalize(float32(2.5)))

	tbl := FromRows([]string{"a", "b"}, [][]any{{math.NaN(), 1.0}, {math.Inf(1), 2.0}})
	require.Equal(t, []map[string]any{{"a": nil, "b": 1.0}, {"a": nil, "b": 2.0}}, tbl.Records(-1))

	v, ok := FromRows([]string{"a"}, [][]any{{math.NaN()}}).Scalar()
	require.True(t, ok)
	require.Nil(t, v)
}

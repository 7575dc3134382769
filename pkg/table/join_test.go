package table

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func joinFixtures() (*Table, *Table) {
	left := FromRows([]string{"BL", "Month", "Amount"}, [][]any{
		{"Ops", "Oct", 10.0},
		{"Ops", "Nov", 20.0},
		{"Sales", "Oct", 30.0},
		{nil, "Oct", 40.0},
	})
	right := FromRows([]string{"BL", "Owner", "Amount"}, [][]any{
		{"Ops", "Alice", 1.0},
		{"Finance", "Bob", 2.0},
		{nil, "Carol", 3.0},
	})
	return left, right
}

func TestSheetAgent_Table_Join(t *testing.T) {
	t.Parallel()

	left, right := joinFixtures()
	opts := func(kind JoinKind) JoinOptions {
		return JoinOptions{LeftKeys: []string{"BL"}, RightKeys: []string{"BL"}, Kind: kind}
	}

	t.Run("columns coalesce keys and suffix collisions", func(t *testing.T) {
		t.Parallel()
		out, err := Join(left, right, opts(JoinInner))
		require.NoError(t, err)
		require.Equal(t, []string{"BL", "Month", "Amount_表1", "Owner", "Amount_表2"}, out.ColumnNames())
		require.Equal(t, [][]any{
			{"Ops", "Oct", 10.0, "Alice", 1.0},
			{"Ops", "Nov", 20.0, "Alice", 1.0},
		}, out.Rows)
	})

	t.Run("row counts nest", func(t *testing.T) {
		t.Parallel()
		counts := map[JoinKind]int{}
		for _, kind := range []JoinKind{JoinInner, JoinLeft, JoinRight, JoinOuter} {
			out, err := Join(left, right, opts(kind))
			require.NoError(t, err)
			counts[kind] = out.Len()
		}
		require.Equal(t, 2, counts[JoinInner])
		require.Equal(t, 4, counts[JoinLeft])
		require.Equal(t, 4, counts[JoinRight])
		require.Equal(t, 6, counts[JoinOuter])
		require.LessOrEqual(t, counts[JoinInner], counts[JoinLeft])
		require.LessOrEqual(t, counts[JoinInner], counts[JoinRight])
		require.LessOrEqual(t, counts[JoinLeft], counts[JoinOuter])
		require.LessOrEqual(t, counts[JoinRight], counts[JoinOuter])
	})

	t.Run("right join fills key from right side", func(t *testing.T) {
		t.Parallel()
		out, err := Join(left, right, opts(JoinRight))
		require.NoError(t, err)
		keys, err := out.Values("BL")
		require.NoError(t, err)
		require.Equal(t, []any{"Ops", "Ops", "Finance", nil}, keys)
	})

	t.Run("different key names keep both columns", func(t *testing.T) {
		t.Parallel()
		r := right.Rename("BL", "BusinessLine")
		out, err := Join(left, r, JoinOptions{LeftKeys: []string{"BL"}, RightKeys: []string{"BusinessLine"}, Kind: JoinLeft})
		require.NoError(t, err)
		require.Equal(t, []string{"BL", "Month", "Amount_表1", "BusinessLine", "Owner", "Amount_表2"}, out.ColumnNames())
		require.Equal(t, 4, out.Len())
	})

	t.Run("custom suffixes", func(t *testing.T) {
		t.Parallel()
		o := opts(JoinInner)
		o.Suffixes = [2]string{"_l", "_r"}
		out, err := Join(left, right, o)
		require.NoError(t, err)
		require.True(t, out.Has("Amount_l"))
		require.True(t, out.Has("Amount_r"))
	})
}

func TestSheetAgent_Table_JoinValidation(t *testing.T) {
	t.Parallel()

	left, right := joinFixtures()
	tests := []struct {
		name string
		opts JoinOptions
	}{
		{"mismatched key counts", JoinOptions{LeftKeys: []string{"BL", "Month"}, RightKeys: []string{"BL"}, Kind: JoinInner}},
		{"no keys", JoinOptions{Kind: JoinInner}},
		{"missing left key", JoinOptions{LeftKeys: []string{"Nope"}, RightKeys: []string{"BL"}, Kind: JoinInner}},
		{"missing right key", JoinOptions{LeftKeys: []string{"BL"}, RightKeys: []string{"Nope"}, Kind: JoinInner}},
		{"bad kind", JoinOptions{LeftKeys: []string{"BL"}, RightKeys: []string{"BL"}, Kind: "cross"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Join(left, right, tt.opts)
			require.ErrorIs(t, err, ErrInvalidJoin)
		})
	}
}

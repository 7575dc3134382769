package tools

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sheetagent/pkg/query"
	"github.com/malbeclabs/sheetagent/pkg/registry"
	"github.com/malbeclabs/sheetagent/pkg/table"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

type fakeSource struct {
	tables    map[string]*table.Table
	conflicts map[string]error
	active    string
}

func (f *fakeSource) Bindings() registry.Bindings {
	return registry.Bindings{Tables: f.tables, Conflicts: f.conflicts}
}

func (f *fakeSource) Active() (*table.Table, registry.TableInfo, bool) {
	t, ok := f.tables[f.active]
	if !ok {
		return nil, registry.TableInfo{}, false
	}
	return t, registry.TableInfo{SheetName: f.active}, true
}

func sales() *table.Table {
	return table.FromRows(
		[]string{"Region", "Product", "Sales", "Rep"},
		[][]any{
			{"North", "Widget", 120.0, "Ann"},
			{"South", "Widget", 80.0, "Bob"},
			{"North", "Gadget", 200.0, nil},
			{"East", "Gizmo", 50.0, "Cy"},
			{"South", "Gadget", nil, "Bob"},
		},
	)
}

func newTestSet(t *testing.T, src Source) (*Set, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC))
	s, err := New(Config{Logger: logger, Source: src, Clock: clock})
	require.NoError(t, err)
	return s, clock
}

func salesSet(t *testing.T) *Set {
	t.Helper()
	s, _ := newTestSet(t, &fakeSource{tables: map[string]*table.Table{"Sales": sales()}, active: "Sales"})
	return s
}

func TestSheetAgent_Tools_New(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Source: &fakeSource{}})
	require.EqualError(t, err, "logger is required")

	_, err = New(Config{Logger: logger})
	require.EqualError(t, err, "source is required")

	s := salesSet(t)
	names := make([]string, 0)
	for _, tool := range s.List() {
		names = append(names, tool.Name)
		require.NotNil(t, tool.InputSchema, tool.Name)
		require.NotEmpty(t, tool.Description, tool.Name)
	}
	require.Equal(t, []string{
		"filter_data", "aggregate_data", "group_and_aggregate", "sort_data", "search_data",
		"get_column_stats", "get_unique_values", "get_data_preview", "get_current_time",
		"calculate", "execute_query",
		"calculate_allocated_costs", "compare_allocated_costs", "calculate_trend",
		"analyze_cost_composition", "compare_scenarios", "get_service_details",
	}, names)

	_, ok := s.Lookup("nope")
	require.False(t, ok)
}

func TestSheetAgent_Tools_Call(t *testing.T) {
	t.Parallel()

	s := salesSet(t)

	t.Run("unknown tool", func(t *testing.T) {
		t.Parallel()
		_, err := s.Call(t.Context(), "drop_table", nil)
		require.ErrorIs(t, err, ErrUnknownTool)
	})

	t.Run("bad arguments", func(t *testing.T) {
		t.Parallel()
		_, err := s.Call(t.Context(), "sort_data", map[string]any{"column": 5})
		require.ErrorIs(t, err, ErrInvalidArguments)
	})

	t.Run("no active table", func(t *testing.T) {
		t.Parallel()
		empty, _ := newTestSet(t, &fakeSource{})
		_, err := empty.Call(t.Context(), "get_data_preview", nil)
		require.ErrorIs(t, err, registry.ErrNoActiveTable)
	})
}

func TestSheetAgent_Tools_FilterData(t *testing.T) {
	t.Parallel()

	s := salesSet(t)

	tests := []struct {
		name    string
		args    map[string]any
		want    [][]any
		columns []string
		total   int
	}{
		{
			name:  "single condition",
			args:  map[string]any{"column": "Region", "operator": "==", "value": "North"},
			want:  [][]any{{"North", "Widget", 120.0, "Ann"}, {"North", "Gadget", 200.0, nil}},
			total: 2,
		},
		{
			name:  "numeric string compares as number",
			args:  map[string]any{"column": "Sales", "operator": ">=", "value": "100"},
			want:  [][]any{{"North", "Widget", 120.0, "Ann"}, {"North", "Gadget", 200.0, nil}},
			total: 2,
		},
		{
			name: "multiple conditions with sort and select",
			args: map[string]any{
				"filters": []any{
					map[string]any{"column": "Product", "operator": "startswith", "value": "G"},
					map[string]any{"column": "Sales", "operator": ">", "value": 10},
				},
				"sort_by":        "Sales",
				"ascending":      false,
				"select_columns": []any{"Product", "Sales", "Missing"},
			},
			want:    [][]any{{"Gadget", 200.0}, {"Gizmo", 50.0}},
			columns: []string{"Product", "Sales"},
			total:   2,
		},
		{
			name:  "contains ignores case",
			args:  map[string]any{"column": "Product", "operator": "contains", "value": "WID"},
			total: 2,
		},
		{
			name:  "not equal keeps nulls",
			args:  map[string]any{"column": "Rep", "operator": "!=", "value": "Bob"},
			total: 3,
		},
		{
			name:  "limit",
			args:  map[string]any{"limit": 2},
			total: 5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := s.Call(t.Context(), "filter_data", tt.args)
			require.NoError(t, err)
			res := out.(*Result)
			require.Equal(t, tt.total, res.TotalRows)
			if tt.want != nil {
				require.Equal(t, tt.want, res.Table().Rows)
			}
			if tt.columns != nil {
				require.Equal(t, tt.columns, res.Columns)
			}
		})
	}

	out, err := s.Call(t.Context(), "filter_data", map[string]any{"limit": 2})
	require.NoError(t, err)
	require.Equal(t, 2, out.(*Result).ReturnedRows)

	_, err = s.Call(t.Context(), "filter_data", map[string]any{"column": "Nope", "operator": "==", "value": 1})
	require.ErrorIs(t, err, ErrUnknownColumn)

	_, err = s.Call(t.Context(), "filter_data", map[string]any{"column": "Sales", "operator": "between", "value": 1})
	require.ErrorIs(t, err, ErrUnsupportedOperator)
}

func TestSheetAgent_Tools_Aggregates(t *testing.T) {
	t.Parallel()

	s := salesSet(t)

	out, err := s.Call(t.Context(), "aggregate_data", map[string]any{"column": "Sales", "agg_func": "sum"})
	require.NoError(t, err)
	require.Equal(t, &AggregateDataOutput{Column: "Sales", Function: "sum", FilteredRows: 5, Result: 450.0}, out)

	out, err = s.Call(t.Context(), "aggregate_data", map[string]any{
		"column":   "Sales",
		"agg_func": "mean",
		"filters":  []any{map[string]any{"column": "Region", "operator": "==", "value": "North"}},
	})
	require.NoError(t, err)
	require.Equal(t, 160.0, out.(*AggregateDataOutput).Result)
	require.Equal(t, 2, out.(*AggregateDataOutput).FilteredRows)

	_, err = s.Call(t.Context(), "aggregate_data", map[string]any{"column": "Sales", "agg_func": "mode"})
	require.ErrorIs(t, err, table.ErrUnsupportedAggregate)

	out, err = s.Call(t.Context(), "group_and_aggregate", map[string]any{"group_by": "Region", "agg_column": "Sales", "agg_func": "sum"})
	require.NoError(t, err)
	res := out.(*Result)
	require.Equal(t, []string{"Region", "Sales_sum"}, res.Columns)
	require.Equal(t, [][]any{{"North", 320.0}, {"South", 80.0}, {"East", 50.0}}, res.Table().Rows)
	require.Equal(t, 5, *res.FilteredRows)
}

func TestSheetAgent_Tools_SortAndSearch(t *testing.T) {
	t.Parallel()

	s := salesSet(t)

	out, err := s.Call(t.Context(), "sort_data", map[string]any{"column": "Sales", "select_columns": []any{"Product"}})
	require.NoError(t, err)
	require.Equal(t, [][]any{{"Gizmo"}, {"Widget"}, {"Widget"}, {"Gadget"}, {"Gadget"}}, out.(*Result).Table().Rows)

	out, err = s.Call(t.Context(), "search_data", map[string]any{"keyword": "bob"})
	require.NoError(t, err)
	require.Equal(t, 2, out.(*Result).TotalRows)

	out, err = s.Call(t.Context(), "search_data", map[string]any{"keyword": "g", "columns": []any{"Product"}, "select_columns": []any{"Product"}})
	require.NoError(t, err)
	require.Equal(t, [][]any{{"Widget"}, {"Widget"}, {"Gadget"}, {"Gizmo"}, {"Gadget"}}, out.(*Result).Table().Rows)
}

func TestSheetAgent_Tools_ColumnInfo(t *testing.T) {
	t.Parallel()

	s := salesSet(t)

	out, err := s.Call(t.Context(), "get_column_stats", map[string]any{"column": "Sales"})
	require.NoError(t, err)
	stats := out.(*ColumnStats)
	require.Equal(t, "int64", stats.DType)
	require.Equal(t, 4, stats.Count)
	require.Equal(t, 1, stats.NullCount)
	require.Equal(t, 4, stats.UniqueCount)
	require.Equal(t, 50.0, *stats.Min)
	require.Equal(t, 200.0, *stats.Max)
	require.Equal(t, 112.5, *stats.Mean)
	require.Equal(t, 100.0, *stats.Median)

	out, err = s.Call(t.Context(), "get_column_stats", map[string]any{"column": "Region"})
	require.NoError(t, err)
	require.Nil(t, out.(*ColumnStats).Mean)

	out, err = s.Call(t.Context(), "get_unique_values", map[string]any{"column": "Region", "limit": 2})
	require.NoError(t, err)
	uv := out.(*UniqueValues)
	require.Equal(t, 3, uv.TotalUnique)
	require.Equal(t, 2, uv.ReturnedUnique)
	require.Equal(t, []UniqueValue{{Value: "North", Count: 2}, {Value: "South", Count: 2}}, uv.Values)

	out, err = s.Call(t.Context(), "get_data_preview", nil)
	require.NoError(t, err)
	require.Equal(t, 5, out.(*Result).ReturnedRows)

	out, err = s.Call(t.Context(), "get_data_preview", map[string]any{"n_rows": 2})
	require.NoError(t, err)
	require.Equal(t, 2, out.(*Result).ReturnedRows)
	require.Len(t, out.(*Result).Data, 2)
	require.Equal(t, "Ann", out.(*Result).Data[0]["Rep"])
}

func TestSheetAgent_Tools_TimeAndCalculate(t *testing.T) {
	t.Parallel()

	s, clock := newTestSet(t, &fakeSource{})

	out, err := s.Call(t.Context(), "get_current_time", nil)
	require.NoError(t, err)
	require.Equal(t, &CurrentTime{CurrentTime: "2025-03-14 09:26:53", Weekday: "Friday", Timestamp: float64(clock.Now().Unix())}, out)

	out, err = s.Call(t.Context(), "calculate", map[string]any{"expressions": []any{"(100+200)*0.5", "ROUND(500/3, 2)", "__import__('os')", "1 +"}})
	require.NoError(t, err)
	results := out.(*CalculateOutput).Results
	require.Equal(t, 150.0, results["(100+200)*0.5"])
	require.Equal(t, 166.67, results["ROUND(500/3, 2)"])
	require.Contains(t, results["__import__('os')"], "Error:")
	require.Contains(t, results["1 +"], "Error:")
}

func TestSheetAgent_Tools_ExecuteQuery(t *testing.T) {
	t.Parallel()

	s := salesSet(t)

	out, err := s.Call(t.Context(), "execute_query", map[string]any{"query": "SELECT Region, SUM(Sales) AS total FROM df GROUP BY Region ORDER BY total DESC", "limit": 1})
	require.NoError(t, err)
	res := out.(*Result)
	require.Equal(t, 3, res.TotalRows)
	require.Equal(t, [][]any{{"North", 320.0}}, res.Table().Rows)

	out, err = s.Call(t.Context(), "execute_query", map[string]any{"query": "SELECT COUNT(*) FROM Sales"})
	require.NoError(t, err)
	require.Equal(t, 1, out.(*Result).TotalRows)

	out, err = s.Call(t.Context(), "execute_query", map[string]any{"query": "1 + 1"})
	require.NoError(t, err)
	require.Equal(t, &ScalarResult{Result: 2.0}, out)

	_, err = s.Call(t.Context(), "execute_query", map[string]any{"query": "SELECT nope FROM df"})
	require.ErrorIs(t, err, query.ErrUnknownName)
}

func TestSheetAgent_Tools_Namespace(t *testing.T) {
	t.Parallel()

	src := &fakeSource{tables: map[string]*table.Table{"Sales": sales()}, active: "Sales"}
	ns, _ := Namespace(src)
	require.Len(t, ns, 2)
	require.Same(t, ns["Sales"], ns["df"])

	ns, _ = Namespace(&fakeSource{})
	require.Empty(t, ns)
}

func TestSheetAgent_Tools_AmbiguousBinding(t *testing.T) {
	t.Parallel()

	s, _ := newTestSet(t, &fakeSource{
		tables:    map[string]*table.Table{"Sales": sales()},
		conflicts: map[string]error{"Sheet1": registry.ErrBindingConflict},
		active:    "Sales",
	})

	_, err := s.Call(t.Context(), "execute_query", map[string]any{"query": "SELECT COUNT(*) AS n FROM Sales"})
	require.NoError(t, err)

	_, err = s.Call(t.Context(), "execute_query", map[string]any{"query": "SELECT * FROM Sheet1"})
	require.ErrorIs(t, err, registry.ErrBindingConflict)
}

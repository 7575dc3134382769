package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sheetagent/pkg/query"
	"github.com/malbeclabs/sheetagent/pkg/registry"
	"github.com/malbeclabs/sheetagent/pkg/sheet"
	"github.com/malbeclabs/sheetagent/pkg/table"
	"github.com/malbeclabs/sheetagent/pkg/tools"
)

var testLog = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

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
	return t, registry.TableInfo{SheetName: f.active}, ok
}

func sales() *table.Table {
	rows := make([][]any, 0, 150)
	for i := range 150 {
		region := "North"
		if i%2 == 1 {
			region = "South"
		}
		rows = append(rows, []any{region, float64(i)})
	}
	return table.FromRows([]string{"Region", "Sales"}, rows)
}

func newTestExecutor(t *testing.T, src *fakeSource, rowLimit int) *Executor {
	t.Helper()
	set, err := tools.New(tools.Config{Logger: testLog, Source: src})
	require.NoError(t, err)
	e, err := New(Config{Logger: testLog, Tools: set, Source: src, RowLimit: rowLimit})
	require.NoError(t, err)
	return e
}

func TestSheetAgent_Executor_ParsePlan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want Plan
	}{
		{
			name: "tool_call and parameters",
			in:   `{"tool_call": "calculate_trend", "parameters": {"year": "FY26", "scenario": "Budget1"}}`,
			want: ToolCallPlan("calculate_trend", map[string]any{"year": "FY26", "scenario": "Budget1"}),
		},
		{
			name: "tool and args in a fence",
			in:   "```json\n{\"tool\": \"get_data_preview\", \"args\": {\"n_rows\": 3}}\n```",
			want: ToolCallPlan("get_data_preview", map[string]any{"n_rows": 3.0}),
		},
		{
			name: "tool call without parameters",
			in:   `{"tool_call": "get_current_time"}`,
			want: ToolCallPlan("get_current_time", nil),
		},
		{
			name: "fenced query",
			in:   "```sql\nSELECT * FROM df\n```",
			want: ExpressionPlan("SELECT * FROM df"),
		},
		{
			name: "json without a tool",
			in:   `{"answer": 42}`,
			want: ExpressionPlan(`{"answer": 42}`),
		},
		{
			name: "broken json",
			in:   `{"tool_call": "x"`,
			want: ExpressionPlan(`{"tool_call": "x"`),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ParsePlan(tt.in))
		})
	}
}

func TestSheetAgent_Executor_PlanText(t *testing.T) {
	t.Parallel()

	p := ToolCallPlan("calculate_trend", map[string]any{"year": "FY26"})
	require.JSONEq(t, `{"tool_call": "calculate_trend", "parameters": {"year": "FY26"}}`, p.Text())
	require.Equal(t, p, ParsePlan(p.Text()))

	require.Equal(t, "SELECT 1", ExpressionPlan("SELECT 1").Text())
	require.Equal(t, "tool_call", PlanToolCall.String())
	require.Equal(t, "expression", PlanExpression.String())
}

func TestSheetAgent_Executor_Expression(t *testing.T) {
	t.Parallel()

	src := &fakeSource{tables: map[string]*table.Table{"Sales_2024": sales()}, active: "Sales_2024"}
	e := newTestExecutor(t, src, 0)

	t.Run("tabular results are truncated", func(t *testing.T) {
		t.Parallel()
		res, err := e.Execute(t.Context(), ExpressionPlan("SELECT * FROM df"))
		require.NoError(t, err)
		require.False(t, res.Scalar)
		out := res.Value.(*tools.Result)
		require.Equal(t, 150, out.TotalRows)
		require.Equal(t, DefaultRowLimit, out.ReturnedRows)
	})

	t.Run("bindings and df share the active table", func(t *testing.T) {
		t.Parallel()
		res, err := e.Execute(t.Context(), ExpressionPlan("SELECT Region, COUNT(*) AS n FROM Sales_2024 GROUP BY Region"))
		require.NoError(t, err)
		out := res.Value.(*tools.Result)
		require.Equal(t, [][]any{{"North", 75.0}, {"South", 75.0}}, out.Table().Rows)
	})

	t.Run("single cell is a scalar", func(t *testing.T) {
		t.Parallel()
		res, err := e.Execute(t.Context(), ExpressionPlan("SELECT SUM(Sales) FROM df WHERE Sales < 4"))
		require.NoError(t, err)
		require.True(t, res.Scalar)
		require.Equal(t, 6.0, res.Value)
		require.JSONEq(t, `{"result": 6}`, res.Text())
	})

	t.Run("re-execution is idempotent", func(t *testing.T) {
		t.Parallel()
		plan := ExpressionPlan("SELECT Region, SUM(Sales) AS s FROM df GROUP BY Region")
		a, err := e.Execute(t.Context(), plan)
		require.NoError(t, err)
		b, err := e.Execute(t.Context(), plan)
		require.NoError(t, err)
		require.Equal(t, a.Text(), b.Text())
	})

	t.Run("evaluation errors carry a position", func(t *testing.T) {
		t.Parallel()
		_, err := e.Execute(t.Context(), ExpressionPlan("SELECT nope FROM df"))
		require.ErrorIs(t, err, query.ErrUnknownName)
		var qe *query.Error
		require.ErrorAs(t, err, &qe)
	})
}

func TestSheetAgent_Executor_RowLimit(t *testing.T) {
	t.Parallel()

	src := &fakeSource{tables: map[string]*table.Table{"s": sales()}, active: "s"}
	res, err := newTestExecutor(t, src, 10).Execute(t.Context(), ExpressionPlan("SELECT * FROM df"))
	require.NoError(t, err)
	require.Equal(t, 10, res.Value.(*tools.Result).ReturnedRows)

	cfg := Config{Logger: testLog, Tools: &fakeTools{}, Source: src, RowLimit: 5000}
	require.NoError(t, cfg.Validate())
	require.Equal(t, tools.MaxResultLimit, cfg.RowLimit)
}

func TestSheetAgent_Executor_ToolCall(t *testing.T) {
	t.Parallel()

	src := &fakeSource{tables: map[string]*table.Table{"s": sales()}, active: "s"}
	e := newTestExecutor(t, src, 0)

	res, err := e.Execute(t.Context(), ToolCallPlan("aggregate_data", map[string]any{"column": "Sales", "agg_func": "count"}))
	require.NoError(t, err)
	require.Contains(t, res.Text(), "150")

	_, err = e.Execute(t.Context(), ToolCallPlan("drop_everything", nil))
	require.ErrorIs(t, err, tools.ErrUnknownTool)

	_, err = e.Execute(t.Context(), Plan{Kind: PlanToolCall})
	require.ErrorIs(t, err, tools.ErrUnknownTool)
}

type fakeTools struct {
	err error
}

func (f *fakeTools) Call(context.Context, string, map[string]any) (any, error) {
	return map[string]any{"ok": true}, f.err
}

func TestSheetAgent_Executor_Errors(t *testing.T) {
	t.Parallel()

	conflict := errors.New("binding conflict")
	e, err := New(Config{Logger: testLog, Tools: &fakeTools{err: tools.ErrMissingTable}, Source: &fakeSource{
		tables:    map[string]*table.Table{"s": sales()},
		conflicts: map[string]error{"Sheet1": conflict},
		active:    "s",
	}})
	require.NoError(t, err)

	_, err = e.Execute(t.Context(), ExpressionPlan("SELECT 1"))
	require.NoError(t, err)
	_, err = e.Execute(t.Context(), ExpressionPlan("SELECT * FROM sheet1"))
	require.ErrorIs(t, err, conflict)

	_, err = e.Execute(t.Context(), ToolCallPlan("calculate_trend", nil))
	require.ErrorIs(t, err, tools.ErrMissingTable)

	_, err = New(Config{Tools: &fakeTools{}, Source: &fakeSource{}})
	require.EqualError(t, err, "logger is required")
}

func TestSheetAgent_Executor_SharedSheetNames(t *testing.T) {
	t.Parallel()

	reg, err := registry.New(registry.Config{Logger: testLog, Loader: noLoader{}})
	require.NoError(t, err)
	reg.Register("Sheet1", table.FromRows([]string{"Amount"}, [][]any{{1.0}, {2.0}}))
	reg.Register("Other", table.FromRows([]string{"Amount"}, [][]any{{5.0}}))
	reg.Register("Sheet1", table.FromRows([]string{"Amount", "Tag"}, [][]any{{10.0, "b"}}))

	e, err := New(Config{Logger: testLog, Tools: &fakeTools{}, Source: reg})
	require.NoError(t, err)

	res, err := e.Execute(t.Context(), ExpressionPlan("SELECT * FROM df"))
	require.NoError(t, err)
	require.Equal(t, []string{"Amount", "Tag"}, res.Value.(*tools.Result).Columns)

	res, err = e.Execute(t.Context(), ExpressionPlan("SELECT SUM(Amount) FROM Other"))
	require.NoError(t, err)
	require.Equal(t, 5.0, res.Value)

	_, err = e.Execute(t.Context(), ExpressionPlan("SELECT * FROM Sheet1"))
	require.ErrorIs(t, err, registry.ErrBindingConflict)
	require.NotErrorIs(t, err, query.ErrUnknownName)
}

type noLoader struct{}

func (noLoader) Load(_ context.Context, source, _ string) (*sheet.Workbook, error) {
	return nil, fmt.Errorf("%w: %s", sheet.ErrNotFound, source)
}

func TestSheetAgent_Executor_NonFiniteResults(t *testing.T) {
	t.Parallel()

	src := &fakeSource{tables: map[string]*table.Table{"s": table.FromRows(
		[]string{"A", "B"},
		[][]any{{1.0, "x"}, {2.0, "y"}},
	)}, active: "s"}
	e := newTestExecutor(t, src, 100)

	res, err := e.Execute(t.Context(), ExpressionPlan("SELECT ROUND(A, 400) AS r, B FROM df"))
	require.NoError(t, err)
	require.JSONEq(t, `{"total_rows": 2, "returned_rows": 2, "columns": ["r", "B"], "data": [{"r": 1, "B": "x"}, {"r": 2, "B": "y"}]}`, res.Text())

	text := Result{Value: math.Inf(1), Scalar: true}.Text()
	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	require.Contains(t, out["error"], "failed to encode result")
}

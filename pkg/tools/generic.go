package tools

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/malbeclabs/sheetagent/pkg/query"
	"github.com/malbeclabs/sheetagent/pkg/table"
)

type FilterDataInput struct {
	Column        string      `json:"column,omitempty" jsonschema:"Column for a single-condition filter"`
	Operator      string      `json:"operator,omitempty" jsonschema:"Operator for a single-condition filter: ==, !=, >, <, >=, <=, contains, startswith, endswith"`
	Value         any         `json:"value,omitempty" jsonschema:"Value for a single-condition filter"`
	Filters       []Condition `json:"filters,omitempty" jsonschema:"Conditions that must all hold"`
	SelectColumns []string    `json:"select_columns,omitempty" jsonschema:"Columns to return; all when empty"`
	SortBy        string      `json:"sort_by,omitempty" jsonschema:"Column to sort by"`
	Ascending     *bool       `json:"ascending,omitempty" jsonschema:"Sort ascending (default true)"`
	Limit         int         `json:"limit,omitempty" jsonschema:"Maximum rows to return (default 20)"`
}

type AggregateDataInput struct {
	Column  string      `json:"column" jsonschema:"Column to aggregate"`
	AggFunc string      `json:"agg_func" jsonschema:"One of sum, mean, count, min, max, median, std"`
	Filters []Condition `json:"filters,omitempty" jsonschema:"Conditions applied before aggregating"`
}

type AggregateDataOutput struct {
	Column       string `json:"column"`
	Function     string `json:"function"`
	FilteredRows int    `json:"filtered_rows"`
	Result       any    `json:"result"`
}

type GroupAndAggregateInput struct {
	GroupBy   string      `json:"group_by" jsonschema:"Column to group by"`
	AggColumn string      `json:"agg_column" jsonschema:"Column to aggregate"`
	AggFunc   string      `json:"agg_func" jsonschema:"One of sum, mean, count, min, max, median, std"`
	Filters   []Condition `json:"filters,omitempty" jsonschema:"Conditions applied before grouping"`
	Limit     int         `json:"limit,omitempty" jsonschema:"Maximum groups to return (default 20)"`
}

type SortDataInput struct {
	Column        string      `json:"column" jsonschema:"Column to sort by"`
	Ascending     *bool       `json:"ascending,omitempty" jsonschema:"Sort ascending (default true)"`
	Filters       []Condition `json:"filters,omitempty" jsonschema:"Conditions applied before sorting"`
	SelectColumns []string    `json:"select_columns,omitempty" jsonschema:"Columns to return; all when empty"`
	Limit         int         `json:"limit,omitempty" jsonschema:"Maximum rows to return (default 20)"`
}

type SearchDataInput struct {
	Keyword       string   `json:"keyword" jsonschema:"Case-insensitive text to look for"`
	Columns       []string `json:"columns,omitempty" jsonschema:"Columns to search; all when empty"`
	SelectColumns []string `json:"select_columns,omitempty" jsonschema:"Columns to return; all when empty"`
	Limit         int      `json:"limit,omitempty" jsonschema:"Maximum rows to return (default 20)"`
}

type ColumnInput struct {
	Column  string      `json:"column" jsonschema:"Column name"`
	Filters []Condition `json:"filters,omitempty" jsonschema:"Conditions applied first"`
}

type ColumnStats struct {
	Column       string   `json:"column"`
	FilteredRows int      `json:"filtered_rows"`
	DType        string   `json:"dtype"`
	Count        int      `json:"count"`
	NullCount    int      `json:"null_count"`
	UniqueCount  int      `json:"unique_count"`
	Min          *float64 `json:"min,omitempty"`
	Max          *float64 `json:"max,omitempty"`
	Mean         *float64 `json:"mean,omitempty"`
	Median       *float64 `json:"median,omitempty"`
}

type UniqueValuesInput struct {
	Column  string      `json:"column" jsonschema:"Column name"`
	Filters []Condition `json:"filters,omitempty" jsonschema:"Conditions applied first"`
	Limit   int         `json:"limit,omitempty" jsonschema:"Maximum distinct values to return (default 50)"`
}

type UniqueValue struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

type UniqueValues struct {
	Column         string        `json:"column"`
	FilteredRows   int           `json:"filtered_rows"`
	TotalUnique    int           `json:"total_unique"`
	ReturnedUnique int           `json:"returned_unique"`
	Values         []UniqueValue `json:"values"`
}

type PreviewInput struct {
	NRows int `json:"n_rows,omitempty" jsonschema:"Rows to preview (default 5)"`
}

type NoInput struct{}

type CurrentTime struct {
	CurrentTime string  `json:"current_time"`
	Weekday     string  `json:"weekday"`
	Timestamp   float64 `json:"timestamp"`
}

type CalculateInput struct {
	Expressions []string `json:"expressions" jsonschema:"Arithmetic expressions such as (100+200)*0.5 or ROUND(500/3, 2)"`
}

type CalculateOutput struct {
	Results map[string]any `json:"results"`
}

type ExecuteQueryInput struct {
	Query string `json:"query" jsonschema:"Query in the restricted SELECT language. The active table is df; other tables use their sheet names."`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum rows to return (default 100)"`
}

// ScalarResult wraps a non-tabular query value.
type ScalarResult struct {
	Result any `json:"result"`
}

func (s *Set) registerGeneric() error {
	for _, reg := range []func() error{
		func() error {
			return add(s, "filter_data", "Filter rows of the active table by one or more conditions, optionally sorting and selecting columns.", s.filterData)
		},
		func() error {
			return add(s, "aggregate_data", "Aggregate one column of the active table (sum, mean, count, min, max, median, std), optionally after filtering.", s.aggregateData)
		},
		func() error {
			return add(s, "group_and_aggregate", "Group the active table by a column and aggregate another; groups are ordered by the aggregate, largest first.", s.groupAndAggregate)
		},
		func() error {
			return add(s, "sort_data", "Sort the active table by a column, optionally after filtering.", s.sortData)
		},
		func() error {
			return add(s, "search_data", "Find rows of the active table whose cells contain a keyword (case-insensitive).", s.searchData)
		},
		func() error {
			return add(s, "get_column_stats", "Describe a column: dtype, counts, distinct values and numeric summary.", s.columnStats)
		},
		func() error {
			return add(s, "get_unique_values", "List the distinct values of a column with their counts.", s.uniqueValues)
		},
		func() error {
			return add(s, "get_data_preview", "Show the first rows of the active table.", s.dataPreview)
		},
		func() error {
			return add(s, "get_current_time", "Return the current date and time.", s.currentTime)
		},
		func() error {
			return add(s, "calculate", "Evaluate arithmetic expressions.", s.calculate)
		},
		func() error {
			return add(s, "execute_query", "Run a SELECT query over the loaded tables.", s.executeQuery)
		},
	} {
		if err := reg(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Set) filterData(_ context.Context, in FilterDataInput) (any, error) {
	t, err := s.active()
	if err != nil {
		return nil, err
	}
	conds := in.Filters
	if in.Column != "" && in.Operator != "" && in.Value != nil {
		conds = append([]Condition{{Column: in.Column, Operator: in.Operator, Value: in.Value}}, conds...)
	}
	if t, err = applyFilters(t, conds); err != nil {
		return nil, err
	}
	if in.SortBy != "" {
		if t, err = t.Sort(table.SortKey{Column: in.SortBy, Descending: !ascending(in.Ascending)}); err != nil {
			return nil, err
		}
	}
	return NewResult(t, s.limit(in.Limit), in.SelectColumns), nil
}

func (s *Set) aggregateData(_ context.Context, in AggregateDataInput) (any, error) {
	t, err := s.filteredActive(in.Filters)
	if err != nil {
		return nil, err
	}
	values, err := t.Values(in.Column)
	if err != nil {
		return nil, err
	}
	if err := checkAggregate(in.AggFunc); err != nil {
		return nil, err
	}
	v, err := table.Reduce(in.AggFunc, values)
	if err != nil {
		return nil, err
	}
	return &AggregateDataOutput{Column: in.Column, Function: in.AggFunc, FilteredRows: t.Len(), Result: v}, nil
}

func (s *Set) groupAndAggregate(_ context.Context, in GroupAndAggregateInput) (any, error) {
	t, err := s.filteredActive(in.Filters)
	if err != nil {
		return nil, err
	}
	if err := checkAggregate(in.AggFunc); err != nil {
		return nil, err
	}
	name := in.AggColumn + "_" + in.AggFunc
	grouped, err := t.GroupBy([]string{in.GroupBy}, []table.Agg{{Column: in.AggColumn, Func: in.AggFunc, As: name}})
	if err != nil {
		return nil, err
	}
	if grouped, err = grouped.Sort(table.SortKey{Column: name, Descending: true}); err != nil {
		return nil, err
	}
	res := NewResult(grouped, s.limit(in.Limit), nil)
	res.FilteredRows = intPtr(t.Len())
	return res, nil
}

func (s *Set) sortData(_ context.Context, in SortDataInput) (any, error) {
	t, err := s.filteredActive(in.Filters)
	if err != nil {
		return nil, err
	}
	if t, err = t.Sort(table.SortKey{Column: in.Column, Descending: !ascending(in.Ascending)}); err != nil {
		return nil, err
	}
	return NewResult(t, s.limit(in.Limit), in.SelectColumns), nil
}

func (s *Set) searchData(_ context.Context, in SearchDataInput) (any, error) {
	t, err := s.active()
	if err != nil {
		return nil, err
	}
	var idx []int
	if len(in.Columns) == 0 {
		for j := range t.Columns {
			idx = append(idx, j)
		}
	} else {
		for _, c := range in.Columns {
			if j := t.Index(c); j >= 0 {
				idx = append(idx, j)
			}
		}
	}
	needle := strings.ToLower(in.Keyword)
	found, err := t.Filter(func(row []any) (bool, error) {
		for _, j := range idx {
			if j < len(row) && row[j] != nil && strings.Contains(strings.ToLower(table.Text(row[j])), needle) {
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return NewResult(found, s.limit(in.Limit), in.SelectColumns), nil
}

func (s *Set) columnStats(_ context.Context, in ColumnInput) (any, error) {
	t, err := s.filteredActive(in.Filters)
	if err != nil {
		return nil, err
	}
	j, err := t.MustIndex(in.Column)
	if err != nil {
		return nil, err
	}
	values, _ := t.Values(in.Column)
	counts, _ := t.ValueCounts(in.Column)
	nulls, _ := t.NullCount(in.Column)
	stats := &ColumnStats{
		Column:       in.Column,
		FilteredRows: t.Len(),
		DType:        string(t.Columns[j].Type),
		Count:        len(values) - nulls,
		NullCount:    nulls,
		UniqueCount:  len(counts),
	}
	if t.Columns[j].Type.Numeric() && stats.Count > 0 {
		for fn, dst := range map[string]**float64{
			table.AggMin:    &stats.Min,
			table.AggMax:    &stats.Max,
			table.AggMean:   &stats.Mean,
			table.AggMedian: &stats.Median,
		} {
			v, err := table.Reduce(fn, values)
			if err != nil {
				return nil, err
			}
			if f, ok := table.ToFloat(v); ok {
				*dst = &f
			}
		}
	}
	return stats, nil
}

func (s *Set) uniqueValues(_ context.Context, in UniqueValuesInput) (any, error) {
	t, err := s.filteredActive(in.Filters)
	if err != nil {
		return nil, err
	}
	counts, err := t.ValueCounts(in.Column)
	if err != nil {
		return nil, err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = DefaultUniqueLimit
	}
	out := &UniqueValues{
		Column:       in.Column,
		FilteredRows: t.Len(),
		TotalUnique:  len(counts),
		Values:       []UniqueValue{},
	}
	for _, vc := range counts[:min(limit, len(counts))] {
		out.Values = append(out.Values, UniqueValue{Value: table.Text(vc.Value), Count: vc.Count})
	}
	out.ReturnedUnique = len(out.Values)
	return out, nil
}

func (s *Set) dataPreview(_ context.Context, in PreviewInput) (any, error) {
	t, err := s.active()
	if err != nil {
		return nil, err
	}
	n := in.NRows
	if n <= 0 {
		n = DefaultPreviewRows
	}
	return NewResult(t, min(n, s.cfg.MaxLimit), nil), nil
}

func (s *Set) currentTime(_ context.Context, _ NoInput) (any, error) {
	now := s.cfg.Clock.Now()
	return &CurrentTime{
		CurrentTime: now.Format("2006-01-02 15:04:05"),
		Weekday:     now.Weekday().String(),
		Timestamp:   float64(now.UnixMilli()) / 1000,
	}, nil
}

// calculate evaluates each expression with the query interpreter and no
// tables in scope; failures are reported per expression.
func (s *Set) calculate(ctx context.Context, in CalculateInput) (any, error) {
	out := &CalculateOutput{Results: make(map[string]any, len(in.Expressions))}
	for _, expr := range in.Expressions {
		e, err := query.ParseExpr(expr)
		if err != nil {
			out.Results[expr] = "Error: " + err.Error()
			continue
		}
		v, err := query.Run(ctx, &query.Script{Stmts: []query.Stmt{&query.ExprStmt{X: e}}}, nil)
		if err != nil {
			out.Results[expr] = "Error: " + err.Error()
			continue
		}
		if f, ok := v.(float64); ok && (math.IsInf(f, 0) || math.IsNaN(f)) {
			out.Results[expr] = fmt.Sprintf("Error: %v", f)
			continue
		}
		out.Results[expr] = v
	}
	return out, nil
}

func (s *Set) executeQuery(ctx context.Context, in ExecuteQueryInput) (any, error) {
	ns, withheld := Namespace(s.cfg.Source)
	v, err := query.Eval(ctx, in.Query, ns, withheld)
	if err != nil {
		return nil, err
	}
	if t, ok := v.(*table.Table); ok {
		limit := in.Limit
		if limit <= 0 {
			limit = DefaultQueryLimit
		}
		return NewResult(t, min(limit, s.cfg.MaxLimit), nil), nil
	}
	return &ScalarResult{Result: v}, nil
}

func (s *Set) filteredActive(conds []Condition) (*table.Table, error) {
	t, err := s.active()
	if err != nil {
		return nil, err
	}
	return applyFilters(t, conds)
}

func ascending(b *bool) bool {
	return b == nil || *b
}

func checkAggregate(fn string) error {
	switch fn {
	case table.AggSum, table.AggMean, table.AggCount, table.AggMin, table.AggMax, table.AggMedian, table.AggStd:
		return nil
	}
	return fmt.Errorf("%w: %s", table.ErrUnsupportedAggregate, fn)
}

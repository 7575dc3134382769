package tools

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/malbeclabs/sheetagent/pkg/table"
)

const (
	costTable       = "CostDataBase"
	allocationTable = "Table7"
)

// fiscalMonth orders months in a fiscal year starting in October.
var fiscalMonth = map[string]int{
	"Oct": 1, "Nov": 2, "Dec": 3, "Jan": 4, "Feb": 5, "Mar": 6,
	"Apr": 7, "May": 8, "Jun": 9, "Jul": 10, "Aug": 11, "Sep": 12,
}

type AllocatedCostsInput struct {
	Target     string `json:"target" jsonschema:"Business line or cost center, e.g. CT or 413001"`
	TargetType string `json:"target_type" jsonschema:"BL or CC"`
	Year       string `json:"year" jsonschema:"Fiscal year, e.g. FY26"`
	Scenario   string `json:"scenario" jsonschema:"Scenario, e.g. Budget1 or Actual"`
	Function   string `json:"function" jsonschema:"CostDataBase Function; must contain Allocation, e.g. HR Allocation"`
}

type CompareAllocatedCostsInput struct {
	Target1     string `json:"target1" jsonschema:"First target"`
	TargetType1 string `json:"target_type1" jsonschema:"BL or CC"`
	Year1       string `json:"year1" jsonschema:"First fiscal year"`
	Scenario1   string `json:"scenario1" jsonschema:"First scenario"`
	Target2     string `json:"target2" jsonschema:"Second target; must equal target1"`
	TargetType2 string `json:"target_type2" jsonschema:"BL or CC"`
	Year2       string `json:"year2" jsonschema:"Second fiscal year"`
	Scenario2   string `json:"scenario2" jsonschema:"Second scenario"`
	Function    string `json:"function" jsonschema:"CostDataBase Function; must contain Allocation"`
}

type TrendInput struct {
	Year     string `json:"year" jsonschema:"Fiscal year, e.g. FY24"`
	Scenario string `json:"scenario" jsonschema:"Scenario, e.g. Actual"`
	Function string `json:"function,omitempty" jsonschema:"Optional Function filter"`
}

type CompositionInput struct {
	Year      string `json:"year" jsonschema:"Fiscal year"`
	Scenario  string `json:"scenario" jsonschema:"Scenario"`
	Dimension string `json:"dimension,omitempty" jsonschema:"Column to break down by, e.g. Category, Account or Function (default Category)"`
}

type CompareScenariosInput struct {
	Year1     string `json:"year1" jsonschema:"Year under review, e.g. FY26"`
	Scenario1 string `json:"scenario1" jsonschema:"Scenario under review, e.g. Budget1"`
	Year2     string `json:"year2" jsonschema:"Baseline year, e.g. FY25"`
	Scenario2 string `json:"scenario2" jsonschema:"Baseline scenario, e.g. Actual"`
	Function  string `json:"function,omitempty" jsonschema:"Optional Function filter, e.g. Procurement"`
}

type ServiceDetailsInput struct {
	Function string `json:"function" jsonschema:"Function, e.g. IT, HR or Procurement"`
	Year     string `json:"year,omitempty" jsonschema:"Optional fiscal year"`
	Scenario string `json:"scenario,omitempty" jsonschema:"Optional scenario"`
}

func (s *Set) registerDomain() error {
	for _, reg := range []func() error{
		func() error {
			return add(s, "calculate_allocated_costs", "Compute the monthly costs allocated to a business line (BL) or cost center (CC) for a year, scenario and allocation function.", s.allocatedCosts)
		},
		func() error {
			return add(s, "compare_allocated_costs", "Compare the total allocated cost of one target across two year/scenario combinations.", s.compareAllocatedCosts)
		},
		func() error {
			return add(s, "calculate_trend", "Monthly cost totals in fiscal order with month-over-month growth.", s.trend)
		},
		func() error {
			return add(s, "analyze_cost_composition", "Break total cost down by a dimension with percentage shares.", s.composition)
		},
		func() error {
			return add(s, "compare_scenarios", "Compare total cost between two year/scenario combinations (YoY or budget vs actual).", s.compareScenarios)
		},
		func() error {
			return add(s, "get_service_details", "List the distinct services (Cost text and Key) a Function provides.", s.serviceDetails)
		},
	} {
		if err := reg(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Set) lookupTable(name string) (*table.Table, error) {
	t, ok, err := s.cfg.Source.Bindings().Lookup(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingTable, name)
	}
	return t, nil
}

// where applies equality filters in order; empty values are skipped.
func where(t *table.Table, pairs ...string) (*table.Table, error) {
	var err error
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			continue
		}
		if t, err = t.WhereEqual(pairs[i], pairs[i+1]); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func byFiscalMonth(t *table.Table) (*table.Table, error) {
	j, err := t.MustIndex("Month")
	if err != nil {
		return nil, err
	}
	order := func(row []any) int {
		if n, ok := fiscalMonth[table.Text(row[j])]; ok {
			return n
		}
		return len(fiscalMonth) + 1
	}
	return t.SortFunc(func(a, b []any) bool { return order(a) < order(b) }), nil
}

// allocate computes allocated amounts per month. The result has columns
// Month and Allocated_Amount in fiscal order.
func (s *Set) allocate(in AllocatedCostsInput) (*table.Table, error) {
	if !strings.Contains(in.Function, "Allocation") {
		return nil, fmt.Errorf("%w: %q", ErrMissingFunction, in.Function)
	}
	if in.Target == "" || in.TargetType == "" || in.Year == "" || in.Scenario == "" {
		return nil, fmt.Errorf("%w: target, target_type, year and scenario are required", ErrInvalidArguments)
	}
	cdb, err := s.lookupTable(costTable)
	if err != nil {
		return nil, err
	}
	t7, err := s.lookupTable(allocationTable)
	if err != nil {
		return nil, err
	}

	if cdb, err = where(cdb, "Year", in.Year, "Scenario", in.Scenario, "Function", in.Function); err != nil {
		return nil, err
	}
	if t7, err = where(t7, "Year", in.Year, "Scenario", in.Scenario); err != nil {
		return nil, err
	}
	switch strings.ToUpper(in.TargetType) {
	case "BL":
		t7, err = t7.WhereEqual("BL", in.Target)
	case "CC":
		var target any = in.Target
		if n, convErr := strconv.Atoi(in.Target); convErr == nil {
			target = float64(n)
		}
		t7, err = t7.WhereEqual("CC", target)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidTargetType, in.TargetType)
	}
	if err != nil {
		return nil, err
	}

	keys, err := cdb.Values("Key")
	if err != nil {
		return nil, err
	}
	valid := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k != nil {
			valid[table.Key(k)] = true
		}
	}
	kj, err := t7.MustIndex("Key")
	if err != nil {
		return nil, err
	}
	t7, _ = t7.Filter(func(row []any) (bool, error) {
		return valid[table.Key(row[kj])], nil
	})

	empty := table.New([]table.Column{{Name: "Month", Type: table.TypeString}, {Name: "Allocated_Amount", Type: table.TypeFloat}}, nil)
	if t7.Len() == 0 {
		return empty, nil
	}

	rateCol := "RateNo"
	if !t7.Has(rateCol) {
		rateCol = "Value"
	}
	rates, err := t7.GroupBy([]string{"Month", "Key"}, []table.Agg{{Column: rateCol, Func: table.AggSum, As: "Agg_Rate"}})
	if err != nil {
		return nil, err
	}
	merged, err := table.Join(cdb, rates, table.JoinOptions{
		LeftKeys:  []string{"Month", "Key"},
		RightKeys: []string{"Month", "Key"},
		Kind:      table.JoinLeft,
	})
	if err != nil {
		return nil, err
	}
	amount, err := merged.MustIndex("Amount")
	if err != nil {
		return nil, err
	}
	rate := merged.Index("Agg_Rate")
	merged = merged.WithColumn("Allocated_Amount", table.TypeFloat, func(row []any) any {
		a, ok := table.ToFloat(row[amount])
		if !ok || row[amount] == nil {
			return nil
		}
		r, _ := table.ToFloat(row[rate])
		return a * r
	})
	monthly, err := merged.GroupBy([]string{"Month"}, []table.Agg{{Column: "Allocated_Amount", Func: table.AggSum}})
	if err != nil {
		return nil, err
	}
	return byFiscalMonth(monthly)
}

func (s *Set) allocatedCosts(_ context.Context, in AllocatedCostsInput) (any, error) {
	monthly, err := s.allocate(in)
	if err != nil {
		return nil, err
	}
	total, err := monthly.Sum("Allocated_Amount")
	if err != nil {
		return nil, err
	}
	res := NewResult(monthly, s.cfg.DefaultLimit, nil)
	res.TotalAmount = &total
	return res, nil
}

func (s *Set) compareAllocatedCosts(_ context.Context, in CompareAllocatedCostsInput) (any, error) {
	if in.Target1 != in.Target2 {
		return nil, fmt.Errorf("%w: %q != %q", ErrTargetMismatch, in.Target1, in.Target2)
	}
	sum := func(target, typ, year, scenario string) (float64, error) {
		monthly, err := s.allocate(AllocatedCostsInput{Target: target, TargetType: typ, Year: year, Scenario: scenario, Function: in.Function})
		if err != nil {
			return 0, err
		}
		return monthly.Sum("Allocated_Amount")
	}
	amt1, err := sum(in.Target1, in.TargetType1, in.Year1, in.Scenario1)
	if err != nil {
		return nil, err
	}
	amt2, err := sum(in.Target2, in.TargetType2, in.Year2, in.Scenario2)
	if err != nil {
		return nil, err
	}
	return comparison("Allocated Amount",
		fmt.Sprintf("%s %s (%s)", in.Year1, in.Scenario1, in.Target1),
		fmt.Sprintf("%s %s (%s)", in.Year2, in.Scenario2, in.Target2),
		amt1, amt2, s.cfg.DefaultLimit), nil
}

func comparison(metric, label1, label2 string, amt1, amt2 float64, limit int) *Result {
	diff := amt1 - amt2
	pct := 0.0
	if amt2 != 0 {
		pct = diff / amt2 * 100
	}
	t := table.FromRows(
		[]string{"Metric", label1, label2, "Difference", "Pct_Change"},
		[][]any{{metric, amt1, amt2, diff, pct}},
	)
	return NewResult(t, limit, nil)
}

func (s *Set) trend(_ context.Context, in TrendInput) (any, error) {
	cdb, err := s.lookupTable(costTable)
	if err != nil {
		return nil, err
	}
	if cdb, err = where(cdb, "Year", in.Year, "Scenario", in.Scenario, "Function", in.Function); err != nil {
		return nil, err
	}
	monthly, err := cdb.GroupBy([]string{"Month"}, []table.Agg{{Column: "Amount", Func: table.AggSum}})
	if err != nil {
		return nil, err
	}
	if monthly, err = byFiscalMonth(monthly); err != nil {
		return nil, err
	}
	amount := monthly.Index("Amount")
	var prev any
	monthly = monthly.WithColumn("MoM_Growth", table.TypeFloat, func(row []any) any {
		cur := row[amount]
		defer func() { prev = cur }()
		p, ok1 := table.ToFloat(prev)
		c, ok2 := table.ToFloat(cur)
		if prev == nil || cur == nil || !ok1 || !ok2 || p == 0 {
			return nil
		}
		return (c - p) / p * 100
	})
	return NewResult(monthly, s.cfg.DefaultLimit, nil), nil
}

func (s *Set) composition(_ context.Context, in CompositionInput) (any, error) {
	cdb, err := s.lookupTable(costTable)
	if err != nil {
		return nil, err
	}
	dim := in.Dimension
	if dim == "" {
		dim = "Category"
	}
	if _, err := cdb.MustIndex(dim); err != nil {
		return nil, err
	}
	if cdb, err = where(cdb, "Year", in.Year, "Scenario", in.Scenario); err != nil {
		return nil, err
	}
	grouped, err := cdb.GroupBy([]string{dim}, []table.Agg{{Column: "Amount", Func: table.AggSum}})
	if err != nil {
		return nil, err
	}
	total, err := grouped.Sum("Amount")
	if err != nil {
		return nil, err
	}
	amount := grouped.Index("Amount")
	grouped = grouped.WithColumn("Percentage", table.TypeFloat, func(row []any) any {
		a, ok := table.ToFloat(row[amount])
		if !ok || total == 0 {
			return nil
		}
		return math.Round(a/total*100*100) / 100
	})
	if grouped, err = grouped.Sort(table.SortKey{Column: "Amount", Descending: true}); err != nil {
		return nil, err
	}
	return NewResult(grouped, s.cfg.DefaultLimit, nil), nil
}

func (s *Set) compareScenarios(_ context.Context, in CompareScenariosInput) (any, error) {
	cdb, err := s.lookupTable(costTable)
	if err != nil {
		return nil, err
	}
	amount := func(year, scenario string) (float64, error) {
		t, err := where(cdb, "Year", year, "Scenario", scenario, "Function", in.Function)
		if err != nil {
			return 0, err
		}
		return t.Sum("Amount")
	}
	amt1, err := amount(in.Year1, in.Scenario1)
	if err != nil {
		return nil, err
	}
	amt2, err := amount(in.Year2, in.Scenario2)
	if err != nil {
		return nil, err
	}
	return comparison("Amount",
		in.Year1+" "+in.Scenario1,
		in.Year2+" "+in.Scenario2,
		amt1, amt2, s.cfg.DefaultLimit), nil
}

func (s *Set) serviceDetails(_ context.Context, in ServiceDetailsInput) (any, error) {
	cdb, err := s.lookupTable(costTable)
	if err != nil {
		return nil, err
	}
	if in.Function == "" {
		return nil, fmt.Errorf("%w: function is required", ErrInvalidArguments)
	}
	if cdb, err = where(cdb, "Function", in.Function, "Year", in.Year, "Scenario", in.Scenario); err != nil {
		return nil, err
	}
	var cols []string
	for _, c := range []string{"Cost text", "Key"} {
		if cdb.Has(c) {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s has neither Cost text nor Key", ErrUnknownColumn, costTable)
	}
	details, err := cdb.Project(cols...)
	if err != nil {
		return nil, err
	}
	return NewResult(details.Distinct(), s.cfg.DefaultLimit, nil), nil
}

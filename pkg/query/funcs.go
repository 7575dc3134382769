package query

import (
	"fmt"
	"math"
	"strings"

	"github.com/malbeclabs/sheetagent/pkg/table"
)

// aggregates maps query aggregate names to table.Reduce functions.
var aggregates = map[string]string{
	"COUNT":  table.AggCount,
	"SUM":    table.AggSum,
	"AVG":    table.AggMean,
	"MEAN":   table.AggMean,
	"MIN":    table.AggMin,
	"MAX":    table.AggMax,
	"MEDIAN": table.AggMedian,
	"STDDEV": table.AggStd,
	"STD":    table.AggStd,
}

func isAggregate(name string) bool {
	_, ok := aggregates[name]
	return ok
}

type scalarFunc struct {
	minArgs, maxArgs int // maxArgs < 0 means variadic
	fn               func(args []any) (any, error)
}

var scalars = map[string]scalarFunc{
	"ROUND":    {1, 2, fnRound},
	"ABS":      {1, 1, numeric1(math.Abs)},
	"UPPER":    {1, 1, text1(strings.ToUpper)},
	"LOWER":    {1, 1, text1(strings.ToLower)},
	"TRIM":     {1, 1, text1(strings.TrimSpace)},
	"LENGTH":   {1, 1, fnLength},
	"COALESCE": {1, -1, fnCoalesce},
	"CONCAT":   {1, -1, fnConcat},
	"SUBSTR":   {2, 3, fnSubstr},
}

// FunctionNames lists every callable function, for prompts.
func FunctionNames() []string {
	names := make([]string, 0, len(aggregates)+len(scalars))
	for n := range aggregates {
		names = append(names, n)
	}
	for n := range scalars {
		names = append(names, n)
	}
	return names
}

func numberArg(name string, v any) (float64, error) {
	f, ok := table.ToFloat(v)
	if !ok {
		return 0, fmt.Errorf("%s expects a number, got %q", name, table.Text(v))
	}
	return f, nil
}

func numeric1(fn func(float64) float64) func([]any) (any, error) {
	return func(args []any) (any, error) {
		if args[0] == nil {
			return nil, nil
		}
		f, err := numberArg("argument", args[0])
		if err != nil {
			return nil, err
		}
		return fn(f), nil
	}
}

func text1(fn func(string) string) func([]any) (any, error) {
	return func(args []any) (any, error) {
		if args[0] == nil {
			return nil, nil
		}
		return fn(table.Text(args[0])), nil
	}
}

func fnRound(args []any) (any, error) {
	if args[0] == nil {
		return nil, nil
	}
	x, err := numberArg("ROUND", args[0])
	if err != nil {
		return nil, err
	}
	digits := 0.0
	if len(args) == 2 {
		if digits, err = numberArg("ROUND", args[1]); err != nil {
			return nil, err
		}
	}
	scale := math.Pow(10, math.Trunc(digits))
	switch {
	case scale == 0:
		// Rounding to a place far above any finite value.
		return 0.0, nil
	case math.IsInf(x*scale, 0) || math.IsNaN(x*scale):
		// Already exact at that many digits.
		return x, nil
	}
	return math.Round(x*scale) / scale, nil
}

func fnLength(args []any) (any, error) {
	if args[0] == nil {
		return nil, nil
	}
	return float64(len([]rune(table.Text(args[0])))), nil
}

func fnCoalesce(args []any) (any, error) {
	for _, a := range args {
		if a != nil {
			return a, nil
		}
	}
	return nil, nil
}

func fnConcat(args []any) (any, error) {
	var sb strings.Builder
	for _, a := range args {
		sb.WriteString(table.Text(a))
	}
	return sb.String(), nil
}

// fnSubstr is SUBSTR(s, start[, length]) with a 1-based start.
func fnSubstr(args []any) (any, error) {
	if args[0] == nil {
		return nil, nil
	}
	s := []rune(table.Text(args[0]))
	start, err := numberArg("SUBSTR", args[1])
	if err != nil {
		return nil, err
	}
	from := max(int(start)-1, 0)
	if from >= len(s) {
		return "", nil
	}
	to := len(s)
	if len(args) == 3 {
		n, err := numberArg("SUBSTR", args[2])
		if err != nil {
			return nil, err
		}
		to = min(from+max(int(n), 0), len(s))
	}
	return string(s[from:to]), nil
}

package tools

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/malbeclabs/sheetagent/pkg/table"
)

// Condition is one filter predicate. Conditions with an empty column or
// operator, or a null value, are ignored.
type Condition struct {
	Column   string `json:"column" jsonschema:"Column name"`
	Operator string `json:"operator" jsonschema:"One of ==, !=, >, <, >=, <=, contains, startswith, endswith. Use a >= and a <= condition instead of between."`
	Value    any    `json:"value" jsonschema:"Value to compare against; numeric strings compare as numbers"`
}

var operators = map[string]bool{
	"==": true, "!=": true, ">": true, "<": true, ">=": true, "<=": true,
	"contains": true, "startswith": true, "endswith": true,
}

// applyFilters keeps the rows matching every usable condition.
func applyFilters(t *table.Table, conds []Condition) (*table.Table, error) {
	type compiled struct {
		idx   int
		op    string
		value any
		text  string
	}
	var preds []compiled
	for _, c := range conds {
		if c.Column == "" || c.Operator == "" || c.Value == nil {
			continue
		}
		idx, err := t.MustIndex(c.Column)
		if err != nil {
			return nil, err
		}
		if !operators[c.Operator] {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperator, c.Operator)
		}
		preds = append(preds, compiled{idx: idx, op: c.Operator, value: coerce(c.Value), text: table.Text(c.Value)})
	}
	if len(preds) == 0 {
		return t, nil
	}
	return t.Filter(func(row []any) (bool, error) {
		for _, p := range preds {
			var cell any
			if p.idx < len(row) {
				cell = row[p.idx]
			}
			if !match(cell, p.op, p.value, p.text) {
				return false, nil
			}
		}
		return true, nil
	})
}

// coerce turns numeric strings into numbers so that "100" matches 100.
func coerce(v any) any {
	if s, ok := v.(string); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	return table.Normalize(v)
}

func match(cell any, op string, value any, text string) bool {
	switch op {
	case "contains":
		return cell != nil && strings.Contains(strings.ToLower(table.Text(cell)), strings.ToLower(text))
	case "startswith":
		return cell != nil && strings.HasPrefix(table.Text(cell), text)
	case "endswith":
		return cell != nil && strings.HasSuffix(table.Text(cell), text)
	}
	if cell == nil {
		return op == "!="
	}
	c, ok := table.Compare(cell, value)
	if !ok {
		return op == "!="
	}
	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case ">":
		return c > 0
	case "<":
		return c < 0
	case ">=":
		return c >= 0
	default:
		return c <= 0
	}
}

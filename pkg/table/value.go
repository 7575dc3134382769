package table

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// InferType picks the narrowest dtype that fits every non-nil value.
func InferType(values []any) Type {
	seen := false
	allInt, allNum, allBool := true, true, true
	for _, v := range values {
		if v == nil {
			continue
		}
		seen = true
		switch x := v.(type) {
		case float64:
			allBool = false
			if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
				allInt = false
			}
		case int:
			allBool = false
		case int64:
			allBool = false
		case bool:
			allInt, allNum = false, false
		default:
			allInt, allNum, allBool = false, false, false
		}
	}
	switch {
	case !seen:
		return TypeString
	case allBool:
		return TypeBool
	case allInt:
		return TypeInt
	case allNum:
		return TypeFloat
	default:
		return TypeString
	}
}

// Normalize converts Go numeric types to float64 so that cells only ever hold
// nil, string, float64 or bool. NaN and infinities become nil.
func Normalize(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
		return x
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return Normalize(float64(x))
	case uint:
		return float64(x)
	case uint64:
		return float64(x)
	default:
		return v
	}
}

// ParseCell turns a raw spreadsheet string into a typed cell.
func ParseCell(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	switch s {
	case "TRUE", "true", "True":
		return true
	case "FALSE", "false", "False":
		return false
	}
	return s
}

// ToFloat reports the numeric value of v. Numeric strings are accepted.
func ToFloat(v any) (float64, bool) {
	switch x := Normalize(v).(type) {
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Compare orders two non-nil values. ok is false when the values are not
// comparable (for example a word and a number).
func Compare(a, b any) (int, bool) {
	a, b = Normalize(a), Normalize(b)
	if a == nil || b == nil {
		return 0, false
	}
	switch x := a.(type) {
	case float64:
		y, ok := ToFloat(b)
		if !ok {
			return 0, false
		}
		return cmpFloat(x, y), true
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
		xf, ok := ToFloat(x)
		if !ok {
			return 0, false
		}
		yf, ok := ToFloat(b)
		if !ok {
			return 0, false
		}
		return cmpFloat(xf, yf), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func cmpFloat(x, y float64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

// Equal is Compare == 0; nil never equals anything.
func Equal(a, b any) bool {
	c, ok := Compare(a, b)
	return ok && c == 0
}

// Key is a canonical string form used for hashing cells in joins and
// groupings. Values of different kinds never share a key.
func Key(v any) string {
	switch x := Normalize(v).(type) {
	case nil:
		return "\x00"
	case float64:
		return "n:" + strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return "s:" + x
	case bool:
		return "b:" + strconv.FormatBool(x)
	default:
		return fmt.Sprintf("o:%v", x)
	}
}

// Truthy reports the boolean sense of a cell.
func Truthy(v any) bool {
	switch x := Normalize(v).(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

// Format renders a value for people and prompts: whole numbers without
// decimals, other floats with two.
func Format(v any) string {
	switch x := Normalize(v).(type) {
	case nil:
		return ""
	case float64:
		if math.IsNaN(x) {
			return "NaN"
		}
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatFloat(x, 'f', 0, 64)
		}
		return strconv.FormatFloat(x, 'f', 2, 64)
	case string:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Text renders a value as a plain string for substring matching.
func Text(v any) string {
	switch x := Normalize(v).(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}

package measurement

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ToFloat coerces a decoded or tabular value to float64. Numeric strings
// are accepted; NaN and infinities are not.
func ToFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ToInt coerces a value to int. Floats must be integral. Values outside
// the int32 range are refused; board and channel columns are 32-bit.
func ToInt(v any) (int, bool) {
	var i int64
	switch n := v.(type) {
	case int:
		i = int64(n)
	case int64:
		i = n
	case json.Number:
		parsed, err := n.Int64()
		if err != nil {
			return toIntFromFloat(v)
		}
		i = parsed
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return toIntFromFloat(v)
		}
		i = parsed
	default:
		return toIntFromFloat(v)
	}
	if i < math.MinInt32 || i > math.MaxInt32 {
		return 0, false
	}
	return int(i), true
}

func toIntFromFloat(v any) (int, bool) {
	f, ok := ToFloat(v)
	if !ok || f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

// ToText renders an identifier value (sensor ids may arrive as numbers).
func ToText(v any) (string, bool) {
	switch s := v.(type) {
	case nil:
		return "", false
	case string:
		s = strings.TrimSpace(s)
		return s, s != ""
	case json.Number:
		return s.String(), true
	}
	if i, ok := ToInt(v); ok {
		return strconv.Itoa(i), true
	}
	if f, ok := ToFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

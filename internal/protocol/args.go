package protocol

import (
	"encoding/json"
	"math"
)

// Args is a positional argument list. Values decoded from the wire carry
// numbers as json.Number; the accessors accept both native and decoded forms.
type Args []any

func (a Args) Len() int {
	return len(a)
}

// Int64 returns argument i as an integer when it holds an integral number.
func (a Args) Int64(i int) (int64, bool) {
	if i < 0 || i >= len(a) {
		return 0, false
	}
	switch v := a[i].(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case uint:
		if uint64(v) > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float32:
		return integral(float64(v))
	case float64:
		return integral(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return integral(f)
	default:
		return 0, false
	}
}

// Float64 returns argument i as a float when it holds any number.
func (a Args) Float64(i int) (float64, bool) {
	if i < 0 || i >= len(a) {
		return 0, false
	}
	switch v := a[i].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		n, ok := a.Int64(i)
		return float64(n), ok
	}
}

func (a Args) String(i int) (string, bool) {
	if i < 0 || i >= len(a) {
		return "", false
	}
	s, ok := a[i].(string)
	return s, ok
}

func (a Args) Bool(i int) (bool, bool) {
	if i < 0 || i >= len(a) {
		return false, false
	}
	b, ok := a[i].(bool)
	return b, ok
}

func integral(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Trunc(f) != f {
		return 0, false
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

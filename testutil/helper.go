package testutil

import (
	"math"

	"github.com/google/go-cmp/cmp"
)

// ConvertToInt64 converts various numeric types to int64 for comparison.
// Returns the int64 value and a boolean indicating success.
func ConvertToInt64(i any) (int64, bool) {
	switch v := i.(type) {
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
		if v <= math.MaxInt64 {
			return int64(v), true
		}
		return 0, false
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
		return 0, false
	}
	return 0, false
}

// numericComparer treats integers of different widths as equal when their values match,
// so decoded trees can be compared against literal expectations.
var numericComparer = cmp.FilterValues(func(x, y any) bool {
	_, okX := ConvertToInt64(x)
	_, okY := ConvertToInt64(y)
	return okX && okY
}, cmp.Comparer(func(x, y any) bool {
	a, _ := ConvertToInt64(x)
	b, _ := ConvertToInt64(y)
	return a == b
}))

// DiffValues returns a human-readable diff between two decoded value trees, or "" when
// they match.
func DiffValues(want, got any) string {
	return cmp.Diff(want, got, numericComparer)
}

package evaluate

import "strings"

// asNumber normalizes the numeric types that reach the evaluator: context
// maps built in Go may carry ints, JSON-decoded data carries float64.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// equalJSON deep-compares two JSON-shaped values, treating all numeric
// types as equal when their values are.
func equalJSON(a, b any) bool {
	if an, ok := asNumber(a); ok {
		bn, ok := asNumber(b)
		return ok && an == bn
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalJSON(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bval, ok := bv[k]
			if !ok || !equalJSON(v, bval) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// orderResult classifies an ordering attempt.
type orderResult int

const (
	orderable  orderResult = iota // cmp is valid
	mixedTypes                    // one side string, other number: unknown
	unordered                     // bool/object/array: ordering is meaningless
)

// compareOrder orders two values: numerically when both are numbers,
// lexicographically when both are strings. A string/number mix yields
// mixedTypes (the caller maps it to unknown, not an error); anything else
// is unordered.
func compareOrder(a, b any) (cmp int, kind orderResult) {
	an, aNum := asNumber(a)
	bn, bNum := asNumber(b)
	if aNum && bNum {
		switch {
		case an < bn:
			return -1, orderable
		case an > bn:
			return 1, orderable
		default:
			return 0, orderable
		}
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs), orderable
	}
	if (aNum && bStr) || (aStr && bNum) {
		return 0, mixedTypes
	}
	return 0, unordered
}

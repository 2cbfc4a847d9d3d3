package rules

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// OperatorFunc compares a resolved field value against the condition value.
type OperatorFunc func(fieldValue, condValue interface{}) (bool, error)

// The closed operator vocabulary.
const (
	OpEq          = "=="
	OpStrictEq    = "==="
	OpNeq         = "!="
	OpStrictNeq   = "!=="
	OpLt          = "<"
	OpLte         = "<="
	OpGt          = ">"
	OpGte         = ">="
	OpIn          = "in"
	OpNotIn       = "not_in"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpStartsWith  = "starts_with"
	OpEndsWith    = "ends_with"
	OpBetween     = "between"
	OpMatches     = "matches"
)

func builtinOperators() map[string]OperatorFunc {
	return map[string]OperatorFunc{
		OpEq:        func(a, b interface{}) (bool, error) { return looseEqual(a, b), nil },
		OpNeq:       func(a, b interface{}) (bool, error) { return !looseEqual(a, b), nil },
		OpStrictEq:  func(a, b interface{}) (bool, error) { return strictEqual(a, b), nil },
		OpStrictNeq: func(a, b interface{}) (bool, error) { return !strictEqual(a, b), nil },
		OpLt:        orderingOp(func(c int) bool { return c < 0 }),
		OpLte:       orderingOp(func(c int) bool { return c <= 0 }),
		OpGt:        orderingOp(func(c int) bool { return c > 0 }),
		OpGte:       orderingOp(func(c int) bool { return c >= 0 }),
		OpIn:        membership,
		OpNotIn: func(a, b interface{}) (bool, error) {
			ok, err := membership(a, b)
			return !ok, err
		},
		OpContains: contains,
		OpNotContains: func(a, b interface{}) (bool, error) {
			ok, err := contains(a, b)
			return !ok, err
		},
		OpStartsWith: func(a, b interface{}) (bool, error) {
			as, aok := a.(string)
			bs, bok := b.(string)
			return aok && bok && strings.HasPrefix(as, bs), nil
		},
		OpEndsWith: func(a, b interface{}) (bool, error) {
			as, aok := a.(string)
			bs, bok := b.(string)
			return aok && bok && strings.HasSuffix(as, bs), nil
		},
		OpBetween: between,
		OpMatches: func(a, b interface{}) (bool, error) {
			s, sok := a.(string)
			pattern, pok := b.(string)
			if !sok || !pok {
				return false, nil
			}
			return safeMatch(pattern, s), nil
		},
	}
}

// asNumber converts numeric kinds and numeric strings to float64.
func asNumber(v interface{}) (float64, bool) {
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
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func isNumeric(v interface{}) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, uint64:
		return true
	}
	return false
}

// looseEqual unifies numeric kinds and numeric strings before comparing, so
// that 5, 5.0 and "5" are all equal to each other. Non-scalar values fall
// back to deep equality.
func looseEqual(a, b interface{}) bool {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			return an == bn
		}
		return false
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return as == bs
		}
		return false
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// strictEqual additionally requires both values to share a kind: a numeric
// string never equals a number.
func strictEqual(a, b interface{}) bool {
	if isNumeric(a) != isNumeric(b) {
		return false
	}
	if _, aok := a.(string); aok {
		if _, bok := b.(string); !bok {
			return false
		}
	}
	return looseEqual(a, b)
}

// compareValues orders two scalars: numerically when both convert, else
// lexicographically when both are strings.
func compareValues(a, b interface{}) (int, error) {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			switch {
			case an < bn:
				return -1, nil
			case an > bn:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return strings.Compare(as, bs), nil
		}
	}
	return 0, errors.Errorf("rules: cannot order %T against %T", a, b)
}

func orderingOp(accept func(int) bool) OperatorFunc {
	return func(a, b interface{}) (bool, error) {
		c, err := compareValues(a, b)
		if err != nil {
			return false, err
		}
		return accept(c), nil
	}
}

// membership reports whether the field value appears in the condition's
// list value.
func membership(a, b interface{}) (bool, error) {
	list, ok := b.([]interface{})
	if !ok {
		return false, errors.Errorf("rules: `in` needs a list, got %T", b)
	}
	for _, item := range list {
		if looseEqual(a, item) {
			return true, nil
		}
	}
	return false, nil
}

// contains handles both substring checks on strings and element checks on
// lists.
func contains(a, b interface{}) (bool, error) {
	switch field := a.(type) {
	case string:
		sub, ok := b.(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(field, sub), nil
	case []interface{}:
		for _, item := range field {
			if looseEqual(item, b) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, nil
	}
}

// between expects the condition value to be a two-element [lo, hi] list and
// checks lo <= field <= hi.
func between(a, b interface{}) (bool, error) {
	bounds, ok := b.([]interface{})
	if !ok || len(bounds) != 2 {
		return false, errors.New("rules: `between` needs a [lo, hi] pair")
	}
	n, ok := asNumber(a)
	if !ok {
		return false, nil
	}
	lo, lok := asNumber(bounds[0])
	hi, hok := asNumber(bounds[1])
	if !lok || !hok {
		return false, errors.New("rules: `between` bounds must be numeric")
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return n >= lo && n <= hi, nil
}

package rules

import (
	"math"
	"math/rand"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// FunctionFunc transforms a resolved field value before the operator runs.
// The first argument is the field value (nil when the field is absent);
// any declared functionArgs follow.
type FunctionFunc func(args ...interface{}) (interface{}, error)

func builtinFunctions() map[string]FunctionFunc {
	return map[string]FunctionFunc{
		"now": func(_ ...interface{}) (interface{}, error) {
			return float64(time.Now().UnixMilli()), nil
		},
		"date":      fnDate,
		"abs":       unaryNumeric("abs", math.Abs),
		"round":     unaryNumeric("round", math.Round),
		"floor":     unaryNumeric("floor", math.Floor),
		"ceil":      unaryNumeric("ceil", math.Ceil),
		"min":       fnMin,
		"max":       fnMax,
		"length":    fnLength,
		"lowercase": unaryString("lowercase", strings.ToLower),
		"uppercase": unaryString("uppercase", strings.ToUpper),
		"trim":      unaryString("trim", strings.TrimSpace),
		"random": func(_ ...interface{}) (interface{}, error) {
			return rand.Float64(), nil
		},
		"randomInt": fnRandomInt,
	}
}

func unaryNumeric(name string, f func(float64) float64) FunctionFunc {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) == 0 {
			return nil, errors.Errorf("rules: %s needs a value", name)
		}
		n, ok := asNumber(args[0])
		if !ok {
			return nil, errors.Errorf("rules: %s needs a number, got %T", name, args[0])
		}
		return f(n), nil
	}
}

func unaryString(name string, f func(string) string) FunctionFunc {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) == 0 {
			return nil, errors.Errorf("rules: %s needs a value", name)
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, errors.Errorf("rules: %s needs a string, got %T", name, args[0])
		}
		return f(s), nil
	}
}

// fnDate parses its argument into milliseconds since the epoch. Numbers pass
// through, RFC 3339 and date-only strings are parsed in UTC.
func fnDate(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, errors.New("rules: date needs a value")
	}
	if n, ok := asNumber(args[0]); ok {
		return n, nil
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, errors.Errorf("rules: date cannot parse %T", args[0])
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return float64(t.UnixMilli()), nil
		}
	}
	return nil, errors.Errorf("rules: date cannot parse %q", s)
}

// fnMin and fnMax fold the field value together with any function args; a
// list field value is folded element-wise.
func fnMin(args ...interface{}) (interface{}, error) {
	return foldNumbers("min", math.Min, args)
}

func fnMax(args ...interface{}) (interface{}, error) {
	return foldNumbers("max", math.Max, args)
}

func foldNumbers(name string, f func(float64, float64) float64, args []interface{}) (interface{}, error) {
	var nums []float64
	push := func(v interface{}) error {
		n, ok := asNumber(v)
		if !ok {
			return errors.Errorf("rules: %s needs numbers, got %T", name, v)
		}
		nums = append(nums, n)
		return nil
	}
	for _, arg := range args {
		if list, ok := arg.([]interface{}); ok {
			for _, item := range list {
				if err := push(item); err != nil {
					return nil, err
				}
			}
			continue
		}
		if arg == nil {
			continue
		}
		if err := push(arg); err != nil {
			return nil, err
		}
	}
	if len(nums) == 0 {
		return nil, errors.Errorf("rules: %s needs at least one number", name)
	}
	acc := nums[0]
	for _, n := range nums[1:] {
		acc = f(acc, n)
	}
	return acc, nil
}

func fnLength(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, errors.New("rules: length needs a value")
	}
	switch v := args[0].(type) {
	case string:
		return float64(utf8.RuneCountInString(v)), nil
	case []interface{}:
		return float64(len(v)), nil
	case map[string]interface{}:
		return float64(len(v)), nil
	case nil:
		return float64(0), nil
	default:
		return nil, errors.Errorf("rules: length cannot measure %T", args[0])
	}
}

// fnRandomInt returns an integer in [lo, hi], swapping inverted bounds. The
// bounds come from functionArgs; the field value is ignored.
func fnRandomInt(args ...interface{}) (interface{}, error) {
	if len(args) < 3 {
		return nil, errors.New("rules: randomInt needs lo and hi bounds")
	}
	lo, lok := asNumber(args[1])
	hi, hok := asNumber(args[2])
	if !lok || !hok {
		return nil, errors.New("rules: randomInt bounds must be numeric")
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	loI, hiI := int64(math.Ceil(lo)), int64(math.Floor(hi))
	if loI > hiI {
		return float64(loI), nil
	}
	return float64(loI + rand.Int63n(hiI-loI+1)), nil
}

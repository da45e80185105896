package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/liamcoop/automations/rules/safety"
)

// PatternClassifier returns the safety verdict for a regex pattern.
// *safety.Analyzer is the production implementation.
type PatternClassifier interface {
	Classify(pattern string) *safety.Verdict
}

// EvaluateOperator applies op to a field value. present is false when the row
// has no such field, in which case the value is treated as null. The returned
// errors carry no condition context; callers fill it in.
func EvaluateOperator(value any, present bool, op Operator, comparison any, patterns PatternClassifier) (bool, error) {
	if !present {
		value = nil
	}

	switch op {
	case OpEquals:
		return valuesEqual(value, comparison), nil

	case OpNotEquals:
		return !valuesEqual(value, comparison), nil

	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		return compareNumbers(value, present, op, comparison)

	case OpContains:
		return strings.Contains(toText(value), toText(comparison)), nil

	case OpNotContains:
		return !strings.Contains(toText(value), toText(comparison)), nil

	case OpRegex:
		return matchPattern(value, comparison, patterns)

	case OpIsEmpty:
		return isEmpty(value), nil

	case OpIsNotEmpty:
		return !isEmpty(value), nil
	}

	return false, &ValidationError{Field: "operator", Problems: []string{fmt.Sprintf("unknown operator %q", op)}}
}

func compareNumbers(value any, present bool, op Operator, comparison any) (bool, error) {
	left, ok := toNumber(value)
	if !ok {
		return false, &TypeMismatchError{Operator: op, Expected: "a number", Actual: value, Missing: !present}
	}
	right, ok := toNumber(comparison)
	if !ok {
		return false, &TypeMismatchError{Operator: op, Expected: "a numeric comparison value", Actual: comparison}
	}

	switch op {
	case OpGreaterThan:
		return left > right, nil
	case OpLessThan:
		return left < right, nil
	case OpGreaterOrEqual:
		return left >= right, nil
	case OpLessOrEqual:
		return left <= right, nil
	}
	return false, fmt.Errorf("operator %s is not a numeric comparison", op)
}

func matchPattern(value, comparison any, patterns PatternClassifier) (bool, error) {
	pattern, ok := comparison.(string)
	if !ok {
		return false, &ValidationError{Field: "value", Problems: []string{"regex value must be a pattern string"}}
	}

	var verdict *safety.Verdict
	if patterns != nil {
		verdict = patterns.Classify(pattern)
	} else {
		verdict = safety.Analyze(pattern)
	}
	if !verdict.Safe {
		return false, &UnsafePatternError{Pattern: pattern, Reason: verdict.Reason, Detail: verdict.Detail}
	}

	if value == nil {
		return false, nil
	}
	return verdict.MatchString(toText(value)), nil
}

// valuesEqual implements equals: null equals only null, numbers compare
// numerically when the other side coerces, otherwise canonical strings
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if isNumber(a) || isNumber(b) {
		x, okA := toNumber(a)
		y, okB := toNumber(b)
		if okA && okB {
			return x == y
		}
	}

	if x, ok := a.(bool); ok {
		if y, ok := b.(bool); ok {
			return x == y
		}
	}

	return toText(a) == toText(b)
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return true
	}
	return false
}

// toNumber coerces numbers and numeric-looking strings
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// toText is the canonical string form used by string operators
func toText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	}
	if f, ok := toNumber(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

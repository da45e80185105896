package rules

import (
	"errors"
	"fmt"
)

// DefaultMaxDepth bounds condition tree nesting
const DefaultMaxDepth = 20

// Evaluator evaluates condition trees against rows
type Evaluator struct {
	maxDepth int
	patterns PatternClassifier
}

// NewEvaluator creates an evaluator. maxDepth <= 0 selects DefaultMaxDepth.
func NewEvaluator(maxDepth int, patterns PatternClassifier) *Evaluator {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Evaluator{maxDepth: maxDepth, patterns: patterns}
}

// Evaluate walks group left to right with short-circuiting. Type mismatches
// are collected and count as false. A structural error (unsafe pattern,
// depth, unknown operator) stops the walk, is appended last and the result
// is false.
func (e *Evaluator) Evaluate(group *ConditionGroup, row *DataRow) (bool, []error) {
	var errs []error
	matched, err := e.evalGroup(group, row, 1, &errs)
	if err != nil {
		return false, append(errs, err)
	}
	return matched, errs
}

func (e *Evaluator) evalGroup(g *ConditionGroup, row *DataRow, depth int, errs *[]error) (bool, error) {
	if depth > e.maxDepth {
		return false, &DepthExceededError{Limit: e.maxDepth}
	}
	if g == nil {
		return false, &ValidationError{Field: "conditions", Problems: []string{"missing condition group"}}
	}

	switch g.Logic {
	case LogicAnd:
		for _, child := range g.Children {
			ok, err := e.evalNode(child, row, depth, errs)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case LogicOr:
		for _, child := range g.Children {
			ok, err := e.evalNode(child, row, depth, errs)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	return false, &ValidationError{Field: "logic", Problems: []string{fmt.Sprintf("unknown logic %q", g.Logic)}}
}

func (e *Evaluator) evalNode(n Node, row *DataRow, depth int, errs *[]error) (bool, error) {
	switch n := n.(type) {
	case *ConditionGroup:
		return e.evalGroup(n, row, depth+1, errs)

	case *Condition:
		ok, err := e.evalCondition(n, row)
		if err == nil {
			return ok, nil
		}
		var mismatch *TypeMismatchError
		if errors.As(err, &mismatch) {
			*errs = append(*errs, err)
			return false, nil
		}
		return false, err
	}

	return false, &ValidationError{Field: "conditions", Problems: []string{fmt.Sprintf("unsupported node %T", n)}}
}

func (e *Evaluator) evalCondition(c *Condition, row *DataRow) (bool, error) {
	value, present := row.Get(c.Field)
	ok, err := EvaluateOperator(value, present, c.Operator, c.Value, e.patterns)
	if err == nil {
		return ok, nil
	}

	var (
		mismatch *TypeMismatchError
		unsafe   *UnsafePatternError
		invalid  *ValidationError
	)
	switch {
	case errors.As(err, &mismatch):
		mismatch.ConditionID, mismatch.Field = c.ID, c.Field
	case errors.As(err, &unsafe):
		unsafe.ConditionID, unsafe.Field = c.ID, c.Field
	case errors.As(err, &invalid):
		if c.ID != "" {
			invalid.Field = c.ID + "." + invalid.Field
		}
	}
	return false, err
}

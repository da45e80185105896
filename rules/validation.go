package rules

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance; it caches struct metadata
var validate = validator.New()

// ValidateRule checks rule shape before any evaluation: name, actions,
// group logic, operators, comparison values and tree depth. A tree nested
// beyond maxDepth yields a *DepthExceededError, every other problem is
// collected into one *ValidationError.
func ValidateRule(rule *Rule, maxDepth int) error {
	if rule == nil {
		return &ValidationError{Problems: []string{"rule is required"}}
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	var problems []string
	problems = append(problems, structProblems(rule)...)

	if rule.Conditions == nil {
		problems = append(problems, "conditions is required")
	} else {
		var depthErr error
		rule.Conditions.Walk(func(n Node, depth int) bool {
			switch n := n.(type) {
			case *ConditionGroup:
				if depth > maxDepth {
					depthErr = &DepthExceededError{RuleID: rule.ID, Limit: maxDepth}
					return false
				}
				if n == nil {
					problems = append(problems, "condition group is null")
					return true
				}
				problems = append(problems, structProblems(n)...)
			case *Condition:
				if n == nil {
					problems = append(problems, "condition is null")
					return true
				}
				problems = append(problems, structProblems(n)...)
				problems = append(problems, valueProblems(n)...)
			default:
				problems = append(problems, fmt.Sprintf("unsupported condition node %T", n))
			}
			return true
		})
		if depthErr != nil {
			return depthErr
		}
	}

	if len(problems) > 0 {
		return &ValidationError{RuleID: rule.ID, Problems: problems}
	}
	return nil
}

// CheckPatterns classifies every regex pattern in the rule and returns an
// *UnsafePatternError for the first one that is not safe
func CheckPatterns(rule *Rule, patterns PatternClassifier) error {
	if rule == nil || rule.Conditions == nil {
		return nil
	}

	var unsafe error
	rule.Conditions.Walk(func(n Node, _ int) bool {
		c, ok := n.(*Condition)
		if !ok || c == nil || c.Operator != OpRegex {
			return true
		}
		pattern, ok := c.Value.(string)
		if !ok {
			return true
		}
		verdict := patterns.Classify(pattern)
		if !verdict.Safe {
			unsafe = &UnsafePatternError{
				RuleID:      rule.ID,
				ConditionID: c.ID,
				Field:       c.Field,
				Pattern:     pattern,
				Reason:      verdict.Reason,
				Detail:      verdict.Detail,
			}
			return false
		}
		return true
	})
	return unsafe
}

func valueProblems(c *Condition) []string {
	if !isScalar(c.Value) {
		return []string{fmt.Sprintf("condition %s: value must be a string, number, boolean or null", c.ID)}
	}

	switch c.Operator {
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		if _, ok := toNumber(c.Value); !ok {
			return []string{fmt.Sprintf("condition %s: %s needs a numeric value", c.ID, c.Operator)}
		}
	case OpRegex:
		if _, ok := c.Value.(string); !ok {
			return []string{fmt.Sprintf("condition %s: regex needs a pattern string", c.ID)}
		}
	}
	return nil
}

// structProblems runs the struct tags and renders failures as sentences
func structProblems(s any) []string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}

	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := fe.Namespace()
		switch fe.Tag() {
		case "required":
			problems = append(problems, fmt.Sprintf("%s is required", field))
		case "min":
			problems = append(problems, fmt.Sprintf("%s must have at least %s entries", field, fe.Param()))
		case "max":
			problems = append(problems, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		case "oneof":
			problems = append(problems, fmt.Sprintf("%s must be one of: %s", field, fe.Param()))
		default:
			problems = append(problems, fmt.Sprintf("%s failed on the '%s' rule", field, fe.Tag()))
		}
	}
	return problems
}

package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/liamcoop/automations/rules/safety"
)

// Code is a stable, machine-readable error category
type Code string

const (
	CodeValidation    Code = "validation_error"
	CodeUnsafePattern Code = "unsafe_pattern"
	CodeTypeMismatch  Code = "type_mismatch"
	CodeDepthExceeded Code = "depth_exceeded"
	CodeActionError   Code = "action_error"
	CodeInternal      Code = "internal_error"
)

var (
	// ErrRuleNotFound is returned by stores when no rule has the given ID
	ErrRuleNotFound = errors.New("rule not found")

	// ErrRuleExists is returned by stores when adding a duplicate ID
	ErrRuleExists = errors.New("rule already exists")
)

// ValidationError reports a malformed rule, condition or action
type ValidationError struct {
	RuleID   string
	Field    string
	Problems []string
}

func (e *ValidationError) Error() string {
	msg := strings.Join(e.Problems, "; ")
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.RuleID != "" {
		return fmt.Sprintf("rule %s: invalid rule: %s", e.RuleID, msg)
	}
	return "invalid rule: " + msg
}

func (e *ValidationError) Code() Code { return CodeValidation }

// UnsafePatternError reports a regex condition whose pattern failed safety
// classification. It is structural: the condition cannot be evaluated at all.
type UnsafePatternError struct {
	RuleID      string
	ConditionID string
	Field       string
	Pattern     string
	Reason      safety.Reason
	Detail      string
}

func (e *UnsafePatternError) Error() string {
	msg := fmt.Sprintf("unsafe regex pattern detected: %q (%s)", e.Pattern, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.ConditionID != "" {
		msg = fmt.Sprintf("condition %s: %s", e.ConditionID, msg)
	}
	return msg
}

func (e *UnsafePatternError) Code() Code { return CodeUnsafePattern }

// TypeMismatchError reports an operator applied to a value it cannot use
type TypeMismatchError struct {
	ConditionID string
	Field       string
	Operator    Operator
	Expected    string
	Actual      any
	Missing     bool
}

func (e *TypeMismatchError) Error() string {
	got := describe(e.Actual)
	if e.Missing {
		got = "missing field"
	}
	return fmt.Sprintf("condition %s: operator %s on field %q requires %s, got %s",
		e.ConditionID, e.Operator, e.Field, e.Expected, got)
}

func (e *TypeMismatchError) Code() Code { return CodeTypeMismatch }

// DepthExceededError reports a condition tree nested beyond the configured limit
type DepthExceededError struct {
	RuleID string
	Limit  int
}

func (e *DepthExceededError) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("condition tree deeper than %d levels", e.Limit)
	}
	return fmt.Sprintf("rule %s: condition tree deeper than %d levels", e.RuleID, e.Limit)
}

func (e *DepthExceededError) Code() Code { return CodeDepthExceeded }

// ActionErrorKind says why an action failed
type ActionErrorKind string

const (
	ActionReservedField    ActionErrorKind = "reserved_field"
	ActionInvalidGroupName ActionErrorKind = "invalid_group_name"
	ActionInvalidValue     ActionErrorKind = "invalid_value"
	ActionUnknownType      ActionErrorKind = "unknown_action"
)

// ActionError reports one failed action. Sibling actions are unaffected.
type ActionError struct {
	ActionID string
	Type     ActionType
	Kind     ActionErrorKind
	Message  string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s (%s): %s: %s", e.ActionID, e.Type, e.Kind, e.Message)
}

func (e *ActionError) Code() Code { return CodeActionError }

// CodeOf returns the code of the first coded error in err's chain
func CodeOf(err error) Code {
	var coded interface{ Code() Code }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return CodeInternal
}

// IsStructural reports whether err prevents a rule from being evaluated, as
// opposed to a per-condition or per-action failure
func IsStructural(err error) bool {
	switch CodeOf(err) {
	case CodeValidation, CodeUnsafePattern, CodeDepthExceeded:
		return true
	}
	return false
}

// ErrorDetail is the JSON form of an engine error
type ErrorDetail struct {
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	Field       string `json:"field,omitempty"`
	ConditionID string `json:"conditionId,omitempty"`
	ActionID    string `json:"actionId,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// NewErrorDetail converts err for reports and HTTP responses
func NewErrorDetail(err error) ErrorDetail {
	d := ErrorDetail{Code: CodeOf(err), Message: err.Error()}

	var (
		verr *ValidationError
		uerr *UnsafePatternError
		terr *TypeMismatchError
		aerr *ActionError
	)
	switch {
	case errors.As(err, &uerr):
		d.Field, d.ConditionID, d.Reason = uerr.Field, uerr.ConditionID, string(uerr.Reason)
	case errors.As(err, &terr):
		d.Field, d.ConditionID = terr.Field, terr.ConditionID
	case errors.As(err, &aerr):
		d.ActionID, d.Reason = aerr.ActionID, string(aerr.Kind)
	case errors.As(err, &verr):
		d.Field = verr.Field
	}
	return d
}

func describe(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case bool:
		return fmt.Sprintf("boolean %t", x)
	case string:
		if x == "" {
			return "empty string"
		}
		return fmt.Sprintf("string %q", x)
	}
	return fmt.Sprintf("%T %v", v, v)
}

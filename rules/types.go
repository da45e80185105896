package rules

import (
	"encoding/json"
	"fmt"
	"time"
)

// Logic combines the children of a ConditionGroup
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Operator is the comparison a Condition performs
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpGreaterThan    Operator = "greater_than"
	OpLessThan       Operator = "less_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessOrEqual    Operator = "less_or_equal"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpRegex          Operator = "regex"
	OpIsEmpty        Operator = "is_empty"
	OpIsNotEmpty     Operator = "is_not_empty"
)

// ActionType is the kind of mutation an Action performs
type ActionType string

const (
	ActionAddToGroup      ActionType = "add_to_group"
	ActionRemoveFromGroup ActionType = "remove_from_group"
	ActionSetField        ActionType = "set_field"
	ActionSkip            ActionType = "skip"
)

// Action parameter keys
const (
	ParamGroupName = "groupName"
	ParamField     = "field"
	ParamValue     = "value"
)

// Rule is a condition tree plus the actions to run when it matches
type Rule struct {
	ID           string          `json:"id" yaml:"id"`
	DataSourceID string          `json:"dataSourceId,omitempty" yaml:"-"`
	Name         string          `json:"name" yaml:"name" validate:"required,max=255"`
	Enabled      bool            `json:"enabled" yaml:"enabled"`
	Priority     int             `json:"priority" yaml:"priority"`
	Conditions   *ConditionGroup `json:"conditions" yaml:"conditions" validate:"-"`
	Actions      []Action        `json:"actions" yaml:"actions" validate:"required,min=1,dive"`
	CreatedAt    time.Time       `json:"createdAt" yaml:"-"`
	UpdatedAt    time.Time       `json:"updatedAt" yaml:"-"`
}

// Node is an element of a condition tree. It is implemented only by
// *Condition and *ConditionGroup.
type Node interface {
	node()
}

// Condition tests one field of a row
type Condition struct {
	ID       string   `json:"id,omitempty" yaml:"id"`
	Field    string   `json:"field" yaml:"field" validate:"required"`
	Operator Operator `json:"operator" yaml:"operator" validate:"required,oneof=equals not_equals greater_than less_than greater_or_equal less_or_equal contains not_contains regex is_empty is_not_empty"`
	Value    any      `json:"value" yaml:"value"`
}

// ConditionGroup is an AND/OR combination of conditions and nested groups
type ConditionGroup struct {
	Logic    Logic  `validate:"oneof=AND OR"`
	Children []Node `validate:"-"`
}

func (*Condition) node()      {}
func (*ConditionGroup) node() {}

// And builds an AND group
func And(children ...Node) *ConditionGroup {
	return &ConditionGroup{Logic: LogicAnd, Children: children}
}

// Or builds an OR group
func Or(children ...Node) *ConditionGroup {
	return &ConditionGroup{Logic: LogicOr, Children: children}
}

// Walk visits every node of the tree in pre-order without recursing on the
// Go stack. depth is 1 for the root group. Returning false from fn stops the
// walk.
func (g *ConditionGroup) Walk(fn func(n Node, depth int) bool) {
	type frame struct {
		n     Node
		depth int
	}
	stack := []frame{{g, 1}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(f.n, f.depth) {
			return
		}
		group, ok := f.n.(*ConditionGroup)
		if !ok || group == nil {
			continue
		}
		for i := len(group.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{group.Children[i], f.depth + 1})
		}
	}
}

// Action is one step to apply to a matching row
type Action struct {
	ID         string         `json:"id,omitempty" yaml:"id"`
	Type       ActionType     `json:"type" yaml:"type" validate:"required,oneof=add_to_group remove_from_group set_field skip"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters"`
}

type groupJSON struct {
	Logic      Logic             `json:"logic"`
	Conditions []json.RawMessage `json:"conditions"`
}

// MarshalJSON encodes the group as {"logic": ..., "conditions": [...]}
func (g *ConditionGroup) MarshalJSON() ([]byte, error) {
	children := make([]json.RawMessage, 0, len(g.Children))
	for _, child := range g.Children {
		b, err := json.Marshal(child)
		if err != nil {
			return nil, err
		}
		children = append(children, b)
	}
	return json.Marshal(groupJSON{Logic: g.Logic, Conditions: children})
}

// UnmarshalJSON decodes a group. A child object carrying a "logic" key is a
// nested group, anything else is a condition.
func (g *ConditionGroup) UnmarshalJSON(data []byte) error {
	var raw groupJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	g.Logic = raw.Logic
	g.Children = make([]Node, 0, len(raw.Conditions))
	for i, child := range raw.Conditions {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(child, &probe); err != nil {
			return fmt.Errorf("conditions[%d]: %w", i, err)
		}

		if _, isGroup := probe["logic"]; isGroup {
			var nested ConditionGroup
			if err := nested.UnmarshalJSON(child); err != nil {
				return fmt.Errorf("conditions[%d]: %w", i, err)
			}
			g.Children = append(g.Children, &nested)
			continue
		}

		var cond Condition
		if err := json.Unmarshal(child, &cond); err != nil {
			return fmt.Errorf("conditions[%d]: %w", i, err)
		}
		g.Children = append(g.Children, &cond)
	}
	return nil
}

// Mode controls what the caller does with action outcomes
type Mode string

const (
	// ModeDraft reports outcomes without persisting them
	ModeDraft Mode = "draft"
	// ModeCommit hands outcomes to the persistence layer
	ModeCommit Mode = "commit"
)

// MatchPolicy decides how many matching rules fire for one row
type MatchPolicy string

const (
	// MatchAll fires every matching enabled rule
	MatchAll MatchPolicy = "all"
	// MatchFirst stops at the first matching rule in priority order
	MatchFirst MatchPolicy = "first"
)

// EvaluationResult is the outcome of one rule against one row
type EvaluationResult struct {
	RuleID         string          `json:"ruleId"`
	RuleName       string          `json:"ruleName"`
	Priority       int             `json:"priority"`
	Matched        bool            `json:"matched"`
	ActionsApplied []ActionOutcome `json:"actionsApplied"`
	Errors         []ErrorDetail   `json:"errors"`
}

// RowReport collects the results of every evaluated rule for one row
type RowReport struct {
	Index    int                `json:"index"`
	RowID    string             `json:"rowId,omitempty"`
	Results  []EvaluationResult `json:"results"`
	Mutation Mutation           `json:"mutation"`
}

// RejectedRule is a rule that failed validation and was never evaluated
type RejectedRule struct {
	RuleID   string      `json:"ruleId"`
	RuleName string      `json:"ruleName"`
	Error    ErrorDetail `json:"error"`
}

// RunStats holds run-level counters
type RunStats struct {
	RowsProcessed  int `json:"rowsProcessed"`
	RulesMatched   int `json:"rulesMatched"`
	ActionsApplied int `json:"actionsApplied"`
	Errors         int `json:"errors"`
}

// Report is the result of one Runner pass
type Report struct {
	RunID      string         `json:"runId"`
	Mode       Mode           `json:"mode"`
	Policy     MatchPolicy    `json:"policy"`
	Rows       []RowReport    `json:"rows"`
	Rejected   []RejectedRule `json:"rejected,omitempty"`
	Stats      RunStats       `json:"stats"`
	Cancelled  bool           `json:"cancelled,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
}

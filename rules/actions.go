package rules

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxGroupNameLength bounds group names used by group actions
const MaxGroupNameLength = 100

// DefaultReservedFields are fields set_field may never write
var DefaultReservedFields = []string{"id", "_id", "created_at", "updated_at", "data_source_id"}

// ActionOutcome records what happened to one action
type ActionOutcome struct {
	ActionID string         `json:"actionId,omitempty"`
	Type     ActionType     `json:"type"`
	Success  bool           `json:"success"`
	Error    *ErrorDetail   `json:"error,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// FieldChange is one set_field effect on a row
type FieldChange struct {
	Field    string `json:"field"`
	OldValue any    `json:"oldValue"`
	NewValue any    `json:"newValue"`
}

// Mutation is the net effect of all successful actions on one row
type Mutation struct {
	FieldChanges  []FieldChange `json:"fieldChanges,omitempty"`
	GroupsAdded   []string      `json:"groupsAdded,omitempty"`
	GroupsRemoved []string      `json:"groupsRemoved,omitempty"`
}

// Empty reports whether the mutation changes nothing
func (m *Mutation) Empty() bool {
	return len(m.FieldChanges) == 0 && len(m.GroupsAdded) == 0 && len(m.GroupsRemoved) == 0
}

func (m *Mutation) setField(field string, old, value any) {
	for i := range m.FieldChanges {
		if m.FieldChanges[i].Field == field {
			m.FieldChanges[i].NewValue = value
			return
		}
	}
	m.FieldChanges = append(m.FieldChanges, FieldChange{Field: field, OldValue: old, NewValue: value})
}

// addGroup cancels a pending removal of the same group
func (m *Mutation) addGroup(name string) {
	m.GroupsRemoved = without(m.GroupsRemoved, name)
	if !contains(m.GroupsAdded, name) {
		m.GroupsAdded = append(m.GroupsAdded, name)
	}
}

func (m *Mutation) removeGroup(name string) {
	m.GroupsAdded = without(m.GroupsAdded, name)
	if !contains(m.GroupsRemoved, name) {
		m.GroupsRemoved = append(m.GroupsRemoved, name)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func without(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// Executor applies action lists to rows
type Executor struct {
	reserved map[string]struct{}
	logger   *slog.Logger
}

// NewExecutor creates an executor protecting the given fields. A nil list
// selects DefaultReservedFields.
func NewExecutor(reservedFields []string, logger *slog.Logger) *Executor {
	if reservedFields == nil {
		reservedFields = DefaultReservedFields
	}
	if logger == nil {
		logger = slog.Default()
	}
	reserved := make(map[string]struct{}, len(reservedFields))
	for _, f := range reservedFields {
		reserved[strings.ToLower(f)] = struct{}{}
	}
	return &Executor{reserved: reserved, logger: logger}
}

// Apply runs actions against row in order and records their net effect in
// mut. Every action is attempted; a failure does not undo earlier actions.
func (x *Executor) Apply(actions []Action, row *DataRow, mut *Mutation) []ActionOutcome {
	outcomes := make([]ActionOutcome, 0, len(actions))
	for _, action := range actions {
		outcome := ActionOutcome{ActionID: action.ID, Type: action.Type}

		details, err := x.apply(action, row, mut)
		if err != nil {
			detail := NewErrorDetail(err)
			outcome.Error = &detail
			x.logger.Debug("action failed",
				"action_id", action.ID,
				"type", string(action.Type),
				"error", err)
		} else {
			outcome.Success = true
			outcome.Details = details
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (x *Executor) apply(action Action, row *DataRow, mut *Mutation) (map[string]any, error) {
	switch action.Type {
	case ActionAddToGroup:
		name, err := groupName(action)
		if err != nil {
			return nil, err
		}
		mut.addGroup(name)
		return map[string]any{ParamGroupName: name}, nil

	case ActionRemoveFromGroup:
		name, err := groupName(action)
		if err != nil {
			return nil, err
		}
		mut.removeGroup(name)
		return map[string]any{ParamGroupName: name}, nil

	case ActionSetField:
		return x.setField(action, row, mut)

	case ActionSkip:
		return nil, nil
	}

	return nil, &ActionError{
		ActionID: action.ID,
		Type:     action.Type,
		Kind:     ActionUnknownType,
		Message:  fmt.Sprintf("unknown action type %q", action.Type),
	}
}

func (x *Executor) setField(action Action, row *DataRow, mut *Mutation) (map[string]any, error) {
	field, _ := action.Parameters[ParamField].(string)
	if field == "" {
		return nil, &ActionError{ActionID: action.ID, Type: action.Type, Kind: ActionInvalidValue, Message: "missing field parameter"}
	}
	if _, reserved := x.reserved[strings.ToLower(field)]; reserved {
		return nil, &ActionError{ActionID: action.ID, Type: action.Type, Kind: ActionReservedField,
			Message: fmt.Sprintf("field %q is reserved and cannot be modified", field)}
	}

	value, ok := action.Parameters[ParamValue]
	if !ok {
		return nil, &ActionError{ActionID: action.ID, Type: action.Type, Kind: ActionInvalidValue, Message: "missing value parameter"}
	}
	if !isScalar(value) {
		return nil, &ActionError{ActionID: action.ID, Type: action.Type, Kind: ActionInvalidValue,
			Message: fmt.Sprintf("value for field %q must be a scalar", field)}
	}

	old, _ := row.Get(field)
	row.Set(field, value)
	mut.setField(field, old, value)
	return map[string]any{ParamField: field, ParamValue: value}, nil
}

func groupName(action Action) (string, error) {
	raw, present := action.Parameters[ParamGroupName]
	name, isString := raw.(string)

	var problem string
	switch {
	case !present:
		problem = "missing groupName parameter"
	case !isString:
		problem = "groupName must be a string"
	case strings.TrimSpace(name) == "":
		problem = "group name is empty"
	case utf8.RuneCountInString(name) > MaxGroupNameLength:
		problem = fmt.Sprintf("group name longer than %d characters", MaxGroupNameLength)
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		problem = "group name contains control characters"
	default:
		return name, nil
	}

	return "", &ActionError{ActionID: action.ID, Type: action.Type, Kind: ActionInvalidGroupName, Message: problem}
}

package datasources

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/liamcoop/automations/rules"
)

// ColumnType is the declared type of a data source column
type ColumnType string

const (
	ColumnString  ColumnType = "string"
	ColumnNumber  ColumnType = "number"
	ColumnBoolean ColumnType = "boolean"
	ColumnDate    ColumnType = "date"
)

const (
	maxColumns          = 500
	maxIdentifierLength = 100
)

// Schema maps column names to their types. An empty schema accepts any
// column, so rules may reference fields freely.
type Schema map[string]ColumnType

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateSchema checks column names and types
func ValidateSchema(schema Schema) error {
	if len(schema) > maxColumns {
		return fmt.Errorf("schema contains %d columns, maximum allowed is %d", len(schema), maxColumns)
	}

	for column, typ := range schema {
		if err := validateIdentifier(column); err != nil {
			return fmt.Errorf("invalid column name %q: %w", column, err)
		}
		if strings.TrimSpace(string(typ)) != string(typ) {
			return fmt.Errorf("column %q has type with leading/trailing whitespace: %q", column, typ)
		}
		if !isValidColumnType(typ) {
			return fmt.Errorf("column %q has invalid type %q (must be one of: string, number, boolean, date)", column, typ)
		}
	}
	return nil
}

func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$ (start with letter or underscore, followed by letters, digits, or underscores)")
	}
	return nil
}

// isValidColumnType is case-sensitive
func isValidColumnType(typ ColumnType) bool {
	switch typ {
	case ColumnString, ColumnNumber, ColumnBoolean, ColumnDate:
		return true
	}
	return false
}

// CheckRule verifies rule only reads and writes declared columns, and that
// set_field values fit the column type. It returns a *rules.ValidationError.
func (s Schema) CheckRule(rule *rules.Rule) error {
	if len(s) == 0 || rule == nil {
		return nil
	}

	var problems []string
	if rule.Conditions != nil {
		rule.Conditions.Walk(func(n rules.Node, _ int) bool {
			c, ok := n.(*rules.Condition)
			if !ok || c == nil {
				return true
			}
			if _, declared := s[c.Field]; !declared {
				problems = append(problems, fmt.Sprintf("condition %s references unknown column %q", c.ID, c.Field))
			}
			return true
		})
	}

	for i, action := range rule.Actions {
		if action.Type != rules.ActionSetField {
			continue
		}
		field, _ := action.Parameters[rules.ParamField].(string)
		typ, declared := s[field]
		if !declared {
			problems = append(problems, fmt.Sprintf("actions[%d] sets unknown column %q", i, field))
			continue
		}
		if !typ.Accepts(action.Parameters[rules.ParamValue]) {
			problems = append(problems, fmt.Sprintf("actions[%d] sets %s column %q to an incompatible value", i, typ, field))
		}
	}

	if len(problems) > 0 {
		return &rules.ValidationError{RuleID: rule.ID, Problems: problems}
	}
	return nil
}

// Accepts reports whether v can be stored in a column of this type. Null is
// accepted by every type; dates are RFC 3339 strings or plain YYYY-MM-DD.
func (t ColumnType) Accepts(v any) bool {
	if v == nil {
		return true
	}

	switch t {
	case ColumnString:
		_, ok := v.(string)
		return ok
	case ColumnBoolean:
		_, ok := v.(bool)
		return ok
	case ColumnNumber:
		switch v.(type) {
		case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		}
		return false
	case ColumnDate:
		s, ok := v.(string)
		if !ok {
			return false
		}
		if _, err := time.Parse(time.RFC3339, s); err == nil {
			return true
		}
		_, err := time.Parse(time.DateOnly, s)
		return err == nil
	}
	return false
}

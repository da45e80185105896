package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleFile is the on-disk form of a rule set:
//
//	rules:
//	  - id: premium
//	    name: Premium customers
//	    enabled: true
//	    priority: 1
//	    conditions:
//	      logic: AND
//	      conditions:
//	        - {field: price, operator: greater_than, value: 100}
//	    actions:
//	      - {type: add_to_group, parameters: {groupName: premium}}
type RuleFile struct {
	Rules []*Rule `json:"rules" yaml:"rules"`
}

// UnmarshalYAML decodes a group the same way as UnmarshalJSON: a child
// mapping with a "logic" key is a nested group
func (g *ConditionGroup) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Logic      Logic       `yaml:"logic"`
		Conditions []yaml.Node `yaml:"conditions"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	g.Logic = raw.Logic
	g.Children = make([]Node, 0, len(raw.Conditions))
	for i := range raw.Conditions {
		child := &raw.Conditions[i]
		if hasKey(child, "logic") {
			var nested ConditionGroup
			if err := child.Decode(&nested); err != nil {
				return fmt.Errorf("line %d: %w", child.Line, err)
			}
			g.Children = append(g.Children, &nested)
			continue
		}

		var cond Condition
		if err := child.Decode(&cond); err != nil {
			return fmt.Errorf("line %d: %w", child.Line, err)
		}
		g.Children = append(g.Children, &cond)
	}
	return nil
}

func hasKey(n *yaml.Node, key string) bool {
	if n.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return true
		}
	}
	return false
}

// ParseRules decodes a rule set from JSON or YAML. Both a bare list of rules
// and a {"rules": [...]} document are accepted.
func ParseRules(data []byte) ([]*Rule, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var list []*Rule
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("failed to decode rules: %w", err)
		}
		return list, nil
	case '{':
		var file RuleFile
		if err := json.Unmarshal(trimmed, &file); err != nil {
			return nil, fmt.Errorf("failed to decode rules: %w", err)
		}
		return file.Rules, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	root := doc.Content[0]
	if root.Kind == yaml.SequenceNode {
		var list []*Rule
		if err := root.Decode(&list); err != nil {
			return nil, fmt.Errorf("failed to decode rules: %w", err)
		}
		return list, nil
	}

	var file RuleFile
	if err := root.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}
	return file.Rules, nil
}

// LoadRulesFile reads and decodes a rule file
func LoadRulesFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return rules, nil
}

// ParseRows decodes a JSON array of row objects. An "id" field, when present
// and a string, also becomes the row ID.
func ParseRows(data []byte) ([]*DataRow, error) {
	var rows []*DataRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode rows: %w", err)
	}
	for i, row := range rows {
		if row == nil {
			return nil, fmt.Errorf("row %d is null", i)
		}
		if id, ok := row.values["id"].(string); ok && strings.TrimSpace(id) != "" {
			row.ID = id
		}
	}
	return rows, nil
}

// LoadRowsFile reads a JSON rows file
func LoadRowsFile(path string) ([]*DataRow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows file: %w", err)
	}
	return ParseRows(data)
}

package rules

import (
	"encoding/json"
	"strings"
	"testing"
)

const ruleJSON = `{
	"id": "r1",
	"name": "Premium",
	"enabled": true,
	"priority": 3,
	"conditions": {
		"logic": "AND",
		"conditions": [
			{"id": "c1", "field": "price", "operator": "greater_than", "value": 100},
			{
				"logic": "OR",
				"conditions": [
					{"id": "c2", "field": "tier", "operator": "equals", "value": "gold"},
					{"id": "c3", "field": "tier", "operator": "is_empty"}
				]
			}
		]
	},
	"actions": [
		{"id": "a1", "type": "add_to_group", "parameters": {"groupName": "premium"}}
	]
}`

// TestRuleJSONDecoding verifies nested groups are told apart from conditions
func TestRuleJSONDecoding(t *testing.T) {
	var rule Rule
	if err := json.Unmarshal([]byte(ruleJSON), &rule); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if rule.ID != "r1" || !rule.Enabled || rule.Priority != 3 {
		t.Errorf("rule = %+v", rule)
	}

	root := rule.Conditions
	if root.Logic != LogicAnd || len(root.Children) != 2 {
		t.Fatalf("root = %+v", root)
	}
	if c, ok := root.Children[0].(*Condition); !ok || c.Field != "price" || c.Value != 100.0 {
		t.Errorf("children[0] = %#v", root.Children[0])
	}
	nested, ok := root.Children[1].(*ConditionGroup)
	if !ok || nested.Logic != LogicOr || len(nested.Children) != 2 {
		t.Fatalf("children[1] = %#v", root.Children[1])
	}
	if c := nested.Children[1].(*Condition); c.Operator != OpIsEmpty || c.Value != nil {
		t.Errorf("nested children[1] = %+v", c)
	}

	if err := ValidateRule(&rule, DefaultMaxDepth); err != nil {
		t.Errorf("decoded rule should be valid: %v", err)
	}
}

// TestRuleJSONRoundTrip verifies encoding keeps the group shape
func TestRuleJSONRoundTrip(t *testing.T) {
	var rule Rule
	if err := json.Unmarshal([]byte(ruleJSON), &rule); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	b, err := json.Marshal(&rule)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var again Rule
	if err := json.Unmarshal(b, &again); err != nil {
		t.Fatalf("second Unmarshal() error = %v", err)
	}
	nested, ok := again.Conditions.Children[1].(*ConditionGroup)
	if !ok || len(nested.Children) != 2 {
		t.Errorf("nested group lost in round trip: %s", b)
	}
}

// TestConditionGroupJSONErrors verifies malformed children are reported with their index
func TestConditionGroupJSONErrors(t *testing.T) {
	var g ConditionGroup
	err := json.Unmarshal([]byte(`{"logic": "AND", "conditions": [{"field": "a"}, 7]}`), &g)
	if err == nil {
		t.Fatal("expected an error for a non-object child")
	}
	if want := "conditions[1]"; !strings.HasPrefix(err.Error(), want) {
		t.Errorf("error = %q, want prefix %q", err, want)
	}
}

// TestWalk verifies pre-order traversal, depths and early stop
func TestWalk(t *testing.T) {
	tree := And(
		cond("c1", "a", OpEquals, 1),
		Or(cond("c2", "b", OpEquals, 2)),
		cond("c3", "c", OpEquals, 3),
	)

	var visited []string
	tree.Walk(func(n Node, depth int) bool {
		switch n := n.(type) {
		case *Condition:
			visited = append(visited, n.ID+"@"+string(rune('0'+depth)))
		case *ConditionGroup:
			visited = append(visited, string(n.Logic)+"@"+string(rune('0'+depth)))
		}
		return true
	})

	want := []string{"AND@1", "c1@2", "OR@2", "c2@3", "c3@2"}
	if len(visited) != len(want) {
		t.Fatalf("visited = %v, want %v", visited, want)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Errorf("visited[%d] = %s, want %s", i, visited[i], want[i])
		}
	}

	count := 0
	tree.Walk(func(Node, int) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Errorf("Walk did not stop, visited %d nodes", count)
	}
}

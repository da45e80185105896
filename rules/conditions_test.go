package rules

import (
	"errors"
	"testing"

	"github.com/liamcoop/automations/rules/safety"
)

// countingClassifier counts pattern lookups; every pattern is analyzed fresh
type countingClassifier struct {
	calls int
}

func (c *countingClassifier) Classify(pattern string) *safety.Verdict {
	c.calls++
	return safety.Analyze(pattern)
}

func cond(id, field string, op Operator, value any) *Condition {
	return &Condition{ID: id, Field: field, Operator: op, Value: value}
}

func priceRow(price any) *DataRow {
	row := NewDataRow("row-1")
	row.Set("price", price)
	return row
}

// TestEvaluateEmptyGroups verifies vacuous truth for AND and falsity for OR
func TestEvaluateEmptyGroups(t *testing.T) {
	ev := NewEvaluator(0, nil)
	row := NewDataRow("")

	if ok, errs := ev.Evaluate(And(), row); !ok || len(errs) != 0 {
		t.Errorf("empty AND = %v %v, want true", ok, errs)
	}
	if ok, errs := ev.Evaluate(Or(), row); ok || len(errs) != 0 {
		t.Errorf("empty OR = %v %v, want false", ok, errs)
	}
}

// TestEvaluateAndShortCircuit verifies no sibling after a false child is evaluated
func TestEvaluateAndShortCircuit(t *testing.T) {
	counter := &countingClassifier{}
	ev := NewEvaluator(0, counter)

	group := And(
		cond("c1", "price", OpGreaterThan, 100),
		cond("c2", "email", OpRegex, `^[a-z]+$`),
		cond("c3", "email", OpRegex, `(a+)+`),
	)

	ok, errs := ev.Evaluate(group, priceRow(50))
	if ok {
		t.Error("AND with a false first child should be false")
	}
	if len(errs) != 0 {
		t.Errorf("unreached conditions should produce no errors, got %v", errs)
	}
	if counter.calls != 0 {
		t.Errorf("siblings after false child were evaluated %d times", counter.calls)
	}
}

// TestEvaluateOrShortCircuit verifies no sibling after a true child is evaluated
func TestEvaluateOrShortCircuit(t *testing.T) {
	counter := &countingClassifier{}
	ev := NewEvaluator(0, counter)

	group := Or(
		cond("c1", "price", OpGreaterThan, 100),
		cond("c2", "email", OpRegex, `(a+)+`),
	)

	ok, errs := ev.Evaluate(group, priceRow(150))
	if !ok || len(errs) != 0 {
		t.Errorf("OR = %v %v, want true without errors", ok, errs)
	}
	if counter.calls != 0 {
		t.Errorf("siblings after true child were evaluated %d times", counter.calls)
	}
}

// TestEvaluateNestedGroups verifies nested AND/OR combinations
func TestEvaluateNestedGroups(t *testing.T) {
	ev := NewEvaluator(0, nil)

	// price > 100 AND (tier = gold OR tier = platinum)
	group := And(
		cond("c1", "price", OpGreaterThan, 100),
		Or(
			cond("c2", "tier", OpEquals, "gold"),
			cond("c3", "tier", OpEquals, "platinum"),
		),
	)

	tests := []struct {
		price any
		tier  string
		want  bool
	}{
		{150, "gold", true},
		{150, "platinum", true},
		{150, "silver", false},
		{50, "gold", false},
	}

	for _, tt := range tests {
		row := priceRow(tt.price)
		row.Set("tier", tt.tier)
		if got, _ := ev.Evaluate(group, row); got != tt.want {
			t.Errorf("price=%v tier=%s: got %v, want %v", tt.price, tt.tier, got, tt.want)
		}
	}
}

// TestEvaluateTypeMismatchIsRecorded verifies a mismatch counts as false and evaluation continues
func TestEvaluateTypeMismatchIsRecorded(t *testing.T) {
	ev := NewEvaluator(0, nil)

	group := Or(
		cond("c1", "price", OpGreaterThan, 100),
		cond("c2", "name", OpEquals, "widget"),
	)
	row := priceRow("not a number")
	row.Set("name", "widget")

	ok, errs := ev.Evaluate(group, row)
	if !ok {
		t.Error("OR should still be satisfied by the second condition")
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
	}

	var mismatch *TypeMismatchError
	if !errors.As(errs[0], &mismatch) {
		t.Fatalf("expected TypeMismatchError, got %v", errs[0])
	}
	if mismatch.ConditionID != "c1" || mismatch.Field != "price" {
		t.Errorf("mismatch context = %s/%s, want c1/price", mismatch.ConditionID, mismatch.Field)
	}
}

// TestEvaluateUnsafePatternAborts verifies structural errors stop the group
func TestEvaluateUnsafePatternAborts(t *testing.T) {
	counter := &countingClassifier{}
	ev := NewEvaluator(0, counter)

	group := Or(
		cond("c1", "email", OpRegex, `(x*)*`),
		cond("c2", "price", OpGreaterThan, 100),
	)

	ok, errs := ev.Evaluate(group, priceRow(150))
	if ok {
		t.Error("group with an unsafe pattern must not match")
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %v", errs)
	}

	var unsafe *UnsafePatternError
	if !errors.As(errs[0], &unsafe) {
		t.Fatalf("expected UnsafePatternError, got %v", errs[0])
	}
	if unsafe.ConditionID != "c1" {
		t.Errorf("ConditionID = %s, want c1", unsafe.ConditionID)
	}
}

func nestedGroup(levels int) *ConditionGroup {
	root := And(cond("leaf", "price", OpGreaterThan, 0))
	for i := 1; i < levels; i++ {
		root = And(root)
	}
	return root
}

// TestEvaluateDepthGuard verifies trees deeper than the limit fail fast
func TestEvaluateDepthGuard(t *testing.T) {
	ev := NewEvaluator(5, nil)

	if ok, errs := ev.Evaluate(nestedGroup(5), priceRow(1)); !ok || len(errs) != 0 {
		t.Errorf("tree at the limit: got %v %v, want true", ok, errs)
	}

	ok, errs := ev.Evaluate(nestedGroup(6), priceRow(1))
	if ok {
		t.Error("tree beyond the limit must not match")
	}
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %v", errs)
	}

	var depth *DepthExceededError
	if !errors.As(errs[0], &depth) {
		t.Fatalf("expected DepthExceededError, got %v", errs[0])
	}
	if depth.Limit != 5 {
		t.Errorf("Limit = %d, want 5", depth.Limit)
	}
}

// TestEvaluateVeryDeepTree verifies a pathological tree is refused without exhausting the stack
func TestEvaluateVeryDeepTree(t *testing.T) {
	ev := NewEvaluator(DefaultMaxDepth, nil)

	_, errs := ev.Evaluate(nestedGroup(100000), priceRow(1))
	if len(errs) != 1 || CodeOf(errs[0]) != CodeDepthExceeded {
		t.Errorf("expected a single depth_exceeded error, got %v", errs)
	}
}

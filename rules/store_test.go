package rules

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func storedRule(id string, priority int, enabled bool) *Rule {
	return &Rule{
		ID:         id,
		Name:       "Rule " + id,
		Enabled:    enabled,
		Priority:   priority,
		Conditions: And(cond("c1", "price", OpGreaterThan, 100)),
		Actions:    []Action{addToGroup("a1", "premium")},
	}
}

// TestRuleStoreInterfaceExists verifies InMemoryRuleStore implements RuleStore
func TestRuleStoreInterfaceExists(t *testing.T) {
	var _ RuleStore = (*InMemoryRuleStore)(nil)
	var _ RuleStore = (*PostgresRuleStore)(nil)
}

// TestInMemoryRuleStoreAdd verifies basic Add functionality
func TestInMemoryRuleStoreAdd(t *testing.T) {
	store := NewInMemoryRuleStore()

	rule := storedRule("test-1", 1, true)
	if err := store.Add(rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	retrieved, err := store.Get("test-1")
	if err != nil {
		t.Fatalf("Get() failed after Add(): %v", err)
	}
	if retrieved.ID != rule.ID || retrieved.Name != rule.Name {
		t.Errorf("Retrieved rule = %s/%s, want %s/%s", retrieved.ID, retrieved.Name, rule.ID, rule.Name)
	}
}

// TestInMemoryRuleStoreAddDuplicate verifies duplicate IDs return ErrRuleExists
func TestInMemoryRuleStoreAddDuplicate(t *testing.T) {
	store := NewInMemoryRuleStore()

	if err := store.Add(storedRule("dup", 1, true)); err != nil {
		t.Fatalf("First Add() failed: %v", err)
	}

	err := store.Add(storedRule("dup", 2, true))
	if !errors.Is(err, ErrRuleExists) {
		t.Fatalf("Add() with duplicate ID error = %v, want ErrRuleExists", err)
	}

	retrieved, _ := store.Get("dup")
	if retrieved.Priority != 1 {
		t.Error("Original rule should not be overwritten by duplicate Add()")
	}
}

// TestInMemoryRuleStoreGetNotFound verifies Get returns ErrRuleNotFound
func TestInMemoryRuleStoreGetNotFound(t *testing.T) {
	store := NewInMemoryRuleStore()

	if _, err := store.Get("missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Get() error = %v, want ErrRuleNotFound", err)
	}
}

// TestInMemoryRuleStoreTimestamps verifies Add and Update stamp times
func TestInMemoryRuleStoreTimestamps(t *testing.T) {
	store := NewInMemoryRuleStore()

	beforeAdd := time.Now()
	if err := store.Add(storedRule("ts", 1, true)); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	afterAdd := time.Now()

	retrieved, _ := store.Get("ts")
	if retrieved.CreatedAt.Before(beforeAdd) || retrieved.CreatedAt.After(afterAdd) {
		t.Errorf("CreatedAt = %v, should be between %v and %v", retrieved.CreatedAt, beforeAdd, afterAdd)
	}
	if !retrieved.UpdatedAt.Equal(retrieved.CreatedAt) {
		t.Errorf("UpdatedAt = %v, should equal CreatedAt = %v on creation", retrieved.UpdatedAt, retrieved.CreatedAt)
	}

	created := retrieved.CreatedAt
	time.Sleep(2 * time.Millisecond)

	if err := store.Update(storedRule("ts", 5, false)); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	updated, _ := store.Get("ts")
	if !updated.CreatedAt.Equal(created) {
		t.Error("Update() should preserve CreatedAt")
	}
	if !updated.UpdatedAt.After(created) {
		t.Error("Update() should advance UpdatedAt")
	}
	if updated.Priority != 5 || updated.Enabled {
		t.Errorf("Update() did not replace the rule: %+v", updated)
	}
}

// TestInMemoryRuleStoreUpdateNotFound verifies Update of a missing rule fails
func TestInMemoryRuleStoreUpdateNotFound(t *testing.T) {
	store := NewInMemoryRuleStore()

	if err := store.Update(storedRule("ghost", 1, true)); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Update() error = %v, want ErrRuleNotFound", err)
	}
}

// TestInMemoryRuleStoreListOrdering verifies priority order with insertion order for ties
func TestInMemoryRuleStoreListOrdering(t *testing.T) {
	store := NewInMemoryRuleStore()

	for _, r := range []*Rule{
		storedRule("c", 3, true),
		storedRule("a", 1, true),
		storedRule("off", 0, false),
		storedRule("b1", 2, true),
		storedRule("b2", 2, true),
	} {
		if err := store.Add(r); err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
	}

	all, _ := store.List()
	active, _ := store.ListActive()

	ids := func(rules []*Rule) string {
		s := ""
		for _, r := range rules {
			s += r.ID + " "
		}
		return s
	}

	if got := ids(all); got != "off a b1 b2 c " {
		t.Errorf("List() = %q", got)
	}
	if got := ids(active); got != "a b1 b2 c " {
		t.Errorf("ListActive() = %q", got)
	}
}

// TestInMemoryRuleStoreDelete verifies Delete removes the rule
func TestInMemoryRuleStoreDelete(t *testing.T) {
	store := NewInMemoryRuleStore()
	store.Add(storedRule("gone", 1, true))

	if err := store.Delete("gone"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := store.Get("gone"); !errors.Is(err, ErrRuleNotFound) {
		t.Error("Get() after Delete() should return ErrRuleNotFound")
	}
	if err := store.Delete("gone"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("second Delete() error = %v, want ErrRuleNotFound", err)
	}
	if all, _ := store.List(); len(all) != 0 {
		t.Errorf("List() after Delete() = %d rules, want 0", len(all))
	}
}

// TestInMemoryRuleStoreConcurrentAdd verifies the store is safe for concurrent use
func TestInMemoryRuleStoreConcurrentAdd(t *testing.T) {
	store := NewInMemoryRuleStore()

	var wg sync.WaitGroup
	numGoroutines := 10
	rulesPerGoroutine := 10

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rulesPerGoroutine; j++ {
				if err := store.Add(storedRule(fmt.Sprintf("%d-%d", i, j), j, true)); err != nil {
					t.Errorf("Concurrent Add() failed: %v", err)
				}
			}
		}()
	}

	wg.Wait()

	active, err := store.ListActive()
	if err != nil {
		t.Fatalf("ListActive() after concurrent adds failed: %v", err)
	}
	if expected := numGoroutines * rulesPerGoroutine; len(active) != expected {
		t.Errorf("After concurrent adds, got %d rules, want %d", len(active), expected)
	}
}

// TestInMemoryRuleStoreConcurrentReadWrite verifies concurrent reads and writes
func TestInMemoryRuleStoreConcurrentReadWrite(t *testing.T) {
	store := NewInMemoryRuleStore()
	for i := 0; i < 10; i++ {
		store.Add(storedRule(fmt.Sprintf("rule-%d", i), i, true))
	}

	var wg sync.WaitGroup
	iterations := 100

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				if _, err := store.Get("rule-5"); err != nil {
					t.Errorf("Concurrent Get() failed: %v", err)
				}
				if _, err := store.ListActive(); err != nil {
					t.Errorf("Concurrent ListActive() failed: %v", err)
				}
			}
		}()
	}

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				if j%2 == 0 {
					store.Add(storedRule(fmt.Sprintf("writer-%d-%d", i, j), j, true))
				} else {
					store.Update(storedRule("rule-5", j, true))
				}
			}
		}()
	}

	wg.Wait()
}

// TestInMemoryRulesCache verifies Set, Get, Invalidate and TTL expiry
func TestInMemoryRulesCache(t *testing.T) {
	cache := NewInMemoryRulesCache(DefaultCacheConfig())
	if cache.Get() != nil || cache.IsValid() {
		t.Fatal("new cache should be empty")
	}

	rules := []*Rule{storedRule("a", 1, true)}
	cache.Set(rules)
	got := cache.Get()
	if len(got) != 1 || !cache.IsValid() {
		t.Fatalf("Get() = %v, want one rule", got)
	}

	got[0] = nil
	if cache.Get()[0] == nil {
		t.Error("Get() should return a copy")
	}

	cache.Invalidate()
	if cache.Get() != nil {
		t.Error("Get() after Invalidate() should miss")
	}

	short := NewInMemoryRulesCache(CacheConfig{TTL: time.Millisecond})
	short.Set(rules)
	time.Sleep(5 * time.Millisecond)
	if short.IsValid() {
		t.Error("entry should expire after TTL")
	}
}

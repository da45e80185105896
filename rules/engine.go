package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// OutcomeCommitter persists the mutations of a commit-mode report. It owns
// atomicity; the engine never rolls anything back itself.
type OutcomeCommitter interface {
	Commit(ctx context.Context, report *Report) error
}

// Engine manages the rules of one data source: every stored rule has passed
// validation and pattern classification, and runs go through a shared Runner
type Engine struct {
	store     RuleStore
	cache     RulesCache
	runner    *Runner
	committer OutcomeCommitter
	check     func(*Rule) error
	logger    *slog.Logger
}

// EngineOption customizes an Engine
type EngineOption func(*Engine)

// WithCommitter sets the collaborator that persists commit-mode reports
func WithCommitter(c OutcomeCommitter) EngineOption {
	return func(en *Engine) { en.committer = c }
}

// WithRulesCache replaces the default in-memory active rules cache
func WithRulesCache(c RulesCache) EngineOption {
	return func(en *Engine) { en.cache = c }
}

// WithRuleCheck adds a check every added or updated rule must pass after
// validation, e.g. that it only references known columns
func WithRuleCheck(check func(*Rule) error) EngineOption {
	return func(en *Engine) { en.check = check }
}

// WithEngineLogger sets the engine's logger
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(en *Engine) { en.logger = logger }
}

// NewEngine creates an engine over store. Stored rules are checked up front and
// the ones that fail are logged; they are rejected per run, not at startup.
func NewEngine(store RuleStore, runner *Runner, opts ...EngineOption) (*Engine, error) {
	if runner == nil {
		var err error
		if runner, err = NewRunner(nil, nil); err != nil {
			return nil, err
		}
	}

	en := &Engine{
		store:  store,
		cache:  NewInMemoryRulesCache(DefaultCacheConfig()),
		runner: runner,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(en)
	}

	if err := en.LoadActiveRules(); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	return en, nil
}

// LoadActiveRules re-reads the enabled rules from the store, checks them and
// populates the cache. Only a store failure is an error.
func (en *Engine) LoadActiveRules() error {
	rules, err := en.store.ListActive()
	if err != nil {
		return err
	}

	// A stored rule that no longer passes stays cached; runs report it under
	// Rejected instead of taking the whole engine down.
	for _, rule := range rules {
		if err := en.runner.Prepare(rule); err != nil {
			en.logger.Warn("stored rule rejected", "rule_id", rule.ID, "code", CodeOf(err), "error", err)
		}
	}

	en.cache.Set(rules)
	return nil
}

// Runner returns the engine's runner
func (en *Engine) Runner() *Runner {
	return en.runner
}

// AddRule validates r, classifies its patterns and stores it. An empty ID is
// replaced with a new UUID.
func (en *Engine) AddRule(r *Rule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	if err := en.prepare(r); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if err := en.store.Add(r); err != nil {
		return err
	}

	en.cache.Invalidate()
	en.logger.Info("rule added", "rule_id", r.ID, "priority", r.Priority, "enabled", r.Enabled)
	return nil
}

// UpdateRule validates and replaces an existing rule
func (en *Engine) UpdateRule(r *Rule) error {
	if err := en.prepare(r); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if err := en.store.Update(r); err != nil {
		return err
	}

	en.cache.Invalidate()
	en.logger.Info("rule updated", "rule_id", r.ID)
	return nil
}

func (en *Engine) prepare(r *Rule) error {
	if err := en.runner.Prepare(r); err != nil {
		return err
	}
	if en.check != nil {
		return en.check(r)
	}
	return nil
}

// DeleteRule removes a rule
func (en *Engine) DeleteRule(ruleID string) error {
	if err := en.store.Delete(ruleID); err != nil {
		return err
	}

	en.cache.Invalidate()
	en.logger.Info("rule deleted", "rule_id", ruleID)
	return nil
}

// GetRule returns one rule
func (en *Engine) GetRule(ruleID string) (*Rule, error) {
	return en.store.Get(ruleID)
}

// ListRules returns every rule, enabled or not, in priority order
func (en *Engine) ListRules() ([]*Rule, error) {
	return en.store.List()
}

func (en *Engine) activeRules() ([]*Rule, error) {
	if rules := en.cache.Get(); rules != nil {
		return rules, nil
	}

	rules, err := en.store.ListActive()
	if err != nil {
		return nil, err
	}
	en.cache.Set(rules)
	return rules, nil
}

// Run evaluates the active rules against rows. In ModeCommit the report is
// handed to the committer; in ModeDraft nothing is persisted.
func (en *Engine) Run(ctx context.Context, rows []*DataRow, mode Mode) (*Report, error) {
	rules, err := en.activeRules()
	if err != nil {
		return nil, fmt.Errorf("failed to load active rules: %w", err)
	}

	report, err := en.runner.Run(ctx, rules, rows, mode)
	if err != nil {
		return report, err
	}

	if mode == ModeCommit && en.committer != nil {
		if err := en.committer.Commit(ctx, report); err != nil {
			return report, fmt.Errorf("failed to commit run %s: %w", report.RunID, err)
		}
	}
	return report, nil
}

// TestRule evaluates an unsaved rule against sample rows in draft mode
func (en *Engine) TestRule(ctx context.Context, r *Rule, rows []*DataRow) (*Report, error) {
	return en.runner.TestRule(ctx, r, rows)
}

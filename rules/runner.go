package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/automations/rules/safety"
)

// ErrInvalidConfig is wrapped by RunnerConfig.Validate failures
var ErrInvalidConfig = errors.New("invalid runner configuration")

// DefaultBatchSize is the number of rows between cancellation checks
const DefaultBatchSize = 256

// RunnerConfig controls a Runner
type RunnerConfig struct {
	// MaxDepth bounds condition tree nesting.
	// Default: 20.
	MaxDepth int

	// Workers is the number of rows evaluated concurrently.
	// Default: runtime.NumCPU().
	Workers int

	// BatchSize is the number of rows evaluated between cancellation checks.
	// Default: 256.
	BatchSize int

	// MatchPolicy decides whether all matching rules fire or only the first.
	// Default: MatchAll.
	MatchPolicy MatchPolicy

	// ReservedFields may never be written by set_field.
	// Default: DefaultReservedFields.
	ReservedFields []string
}

// DefaultRunnerConfig returns the default runner configuration
func DefaultRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		MaxDepth:       DefaultMaxDepth,
		Workers:        runtime.NumCPU(),
		BatchSize:      DefaultBatchSize,
		MatchPolicy:    MatchAll,
		ReservedFields: DefaultReservedFields,
	}
}

// Validate validates the runner configuration
func (c *RunnerConfig) Validate() error {
	switch c.MatchPolicy {
	case MatchAll, MatchFirst:
	default:
		return fmt.Errorf("%w: unknown match policy %q", ErrInvalidConfig, c.MatchPolicy)
	}
	if c.MaxDepth <= 0 {
		return fmt.Errorf("%w: max depth must be positive", ErrInvalidConfig)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", ErrInvalidConfig)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	}
	return nil
}

// WithMatchPolicy sets the match policy
func (c *RunnerConfig) WithMatchPolicy(p MatchPolicy) *RunnerConfig {
	c.MatchPolicy = p
	return c
}

// WithWorkers sets the worker count
func (c *RunnerConfig) WithWorkers(n int) *RunnerConfig {
	c.Workers = n
	return c
}

// WithBatchSize sets the batch size
func (c *RunnerConfig) WithBatchSize(n int) *RunnerConfig {
	c.BatchSize = n
	return c
}

// WithMaxDepth sets the maximum condition tree depth
func (c *RunnerConfig) WithMaxDepth(n int) *RunnerConfig {
	c.MaxDepth = n
	return c
}

// Runner evaluates rule sets against row sets. A Runner holds no per-run
// state and may be shared.
type Runner struct {
	config    RunnerConfig
	analyzer  *safety.Analyzer
	evaluator *Evaluator
	executor  *Executor
	metrics   *Metrics
	logger    *slog.Logger
}

// RunnerOption customizes a Runner
type RunnerOption func(*Runner)

// WithLogger sets the runner's logger
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithMetrics records every run on m
func WithMetrics(m *Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner creates a runner. A nil config selects DefaultRunnerConfig and a
// nil analyzer gets a private in-memory verdict cache.
func NewRunner(config *RunnerConfig, analyzer *safety.Analyzer, opts ...RunnerOption) (*Runner, error) {
	if config == nil {
		config = DefaultRunnerConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	r := &Runner{
		config: *config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if analyzer == nil {
		analyzer = safety.NewAnalyzer(nil, r.logger)
	}
	r.analyzer = analyzer
	r.evaluator = NewEvaluator(config.MaxDepth, analyzer)
	r.executor = NewExecutor(config.ReservedFields, r.logger)
	return r, nil
}

// Config returns a copy of the runner configuration
func (r *Runner) Config() RunnerConfig {
	return r.config
}

// Analyzer returns the pattern analyzer shared by this runner
func (r *Runner) Analyzer() *safety.Analyzer {
	return r.analyzer
}

// Prepare validates rule and classifies its patterns. It is the same check
// Run applies before evaluating anything.
func (r *Runner) Prepare(rule *Rule) error {
	if err := ValidateRule(rule, r.config.MaxDepth); err != nil {
		return err
	}
	return CheckPatterns(rule, r.analyzer)
}

// TestRule evaluates an unsaved rule against sample rows in draft mode. The
// rule goes through the same checks as a stored rule; an unsafe or malformed
// rule is returned as an error instead of a report.
func (r *Runner) TestRule(ctx context.Context, rule *Rule, rows []*DataRow) (*Report, error) {
	if rule == nil {
		return nil, &ValidationError{Problems: []string{"rule is required"}}
	}
	candidate := *rule
	if candidate.ID == "" {
		candidate.ID = "draft"
	}
	candidate.Enabled = true

	if err := r.Prepare(&candidate); err != nil {
		return nil, fmt.Errorf("rule validation failed: %w", err)
	}
	return r.Run(ctx, []*Rule{&candidate}, rows, ModeDraft)
}

// OrderRules drops disabled rules and sorts the rest by ascending priority,
// keeping input order for equal priorities. The input is not modified.
func OrderRules(rules []*Rule) []*Rule {
	ordered := make([]*Rule, 0, len(rules))
	for _, rule := range rules {
		if rule != nil && rule.Enabled {
			ordered = append(ordered, rule)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	return ordered
}

// Run evaluates every enabled rule against every row. Rules that fail
// validation or pattern classification are reported in Report.Rejected and
// never evaluated. Rows are evaluated concurrently in batches; ctx is checked
// before each batch, and on cancellation the partial report is returned
// together with ctx.Err().
func (r *Runner) Run(ctx context.Context, rules []*Rule, rows []*DataRow, mode Mode) (*Report, error) {
	switch mode {
	case ModeDraft, ModeCommit:
	default:
		return nil, &ValidationError{Field: "mode", Problems: []string{fmt.Sprintf("unknown mode %q", mode)}}
	}

	started := time.Now()
	report := &Report{
		RunID:     uuid.NewString(),
		Mode:      mode,
		Policy:    r.config.MatchPolicy,
		StartedAt: started,
	}

	var active []*Rule
	for _, rule := range OrderRules(rules) {
		if err := r.Prepare(rule); err != nil {
			report.Rejected = append(report.Rejected, RejectedRule{
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Error:    NewErrorDetail(err),
			})
			r.logger.Warn("rule rejected",
				"run_id", report.RunID,
				"rule_id", rule.ID,
				"code", string(CodeOf(err)),
				"error", err)
			continue
		}
		active = append(active, rule)
	}

	results := make([]RowReport, len(rows))
	processed := 0
	var runErr error
	for processed < len(rows) {
		if err := ctx.Err(); err != nil {
			report.Cancelled = true
			runErr = err
			break
		}

		end := min(processed+r.config.BatchSize, len(rows))
		var g errgroup.Group
		g.SetLimit(r.config.Workers)
		for i := processed; i < end; i++ {
			g.Go(func() error {
				results[i] = r.evaluateRow(active, i, rows[i])
				return nil
			})
		}
		_ = g.Wait()
		processed = end
	}

	report.Rows = results[:processed]
	report.Stats = summarize(report)
	report.FinishedAt = time.Now()

	r.metrics.ObserveRun(report, report.FinishedAt.Sub(started))
	r.logger.Info("rule run finished",
		"run_id", report.RunID,
		"mode", string(mode),
		"rules", len(active),
		"rejected", len(report.Rejected),
		"rows", report.Stats.RowsProcessed,
		"matched", report.Stats.RulesMatched,
		"cancelled", report.Cancelled,
		"duration_ms", report.FinishedAt.Sub(started).Milliseconds())

	return report, runErr
}

// evaluateRow runs the ordered rules against one row. Conditions always see
// the original row; actions write to a working copy.
func (r *Runner) evaluateRow(rules []*Rule, index int, row *DataRow) RowReport {
	if row == nil {
		row = NewDataRow("")
	}
	rr := RowReport{Index: index, RowID: row.ID, Results: make([]EvaluationResult, 0, len(rules))}
	working := row.Clone()

	for _, rule := range rules {
		result := EvaluationResult{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Priority: rule.Priority,
		}

		matched, errs := r.evaluator.Evaluate(rule.Conditions, row)
		for _, err := range errs {
			var depth *DepthExceededError
			if errors.As(err, &depth) {
				depth.RuleID = rule.ID
			}
			result.Errors = append(result.Errors, NewErrorDetail(err))
		}

		if matched {
			result.Matched = true
			result.ActionsApplied = r.executor.Apply(rule.Actions, working, &rr.Mutation)
		}
		rr.Results = append(rr.Results, result)

		if matched && r.config.MatchPolicy == MatchFirst {
			break
		}
	}
	return rr
}

func summarize(report *Report) RunStats {
	stats := RunStats{
		RowsProcessed: len(report.Rows),
		Errors:        len(report.Rejected),
	}
	for _, row := range report.Rows {
		for _, result := range row.Results {
			if result.Matched {
				stats.RulesMatched++
			}
			stats.Errors += len(result.Errors)
			for _, outcome := range result.ActionsApplied {
				if outcome.Success {
					stats.ActionsApplied++
				} else {
					stats.Errors++
				}
			}
		}
	}
	return stats
}

package rules

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/liamcoop/automations/rules/safety"
)

const metricsNamespace = "automations"

// Metrics tracks rule runs.
//
// Metrics:
//   - automations_rule_runs_total: runs by mode and outcome
//   - automations_rule_run_duration_seconds: wall time of a run
//   - automations_rule_rows_total: rows evaluated
//   - automations_rule_matches_total: rule matches
//   - automations_rule_actions_total: action outcomes by type and status
//   - automations_rule_errors_total: recorded errors by code
//   - automations_regex_analyses_total / automations_regex_rejections_total:
//     read from the pattern analyzer
//
// A nil *Metrics records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	duration prometheus.Histogram
	rows     prometheus.Counter
	matches  prometheus.Counter
	actions  *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

// NewMetrics creates the rule metrics and registers them on reg. When
// analyzer is non-nil its counters and cache size are exported as well.
func NewMetrics(reg prometheus.Registerer, analyzer *safety.Analyzer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rule_runs_total",
				Help:      "Total number of rule runs",
			},
			[]string{"mode", "status"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "rule_run_duration_seconds",
				Help:      "Duration of rule runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 100µs to ~26s
			},
		),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rule_rows_total",
			Help:      "Total number of rows evaluated",
		}),
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rule_matches_total",
			Help:      "Total number of rule matches",
		}),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rule_actions_total",
				Help:      "Total number of action outcomes",
			},
			[]string{"type", "status"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rule_errors_total",
				Help:      "Total number of recorded evaluation errors",
			},
			[]string{"code"},
		),
	}

	reg.MustRegister(m.runs, m.duration, m.rows, m.matches, m.actions, m.errors)

	if analyzer != nil {
		reg.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "regex_analyses_total",
				Help:      "Patterns statically analyzed (cache misses)",
			}, func() float64 { return float64(analyzer.Analyses()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "regex_rejections_total",
				Help:      "Patterns classified unsafe",
			}, func() float64 { return float64(analyzer.Rejections()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "regex_verdicts_cached",
				Help:      "Distinct patterns in the verdict cache",
			}, func() float64 { return float64(analyzer.Cache().Len()) }),
		)
	}

	return m
}

// ObserveRun records a finished report
func (m *Metrics) ObserveRun(report *Report, elapsed time.Duration) {
	if m == nil || report == nil {
		return
	}

	status := "completed"
	if report.Cancelled {
		status = "cancelled"
	}
	m.runs.WithLabelValues(string(report.Mode), status).Inc()
	m.duration.Observe(elapsed.Seconds())
	m.rows.Add(float64(report.Stats.RowsProcessed))
	m.matches.Add(float64(report.Stats.RulesMatched))

	for _, rejected := range report.Rejected {
		m.errors.WithLabelValues(string(rejected.Error.Code)).Inc()
	}
	for _, row := range report.Rows {
		for _, result := range row.Results {
			for _, e := range result.Errors {
				m.errors.WithLabelValues(string(e.Code)).Inc()
			}
			for _, outcome := range result.ActionsApplied {
				status := "success"
				if !outcome.Success {
					status = "failed"
					m.errors.WithLabelValues(string(CodeActionError)).Inc()
				}
				m.actions.WithLabelValues(string(outcome.Type), status).Inc()
			}
		}
	}
}

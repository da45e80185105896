// Command ruleeval evaluates a rule file against a rows file and prints the
// draft report as JSON.
//
//	ruleeval -rules rules.yaml -rows rows.json [-policy first] [-watch]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
)

func main() {
	var (
		rulesPath string
		rowsPath  string
		policy    string
		maxDepth  int
		workers   int
		watchMode bool
	)
	defaults := rules.DefaultRunnerConfig()
	flag.StringVar(&rulesPath, "rules", "", "YAML or JSON rule file (required)")
	flag.StringVar(&rowsPath, "rows", "", "JSON rows file (required)")
	flag.StringVar(&policy, "policy", string(rules.MatchAll), "Match policy: all, first")
	flag.IntVar(&maxDepth, "max-depth", defaults.MaxDepth, "Maximum condition nesting depth")
	flag.IntVar(&workers, "workers", defaults.Workers, "Rows evaluated concurrently")
	flag.BoolVar(&watchMode, "watch", false, "Re-run whenever the rule file changes")
	flag.Parse()

	if rulesPath == "" || rowsPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Logs go to stderr so stdout stays a clean report
	opts := logger.OptionsFromEnv("automations-ruleeval")
	opts.Output = os.Stderr
	log := logger.Setup(ctx, opts)
	defer logger.Shutdown(context.Background())

	config := defaults.WithMatchPolicy(rules.MatchPolicy(policy)).WithMaxDepth(maxDepth).WithWorkers(workers)
	runner, err := rules.NewRunner(config, nil, rules.WithLogger(log))
	if err != nil {
		log.Error("invalid runner configuration", "error", err)
		os.Exit(1)
	}

	ev := &evaluator{runner: runner, rulesPath: rulesPath, rowsPath: rowsPath, out: os.Stdout}

	if !watchMode {
		if err := ev.evaluate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "ruleeval: %v\n", err)
			if errors.Is(err, errRejected) {
				os.Exit(2)
			}
			os.Exit(1)
		}
		return
	}

	rerun := func() {
		if err := ev.evaluate(ctx); err != nil {
			log.Warn("evaluation failed", "error", err)
		}
	}
	rerun()
	if err := watch(ctx, log, rulesPath, 200*time.Millisecond, rerun); err != nil {
		log.Error("watch failed", "error", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/liamcoop/automations/rules"
)

// errRejected is returned when the report lists rules that were never evaluated
var errRejected = errors.New("one or more rules were rejected")

type evaluator struct {
	runner    *rules.Runner
	rulesPath string
	rowsPath  string

	mu  sync.Mutex // serializes writes to out
	out io.Writer
}

// evaluate loads both files, runs the rules in draft mode and writes the report
func (e *evaluator) evaluate(ctx context.Context) error {
	ruleSet, err := rules.LoadRulesFile(e.rulesPath)
	if err != nil {
		return err
	}
	rows, err := rules.LoadRowsFile(e.rowsPath)
	if err != nil {
		return err
	}

	report, err := e.runner.Run(ctx, ruleSet, rows, rules.ModeDraft)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	if len(report.Rejected) > 0 {
		return fmt.Errorf("%w: %d of %d", errRejected, len(report.Rejected), len(ruleSet))
	}
	return nil
}

// watch calls onChange after path is written or replaced, once per burst of
// events. It returns when ctx is done.
func watch(ctx context.Context, log *slog.Logger, path string, debounce time.Duration, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so watch its directory
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", target, err)
	}
	log.Info("watching rule file", "path", target)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.Debug("rule file changed", "op", event.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, onChange)

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			log.Error("file watcher error", "error", err)
		}
	}
}

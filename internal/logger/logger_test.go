package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"DEBUG", LevelDebug, false},
		{"", LevelInfo, false},
		{" warning ", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if got != tt.want || (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}

// TestSetupJSON verifies JSON output and level filtering
func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	log := Setup(context.Background(), Options{Level: "WARN", SampleRate: 1, Output: &buf})

	log.Info("hidden")
	log.Warn("regex pattern rejected", "reason", "nested_quantifier")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %s", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "regex pattern rejected" || entry["reason"] != "nested_quantifier" {
		t.Errorf("entry = %v", entry)
	}
	if GetLevel() != LevelWarn {
		t.Errorf("GetLevel() = %v, want WARN", GetLevel())
	}
	SetLevel(LevelInfo)
}

// TestSamplingCountsEverything verifies counters ignore sampling
func TestSamplingCountsEverything(t *testing.T) {
	var buf bytes.Buffer
	h := newSamplingHandler(slog.NewJSONHandler(&buf, nil), 1_000_000)
	log := slog.New(h).With("component", "test")

	before := TotalErrors.Load()
	for i := 0; i < 50; i++ {
		log.Error("boom")
	}
	log.Info("always")

	if got := TotalErrors.Load() - before; got != 50 {
		t.Errorf("error counter advanced by %d, want 50", got)
	}
	if !strings.Contains(buf.String(), `"msg":"always"`) {
		t.Error("info messages must never be sampled")
	}
	if strings.Count(buf.String(), "boom") > 1 {
		t.Errorf("sampling let through %d errors", strings.Count(buf.String(), "boom"))
	}
}

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterMetrics(reg)

	before := Total4xxErrors.Load()
	RecordHTTPStatus(404)
	RecordHTTPStatus(200)
	if got := Total4xxErrors.Load() - before; got != 1 {
		t.Errorf("4xx counter advanced by %d, want 1", got)
	}

	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if n != 4 {
		t.Errorf("registered %d metrics, want 4", n)
	}
}

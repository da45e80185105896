package config

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/liamcoop/automations/rules"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr string
		check   func(*testing.T, *Config)
	}{
		{
			name: "defaults",
			check: func(t *testing.T, cfg *Config) {
				if cfg.DatabaseURL != "" {
					t.Errorf("DatabaseURL = %q, want empty", cfg.DatabaseURL)
				}
				if cfg.Server.Port != 8080 || cfg.Server.Address() != ":8080" {
					t.Errorf("Port = %d", cfg.Server.Port)
				}
				if cfg.Server.ShutdownTimeout != 30*time.Second {
					t.Errorf("ShutdownTimeout = %v", cfg.Server.ShutdownTimeout)
				}
				if cfg.Rules.MatchPolicy != rules.MatchAll || cfg.Rules.MaxDepth != rules.DefaultMaxDepth {
					t.Errorf("Rules = %+v", cfg.Rules)
				}
				if !cfg.Metrics.Enabled {
					t.Error("metrics should be enabled by default")
				}
			},
		},
		{
			name: "overrides",
			envVars: map[string]string{
				"DATABASE_URL":          "postgres://localhost/automations",
				"PORT":                  "9000",
				"SERVER_READ_TIMEOUT":   "5s",
				"RULES_MATCH_POLICY":    "first",
				"RULES_WORKERS":         "2",
				"RULES_RESERVED_FIELDS": "id, owner ,,",
				"CORS_ALLOWED_ORIGINS":  "https://app.example.com",
				"METRICS_ENABLED":       "false",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Server.Port != 9000 || cfg.Server.ReadTimeout != 5*time.Second {
					t.Errorf("Server = %+v", cfg.Server)
				}
				rc := cfg.RunnerConfig()
				if rc.MatchPolicy != rules.MatchFirst || rc.Workers != 2 {
					t.Errorf("RunnerConfig() = %+v", rc)
				}
				if !reflect.DeepEqual(rc.ReservedFields, []string{"id", "owner"}) {
					t.Errorf("ReservedFields = %v", rc.ReservedFields)
				}
				if !reflect.DeepEqual(cfg.Server.CORSAllowedOrigins, []string{"https://app.example.com"}) {
					t.Errorf("CORSAllowedOrigins = %v", cfg.Server.CORSAllowedOrigins)
				}
				if cfg.Metrics.Enabled {
					t.Error("METRICS_ENABLED=false ignored")
				}
			},
		},
		{
			name:    "unparsable values fall back to defaults",
			envVars: map[string]string{"PORT": "eighty", "RULES_BATCH_SIZE": "lots"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Server.Port != 8080 || cfg.Rules.BatchSize != rules.DefaultBatchSize {
					t.Errorf("Port = %d, BatchSize = %d", cfg.Server.Port, cfg.Rules.BatchSize)
				}
			},
		},
		{
			name:    "unknown match policy",
			envVars: map[string]string{"RULES_MATCH_POLICY": "some"},
			wantErr: "unknown match policy",
		},
		{
			name:    "port out of range",
			envVars: map[string]string{"PORT": "70000"},
			wantErr: "PORT must be between",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{
				"DATABASE_URL", "PORT", "SERVER_READ_TIMEOUT", "SERVER_WRITE_TIMEOUT", "SHUTDOWN_TIMEOUT",
				"RULES_MAX_DEPTH", "RULES_WORKERS", "RULES_BATCH_SIZE", "RULES_MATCH_POLICY",
				"RULES_RESERVED_FIELDS", "CORS_ALLOWED_ORIGINS", "METRICS_ENABLED",
			} {
				t.Setenv(key, "")
			}
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

// TestValidateJoinsErrors verifies every problem is reported at once
func TestValidateJoinsErrors(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Port: 0},
		Rules:  RulesConfig{MatchPolicy: rules.MatchAll},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}
	for _, want := range []string{"PORT", "timeouts", "SHUTDOWN_TIMEOUT", "max depth"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
	if !errors.Is(err, rules.ErrInvalidConfig) {
		t.Error("runner problems should wrap rules.ErrInvalidConfig")
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/liamcoop/automations/rules"
)

// Config is the server configuration
type Config struct {
	Server  ServerConfig
	Rules   RulesConfig
	Metrics MetricsConfig

	// DatabaseURL selects Postgres storage. Empty keeps everything in memory.
	DatabaseURL string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	CORSAllowedOrigins []string
}

// RulesConfig holds rule runner configuration
type RulesConfig struct {
	MaxDepth       int
	Workers        int
	BatchSize      int
	MatchPolicy    rules.MatchPolicy
	ReservedFields []string
}

// MetricsConfig controls the /metrics endpoint
type MetricsConfig struct {
	Enabled bool
}

// Load reads .env (when present) and then the environment
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		Server: ServerConfig{
			Port:               getEnvAsInt("PORT", 8080),
			ReadTimeout:        getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:       getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout:    getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Rules: RulesConfig{
			MaxDepth:       getEnvAsInt("RULES_MAX_DEPTH", rules.DefaultMaxDepth),
			Workers:        getEnvAsInt("RULES_WORKERS", runtime.NumCPU()),
			BatchSize:      getEnvAsInt("RULES_BATCH_SIZE", rules.DefaultBatchSize),
			MatchPolicy:    rules.MatchPolicy(getEnv("RULES_MATCH_POLICY", string(rules.MatchAll))),
			ReservedFields: getEnvAsList("RULES_RESERVED_FIELDS", rules.DefaultReservedFields),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server timeouts must be positive"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}
	if err := c.RunnerConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RunnerConfig converts the rules settings for rules.NewRunner
func (c *Config) RunnerConfig() *rules.RunnerConfig {
	return &rules.RunnerConfig{
		MaxDepth:       c.Rules.MaxDepth,
		Workers:        c.Rules.Workers,
		BatchSize:      c.Rules.BatchSize,
		MatchPolicy:    c.Rules.MatchPolicy,
		ReservedFields: c.Rules.ReservedFields,
	}
}

// Address returns the listen address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated value, dropping blanks
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

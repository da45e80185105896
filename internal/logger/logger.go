package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

var (
	programLevel = new(slog.LevelVar)
	shutdownFunc func(context.Context) error // nil unless OTEL is enabled
)

// Counters are incremented for every warning and error, sampled or not
var (
	TotalWarnings  atomic.Int64
	TotalErrors    atomic.Int64
	Total4xxErrors atomic.Int64
	Total5xxErrors atomic.Int64
)

// Options configures Setup
type Options struct {
	// Level is the minimum level name (TRACE, DEBUG, INFO, WARN, ERROR).
	Level string

	// SampleRate logs 1 out of every SampleRate warnings and errors.
	// 1 logs all of them.
	SampleRate int

	// OTelEnabled exports logs over OTLP/gRPC instead of writing JSON.
	OTelEnabled bool

	ServiceName string

	// Output receives JSON logs. Default: os.Stdout.
	Output io.Writer
}

// OptionsFromEnv reads LOG_LEVEL, ERROR_SAMPLE_RATE, OTEL_ENABLED and
// OTEL_SERVICE_NAME
func OptionsFromEnv(defaultService string) Options {
	opts := Options{
		Level:       os.Getenv("LOG_LEVEL"),
		SampleRate:  1,
		OTelEnabled: strings.EqualFold(os.Getenv("OTEL_ENABLED"), "true"),
		ServiceName: os.Getenv("OTEL_SERVICE_NAME"),
	}
	if rate, err := strconv.Atoi(os.Getenv("ERROR_SAMPLE_RATE")); err == nil && rate > 0 {
		opts.SampleRate = rate
	}
	if opts.ServiceName == "" {
		opts.ServiceName = defaultService
	}
	return opts
}

// Setup builds the process logger and installs it as the slog default. When
// OTEL setup fails it falls back to JSON and reports the failure on stderr.
func Setup(ctx context.Context, opts Options) *slog.Logger {
	level, err := ParseLevel(opts.Level)
	if err != nil && opts.Level != "" {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
	programLevel.Set(level)

	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	var handler slog.Handler
	if opts.OTelEnabled {
		otelHandler, shutdown, err := setupOTEL(ctx, opts.ServiceName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to setup OTEL logging, falling back to JSON: %v\n", err)
		} else {
			shutdownFunc = shutdown
			handler = &levelHandler{level: programLevel, handler: otelHandler}
		}
	}
	if handler == nil {
		handler = slog.NewJSONHandler(opts.Output, &slog.HandlerOptions{Level: programLevel})
	}

	logger := slog.New(newSamplingHandler(handler, opts.SampleRate))
	slog.SetDefault(logger)
	return logger
}

func setupOTEL(ctx context.Context, serviceName string) (slog.Handler, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	handler := otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider))
	return handler, provider.Shutdown, nil
}

// levelHandler adds level filtering to handlers that have none
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// samplingHandler counts every warning and error and passes on 1 in rate of
// them. Lower levels are never sampled.
type samplingHandler struct {
	handler slog.Handler
	rate    int
}

func newSamplingHandler(h slog.Handler, rate int) *samplingHandler {
	if rate < 1 {
		rate = 1
	}
	return &samplingHandler{handler: h, rate: rate}
}

func (h *samplingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *samplingHandler) Handle(ctx context.Context, r slog.Record) error {
	switch {
	case r.Level >= LevelError:
		TotalErrors.Add(1)
	case r.Level >= LevelWarn:
		TotalWarnings.Add(1)
	default:
		return h.handler.Handle(ctx, r)
	}
	if h.rate > 1 && rand.IntN(h.rate) != 0 {
		return nil
	}
	return h.handler.Handle(ctx, r)
}

func (h *samplingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &samplingHandler{handler: h.handler.WithAttrs(attrs), rate: h.rate}
}

func (h *samplingHandler) WithGroup(name string) slog.Handler {
	return &samplingHandler{handler: h.handler.WithGroup(name), rate: h.rate}
}

// Shutdown flushes the OTEL exporter; it is a no-op for JSON logging
func Shutdown(ctx context.Context) error {
	if shutdownFunc != nil {
		return shutdownFunc(ctx)
	}
	return nil
}

// SetLevel sets the minimum log level
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// GetLevel returns the current minimum log level
func GetLevel() slog.Level {
	return programLevel.Level()
}

// ParseLevel converts a level name to slog.Level. Unknown names yield INFO
// and an error.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s (defaulting to INFO)", levelStr)
	}
}

// RecordHTTPStatus counts 4xx and 5xx responses
func RecordHTTPStatus(status int) {
	switch {
	case status >= 500:
		Total5xxErrors.Add(1)
	case status >= 400:
		Total4xxErrors.Add(1)
	}
}

// RegisterMetrics exports the log and HTTP error counters
func RegisterMetrics(reg prometheus.Registerer) {
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "automations",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	reg.MustRegister(
		counter("log_warnings_total", "Warnings logged, before sampling", &TotalWarnings),
		counter("log_errors_total", "Errors logged, before sampling", &TotalErrors),
		counter("http_responses_4xx_total", "HTTP responses with a 4xx status", &Total4xxErrors),
		counter("http_responses_5xx_total", "HTTP responses with a 5xx status", &Total5xxErrors),
	)
}

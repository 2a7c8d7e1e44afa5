package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Type alias for slog.Level for easier usage
type Level = slog.Level

const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug // -4
	LevelInfo    = slog.LevelInfo  // 0
	LevelWarning = slog.LevelWarn  // 4
	LevelError   = slog.LevelError // 8
	LevelFatal   = slog.Level(12)  // 12
)

var (
	Logger          *slog.Logger
	errorSampleRate atomic.Int32
	programLevel    = new(slog.LevelVar)
	shutdownFunc    func(context.Context) error // nil unless OTEL is enabled
)

// Counters are incremented regardless of sampling
var (
	TotalErrors      atomic.Int64
	TotalWarnings    atomic.Int64
	Total5xxErrors   atomic.Int64
	Total4xxErrors   atomic.Int64
	SoftFailures     atomic.Int64
	DroppedSends     atomic.Int64
	AbortedRuns      atomic.Int64
	IteratorAborts   atomic.Int64
	LockContentions  atomic.Int64
	DeliveryFailures atomic.Int64
)

// Options configures the process logger
type Options struct {
	Level string
	// SampleRate logs 1 of every N warnings and errors; 1 logs all
	SampleRate  int
	OTELEnabled bool
	ServiceName string
	Output      io.Writer
}

func init() {
	programLevel.Set(slog.LevelInfo)
	errorSampleRate.Store(1)
	setupJSONLogging(os.Stdout)
}

// Setup replaces the process logger. It falls back to JSON output when the
// OTEL exporter cannot be created.
func Setup(ctx context.Context, opts Options) error {
	level, err := ParseLevel(opts.Level)
	programLevel.Set(level)
	if opts.SampleRate > 0 {
		errorSampleRate.Store(int32(opts.SampleRate))
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	if !opts.OTELEnabled {
		setupJSONLogging(out)
		return err
	}

	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "coachrules"
	}
	shutdown, otelErr := setupOTELLogging(ctx, serviceName)
	if otelErr != nil {
		setupJSONLogging(out)
		fmt.Fprintf(os.Stderr, "Failed to setup OTEL logging, falling back to JSON: %v\n", otelErr)
		return otelErr
	}
	shutdownFunc = shutdown
	return err
}

// setupJSONLogging configures standard JSON logging
func setupJSONLogging(out io.Writer) {
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: programLevel,
	})
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// setupOTELLogging bridges slog to an OTLP gRPC exporter
func setupOTELLogging(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	otelHandler := otelslog.NewHandler(
		serviceName,
		otelslog.WithLoggerProvider(loggerProvider),
	)

	Logger = slog.New(&levelHandler{
		level:   programLevel,
		handler: otelHandler,
	})
	slog.SetDefault(Logger)

	return loggerProvider.Shutdown, nil
}

// levelHandler wraps a handler to filter by level
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

// Shutdown flushes the OTEL exporter, a no-op for JSON logging
func Shutdown(ctx context.Context) error {
	if shutdownFunc != nil {
		return shutdownFunc(ctx)
	}
	return nil
}

// SetLevel sets the minimum log level for the logger
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// GetLevel returns the current minimum log level
func GetLevel() slog.Level {
	return programLevel.Level()
}

// ParseLevel converts a string level name to slog.Level.
// An empty name is INFO.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s (defaulting to INFO)", levelStr)
	}
}

// shouldSample returns true for 1 out of every N messages
func shouldSample() bool {
	rate := errorSampleRate.Load()
	if rate <= 1 {
		return true
	}
	return rand.Intn(int(rate)) == 0
}

// Trace logs a trace-level message (never sampled)
func Trace(msg string, args ...any) {
	Logger.Log(context.Background(), LevelTrace, msg, args...)
}

// Debug logs a debug-level message (never sampled)
func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

// Info logs an info-level message (never sampled)
func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn logs a warning-level message WITH SAMPLING
func Warn(msg string, args ...any) {
	TotalWarnings.Add(1)
	if shouldSample() {
		Logger.Warn(msg, args...)
	}
}

// Error logs an error-level message WITH SAMPLING
func Error(msg string, args ...any) {
	TotalErrors.Add(1)
	if shouldSample() {
		Logger.Error(msg, args...)
	}
}

// Fatal logs a fatal-level message and exits (never sampled)
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	if shutdownFunc != nil {
		_ = shutdownFunc(context.Background())
	}
	os.Exit(1)
}

// ============================================================================
// Domain Helpers
// ============================================================================

// SoftFail logs a skipped side effect; the run continues
func SoftFail(msg string, ruleID, participantID string, err error) {
	SoftFailures.Add(1)
	Warn(msg, "rule_id", ruleID, "participant_id", participantID, "error", err)
}

// DroppedSend logs a send request with no message left to send
func DroppedSend(ruleID, participantID, groupID string, err error) {
	DroppedSends.Add(1)
	Warn("Dropping send request", "rule_id", ruleID, "participant_id", participantID,
		"message_group_id", groupID, "error", err)
}

// AbortedRun logs a run ended by an evaluation failure
func AbortedRun(ruleID, participantID, reason string) {
	AbortedRuns.Add(1)
	Error("Rule evaluation failed, aborting run", "rule_id", ruleID, "participant_id", participantID,
		"reason", reason)
}

// IteratorAbort logs an iterator subtree that was abandoned
func IteratorAbort(ruleID, participantID, reason string) {
	IteratorAborts.Add(1)
	Warn("Abandoning iterator subtree", "rule_id", ruleID, "participant_id", participantID,
		"reason", reason)
}

// ErrorHttp5xx counts HTTP 5xx errors
func ErrorHttp5xx() {
	Total5xxErrors.Add(1)
	TotalErrors.Add(1)
}

// WarnHttp4xx counts HTTP 4xx warnings
func WarnHttp4xx() {
	Total4xxErrors.Add(1)
	TotalWarnings.Add(1)
}

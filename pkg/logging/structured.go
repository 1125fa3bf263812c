package logging

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap logger with usage-meter specific helpers
type Logger struct {
	zap *zap.Logger
}

// Config holds logging configuration
type Config struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // "json" or "console"
	Output    string `yaml:"output"` // "stdout", "stderr" or a file path
	AddCaller bool   `yaml:"add_caller"`
	AddStack  bool   `yaml:"add_stack"`
}

// DefaultConfig returns the logging defaults
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: "stderr",
	}
}

// NewLogger creates a new structured logger
func NewLogger(config Config) (*Logger, error) {
	if config.Format == "" {
		config.Format = "json"
	}
	if config.Output == "" {
		config.Output = "stderr"
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = parseZapLevel(config.Level)
	zapConfig.Encoding = config.Format
	zapConfig.OutputPaths = []string{config.Output}
	zapConfig.ErrorOutputPaths = []string{config.Output}
	zapConfig.DisableCaller = !config.AddCaller
	zapConfig.DisableStacktrace = !config.AddStack
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{zap: zapLogger}, nil
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// New wraps an existing zap logger
func New(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{zap: z}
}

// parseZapLevel parses zap level from string
func parseZapLevel(level string) zap.AtomicLevel {
	switch strings.ToLower(level) {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}

// Zap exposes the underlying zap logger
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// Named returns a child logger for a component
func (l *Logger) Named(component string) *Logger {
	return &Logger{zap: l.zap.Named(component)}
}

// WithRequestID adds request ID to logger context
func (l *Logger) WithRequestID(ctx context.Context, requestID string) *Logger {
	return &Logger{zap: l.zap.With(zap.String("request_id", requestID))}
}

// WithTraceID adds trace ID to logger context
func (l *Logger) WithTraceID(ctx context.Context, traceID string) *Logger {
	return &Logger{zap: l.zap.With(zap.String("trace_id", traceID))}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.zap.Debug(msg, convertToZapFields(args)...)
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...interface{}) {
	l.zap.Info(msg, convertToZapFields(args)...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.zap.Warn(msg, convertToZapFields(args)...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...interface{}) {
	l.zap.Error(msg, convertToZapFields(args)...)
}

// convertToZapFields converts key/value pairs to zap fields
func convertToZapFields(args []interface{}) []zap.Field {
	if len(args) == 0 {
		return nil
	}

	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args)-1; i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		if err, isErr := args[i+1].(error); isErr {
			fields = append(fields, zap.NamedError(key, err))
			continue
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}

// LogRequest logs an HTTP request
func (l *Logger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration, actor string) {
	l.zap.Info("HTTP request completed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", statusCode),
		zap.Float64("duration_ms", float64(duration.Nanoseconds())/1e6),
		zap.String("actor", actor),
	)
}

// LogIngest logs an accepted usage record
func (l *Logger) LogIngest(ctx context.Context, id, provider, model string, tokens int64, cost string, invalidated int) {
	l.zap.Debug("Usage record ingested",
		zap.String("id", id),
		zap.String("provider", provider),
		zap.String("model", model),
		zap.Int64("tokens", tokens),
		zap.String("cost", cost),
		zap.Int("invalidated", invalidated),
	)
}

// LogQuery logs a served statistics query
func (l *Logger) LogQuery(ctx context.Context, rangeKind, model, provider string, records int64, duration time.Duration, err error) {
	fields := []zap.Field{
		zap.String("range", rangeKind),
		zap.String("model", model),
		zap.String("provider", provider),
		zap.Int64("records", records),
		zap.Float64("duration_ms", float64(duration.Nanoseconds())/1e6),
	}
	if err != nil {
		l.zap.Warn("Stats query failed", append(fields, zap.Error(err))...)
		return
	}
	l.zap.Debug("Stats query served", fields...)
}

// LogCacheOperation logs a cache lookup outcome
func (l *Logger) LogCacheOperation(ctx context.Context, operation, key string, hit bool) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("key", key),
		zap.Bool("hit", hit),
	}
	if hit {
		l.zap.Debug("Cache hit", fields...)
	} else {
		l.zap.Debug("Cache miss", fields...)
	}
}

// LogCacheFallback logs a query served without the cache
func (l *Logger) LogCacheFallback(ctx context.Context, key string, err error) {
	l.zap.Warn("Cache unavailable, computing directly",
		zap.String("key", key),
		zap.Error(err),
	)
}

// LogRetry logs a retry operation
func (l *Logger) LogRetry(ctx context.Context, backend string, attempt int, err error) {
	l.zap.Warn("Backend retry",
		zap.String("backend", backend),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)
}

// LogCircuitBreaker logs a circuit breaker state change
func (l *Logger) LogCircuitBreaker(ctx context.Context, name, from, to string) {
	l.zap.Warn("Circuit breaker state changed",
		zap.String("breaker", name),
		zap.String("from", from),
		zap.String("to", to),
	)
}

// LogAlert logs an alert lifecycle event
func (l *Logger) LogAlert(ctx context.Context, action, ruleID, kind string, observed, threshold float64) {
	l.zap.Warn("Alert "+action,
		zap.String("rule", ruleID),
		zap.String("kind", kind),
		zap.Float64("observed", observed),
		zap.Float64("threshold", threshold),
	)
}

// Sync syncs the logger
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

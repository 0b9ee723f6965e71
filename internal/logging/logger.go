package logging

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/austindbirch/inbox_hooks/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// level is shared by every logger built with New so SetLevel applies process-wide.
var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	base    *zap.Logger
}

// LogEntry accumulates fields for a single log line
type LogEntry struct {
	logger *Logger
	fields []zap.Field
}

// New creates a JSON logger on stdout for the given service
func New(service string) *Logger {
	return NewWithCore(service, newCore(zapcore.Lock(os.Stdout)))
}

// NewWithCore creates a logger writing to an arbitrary zap core
func NewWithCore(service string, core zapcore.Core) *Logger {
	return &Logger{
		service: service,
		base:    zap.New(core).With(zap.String("service", service)),
	}
}

func newCore(out zapcore.WriteSyncer) zapcore.Core {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "time"
	enc.MessageKey = "msg"
	enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	return zapcore.NewCore(zapcore.NewJSONEncoder(enc), out, level)
}

// SetLevel changes the minimum level of loggers created with New
func SetLevel(l string) {
	level.SetLevel(parseLevel(l))
}

func parseLevel(l string) zapcore.Level {
	switch LogLevel(strings.ToLower(strings.TrimSpace(l))) {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Service returns the service name stamped on every entry
func (l *Logger) Service() string {
	return l.service
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.base.Sync()
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.WithTraceID(traceID)
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.Plain().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{logger: l}
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	return e.with(zap.String("trace_id", traceID))
}

// WithUser sets the owning user ID for the log entry
func (e *LogEntry) WithUser(userID string) *LogEntry {
	return e.with(zap.String("user_id", userID))
}

// WithMessage sets the message (event) ID for the log entry
func (e *LogEntry) WithMessage(messageID string) *LogEntry {
	return e.with(zap.String("message_id", messageID))
}

// WithDelivery sets the delivery ID for the log entry
func (e *LogEntry) WithDelivery(deliveryID string) *LogEntry {
	return e.with(zap.String("delivery_id", deliveryID))
}

// WithWebhook sets the webhook ID for the log entry
func (e *LogEntry) WithWebhook(webhookID string) *LogEntry {
	return e.with(zap.String("webhook_id", webhookID))
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	return e.with(zap.Any(key, value))
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	for k, v := range fields {
		e.with(zap.Any(k, v))
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.with(zap.String("error", err.Error()))
	}
	return e
}

func (e *LogEntry) with(f zap.Field) *LogEntry {
	e.fields = append(e.fields, f)
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) { e.output(zapcore.DebugLevel, message) }

// Debugf logs at debug level with formatting
func (e *LogEntry) Debugf(format string, args ...any) {
	e.output(zapcore.DebugLevel, fmt.Sprintf(format, args...))
}

// Info logs at info level
func (e *LogEntry) Info(message string) { e.output(zapcore.InfoLevel, message) }

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.output(zapcore.InfoLevel, fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) { e.output(zapcore.WarnLevel, message) }

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.output(zapcore.WarnLevel, fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *LogEntry) Error(message string) { e.output(zapcore.ErrorLevel, message) }

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.output(zapcore.ErrorLevel, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) { e.output(zapcore.FatalLevel, message) }

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.output(zapcore.FatalLevel, fmt.Sprintf(format, args...))
}

// output hands the entry to zap; fatal entries exit the process after writing
func (e *LogEntry) output(lvl zapcore.Level, message string) {
	if ce := e.logger.base.Check(lvl, message); ce != nil {
		ce.Write(e.fields...)
	}
}

// Global convenience functions

var defaultLogger = New("inbox-hooks")

// Default returns the process-wide logger
func Default() *Logger {
	return defaultLogger
}

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService replaces the default logger with one for service
func SetDefaultService(service string) {
	defaultLogger = New(service)
}

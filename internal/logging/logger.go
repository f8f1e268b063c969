package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/austindbirch/outreach/internal/tracing"
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

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.MessageFieldName = "msg"
	SetLevel(os.Getenv("LOG_LEVEL"))
}

// SetLevel sets the global minimum level; unknown values mean info.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// LogEntry is a pending structured log line. Entries are built fluently and
// written by one of the level methods.
type LogEntry struct {
	logger     *Logger
	TraceID    string
	TaskID     string
	TaskType   string
	ProspectID string
	CampaignID string
	Worker     string
	Fields     map[string]any
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	zl      zerolog.Logger
}

// New creates a new structured logger for the given service. Output is JSON on
// stdout in production and a console writer everywhere else.
func New(service string) *Logger {
	var w io.Writer = os.Stdout
	if os.Getenv("APP_ENV") != "production" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return NewWithWriter(service, w)
}

// NewWithWriter creates a logger that writes JSON lines to w.
func NewWithWriter(service string, w io.Writer) *Logger {
	return &Logger{
		service: service,
		zl:      zerolog.New(w).With().Timestamp().Logger(),
	}
}

// Service returns the service name stamped on every entry
func (l *Logger) Service() string {
	return l.service
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.Plain().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{
		logger: l,
		Fields: make(map[string]any),
	}
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithTask sets the task ID and type for the log entry
func (e *LogEntry) WithTask(taskID, taskType string) *LogEntry {
	e.TaskID = taskID
	e.TaskType = taskType
	return e
}

// WithProspect sets the prospect ID for the log entry
func (e *LogEntry) WithProspect(prospectID string) *LogEntry {
	e.ProspectID = prospectID
	return e
}

// WithCampaign sets the campaign ID for the log entry
func (e *LogEntry) WithCampaign(campaignID string) *LogEntry {
	e.CampaignID = campaignID
	return e
}

// WithWorker sets the worker role for the log entry
func (e *LogEntry) WithWorker(role string) *LogEntry {
	e.Worker = role
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) { e.output(LevelDebug, message) }

// Debugf logs at debug level with formatting
func (e *LogEntry) Debugf(format string, args ...any) {
	e.output(LevelDebug, fmt.Sprintf(format, args...))
}

// Info logs at info level
func (e *LogEntry) Info(message string) { e.output(LevelInfo, message) }

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.output(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) { e.output(LevelWarn, message) }

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.output(LevelWarn, fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *LogEntry) Error(message string) { e.output(LevelError, message) }

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.output(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.output(LevelFatal, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.output(LevelFatal, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func zerologLevel(level LogLevel) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func (e *LogEntry) output(level LogLevel, message string) {
	l := e.logger
	if l == nil {
		l = defaultLogger
	}
	// WithLevel never exits, even for fatal; Fatal/Fatalf handle that.
	ev := l.zl.WithLevel(zerologLevel(level))
	if ev == nil {
		return
	}
	if l.service != "" {
		ev = ev.Str("service", l.service)
	}
	if e.TraceID != "" {
		ev = ev.Str("trace_id", e.TraceID)
	}
	if e.TaskID != "" {
		ev = ev.Str("task_id", e.TaskID)
	}
	if e.TaskType != "" {
		ev = ev.Str("task_type", e.TaskType)
	}
	if e.ProspectID != "" {
		ev = ev.Str("prospect_id", e.ProspectID)
	}
	if e.CampaignID != "" {
		ev = ev.Str("campaign_id", e.CampaignID)
	}
	if e.Worker != "" {
		ev = ev.Str("worker", e.Worker)
	}
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg(message)
}

// Global convenience functions

var defaultLogger = New("outreach")

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

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}

// Nop returns a logger that discards everything. Used by tests and by
// components constructed without a logger.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

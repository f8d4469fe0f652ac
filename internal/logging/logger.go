package logging

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel string

const (
	// LogLevelQuiet suppresses all output except errors
	LogLevelQuiet LogLevel = "quiet"
	// LogLevelNormal shows standard operational messages
	LogLevelNormal LogLevel = "normal"
	// LogLevelVerbose shows per-sequence and per-tool detail
	LogLevelVerbose LogLevel = "verbose"
	// LogLevelDebug shows everything, including SQL text
	LogLevelDebug LogLevel = "debug"
)

// ParseLevel maps a configuration string onto a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case "", LogLevelNormal:
		return LogLevelNormal, nil
	case LogLevelQuiet:
		return LogLevelQuiet, nil
	case LogLevelVerbose:
		return LogLevelVerbose, nil
	case LogLevelDebug:
		return LogLevelDebug, nil
	}
	return "", fmt.Errorf("unknown log level %q (want quiet, normal, verbose or debug)", s)
}

// Logger provides structured logging capabilities
type Logger struct {
	logger *logrus.Logger
	level  LogLevel
	fields logrus.Fields
	closer io.Closer
}

// Config selects level, format and destinations.
type Config struct {
	Level  LogLevel
	Output io.Writer
	// Format is "text" or "json".
	Format string
	// LogFile is appended to in addition to Output.
	LogFile string
}

func newFormatter(format string) (logrus.Formatter, error) {
	switch strings.ToLower(format) {
	case "", "text":
		return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.DateTime}, nil
	case "json":
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339}, nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// NewLogger builds a logger from config. The caller closes it to release
// the log file.
func NewLogger(config Config) (*Logger, error) {
	formatter, err := newFormatter(config.Format)
	if err != nil {
		return nil, err
	}

	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	l := &Logger{logger: logrus.New(), fields: logrus.Fields{}}
	l.logger.SetFormatter(formatter)
	l.SetLevel(config.Level)

	if config.LogFile != "" {
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", config.LogFile, err)
		}
		out = io.MultiWriter(out, file)
		l.closer = file
	}
	l.logger.SetOutput(out)
	return l, nil
}

// NewDefaultLogger creates a logger with default configuration
func NewDefaultLogger() *Logger {
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Format: "text"})
	return logger
}

// NewNopLogger returns a logger that discards everything. Used by tests and
// by library callers that do not care about output.
func NewNopLogger() *Logger {
	logger, _ := NewLogger(Config{Level: LogLevelQuiet, Output: io.Discard})
	return logger
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	merged := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{logger: l.logger, level: l.level, fields: merged}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.entry().WithFields(fields)
}

// WithField returns a logger with a single additional field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.entry().WithField(key, value)
}

func (l *Logger) entry() *logrus.Entry {
	return l.logger.WithFields(l.fields)
}

// LogDatabaseConnection logs database connection attempts
func (l *Logger) LogDatabaseConnection(dsn string, success bool, duration time.Duration, err error) {
	fields := logrus.Fields{
		"operation": "database_connection",
		"dsn":       RedactURL(dsn),
		"duration":  duration.String(),
		"success":   success,
	}

	if success {
		l.entry().WithFields(fields).Debug("Database connection established")
		return
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.entry().WithFields(fields).Error("Database connection failed")
}

// LogSQLExecution logs SQL statement execution at debug level.
func (l *Logger) LogSQLExecution(sql string, duration time.Duration, err error) {
	fields := logrus.Fields{
		"operation": "sql_execution",
		"duration":  duration.String(),
	}
	if len(sql) > 200 {
		fields["sql"] = sql[:200] + "..."
		fields["sql_length"] = len(sql)
	} else {
		fields["sql"] = sql
	}

	if err != nil {
		fields["error"] = err.Error()
		l.entry().WithFields(fields).Debug("SQL execution failed")
		return
	}
	l.entry().WithFields(fields).Trace("SQL executed")
}

// LogToolInvocation logs a finished run of an external client tool.
func (l *Logger) LogToolInvocation(tool string, args []string, exitCode int, duration time.Duration, err error) {
	redacted := make([]string, len(args))
	for i, a := range args {
		redacted[i] = RedactURL(a)
	}
	fields := logrus.Fields{
		"operation": "tool_invocation",
		"tool":      filepath.Base(tool),
		"args":      strings.Join(redacted, " "),
		"exit_code": exitCode,
		"duration":  duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.entry().WithFields(fields).Error("External tool failed")
		return
	}
	l.entry().WithFields(fields).Debug("External tool finished")
}

// LogSequenceOutcome logs the result of repairing a single sequence.
func (l *Logger) LogSequenceOutcome(sequence, table, column, status string, newValue int64, reason string) {
	fields := logrus.Fields{
		"operation": "sequence_repair",
		"sequence":  sequence,
		"table":     table,
		"column":    column,
		"status":    status,
	}
	switch status {
	case "repaired":
		fields["next_value"] = newValue
		l.entry().WithFields(fields).Debug("Sequence repaired")
	case "failed":
		fields["reason"] = reason
		l.entry().WithFields(fields).Warn("Sequence repair failed")
	default:
		if reason != "" {
			fields["reason"] = reason
		}
		l.entry().WithFields(fields).Debug("Sequence skipped")
	}
}

// LogJobResult logs the final state of one mapping entry.
func (l *Logger) LogJobResult(phase, source, target string, success bool, duration time.Duration, reason string) {
	fields := logrus.Fields{
		"operation": "job",
		"phase":     phase,
		"source":    source,
		"target":    target,
		"success":   success,
		"duration":  duration.String(),
	}
	if success {
		l.entry().WithFields(fields).Info("Job completed")
		return
	}
	fields["reason"] = reason
	l.entry().WithFields(fields).Error("Job failed")
}

// Info logs an info message
func (l *Logger) Info(msg string) {
	l.entry().Info(msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) {
	l.entry().Debug(msg)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.entry().Debugf(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) {
	l.entry().Warn(msg)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.entry().Warnf(format, args...)
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	return l.level
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level LogLevel) {
	if level == "" {
		level = LogLevelNormal
	}
	l.level = level
	switch level {
	case LogLevelQuiet:
		l.logger.SetLevel(logrus.ErrorLevel)
	case LogLevelVerbose:
		l.logger.SetLevel(logrus.DebugLevel)
	case LogLevelDebug:
		l.logger.SetLevel(logrus.TraceLevel)
	default:
		l.logger.SetLevel(logrus.InfoLevel)
	}
}

// LogOperationStart logs the start of an operation and returns a function to log completion
func (l *Logger) LogOperationStart(operation string, fields map[string]interface{}) func(error) {
	startTime := time.Now()

	logFields := logrus.Fields{
		"operation": operation,
		"status":    "started",
	}
	for k, v := range fields {
		logFields[k] = v
	}

	l.entry().WithFields(logFields).Debug("Operation started")

	return func(err error) {
		logFields["status"] = "completed"
		logFields["duration"] = time.Since(startTime).String()

		if err != nil {
			logFields["error"] = err.Error()
			logFields["success"] = false
			l.entry().WithFields(logFields).Error("Operation failed")
			return
		}
		logFields["success"] = true
		l.entry().WithFields(logFields).Info("Operation completed")
	}
}

// RedactURL masks the password of a postgres:// style connection string. Any
// other input is returned unchanged.
func RedactURL(raw string) string {
	if !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); !ok {
		return raw
	}
	return u.Redacted()
}

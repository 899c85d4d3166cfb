// Package logger provides the leveled logger used by the context vault entry
// point and the HTTP access log.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

// Log level constants
const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
	DISABLED
)

// LogFormat defines how log messages are formatted
type LogFormat int

// Log format constants
const (
	TEXT LogFormat = iota
	JSON
)

var levelNames = map[LogLevel]string{
	DEBUG:    "DEBUG",
	INFO:     "INFO",
	WARN:     "WARN",
	ERROR:    "ERROR",
	FATAL:    "FATAL",
	DISABLED: "DISABLED",
}

// Logger represents a structured logger
type Logger struct {
	level       LogLevel
	format      LogFormat
	out         io.Writer
	fields      map[string]interface{}
	contextPath []string
	mu          sync.Mutex
}

// Config holds configuration options for the logger
type Config struct {
	Level       LogLevel
	Format      LogFormat
	Output      io.Writer
	DefaultTags map[string]interface{}
}

// DefaultConfig returns a default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:       INFO,
		Format:      TEXT,
		Output:      os.Stderr,
		DefaultTags: map[string]interface{}{"service": "context-vault"},
	}
}

// New creates a new logger with the given configuration
func New(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	if config.Output == nil {
		config.Output = os.Stderr
	}

	fields := make(map[string]interface{})
	if config.DefaultTags != nil {
		for k, v := range config.DefaultTags {
			fields[k] = v
		}
	}

	return &Logger{
		level:  config.Level,
		format: config.Format,
		out:    config.Output,
		fields: fields,
	}
}

// SetLevel sets the logger's minimum log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetFormat sets the logger's output format
func (l *Logger) SetFormat(format LogFormat) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = format
}

// derive copies the logger with extra fields and context path entries.
func (l *Logger) derive(fields map[string]interface{}, contexts []string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	return &Logger{
		level:       l.level,
		format:      l.format,
		out:         l.out,
		fields:      merged,
		contextPath: append(append([]string{}, l.contextPath...), contexts...),
	}
}

// WithField returns a new logger with the field added to its context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.derive(map[string]interface{}{key: value}, nil)
}

// WithFields returns a new logger with multiple fields added to its context
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.derive(fields, nil)
}

// WithContext returns a new logger with a context path
func (l *Logger) WithContext(contexts ...string) *Logger {
	return l.derive(nil, contexts)
}

// Debug logs a message at DEBUG level
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(DEBUG, msg, args...)
}

// Info logs a message at INFO level
func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(INFO, msg, args...)
}

// Warn logs a message at WARN level
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(WARN, msg, args...)
}

// Error logs a message at ERROR level
func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(ERROR, msg, args...)
}

// Fatal logs a message at FATAL level and then exits with status code 1
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.log(FATAL, msg, args...)
	os.Exit(1)
}

// InfoContext logs at INFO level under the given context path entry.
func (l *Logger) InfoContext(ctx string, msg string, args ...interface{}) {
	l.WithContext(ctx).log(INFO, msg, args...)
}

// ErrorContext logs at ERROR level under the given context path entry.
func (l *Logger) ErrorContext(ctx string, msg string, args ...interface{}) {
	l.WithContext(ctx).log(ERROR, msg, args...)
}

// log is the internal logging function
func (l *Logger) log(level LogLevel, msg string, args ...interface{}) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Format the message if args are provided
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	// Build the log entry
	timestamp := time.Now().UTC().Format(time.RFC3339)
	levelName := levelNames[level]

	// Add caller information (file and line)
	_, file, line, ok := runtime.Caller(2)
	caller := "unknown"
	if ok {
		caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}

	// Format the log output based on the format type
	var output string
	if l.format == TEXT {
		// Build context path string
		contextStr := ""
		if len(l.contextPath) > 0 {
			contextStr = "[" + strings.Join(l.contextPath, ".") + "] "
		}

		fieldsStr := ""
		if len(l.fields) > 0 {
			keys := make([]string, 0, len(l.fields))
			for k := range l.fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			pairs := make([]string, 0, len(keys))
			for _, k := range keys {
				pairs = append(pairs, fmt.Sprintf("%s=%v", k, l.fields[k]))
			}
			fieldsStr = " " + strings.Join(pairs, " ")
		}

		output = fmt.Sprintf("%s [%s] %s%s (%s)%s\n", timestamp, levelName, contextStr, msg, caller, fieldsStr)
	} else {
		fieldMap := make(map[string]interface{}, len(l.fields)+5)
		for k, v := range l.fields {
			fieldMap[k] = v
		}
		fieldMap["timestamp"] = timestamp
		fieldMap["level"] = levelName
		fieldMap["message"] = msg
		fieldMap["caller"] = caller
		if len(l.contextPath) > 0 {
			fieldMap["context"] = strings.Join(l.contextPath, ".")
		}

		data, err := json.Marshal(fieldMap)
		if err != nil {
			data, _ = json.Marshal(map[string]string{
				"timestamp": timestamp,
				"level":     levelName,
				"message":   msg,
				"error":     err.Error(),
			})
		}
		output = string(data) + "\n"
	}

	// Write to output
	fmt.Fprint(l.out, output)
}

// ParseLevel converts a string level to a LogLevel
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	case "DISABLED":
		return DISABLED
	default:
		return INFO
	}
}

// ParseFormat converts "json" (any case) to JSON; everything else is TEXT.
func ParseFormat(format string) LogFormat {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return JSON
	}
	return TEXT
}

// SlogLevel maps a LogLevel onto the equivalent slog level.
func (level LogLevel) SlogLevel() slog.Level {
	switch level {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR, FATAL:
		return slog.LevelError
	case DISABLED:
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

// Global default logger
var defaultLogger = New(DefaultConfig())

// SetDefaultLogger sets the global default logger
func SetDefaultLogger(logger *Logger) {
	defaultLogger = logger
}

// GetDefaultLogger returns the global default logger
func GetDefaultLogger() *Logger {
	return defaultLogger
}

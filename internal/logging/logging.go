// Package logging provides structured logging for reconmap on top of log/slog.
// Text and JSON output formats are supported, as are per-component loggers and
// a replaceable package-level default.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	logDirPerm  = 0750
	logFilePerm = 0600
)

// LogLevel represents the available log levels.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat represents the available log formats.
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// Config holds logging configuration.
type Config struct {
	Level     LogLevel  `yaml:"level" json:"level" mapstructure:"level"`
	Format    LogFormat `yaml:"format" json:"format" mapstructure:"format"`
	Output    string    `yaml:"output" json:"output" mapstructure:"output"`
	AddSource bool      `yaml:"add_source" json:"add_source" mapstructure:"add_source"`
}

// DefaultConfig returns a default logging configuration. Logs go to stderr so
// that streamed command output on stdout stays clean.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: FormatText,
		Output: "stderr",
	}
}

// Logger wraps slog.Logger with reconmap specific helpers.
type Logger struct {
	*slog.Logger
	config Config
}

// ParseLevel converts a configured level name into a slog level. Unknown names
// map to info.
func ParseLevel(level LogLevel) slog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a new structured logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	var writer io.Writer
	switch cfg.Output {
	case "", "stderr":
		writer = os.Stderr
	case "stdout":
		writer = os.Stdout
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Output), logDirPerm); err != nil {
			return nil, err
		}
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerm)
		if err != nil {
			return nil, err
		}
		writer = file
	}
	return NewWithWriter(cfg, writer), nil
}

// NewWithWriter creates a logger that writes to w regardless of cfg.Output.
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		config: cfg,
	}
}

// NewDefault creates a logger with default configuration.
func NewDefault() *Logger {
	logger, _ := New(DefaultConfig())
	return logger
}

// NewDiscard returns a logger that drops everything. Handy in tests.
func NewDiscard() *Logger {
	return NewWithWriter(DefaultConfig(), io.Discard)
}

// Config returns the configuration the logger was built from.
func (l *Logger) Config() Config {
	return l.config
}

// WithFields adds structured fields to the logger.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.With(fields...),
		config: l.config,
	}
}

// WithComponent adds a component field to the logger.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithToken adds a command correlation token to the logger.
func (l *Logger) WithToken(token string) *Logger {
	return l.WithFields("token", token)
}

// WithError adds an error field to the logger.
func (l *Logger) WithError(err error) *Logger {
	return l.WithFields("error", err)
}

// InfoCommand logs command lifecycle information.
func (l *Logger) InfoCommand(msg, command string, fields ...any) {
	allFields := append([]any{"command", command}, fields...)
	l.Info(msg, allFields...)
}

// ErrorCommand logs command failures.
func (l *Logger) ErrorCommand(msg, command string, err error, fields ...any) {
	allFields := append([]any{"command", command, "error", err}, fields...)
	l.Error(msg, allFields...)
}

// InfoImport logs scan document import progress.
func (l *Logger) InfoImport(msg, source string, fields ...any) {
	allFields := append([]any{"source", source}, fields...)
	l.Info(msg, allFields...)
}

// ErrorImport logs scan document import failures.
func (l *Logger) ErrorImport(msg, source string, err error, fields ...any) {
	allFields := append([]any{"source", source, "error", err}, fields...)
	l.Error(msg, allFields...)
}

// InfoStore logs store-related information.
func (l *Logger) InfoStore(msg string, fields ...any) {
	allFields := append([]any{"component", "store"}, fields...)
	l.Info(msg, allFields...)
}

// ErrorStore logs store-related errors.
func (l *Logger) ErrorStore(msg string, err error, fields ...any) {
	allFields := append([]any{"component", "store", "error", err}, fields...)
	l.Error(msg, allFields...)
}

// Global logger instance - can be replaced for testing.
var defaultLogger = NewDefault()

// SetDefault sets the default logger instance.
func SetDefault(logger *Logger) {
	defaultLogger = logger
	slog.SetDefault(logger.Logger)
}

// Default returns the default logger instance.
func Default() *Logger {
	return defaultLogger
}

// Component returns a child of the default logger tagged with component.
func Component(name string) *Logger {
	return defaultLogger.WithComponent(name)
}

// Debug logs at debug level using the default logger.
func Debug(msg string, fields ...any) {
	defaultLogger.Debug(msg, fields...)
}

// Info logs at info level using the default logger.
func Info(msg string, fields ...any) {
	defaultLogger.Info(msg, fields...)
}

// Warn logs at warn level using the default logger.
func Warn(msg string, fields ...any) {
	defaultLogger.Warn(msg, fields...)
}

// Error logs at error level using the default logger.
func Error(msg string, fields ...any) {
	defaultLogger.Error(msg, fields...)
}

// InfoCommand logs command lifecycle information using the default logger.
func InfoCommand(msg, command string, fields ...any) {
	defaultLogger.InfoCommand(msg, command, fields...)
}

// ErrorCommand logs command failures using the default logger.
func ErrorCommand(msg, command string, err error, fields ...any) {
	defaultLogger.ErrorCommand(msg, command, err, fields...)
}

// InfoImport logs import progress using the default logger.
func InfoImport(msg, source string, fields ...any) {
	defaultLogger.InfoImport(msg, source, fields...)
}

// ErrorImport logs import failures using the default logger.
func ErrorImport(msg, source string, err error, fields ...any) {
	defaultLogger.ErrorImport(msg, source, err, fields...)
}

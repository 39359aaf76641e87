// Package errors provides structured error handling for reconmap operations.
// It defines error codes and typed errors for command execution, scan document
// imports, persistence and configuration.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"

	// Command execution errors.
	CodeShellNotFound ErrorCode = "SHELL_NOT_FOUND"
	CodeCommandFailed ErrorCode = "COMMAND_FAILED"
	CodeCommandExit   ErrorCode = "COMMAND_EXIT"

	// Scan document errors.
	CodeImportFailed ErrorCode = "IMPORT_FAILED"
	CodeParseFailed  ErrorCode = "PARSE_FAILED"

	// Database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"

	// File system errors.
	CodeFileNotFound   ErrorCode = "FILE_NOT_FOUND"
	CodeFilePermission ErrorCode = "FILE_PERMISSION"
)

// CommandError reports a command that could not be launched or that failed
// while running.
type CommandError struct {
	Code     ErrorCode
	Message  string
	Command  string
	ExitCode int
	Cause    error
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	msg := fmt.Sprintf("[%s] %s (command: %s)", e.Code, e.Message, e.Command)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error unwrapping.
func (e *CommandError) Unwrap() error {
	return e.Cause
}

// NewCommandError creates a command error with the specified code.
func NewCommandError(code ErrorCode, message, command string) *CommandError {
	return &CommandError{Code: code, Message: message, Command: command}
}

// WrapCommandError wraps an existing error as a command error.
func WrapCommandError(code ErrorCode, message, command string, err error) *CommandError {
	return &CommandError{Code: code, Message: message, Command: command, Cause: err}
}

// ImportError reports a scan document that could not be fully imported.
// Committed is the number of hosts that were already merged before the
// failure.
type ImportError struct {
	Code      ErrorCode
	Message   string
	Source    string
	Element   string
	Index     int
	Committed int
	Cause     error
}

// Error implements the error interface.
func (e *ImportError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Source != "" {
		msg += fmt.Sprintf(" (source: %s)", e.Source)
	}
	if e.Element != "" {
		msg += fmt.Sprintf(" at <%s> #%d", e.Element, e.Index)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ImportError) Unwrap() error {
	return e.Cause
}

// WrapImportError wraps a decode failure as an import error.
func WrapImportError(message string, err error) *ImportError {
	return &ImportError{Code: CodeImportFailed, Message: message, Cause: err}
}

// NotFoundError reports a missing registry or store entity.
type NotFoundError struct {
	Kind string
	ID   string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("[%s] %s not found: %s", CodeNotFound, e.Kind, e.ID)
}

// DatabaseError represents database-related errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Query     string
	Cause     error
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// WithQuery adds the SQL query that caused the error.
func (e *DatabaseError) WithQuery(query string) *DatabaseError {
	e.Query = query
	return e
}

// WithOperation records the store operation that failed.
func (e *DatabaseError) WithOperation(op string) *DatabaseError {
	e.Operation = op
	return e
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{Code: code, Message: message, Cause: err}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{Code: code, Message: message, Field: field, Value: value}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{Code: code, Message: message, Cause: err}
}

// IsCode checks if an error, or any error it wraps, has a specific code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// GetCode extracts the error code from the first coded error in the chain.
func GetCode(err error) ErrorCode {
	var (
		cmdErr    *CommandError
		importErr *ImportError
		nfErr     *NotFoundError
		dbErr     *DatabaseError
		cfgErr    *ConfigError
	)
	switch {
	case err == nil:
		return CodeUnknown
	case stderrors.As(err, &cmdErr):
		return cmdErr.Code
	case stderrors.As(err, &importErr):
		return importErr.Code
	case stderrors.As(err, &nfErr):
		return CodeNotFound
	case stderrors.As(err, &dbErr):
		return dbErr.Code
	case stderrors.As(err, &cfgErr):
		return cfgErr.Code
	}
	return CodeUnknown
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsFatal determines if an error indicates a fatal condition that should stop execution.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeConfiguration, CodeDatabaseMigration, CodeShellNotFound:
		return true
	default:
		return false
	}
}

// ErrHostNotFound creates an error for a host id missing from the registry.
func ErrHostNotFound(id string) *NotFoundError {
	return &NotFoundError{Kind: "host", ID: id}
}

// ErrShellNotFound creates an error for a missing command interpreter.
func ErrShellNotFound(shell, command string) *CommandError {
	return NewCommandError(CodeShellNotFound, "shell not found: "+shell, command)
}

// ErrDatabaseQuery creates an error for database query failures.
func ErrDatabaseQuery(query string, err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseQuery, "Database query failed", err).WithQuery(query)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

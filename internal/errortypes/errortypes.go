// Package errortypes provides error types and handling for the context vault.
package errortypes

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
)

// ErrorType represents the type of error that occurred
type ErrorType string

// Error types
const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeStore      ErrorType = "store"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeInternal   ErrorType = "internal"
)

// AppError represents an application error with context
type AppError struct {
	Err       error
	Type      ErrorType
	Message   string
	StackInfo string
	Fields    map[string]interface{}
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Err.Error()
}

// Unwrap unwraps the error to support errors.Is and errors.As
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithField adds a field to the error for additional context
func (e *AppError) WithField(key string, value interface{}) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the error for additional context
func (e *AppError) WithFields(fields map[string]interface{}) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// captureStack captures the stack trace at the call site
func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var builder strings.Builder
	for {
		frame, more := frames.Next()
		// Skip testing and standard library frames
		if !strings.Contains(frame.File, "testing/") && !strings.Contains(frame.File, "/go/src/") {
			fmt.Fprintf(&builder, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		}
		if !more {
			break
		}
	}
	return builder.String()
}

func newAppError(errType ErrorType, err error, message string) *AppError {
	if err == nil {
		err = errors.New("unknown error")
	}

	return &AppError{
		Err:       err,
		Type:      errType,
		Message:   message,
		StackInfo: captureStack(),
		Fields:    make(map[string]interface{}),
	}
}

// ValidationError creates an error for malformed or missing request input.
func ValidationError(err error, message string) *AppError {
	return newAppError(ErrorTypeValidation, err, message)
}

// StoreError creates an error for a failed call to the backing document store.
func StoreError(err error, message string) *AppError {
	return newAppError(ErrorTypeStore, err, message)
}

// ConfigError creates a new configuration error
func ConfigError(err error, message string) *AppError {
	return newAppError(ErrorTypeConfig, err, message)
}

// InternalError creates a new internal error
func InternalError(err error, message string) *AppError {
	return newAppError(ErrorTypeInternal, err, message)
}

// LogError logs an AppError using the provided slog.Logger or the default slog logger.
// It logs the error message, type, stack trace, and any associated fields.
func LogError(logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		args := []any{
			"type", string(appErr.Type),
			"original_error", appErr.Err.Error(),
		}
		if appErr.StackInfo != "" {
			args = append(args, "stack", appErr.StackInfo)
		}
		for k, v := range appErr.Fields {
			args = append(args, k, v)
		}
		logger.Error(appErr.Message, args...)
	} else {
		logger.Error(err.Error(), "error", err)
	}
}

// TypeOf returns the ErrorType of err, or the empty type when err is not an AppError.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return TypeOf(err) == ErrorTypeValidation
}

// IsStoreError checks if an error is a store error
func IsStoreError(err error) bool {
	return TypeOf(err) == ErrorTypeStore
}

// IsConfigError checks if an error is a configuration error
func IsConfigError(err error) bool {
	return TypeOf(err) == ErrorTypeConfig
}

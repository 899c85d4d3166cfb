package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/localrivet/contextvault/internal/errortypes"
)

// ErrorResponse represents the structure of error responses sent by the API
type ErrorResponse struct {
	Success bool                   `json:"success"`
	Status  string                 `json:"status"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error response codes
const (
	StatusCodeValidationError = "VALIDATION_ERROR"
	StatusCodeStoreError      = "STORE_ERROR"
	StatusCodeConfigError     = "CONFIG_ERROR"
	StatusCodeInternalError   = "INTERNAL_ERROR"
)

// Client-facing messages per error kind.
const (
	messageInvalidRequest = "Invalid request parameters"
	messageStoreFailure   = "Failed to reach the context store"
	messageUnexpected     = "An unexpected error occurred"
)

// errorMapping resolves the HTTP status, error code and client message for err.
func errorMapping(err error) (int, string, string) {
	switch errortypes.TypeOf(err) {
	case errortypes.ErrorTypeValidation:
		return http.StatusBadRequest, StatusCodeValidationError, messageInvalidRequest
	case errortypes.ErrorTypeStore:
		return http.StatusInternalServerError, StatusCodeStoreError, messageStoreFailure
	case errortypes.ErrorTypeConfig:
		return http.StatusInternalServerError, StatusCodeConfigError, messageUnexpected
	default:
		return http.StatusInternalServerError, StatusCodeInternalError, messageUnexpected
	}
}

// errorToResponse converts an error to a standardized ErrorResponse
func errorToResponse(err error, code, message string) ErrorResponse {
	details := map[string]interface{}{
		"error": err.Error(),
	}

	var appErr *errortypes.AppError
	if errors.As(err, &appErr) {
		for k, v := range appErr.Fields {
			details[k] = v
		}
	}

	return ErrorResponse{
		Success: false,
		Status:  "error",
		Code:    code,
		Message: message,
		Details: details,
	}
}

// writeErrorResponse writes a structured error response to the HTTP response writer
func writeErrorResponse(w http.ResponseWriter, status int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode error response", "error", err, "code", resp.Code, "status", status)
	}
}

// HandleError logs err once and writes the JSON error body matching its kind.
// Validation errors map to 400, everything else to 500.
func HandleError(w http.ResponseWriter, err error) {
	if err == nil {
		err = errortypes.InternalError(nil, "nil error passed to HandleError")
	}

	status, code, message := errorMapping(err)

	if status >= http.StatusInternalServerError {
		errortypes.LogError(nil, err)
	} else {
		slog.Warn("Rejected request", "code", code, "error", err.Error())
	}

	writeErrorResponse(w, status, errorToResponse(err, code, message))
}

// WriteError writes err with an explicit status, used for routing failures
// that never reached the gateway.
func WriteError(w http.ResponseWriter, err error, status int) {
	code := StatusCodeInternalError
	message := messageUnexpected
	if status < http.StatusInternalServerError {
		code = StatusCodeValidationError
		message = err.Error()
	}
	writeErrorResponse(w, status, errorToResponse(err, code, message))
}

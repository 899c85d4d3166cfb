package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/localrivet/contextvault/internal/errortypes"
)

func TestHandleError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "validation error",
			err:        errortypes.ValidationError(errors.New("user_id is required"), "invalid save request"),
			wantStatus: http.StatusBadRequest,
			wantCode:   StatusCodeValidationError,
		},
		{
			name:       "store error",
			err:        errortypes.StoreError(errors.New("connection refused"), "failed to save context"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   StatusCodeStoreError,
		},
		{
			name:       "config error",
			err:        errortypes.ConfigError(errors.New("missing key"), "bad config"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   StatusCodeConfigError,
		},
		{
			name:       "internal error",
			err:        errortypes.InternalError(errors.New("encode failed"), "internal"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   StatusCodeInternalError,
		},
		{
			name:       "unknown error",
			err:        errors.New("generic error"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   StatusCodeInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			HandleError(w, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleError() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}

			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("Failed to parse response: %v", err)
			}
			if resp.Success || resp.Status != "error" {
				t.Errorf("unexpected envelope: %+v", resp)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("HandleError() code = %v, want %v", resp.Code, tt.wantCode)
			}
			if resp.Details["error"] != tt.err.Error() {
				t.Errorf("details.error = %v", resp.Details["error"])
			}
		})
	}
}

func TestHandleErrorCarriesFields(t *testing.T) {
	err := errortypes.StoreError(errors.New("conflict"), "failed to save context").
		WithField("status_code", http.StatusConflict)

	w := httptest.NewRecorder()
	HandleError(w, err)

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Details["status_code"] != float64(http.StatusConflict) {
		t.Errorf("details.status_code = %v", resp.Details["status_code"])
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, errors.New("method not allowed"), http.StatusMethodNotAllowed)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Message != "method not allowed" || resp.Code != StatusCodeValidationError {
		t.Errorf("unexpected response: %+v", resp)
	}
}

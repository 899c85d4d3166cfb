package errortypes

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestConstructorsSetType(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  *AppError
		want ErrorType
	}{
		{"validation", ValidationError(base, "bad input"), ErrorTypeValidation},
		{"store", StoreError(base, "store failed"), ErrorTypeStore},
		{"config", ConfigError(base, "missing url"), ErrorTypeConfig},
		{"internal", InternalError(base, "encode failed"), ErrorTypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.want {
				t.Errorf("Type = %s, want %s", tt.err.Type, tt.want)
			}
			if !errors.Is(tt.err, base) {
				t.Errorf("expected error to unwrap to base error")
			}
			if tt.err.StackInfo == "" {
				t.Errorf("expected stack info to be captured")
			}
		})
	}
}

func TestAppErrorMessage(t *testing.T) {
	err := ValidationError(errors.New("user_id is required"), "invalid save request")
	if got, want := err.Error(), "invalid save request: user_id is required"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	bare := &AppError{Err: errors.New("plain")}
	if bare.Error() != "plain" {
		t.Errorf("Error() without message = %q, want %q", bare.Error(), "plain")
	}
}

func TestNilErrorIsReplaced(t *testing.T) {
	err := StoreError(nil, "store failed")
	if err.Err == nil {
		t.Fatal("expected a non-nil wrapped error")
	}
}

func TestWithFields(t *testing.T) {
	err := StoreError(errors.New("503"), "store failed").
		WithField("status_code", 503).
		WithFields(map[string]interface{}{"table": "context_vault"})

	if err.Fields["status_code"] != 503 {
		t.Errorf("status_code field = %v, want 503", err.Fields["status_code"])
	}
	if err.Fields["table"] != "context_vault" {
		t.Errorf("table field = %v, want context_vault", err.Fields["table"])
	}
}

func TestTypePredicatesSeeThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", ValidationError(errors.New("x"), "bad"))

	if !IsValidationError(wrapped) {
		t.Error("expected wrapped validation error to be detected")
	}
	if IsStoreError(wrapped) || IsConfigError(wrapped) {
		t.Error("validation error reported as another type")
	}
	if TypeOf(errors.New("plain")) != "" {
		t.Error("expected empty type for a plain error")
	}
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LogError(logger, StoreError(errors.New("connection refused"), "failed to insert context").
		WithField("status_code", 0))

	out := buf.String()
	for _, want := range []string{"failed to insert context", "type=store", "connection refused", "status_code=0"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}

	buf.Reset()
	LogError(logger, errors.New("plain failure"))
	if !strings.Contains(buf.String(), "plain failure") {
		t.Errorf("expected plain error to be logged, got %s", buf.String())
	}
}

// Package util holds small helpers shared by the transports.
package util

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// RequestIDHeader is the header carrying the request id in both directions.
const RequestIDHeader = "X-Request-Id"

const maxRequestIDLength = 128

type requestIDKey struct{}

// GenerateRequestID returns a new 16 character hex request id.
func GenerateRequestID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:16]
}

// RequestIDOrNew keeps a client supplied id when it is short printable ASCII,
// otherwise it generates a fresh one.
func RequestIDOrNew(incoming string) string {
	incoming = strings.TrimSpace(incoming)
	if incoming == "" || len(incoming) > maxRequestIDLength {
		return GenerateRequestID()
	}
	for i := 0; i < len(incoming); i++ {
		if c := incoming[i]; c < 0x21 || c > 0x7e {
			return GenerateRequestID()
		}
	}
	return incoming
}

// WithRequestID stores id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id stored by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

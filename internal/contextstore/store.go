// Package contextstore provides storage interfaces and implementations for
// the context records kept by the context vault.
package contextstore

import (
	"context"
)

// ContextStore defines the interface for storing and querying context records.
// Implementations hold no per-request state and are safe for concurrent use.
type ContextStore interface {
	// Name returns the backend name reported in health output.
	Name() string

	// Insert stores a new record and returns it with the store-assigned
	// id and created_at.
	Insert(ctx context.Context, rec NewContextRecord) (*ContextRecord, error)

	// Query returns records matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]ContextRecord, error)

	// Close closes the store and releases any resources.
	Close() error
}

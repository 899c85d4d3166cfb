package contextstore

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	// TableName is the table holding context records in every backend.
	TableName = "context_vault"

	// DefaultQueryLimit is the number of rows returned when no limit is given.
	DefaultQueryLimit = 10
)

// ContextRecord is a stored context document. ContextData and Metadata are
// carried as raw JSON and never interpreted.
type ContextRecord struct {
	ID          RecordID        `json:"id"`
	UserID      string          `json:"user_id"`
	ContextType string          `json:"context_type"`
	ContextData json.RawMessage `json:"context_data"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   string          `json:"created_at"`
}

// RecordID is a store-assigned identifier. Hosted tables may use text or
// numeric ids, so the JSON form is kept as the store sent it.
type RecordID struct {
	value   string
	numeric bool
}

// StringID returns a RecordID that encodes as a JSON string.
func StringID(s string) RecordID {
	return RecordID{value: s}
}

// String returns the id as text, without quotes.
func (id RecordID) String() string {
	return id.value
}

// IsZero reports whether no id was assigned.
func (id RecordID) IsZero() bool {
	return id.value == ""
}

// MarshalJSON writes numeric ids as numbers and all others as strings.
func (id RecordID) MarshalJSON() ([]byte, error) {
	if id.numeric {
		return []byte(id.value), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON accepts a JSON string, a JSON number or null.
func (id *RecordID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*id = RecordID{}
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("record id must be a string or a number: %w", err)
	}
	*id = RecordID{value: n.String(), numeric: true}
	return nil
}

// NewContextRecord holds the insertable columns of a ContextRecord.
type NewContextRecord struct {
	UserID      string          `json:"user_id"`
	ContextType string          `json:"context_type"`
	ContextData json.RawMessage `json:"context_data"`
	Metadata    json.RawMessage `json:"metadata"`
}

// QueryFilter selects records by equality on the non-empty fields.
type QueryFilter struct {
	UserID      string
	ContextType string
	Limit       int
}

// EffectiveLimit returns Limit, or DefaultQueryLimit when Limit is not positive.
func (f QueryFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultQueryLimit
	}
	return f.Limit
}

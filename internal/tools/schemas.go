// Package tools defines the request and response envelopes shared by the
// HTTP and MCP transports of the context vault.
package tools

import (
	"encoding/json"

	"github.com/localrivet/contextvault/internal/contextstore"
)

const (
	// ToolSaveContext is the name of the save_context MCP tool
	ToolSaveContext = "save_context"

	// ToolQueryContext is the name of the query_context MCP tool
	ToolQueryContext = "query_context"

	// DefaultQueryLimit is the number of records returned when no limit is
	// given in a query request.
	DefaultQueryLimit = contextstore.DefaultQueryLimit

	// SaveSuccessMessage is the message returned with every successful save.
	SaveSuccessMessage = "Context saved successfully"
)

// SaveContextRequest is the body of POST /vault/save.
type SaveContextRequest struct {
	// UserID identifies the owner of the context. Required.
	UserID string `json:"user_id"`

	// ContextType categorizes the context. Required.
	ContextType string `json:"context_type"`

	// ContextData is the document to store. Required, any JSON value but null.
	ContextData json.RawMessage `json:"context_data"`

	// Metadata is an optional JSON object, stored as {} when absent.
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// SaveContextResponse is the envelope returned by a save.
type SaveContextResponse struct {
	Success bool                        `json:"success"`
	Message string                      `json:"message,omitempty"`
	Data    *contextstore.ContextRecord `json:"data,omitempty"`

	// Error contains an error message if Success is false (MCP only)
	Error string `json:"error,omitempty"`
}

// QueryContextRequest holds the filters of GET /vault/context.
type QueryContextRequest struct {
	// UserID filters by equality when non-empty.
	UserID string `json:"user_id,omitempty"`

	// ContextType filters by equality when non-empty.
	ContextType string `json:"context_type,omitempty"`

	// Limit caps the number of records. Zero selects DefaultQueryLimit.
	Limit int `json:"limit,omitempty"`
}

// QueryContextResponse is the envelope returned by a query. Count always
// equals len(Data).
type QueryContextResponse struct {
	Success bool                         `json:"success"`
	Count   int                          `json:"count"`
	Data    []contextstore.ContextRecord `json:"data"`

	// Error contains an error message if Success is false (MCP only)
	Error string `json:"error,omitempty"`
}

// SaveContextToolRequest is the MCP form of SaveContextRequest. MCP clients
// send decoded JSON values, so the documents are untyped here.
type SaveContextToolRequest struct {
	UserID      string                 `json:"user_id"`
	ContextType string                 `json:"context_type"`
	ContextData interface{}            `json:"context_data"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ServiceInfo is the body of GET /.
type ServiceInfo struct {
	Message   string   `json:"message"`
	Version   string   `json:"version"`
	Endpoints []string `json:"endpoints"`
}

// NewSaveContextResponse wraps a stored record in the success envelope.
func NewSaveContextResponse(rec *contextstore.ContextRecord) SaveContextResponse {
	return SaveContextResponse{
		Success: true,
		Message: SaveSuccessMessage,
		Data:    rec,
	}
}

// NewQueryContextResponse wraps query results in the success envelope,
// never emitting a null data list.
func NewQueryContextResponse(records []contextstore.ContextRecord) QueryContextResponse {
	if records == nil {
		records = []contextstore.ContextRecord{}
	}
	return QueryContextResponse{
		Success: true,
		Count:   len(records),
		Data:    records,
	}
}

// ToSaveContextRequest re-encodes the MCP arguments as raw JSON documents.
func (r SaveContextToolRequest) ToSaveContextRequest() (SaveContextRequest, error) {
	req := SaveContextRequest{
		UserID:      r.UserID,
		ContextType: r.ContextType,
	}

	if r.ContextData != nil {
		data, err := json.Marshal(r.ContextData)
		if err != nil {
			return SaveContextRequest{}, err
		}
		req.ContextData = data
	}

	if r.Metadata != nil {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return SaveContextRequest{}, err
		}
		req.Metadata = meta
	}

	return req, nil
}

package contextstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// BackendSupabase names the PostgREST-backed store.
	BackendSupabase = "supabase"

	// DefaultTimeout bounds a single call to the REST API.
	DefaultTimeout = 30 * time.Second

	restPathPrefix = "/rest/v1/"
)

// StatusError is returned when the REST API answers with an unexpected status.
// Code, Message, Details and Hint are decoded from the PostgREST error body
// when it has one.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
	Details    string
	Hint       string
	Body       []byte
}

func (e *StatusError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message != "" {
		if e.Code != "" {
			return fmt.Sprintf("store returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
		}
		return fmt.Sprintf("store returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("store returned status %d: %s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// SupabaseOption configures a SupabaseContextStore.
type SupabaseOption func(*SupabaseContextStore)

// WithHTTPClient overrides the HTTP client used for REST calls.
func WithHTTPClient(h *http.Client) SupabaseOption {
	return func(s *SupabaseContextStore) {
		if h != nil {
			s.httpClient = h
		}
	}
}

// WithTable overrides the table name.
func WithTable(table string) SupabaseOption {
	return func(s *SupabaseContextStore) {
		if strings.TrimSpace(table) != "" {
			s.table = table
		}
	}
}

// SupabaseContextStore stores records in a Supabase table through its
// PostgREST interface, authenticating every call with the service key.
type SupabaseContextStore struct {
	baseURL    *url.URL
	serviceKey string
	table      string
	httpClient *http.Client
}

// NewSupabaseContextStore creates a store bound to the project at baseURL.
func NewSupabaseContextStore(baseURL, serviceKey string, opts ...SupabaseOption) (*SupabaseContextStore, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("supabase: base URL is required")
	}
	if strings.TrimSpace(serviceKey) == "" {
		return nil, errors.New("supabase: service key is required")
	}

	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("supabase: invalid base URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("supabase: base URL %q must be absolute", baseURL)
	}

	s := &SupabaseContextStore{
		baseURL:    parsed,
		serviceKey: serviceKey,
		table:      TableName,
		httpClient: NewHTTPClient(DefaultTimeout),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewHTTPClient returns a client with a pooled transport suitable for
// reuse across requests.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

// Name returns the backend name.
func (s *SupabaseContextStore) Name() string {
	return BackendSupabase
}

// Insert posts a single row and returns the representation echoed by the API.
func (s *SupabaseContextStore) Insert(ctx context.Context, rec NewContextRecord) (*ContextRecord, error) {
	payload, err := jsonMarshal(rec)
	if err != nil {
		return nil, fmt.Errorf("supabase: encode record: %w", err)
	}

	header := http.Header{}
	header.Set("Prefer", "return=representation")

	body, err := s.do(ctx, http.MethodPost, nil, bytes.NewReader(payload), header, http.StatusOK, http.StatusCreated)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var rows []ContextRecord
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, fmt.Errorf("supabase: decode insert response: %w", err)
		}
		if len(rows) == 0 {
			return nil, errors.New("supabase: insert response contained no rows")
		}
		return &rows[0], nil
	}

	var row ContextRecord
	if err := json.Unmarshal(trimmed, &row); err != nil {
		return nil, fmt.Errorf("supabase: decode insert response: %w", err)
	}
	return &row, nil
}

// Query reads one bounded page ordered by created_at descending.
func (s *SupabaseContextStore) Query(ctx context.Context, filter QueryFilter) ([]ContextRecord, error) {
	body, err := s.do(ctx, http.MethodGet, queryValues(filter), nil, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var rows []ContextRecord
	if err := json.Unmarshal(bytes.TrimSpace(body), &rows); err != nil {
		return nil, fmt.Errorf("supabase: decode query response: %w", err)
	}
	if rows == nil {
		rows = []ContextRecord{}
	}
	return rows, nil
}

// Close releases idle connections.
func (s *SupabaseContextStore) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func queryValues(filter QueryFilter) url.Values {
	q := url.Values{}
	if filter.UserID != "" {
		q.Set("user_id", "eq."+filter.UserID)
	}
	if filter.ContextType != "" {
		q.Set("context_type", "eq."+filter.ContextType)
	}
	q.Set("limit", strconv.Itoa(filter.EffectiveLimit()))
	q.Set("order", "created_at.desc")
	return q
}

func (s *SupabaseContextStore) tableURL(q url.Values) string {
	u := *s.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + restPathPrefix + s.table
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (s *SupabaseContextStore) do(ctx context.Context, method string, q url.Values, body io.Reader, header http.Header, expect ...int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.tableURL(q), body)
	if err != nil {
		return nil, fmt.Errorf("supabase: build request: %w", err)
	}

	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("supabase: %s %s: %w", method, s.table, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("supabase: read response body: %w", err)
	}

	for _, code := range expect {
		if resp.StatusCode == code {
			return data, nil
		}
	}
	return nil, newStatusError(resp.StatusCode, data)
}

func newStatusError(status int, body []byte) *StatusError {
	statusErr := &StatusError{StatusCode: status, Body: body}

	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
		Hint    string `json:"hint"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		statusErr.Code = payload.Code
		statusErr.Message = payload.Message
		statusErr.Details = payload.Details
		statusErr.Hint = payload.Hint
	}
	return statusErr
}

// jsonMarshal encodes without HTML escaping so documents reach the store
// as the caller wrote them.
func jsonMarshal(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/localrivet/contextvault/internal/contextstore"
	"github.com/localrivet/contextvault/internal/logger"
	"github.com/localrivet/contextvault/internal/telemetry"
	"github.com/localrivet/contextvault/internal/tools"
	"github.com/localrivet/contextvault/internal/util"
	"github.com/localrivet/contextvault/internal/vault"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestHTTPServer(t *testing.T, store contextstore.ContextStore, origins ...string) *HTTPServer {
	t.Helper()
	srv := NewHTTPServer(vault.NewService(store, nil, nil), HTTPOptions{
		AllowedOrigins: origins,
		Logger:         logger.New(&logger.Config{Level: logger.DISABLED, Output: io.Discard}),
	})
	if err := srv.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return srv
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode %q: %v", w.Body.String(), err)
	}
}

func TestRootAndHealth(t *testing.T) {
	h := newTestHTTPServer(t, &MockStore{}).Handler()

	w := do(t, h, http.MethodGet, "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET / status = %d", w.Code)
	}
	var info tools.ServiceInfo
	decode(t, w, &info)
	if info.Message != "Context Vault API" || info.Version != vault.Version || len(info.Endpoints) != 2 {
		t.Errorf("unexpected service info: %+v", info)
	}

	w = do(t, h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d", w.Code)
	}
	var report map[string]interface{}
	decode(t, w, &report)
	if report["status"] != "healthy" || report["timestamp"] == "" || report["store"] != "mock" {
		t.Errorf("unexpected health report: %v", report)
	}
	if _, err := time.Parse(time.RFC3339, report["timestamp"].(string)); err != nil {
		t.Errorf("timestamp is not RFC 3339: %v", err)
	}
}

func TestSaveEndpoint(t *testing.T) {
	store := &MockStore{}
	h := newTestHTTPServer(t, store).Handler()

	body := `{"user_id":"u1","context_type":"chat","context_data":{"messages":[{"role":"user","content":"<hi>"}]}}`
	w := do(t, h, http.MethodPost, "/vault/save", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var resp tools.SaveContextResponse
	decode(t, w, &resp)
	if !resp.Success || resp.Message != "Context saved successfully" || resp.Data == nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if string(resp.Data.ContextData) != `{"messages":[{"role":"user","content":"<hi>"}]}` {
		t.Errorf("context_data = %s", resp.Data.ContextData)
	}
	if string(resp.Data.Metadata) != `{}` {
		t.Errorf("metadata = %s", resp.Data.Metadata)
	}
	if !strings.Contains(w.Body.String(), "<hi>") {
		t.Errorf("HTML characters must not be escaped: %s", w.Body.String())
	}
	if len(store.Inserted) != 1 {
		t.Errorf("inserts = %d", len(store.Inserted))
	}
}

func TestSaveEndpointValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"malformed json", `{"user_id":`},
		{"array body", `[{"user_id":"u"}]`},
		{"wrong type", `{"user_id":1,"context_type":"t","context_data":{}}`},
		{"missing user", `{"context_type":"t","context_data":{}}`},
		{"empty context type", `{"user_id":"u","context_type":"","context_data":{}}`},
		{"missing data", `{"user_id":"u","context_type":"t"}`},
		{"null data", `{"user_id":"u","context_type":"t","context_data":null}`},
		{"array metadata", `{"user_id":"u","context_type":"t","context_data":{},"metadata":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &MockStore{}
			h := newTestHTTPServer(t, store).Handler()

			w := do(t, h, http.MethodPost, "/vault/save", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			var resp ErrorResponse
			decode(t, w, &resp)
			if resp.Success || resp.Code != StatusCodeValidationError {
				t.Errorf("unexpected error body: %+v", resp)
			}
			if len(store.Inserted) != 0 {
				t.Errorf("store must not be called, inserts = %d", len(store.Inserted))
			}
		})
	}
}

func TestSaveEndpointBodyTooLarge(t *testing.T) {
	srv := NewHTTPServer(vault.NewService(&MockStore{}, nil, nil), HTTPOptions{
		MaxBodyBytes: 64,
		Logger:       logger.New(&logger.Config{Level: logger.DISABLED, Output: io.Discard}),
	})
	if err := srv.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	body := `{"user_id":"u","context_type":"t","context_data":"` + strings.Repeat("x", 200) + `"}`
	w := do(t, srv.Handler(), http.MethodPost, "/vault/save", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestSaveEndpointStoreFailure(t *testing.T) {
	store := &MockStore{ReturnError: &contextstore.StatusError{StatusCode: http.StatusConflict, Message: "duplicate key"}}
	h := newTestHTTPServer(t, store).Handler()

	w := do(t, h, http.MethodPost, "/vault/save", `{"user_id":"u","context_type":"t","context_data":{}}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var resp ErrorResponse
	decode(t, w, &resp)
	if resp.Code != StatusCodeStoreError || resp.Details["status_code"] != float64(http.StatusConflict) {
		t.Errorf("unexpected error body: %+v", resp)
	}
}

func TestQueryEndpoint(t *testing.T) {
	store := &MockStore{Rows: []contextstore.ContextRecord{
		{ID: contextstore.StringID("b"), UserID: "u1", ContextType: "chat", ContextData: json.RawMessage(`2`), Metadata: json.RawMessage(`{}`)},
		{ID: contextstore.StringID("a"), UserID: "u1", ContextType: "chat", ContextData: json.RawMessage(`1`), Metadata: json.RawMessage(`{}`)},
	}}
	h := newTestHTTPServer(t, store).Handler()

	w := do(t, h, http.MethodGet, "/vault/context?user_id=u1&context_type=chat&limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp tools.QueryContextResponse
	decode(t, w, &resp)
	if !resp.Success || resp.Count != 2 || len(resp.Data) != 2 || resp.Data[0].ID.String() != "b" {
		t.Errorf("unexpected response: %+v", resp)
	}

	want := contextstore.QueryFilter{UserID: "u1", ContextType: "chat", Limit: 5}
	if store.Filters[0] != want {
		t.Errorf("filter = %+v, want %+v", store.Filters[0], want)
	}

	do(t, h, http.MethodGet, "/vault/context", "")
	if store.Filters[1] != (contextstore.QueryFilter{Limit: 10}) {
		t.Errorf("default filter = %+v", store.Filters[1])
	}
}

func TestQueryEndpointEmpty(t *testing.T) {
	h := newTestHTTPServer(t, &MockStore{}).Handler()

	w := do(t, h, http.MethodGet, "/vault/context?user_id=nobody", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"success":true,"count":0,"data":[]}` {
		t.Errorf("body = %s", got)
	}
}

func TestQueryEndpointBadLimit(t *testing.T) {
	for _, limit := range []string{"0", "-1", "abc", "1.5"} {
		store := &MockStore{}
		h := newTestHTTPServer(t, store).Handler()

		w := do(t, h, http.MethodGet, "/vault/context?limit="+limit, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", limit, w.Code)
		}
		if len(store.Filters) != 0 {
			t.Errorf("limit=%s reached the store", limit)
		}
	}
}

func TestRejectedRequestsReachHealth(t *testing.T) {
	store := &MockStore{}
	h := newTestHTTPServer(t, store).Handler()

	do(t, h, http.MethodPost, "/vault/save", `[1,2]`)
	do(t, h, http.MethodGet, "/vault/context?limit=abc", "")
	do(t, h, http.MethodGet, "/vault/context", "")

	var report vault.HealthReport
	decode(t, do(t, h, http.MethodGet, "/health", ""), &report)
	if report.Requests["save"] != 1 || report.Requests["query"] != 2 {
		t.Errorf("requests = %+v", report.Requests)
	}
	if report.Errors["validation"] != 2 {
		t.Errorf("validation errors = %d, want 2", report.Errors["validation"])
	}
	if report.SuccessRate < 33.3 || report.SuccessRate > 33.4 {
		t.Errorf("success rate = %.2f, want 33.33", report.SuccessRate)
	}
}

func TestQueryEndpointStoreFailure(t *testing.T) {
	h := newTestHTTPServer(t, &MockStore{ReturnError: testError}).Handler()

	w := do(t, h, http.MethodGet, "/vault/context", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var resp ErrorResponse
	decode(t, w, &resp)
	if resp.Code != StatusCodeStoreError {
		t.Errorf("code = %s", resp.Code)
	}
}

func TestRoutingErrors(t *testing.T) {
	h := newTestHTTPServer(t, &MockStore{}).Handler()

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/vault/save", http.StatusMethodNotAllowed},
		{http.MethodPost, "/vault/context", http.StatusMethodNotAllowed},
		{http.MethodPost, "/", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		w := do(t, h, tt.method, tt.path, "")
		if w.Code != tt.want {
			t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, w.Code, tt.want)
		}
		var resp ErrorResponse
		decode(t, w, &resp)
		if resp.Status != "error" {
			t.Errorf("%s %s: expected JSON error body", tt.method, tt.path)
		}
	}
}

func TestRequestIDHeader(t *testing.T) {
	h := newTestHTTPServer(t, &MockStore{}).Handler()

	w := do(t, h, http.MethodGet, "/health", "")
	if w.Header().Get(util.RequestIDHeader) == "" {
		t.Error("expected a generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/vault/context?limit=zero", nil)
	req.Header.Set(util.RequestIDHeader, "client-rid-1")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get(util.RequestIDHeader); got != "client-rid-1" {
		t.Errorf("request id = %q, want client-rid-1", got)
	}
}

func TestCORS(t *testing.T) {
	t.Run("wildcard preflight", func(t *testing.T) {
		h := newTestHTTPServer(t, &MockStore{}).Handler()

		req := httptest.NewRequest(http.MethodOptions, "/vault/save", nil)
		req.Header.Set("Origin", "https://app.example")
		req.Header.Set("Access-Control-Request-Method", "POST")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if w.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", w.Code)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("Allow-Origin = %q", got)
		}
		if got := w.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
			t.Errorf("Allow-Methods = %q", got)
		}
	})

	t.Run("restricted origins", func(t *testing.T) {
		h := newTestHTTPServer(t, &MockStore{}, "https://app.example").Handler()

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://app.example")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
			t.Errorf("Allow-Origin = %q", got)
		}

		req = httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example")
		w = httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("unexpected Allow-Origin %q for a foreign origin", got)
		}
		if w.Code != http.StatusOK {
			t.Errorf("status = %d", w.Code)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHTTPServer(t, &MockStore{}).Handler()

	do(t, h, http.MethodGet, "/vault/context", "")
	w := do(t, h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "contextvault_http_requests_total") {
		t.Error("expected HTTP request metrics in exposition")
	}
}

func TestPanicIsAccessLogged(t *testing.T) {
	var buf bytes.Buffer
	srv := NewHTTPServer(vault.NewService(&MockStore{}, nil, nil), HTTPOptions{
		Logger: logger.New(&logger.Config{Level: logger.INFO, Format: logger.JSON, Output: &buf}),
	})
	h := srv.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	counter := telemetry.HTTPRequestsTotal.WithLabelValues("/vault/save", http.MethodPost, "500")
	before := testutil.ToFloat64(counter)

	w := do(t, h, http.MethodPost, "/vault/save", `{}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("500 counter grew by %v, want 1", got)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("access log is not one JSON line: %v (%s)", err, buf.String())
	}
	if entry["status"] != float64(500) || entry["level"] != "ERROR" || entry["context"] != "http" {
		t.Errorf("unexpected access log entry: %v", entry)
	}
	if entry["rid"] == "" || entry["rid"] != w.Header().Get(util.RequestIDHeader) {
		t.Errorf("rid = %v, header = %s", entry["rid"], w.Header().Get(util.RequestIDHeader))
	}
}

func TestRecoverFromPanic(t *testing.T) {
	h := Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := do(t, h, http.MethodGet, "/", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var resp ErrorResponse
	decode(t, w, &resp)
	if resp.Code != StatusCodeInternalError {
		t.Errorf("code = %s", resp.Code)
	}
}

// TestSaveThenQuery runs both operations end to end against a SQLite store
// behind a real listener.
func TestSaveThenQuery(t *testing.T) {
	store := contextstore.NewSQLiteContextStore()
	if err := store.Initialize(filepath.Join(t.TempDir(), "vault.db")); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer store.Close()

	srv := newTestHTTPServer(t, store)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	defer func() {
		if err := srv.Stop(); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
		if err := <-done; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	}()

	base := "http://" + ln.Addr().String()
	body := []byte(`{"user_id":"u1","context_type":"chat","context_data":{"messages":[{"role":"user","content":"hi"}]}}`)
	res, err := http.Post(base+"/vault/save", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /vault/save: %v", err)
	}
	var saved tools.SaveContextResponse
	if err := json.NewDecoder(res.Body).Decode(&saved); err != nil {
		t.Fatalf("decode save: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK || saved.Data == nil {
		t.Fatalf("save failed: %d %+v", res.StatusCode, saved)
	}

	res, err = http.Get(base + "/vault/context?user_id=u1&limit=1")
	if err != nil {
		t.Fatalf("GET /vault/context: %v", err)
	}
	var queried tools.QueryContextResponse
	if err := json.NewDecoder(res.Body).Decode(&queried); err != nil {
		t.Fatalf("decode query: %v", err)
	}
	res.Body.Close()

	if queried.Count != 1 || queried.Data[0].ID != saved.Data.ID {
		t.Errorf("expected the saved record back, got %+v", queried)
	}
}

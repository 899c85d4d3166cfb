package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/localrivet/contextvault/internal/errortypes"
	"github.com/localrivet/contextvault/internal/logger"
	"github.com/localrivet/contextvault/internal/telemetry"
	"github.com/localrivet/contextvault/internal/tools"
	"github.com/localrivet/contextvault/internal/vault"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMaxBodyBytes caps the size of a save request body.
const DefaultMaxBodyBytes int64 = 10 << 20

// HTTPOptions configures the HTTP transport. Zero durations disable the
// matching http.Server timeout.
type HTTPOptions struct {
	Addr            string
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// Registry backs GET /metrics. A fresh one is created when nil.
	Registry *prometheus.Registry

	// Logger writes the access log. The default logger is used when nil.
	Logger *logger.Logger
}

// HTTPServer serves the vault gateway over HTTP.
type HTTPServer struct {
	svc     *vault.Service
	opts    HTTPOptions
	handler http.Handler

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// NewHTTPServer creates an HTTP transport in front of svc.
func NewHTTPServer(svc *vault.Service, opts HTTPOptions) *HTTPServer {
	if opts.Addr == "" {
		opts.Addr = ":8000"
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.GetDefaultLogger()
	}
	return &HTTPServer{svc: svc, opts: opts}
}

// Initialize builds the route table and middleware chain.
func (s *HTTPServer) Initialize() error {
	if s.svc == nil || s.svc.Store() == nil {
		return errortypes.ConfigError(errors.New("missing dependencies"), "http server initialization failed")
	}
	if s.opts.Registry == nil {
		s.opts.Registry = telemetry.Init(slog.Default())
	}

	mux := http.NewServeMux()
	mux.Handle("/health", allowMethods(s.handleHealth, http.MethodGet, http.MethodHead))
	mux.Handle("/metrics", allowMethods(telemetry.Handler(s.opts.Registry).ServeHTTP, http.MethodGet))
	mux.Handle("/vault/save", allowMethods(s.handleSave, http.MethodPost))
	mux.Handle("/vault/context", allowMethods(s.handleQuery, http.MethodGet))
	mux.HandleFunc("/", s.handleRoot)

	s.handler = s.wrap(mux)

	slog.Info("HTTP server initialized", "addr", s.opts.Addr, "store", s.svc.Store().Name())
	return nil
}

// wrap applies the middleware shared by every route. Recover sits inside
// AccessLog so a panicking request is still logged and counted as a 500.
func (s *HTTPServer) wrap(h http.Handler) http.Handler {
	return RequestID(AccessLog(s.opts.Logger)(Recover(CORS(s.opts.AllowedOrigins)(h))))
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves until Stop is called.
func (s *HTTPServer) Start() error {
	if s.handler == nil {
		return errortypes.ConfigError(errors.New("server not initialized"), "cannot start server")
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errortypes.ConfigError(err, "failed to listen").WithField("addr", s.opts.Addr)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop is called.
func (s *HTTPServer) Serve(ln net.Listener) error {
	if s.handler == nil {
		return errortypes.ConfigError(errors.New("server not initialized"), "cannot start server")
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
		IdleTimeout:       s.opts.IdleTimeout,
	}

	s.mu.Lock()
	s.srv = srv
	s.listener = ln
	s.mu.Unlock()

	slog.Info("Starting HTTP server", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errortypes.InternalError(err, "http server failed")
	}
	return nil
}

// Addr returns the bound listener address once serving, or the configured one.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

// Stop shuts the server down gracefully within the shutdown timeout.
func (s *HTTPServer) Stop() error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	slog.Info("Stopping HTTP server")
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return errortypes.InternalError(err, "http server shutdown failed")
	}
	return nil
}

func (s *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		WriteError(w, fmt.Errorf("no route for %s", r.URL.Path), http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		WriteError(w, fmt.Errorf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, tools.ServiceInfo{
		Message:   "Context Vault API",
		Version:   vault.Version,
		Endpoints: []string{"/vault/save", "/vault/context"},
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := vault.CreateHealthReport(s.svc)
	if err != nil {
		HandleError(w, errortypes.InternalError(err, "failed to build health report"))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleSave(w http.ResponseWriter, r *http.Request) {
	var req tools.SaveContextRequest
	if err := decodeBody(w, r, s.opts.MaxBodyBytes, &req); err != nil {
		s.svc.RecordRejected(vault.OperationSave)
		HandleError(w, err)
		return
	}

	rec, err := s.svc.Save(r.Context(), req)
	if err != nil {
		HandleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tools.NewSaveContextResponse(rec))
}

func (s *HTTPServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := vault.ParseLimit(q.Get("limit"))
	if err != nil {
		s.svc.RecordRejected(vault.OperationQuery)
		HandleError(w, err)
		return
	}

	rows, err := s.svc.Query(r.Context(), tools.QueryContextRequest{
		UserID:      q.Get("user_id"),
		ContextType: q.Get("context_type"),
		Limit:       limit,
	})
	if err != nil {
		HandleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tools.NewQueryContextResponse(rows))
}

// decodeBody reads a single JSON object into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errortypes.ValidationError(err, "request body too large").WithField("max_bytes", maxBytes)
		}
		return errortypes.ValidationError(err, "failed to read request body")
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return errortypes.ValidationError(errors.New("request body must be a JSON object"), "invalid request body")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errortypes.ValidationError(err, "invalid request body")
	}
	return nil
}

// writeJSON encodes v before writing anything so an encoding failure can
// still produce a 500 body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		HandleError(w, errortypes.InternalError(err, "failed to encode response"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

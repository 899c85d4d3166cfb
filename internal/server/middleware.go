package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/localrivet/contextvault/internal/errortypes"
	"github.com/localrivet/contextvault/internal/logger"
	"github.com/localrivet/contextvault/internal/telemetry"
	"github.com/localrivet/contextvault/internal/util"
)

const (
	corsAllowMethods = "GET, POST, OPTIONS"
	corsAllowHeaders = "Content-Type, Authorization, X-Request-Id"
	corsMaxAge       = "600"
)

// RequestID takes the client's X-Request-Id when usable, generates one
// otherwise, and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := util.RequestIDOrNew(r.Header.Get(util.RequestIDHeader))
		w.Header().Set(util.RequestIDHeader, rid)
		next.ServeHTTP(w, r.WithContext(util.WithRequestID(r.Context(), rid)))
	})
}

// AccessLog logs one line per request and feeds the HTTP Prometheus metrics.
func AccessLog(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			lat := time.Since(start)

			route := routeLabel(r.URL.Path)
			telemetry.HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rw.status)).Inc()
			telemetry.HTTPRequestDurationSeconds.WithLabelValues(route).Observe(lat.Seconds())

			entry := log.WithFields(map[string]interface{}{
				"rid":        util.RequestIDFromContext(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     rw.status,
				"bytes":      rw.bytes,
				"latency_ms": lat.Milliseconds(),
			})
			if rw.status >= http.StatusInternalServerError {
				entry.ErrorContext("http", "http_request")
				return
			}
			entry.InfoContext("http", "http_request")
		})
	}
}

// CORS answers preflight requests with 204 and adds the allow headers for
// permitted origins. "*" permits every origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			wildcard = true
		}
		allowed[strings.TrimRight(origin, "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (wildcard || allowed[strings.TrimRight(origin, "/")]) {
				h := w.Header()
				if wildcard {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
				h.Set("Access-Control-Expose-Headers", util.RequestIDHeader)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if w.Header().Get("Access-Control-Allow-Origin") != "" {
					h := w.Header()
					h.Set("Access-Control-Allow-Methods", corsAllowMethods)
					if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
						h.Set("Access-Control-Allow-Headers", reqHeaders)
					} else {
						h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
					}
					h.Set("Access-Control-Max-Age", corsMaxAge)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Recover turns a handler panic into a 500 error body.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				err := errortypes.InternalError(fmt.Errorf("panic: %v", rec), "handler panicked").
					WithField("path", r.URL.Path).
					WithField("rid", util.RequestIDFromContext(r.Context()))
				HandleError(w, err)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// allowMethods rejects any method not listed with a 405 error body.
func allowMethods(h http.HandlerFunc, methods ...string) http.Handler {
	allow := strings.Join(methods, ", ")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, m := range methods {
			if r.Method == m {
				h(w, r)
				return
			}
		}
		w.Header().Set("Allow", allow)
		WriteError(w, fmt.Errorf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
	})
}

// routeLabel bounds the route label cardinality to the known routes.
func routeLabel(path string) string {
	switch path {
	case "/", "/health", "/metrics", "/vault/save", "/vault/context":
		return path
	}
	return "other"
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

package telemetry

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "contextvault_http_requests_total", Help: "HTTP requests by route, method and status"},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "contextvault_http_request_duration_seconds", Help: "HTTP request latency by route", Buckets: prometheus.DefBuckets},
		[]string{"route"},
	)
	StoreCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "contextvault_store_calls_total", Help: "Store calls by backend, operation and outcome"},
		[]string{"backend", "operation", "outcome"},
	)
	StoreCallDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "contextvault_store_call_duration_seconds", Help: "Store call latency by backend and operation", Buckets: prometheus.DefBuckets},
		[]string{"backend", "operation"},
	)
	ValidationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "contextvault_validation_errors_total", Help: "Rejected requests by operation"},
		[]string{"operation"},
	)
	QueryRowsReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "contextvault_query_rows_returned", Help: "Rows returned per query", Buckets: prometheus.ExponentialBuckets(1, 2, 10)},
	)
)

// Init registers the vault collectors plus Go and process collectors on a
// fresh registry.
func Init(logger *slog.Logger) *prometheus.Registry {
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		HTTPRequestsTotal, HTTPRequestDurationSeconds,
		StoreCallsTotal, StoreCallDurationSeconds,
		ValidationErrorsTotal, QueryRowsReturned,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		if err := reg.Register(c); err != nil {
			logger.Warn("Failed to register collector", "error", err)
		}
	}
	logger.Info("Prometheus metrics initialized")
	return reg
}

// Handler exposes reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

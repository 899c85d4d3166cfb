// Package vault implements the context vault gateway: it validates save and
// query requests, maps them onto the store's row format and issues exactly one
// store call per request.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/localrivet/contextvault/internal/contextstore"
	"github.com/localrivet/contextvault/internal/errortypes"
	"github.com/localrivet/contextvault/internal/telemetry"
	"github.com/localrivet/contextvault/internal/tools"
)

// Version is reported by GET / and GET /health.
var Version = "1.0.0"

var emptyObject = json.RawMessage(`{}`)

// Service is the vault gateway. It keeps no state between requests apart from
// metrics.
type Service struct {
	store   contextstore.ContextStore
	metrics *telemetry.MetricsCollector
	logger  *slog.Logger
}

// NewService creates a Service in front of store. A nil metrics collector or
// logger is replaced with a fresh collector and slog.Default().
func NewService(store contextstore.ContextStore, metrics *telemetry.MetricsCollector, logger *slog.Logger) *Service {
	if metrics == nil {
		metrics = telemetry.NewMetricsCollector()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		metrics: metrics,
		logger:  logger,
	}
}

// Store returns the backing store.
func (s *Service) Store() contextstore.ContextStore {
	return s.store
}

// Metrics returns the collector the service records into.
func (s *Service) Metrics() *telemetry.MetricsCollector {
	return s.metrics
}

// Save validates req and inserts one record. Validation failures return
// before the store is contacted.
func (s *Service) Save(ctx context.Context, req tools.SaveContextRequest) (*contextstore.ContextRecord, error) {
	s.metrics.IncrementCounter(telemetry.MetricSaveRequests, 1)

	rec, err := validateSave(req)
	if err != nil {
		s.recordValidationError(OperationSave)
		return nil, err
	}

	s.logger.Debug("Saving context", "user_id", rec.UserID, "context_type", rec.ContextType, "data_bytes", len(rec.ContextData))

	start := time.Now()
	stored, err := s.store.Insert(ctx, rec)
	s.recordStoreCall("insert", telemetry.MetricStoreLatencyInsert, time.Since(start), err)
	if err != nil {
		return nil, storeError(err, "failed to save context").
			WithField("user_id", rec.UserID).
			WithField("context_type", rec.ContextType)
	}
	if stored == nil {
		return nil, errortypes.StoreError(errors.New("store returned no record"), "failed to save context")
	}

	s.metrics.IncrementCounter(telemetry.MetricSaveSuccess, 1)
	s.logger.Info("Saved context", "id", stored.ID, "user_id", stored.UserID, "context_type", stored.ContextType)
	return stored, nil
}

// Query returns up to req.Limit records matching the filters, newest first.
// No match yields an empty, non-nil slice.
func (s *Service) Query(ctx context.Context, req tools.QueryContextRequest) ([]contextstore.ContextRecord, error) {
	s.metrics.IncrementCounter(telemetry.MetricQueryRequests, 1)

	if req.Limit < 0 {
		s.recordValidationError(OperationQuery)
		return nil, errortypes.ValidationError(errors.New("limit must be a positive integer"), "invalid query request").
			WithField("limit", req.Limit)
	}

	filter := contextstore.QueryFilter{
		UserID:      req.UserID,
		ContextType: req.ContextType,
		Limit:       req.Limit,
	}
	filter.Limit = filter.EffectiveLimit()

	s.logger.Debug("Querying context", "user_id", filter.UserID, "context_type", filter.ContextType, "limit", filter.Limit)

	start := time.Now()
	rows, err := s.store.Query(ctx, filter)
	s.recordStoreCall("query", telemetry.MetricStoreLatencyQuery, time.Since(start), err)
	if err != nil {
		return nil, storeError(err, "failed to query context").
			WithField("limit", filter.Limit)
	}
	if rows == nil {
		rows = []contextstore.ContextRecord{}
	}

	s.metrics.IncrementCounter(telemetry.MetricQuerySuccess, 1)
	s.metrics.SetGauge(telemetry.MetricLastQueryRows, float64(len(rows)))
	telemetry.QueryRowsReturned.Observe(float64(len(rows)))
	s.logger.Info("Retrieved context records", "count", len(rows))
	return rows, nil
}

// ParseLimit converts the raw limit query parameter. An empty value selects
// the default; anything other than a positive integer is a validation error.
func ParseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return tools.DefaultQueryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errortypes.ValidationError(err, "limit must be a positive integer").WithField("limit", raw)
	}
	if limit <= 0 {
		return 0, errortypes.ValidationError(errors.New("limit must be greater than zero"), "limit must be a positive integer").
			WithField("limit", raw)
	}
	return limit, nil
}

func validateSave(req tools.SaveContextRequest) (contextstore.NewContextRecord, error) {
	invalid := func(msg string) error {
		return errortypes.ValidationError(errors.New(msg), "invalid save request")
	}

	if strings.TrimSpace(req.UserID) == "" {
		return contextstore.NewContextRecord{}, invalid("user_id is required")
	}
	if strings.TrimSpace(req.ContextType) == "" {
		return contextstore.NewContextRecord{}, invalid("context_type is required")
	}

	data := bytes.TrimSpace(req.ContextData)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return contextstore.NewContextRecord{}, invalid("context_data is required")
	}
	if !json.Valid(data) {
		return contextstore.NewContextRecord{}, invalid("context_data must be valid JSON")
	}

	meta := bytes.TrimSpace(req.Metadata)
	if len(meta) == 0 || bytes.Equal(meta, []byte("null")) {
		meta = emptyObject
	} else if meta[0] != '{' || !json.Valid(meta) {
		return contextstore.NewContextRecord{}, invalid("metadata must be a JSON object")
	}

	return contextstore.NewContextRecord{
		UserID:      req.UserID,
		ContextType: req.ContextType,
		ContextData: json.RawMessage(data),
		Metadata:    json.RawMessage(meta),
	}, nil
}

// storeError wraps a backend failure, lifting the upstream status when the
// store answered.
func storeError(err error, message string) *errortypes.AppError {
	appErr := errortypes.StoreError(err, message)

	var statusErr *contextstore.StatusError
	if errors.As(err, &statusErr) {
		appErr.WithField("status_code", statusErr.StatusCode)
		if statusErr.Code != "" {
			appErr.WithField("store_code", statusErr.Code)
		}
	}
	return appErr
}

// Operation names used as metric labels.
const (
	OperationSave  = "save"
	OperationQuery = "query"
)

// RecordRejected counts a request that a transport rejected before it could
// call Save or Query, such as an unreadable body or a malformed limit.
func (s *Service) RecordRejected(operation string) {
	switch operation {
	case OperationSave:
		s.metrics.IncrementCounter(telemetry.MetricSaveRequests, 1)
	case OperationQuery:
		s.metrics.IncrementCounter(telemetry.MetricQueryRequests, 1)
	}
	s.recordValidationError(operation)
}

func (s *Service) recordValidationError(operation string) {
	s.metrics.IncrementCounter(telemetry.MetricValidationErrors, 1)
	telemetry.ValidationErrorsTotal.WithLabelValues(operation).Inc()
}

func (s *Service) recordStoreCall(operation, timer string, elapsed time.Duration, err error) {
	backend := s.store.Name()
	outcome := "success"
	if err != nil {
		outcome = "error"
		s.metrics.IncrementCounter(telemetry.MetricStoreErrors, 1)
	} else {
		s.metrics.RecordTimestamp(telemetry.MetricLastStoreSuccess)
	}

	s.metrics.RecordTimer(timer, elapsed)
	telemetry.StoreCallsTotal.WithLabelValues(backend, operation, outcome).Inc()
	telemetry.StoreCallDurationSeconds.WithLabelValues(backend, operation).Observe(elapsed.Seconds())
}

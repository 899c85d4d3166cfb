package vault

import (
	"fmt"
	"time"

	"github.com/localrivet/contextvault/internal/telemetry"
)

// HealthStatus represents the health status of the gateway
type HealthStatus string

const (
	// StatusHealthy is reported whenever the process is serving requests.
	StatusHealthy HealthStatus = "healthy"
)

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status        HealthStatus       `json:"status"`
	Timestamp     string             `json:"timestamp"`
	Version       string             `json:"version"`
	Store         string             `json:"store"`
	Requests      map[string]int64   `json:"requests"`
	Errors        map[string]int64   `json:"errors"`
	ResponseTimes map[string]float64 `json:"store_response_times_ms"`
	SuccessRate   float64            `json:"success_rate"`
}

// CreateHealthReport builds a liveness report from the service metrics.
// It never contacts the store.
func CreateHealthReport(svc *Service) (*HealthReport, error) {
	if svc == nil {
		return nil, fmt.Errorf("service is nil")
	}

	m := svc.Metrics()
	if m == nil {
		return nil, fmt.Errorf("metrics collector is nil")
	}

	saves := m.GetCounter(telemetry.MetricSaveRequests)
	queries := m.GetCounter(telemetry.MetricQueryRequests)
	succeeded := m.GetCounter(telemetry.MetricSaveSuccess) + m.GetCounter(telemetry.MetricQuerySuccess)

	var successRate float64
	if total := saves + queries; total > 0 {
		successRate = float64(succeeded) / float64(total) * 100.0
	}

	backend := ""
	if svc.Store() != nil {
		backend = svc.Store().Name()
	}

	return &HealthReport{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   Version,
		Store:     backend,
		Requests: map[string]int64{
			"save":  saves,
			"query": queries,
		},
		Errors: map[string]int64{
			"validation": m.GetCounter(telemetry.MetricValidationErrors),
			"store":      m.GetCounter(telemetry.MetricStoreErrors),
		},
		ResponseTimes: map[string]float64{
			"insert": float64(m.GetTimerAverage(telemetry.MetricStoreLatencyInsert)) / float64(time.Millisecond),
			"query":  float64(m.GetTimerAverage(telemetry.MetricStoreLatencyQuery)) / float64(time.Millisecond),
		},
		SuccessRate: successRate,
	}, nil
}

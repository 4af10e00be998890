package http

import (
	"time"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/monitoring"
)

// HandlerMetrics wraps handlers with metrics tracking
type HandlerMetrics struct {
	metrics *monitoring.Metrics
}

// NewHandlerMetrics creates a metrics wrapper
func NewHandlerMetrics(metrics *monitoring.Metrics) *HandlerMetrics {
	return &HandlerMetrics{metrics: metrics}
}

// TrackSessionOperation times a session call. The returned func takes the
// call's error so failures are labelled.
func (hm *HandlerMetrics) TrackSessionOperation(operation string) func(error) {
	start := time.Now()
	return func(err error) {
		if hm == nil {
			return
		}
		status := "success"
		if err != nil {
			status = "error"
		}
		hm.metrics.RecordServiceCall("session_service", operation, status, time.Since(start))
	}
}

package observability

import (
	"context"

	"github.com/routstr/proxy/internal/metrics"
)

// PrometheusHook adapts the proxy's Prometheus metrics to the hook interface.
// This lets other observers (tracing, billing exports) register alongside it
// without the core request path knowing about Prometheus directly.
type PrometheusHook struct {
	metrics *metrics.Metrics
}

// NewPrometheusHook creates a hook that emits events to Prometheus metrics.
func NewPrometheusHook(m *metrics.Metrics) *PrometheusHook {
	return &PrometheusHook{metrics: m}
}

func (h *PrometheusHook) Name() string {
	return "prometheus"
}

// ===============================================
// ReservationHook Implementation
// ===============================================

func (h *PrometheusHook) OnReservationAttempted(ctx context.Context, event ReservationAttemptedEvent) {
	h.metrics.ObserveReservation(event.Model, 0, false, "")
}

func (h *PrometheusHook) OnReservationRejected(ctx context.Context, event ReservationRejectedEvent) {
	h.metrics.ObserveReservation(event.Model, 0, true, event.Reason)
}

// ===============================================
// SettlementHook Implementation
// ===============================================

func (h *PrometheusHook) OnSettled(ctx context.Context, event SettledEvent) {
	h.metrics.ObserveSettlement(event.Model, "settled", event.Duration, event.SettledMsat, event.ReleasedMsat)
}

func (h *PrometheusHook) OnReleased(ctx context.Context, event ReleasedEvent) {
	h.metrics.ObserveSettlement(event.Model, "released", 0, 0, event.ReleasedMsat)
}

// ===============================================
// RefundHook Implementation
// ===============================================

func (h *PrometheusHook) OnRefundRequested(ctx context.Context, event RefundRequestedEvent) {
	// no separate "requested" metric; counted on OnRefundProcessed
}

func (h *PrometheusHook) OnRefundProcessed(ctx context.Context, event RefundProcessedEvent) {
	status := "success"
	if !event.Success {
		status = "failed"
	}
	h.metrics.ObserveRefund(event.Path, status, event.AmountMsat, event.Duration)
}

// ===============================================
// UpstreamHook Implementation
// ===============================================

func (h *PrometheusHook) OnUpstreamCall(ctx context.Context, event UpstreamCallEvent) {
	var err error
	if !event.Success {
		err = &upstreamError{errorType: event.ErrorType}
	}
	h.metrics.ObserveUpstreamCall(event.Provider, event.Model, event.Duration, err)
}

// ===============================================
// DatabaseHook Implementation
// ===============================================

func (h *PrometheusHook) OnDatabaseQuery(ctx context.Context, event DatabaseQueryEvent) {
	h.metrics.ObserveDBQuery(event.Operation, event.Backend, event.Duration)
}

// upstreamError is a minimal error type carrying a pre-classified error kind
// through to metrics.ObserveUpstreamCall's classifier.
type upstreamError struct {
	errorType string
}

func (e *upstreamError) Error() string {
	return e.errorType
}

package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	// Reservation metrics (§4.4 reserve primitive)
	ReservationsTotal        *prometheus.CounterVec
	ReservationsRejectedTotal *prometheus.CounterVec
	ReservationDuration      *prometheus.HistogramVec

	// Settlement metrics (§4.4 settle/release primitives)
	SettlementsTotal      *prometheus.CounterVec
	SettledCostMsatTotal  *prometheus.CounterVec
	SettlementDuration    *prometheus.HistogramVec
	OverReserveMsatTotal  *prometheus.CounterVec

	// Refund metrics (§4.5)
	RefundsTotal       *prometheus.CounterVec
	RefundAmountMsat   *prometheus.CounterVec
	RefundDuration     *prometheus.HistogramVec

	// Upstream call metrics (§4.6, §4.7)
	UpstreamCallsTotal   *prometheus.CounterVec
	UpstreamCallDuration *prometheus.HistogramVec
	UpstreamErrorsTotal  *prometheus.CounterVec
	UpstreamStreamTokens *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerStateChanges *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge

	// Price oracle metrics (§4.2)
	PriceOracleRefreshTotal *prometheus.CounterVec
	PriceOracleStale        prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		ReservationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routstr_reservations_total",
				Help: "Total number of credit reservations attempted",
			},
			[]string{"model"},
		),
		ReservationsRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routstr_reservations_rejected_total",
				Help: "Total number of credit reservations rejected",
			},
			[]string{"model", "reason"},
		),
		ReservationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routstr_reservation_duration_seconds",
				Help:    "Time taken to reserve credit against a credential",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"model"},
		),

		SettlementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routstr_settlements_total",
				Help: "Total number of request settlements",
			},
			[]string{"model", "outcome"},
		),
		SettledCostMsatTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routstr_settled_cost_msat_total",
				Help: "Total settled cost in millisatoshis",
			},
			[]string{"model"},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routstr_settlement_duration_seconds",
				Help:    "Time from request arrival to credit settlement",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),
		OverReserveMsatTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routstr_over_reserve_msat_total",
				Help: "Total msat released back to credentials after settling below the reserved amount",
			},
			[]string{"model"},
		),

		RefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routstr_refunds_total",
				Help: "Total number of refund requests",
			},
			[]string{"status", "path"},
		),
		RefundAmountMsat: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routstr_refund_amount_msat_total",
				Help: "Total refunded amount in millisatoshis",
			},
			[]string{"path"},
		),
		RefundDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routstr_refund_duration_seconds",
				Help:    "Time taken to process a refund",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"path"},
		),

		UpstreamCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routstr_upstream_calls_total",
				Help: "Total number of upstream provider calls",
			},
			[]string{"provider", "model"},
		),
		UpstreamCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routstr_upstream_call_duration_seconds",
				Help:    "Duration of upstream provider calls",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		UpstreamErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routstr_upstream_errors_total",
				Help: "Total number of upstream provider errors",
			},
			[]string{"provider", "model", "error_type"},
		),
		UpstreamStreamTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routstr_upstream_stream_tokens_total",
				Help: "Total tokens observed while tee-parsing streamed completions",
			},
			[]string{"model", "kind"},
		),

		CircuitBreakerStateChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routstr_circuit_breaker_state_changes_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"service", "to_state"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routstr_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "identifier"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "routstr_db_query_duration_seconds",
				Help:    "Database query duration",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "routstr_db_connections_active",
				Help: "Number of active database connections",
			},
		),

		PriceOracleRefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "routstr_price_oracle_refresh_total",
				Help: "Total number of price oracle refresh attempts",
			},
			[]string{"status"},
		),
		PriceOracleStale: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "routstr_price_oracle_stale",
				Help: "1 if the price oracle's last known-good sample is past its staleness window, else 0",
			},
		),
	}
}

// ObserveReservation records a reservation attempt and its outcome.
func (m *Metrics) ObserveReservation(model string, duration time.Duration, rejected bool, reason string) {
	m.ReservationsTotal.WithLabelValues(model).Inc()
	m.ReservationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if rejected {
		m.ReservationsRejectedTotal.WithLabelValues(model, reason).Inc()
	}
}

// ObserveSettlement records a settlement outcome and the msat actually settled.
func (m *Metrics) ObserveSettlement(model, outcome string, duration time.Duration, settledMsat, releasedMsat int64) {
	m.SettlementsTotal.WithLabelValues(model, outcome).Inc()
	m.SettledCostMsatTotal.WithLabelValues(model).Add(float64(settledMsat))
	m.SettlementDuration.WithLabelValues(model).Observe(duration.Seconds())
	if releasedMsat > 0 {
		m.OverReserveMsatTotal.WithLabelValues(model).Add(float64(releasedMsat))
	}
}

// ObserveRefund records a refund operation.
func (m *Metrics) ObserveRefund(path, status string, amountMsat int64, duration time.Duration) {
	m.RefundsTotal.WithLabelValues(status, path).Inc()
	if status == "success" {
		m.RefundAmountMsat.WithLabelValues(path).Add(float64(amountMsat))
	}
	m.RefundDuration.WithLabelValues(path).Observe(duration.Seconds())
}

// ObserveUpstreamCall records an upstream provider call.
func (m *Metrics) ObserveUpstreamCall(provider, model string, duration time.Duration, err error) {
	m.UpstreamCallsTotal.WithLabelValues(provider, model).Inc()
	m.UpstreamCallDuration.WithLabelValues(provider, model).Observe(duration.Seconds())

	if err != nil {
		errorType := classifyErr(err.Error())
		m.UpstreamErrorsTotal.WithLabelValues(provider, model, errorType).Inc()
	}
}

// ObserveStreamTokens records tokens seen while tee-parsing a streamed completion (§9).
func (m *Metrics) ObserveStreamTokens(model, kind string, count int) {
	m.UpstreamStreamTokens.WithLabelValues(model, kind).Add(float64(count))
}

// ObserveCircuitBreakerStateChange records a circuit breaker transition.
func (m *Metrics) ObserveCircuitBreakerStateChange(service, toState string) {
	m.CircuitBreakerStateChanges.WithLabelValues(service, toState).Inc()
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// ObservePriceOracleRefresh records a price oracle refresh attempt.
func (m *Metrics) ObservePriceOracleRefresh(status string) {
	m.PriceOracleRefreshTotal.WithLabelValues(status).Inc()
}

// SetPriceOracleStale marks whether the oracle's last known-good value has
// exceeded its staleness window (§4.2, §9).
func (m *Metrics) SetPriceOracleStale(stale bool) {
	if stale {
		m.PriceOracleStale.Set(1)
		return
	}
	m.PriceOracleStale.Set(0)
}

func classifyErr(errStr string) string {
	lower := strings.ToLower(errStr)
	switch {
	case strings.Contains(lower, "timeout"):
		return "timeout"
	case strings.Contains(lower, "connection"):
		return "connection"
	case strings.Contains(lower, "context canceled"):
		return "canceled"
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "rate_limit"):
		return "rate_limit"
	default:
		return "other"
	}
}

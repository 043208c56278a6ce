package observability

import (
	"context"
	"time"
)

// Hook is the base interface for all observability hooks.
// Implementations can emit events to DataDog, New Relic, OpenTelemetry, etc.
type Hook interface {
	// Name returns the hook's identifier for logging/debugging
	Name() string
}

// ReservationHook receives events from the credit reservation lifecycle (§4.4).
type ReservationHook interface {
	Hook

	// OnReservationAttempted is called when a request attempts to reserve credit.
	OnReservationAttempted(ctx context.Context, event ReservationAttemptedEvent)

	// OnReservationRejected is called when a reservation is rejected.
	OnReservationRejected(ctx context.Context, event ReservationRejectedEvent)
}

// SettlementHook receives events from the settlement/release lifecycle (§4.4, §4.7).
type SettlementHook interface {
	Hook

	// OnSettled is called when a request settles its reserved credit.
	OnSettled(ctx context.Context, event SettledEvent)

	// OnReleased is called when a reservation is released without settling
	// (upstream transport failure, upstream error status, client disconnect, panic).
	OnReleased(ctx context.Context, event ReleasedEvent)
}

// RefundHook receives events during the refund lifecycle (§4.5).
type RefundHook interface {
	Hook

	// OnRefundRequested is called when a refund is requested.
	OnRefundRequested(ctx context.Context, event RefundRequestedEvent)

	// OnRefundProcessed is called when a refund is processed (success or failure).
	OnRefundProcessed(ctx context.Context, event RefundProcessedEvent)
}

// UpstreamHook receives events from calls to upstream inference providers (§4.6, §4.7).
type UpstreamHook interface {
	Hook

	// OnUpstreamCall is called after an upstream call completes (or fails).
	OnUpstreamCall(ctx context.Context, event UpstreamCallEvent)
}

// DatabaseHook receives events from credit store operations (§4.4).
type DatabaseHook interface {
	Hook

	// OnDatabaseQuery is called for database queries.
	OnDatabaseQuery(ctx context.Context, event DatabaseQueryEvent)
}

// ===============================================
// Event Types
// ===============================================

// ReservationAttemptedEvent is emitted when a request attempts to reserve credit.
type ReservationAttemptedEvent struct {
	Timestamp         time.Time
	RequestID         string
	CredentialFP      string
	Model             string
	MaxCostMsat       int64
	Metadata          map[string]string
}

// ReservationRejectedEvent is emitted when a reservation is rejected.
type ReservationRejectedEvent struct {
	Timestamp    time.Time
	RequestID    string
	CredentialFP string
	Model        string
	Reason       string // "insufficient_balance", "model_not_found", "pricing_not_found"
	Metadata     map[string]string
}

// SettledEvent is emitted when a request settles its reserved credit.
type SettledEvent struct {
	Timestamp      time.Time
	RequestID      string
	CredentialFP   string
	Model          string
	ReservedMsat   int64
	SettledMsat    int64
	ReleasedMsat   int64 // ReservedMsat - SettledMsat, released back to the credential
	Duration       time.Duration // time from ARRIVED to SETTLE
	Streamed       bool
	Metadata       map[string]string
}

// ReleasedEvent is emitted when a reservation is released without settling against
// an upstream response (e.g. upstream transport failure, cancellation before forwarding).
type ReleasedEvent struct {
	Timestamp    time.Time
	RequestID    string
	CredentialFP string
	Model        string
	ReleasedMsat int64
	Reason       string
	Metadata     map[string]string
}

// RefundRequestedEvent is emitted when a refund is requested.
type RefundRequestedEvent struct {
	Timestamp    time.Time
	RefundID     string
	CredentialFP string
	Path         string // "balance", "ephemeral"
	AmountMsat   int64
	Metadata     map[string]string
}

// RefundProcessedEvent is emitted when a refund is processed.
type RefundProcessedEvent struct {
	Timestamp    time.Time
	RefundID     string
	CredentialFP string
	Path         string
	Success      bool
	ErrorReason  string
	AmountMsat   int64
	Duration     time.Duration
	Metadata     map[string]string
}

// UpstreamCallEvent is emitted for calls to upstream inference providers.
type UpstreamCallEvent struct {
	Timestamp time.Time
	Provider  string
	Model     string
	Duration  time.Duration
	Success   bool
	ErrorType string // "timeout", "connection", "canceled", "rate_limit", "other"
	Streamed  bool
	Metadata  map[string]string
}

// DatabaseQueryEvent is emitted for credit store operations.
type DatabaseQueryEvent struct {
	Timestamp time.Time
	Operation string // "reserve", "settle", "release", "credit", "get"
	Backend   string // "postgres", "memory"
	Duration  time.Duration
	Success   bool
	Error     string
	Metadata  map[string]string
}

package observability

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Registry manages a collection of observability hooks.
// It safely dispatches events to all registered hooks with error handling.
type Registry struct {
	reservationHooks []ReservationHook
	settlementHooks  []SettlementHook
	refundHooks      []RefundHook
	upstreamHooks    []UpstreamHook
	databaseHooks    []DatabaseHook
	logger           zerolog.Logger
	mu               sync.RWMutex
}

// NewRegistry creates a new hook registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger: logger,
	}
}

// RegisterReservationHook adds a reservation hook to the registry.
func (r *Registry) RegisterReservationHook(hook ReservationHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reservationHooks = append(r.reservationHooks, hook)
	r.logger.Info().Str("hook", hook.Name()).Msg("registered reservation hook")
}

// RegisterSettlementHook adds a settlement hook to the registry.
func (r *Registry) RegisterSettlementHook(hook SettlementHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settlementHooks = append(r.settlementHooks, hook)
	r.logger.Info().Str("hook", hook.Name()).Msg("registered settlement hook")
}

// RegisterRefundHook adds a refund hook to the registry.
func (r *Registry) RegisterRefundHook(hook RefundHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refundHooks = append(r.refundHooks, hook)
	r.logger.Info().Str("hook", hook.Name()).Msg("registered refund hook")
}

// RegisterUpstreamHook adds an upstream hook to the registry.
func (r *Registry) RegisterUpstreamHook(hook UpstreamHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstreamHooks = append(r.upstreamHooks, hook)
	r.logger.Info().Str("hook", hook.Name()).Msg("registered upstream hook")
}

// RegisterDatabaseHook adds a database hook to the registry.
func (r *Registry) RegisterDatabaseHook(hook DatabaseHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.databaseHooks = append(r.databaseHooks, hook)
	r.logger.Info().Str("hook", hook.Name()).Msg("registered database hook")
}

// ===============================================
// Reservation Hook Dispatchers
// ===============================================

// EmitReservationAttempted dispatches the event to all reservation hooks.
func (r *Registry) EmitReservationAttempted(ctx context.Context, event ReservationAttemptedEvent) {
	r.mu.RLock()
	hooks := r.reservationHooks
	r.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer r.recoverPanic("OnReservationAttempted", hook.Name())
			hook.OnReservationAttempted(ctx, event)
		}()
	}
}

// EmitReservationRejected dispatches the event to all reservation hooks.
func (r *Registry) EmitReservationRejected(ctx context.Context, event ReservationRejectedEvent) {
	r.mu.RLock()
	hooks := r.reservationHooks
	r.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer r.recoverPanic("OnReservationRejected", hook.Name())
			hook.OnReservationRejected(ctx, event)
		}()
	}
}

// ===============================================
// Settlement Hook Dispatchers
// ===============================================

// EmitSettled dispatches the event to all settlement hooks.
func (r *Registry) EmitSettled(ctx context.Context, event SettledEvent) {
	r.mu.RLock()
	hooks := r.settlementHooks
	r.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer r.recoverPanic("OnSettled", hook.Name())
			hook.OnSettled(ctx, event)
		}()
	}
}

// EmitReleased dispatches the event to all settlement hooks.
func (r *Registry) EmitReleased(ctx context.Context, event ReleasedEvent) {
	r.mu.RLock()
	hooks := r.settlementHooks
	r.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer r.recoverPanic("OnReleased", hook.Name())
			hook.OnReleased(ctx, event)
		}()
	}
}

// ===============================================
// Refund Hook Dispatchers
// ===============================================

// EmitRefundRequested dispatches the event to all refund hooks.
func (r *Registry) EmitRefundRequested(ctx context.Context, event RefundRequestedEvent) {
	r.mu.RLock()
	hooks := r.refundHooks
	r.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer r.recoverPanic("OnRefundRequested", hook.Name())
			hook.OnRefundRequested(ctx, event)
		}()
	}
}

// EmitRefundProcessed dispatches the event to all refund hooks.
func (r *Registry) EmitRefundProcessed(ctx context.Context, event RefundProcessedEvent) {
	r.mu.RLock()
	hooks := r.refundHooks
	r.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer r.recoverPanic("OnRefundProcessed", hook.Name())
			hook.OnRefundProcessed(ctx, event)
		}()
	}
}

// ===============================================
// Upstream Hook Dispatchers
// ===============================================

// EmitUpstreamCall dispatches the event to all upstream hooks.
func (r *Registry) EmitUpstreamCall(ctx context.Context, event UpstreamCallEvent) {
	r.mu.RLock()
	hooks := r.upstreamHooks
	r.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer r.recoverPanic("OnUpstreamCall", hook.Name())
			hook.OnUpstreamCall(ctx, event)
		}()
	}
}

// ===============================================
// Database Hook Dispatchers
// ===============================================

// EmitDatabaseQuery dispatches the event to all database hooks.
func (r *Registry) EmitDatabaseQuery(ctx context.Context, event DatabaseQueryEvent) {
	r.mu.RLock()
	hooks := r.databaseHooks
	r.mu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer r.recoverPanic("OnDatabaseQuery", hook.Name())
			hook.OnDatabaseQuery(ctx, event)
		}()
	}
}

// ===============================================
// Error Recovery
// ===============================================

// recoverPanic recovers from panics in hook implementations.
// This ensures one bad hook doesn't crash the entire system.
func (r *Registry) recoverPanic(method, hookName string) {
	if err := recover(); err != nil {
		r.logger.Error().
			Str("hook", hookName).
			Str("method", method).
			Interface("panic", err).
			Msg("observability hook panicked (recovered)")
	}
}

// Package refund implements the balance-drain refund path (§4.5): turning a
// credential's remaining balance_msat into a payout and deleting the row,
// with SHA-256(bearer)-keyed idempotency so a retried client call returns
// the same payout instead of double-spending the wallet.
package refund

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/routstr/proxy/internal/auth"
	"github.com/routstr/proxy/internal/cacheutil"
	"github.com/routstr/proxy/internal/credit"
	"github.com/routstr/proxy/internal/logger"
	"github.com/routstr/proxy/internal/observability"
	"github.com/routstr/proxy/internal/paymentmethod"
	"github.com/routstr/proxy/internal/wallet"
)

// Error kinds the refund path surfaces, matching §7's taxonomy.
var (
	ErrRefundBlocked      = errors.New("refund: in-flight reservation holds credit")
	ErrBalanceTooSmall    = errors.New("refund: balance too small to convert")
	ErrNoBalance          = errors.New("refund: no balance to refund")
	ErrServiceUnavailable = errors.New("refund: wallet or mint unavailable")
	ErrRefundFailed       = errors.New("refund: wallet rejected the payout")
)

// Result is the payout artifact returned to the caller, cached by bearer
// fingerprint for the idempotency window. Exactly one of Token or Recipient
// is set: a minted ecash token when the credential has no refund_address on
// file, or the address payment was pushed to when it does.
type Result struct {
	Token      string
	Recipient  string
	AmountMsat int64
	Unit       string
}

// Handler resolves a bearer to its credential, validates it can be
// refunded, and delegates the payout to the ecash provider.
type Handler struct {
	authenticator *auth.Authenticator
	store         credit.Store
	registry      *paymentmethod.Registry
	obs           *observability.Registry
	ttl           time.Duration

	mu    sync.RWMutex
	cache map[string]cacheutil.CachedValue[Result]
}

// New builds a Handler. ttl is the idempotency cache window (§4.5: "a short
// TTL, minutes").
func New(authenticator *auth.Authenticator, store credit.Store, registry *paymentmethod.Registry, obs *observability.Registry, ttl time.Duration) *Handler {
	return &Handler{
		authenticator: authenticator,
		store:         store,
		registry:      registry,
		obs:           obs,
		ttl:           ttl,
		cache:         make(map[string]cacheutil.CachedValue[Result]),
	}
}

func cacheKey(bearer string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(bearer)))
	return hex.EncodeToString(sum[:])
}

// Refund resolves authHeader's bearer into a credential and pays out its
// remaining balance. A call repeated within the TTL of a prior *successful*
// call returns the cached payout without touching the wallet again; failed
// calls are never cached, so a client can retry past a transient wallet
// outage (§7).
func (h *Handler) Refund(ctx context.Context, authHeader string) (Result, error) {
	bearer, err := extractBearer(authHeader)
	if err != nil {
		return Result{}, err
	}
	key := cacheKey(bearer)

	return cacheutil.ReadThrough(
		&h.mu,
		func(now time.Time) (Result, bool) {
			entry, ok := h.cache[key]
			if !ok || now.Sub(entry.FetchedAt) > h.ttl {
				return Result{}, false
			}
			return entry.Value, true
		},
		func(now time.Time) (Result, error) {
			result, err := h.doRefund(ctx, authHeader)
			if err != nil {
				return Result{}, err
			}
			h.cache[key] = cacheutil.CachedValue[Result]{Value: result, FetchedAt: now}
			return result, nil
		},
	)
}

func (h *Handler) doRefund(ctx context.Context, authHeader string) (Result, error) {
	cred, err := h.authenticator.Authenticate(ctx, authHeader, auth.Options{})
	if err != nil {
		return Result{}, err
	}

	refundID := uuid.New().String()
	start := time.Now()
	h.obs.EmitRefundRequested(ctx, observability.RefundRequestedEvent{
		Timestamp: start, RefundID: refundID, CredentialFP: cred.Fingerprint,
		Path: "balance", AmountMsat: cred.BalanceMsat,
	})

	if cred.ReservedMsat > 0 {
		h.emitProcessed(ctx, refundID, cred.Fingerprint, start, 0, false, "reservation_in_flight")
		return Result{}, ErrRefundBlocked
	}

	unit := cred.RefundCurrency
	if unit == "" {
		unit = credit.UnitMsat
	}

	refundAmount := cred.BalanceMsat
	if unit == credit.UnitSat {
		refundAmount = cred.BalanceMsat / 1000
		if cred.BalanceMsat > 0 && refundAmount <= 0 {
			h.emitProcessed(ctx, refundID, cred.Fingerprint, start, 0, false, "balance_too_small")
			return Result{}, ErrBalanceTooSmall
		}
	}
	if refundAmount <= 0 {
		h.emitProcessed(ctx, refundID, cred.Fingerprint, start, 0, false, "no_balance")
		return Result{}, ErrNoBalance
	}

	provider := h.registry.Get(paymentmethod.TypeECash)
	if provider == nil {
		h.emitProcessed(ctx, refundID, cred.Fingerprint, start, 0, false, "no_ecash_provider")
		return Result{}, ErrServiceUnavailable
	}

	token, err := provider.Refund(ctx, paymentmethod.RefundDestination{
		AmountMsat: cred.BalanceMsat,
		Unit:       wallet.Unit(unit),
		Mint:       cred.RefundMint,
		Address:    cred.RefundAddress,
	})
	if err != nil {
		classified := classifyWalletErr(err)
		h.emitProcessed(ctx, refundID, cred.Fingerprint, start, 0, false, classified.Error())
		return Result{}, classified
	}

	if err := h.store.Delete(ctx, cred.Fingerprint); err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("fingerprint", cred.Fingerprint).
			Msg("refund.credential_delete_failed_after_payout")
	}
	h.emitProcessed(ctx, refundID, cred.Fingerprint, start, cred.BalanceMsat, true, "")

	if cred.RefundAddress != "" {
		return Result{Recipient: cred.RefundAddress, AmountMsat: cred.BalanceMsat, Unit: string(unit)}, nil
	}
	return Result{Token: token, AmountMsat: cred.BalanceMsat, Unit: string(unit)}, nil
}

func (h *Handler) emitProcessed(ctx context.Context, refundID, fingerprint string, start time.Time, amountMsat int64, success bool, reason string) {
	h.obs.EmitRefundProcessed(ctx, observability.RefundProcessedEvent{
		Timestamp: time.Now(), RefundID: refundID, CredentialFP: fingerprint, Path: "balance",
		Success: success, ErrorReason: reason, AmountMsat: amountMsat, Duration: time.Since(start),
	})
}

// classifyWalletErr maps a wallet-level payout failure onto the refund
// path's error kinds. Unavailability is distinct from an outright rejection:
// per §7, the credential row stays intact on wallet/mint unavailability so
// the client can retry.
func classifyWalletErr(err error) error {
	switch {
	case errors.Is(err, wallet.ErrUnavailable):
		return ErrServiceUnavailable
	default:
		return ErrRefundFailed
	}
}

func extractBearer(authHeader string) (string, error) {
	const prefix = "Bearer "
	if authHeader == "" || !strings.HasPrefix(authHeader, prefix) {
		return "", auth.ErrUnauthorized
	}
	bearer := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
	if bearer == "" {
		return "", auth.ErrUnauthorized
	}
	return bearer, nil
}

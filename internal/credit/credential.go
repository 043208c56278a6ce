// Package credit implements the credential store: the persistent mapping of
// credential fingerprint to balance, reservation, and refund metadata, and
// the atomic adjustment primitives that protect it from double-spend and
// leak (spec §3, §4.4).
package credit

import (
	"context"
	"errors"
	"time"
)

// Unit is the refund granularity selected by a credential's bearer (§3).
type Unit string

const (
	UnitSat  Unit = "sat"
	UnitMsat Unit = "msat"
)

// Credential is the persistent row keyed by the SHA-256 fingerprint of a
// bearer secret (§3).
type Credential struct {
	Fingerprint       string
	BalanceMsat       int64
	ReservedMsat      int64
	RefundAddress     string
	RefundMint        string
	RefundCurrency    Unit
	ParentFingerprint string
	CreatedAt         time.Time
	RefundExpiration  *time.Time
}

// NewCredentialOptions carries the fields an Authenticator sets on first
// redemption (§4.1): refund address, mint, currency and expiration, and the
// parent fingerprint. They are applied only when the row is created and are
// never overwritten afterward.
type NewCredentialOptions struct {
	RefundAddress    string
	RefundMint       string
	RefundCurrency   Unit
	ParentFingerprint string
	RefundExpiration *time.Time
}

// ErrNotFound is returned when a fingerprint has no credential row.
var ErrNotFound = errors.New("credit: credential not found")

// ErrInsufficientBalance is returned by Reserve when the credential's
// balance_msat is below the requested amount (§4.4).
var ErrInsufficientBalance = errors.New("credit: insufficient balance")

// Store is the credit store's contract (§4.4). Every mutating method MUST be
// implemented as a single atomic SQL statement (or an equivalent atomic
// operation for non-SQL backends); no read-modify-write in application
// code (I1).
type Store interface {
	// GetOrCreate returns the credential row for fingerprint, creating it
	// with opts if it does not yet exist. The create path and opts are only
	// applied on first creation; an existing row is returned unmodified.
	GetOrCreate(ctx context.Context, fingerprint string, opts NewCredentialOptions) (*Credential, error)

	// Get returns the credential row for fingerprint, or ErrNotFound.
	Get(ctx context.Context, fingerprint string) (*Credential, error)

	// Reserve atomically moves amountMsat from balance_msat to
	// reserved_msat. Returns ErrInsufficientBalance if balance_msat <
	// amountMsat (§4.4, P2).
	Reserve(ctx context.Context, fingerprint string, amountMsat int64) error

	// Settle atomically reduces reserved_msat by reservedAmount and credits
	// balance_msat by (reservedAmount - actualAmount). The store itself
	// clips actualAmount to [0, reservedAmount] before applying it (§4.4,
	// I3, P4).
	Settle(ctx context.Context, fingerprint string, reservedAmount, actualAmount int64) error

	// Release is Settle with actualAmount = 0: the full reservation returns
	// to balance_msat (§4.4).
	Release(ctx context.Context, fingerprint string, reservedAmount int64) error

	// Credit atomically adds amountMsat to balance_msat (top-up, ecash
	// redemption).
	Credit(ctx context.Context, fingerprint string, amountMsat int64) error

	// Delete removes the credential row. Callers MUST ensure
	// reserved_msat = 0 before calling (refund path, §4.5).
	Delete(ctx context.Context, fingerprint string) error
}

// ClipActual clips a settlement's actual cost to [0, reservedAmount], per
// I3/P4: the engine must never charge more than it reserved.
func ClipActual(actual, reserved int64) int64 {
	if actual < 0 {
		return 0
	}
	if actual > reserved {
		return reserved
	}
	return actual
}

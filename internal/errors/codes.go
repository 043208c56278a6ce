package errors

// ErrorCode represents a machine-readable error identifier returned to clients
// of the proxy surface.
type ErrorCode string

// Error kinds.
const (
	// ErrCodeUnauthorized covers a missing or malformed Authorization header.
	ErrCodeUnauthorized ErrorCode = "unauthorized"

	// ErrCodeInvalidToken covers a bearer credential that fails authentication
	// (unknown fingerprint, malformed ecash token, bad signature).
	ErrCodeInvalidToken ErrorCode = "invalid_token"

	// ErrCodeAlreadySpent covers an ephemeral bearer token that has already
	// been redeemed (§4.8).
	ErrCodeAlreadySpent ErrorCode = "already_spent"

	// ErrCodeInsufficientBalance covers a credential whose available balance
	// cannot cover the estimated max cost of the request (§4.3 I2).
	ErrCodeInsufficientBalance ErrorCode = "insufficient_balance"

	// ErrCodeBalanceTooSmall covers a refund or top-up amount that would leave
	// (or create) a balance below the minimum spendable unit.
	ErrCodeBalanceTooSmall ErrorCode = "balance_too_small"

	// ErrCodeModelNotFound covers a model_id absent from the catalog.
	ErrCodeModelNotFound ErrorCode = "model_not_found"

	// ErrCodePricingNotFound covers a model present in the catalog whose
	// upstream provider descriptor cannot be resolved.
	ErrCodePricingNotFound ErrorCode = "pricing_not_found"

	// ErrCodeUpstreamTransport covers a network-level failure reaching the
	// upstream inference provider (dial/timeout/reset).
	ErrCodeUpstreamTransport ErrorCode = "upstream_transport"

	// ErrCodeUpstreamBusiness covers a well-formed error response returned by
	// the upstream provider itself (4xx/5xx with a JSON error body).
	ErrCodeUpstreamBusiness ErrorCode = "upstream_business"

	// ErrCodePaymentServiceUnavailable covers the wallet primitive being
	// unreachable or circuit-broken.
	ErrCodePaymentServiceUnavailable ErrorCode = "payment_service_unavailable"

	// ErrCodeRefundBlocked covers a refund request made while a reservation
	// still holds part of the credential's balance (a request still settling).
	ErrCodeRefundBlocked ErrorCode = "refund_blocked"

	// ErrCodeInternal covers anything else: programmer error, invariant
	// violation, unexpected panic recovery.
	ErrCodeInternal ErrorCode = "internal"
)

// IsRetryable returns whether an error code represents a transient condition
// a client may reasonably retry without changing the request.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeUpstreamTransport, ErrCodePaymentServiceUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the HTTP status code for this error kind, per §6's
// error taxonomy table.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeUnauthorized:
		return 401
	case ErrCodeInvalidToken, ErrCodeAlreadySpent:
		return 400
	case ErrCodeInsufficientBalance, ErrCodeBalanceTooSmall:
		return 402
	case ErrCodeModelNotFound, ErrCodePricingNotFound:
		return 404
	case ErrCodeRefundBlocked:
		return 409
	case ErrCodeUpstreamTransport, ErrCodeUpstreamBusiness:
		return 502
	case ErrCodePaymentServiceUnavailable:
		return 503
	default:
		return 500
	}
}

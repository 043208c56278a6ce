// Package auth implements the Authenticator (§4.1): it resolves a bearer
// credential from the Authorization header into a credential row, either
// by API-key lookup or by redeeming an ecash token.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/routstr/proxy/internal/credit"
	"github.com/routstr/proxy/internal/paymentmethod"
)

// Error kinds the authenticator surfaces, matching §4.1 and §7's taxonomy.
var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrAlreadySpent = errors.New("auth: token already spent")
	ErrMintError    = errors.New("auth: mint error")
)

// Options carries the optional create-time fields a caller may attach to a
// fresh credential (§4.1); ignored when the credential already exists.
type Options struct {
	RefundAddress    string
	RefundExpiration *time.Time
}

// Authenticator resolves a bearer into a credential row.
type Authenticator struct {
	store      credit.Store
	registry   *paymentmethod.Registry
	apiKeyPrefix string
}

// New builds an Authenticator. apiKeyPrefix is the prefix (e.g. "sk-") that
// marks a bearer as a long-lived API key rather than an ecash token.
func New(store credit.Store, registry *paymentmethod.Registry, apiKeyPrefix string) *Authenticator {
	return &Authenticator{store: store, registry: registry, apiKeyPrefix: apiKeyPrefix}
}

// Fingerprint computes the credential key for an ecash bearer (§3, §4.1).
func Fingerprint(bearer string) string {
	sum := sha256.Sum256([]byte(bearer))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves the Authorization header's bearer value into a
// credential row, redeeming an ecash token on first sight (§4.1).
func (a *Authenticator) Authenticate(ctx context.Context, authHeader string, opts Options) (*credit.Credential, error) {
	bearer, err := extractBearer(authHeader)
	if err != nil {
		return nil, err
	}

	if a.apiKeyPrefix != "" && strings.HasPrefix(bearer, a.apiKeyPrefix) {
		fingerprint := strings.TrimPrefix(bearer, a.apiKeyPrefix)
		if fingerprint == "" {
			return nil, ErrUnauthorized
		}
		cred, err := a.store.Get(ctx, fingerprint)
		if errors.Is(err, credit.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		if err != nil {
			return nil, err
		}
		return cred, nil
	}

	return a.authenticateEcash(ctx, bearer, opts)
}

func (a *Authenticator) authenticateEcash(ctx context.Context, bearer string, opts Options) (*credit.Credential, error) {
	provider := a.registry.Detect(bearer)
	if provider == nil {
		return nil, ErrInvalidToken
	}

	fingerprint := Fingerprint(bearer)
	cred, err := a.store.GetOrCreate(ctx, fingerprint, credit.NewCredentialOptions{
		RefundAddress:    opts.RefundAddress,
		RefundExpiration: opts.RefundExpiration,
	})
	if err != nil {
		return nil, err
	}

	redeemed, err := provider.Redeem(ctx, bearer)
	if err != nil {
		switch {
		case errors.Is(err, paymentmethod.ErrNotImplemented):
			return nil, ErrInvalidToken
		default:
			return nil, classifyRedeemError(err)
		}
	}

	if err := a.store.Credit(ctx, fingerprint, redeemed.AmountMsat); err != nil {
		return nil, err
	}

	return a.store.Get(ctx, fingerprint)
}

// classifyRedeemError maps a wallet-level redemption failure onto the
// authenticator's error kinds; unrecognized errors are treated as mint
// errors since they are retryable upstream (§4.1).
func classifyRedeemError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already spent") || strings.Contains(msg, "already_spent"):
		return ErrAlreadySpent
	case strings.Contains(msg, "invalid"):
		return ErrInvalidToken
	default:
		return ErrMintError
	}
}

func extractBearer(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrUnauthorized
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return "", ErrUnauthorized
	}
	bearer := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
	if bearer == "" {
		return "", ErrUnauthorized
	}
	return bearer, nil
}

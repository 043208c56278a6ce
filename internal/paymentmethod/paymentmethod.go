// Package paymentmethod implements the tagged-variant payment method
// registry supplementing §6's single ecash wallet contract: the bearer on
// the wire is detected, validated, and redeemed through the provider that
// claims it, which keeps the door open for methods beyond ecash without
// touching the authenticator.
package paymentmethod

import (
	"context"
	"errors"
	"strings"

	"github.com/routstr/proxy/internal/wallet"
)

// Type identifies a payment method variant.
type Type string

const (
	TypeECash      Type = "ecash"
	TypeLightning  Type = "lightning"
	TypeOnChain    Type = "bitcoin_onchain"
	TypeStablecoin Type = "tether"
)

// ErrNotImplemented is returned by variants that are registered for
// discovery but carry no working redemption path. The top-up handler reports
// it to the client as invalid_token (HTTP 400); no 501 status is returned.
var ErrNotImplemented = errors.New("paymentmethod: not implemented")

// Token is a parsed bearer ready for redemption.
type Token struct {
	Raw        string
	AmountMsat int64
	Unit       wallet.Unit
	Mint       string
	Method     Type
}

// RefundDestination is the information needed to pay a refund out for a
// method that was redeemed under a given Token.
type RefundDestination struct {
	AmountMsat int64
	Unit       wallet.Unit
	Mint       string
	Address    string
}

// Provider is one payment method's redemption/refund/balance logic.
type Provider interface {
	Type() Type

	// Validate reports whether token belongs to this provider's format.
	Validate(token string) bool

	// Redeem credits the token's value and reports how much was redeemed.
	Redeem(ctx context.Context, token string) (Token, error)

	// Refund pays dest out through this provider's rail, returning a
	// bearer artifact when the rail mints one (e.g. ecash), or empty
	// string for an out-of-band payout (e.g. Lightning address).
	Refund(ctx context.Context, dest RefundDestination) (string, error)

	// CheckBalanceSufficiency reports whether token currently covers
	// requiredMsat without redeeming it.
	CheckBalanceSufficiency(ctx context.Context, token string, requiredMsat int64) (bool, error)
}

// Registry dispatches a bearer token to the provider that claims it, in
// registration order. Ecash is registered first since it is the common
// case and its format check is cheap (§4.1).
type Registry struct {
	order     []Type
	providers map[Type]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[Type]Provider)}
}

// Register adds provider, appending it to detection order if new.
func (r *Registry) Register(p Provider) {
	if _, exists := r.providers[p.Type()]; !exists {
		r.order = append(r.order, p.Type())
	}
	r.providers[p.Type()] = p
}

// Get returns the provider for typ, or nil if unregistered.
func (r *Registry) Get(typ Type) Provider {
	return r.providers[typ]
}

// Detect returns the first registered provider whose Validate accepts
// token, or nil if none matches.
func (r *Registry) Detect(token string) Provider {
	for _, typ := range r.order {
		if p := r.providers[typ]; p.Validate(token) {
			return p
		}
	}
	return nil
}

// SupportedMethods lists every registered type in detection order.
func (r *Registry) SupportedMethods() []Type {
	out := make([]Type, len(r.order))
	copy(out, r.order)
	return out
}

// ECashProvider redeems and refunds via the wallet primitive (§6). This is
// the only fully working provider; the rest are registered for catalog
// completeness and return ErrNotImplemented.
type ECashProvider struct {
	w wallet.Wallet
}

// NewECashProvider wraps w as the ecash payment method.
func NewECashProvider(w wallet.Wallet) *ECashProvider {
	return &ECashProvider{w: w}
}

func (p *ECashProvider) Type() Type { return TypeECash }

// Validate recognizes the standard Cashu token prefixes.
func (p *ECashProvider) Validate(token string) bool {
	return strings.HasPrefix(token, "cashuA") || strings.HasPrefix(token, "cashuB")
}

func (p *ECashProvider) Redeem(ctx context.Context, token string) (Token, error) {
	amount, unit, mint, err := p.w.Receive(ctx, token)
	if err != nil {
		return Token{}, err
	}
	return Token{Raw: token, AmountMsat: amount, Unit: unit, Mint: mint, Method: TypeECash}, nil
}

func (p *ECashProvider) Refund(ctx context.Context, dest RefundDestination) (string, error) {
	if dest.Address != "" {
		return "", p.w.SendToAddress(ctx, dest.AmountMsat, dest.Unit, dest.Mint, dest.Address)
	}
	return p.w.Send(ctx, dest.AmountMsat, dest.Unit, dest.Mint)
}

func (p *ECashProvider) CheckBalanceSufficiency(ctx context.Context, token string, requiredMsat int64) (bool, error) {
	amount, _, _, err := p.w.Receive(ctx, token)
	if err != nil {
		return false, err
	}
	return amount >= requiredMsat, nil
}

// unimplementedProvider backs the payment rails this deployment advertises
// in its catalog but has not wired a settlement backend for yet.
type unimplementedProvider struct {
	typ       Type
	validates func(string) bool
}

func (p *unimplementedProvider) Type() Type { return p.typ }

func (p *unimplementedProvider) Validate(token string) bool {
	if p.validates == nil {
		return false
	}
	return p.validates(token)
}

func (p *unimplementedProvider) Redeem(ctx context.Context, token string) (Token, error) {
	return Token{}, ErrNotImplemented
}

func (p *unimplementedProvider) Refund(ctx context.Context, dest RefundDestination) (string, error) {
	return "", ErrNotImplemented
}

func (p *unimplementedProvider) CheckBalanceSufficiency(ctx context.Context, token string, requiredMsat int64) (bool, error) {
	return false, ErrNotImplemented
}

// NewLightningProvider recognizes bolt11 invoices but has no settlement
// backend in this deployment.
func NewLightningProvider() Provider {
	return &unimplementedProvider{
		typ: TypeLightning,
		validates: func(token string) bool {
			return strings.HasPrefix(strings.ToLower(token), "lnbc")
		},
	}
}

// NewOnChainProvider is a placeholder entry for a future on-chain rail.
func NewOnChainProvider() Provider {
	return &unimplementedProvider{typ: TypeOnChain}
}

// NewStablecoinProvider is a placeholder entry for a future stablecoin rail.
func NewStablecoinProvider() Provider {
	return &unimplementedProvider{typ: TypeStablecoin}
}

// DefaultRegistry builds the registry this deployment runs with: ecash
// backed by w, the rest advertised but inert.
func DefaultRegistry(w wallet.Wallet) *Registry {
	r := NewRegistry()
	r.Register(NewECashProvider(w))
	r.Register(NewLightningProvider())
	r.Register(NewOnChainProvider())
	r.Register(NewStablecoinProvider())
	return r
}

// Package wallet implements the HTTP client for the external ecash wallet
// primitive (spec §6): redeeming a bearer token into credit, and minting a
// bearer token or an out-of-band payout from credit.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/routstr/proxy/internal/circuitbreaker"
	"github.com/routstr/proxy/internal/config"
	"github.com/routstr/proxy/internal/httputil"
	"github.com/routstr/proxy/internal/rpcutil"
)

// Error kinds returned by Receive, matching the wallet primitive contract.
var (
	ErrAlreadySpent = errors.New("wallet: token already spent")
	ErrInvalid      = errors.New("wallet: invalid token")
	ErrMintError    = errors.New("wallet: mint error")
	ErrUnavailable  = errors.New("wallet: service unavailable")
)

// Unit mirrors credit.Unit without importing it, to keep this package
// independent of the credential schema.
type Unit string

const (
	UnitSat  Unit = "sat"
	UnitMsat Unit = "msat"
)

// Wallet is the contract an Authenticator, proxy engine, and refund path use
// to move value in and out of a credential (§6).
type Wallet interface {
	// Receive redeems token, returning the amount and mint it was drawn
	// against.
	Receive(ctx context.Context, token string) (amountMsat int64, unit Unit, mint string, err error)

	// Send mints a new bearer token worth amountMsat against mint.
	Send(ctx context.Context, amountMsat int64, unit Unit, mint string) (token string, err error)

	// SendToAddress pays amountMsat out to address (e.g. a Lightning
	// address or LNURL) with no bearer artifact returned.
	SendToAddress(ctx context.Context, amountMsat int64, unit Unit, mint, address string) error
}

// HTTPWallet talks to the wallet service over HTTP, isolated behind a
// circuit breaker so a wedged mint cannot stall every request thread (§5).
type HTTPWallet struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.Manager
}

// New constructs an HTTPWallet from configuration. cb may be nil, in which
// case calls are made directly without breaker isolation (used by tests).
func New(cfg config.WalletConfig, cb *circuitbreaker.Manager) *HTTPWallet {
	return &HTTPWallet{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  httputil.NewClient(cfg.Timeout.Duration),
		breaker: cb,
	}
}

type receiveRequest struct {
	Token string `json:"token"`
}

type receiveResponse struct {
	AmountMsat int64  `json:"amount_msat"`
	Unit       Unit   `json:"unit"`
	Mint       string `json:"mint"`
}

func (w *HTTPWallet) Receive(ctx context.Context, token string) (int64, Unit, string, error) {
	var out receiveResponse
	err := w.call(ctx, http.MethodPost, "/receive", receiveRequest{Token: token}, &out)
	if err != nil {
		return 0, "", "", err
	}
	return out.AmountMsat, out.Unit, out.Mint, nil
}

type sendRequest struct {
	AmountMsat int64  `json:"amount_msat"`
	Unit       Unit   `json:"unit"`
	Mint       string `json:"mint"`
}

type sendResponse struct {
	Token string `json:"token"`
}

func (w *HTTPWallet) Send(ctx context.Context, amountMsat int64, unit Unit, mint string) (string, error) {
	var out sendResponse
	err := w.call(ctx, http.MethodPost, "/send", sendRequest{AmountMsat: amountMsat, Unit: unit, Mint: mint}, &out)
	if err != nil {
		return "", err
	}
	return out.Token, nil
}

type sendToAddressRequest struct {
	AmountMsat int64  `json:"amount_msat"`
	Unit       Unit   `json:"unit"`
	Mint       string `json:"mint"`
	Address    string `json:"address"`
}

func (w *HTTPWallet) SendToAddress(ctx context.Context, amountMsat int64, unit Unit, mint, address string) error {
	return w.call(ctx, http.MethodPost, "/send_to_address", sendToAddressRequest{
		AmountMsat: amountMsat, Unit: unit, Mint: mint, Address: address,
	}, nil)
}

type walletErrorBody struct {
	Error string `json:"error"`
}

func (w *HTTPWallet) call(ctx context.Context, method, path string, body, out interface{}) error {
	do := func() (interface{}, error) {
		return rpcutil.WithRetry(ctx, func() (interface{}, error) {
			return nil, w.doRequest(ctx, method, path, body, out)
		})
	}

	var err error
	if w.breaker != nil {
		_, err = w.breaker.Execute(circuitbreaker.ServiceWallet, do)
	} else {
		_, err = do()
	}
	if err != nil {
		if errors.Is(err, ErrAlreadySpent) || errors.Is(err, ErrInvalid) || errors.Is(err, ErrMintError) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (w *HTTPWallet) doRequest(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode wallet request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, w.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build wallet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("wallet request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode wallet response: %w", err)
		}
		return nil
	}

	var errBody walletErrorBody
	_ = json.NewDecoder(resp.Body).Decode(&errBody)
	switch errBody.Error {
	case "already_spent":
		return ErrAlreadySpent
	case "invalid":
		return ErrInvalid
	case "mint_error":
		return ErrMintError
	default:
		return fmt.Errorf("wallet: unexpected status %d: %s", resp.StatusCode, errBody.Error)
	}
}

package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routstr/proxy/internal/config"
)

func newTestWallet(t *testing.T, handler http.HandlerFunc) (*HTTPWallet, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	w := New(config.WalletConfig{
		BaseURL: srv.URL,
		Timeout: config.Duration{Duration: 5 * time.Second},
	}, nil)
	return w, srv.Close
}

func TestHTTPWallet_Receive(t *testing.T) {
	w, closeFn := newTestWallet(t, func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/receive", r.URL.Path)
		var req receiveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "cashuAtoken", req.Token)
		_ = json.NewEncoder(rw).Encode(receiveResponse{AmountMsat: 21000, Unit: UnitSat, Mint: "https://mint.example"})
	})
	defer closeFn()

	amount, unit, mint, err := w.Receive(context.Background(), "cashuAtoken")
	require.NoError(t, err)
	assert.Equal(t, int64(21000), amount)
	assert.Equal(t, UnitSat, unit)
	assert.Equal(t, "https://mint.example", mint)
}

func TestHTTPWallet_ReceiveAlreadySpent(t *testing.T) {
	w, closeFn := newTestWallet(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(rw).Encode(walletErrorBody{Error: "already_spent"})
	})
	defer closeFn()

	_, _, _, err := w.Receive(context.Background(), "spent-token")
	assert.ErrorIs(t, err, ErrAlreadySpent)
}

func TestHTTPWallet_ReceiveMintError(t *testing.T) {
	w, closeFn := newTestWallet(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(rw).Encode(walletErrorBody{Error: "mint_error"})
	})
	defer closeFn()

	_, _, _, err := w.Receive(context.Background(), "token")
	assert.ErrorIs(t, err, ErrMintError)
}

func TestHTTPWallet_Send(t *testing.T) {
	w, closeFn := newTestWallet(t, func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/send", r.URL.Path)
		_ = json.NewEncoder(rw).Encode(sendResponse{Token: "cashuBnewtoken"})
	})
	defer closeFn()

	token, err := w.Send(context.Background(), 1000, UnitMsat, "https://mint.example")
	require.NoError(t, err)
	assert.Equal(t, "cashuBnewtoken", token)
}

func TestHTTPWallet_SendToAddress(t *testing.T) {
	w, closeFn := newTestWallet(t, func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/send_to_address", r.URL.Path)
		rw.WriteHeader(http.StatusOK)
	})
	defer closeFn()

	err := w.SendToAddress(context.Background(), 1000, UnitSat, "https://mint.example", "user@getalby.com")
	assert.NoError(t, err)
}

func TestHTTPWallet_Unavailable(t *testing.T) {
	w := New(config.WalletConfig{
		BaseURL: "http://127.0.0.1:1", // nothing listens here
		Timeout: config.Duration{Duration: time.Second},
	}, nil)

	_, _, _, err := w.Receive(context.Background(), "token")
	assert.ErrorIs(t, err, ErrUnavailable)
}

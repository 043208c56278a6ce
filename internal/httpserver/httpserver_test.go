package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routstr/proxy/internal/auth"
	"github.com/routstr/proxy/internal/catalog"
	"github.com/routstr/proxy/internal/config"
	"github.com/routstr/proxy/internal/credit"
	"github.com/routstr/proxy/internal/ephemeral"
	"github.com/routstr/proxy/internal/logger"
	"github.com/routstr/proxy/internal/observability"
	"github.com/routstr/proxy/internal/paymentmethod"
	"github.com/routstr/proxy/internal/proxyengine"
	"github.com/routstr/proxy/internal/refund"
	"github.com/routstr/proxy/internal/upstream"
	"github.com/routstr/proxy/internal/wallet"
)

type fakeWallet struct {
	receiveAmount int64
	receiveErr    error
	sendCalls     int
}

func (f *fakeWallet) Receive(ctx context.Context, token string) (int64, wallet.Unit, string, error) {
	if f.receiveErr != nil {
		return 0, "", "", f.receiveErr
	}
	return f.receiveAmount, wallet.UnitMsat, "mint.example", nil
}
func (f *fakeWallet) Send(ctx context.Context, amountMsat int64, unit wallet.Unit, mint string) (string, error) {
	f.sendCalls++
	return "cashuBrefundtoken", nil
}
func (f *fakeWallet) SendToAddress(ctx context.Context, amountMsat int64, unit wallet.Unit, mint, address string) error {
	f.sendCalls++
	return nil
}

func buildTestHandlers(t *testing.T, fw *fakeWallet) *handlers {
	t.Helper()
	store := credit.NewMemoryStore(nil)
	registry := paymentmethod.DefaultRegistry(fw)
	authenticator := auth.New(store, registry, "sk-")
	obs := observability.NewRegistry(zerolog.Nop())
	refundHandler := refund.New(authenticator, store, registry, obs, time.Minute)

	return &handlers{
		cfg:           &config.Config{},
		authenticator: authenticator,
		store:         store,
		registry:      registry,
		refund:        refundHandler,
		logger:        zerolog.Nop(),
	}
}

func TestBalanceCreate_RedeemsTokenIntoNewCredential(t *testing.T) {
	h := buildTestHandlers(t, &fakeWallet{receiveAmount: 5000})
	req := httptest.NewRequest(http.MethodGet, "/v1/balance/create?initial_balance_token=cashuAabc", nil)
	rec := httptest.NewRecorder()

	h.balanceCreate(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, strings.HasPrefix(body["api_key"].(string), "sk-"))
	assert.Equal(t, float64(5000), body["balance"])
}

func TestBalanceInfo_ReturnsBalanceAndReserved(t *testing.T) {
	h := buildTestHandlers(t, &fakeWallet{receiveAmount: 5000})
	fp := auth.Fingerprint("cashuAabc")
	_, err := h.store.GetOrCreate(context.Background(), fp, credit.NewCredentialOptions{})
	require.NoError(t, err)
	require.NoError(t, h.store.Credit(context.Background(), fp, 5000))
	require.NoError(t, h.store.Reserve(context.Background(), fp, 1000))

	req := httptest.NewRequest(http.MethodGet, "/v1/balance/info", nil)
	req.Header.Set("Authorization", "Bearer sk-"+fp)
	rec := httptest.NewRecorder()

	h.balanceInfo(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(5000), body["balance"])
	assert.Equal(t, float64(1000), body["reserved"])
}

func TestBalanceTopup_CreditsExistingCredential(t *testing.T) {
	h := buildTestHandlers(t, &fakeWallet{receiveAmount: 2000})
	fp := auth.Fingerprint("cashuAabc")
	_, err := h.store.GetOrCreate(context.Background(), fp, credit.NewCredentialOptions{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/balance/topup", strings.NewReader(`{"cashu_token":"cashuBfresh"}`))
	req.Header.Set("Authorization", "Bearer sk-"+fp)
	rec := httptest.NewRecorder()

	h.balanceTopup(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(2000), body["msats"])

	cred, err := h.store.Get(context.Background(), fp)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), cred.BalanceMsat)
}

func TestBalanceRefund_PaysOutAndClearsCredential(t *testing.T) {
	h := buildTestHandlers(t, &fakeWallet{})
	fp := auth.Fingerprint("cashuAabc")
	_, err := h.store.GetOrCreate(context.Background(), fp, credit.NewCredentialOptions{})
	require.NoError(t, err)
	require.NoError(t, h.store.Credit(context.Background(), fp, 5000))

	req := httptest.NewRequest(http.MethodPost, "/v1/balance/refund", nil)
	req.Header.Set("Authorization", "Bearer sk-"+fp)
	rec := httptest.NewRecorder()

	h.balanceRefund(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "cashuBrefundtoken", body["token"])

	_, err = h.store.Get(context.Background(), fp)
	assert.ErrorIs(t, err, credit.ErrNotFound)
}

func TestBalanceRefund_BlockedWhileReserved(t *testing.T) {
	h := buildTestHandlers(t, &fakeWallet{})
	fp := auth.Fingerprint("cashuAabc")
	_, err := h.store.GetOrCreate(context.Background(), fp, credit.NewCredentialOptions{})
	require.NoError(t, err)
	require.NoError(t, h.store.Credit(context.Background(), fp, 5000))
	require.NoError(t, h.store.Reserve(context.Background(), fp, 1000))

	req := httptest.NewRequest(http.MethodPost, "/v1/balance/refund", nil)
	req.Header.Set("Authorization", "Bearer sk-"+fp)
	rec := httptest.NewRecorder()

	h.balanceRefund(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func buildTestCatalog(t *testing.T, upstreamURL string) *catalog.Catalog {
	t.Helper()
	c := catalog.New()
	dir := t.TempDir()
	path := dir + "/seed.json"
	seed := strings.ReplaceAll(`{
		"models": [{"id": "m", "upstream_provider_id": "p", "context_length": 100000, "prompt_msat_per_token": 1, "completion_msat_per_token": 2}],
		"providers": [{"id": "p", "type": "openai_compatible", "base_url": "__UPSTREAM__", "api_key": "upstream-key"}]
	}`, "__UPSTREAM__", upstreamURL)
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))
	require.NoError(t, c.LoadFile(path))
	return c
}

func TestProxyDispatch_RoutesEphemeralRequestsByXCashuHeader(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"model":"m","usage":{"prompt_tokens":10,"completion_tokens":10}}`))
	}))
	defer upstreamSrv.Close()

	fw := &fakeWallet{receiveAmount: 5000}
	c := buildTestCatalog(t, upstreamSrv.URL)
	registry := paymentmethod.DefaultRegistry(fw)
	upstreamRouter := upstream.New(c, config.UpstreamConfig{BaseURL: upstreamSrv.URL, APIKey: "default-key"})
	client := upstream.NewClient(http.DefaultClient)
	obs := observability.NewRegistry(zerolog.Nop())

	h := &handlers{
		cfg:       &config.Config{},
		logger:    zerolog.Nop(),
		ephemeral: ephemeral.New(registry, c, upstreamRouter, client, nil, obs),
		proxy:     proxyengine.New(nil, c, nil, upstreamRouter, client, nil, obs, nil),
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m"}`))
	req.Header.Set("X-Cashu", "cashuAtoken")
	req = req.WithContext(logger.WithContext(req.Context(), zerolog.Nop()))
	rec := httptest.NewRecorder()

	h.proxyDispatch(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cashuBrefundtoken", rec.Header().Get("X-Cashu"))
}

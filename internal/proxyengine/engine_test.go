package proxyengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routstr/proxy/internal/auth"
	"github.com/routstr/proxy/internal/catalog"
	"github.com/routstr/proxy/internal/config"
	"github.com/routstr/proxy/internal/credit"
	"github.com/routstr/proxy/internal/logger"
	"github.com/routstr/proxy/internal/observability"
	"github.com/routstr/proxy/internal/paymentmethod"
	"github.com/routstr/proxy/internal/upstream"
	"github.com/routstr/proxy/internal/wallet"
)

type fakeWallet struct{}

func (fakeWallet) Receive(ctx context.Context, token string) (int64, wallet.Unit, string, error) {
	return 0, "", "", wallet.ErrInvalid
}
func (fakeWallet) Send(ctx context.Context, amountMsat int64, unit wallet.Unit, mint string) (string, error) {
	return "", nil
}
func (fakeWallet) SendToAddress(ctx context.Context, amountMsat int64, unit wallet.Unit, mint, address string) error {
	return nil
}

func buildEngine(t *testing.T, upstreamURL string) (*Engine, credit.Store, string) {
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

	store := credit.NewMemoryStore(nil)
	registry := paymentmethod.DefaultRegistry(fakeWallet{})
	authenticator := auth.New(store, registry, "sk-")
	router := upstream.New(c, config.UpstreamConfig{BaseURL: upstreamURL, APIKey: "default-key"})
	client := upstream.NewClient(http.DefaultClient)
	obs := observability.NewRegistry(zerolog.Nop())

	const fingerprint = "sk-test-fp"
	_, err := store.GetOrCreate(context.Background(), "test-fp", credit.NewCredentialOptions{})
	require.NoError(t, err)
	require.NoError(t, store.Credit(context.Background(), "test-fp", 10_000_000))

	e := New(authenticator, c, store, router, client, nil, obs, nil)
	return e, store, fingerprint
}

func doRequest(t *testing.T, e *Engine, fingerprint, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+fingerprint)
	req = req.WithContext(logger.WithContext(req.Context(), zerolog.Nop()))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestEngine_HappyPathBufferedSettlement(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"model":"m","usage":{"prompt_tokens":50,"completion_tokens":50}}`))
	}))
	defer upstreamSrv.Close()

	e, store, fp := buildEngine(t, upstreamSrv.URL)
	rec := doRequest(t, e, fp, `{"model":"m"}`)

	assert.Equal(t, http.StatusOK, rec.Code)

	cred, err := store.Get(context.Background(), "test-fp")
	require.NoError(t, err)
	assert.Equal(t, int64(9_999_850), cred.BalanceMsat)
	assert.Equal(t, int64(0), cred.ReservedMsat)
}

func TestEngine_InsufficientBalance(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called when reservation fails")
	}))
	defer upstreamSrv.Close()

	e, store, fp := buildEngine(t, upstreamSrv.URL)
	require.NoError(t, store.Delete(context.Background(), "test-fp"))
	_, err := store.GetOrCreate(context.Background(), "test-fp", credit.NewCredentialOptions{})
	require.NoError(t, err)
	require.NoError(t, store.Credit(context.Background(), "test-fp", 100))

	rec := doRequest(t, e, fp, `{"model":"m"}`)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	cred, err := store.Get(context.Background(), "test-fp")
	require.NoError(t, err)
	assert.Equal(t, int64(100), cred.BalanceMsat)
	assert.Equal(t, int64(0), cred.ReservedMsat)
}

func TestEngine_UpstreamTransportFailureReleases(t *testing.T) {
	e, store, fp := buildEngine(t, "http://127.0.0.1:1")

	rec := doRequest(t, e, fp, `{"model":"m"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	cred, err := store.Get(context.Background(), "test-fp")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), cred.BalanceMsat)
	assert.Equal(t, int64(0), cred.ReservedMsat)
}

func TestEngine_UpstreamBusinessErrorPassesThroughAndReleases(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"oops"}`))
	}))
	defer upstreamSrv.Close()

	e, store, fp := buildEngine(t, upstreamSrv.URL)
	rec := doRequest(t, e, fp, `{"model":"m"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "oops")

	cred, err := store.Get(context.Background(), "test-fp")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), cred.BalanceMsat)
	assert.Equal(t, int64(0), cred.ReservedMsat)
}

func TestEngine_StreamingSettlesOnObservedUsage(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"model\":\"m\",\"choices\":[]}\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
		_, _ = w.Write([]byte("data: {\"model\":\"m\",\"usage\":{\"prompt_tokens\":50,\"completion_tokens\":50}}\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer upstreamSrv.Close()

	e, store, fp := buildEngine(t, upstreamSrv.URL)
	rec := doRequest(t, e, fp, `{"model":"m"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "[DONE]")

	cred, err := store.Get(context.Background(), "test-fp")
	require.NoError(t, err)
	assert.Equal(t, int64(9_999_850), cred.BalanceMsat)
	assert.Equal(t, int64(0), cred.ReservedMsat)
}

func TestEngine_StreamingNoUsageSettlesAtMaxCost(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: {\"model\":\"m\",\"choices\":[]}\n\n"))
	}))
	defer upstreamSrv.Close()

	e, store, fp := buildEngine(t, upstreamSrv.URL)
	rec := doRequest(t, e, fp, `{"model":"m"}`)

	assert.Equal(t, http.StatusOK, rec.Code)

	cred, err := store.Get(context.Background(), "test-fp")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000-200_000), cred.BalanceMsat)
	assert.Equal(t, int64(0), cred.ReservedMsat)
}

func TestEngine_ModelNotFound(t *testing.T) {
	e, _, fp := buildEngine(t, "http://127.0.0.1:1")
	rec := doRequest(t, e, fp, `{"model":"does-not-exist"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEngine_UnauthorizedMissingHeader(t *testing.T) {
	e, _, _ := buildEngine(t, "http://127.0.0.1:1")
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m"}`))
	req = req.WithContext(logger.WithContext(req.Context(), zerolog.Nop()))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

package refund

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rs/zerolog"

	"github.com/routstr/proxy/internal/auth"
	"github.com/routstr/proxy/internal/credit"
	"github.com/routstr/proxy/internal/observability"
	"github.com/routstr/proxy/internal/paymentmethod"
	"github.com/routstr/proxy/internal/wallet"
)

type fakeWallet struct {
	receiveAmount int64
	sendCalls     int
	sendErr       error
}

func (f *fakeWallet) Receive(ctx context.Context, token string) (int64, wallet.Unit, string, error) {
	return f.receiveAmount, wallet.UnitMsat, "mint.example", nil
}
func (f *fakeWallet) Send(ctx context.Context, amountMsat int64, unit wallet.Unit, mint string) (string, error) {
	f.sendCalls++
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "cashuBrefundtoken", nil
}
func (f *fakeWallet) SendToAddress(ctx context.Context, amountMsat int64, unit wallet.Unit, mint, address string) error {
	f.sendCalls++
	return f.sendErr
}

func newHandler(fw *fakeWallet) (*Handler, credit.Store) {
	store := credit.NewMemoryStore(nil)
	registry := paymentmethod.DefaultRegistry(fw)
	authenticator := auth.New(store, registry, "sk-")
	obs := observability.NewRegistry(zerolog.Nop())
	return New(authenticator, store, registry, obs, time.Minute), store
}

func TestRefund_PaysOutAndDeletesCredential(t *testing.T) {
	fw := &fakeWallet{}
	h, store := newHandler(fw)
	fp := auth.Fingerprint("cashuAabc")

	_, err := store.GetOrCreate(context.Background(), fp, credit.NewCredentialOptions{})
	require.NoError(t, err)
	require.NoError(t, store.Credit(context.Background(), fp, 5000))

	result, err := h.Refund(context.Background(), "Bearer sk-"+fp)
	require.NoError(t, err)
	assert.Equal(t, "cashuBrefundtoken", result.Token)
	assert.Equal(t, int64(5000), result.AmountMsat)
	assert.Equal(t, 1, fw.sendCalls)

	_, err = store.Get(context.Background(), fp)
	assert.ErrorIs(t, err, credit.ErrNotFound)
}

func TestRefund_BlockedWhenReserved(t *testing.T) {
	fw := &fakeWallet{}
	h, store := newHandler(fw)
	fp := auth.Fingerprint("cashuAabc")

	_, err := store.GetOrCreate(context.Background(), fp, credit.NewCredentialOptions{})
	require.NoError(t, err)
	require.NoError(t, store.Credit(context.Background(), fp, 5000))
	require.NoError(t, store.Reserve(context.Background(), fp, 1000))

	_, err = h.Refund(context.Background(), "Bearer sk-"+fp)
	assert.ErrorIs(t, err, ErrRefundBlocked)
	assert.Equal(t, 0, fw.sendCalls)
}

func TestRefund_NoBalance(t *testing.T) {
	fw := &fakeWallet{}
	h, store := newHandler(fw)
	fp := auth.Fingerprint("cashuAabc")
	_, err := store.GetOrCreate(context.Background(), fp, credit.NewCredentialOptions{})
	require.NoError(t, err)

	_, err = h.Refund(context.Background(), "Bearer sk-"+fp)
	assert.ErrorIs(t, err, ErrNoBalance)
}

func TestRefund_IsIdempotentWithinTTL(t *testing.T) {
	fw := &fakeWallet{}
	h, store := newHandler(fw)
	fp := auth.Fingerprint("cashuAabc")
	_, err := store.GetOrCreate(context.Background(), fp, credit.NewCredentialOptions{})
	require.NoError(t, err)
	require.NoError(t, store.Credit(context.Background(), fp, 5000))

	first, err := h.Refund(context.Background(), "Bearer sk-"+fp)
	require.NoError(t, err)

	second, err := h.Refund(context.Background(), "Bearer sk-"+fp)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, fw.sendCalls, "second call must not re-invoke the wallet")
}

func TestRefund_WalletUnavailableDoesNotDeleteCredential(t *testing.T) {
	fw := &fakeWallet{sendErr: wallet.ErrUnavailable}
	h, store := newHandler(fw)
	fp := auth.Fingerprint("cashuAabc")
	_, err := store.GetOrCreate(context.Background(), fp, credit.NewCredentialOptions{})
	require.NoError(t, err)
	require.NoError(t, store.Credit(context.Background(), fp, 5000))

	_, err = h.Refund(context.Background(), "Bearer sk-"+fp)
	assert.ErrorIs(t, err, ErrServiceUnavailable)

	cred, getErr := store.Get(context.Background(), fp)
	require.NoError(t, getErr)
	assert.Equal(t, int64(5000), cred.BalanceMsat)
}

func TestRefund_UnauthorizedOnMissingHeader(t *testing.T) {
	h, _ := newHandler(&fakeWallet{})
	_, err := h.Refund(context.Background(), "")
	assert.True(t, errors.Is(err, auth.ErrUnauthorized))
}

package paymentmethod

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routstr/proxy/internal/wallet"
)

type fakeWallet struct {
	amountMsat int64
	unit       wallet.Unit
	mint       string
	receiveErr error
	sent       []int64
	sentToAddr []string
}

func (f *fakeWallet) Receive(ctx context.Context, token string) (int64, wallet.Unit, string, error) {
	if f.receiveErr != nil {
		return 0, "", "", f.receiveErr
	}
	return f.amountMsat, f.unit, f.mint, nil
}

func (f *fakeWallet) Send(ctx context.Context, amountMsat int64, unit wallet.Unit, mint string) (string, error) {
	f.sent = append(f.sent, amountMsat)
	return "cashuBrefund", nil
}

func (f *fakeWallet) SendToAddress(ctx context.Context, amountMsat int64, unit wallet.Unit, mint, address string) error {
	f.sentToAddr = append(f.sentToAddr, address)
	return nil
}

func TestRegistry_DetectsECashByPrefix(t *testing.T) {
	fw := &fakeWallet{amountMsat: 1000, unit: wallet.UnitSat, mint: "https://mint.example"}
	reg := DefaultRegistry(fw)

	p := reg.Detect("cashuAeyJ0b2tlbiI6")
	require.NotNil(t, p)
	assert.Equal(t, TypeECash, p.Type())
}

func TestRegistry_NoMatchForUnknownToken(t *testing.T) {
	reg := DefaultRegistry(&fakeWallet{})
	assert.Nil(t, reg.Detect("not-a-known-token-format"))
}

func TestECashProvider_RedeemAndRefund(t *testing.T) {
	fw := &fakeWallet{amountMsat: 5000, unit: wallet.UnitMsat, mint: "https://mint.example"}
	p := NewECashProvider(fw)

	tok, err := p.Redeem(context.Background(), "cashuAtoken")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), tok.AmountMsat)
	assert.Equal(t, TypeECash, tok.Method)

	out, err := p.Refund(context.Background(), RefundDestination{AmountMsat: 5000, Unit: wallet.UnitMsat, Mint: "https://mint.example"})
	require.NoError(t, err)
	assert.Equal(t, "cashuBrefund", out)
	assert.Equal(t, []int64{5000}, fw.sent)
}

func TestECashProvider_RefundToAddress(t *testing.T) {
	fw := &fakeWallet{}
	p := NewECashProvider(fw)

	out, err := p.Refund(context.Background(), RefundDestination{AmountMsat: 1000, Address: "user@getalby.com"})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, []string{"user@getalby.com"}, fw.sentToAddr)
}

func TestUnimplementedProviders_ReturnNotImplemented(t *testing.T) {
	lightning := NewLightningProvider()
	assert.True(t, lightning.Validate("lnbc1p..."))

	_, err := lightning.Redeem(context.Background(), "lnbc1p...")
	assert.ErrorIs(t, err, ErrNotImplemented)

	_, err = lightning.Refund(context.Background(), RefundDestination{})
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestRegistry_SupportedMethods(t *testing.T) {
	reg := DefaultRegistry(&fakeWallet{})
	assert.Equal(t, []Type{TypeECash, TypeLightning, TypeOnChain, TypeStablecoin}, reg.SupportedMethods())
}

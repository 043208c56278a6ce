package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/routstr/proxy/internal/auth"
	apierrors "github.com/routstr/proxy/internal/errors"
	"github.com/routstr/proxy/internal/paymentmethod"
	"github.com/routstr/proxy/internal/refund"
	"github.com/routstr/proxy/internal/wallet"
	"github.com/routstr/proxy/pkg/responders"
)

// balanceInfo implements GET /v1/balance/info (§6).
func (h *handlers) balanceInfo(w http.ResponseWriter, r *http.Request) {
	cred, err := h.authenticator.Authenticate(r.Context(), r.Header.Get("Authorization"), auth.Options{})
	if err != nil {
		writeAuthError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"api_key":  "sk-" + cred.Fingerprint,
		"balance":  cred.BalanceMsat,
		"reserved": cred.ReservedMsat,
	})
}

// balanceCreate implements GET /v1/balance/create?initial_balance_token=…
// (§6): redeems the token into a brand new credential.
func (h *handlers) balanceCreate(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("initial_balance_token")
	if token == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidToken, "initial_balance_token is required")
		return
	}
	cred, err := h.authenticator.Authenticate(r.Context(), "Bearer "+token, auth.Options{})
	if err != nil {
		writeAuthError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"api_key": "sk-" + cred.Fingerprint,
		"balance": cred.BalanceMsat,
	})
}

type topupRequest struct {
	PaymentData   string `json:"payment_data"`
	PaymentMethod string `json:"payment_method"`
	CashuToken    string `json:"cashu_token"`
}

// balanceTopup implements POST /v1/balance/topup (§6): the Authorization
// header identifies the existing credential, payment_data (or the legacy
// cashu_token) is a fresh bearer redeemed and credited to it.
func (h *handlers) balanceTopup(w http.ResponseWriter, r *http.Request) {
	cred, err := h.authenticator.Authenticate(r.Context(), r.Header.Get("Authorization"), auth.Options{})
	if err != nil {
		writeAuthError(w, err)
		return
	}

	var body topupRequest
	_ = json.NewDecoder(r.Body).Decode(&body)
	paymentData := body.PaymentData
	if paymentData == "" {
		paymentData = body.CashuToken
	}
	if paymentData == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidToken, "payment_data is required")
		return
	}

	provider := h.registry.Detect(paymentData)
	if provider == nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidToken, "unrecognized payment data format")
		return
	}
	redeemed, err := provider.Redeem(r.Context(), paymentData)
	if err != nil {
		writeTopupRedeemError(w, err)
		return
	}
	if err := h.store.Credit(r.Context(), cred.Fingerprint, redeemed.AmountMsat); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternal, "failed to credit balance")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{"msats": redeemed.AmountMsat})
}

func writeTopupRedeemError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, wallet.ErrAlreadySpent):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeAlreadySpent, "payment already processed")
	case errors.Is(err, wallet.ErrUnavailable):
		apierrors.WriteSimpleError(w, apierrors.ErrCodePaymentServiceUnavailable, "mint unavailable")
	case errors.Is(err, paymentmethod.ErrNotImplemented), errors.Is(err, wallet.ErrInvalid):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidToken, "invalid payment data format")
	default:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidToken, "failed to process payment")
	}
}

// balanceRefund implements POST /v1/balance/refund (§6).
func (h *handlers) balanceRefund(w http.ResponseWriter, r *http.Request) {
	result, err := h.refund.Refund(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		writeRefundError(w, err)
		return
	}
	if result.Recipient != "" {
		responders.JSON(w, http.StatusOK, map[string]interface{}{"recipient": result.Recipient})
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{"token": result.Token})
}

func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "unauthorized")
	case errors.Is(err, auth.ErrInvalidToken):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidToken, "invalid token")
	case errors.Is(err, auth.ErrAlreadySpent):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeAlreadySpent, "token already spent")
	case errors.Is(err, auth.ErrMintError):
		apierrors.WriteSimpleError(w, apierrors.ErrCodePaymentServiceUnavailable, "mint unavailable")
	default:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternal, "authentication failed")
	}
}

func writeRefundError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "unauthorized")
	case errors.Is(err, refund.ErrRefundBlocked):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeRefundBlocked, "reservation in flight, try again after it settles")
	case errors.Is(err, refund.ErrBalanceTooSmall):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeBalanceTooSmall, "balance too small to refund")
	case errors.Is(err, refund.ErrNoBalance):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeBalanceTooSmall, "no balance to refund")
	case errors.Is(err, refund.ErrServiceUnavailable):
		apierrors.WriteSimpleError(w, apierrors.ErrCodePaymentServiceUnavailable, "wallet or mint unavailable")
	default:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternal, "refund failed")
	}
}

// Package ephemeral implements the inline-refund variant of the proxy
// engine (§4.8): a per-request ecash bearer carried in X-Cashu rather than
// Authorization. The entire token is redeemed up front, the difference
// between what was redeemed and what the request actually cost is minted
// back as a new token and returned in the response's X-Cashu header.
package ephemeral

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/routstr/proxy/internal/catalog"
	"github.com/routstr/proxy/internal/costmodel"
	apierrors "github.com/routstr/proxy/internal/errors"
	"github.com/routstr/proxy/internal/logger"
	"github.com/routstr/proxy/internal/observability"
	"github.com/routstr/proxy/internal/paymentmethod"
	"github.com/routstr/proxy/internal/priceoracle"
	"github.com/routstr/proxy/internal/upstream"
	"github.com/routstr/proxy/internal/wallet"
)

// ProcessingFeeMsat is withheld from every emergency refund, so a client
// cannot get free inference by sending an upstream a malformed request and
// forcing the cost model to give up (§4.8).
const ProcessingFeeMsat int64 = 2_000

// Engine serves requests authenticated via the X-Cashu header.
type Engine struct {
	registry *paymentmethod.Registry
	catalog  *catalog.Catalog
	router   *upstream.Router
	client   *upstream.Client
	oracle   *priceoracle.Oracle
	obs      *observability.Registry
}

// New builds an ephemeral Engine from its collaborators.
func New(registry *paymentmethod.Registry, cat *catalog.Catalog, router *upstream.Router, client *upstream.Client, oracle *priceoracle.Oracle, obs *observability.Registry) *Engine {
	return &Engine{registry: registry, catalog: cat, router: router, client: client, oracle: oracle, obs: obs}
}

type requestBody struct {
	Model string `json:"model"`
}

// ServeHTTP redeems the X-Cashu bearer, forwards the request, and refunds
// the unused portion in the response's X-Cashu header (§4.8).
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	token := r.Header.Get("X-Cashu")
	if token == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidToken, "missing X-Cashu header")
		return
	}

	provider := e.registry.Detect(token)
	if provider == nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidToken, "unrecognized token format")
		return
	}

	redeemed, err := provider.Redeem(ctx, token)
	if err != nil {
		writeRedeemError(w, err)
		return
	}
	amount, unit, mint := redeemed.AmountMsat, redeemed.Unit, redeemed.Mint

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		e.emergencyRefund(ctx, w, provider, amount, unit, mint, "body_read_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternal, "failed to read request body")
		return
	}
	var body requestBody
	_ = json.Unmarshal(bodyBytes, &body)

	model, err := e.catalog.Model(body.Model)
	if err != nil {
		e.emergencyRefund(ctx, w, provider, amount, unit, mint, "model_not_found")
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeModelNotFound, "model not found", "model", body.Model)
		return
	}

	target := e.router.Resolve(body.Model)
	url := upstream.BuildURL(target, r.URL.Path)
	headers := upstream.PrepareHeaders(r.Header, target)

	dispatchStart := time.Now()
	resp, err := e.client.Dispatch(ctx, r.Method, url, headers, bytes.NewReader(bodyBytes))
	if err != nil {
		e.emitUpstream(ctx, string(target.Provider), body.Model, time.Since(dispatchStart), false, "connection")
		refundToken := e.refund(ctx, provider, amount-ProcessingFeeMsat, unit, mint, "upstream_transport")
		if refundToken != "" {
			w.Header().Set("X-Cashu", refundToken)
		}
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUpstreamTransport, "upstream unreachable")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.emitUpstream(ctx, string(target.Provider), body.Model, time.Since(dispatchStart), false, "other")
		refundToken := e.refund(ctx, provider, amount-ProcessingFeeMsat, unit, mint, "upstream_business")
		passThrough(w, resp, refundToken)
		return
	}
	e.emitUpstream(ctx, string(target.Provider), body.Model, time.Since(dispatchStart), true, "")

	reader := bufio.NewReaderSize(resp.Body, 4096)
	sniff, _ := reader.Peek(512)
	isSSE := upstream.IsStreaming(resp.Header, sniff)

	full, _ := io.ReadAll(reader)

	var satsPerUSD float64
	if e.oracle != nil {
		if sats, err := e.oracle.SatsUSD(); err == nil {
			satsPerUSD = sats
		}
	}

	usage, observedModel := extractUsage(full, isSSE)
	settledModel := model
	if observedModel != "" && observedModel != model.ID {
		if m, err := e.catalog.Model(observedModel); err == nil {
			settledModel = m
		}
	}

	var refundToken string
	if usage == nil {
		emergency := amount - ProcessingFeeMsat
		if emergency > 0 {
			refundToken = e.refund(ctx, provider, emergency, unit, mint, "emergency_no_usage")
		} else {
			log.Warn().Int64("amount_msat", amount).Msg("ephemeral.no_usage_no_emergency_refund")
		}
	} else {
		result, err := costmodel.Settle(usage, amount, settledModel, satsPerUSD)
		actual := amount
		if err == nil {
			actual = costmodel.Clip(result.TotalMsat, amount)
		} else {
			log.Warn().Err(err).Msg("ephemeral.settlement_fallback_to_full_amount")
		}
		if refundAmount := amount - actual; refundAmount > 0 {
			refundToken = e.refund(ctx, provider, refundAmount, unit, mint, "settled")
		}
	}

	for k, v := range resp.Header {
		for _, vv := range v {
			w.Header().Add(k, vv)
		}
	}
	if refundToken != "" {
		w.Header().Set("X-Cashu", refundToken)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(full)
}

// extractUsage parses the buffered upstream body, either as a single JSON
// document (buffered path) or by replaying it line-by-line through the SSE
// tee parser (streaming path, buffered whole per §4.8 since the refund must
// land in a header, which must precede the body).
func extractUsage(full []byte, isSSE bool) (*costmodel.Usage, string) {
	if !isSSE {
		usage, model, _ := upstream.ParseBufferedUsage(full)
		return usage, model
	}
	tracker := &upstream.StreamUsageTracker{}
	reader := bufio.NewReader(bytes.NewReader(full))
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			tracker.TeeLine(line)
		}
		if err != nil {
			break
		}
	}
	return tracker.Result()
}

func (e *Engine) refund(ctx context.Context, provider paymentmethod.Provider, amountMsat int64, unit wallet.Unit, mint, reason string) string {
	if amountMsat <= 0 {
		return ""
	}
	token, err := provider.Refund(ctx, paymentmethod.RefundDestination{AmountMsat: amountMsat, Unit: unit, Mint: mint})
	if err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("reason", reason).Int64("amount_msat", amountMsat).
			Msg("ephemeral.refund_failed")
		return ""
	}
	e.obs.EmitRefundProcessed(ctx, observability.RefundProcessedEvent{
		Timestamp: time.Now(), RefundID: uuid.New().String(), Path: "ephemeral", Success: true, AmountMsat: amountMsat,
	})
	return token
}

func (e *Engine) emergencyRefund(ctx context.Context, w http.ResponseWriter, provider paymentmethod.Provider, amount int64, unit wallet.Unit, mint, reason string) {
	if token := e.refund(ctx, provider, amount-ProcessingFeeMsat, unit, mint, reason); token != "" {
		w.Header().Set("X-Cashu", token)
	}
}

func (e *Engine) emitUpstream(ctx context.Context, provider, model string, duration time.Duration, success bool, errorType string) {
	e.obs.EmitUpstreamCall(ctx, observability.UpstreamCallEvent{
		Timestamp: time.Now(), Provider: provider, Model: model, Duration: duration, Success: success, ErrorType: errorType,
	})
}

func passThrough(w http.ResponseWriter, resp *upstream.Response, refundToken string) {
	for k, v := range resp.Header {
		for _, vv := range v {
			w.Header().Add(k, vv)
		}
	}
	if refundToken != "" {
		w.Header().Set("X-Cashu", refundToken)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func writeRedeemError(w http.ResponseWriter, err error) {
	switch {
	case err == wallet.ErrAlreadySpent:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeAlreadySpent, "token already spent")
	case err == wallet.ErrInvalid, err == paymentmethod.ErrNotImplemented:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidToken, "invalid token")
	case err == wallet.ErrUnavailable:
		apierrors.WriteSimpleError(w, apierrors.ErrCodePaymentServiceUnavailable, "mint unavailable")
	default:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidToken, "token redemption failed")
	}
}

// Package proxyengine implements the request lifecycle state machine
// (§4.7): ARRIVED → ESTIMATED → FORWARDING → {BUFFERED,STREAMING} →
// SETTLE → RELEASED, with the guaranteed-release guard that protects every
// exit path against a credit leak (§5, I2).
package proxyengine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/routstr/proxy/internal/auth"
	"github.com/routstr/proxy/internal/catalog"
	"github.com/routstr/proxy/internal/costmodel"
	"github.com/routstr/proxy/internal/credit"
	apierrors "github.com/routstr/proxy/internal/errors"
	"github.com/routstr/proxy/internal/logger"
	"github.com/routstr/proxy/internal/metrics"
	"github.com/routstr/proxy/internal/observability"
	"github.com/routstr/proxy/internal/priceoracle"
	"github.com/routstr/proxy/internal/upstream"
)

// Engine owns the dependencies a request needs to move through every state
// in §4.7.
type Engine struct {
	authenticator *auth.Authenticator
	catalog       *catalog.Catalog
	store         credit.Store
	router        *upstream.Router
	client        *upstream.Client
	oracle        *priceoracle.Oracle
	registry      *observability.Registry
	metrics       *metrics.Metrics
}

// New builds an Engine from its collaborators.
func New(
	authenticator *auth.Authenticator,
	cat *catalog.Catalog,
	store credit.Store,
	router *upstream.Router,
	client *upstream.Client,
	oracle *priceoracle.Oracle,
	registry *observability.Registry,
	m *metrics.Metrics,
) *Engine {
	return &Engine{
		authenticator: authenticator,
		catalog:       cat,
		store:         store,
		router:        router,
		client:        client,
		oracle:        oracle,
		registry:      registry,
		metrics:       m,
	}
}

type requestBody struct {
	Model               string `json:"model"`
	MaxCompletionTokens int64  `json:"max_completion_tokens"`
	MaxTokens           int64  `json:"max_tokens"`
}

// ServeHTTP runs one request through the full ARRIVED → RELEASED lifecycle.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	start := time.Now()

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternal, "failed to read request body")
		return
	}

	// ARRIVED → ESTIMATED: authenticate, then resolve the model.
	cred, err := e.authenticator.Authenticate(ctx, r.Header.Get("Authorization"), auth.Options{})
	if err != nil {
		writeAuthError(w, err)
		return
	}

	var body requestBody
	_ = json.Unmarshal(bodyBytes, &body)

	model, err := e.catalog.Model(body.Model)
	if err != nil {
		e.registry.EmitReservationRejected(ctx, observability.ReservationRejectedEvent{
			Timestamp: time.Now(), CredentialFP: cred.Fingerprint, Model: body.Model, Reason: "model_not_found",
		})
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeModelNotFound, "model not found", "model", body.Model)
		return
	}
	provider, err := e.catalog.Provider(model.UpstreamProviderID)
	if err != nil {
		e.registry.EmitReservationRejected(ctx, observability.ReservationRejectedEvent{
			Timestamp: time.Now(), CredentialFP: cred.Fingerprint, Model: body.Model, Reason: "pricing_not_found",
		})
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodePricingNotFound, "provider not found for model", "model", body.Model)
		return
	}

	maxCompletionTokens := body.MaxCompletionTokens
	if maxCompletionTokens == 0 {
		maxCompletionTokens = body.MaxTokens
	}
	maxCostMsat, err := costmodel.MaxCost(model, provider, maxCompletionTokens)
	if err != nil {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeModelNotFound, "model not found", "model", body.Model)
		return
	}

	// ESTIMATED → FORWARDING: reserve, then install the guaranteed-release
	// guard. settled tracks whether Settle already ran so the deferred
	// guard never double-releases (I2).
	reserveStart := time.Now()
	if err := e.store.Reserve(ctx, cred.Fingerprint, maxCostMsat); err != nil {
		if errors.Is(err, credit.ErrInsufficientBalance) {
			e.registry.EmitReservationRejected(ctx, observability.ReservationRejectedEvent{
				Timestamp: time.Now(), CredentialFP: cred.Fingerprint, Model: body.Model, Reason: "insufficient_balance",
			})
			if e.metrics != nil {
				e.metrics.ObserveReservation(body.Model, time.Since(reserveStart), true, "insufficient_balance")
			}
			writeInsufficientBalance(w, maxCostMsat, body.Model)
			return
		}
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternal, "reservation failed")
		return
	}
	if e.metrics != nil {
		e.metrics.ObserveReservation(body.Model, time.Since(reserveStart), false, "")
	}
	e.registry.EmitReservationAttempted(ctx, observability.ReservationAttemptedEvent{
		Timestamp: time.Now(), CredentialFP: cred.Fingerprint, Model: body.Model, MaxCostMsat: maxCostMsat,
	})

	settled := false
	defer func() {
		if p := recover(); p != nil {
			if !settled {
				e.release(ctx, cred.Fingerprint, maxCostMsat, body.Model, "panic")
			}
			log.Error().Interface("panic", p).Msg("proxyengine.panic_recovered")
			return
		}
		if !settled {
			e.release(ctx, cred.Fingerprint, maxCostMsat, body.Model, "client_disconnect")
		}
	}()

	// FORWARDING: build and dispatch the upstream request.
	target := e.router.Resolve(body.Model)
	url := upstream.BuildURL(target, r.URL.Path)
	headers := upstream.PrepareHeaders(r.Header, target)

	upstreamStart := time.Now()
	resp, err := e.client.Dispatch(ctx, r.Method, url, headers, bytes.NewReader(bodyBytes))
	if err != nil {
		e.registry.EmitUpstreamCall(ctx, observability.UpstreamCallEvent{
			Timestamp: time.Now(), Provider: string(target.Provider), Model: body.Model,
			Duration: time.Since(upstreamStart), Success: false, ErrorType: "connection",
		})
		if e.metrics != nil {
			e.metrics.ObserveUpstreamCall(string(target.Provider), body.Model, time.Since(upstreamStart), err)
		}
		e.release(ctx, cred.Fingerprint, maxCostMsat, body.Model, "upstream_transport")
		settled = true
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUpstreamTransport, "upstream unreachable")
		return
	}
	defer resp.Body.Close()

	// The 200-status check must precede any settlement (§4.7 FORWARDING).
	if resp.StatusCode != http.StatusOK {
		e.registry.EmitUpstreamCall(ctx, observability.UpstreamCallEvent{
			Timestamp: time.Now(), Provider: string(target.Provider), Model: body.Model,
			Duration: time.Since(upstreamStart), Success: false, ErrorType: "other",
		})
		e.release(ctx, cred.Fingerprint, maxCostMsat, body.Model, "upstream_business")
		settled = true
		passThrough(w, resp)
		return
	}
	if e.metrics != nil {
		e.metrics.ObserveUpstreamCall(string(target.Provider), body.Model, time.Since(upstreamStart), nil)
	}

	// Peek rather than consume: the same buffered reader carries the
	// sniffed bytes into whichever path handles the body next, so no
	// byte is read twice and no SSE line is split across the sniff
	// boundary.
	reader := bufio.NewReaderSize(resp.Body, 4096)
	sniff, _ := reader.Peek(512)
	streaming := upstream.IsStreaming(resp.Header, sniff)

	var (
		usage      *costmodel.Usage
		modelName  = body.Model
		satsPerUSD float64
	)
	if e.oracle != nil {
		if sats, err := e.oracle.SatsUSD(); err == nil {
			satsPerUSD = sats
		}
	}

	if streaming {
		usage, modelName = e.serveStreaming(ctx, w, resp, reader, start, target, modelName)
	} else {
		usage, modelName = e.serveBuffered(w, resp, reader, target)
	}

	// SETTLE.
	if modelName == "" {
		modelName = body.Model
	}
	settledModel := model
	if modelName != body.Model {
		if m, err := e.catalog.Model(modelName); err == nil {
			settledModel = m
		}
	}

	result, err := costmodel.Settle(usage, maxCostMsat, settledModel, satsPerUSD)
	actual := maxCostMsat
	if err == nil {
		actual = costmodel.Clip(result.TotalMsat, maxCostMsat)
	} else {
		log.Warn().Err(err).Msg("proxyengine.settlement_fallback_to_max_cost")
	}

	if err := e.store.Settle(ctx, cred.Fingerprint, maxCostMsat, actual); err != nil {
		log.Error().Err(err).Msg("proxyengine.settle_failed")
	}
	settled = true

	e.registry.EmitSettled(ctx, observability.SettledEvent{
		Timestamp: time.Now(), CredentialFP: cred.Fingerprint, Model: modelName,
		ReservedMsat: maxCostMsat, SettledMsat: actual, ReleasedMsat: maxCostMsat - actual,
		Duration: time.Since(start), Streamed: streaming,
	})
	if e.metrics != nil {
		e.metrics.ObserveSettlement(modelName, "success", time.Since(start), actual, maxCostMsat-actual)
	}
	log.Info().
		Str("model", modelName).
		Int64("max_cost_msat", maxCostMsat).
		Int64("actual_cost_msat", actual).
		Bool("streamed", streaming).
		Msg("proxyengine.settled")
}

func (e *Engine) serveBuffered(w http.ResponseWriter, resp *upstream.Response, body *bufio.Reader, target upstream.Target) (*costmodel.Usage, string) {
	full, _ := io.ReadAll(body)

	for k, v := range resp.Header {
		for _, vv := range v {
			w.Header().Add(k, vv)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(full)

	usage, model, ok := upstream.ParseBufferedUsage(full)
	if !ok {
		return nil, ""
	}
	return usage, model
}

func (e *Engine) serveStreaming(ctx context.Context, w http.ResponseWriter, resp *upstream.Response, body *bufio.Reader, start time.Time, target upstream.Target, fallbackModel string) (*costmodel.Usage, string) {
	for k, v := range resp.Header {
		for _, vv := range v {
			w.Header().Add(k, vv)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	tracker := &upstream.StreamUsageTracker{}
	_ = upstream.CopyAndTee(ctx, flushWriter{w}, body, tracker)

	usage, model := tracker.Result()
	if model == "" {
		model = fallbackModel
	}
	return usage, model
}

// flushWriter wraps an http.ResponseWriter so CopyAndTee's Flush type
// assertion finds a working Flusher even when w itself also satisfies
// other unrelated interfaces.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) { return f.w.Write(p) }

func (f flushWriter) Flush() {
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (e *Engine) release(ctx context.Context, fingerprint string, amount int64, model, reason string) {
	if err := e.store.Release(ctx, fingerprint, amount); err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("reason", reason).Msg("proxyengine.release_failed")
		return
	}
	e.registry.EmitReleased(ctx, observability.ReleasedEvent{
		Timestamp: time.Now(), CredentialFP: fingerprint, Model: model, ReleasedMsat: amount, Reason: reason,
	})
}

func passThrough(w http.ResponseWriter, resp *upstream.Response) {
	for k, v := range resp.Header {
		for _, vv := range v {
			w.Header().Add(k, vv)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
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

func writeInsufficientBalance(w http.ResponseWriter, amountRequired int64, model string) {
	apierrors.WriteError(w, apierrors.ErrCodeInsufficientBalance, "insufficient balance", map[string]interface{}{
		"reason":                "Insufficient balance",
		"amount_required_msat": amountRequired,
		"model":                 model,
	})
}

package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"
	"github.com/routstr/proxy/internal/metrics"
)

// Config holds rate limiting configuration.
type Config struct {
	// Global rate limiting (across all credentials)
	GlobalEnabled bool
	GlobalLimit   int
	GlobalWindow  time.Duration

	// Per-credential rate limiting (identified by bearer fingerprint)
	PerCredentialEnabled bool
	PerCredentialLimit   int
	PerCredentialWindow  time.Duration

	// Per-IP rate limiting (every request, with or without a bearer)
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// Metrics collector (optional)
	Metrics *metrics.Metrics
}

// rateLimitResponse represents the JSON error response for rate limit exceeded.
type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// DefaultConfig returns sensible default rate limits.
// These are generous limits designed to stop obvious spam while not restricting legitimate use.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   2000,
		GlobalWindow:  1 * time.Minute,

		PerCredentialEnabled: true,
		PerCredentialLimit:   120,
		PerCredentialWindow:  1 * time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   240,
		PerIPWindow:  1 * time.Minute,
	}
}

// createRateLimitHandler creates a standardized rate limit handler function.
// This eliminates duplication across global, per-credential, and per-IP limiters.
func createRateLimitHandler(
	limitType string,
	windowSeconds int,
	extractIdentifier func(*http.Request) string,
	metricsCollector *metrics.Metrics,
) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := "all"
		if extractIdentifier != nil {
			if id := extractIdentifier(r); id != "" {
				identifier = id
			}
		}

		if metricsCollector != nil {
			metricsCollector.ObserveRateLimit(limitType, identifier)
		}

		var message string
		switch limitType {
		case "global":
			message = "Global rate limit exceeded. Please try again later."
		case "per_credential":
			message = "Per-credential rate limit exceeded. Please try again later."
		case "per_ip":
			message = "IP rate limit exceeded. Please try again later."
		default:
			message = "Rate limit exceeded. Please try again later."
		}

		response := rateLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           message,
			RetryAfterSeconds: windowSeconds,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(response)
	}
}

// GlobalLimiter creates a global rate limiter middleware.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(
			createRateLimitHandler(
				"global",
				int(cfg.GlobalWindow.Seconds()),
				nil,
				cfg.Metrics,
			),
		),
	)
}

// CredentialLimiter creates a per-credential rate limiter middleware, keyed on
// a SHA-256 fingerprint of the Authorization bearer token so the raw
// credential never appears in the limiter's internal key space.
func CredentialLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerCredentialEnabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return httprate.Limit(
		cfg.PerCredentialLimit,
		cfg.PerCredentialWindow,
		httprate.WithKeyFuncs(credentialKeyExtractor),
		httprate.WithLimitHandler(
			createRateLimitHandler(
				"per_credential",
				int(cfg.PerCredentialWindow.Seconds()),
				extractCredentialFingerprint,
				cfg.Metrics,
			),
		),
	)
}

// IPLimiter creates a per-IP rate limiter middleware; it limits every
// request by client IP, whether or not it carries a bearer.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(
			createRateLimitHandler(
				"per_ip",
				int(cfg.PerIPWindow.Seconds()),
				func(r *http.Request) string { return r.RemoteAddr },
				cfg.Metrics,
			),
		),
	)
}

// credentialKeyExtractor is a httprate.KeyFunc that extracts a bearer
// fingerprint from the request, falling back to IP-based limiting for
// unauthenticated requests.
func credentialKeyExtractor(r *http.Request) (string, error) {
	fp := extractCredentialFingerprint(r)
	if fp == "" {
		return httprate.KeyByIP(r)
	}
	return "cred:" + fp, nil
}

// extractCredentialFingerprint derives a stable, non-reversible identifier
// from the Authorization bearer token so the raw credential (which doubles
// as spendable balance) never needs to leave this middleware.
func extractCredentialFingerprint(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == "" || token == auth {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

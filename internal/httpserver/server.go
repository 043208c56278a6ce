// Package httpserver wires the proxy surface (§6) and the balance
// management surface onto a chi router, with the middleware stack ambient
// to every request: CORS, security headers, structured logging, panic
// recovery, and the three-tier rate limiter.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/routstr/proxy/internal/auth"
	"github.com/routstr/proxy/internal/config"
	"github.com/routstr/proxy/internal/credit"
	"github.com/routstr/proxy/internal/ephemeral"
	"github.com/routstr/proxy/internal/logger"
	"github.com/routstr/proxy/internal/metrics"
	"github.com/routstr/proxy/internal/paymentmethod"
	"github.com/routstr/proxy/internal/proxyengine"
	"github.com/routstr/proxy/internal/ratelimit"
	"github.com/routstr/proxy/internal/refund"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies behind a single
// *http.Server.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg           *config.Config
	proxy         *proxyengine.Engine
	ephemeral     *ephemeral.Engine
	authenticator *auth.Authenticator
	store         credit.Store
	registry      *paymentmethod.Registry
	refund        *refund.Handler
	metrics       *metrics.Metrics
	logger        zerolog.Logger
}

// New builds the HTTP server and its router.
func New(
	cfg *config.Config,
	proxy *proxyengine.Engine,
	ephemeralEngine *ephemeral.Engine,
	authenticator *auth.Authenticator,
	store credit.Store,
	registry *paymentmethod.Registry,
	refundHandler *refund.Handler,
	metricsCollector *metrics.Metrics,
	appLogger zerolog.Logger,
) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:           cfg,
			proxy:         proxy,
			ephemeral:     ephemeralEngine,
			authenticator: authenticator,
			store:         store,
			registry:      registry,
			refund:        refundHandler,
			metrics:       metricsCollector,
			logger:        appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration, // 0: streaming completions have no write deadline, §5
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, &s.handlers)
	return s
}

// ConfigureRouter attaches the proxy and balance routes to an existing
// router, so the same wiring can be exercised directly from tests.
func ConfigureRouter(router chi.Router, h *handlers) {
	if router == nil {
		return
	}

	if len(h.cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   h.cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"X-Cashu", "X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)

	// Structured logging runs before chi's RequestID. The request-scoped
	// logger carries the client's X-Request-ID or an ID it generates itself,
	// not chi's generated ID.
	router.Use(logger.Middleware(h.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled:        h.cfg.RateLimit.GlobalEnabled,
		GlobalLimit:          h.cfg.RateLimit.GlobalLimit,
		GlobalWindow:         h.cfg.RateLimit.GlobalWindow.Duration,
		PerCredentialEnabled: h.cfg.RateLimit.PerCredentialEnabled,
		PerCredentialLimit:   h.cfg.RateLimit.PerCredentialLimit,
		PerCredentialWindow:  h.cfg.RateLimit.PerCredentialWindow.Duration,
		PerIPEnabled:         h.cfg.RateLimit.PerIPEnabled,
		PerIPLimit:           h.cfg.RateLimit.PerIPLimit,
		PerIPWindow:          h.cfg.RateLimit.PerIPWindow.Duration,
		Metrics:              h.metrics,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.CredentialLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	// Lightweight endpoints get a short timeout; the inference proxy itself
	// must carry no deadline (§5) and is deliberately left out of this group.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/health", h.health)
		r.With(adminMetricsAuth(h.cfg.Server.AdminMetricsAPIKey)).Handle("/metrics", promhttp.Handler())

		r.Get("/v1/balance/info", h.balanceInfo)
		r.Get("/v1/balance/create", h.balanceCreate)
		r.Post("/v1/balance/topup", h.balanceTopup)
		r.Post("/v1/balance/refund", h.balanceRefund)
	})

	router.HandleFunc("/v1/*", h.proxyDispatch)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Command routstrd runs the metered inference proxy: it authenticates
// bearers (API keys or ecash tokens), reserves msat credit against a
// catalog-priced request, forwards to the resolved upstream, and settles
// the reservation against the upstream's reported usage.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/routstr/proxy/internal/announce"
	"github.com/routstr/proxy/internal/auth"
	"github.com/routstr/proxy/internal/catalog"
	"github.com/routstr/proxy/internal/circuitbreaker"
	"github.com/routstr/proxy/internal/config"
	"github.com/routstr/proxy/internal/credit"
	"github.com/routstr/proxy/internal/dbpool"
	"github.com/routstr/proxy/internal/ephemeral"
	"github.com/routstr/proxy/internal/httpserver"
	"github.com/routstr/proxy/internal/lifecycle"
	"github.com/routstr/proxy/internal/logger"
	"github.com/routstr/proxy/internal/metrics"
	"github.com/routstr/proxy/internal/observability"
	"github.com/routstr/proxy/internal/paymentmethod"
	"github.com/routstr/proxy/internal/priceoracle"
	"github.com/routstr/proxy/internal/proxyengine"
	"github.com/routstr/proxy/internal/refund"
	"github.com/routstr/proxy/internal/upstream"
	"github.com/routstr/proxy/internal/wallet"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load() // .env is optional; real deployments set env directly

	configPath := os.Getenv("ROUTSTR_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "routstrd",
		Environment: cfg.Logging.Environment,
	})

	lm := lifecycle.NewManager()
	defer func() {
		if err := lm.Close(); err != nil {
			log.Error().Err(err).Msg("shutdown had errors")
		}
	}()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	obs := observability.NewRegistry(log)
	promHook := observability.NewPrometheusHook(m)
	obs.RegisterReservationHook(promHook)
	obs.RegisterSettlementHook(promHook)
	obs.RegisterRefundHook(promHook)
	obs.RegisterUpstreamHook(promHook)
	obs.RegisterDatabaseHook(promHook)

	cbManager := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	store, err := buildCreditStore(cfg.Database, m, lm)
	if err != nil {
		return fmt.Errorf("build credit store: %w", err)
	}

	w := wallet.New(cfg.Wallet, cbManager)
	paymentRegistry := paymentmethod.DefaultRegistry(w)
	authenticator := auth.New(store, paymentRegistry, cfg.Auth.APIKeyPrefix)

	cat := catalog.New()
	if cfg.Catalog.SeedFile != "" {
		if err := cat.LoadFile(cfg.Catalog.SeedFile); err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
	}
	catalogCtx, cancelCatalog := context.WithCancel(context.Background())
	lm.RegisterFunc("catalog-refresh", func() error { cancelCatalog(); return nil })
	if cfg.Catalog.RefreshInterval.Duration > 0 {
		go cat.StartRefreshLoop(catalogCtx, cfg.Catalog.RefreshInterval.Duration, log)
	}

	oracle := priceoracle.New(cfg.PriceOracle, cbManager, m)
	oracleCtx, cancelOracle := context.WithCancel(context.Background())
	lm.RegisterFunc("price-oracle-refresh", func() error { cancelOracle(); return nil })
	if cfg.PriceOracle.RefreshPeriod.Duration > 0 {
		go oracle.StartRefreshLoop(oracleCtx, cfg.PriceOracle.RefreshPeriod.Duration, log)
	}

	upstreamRouter := upstream.New(cat, cfg.Upstream)
	upstreamClient := upstream.NewClient(&http.Client{Timeout: 0}) // §5: no request-level deadline

	proxy := proxyengine.New(authenticator, cat, store, upstreamRouter, upstreamClient, oracle, obs, m)
	ephemeralEngine := ephemeral.New(paymentRegistry, cat, upstreamRouter, upstreamClient, oracle, obs)
	refundHandler := refund.New(authenticator, store, paymentRegistry, obs, cfg.Refund.IdempotencyTTL.Duration)

	if cfg.Announce.Enabled {
		publisher, err := announce.New(announce.Config{
			PrivateKeyHex: cfg.Announce.PrivateKey,
			ProviderID:    cfg.Announce.ProviderID,
			Relays:        cfg.Announce.Relays,
			Endpoints:     publicEndpoints(cfg.Announce.PublicURL),
			Mints:         cfg.Wallet.Mints,
			Name:          cfg.Announce.Name,
			Version:       cfg.Announce.Version,
		})
		if err != nil {
			return fmt.Errorf("build announcement publisher: %w", err)
		}
		announceCtx, cancelAnnounce := context.WithCancel(context.Background())
		lm.RegisterFunc("announce-publisher", func() error { cancelAnnounce(); return nil })
		go publisher.Run(announceCtx, cfg.Announce.Interval.Duration, log)
	}

	server := httpserver.New(cfg, proxy, ephemeralEngine, authenticator, store, paymentRegistry, refundHandler, m, log)
	lm.Register("http-server", shutdownCloser{server})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErrCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.Server.Address).Msg("server.listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("server.shutting_down")
	case err := <-serveErrCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	return nil
}

func buildCreditStore(cfg config.DatabaseConfig, m *metrics.Metrics, lm *lifecycle.Manager) (credit.Store, error) {
	switch cfg.Backend {
	case "postgres":
		pool, err := dbpool.NewSharedPool(cfg.PostgresURL, cfg.PostgresPool)
		if err != nil {
			return nil, fmt.Errorf("open postgres pool: %w", err)
		}
		lm.Register("db-pool", pool)
		return credit.NewPostgresStoreWithDB(pool.DB(), cfg.TableName, m), nil
	default:
		return credit.NewMemoryStore(m), nil
	}
}

func publicEndpoints(publicURL string) []string {
	if publicURL == "" {
		return nil
	}
	return []string{publicURL}
}

// shutdownCloser adapts *httpserver.Server's context-taking Shutdown to the
// io.Closer the lifecycle manager expects.
type shutdownCloser struct {
	server *httpserver.Server
}

func (s shutdownCloser) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

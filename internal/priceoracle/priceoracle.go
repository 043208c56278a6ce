// Package priceoracle maintains the last observed fiat-per-sat price
// sample (§3, §4.2). It queries a redundant set of exchange sources in
// parallel, takes the lowest reported BTC/USD price (conservative for the
// operator), and republishes it on a jittered interval behind a circuit
// breaker shared with every other call to an exchange.
package priceoracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/routstr/proxy/internal/circuitbreaker"
	"github.com/routstr/proxy/internal/config"
	"github.com/routstr/proxy/internal/httputil"
	"github.com/routstr/proxy/internal/metrics"
)

// ErrNoSources is returned when every configured source failed to report a
// price on a refresh attempt.
var ErrNoSources = errors.New("priceoracle: no valid price from any source")

// ErrUninitialized is returned by BTCUSD/SatsUSD before the first
// successful refresh has completed.
var ErrUninitialized = errors.New("priceoracle: price not yet initialized")

// Source fetches a BTC/USD price from one exchange.
type Source interface {
	Name() string
	Fetch(ctx context.Context, client *http.Client) (float64, error)
}

// Oracle holds the last-known-good price sample and refreshes it
// periodically. Reads are a single atomic load under a lock; no reader ever
// blocks on a network call.
type Oracle struct {
	mu          sync.RWMutex
	btcUSD      float64
	satsUSD     float64
	initialized bool
	lastRefresh time.Time

	sources    []Source
	client     *http.Client
	breaker    *circuitbreaker.Manager
	staleAfter time.Duration
	metrics    *metrics.Metrics
}

// New builds an Oracle from configuration. An empty cfg.Sources list
// defaults to the three exchanges this package ships Source
// implementations for.
func New(cfg config.PriceOracleConfig, cb *circuitbreaker.Manager, m *metrics.Metrics) *Oracle {
	client := httputil.NewClient(cfg.Timeout.Duration)
	sources := buildSources(cfg.Sources)
	return &Oracle{
		sources:    sources,
		client:     client,
		breaker:    cb,
		staleAfter: cfg.StaleAfter.Duration,
		metrics:    m,
	}
}

func buildSources(names []string) []Source {
	if len(names) == 0 {
		return []Source{krakenSource{}, coinbaseSource{}, binanceSource{}}
	}
	out := make([]Source, 0, len(names))
	for _, n := range names {
		switch n {
		case "kraken":
			out = append(out, krakenSource{})
		case "coinbase":
			out = append(out, coinbaseSource{})
		case "binance":
			out = append(out, binanceSource{})
		}
	}
	return out
}

// Refresh queries every source in parallel and, if at least one succeeds,
// stores the minimum reported price as the new sample.
func (o *Oracle) Refresh(ctx context.Context) error {
	type result struct {
		price float64
		err   error
	}
	results := make(chan result, len(o.sources))

	var wg sync.WaitGroup
	for _, src := range o.sources {
		wg.Add(1)
		go func(s Source) {
			defer wg.Done()
			price, err := o.fetchOne(ctx, s)
			results <- result{price: price, err: err}
		}(src)
	}
	wg.Wait()
	close(results)

	var best float64
	found := false
	for r := range results {
		if r.err != nil {
			continue
		}
		if !found || r.price < best {
			best = r.price
			found = true
		}
	}

	if !found {
		if o.metrics != nil {
			o.metrics.ObservePriceOracleRefresh("failed")
		}
		return ErrNoSources
	}

	o.mu.Lock()
	o.btcUSD = best
	o.satsUSD = best / 100_000_000
	o.initialized = true
	o.lastRefresh = time.Now()
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ObservePriceOracleRefresh("success")
		o.metrics.SetPriceOracleStale(false)
	}
	return nil
}

func (o *Oracle) fetchOne(ctx context.Context, src Source) (float64, error) {
	fetch := func() (interface{}, error) {
		return src.Fetch(ctx, o.client)
	}
	var (
		out interface{}
		err error
	)
	if o.breaker != nil {
		out, err = o.breaker.Execute(circuitbreaker.ServiceExchange, fetch)
	} else {
		out, err = fetch()
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", src.Name(), err)
	}
	return out.(float64), nil
}

// BTCUSD returns the last observed BTC/USD price.
func (o *Oracle) BTCUSD() (float64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.initialized {
		return 0, ErrUninitialized
	}
	return o.btcUSD, nil
}

// SatsUSD returns the last observed USD price of one satoshi.
func (o *Oracle) SatsUSD() (float64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if !o.initialized {
		return 0, ErrUninitialized
	}
	return o.satsUSD, nil
}

// Stale reports whether the last successful refresh is older than
// staleAfter, so callers relying on the sample can decline to trust it.
func (o *Oracle) Stale() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.staleAfter <= 0 || !o.initialized {
		return false
	}
	return time.Since(o.lastRefresh) > o.staleAfter
}

// StartRefreshLoop refreshes on startup and then every interval ± up to
// 10% jitter, mirroring the source's interval-plus-random-jitter scheduling,
// until ctx is canceled.
func (o *Oracle) StartRefreshLoop(ctx context.Context, interval time.Duration, log zerolog.Logger) {
	if interval <= 0 {
		return
	}
	go func() {
		if err := o.Refresh(ctx); err != nil {
			log.Warn().Err(err).Msg("priceoracle.refresh_failed")
		}
		for {
			jitter := time.Duration(rand.Int63n(int64(interval)/5)) - interval/10
			timer := time.NewTimer(interval + jitter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := o.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("priceoracle.refresh_failed")
				if o.metrics != nil && o.Stale() {
					o.metrics.SetPriceOracleStale(true)
				}
			}
		}
	}()
}

type krakenSource struct{}

func (krakenSource) Name() string { return "kraken" }

func (krakenSource) Fetch(ctx context.Context, client *http.Client) (float64, error) {
	var body struct {
		Result map[string]struct {
			C []string `json:"c"`
		} `json:"result"`
	}
	if err := fetchJSON(ctx, client, "https://api.kraken.com/0/public/Ticker?pair=XBTUSD", &body); err != nil {
		return 0, err
	}
	ticker, ok := body.Result["XXBTZUSD"]
	if !ok || len(ticker.C) == 0 {
		return 0, errors.New("missing XXBTZUSD ticker")
	}
	return parseFloat(ticker.C[0])
}

type coinbaseSource struct{}

func (coinbaseSource) Name() string { return "coinbase" }

func (coinbaseSource) Fetch(ctx context.Context, client *http.Client) (float64, error) {
	var body struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if err := fetchJSON(ctx, client, "https://api.coinbase.com/v2/prices/BTC-USD/spot", &body); err != nil {
		return 0, err
	}
	return parseFloat(body.Data.Amount)
}

type binanceSource struct{}

func (binanceSource) Name() string { return "binance" }

func (binanceSource) Fetch(ctx context.Context, client *http.Client) (float64, error) {
	var body struct {
		Price string `json:"price"`
	}
	if err := fetchJSON(ctx, client, "https://api.binance.com/api/v3/ticker/price?symbol=BTCUSDT", &body); err != nil {
		return 0, err
	}
	return parseFloat(body.Price)
}

func fetchJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	return f, nil
}

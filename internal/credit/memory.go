package credit

import (
	"context"
	"sync"
	"time"

	"github.com/routstr/proxy/internal/metrics"
)

// MemoryStore is an in-process Store backed by a mutex-guarded map. It backs
// the database.backend = "memory" configuration and the test suite; it gives
// the same atomicity guarantees as PostgresStore since every method holds
// the single lock for its whole critical section (§4.4, I1).
type MemoryStore struct {
	mu      sync.Mutex
	rows    map[string]*Credential
	metrics *metrics.Metrics
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(m *metrics.Metrics) *MemoryStore {
	return &MemoryStore{
		rows:    make(map[string]*Credential),
		metrics: m,
	}
}

func (s *MemoryStore) observe(operation string, start time.Time) {
	metrics.RecordDBQuery(s.metrics, operation, "memory", time.Since(start))
}

func (s *MemoryStore) GetOrCreate(ctx context.Context, fingerprint string, opts NewCredentialOptions) (*Credential, error) {
	start := time.Now()
	defer s.observe("get_or_create", start)

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.rows[fingerprint]; ok {
		cp := *c
		return &cp, nil
	}

	currency := opts.RefundCurrency
	if currency == "" {
		currency = UnitSat
	}
	c := &Credential{
		Fingerprint:       fingerprint,
		RefundAddress:     opts.RefundAddress,
		RefundMint:        opts.RefundMint,
		RefundCurrency:    currency,
		ParentFingerprint: opts.ParentFingerprint,
		CreatedAt:         time.Now(),
		RefundExpiration:  opts.RefundExpiration,
	}
	s.rows[fingerprint] = c
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) Get(ctx context.Context, fingerprint string) (*Credential, error) {
	start := time.Now()
	defer s.observe("get", start)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.rows[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) Reserve(ctx context.Context, fingerprint string, amountMsat int64) error {
	start := time.Now()
	defer s.observe("reserve", start)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.rows[fingerprint]
	if !ok {
		return ErrNotFound
	}
	if c.BalanceMsat < amountMsat {
		return ErrInsufficientBalance
	}
	c.BalanceMsat -= amountMsat
	c.ReservedMsat += amountMsat
	return nil
}

func (s *MemoryStore) Settle(ctx context.Context, fingerprint string, reservedAmount, actualAmount int64) error {
	start := time.Now()
	defer s.observe("settle", start)

	actualAmount = ClipActual(actualAmount, reservedAmount)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.rows[fingerprint]
	if !ok {
		return ErrNotFound
	}
	c.ReservedMsat -= reservedAmount
	c.BalanceMsat += reservedAmount - actualAmount
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, fingerprint string, reservedAmount int64) error {
	return s.Settle(ctx, fingerprint, reservedAmount, 0)
}

func (s *MemoryStore) Credit(ctx context.Context, fingerprint string, amountMsat int64) error {
	start := time.Now()
	defer s.observe("credit", start)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.rows[fingerprint]
	if !ok {
		return ErrNotFound
	}
	c.BalanceMsat += amountMsat
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, fingerprint string) error {
	start := time.Now()
	defer s.observe("delete", start)

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rows, fingerprint)
	return nil
}

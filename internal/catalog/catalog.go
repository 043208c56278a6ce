// Package catalog holds the read-mostly model and upstream provider
// descriptors (§3). The catalog itself is populated out of band (a seed
// file, refreshed periodically); this package only serves lookups against
// whatever snapshot was last loaded.
package catalog

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"
)

// ErrModelNotFound is returned by Model when id has no descriptor (§4.3
// step 5, error kind model_not_found).
var ErrModelNotFound = errors.New("catalog: model not found")

// ErrProviderNotFound is returned by Provider when id has no descriptor.
var ErrProviderNotFound = errors.New("catalog: provider not found")

// ModelDescriptor is the read-only pricing and routing record for one
// model id (§3).
type ModelDescriptor struct {
	ID                          string  `json:"id"`
	UpstreamProviderID          string  `json:"upstream_provider_id"`
	ContextLength               int64   `json:"context_length"`
	PromptMsatPerToken          float64 `json:"prompt_msat_per_token"`
	CompletionMsatPerToken      float64 `json:"completion_msat_per_token"`
	CompletionImageMsatPerToken float64 `json:"completion_image_msat_per_token,omitempty"`
	RequestFeeMsat              int64   `json:"request_fee_msat"`
	MaxCostMsat                 int64   `json:"max_cost_msat,omitempty"`
}

// ProviderType names an upstream wire dialect.
type ProviderType string

const (
	ProviderOpenAICompatible ProviderType = "openai_compatible"
	ProviderAnthropic        ProviderType = "anthropic"
	ProviderGemini           ProviderType = "gemini"
	ProviderOllama           ProviderType = "ollama"
)

// ProviderDescriptor is the read-only routing record for one upstream
// provider (§3).
type ProviderDescriptor struct {
	ID                   string       `json:"id"`
	Type                 ProviderType `json:"type"`
	BaseURL              string       `json:"base_url"`
	APIKey               string       `json:"api_key"`
	ProviderFeeMultiplier float64     `json:"provider_fee_multiplier"`
}

// seedFile is the on-disk shape loaded from CatalogConfig.SeedFile.
type seedFile struct {
	Models    []ModelDescriptor    `json:"models"`
	Providers []ProviderDescriptor `json:"providers"`
}

// Catalog is the in-memory, concurrency-safe snapshot of models and
// providers. Reloads replace the snapshot atomically under a single lock so
// in-flight lookups never observe a half-updated catalog.
type Catalog struct {
	mu        sync.RWMutex
	models    map[string]ModelDescriptor
	providers map[string]ProviderDescriptor
	path      string
	loadedAt  time.Time
}

// New returns an empty catalog. LoadFile must be called before lookups
// return anything.
func New() *Catalog {
	return &Catalog{
		models:    make(map[string]ModelDescriptor),
		providers: make(map[string]ProviderDescriptor),
	}
}

// LoadFile reads and parses a JSON seed file, replacing the current
// snapshot. The path is remembered so a later Reload can re-read it.
func (c *Catalog) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var seed seedFile
	if err := json.Unmarshal(raw, &seed); err != nil {
		return err
	}

	models := make(map[string]ModelDescriptor, len(seed.Models))
	for _, m := range seed.Models {
		if m.MaxCostMsat == 0 {
			m.MaxCostMsat = precomputeMaxCost(m)
		}
		models[m.ID] = m
	}
	providers := make(map[string]ProviderDescriptor, len(seed.Providers))
	for _, p := range seed.Providers {
		if p.ProviderFeeMultiplier == 0 {
			p.ProviderFeeMultiplier = 1.01
		}
		providers[p.ID] = p
	}

	c.mu.Lock()
	c.models = models
	c.providers = providers
	c.path = path
	c.loadedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// Reload re-reads the last path passed to LoadFile. It is a no-op error if
// LoadFile was never called.
func (c *Catalog) Reload() error {
	c.mu.RLock()
	path := c.path
	c.mu.RUnlock()
	if path == "" {
		return errors.New("catalog: no seed file loaded")
	}
	return c.LoadFile(path)
}

// Model returns the descriptor for id.
func (c *Catalog) Model(id string) (ModelDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[id]
	if !ok {
		return ModelDescriptor{}, ErrModelNotFound
	}
	return m, nil
}

// Provider returns the descriptor for id.
func (c *Catalog) Provider(id string) (ProviderDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[id]
	if !ok {
		return ProviderDescriptor{}, ErrProviderNotFound
	}
	return p, nil
}

// ListModels returns every loaded model descriptor. The /v1/models route is
// proxied upstream and does not use it.
func (c *Catalog) ListModels() []ModelDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ModelDescriptor, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	return out
}

// LoadedAt reports when the current snapshot was loaded, for health/admin
// reporting.
func (c *Catalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// precomputeMaxCost fills MaxCostMsat for a model whose seed entry omitted
// it, approximating a full-context single-shot completion priced entirely
// as completion tokens (§3's "precomputed ceiling when possible").
func precomputeMaxCost(m ModelDescriptor) int64 {
	if m.ContextLength == 0 {
		return 0
	}
	return ceilMsat(float64(m.ContextLength) * m.CompletionMsatPerToken)
}

func ceilMsat(v float64) int64 {
	n := int64(v)
	if float64(n) < v {
		n++
	}
	return n
}

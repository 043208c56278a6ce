package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSeed = `{
	"models": [
		{"id": "gpt-test", "upstream_provider_id": "openai", "context_length": 8192,
		 "prompt_msat_per_token": 1.0, "completion_msat_per_token": 2.0, "request_fee_msat": 0},
		{"id": "vision-test", "upstream_provider_id": "openai", "context_length": 4096,
		 "prompt_msat_per_token": 1.0, "completion_msat_per_token": 2.0,
		 "completion_image_msat_per_token": 50.0, "request_fee_msat": 0}
	],
	"providers": [
		{"id": "openai", "type": "openai_compatible", "base_url": "https://api.openai.com", "api_key": "sk-upstream"}
	]
}`

func writeSeed(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleSeed), 0o600))
	return path
}

func TestCatalog_LoadAndLookup(t *testing.T) {
	c := New()
	require.NoError(t, c.LoadFile(writeSeed(t)))

	m, err := c.Model("gpt-test")
	require.NoError(t, err)
	assert.Equal(t, "openai", m.UpstreamProviderID)
	assert.Equal(t, int64(8192*2), m.MaxCostMsat, "max cost should precompute as full context priced as completion tokens")

	p, err := c.Provider("openai")
	require.NoError(t, err)
	assert.Equal(t, 1.01, p.ProviderFeeMultiplier, "missing fee multiplier must default to 1.01")
}

func TestCatalog_ModelNotFound(t *testing.T) {
	c := New()
	require.NoError(t, c.LoadFile(writeSeed(t)))

	_, err := c.Model("nonexistent")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestCatalog_ProviderNotFound(t *testing.T) {
	c := New()
	require.NoError(t, c.LoadFile(writeSeed(t)))

	_, err := c.Provider("nonexistent")
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestCatalog_Reload(t *testing.T) {
	path := writeSeed(t)
	c := New()
	require.NoError(t, c.LoadFile(path))

	updated := `{"models": [{"id": "gpt-test2", "upstream_provider_id": "openai", "context_length": 100, "prompt_msat_per_token": 1, "completion_msat_per_token": 1}], "providers": []}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	require.NoError(t, c.Reload())

	_, err := c.Model("gpt-test")
	assert.ErrorIs(t, err, ErrModelNotFound, "reload must replace the snapshot, not merge into it")

	_, err = c.Model("gpt-test2")
	assert.NoError(t, err)
}

func TestCatalog_ListModels(t *testing.T) {
	c := New()
	require.NoError(t, c.LoadFile(writeSeed(t)))
	assert.Len(t, c.ListModels(), 2)
}

package costmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routstr/proxy/internal/catalog"
)

func testModel() catalog.ModelDescriptor {
	return catalog.ModelDescriptor{
		ID:                     "gpt-test",
		ContextLength:          1000,
		PromptMsatPerToken:     20,  // 20000 msat / 1k input tokens
		CompletionMsatPerToken: 40,  // 40000 msat / 1k output tokens
	}
}

func testProvider() catalog.ProviderDescriptor {
	return catalog.ProviderDescriptor{ID: "openai", ProviderFeeMultiplier: 1.01}
}

func TestMaxCost(t *testing.T) {
	max, err := MaxCost(testModel(), testProvider(), 0)
	require.NoError(t, err)
	assert.Greater(t, max, int64(0))
}

func TestMaxCost_UnknownModel(t *testing.T) {
	_, err := MaxCost(catalog.ModelDescriptor{}, testProvider(), 0)
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestMaxCost_PrecomputedValueShortCircuits(t *testing.T) {
	model := testModel()
	model.MaxCostMsat = 12345
	max, err := MaxCost(model, testProvider(), 500)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), max)
}

func TestMaxCost_SplitsOnDeclaredCompletionBudget(t *testing.T) {
	model := catalog.ModelDescriptor{
		ID:                     "gpt-test",
		ContextLength:          1000,
		PromptMsatPerToken:     20,
		CompletionMsatPerToken: 40,
	}
	provider := catalog.ProviderDescriptor{ID: "openai", ProviderFeeMultiplier: 1}

	max, err := MaxCost(model, provider, 200)
	require.NoError(t, err)
	// prompt_ceiling = (1000-200)*20 = 16000, completion_ceiling = 200*40 = 8000
	assert.Equal(t, int64(16000+8000), max)
}

func TestMaxCost_DefaultSplitWhenNoCompletionBudgetDeclared(t *testing.T) {
	model := catalog.ModelDescriptor{
		ID:                     "gpt-test",
		ContextLength:          1000,
		PromptMsatPerToken:     20,
		CompletionMsatPerToken: 40,
	}
	provider := catalog.ProviderDescriptor{ID: "openai", ProviderFeeMultiplier: 1}

	max, err := MaxCost(model, provider, 0)
	require.NoError(t, err)
	// 0.8*1000=800 prompt tokens, 0.2*1000=200 completion tokens
	assert.Equal(t, int64(800*20+200*40), max)
}

func TestMaxCost_FallsBackToConstantsWhenContextLengthMissing(t *testing.T) {
	model := catalog.ModelDescriptor{ID: "gpt-test"}
	provider := catalog.ProviderDescriptor{ID: "openai", ProviderFeeMultiplier: 1}

	max, err := MaxCost(model, provider, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(fallbackPromptCeilingMsat+fallbackCompletionCeilingMsat+fallbackRequestFeeMsat), max)
}

func TestMaxCost_NeverReturnsZeroForBillableModel(t *testing.T) {
	model := catalog.ModelDescriptor{ID: "gpt-test"}
	max, err := MaxCost(model, catalog.ProviderDescriptor{}, 0)
	require.NoError(t, err)
	assert.Greater(t, max, int64(0))
}

func TestSettle_TokenBased(t *testing.T) {
	usage := &Usage{PromptTokens: 50, CompletionTokens: 50}
	model := catalog.ModelDescriptor{
		PromptMsatPerToken:     20, // scaled per-token, not per-1k, here for test simplicity
		CompletionMsatPerToken: 40,
	}
	settled, err := Settle(usage, 1_000_000, model, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTokenBased, settled.Outcome)
	assert.Equal(t, int64(50*20+50*40), settled.TotalMsat)
}

func TestSettle_HappyPathExample(t *testing.T) {
	// §8 example 1: 50 prompt + 50 completion tokens, 1000 msat/1k input,
	// 2000 msat/1k output -> settled = 150 msat.
	usage := &Usage{PromptTokens: 50, CompletionTokens: 50}
	model := catalog.ModelDescriptor{
		PromptMsatPerToken:     1.0, // 1000 msat / 1000 tokens
		CompletionMsatPerToken: 2.0, // 2000 msat / 1000 tokens
	}
	settled, err := Settle(usage, 200_000, model, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(150), settled.TotalMsat)
}

func TestSettle_NoUsageFallsBackToMaxCost(t *testing.T) {
	settled, err := Settle(nil, 5000, testModel(), 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoUsage, settled.Outcome)
	assert.Equal(t, int64(5000), settled.TotalMsat)
}

func TestSettle_USDCostTakesPriority(t *testing.T) {
	usage := &Usage{PromptTokens: 50, CompletionTokens: 50, UpstreamInferenceCostUSD: 0.01}
	settled, err := Settle(usage, 1_000_000, testModel(), 2000) // 2000 sats per USD
	require.NoError(t, err)
	assert.Equal(t, OutcomeUSDCost, settled.Outcome)
	assert.Equal(t, int64(0.01*2000*1000), settled.TotalMsat)
}

func TestSettle_ImageTokensPricedSeparately(t *testing.T) {
	usage := &Usage{PromptTokens: 10, CompletionTokens: 100, ImageTokens: 30}
	model := catalog.ModelDescriptor{
		PromptMsatPerToken:          1,
		CompletionMsatPerToken:      2,
		CompletionImageMsatPerToken: 10,
	}
	settled, err := Settle(usage, 1_000_000, model, 0)
	require.NoError(t, err)
	// output tokens become 70 after subtracting 30 image tokens.
	expected := int64(10*1 + 70*2 + 30*10)
	assert.Equal(t, expected, settled.TotalMsat)
}

func TestSettle_MissingPricingReturnsError(t *testing.T) {
	usage := &Usage{PromptTokens: 10, CompletionTokens: 10}
	_, err := Settle(usage, 1000, catalog.ModelDescriptor{}, 0)
	assert.ErrorIs(t, err, ErrPricingNotFound)
}

func TestClip(t *testing.T) {
	assert.Equal(t, int64(0), Clip(-10, 100))
	assert.Equal(t, int64(100), Clip(150, 100))
	assert.Equal(t, int64(42), Clip(42, 100))
}

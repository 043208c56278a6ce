// Package costmodel computes the pessimistic pre-request maximum cost and
// the post-response settled cost from upstream usage metadata (§4.3).
package costmodel

import (
	"errors"
	"math"

	"github.com/routstr/proxy/internal/catalog"
)

// ErrModelNotFound mirrors catalog.ErrModelNotFound for callers that only
// import costmodel.
var ErrModelNotFound = catalog.ErrModelNotFound

// ErrPricingNotFound is returned when a model descriptor lacks the
// per-token prices needed for a token-based settlement.
var ErrPricingNotFound = errors.New("costmodel: pricing not found")

// Usage is the subset of an upstream response's usage object the cost
// model reads. Field names follow both the OpenAI chat-completions shape
// (prompt_tokens/completion_tokens) and the newer responses-API shape
// (input_tokens/output_tokens); the upstream package's usage parsers fill
// whichever pair the upstream used, and Settle reads prompt/completion
// first, falling back to input/output.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	InputTokens      int64
	OutputTokens     int64
	ImageTokens      int64

	// CostUSD and UpstreamInferenceCostUSD carry an upstream-reported
	// dollar cost when present; UpstreamInferenceCostUSD takes priority.
	CostUSD                  float64
	UpstreamInferenceCostUSD float64
}

// Fallback constants for a model descriptor that declares no context
// length at all (§4.3 step 3's final fallback): flat prompt/completion/fee
// ceilings substituted for the ones that would otherwise come from
// context_length · per-token rates.
const (
	fallbackPromptCeilingMsat     = 1_000_000
	fallbackCompletionCeilingMsat = 32_000
	fallbackRequestFeeMsat        = 100_000

	// completionBudgetSplit is the fraction of context_length treated as
	// completion tokens when the request declares no completion budget.
	completionBudgetSplit = 0.2
)

// MaxCost computes the pessimistic upper bound reserved before dispatch
// (§4.3 steps 1-5).
//
// Step 2: a descriptor carrying a precomputed max_cost_msat short-circuits
// the rest of the algorithm.
//
// Step 3: otherwise the ceiling is built from the declared context window,
// split between prompt and completion tokens at maxCompletionTokens (from
// the request body's max_completion_tokens/max_tokens) if given, else at
// the 0.8/0.2 default split. A descriptor with no context length at all
// falls back to flat constants for every term.
//
// Step 4: the provider's fee multiplier is applied to the final sum and
// the result is rounded up to the nearest msat.
func MaxCost(model catalog.ModelDescriptor, provider catalog.ProviderDescriptor, maxCompletionTokens int64) (int64, error) {
	if model.ID == "" {
		return 0, ErrModelNotFound
	}

	multiplier := provider.ProviderFeeMultiplier
	if multiplier == 0 {
		multiplier = 1.01
	}

	if model.MaxCostMsat > 0 {
		return model.MaxCostMsat, nil
	}

	var promptCeiling, completionCeiling, requestFeeMsat float64

	if model.ContextLength <= 0 {
		promptCeiling = fallbackPromptCeilingMsat
		completionCeiling = fallbackCompletionCeilingMsat
		requestFeeMsat = fallbackRequestFeeMsat
	} else {
		contextLength := float64(model.ContextLength)

		var promptTokens, completionTokens float64
		if maxCompletionTokens > 0 {
			completionTokens = float64(maxCompletionTokens)
			promptTokens = contextLength - completionTokens
			if promptTokens < 0 {
				promptTokens = 0
			}
		} else {
			promptTokens = contextLength * (1 - completionBudgetSplit)
			completionTokens = contextLength * completionBudgetSplit
		}

		promptCeiling = promptTokens * model.PromptMsatPerToken
		completionCeiling = completionTokens * model.CompletionMsatPerToken
		requestFeeMsat = float64(model.RequestFeeMsat)
	}

	base := promptCeiling + completionCeiling + requestFeeMsat
	result := ceilMsat(base * multiplier)
	if result <= 0 {
		// floor: a billable request must never reserve zero credit (§4.4/§5, I2/P2).
		result = ceilMsat(fallbackRequestFeeMsat * multiplier)
	}
	return result, nil
}

// SettleOutcome tags which branch of the settlement algorithm produced a
// Settled result, mirroring the upstream implementation's CostData /
// MaxCostData / CostDataError tagged union (§4.3).
type SettleOutcome int

const (
	// OutcomeUSDCost: upstream reported a dollar cost, converted via the
	// price oracle's sats-per-USD sample.
	OutcomeUSDCost SettleOutcome = iota
	// OutcomeTokenBased: no dollar cost; priced from the model's
	// per-token rates.
	OutcomeTokenBased
	// OutcomeNoUsage: the response carried no usage object at all; the
	// caller settles at the reserved max cost.
	OutcomeNoUsage
)

// Settled is the result of a successful settlement computation.
type Settled struct {
	TotalMsat int64
	Outcome   SettleOutcome
}

// Settle computes the actual cost of a completed request from its usage
// metadata (§4.3 steps 1-5). maxCostMsat is the amount already reserved;
// when usage is absent this is returned unchanged (OutcomeNoUsage) per
// §4.3's conservative fallback, and again by the caller whenever Settle
// itself returns an error. Settling at max_cost_msat is the caller's
// responsibility on both paths (§5, §7).
//
// satsPerUSD is the price oracle's current USD-per-satoshi sample inverted;
// pass 0 if the oracle has no sample yet, which forces a fall-through to
// token-based pricing even when the upstream reported a dollar cost.
func Settle(usage *Usage, maxCostMsat int64, model catalog.ModelDescriptor, satsPerUSD float64) (Settled, error) {
	if usage == nil {
		return Settled{TotalMsat: maxCostMsat, Outcome: OutcomeNoUsage}, nil
	}

	usdCost := usage.UpstreamInferenceCostUSD
	if usdCost == 0 {
		usdCost = usage.CostUSD
	}
	if usdCost > 0 && satsPerUSD > 0 {
		costInSats := usdCost * satsPerUSD
		return Settled{TotalMsat: ceilMsat(costInSats * 1000), Outcome: OutcomeUSDCost}, nil
	}

	if model.PromptMsatPerToken == 0 || model.CompletionMsatPerToken == 0 {
		return Settled{}, ErrPricingNotFound
	}

	inputTokens := usage.PromptTokens
	if inputTokens == 0 {
		inputTokens = usage.InputTokens
	}
	outputTokens := usage.CompletionTokens
	if outputTokens == 0 {
		outputTokens = usage.OutputTokens
	}

	var imageMsat float64
	if model.CompletionImageMsatPerToken > 0 && usage.ImageTokens > 0 {
		if outputTokens >= usage.ImageTokens {
			outputTokens -= usage.ImageTokens
		}
		imageMsat = float64(usage.ImageTokens) * model.CompletionImageMsatPerToken
	}

	inputMsat := float64(inputTokens) * model.PromptMsatPerToken
	outputMsat := float64(outputTokens) * model.CompletionMsatPerToken

	total := ceilMsat(inputMsat + outputMsat + imageMsat)
	return Settled{TotalMsat: total, Outcome: OutcomeTokenBased}, nil
}

// Clip bounds a settled amount to [0, maxCostMsat] (§4.3 step, I3/P4).
func Clip(total, maxCostMsat int64) int64 {
	if total < 0 {
		return 0
	}
	if total > maxCostMsat {
		return maxCostMsat
	}
	return total
}

func ceilMsat(v float64) int64 {
	return int64(math.Ceil(v))
}

// Package cost projects and computes LLM spend from per-million token prices.
package cost

import (
	"math"

	"github.com/jonathan/probe-orchestrator/internal/db"
	"github.com/jonathan/probe-orchestrator/internal/types"
)

// Default per-probe token budget used for projections.
const (
	DefaultInputTokensPerProbe  = 2000
	DefaultOutputTokensPerProbe = 1500
)

// FallbackPricing is substituted for models without price metadata.
var FallbackPricing = db.ModelPricing{
	CostInputPerMillion:  3.0,
	CostOutputPerMillion: 15.0,
}

// Estimator projects the spend of a candidate run.
type Estimator struct {
	InputTokensPerProbe  int
	OutputTokensPerProbe int
	Fallback             db.ModelPricing
}

// NewEstimator returns an estimator with the default token budget and fallback prices.
func NewEstimator() *Estimator {
	return &Estimator{
		InputTokensPerProbe:  DefaultInputTokensPerProbe,
		OutputTokensPerProbe: DefaultOutputTokensPerProbe,
		Fallback:             FallbackPricing,
	}
}

// Estimate computes the projected cost of probing scenarioCount scenarios with each model.
// Models missing from prices use the fallback price and flag the estimate.
func (e *Estimator) Estimate(prices map[string]db.ModelPricing, models []string, scenarioCount int) types.CostEstimate {
	estimate := types.CostEstimate{
		ScenarioCount: scenarioCount,
		PerModel:      make([]types.ModelCostEstimate, 0, len(models)),
	}

	for _, modelID := range models {
		pricing, ok := prices[modelID]
		if !ok {
			pricing = e.Fallback
		}

		inputTokens := e.InputTokensPerProbe * scenarioCount
		outputTokens := e.OutputTokensPerProbe * scenarioCount
		inputCost := TokenCost(inputTokens, pricing.CostInputPerMillion)
		outputCost := TokenCost(outputTokens, pricing.CostOutputPerMillion)

		estimate.PerModel = append(estimate.PerModel, types.ModelCostEstimate{
			ModelID:          modelID,
			InputTokens:      inputTokens,
			OutputTokens:     outputTokens,
			InputCost:        round6(inputCost),
			OutputCost:       round6(outputCost),
			Total:            round6(inputCost + outputCost),
			IsUsingFallback:  !ok,
			CostInputPerMil:  pricing.CostInputPerMillion,
			CostOutputPerMil: pricing.CostOutputPerMillion,
		})
		estimate.Total += inputCost + outputCost
		if !ok {
			estimate.IsUsingFallback = true
		}
	}

	estimate.Total = round6(estimate.Total)
	return estimate
}

// TokenCost returns the dollar cost of tokens at a per-million price.
func TokenCost(tokens int, perMillion float64) float64 {
	if tokens <= 0 {
		return 0
	}
	return float64(tokens) / 1_000_000 * perMillion
}

// Calculate returns the cost of one probe's actual token usage.
func Calculate(inputTokens, outputTokens int, pricing db.ModelPricing) float64 {
	return round6(TokenCost(inputTokens, pricing.CostInputPerMillion) +
		TokenCost(outputTokens, pricing.CostOutputPerMillion))
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

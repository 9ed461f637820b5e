package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/probe-orchestrator/internal/db"
)

func TestEstimate_KnownPricing(t *testing.T) {
	e := NewEstimator()
	prices := map[string]db.ModelPricing{
		"gpt-4o": {CostInputPerMillion: 2.5, CostOutputPerMillion: 10},
	}

	est := e.Estimate(prices, []string{"gpt-4o"}, 10)

	require.Len(t, est.PerModel, 1)
	m := est.PerModel[0]
	assert.Equal(t, 20000, m.InputTokens)
	assert.Equal(t, 15000, m.OutputTokens)
	assert.InDelta(t, 0.05, m.InputCost, 1e-9)
	assert.InDelta(t, 0.15, m.OutputCost, 1e-9)
	assert.InDelta(t, 0.2, m.Total, 1e-9)
	assert.False(t, m.IsUsingFallback)
	assert.InDelta(t, 0.2, est.Total, 1e-9)
	assert.Equal(t, 10, est.ScenarioCount)
	assert.False(t, est.IsUsingFallback)
}

func TestEstimate_FallbackPricing(t *testing.T) {
	e := NewEstimator()
	prices := map[string]db.ModelPricing{
		"known": {CostInputPerMillion: 1, CostOutputPerMillion: 1},
	}

	est := e.Estimate(prices, []string{"known", "unknown"}, 4)

	require.Len(t, est.PerModel, 2)
	assert.False(t, est.PerModel[0].IsUsingFallback)
	assert.True(t, est.PerModel[1].IsUsingFallback)
	assert.Equal(t, FallbackPricing.CostInputPerMillion, est.PerModel[1].CostInputPerMil)
	assert.True(t, est.IsUsingFallback)
	assert.InDelta(t, est.PerModel[0].Total+est.PerModel[1].Total, est.Total, 1e-6)
}

func TestEstimate_NoModels(t *testing.T) {
	est := NewEstimator().Estimate(nil, nil, 25)
	assert.Zero(t, est.Total)
	assert.Empty(t, est.PerModel)
	assert.Equal(t, 25, est.ScenarioCount)
}

func TestCalculate(t *testing.T) {
	pricing := db.ModelPricing{CostInputPerMillion: 2.5, CostOutputPerMillion: 10}

	assert.InDelta(t, 0.0125, Calculate(1000, 1000, pricing), 1e-9)
	assert.Zero(t, Calculate(0, -5, pricing))
}

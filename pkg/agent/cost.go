package agent

import (
	"github.com/fluxloop/agentcore/pkg/ai"
	"github.com/fluxloop/agentcore/pkg/ai/models"
)

// computeTurnCost converts one assistant message's token usage into a USD
// cost breakdown using the static pricing table in pkg/ai/models. Unknown
// models price at zero rather than failing the turn — cost tracking is a
// convenience, not a hard dependency of the loop.
func computeTurnCost(model string, usage ai.Usage) CostUsage {
	info := models.Lookup(model)
	if info == nil {
		return CostUsage{InputTokens: usage.Input, OutputTokens: usage.Output}
	}

	inputCost := float64(usage.Input) / 1_000_000 * info.InputCostPer1M
	outputCost := float64(usage.Output) / 1_000_000 * info.OutputCostPer1M
	cacheReadCost := float64(usage.CacheRead) / 1_000_000 * info.CacheReadCostPer1M
	cacheWriteCost := float64(usage.CacheWrite) / 1_000_000 * info.CacheWriteCostPer1M

	return CostUsage{
		InputTokens:  usage.Input,
		OutputTokens: usage.Output,
		InputCost:    inputCost,
		OutputCost:   outputCost,
		TotalCost:    inputCost + outputCost + cacheReadCost + cacheWriteCost,
	}
}

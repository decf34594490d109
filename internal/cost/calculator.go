// Package cost computes the billable cost of one execution from the actual
// reported token counts, the chosen model's rates, and the caller's tier.
package cost

import (
	"github.com/fmarinho/agentgov/internal/domain"
)

type Calculator struct{}

func NewCalculator() *Calculator {
	return &Calculator{}
}

// Cost prices an execution. BYOK tiers pay a flat per-execution fee and no
// token charge: the caller supplied their own provider credential, so the
// provider bills them directly. All other tiers pay token cost at the
// model's rates plus the tier's markup.
func (c *Calculator) Cost(model domain.ModelDescriptor, tier domain.Tier, inputTokens, outputTokens int) float64 {
	if tier.BYOK {
		return tier.FlatFeeUSD
	}

	tokenCost := float64(inputTokens)/1000*model.InputPer1K +
		float64(outputTokens)/1000*model.OutputPer1K

	return tokenCost * (1 + tier.MarkupPercent/100)
}

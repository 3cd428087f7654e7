// Package cost estimates the price of serving a request on a given provider.
package cost

import (
	"context"
	"strings"
)

// Source supplies live cost-per-token overrides, e.g. from a billing service.
// Absent or failing sources fall back to static registry values.
type Source interface {
	CostPerToken(ctx context.Context, providerID string) (float64, bool)
}

// Reference prices per token in USD, used when a provider entry carries no
// cost of its own. Keyed by model family prefix.
var fallbackCostPerToken = map[string]float64{
	"gpt-4o-mini":      0.00000015,
	"gpt-4o":           0.0000025,
	"gpt-4":            0.00003,
	"gpt-3.5-turbo":    0.0000015,
	"o4-mini":          0.0000011,
	"o4":               0.000008,
	"claude-3-haiku":   0.00000025,
	"claude-3":         0.000003,
	"gemini-1.5-flash": 0.000000075,
	"gemini":           0.00000125,
	"mistral":          0.0000007,
	"llama":            0.0000002,
}

type Estimator struct {
	source Source
}

// NewEstimator creates an estimator. source may be nil.
func NewEstimator(source Source) *Estimator {
	return &Estimator{source: source}
}

// PerToken resolves the effective cost per token for a provider: the live
// billing override when available, otherwise the static registry value,
// otherwise the model-family fallback table.
func (e *Estimator) PerToken(ctx context.Context, providerID string, staticCost float64, model string) float64 {
	if e.source != nil {
		if cost, ok := e.source.CostPerToken(ctx, providerID); ok && cost > 0 {
			return cost
		}
	}
	if staticCost > 0 {
		return staticCost
	}
	return FallbackCostPerToken(model)
}

// Estimate returns the expected cost of a request.
func (e *Estimator) Estimate(ctx context.Context, providerID string, staticCost float64, model string, expectedTokens int) float64 {
	if expectedTokens < 0 {
		expectedTokens = 0
	}
	return e.PerToken(ctx, providerID, staticCost, model) * float64(expectedTokens)
}

// FallbackCostPerToken returns the reference price for a model, matching the
// longest known model-family prefix. Unknown models cost zero, which scoring
// treats as "no cost signal".
func FallbackCostPerToken(model string) float64 {
	bestLen := 0
	bestCost := 0.0
	lower := strings.ToLower(model)
	for prefix, cost := range fallbackCostPerToken {
		if strings.HasPrefix(lower, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			bestCost = cost
		}
	}
	return bestCost
}

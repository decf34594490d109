// Package selector picks the cheapest model that satisfies a task's
// constraints. Selection is a pure function of the registry snapshot, the
// current circuit states, and the inputs: same inputs, same answer.
package selector

import (
	"github.com/fmarinho/agentgov/internal/domain"
)

// CircuitProbe reports whether a provider's circuit is currently open.
// Satisfied by circuitbreaker.Registry.
type CircuitProbe interface {
	Open(dependency string) bool
}

// Signature is a coarse, deterministic complexity estimate for a task.
type Signature struct {
	EstInputTokens  int
	EstOutputTokens int
	Complexity      float64 // 0..1
}

// Constraints narrows the eligible set. Nil fields mean unconstrained.
type Constraints struct {
	BudgetUSD    *float64
	MinQuality   *int
	MaxLatencyMs *int64
}

const (
	defaultOutputTokens = 500
	charsPerToken       = 4
)

// Estimate derives a task signature from input size and the declared
// requirement flags. A simple weighted heuristic, not a learned model.
func Estimate(p domain.TaskPayload) Signature {
	inputTokens := len(p.Input) / charsPerToken
	if inputTokens < 1 {
		inputTokens = 1
	}

	complexity := 0.0
	switch {
	case inputTokens > 20_000:
		complexity += 0.4
	case inputTokens > 4_000:
		complexity += 0.25
	case inputTokens > 500:
		complexity += 0.1
	}
	if p.RequiresReasoning {
		complexity += 0.35
	}
	if p.RequiresHighFidelity {
		complexity += 0.25
	}
	if complexity > 1 {
		complexity = 1
	}

	outputTokens := p.MaxOutputTokens
	if outputTokens <= 0 {
		// Complex tasks tend to produce longer outputs.
		outputTokens = defaultOutputTokens + int(complexity*float64(2*defaultOutputTokens))
	}

	return Signature{
		EstInputTokens:  inputTokens,
		EstOutputTokens: outputTokens,
		Complexity:      complexity,
	}
}

// Selector holds the read-only model registry. It has no mutable state.
type Selector struct {
	registry []domain.ModelDescriptor
	byID     map[string]domain.ModelDescriptor
	circuits CircuitProbe
}

func New(registry []domain.ModelDescriptor, circuits CircuitProbe) *Selector {
	byID := make(map[string]domain.ModelDescriptor, len(registry))
	for _, m := range registry {
		byID[m.ID] = m
	}
	return &Selector{registry: registry, byID: byID, circuits: circuits}
}

// ByID resolves an explicit model override against the registry.
func (s *Selector) ByID(id string) (domain.ModelDescriptor, bool) {
	m, ok := s.byID[id]
	return m, ok
}

// EstimatedCost prices a task signature against a model's rates.
func EstimatedCost(m domain.ModelDescriptor, sig Signature) float64 {
	return float64(sig.EstInputTokens)/1000*m.InputPer1K + float64(sig.EstOutputTokens)/1000*m.OutputPer1K
}

// Choose filters the registry to models that fit the budget, meet the
// quality and latency constraints, can hold the input in context, and whose
// provider circuit is not open; among survivors it picks the minimum
// estimated cost, breaking ties by higher quality, then higher speed.
// Constraints are never relaxed silently: an empty survivor set returns
// domain.ErrNoEligibleModel.
func (s *Selector) Choose(sig Signature, c Constraints) (domain.ModelDescriptor, error) {
	minSpeed := 0
	if c.MaxLatencyMs != nil {
		minSpeed = speedFloor(*c.MaxLatencyMs)
	}

	var best domain.ModelDescriptor
	found := false

	for _, m := range s.registry {
		if sig.EstInputTokens > m.MaxContext {
			continue
		}
		if c.MinQuality != nil && m.Quality < *c.MinQuality {
			continue
		}
		if m.Speed < minSpeed {
			continue
		}
		if c.BudgetUSD != nil && EstimatedCost(m, sig) > *c.BudgetUSD {
			continue
		}
		if s.circuits != nil && s.circuits.Open(m.Provider) {
			continue
		}

		if !found || better(m, best, sig) {
			best = m
			found = true
		}
	}

	if !found {
		return domain.ModelDescriptor{}, domain.ErrNoEligibleModel
	}
	return best, nil
}

// better reports whether a beats b: lower estimated cost, then higher
// quality, then higher speed.
func better(a, b domain.ModelDescriptor, sig Signature) bool {
	ca, cb := EstimatedCost(a, sig), EstimatedCost(b, sig)
	if ca != cb {
		return ca < cb
	}
	if a.Quality != b.Quality {
		return a.Quality > b.Quality
	}
	return a.Speed > b.Speed
}

// speedFloor maps a latency ceiling to the minimum speed score a model must
// carry to plausibly meet it.
func speedFloor(maxLatencyMs int64) int {
	switch {
	case maxLatencyMs < 2_000:
		return 9
	case maxLatencyMs < 5_000:
		return 7
	case maxLatencyMs < 15_000:
		return 5
	case maxLatencyMs < 60_000:
		return 3
	default:
		return 0
	}
}

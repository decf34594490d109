package selector

import (
	"errors"
	"strings"
	"testing"

	"github.com/fmarinho/agentgov/internal/domain"
)

func testRegistry() []domain.ModelDescriptor {
	return []domain.ModelDescriptor{
		{ID: "cheap-fast", Provider: "openai", InputPer1K: 0.0001, OutputPer1K: 0.0004, Quality: 5, Speed: 9, MaxContext: 16_000},
		{ID: "mid", Provider: "openai", InputPer1K: 0.003, OutputPer1K: 0.015, Quality: 8, Speed: 6, MaxContext: 128_000},
		{ID: "premium", Provider: "bedrock", InputPer1K: 0.015, OutputPer1K: 0.075, Quality: 10, Speed: 4, MaxContext: 200_000},
	}
}

type fakeProbe struct {
	open map[string]bool
}

func (p *fakeProbe) Open(dep string) bool { return p.open[dep] }

func TestEstimate_Deterministic(t *testing.T) {
	p := domain.TaskPayload{Input: strings.Repeat("x", 5000), RequiresReasoning: true}

	a := Estimate(p)
	b := Estimate(p)
	if a != b {
		t.Errorf("estimator must be deterministic: %+v != %+v", a, b)
	}
	if a.EstInputTokens != 1250 {
		t.Errorf("expected 1250 input tokens, got %d", a.EstInputTokens)
	}
	if a.Complexity <= 0 {
		t.Error("reasoning task should have nonzero complexity")
	}
}

func TestEstimate_FlagsRaiseComplexity(t *testing.T) {
	base := Estimate(domain.TaskPayload{Input: "hello"})
	reasoning := Estimate(domain.TaskPayload{Input: "hello", RequiresReasoning: true})
	fidelity := Estimate(domain.TaskPayload{Input: "hello", RequiresReasoning: true, RequiresHighFidelity: true})

	if !(base.Complexity < reasoning.Complexity && reasoning.Complexity < fidelity.Complexity) {
		t.Errorf("complexity should increase with flags: %v, %v, %v",
			base.Complexity, reasoning.Complexity, fidelity.Complexity)
	}
}

func TestChoose_PicksCheapestEligible(t *testing.T) {
	s := New(testRegistry(), nil)
	sig := Estimate(domain.TaskPayload{Input: "summarize this"})

	m, err := s.Choose(sig, Constraints{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID != "cheap-fast" {
		t.Errorf("expected cheap-fast, got %s", m.ID)
	}
}

func TestChoose_MinQualityFilters(t *testing.T) {
	s := New(testRegistry(), nil)
	sig := Estimate(domain.TaskPayload{Input: "summarize this"})

	minQ := 7
	m, err := s.Choose(sig, Constraints{MinQuality: &minQ})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID != "mid" {
		t.Errorf("expected mid (cheapest with quality >= 7), got %s", m.ID)
	}
}

func TestChoose_TighterQualityNeverCheaper(t *testing.T) {
	s := New(testRegistry(), nil)
	sig := Estimate(domain.TaskPayload{Input: "summarize this"})

	loose, err := s.Choose(sig, Constraints{})
	if err != nil {
		t.Fatal(err)
	}
	q := 7
	tight, err := s.Choose(sig, Constraints{MinQuality: &q})
	if err != nil {
		t.Fatal(err)
	}

	if EstimatedCost(tight, sig) < EstimatedCost(loose, sig) {
		t.Errorf("tightening min_quality must not reduce cost: loose=%f tight=%f",
			EstimatedCost(loose, sig), EstimatedCost(tight, sig))
	}
}

func TestChoose_BudgetExcludes(t *testing.T) {
	s := New(testRegistry(), nil)
	sig := Estimate(domain.TaskPayload{Input: "summarize this"})

	tiny := 0.0000001
	_, err := s.Choose(sig, Constraints{BudgetUSD: &tiny})
	if !errors.Is(err, domain.ErrNoEligibleModel) {
		t.Fatalf("expected ErrNoEligibleModel under impossible budget, got %v", err)
	}
}

func TestChoose_SkipsOpenCircuits(t *testing.T) {
	probe := &fakeProbe{open: map[string]bool{"openai": true}}
	s := New(testRegistry(), probe)
	sig := Estimate(domain.TaskPayload{Input: "summarize this"})

	m, err := s.Choose(sig, Constraints{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Provider != "bedrock" {
		t.Errorf("expected a bedrock model with openai circuit open, got %s (%s)", m.ID, m.Provider)
	}
}

func TestChoose_AllCircuitsOpen(t *testing.T) {
	probe := &fakeProbe{open: map[string]bool{"openai": true, "bedrock": true}}
	s := New(testRegistry(), probe)
	sig := Estimate(domain.TaskPayload{Input: "summarize this"})

	_, err := s.Choose(sig, Constraints{})
	if !errors.Is(err, domain.ErrNoEligibleModel) {
		t.Fatalf("expected ErrNoEligibleModel with all circuits open, got %v", err)
	}
}

func TestChoose_ContextWindowExcludes(t *testing.T) {
	s := New(testRegistry(), nil)
	sig := Signature{EstInputTokens: 150_000, EstOutputTokens: 500}

	m, err := s.Choose(sig, Constraints{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID != "premium" {
		t.Errorf("expected premium (only model fitting 150k tokens), got %s", m.ID)
	}
}

func TestChoose_LatencyConstraint(t *testing.T) {
	s := New(testRegistry(), nil)
	sig := Estimate(domain.TaskPayload{Input: "quick one"})

	maxLatency := int64(1500)
	m, err := s.Choose(sig, Constraints{MaxLatencyMs: &maxLatency})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID != "cheap-fast" {
		t.Errorf("expected cheap-fast (speed 9) under 1.5s ceiling, got %s", m.ID)
	}

	minQ := 8
	_, err = s.Choose(sig, Constraints{MaxLatencyMs: &maxLatency, MinQuality: &minQ})
	if !errors.Is(err, domain.ErrNoEligibleModel) {
		t.Fatalf("expected no model both fast and high quality, got %v", err)
	}
}

func TestChoose_Deterministic(t *testing.T) {
	s := New(testRegistry(), nil)
	sig := Estimate(domain.TaskPayload{Input: "summarize this", RequiresReasoning: true})

	q := 5
	first, err := s.Choose(sig, Constraints{MinQuality: &q})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		m, err := s.Choose(sig, Constraints{MinQuality: &q})
		if err != nil {
			t.Fatal(err)
		}
		if m.ID != first.ID {
			t.Fatalf("selection not deterministic: %s then %s", first.ID, m.ID)
		}
	}
}

func TestChoose_TieBreaksByQualityThenSpeed(t *testing.T) {
	registry := []domain.ModelDescriptor{
		{ID: "a", Provider: "p", InputPer1K: 0.001, OutputPer1K: 0.001, Quality: 6, Speed: 5, MaxContext: 10_000},
		{ID: "b", Provider: "p", InputPer1K: 0.001, OutputPer1K: 0.001, Quality: 8, Speed: 5, MaxContext: 10_000},
		{ID: "c", Provider: "p", InputPer1K: 0.001, OutputPer1K: 0.001, Quality: 8, Speed: 7, MaxContext: 10_000},
	}
	s := New(registry, nil)
	sig := Estimate(domain.TaskPayload{Input: "x"})

	m, err := s.Choose(sig, Constraints{})
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "c" {
		t.Errorf("expected c (equal cost, highest quality then speed), got %s", m.ID)
	}
}

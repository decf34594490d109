package config

import (
	"fmt"
	"os"

	"github.com/fmarinho/agentgov/internal/domain"
	"gopkg.in/yaml.v3"
)

// Governance tables (tier limits, model registry) are file-based so they can
// be swapped by redeploying configuration without a code change. Both are
// loaded once and treated as immutable afterwards.

type tierFile struct {
	Tiers []domain.Tier `yaml:"tiers"`
}

type registryFile struct {
	Models []domain.ModelDescriptor `yaml:"models"`
}

// DefaultTiers is the built-in tier table, used when no file is configured.
func DefaultTiers() map[string]domain.Tier {
	tiers := []domain.Tier{
		{Name: "solo", RequestsPerMinute: 10, RequestsPerHour: 200, MaxConcurrent: 2, MaxConcurrentBackend: 1, TokensPerMinute: 50_000, MarkupPercent: 30},
		{Name: "startup", RequestsPerMinute: 60, RequestsPerHour: 2_000, MaxConcurrent: 10, MaxConcurrentBackend: 5, TokensPerMinute: 400_000, MarkupPercent: 25},
		{Name: "business", RequestsPerMinute: 300, RequestsPerHour: 12_000, MaxConcurrent: 50, MaxConcurrentBackend: 20, TokensPerMinute: 2_000_000, MarkupPercent: 20},
		{Name: "elite", RequestsPerMinute: 1_000, RequestsPerHour: 50_000, MaxConcurrent: 200, MaxConcurrentBackend: 80, TokensPerMinute: 10_000_000, MarkupPercent: 15},
		{Name: "byok", RequestsPerMinute: 300, RequestsPerHour: 12_000, MaxConcurrent: 50, MaxConcurrentBackend: 20, TokensPerMinute: 2_000_000, BYOK: true, FlatFeeUSD: 0.002},
	}

	m := make(map[string]domain.Tier, len(tiers))
	for _, t := range tiers {
		m[t.Name] = t
	}
	return m
}

// DefaultModels is the built-in model registry, used when no file is configured.
func DefaultModels() []domain.ModelDescriptor {
	return []domain.ModelDescriptor{
		{ID: "gpt-4o", Provider: "openai", InputPer1K: 0.005, OutputPer1K: 0.015, Quality: 9, Speed: 7, MaxContext: 128_000},
		{ID: "gpt-4o-mini", Provider: "openai", InputPer1K: 0.00015, OutputPer1K: 0.0006, Quality: 7, Speed: 9, MaxContext: 128_000},
		{ID: "gpt-3.5-turbo", Provider: "openai", InputPer1K: 0.0005, OutputPer1K: 0.0015, Quality: 5, Speed: 9, MaxContext: 16_000},
		{ID: "claude-3-5-sonnet", Provider: "bedrock", InputPer1K: 0.003, OutputPer1K: 0.015, Quality: 9, Speed: 6, MaxContext: 200_000},
		{ID: "claude-3-5-haiku", Provider: "bedrock", InputPer1K: 0.001, OutputPer1K: 0.005, Quality: 7, Speed: 8, MaxContext: 200_000},
		{ID: "llama3.1:8b", Provider: "ollama", InputPer1K: 0, OutputPer1K: 0, Quality: 4, Speed: 8, MaxContext: 32_000},
	}
}

// LoadTiers reads the tier table from a YAML file. An empty path returns the
// built-in table.
func LoadTiers(path string) (map[string]domain.Tier, error) {
	if path == "" {
		return DefaultTiers(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tier table: %w", err)
	}

	var f tierFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tier table: %w", err)
	}

	tiers := make(map[string]domain.Tier, len(f.Tiers))
	for _, t := range f.Tiers {
		if err := validateTier(t); err != nil {
			return nil, fmt.Errorf("tier %q: %w", t.Name, err)
		}
		tiers[t.Name] = t
	}

	if len(tiers) == 0 {
		return nil, fmt.Errorf("tier table %s defines no tiers", path)
	}

	return tiers, nil
}

// LoadModels reads the model registry from a YAML file. An empty path
// returns the built-in registry.
func LoadModels(path string) ([]domain.ModelDescriptor, error) {
	if path == "" {
		return DefaultModels(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model registry: %w", err)
	}

	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse model registry: %w", err)
	}

	for _, m := range f.Models {
		if err := validateModel(m); err != nil {
			return nil, fmt.Errorf("model %q: %w", m.ID, err)
		}
	}

	if len(f.Models) == 0 {
		return nil, fmt.Errorf("model registry %s defines no models", path)
	}

	return f.Models, nil
}

func validateTier(t domain.Tier) error {
	if t.Name == "" {
		return fmt.Errorf("missing name")
	}
	if t.RequestsPerMinute <= 0 || t.RequestsPerHour <= 0 {
		return fmt.Errorf("request limits must be positive")
	}
	if t.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	if t.TokensPerMinute <= 0 {
		return fmt.Errorf("tokens_per_minute must be positive")
	}
	if t.BYOK && t.MarkupPercent != 0 {
		return fmt.Errorf("byok tiers carry no token markup")
	}
	return nil
}

func validateModel(m domain.ModelDescriptor) error {
	if m.ID == "" || m.Provider == "" {
		return fmt.Errorf("missing id or provider")
	}
	if m.InputPer1K < 0 || m.OutputPer1K < 0 {
		return fmt.Errorf("negative pricing")
	}
	if m.Quality < 0 || m.Quality > 10 || m.Speed < 0 || m.Speed > 10 {
		return fmt.Errorf("quality and speed must be in [0,10]")
	}
	if m.MaxContext <= 0 {
		return fmt.Errorf("max_context must be positive")
	}
	return nil
}

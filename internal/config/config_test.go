package config

import (
	"testing"

	"priceguard/internal/scoring"
)

func TestLoadConfigScorerWeights(t *testing.T) {
	// Test case 1: unset env keeps the production weighting
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ScorerWeights != scoring.DefaultWeights() {
		t.Errorf("expected default weights, got %+v", cfg.ScorerWeights)
	}

	// Test case 2: each factor is overridable on its own
	t.Setenv("SCORER_WEIGHT_VOLATILITY", "0.50")
	t.Setenv("SCORER_WEIGHT_POPULARITY", "0.20")
	cfg, err = LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ScorerWeights.Volatility != 0.50 || cfg.ScorerWeights.Popularity != 0.20 {
		t.Errorf("weights: %+v", cfg.ScorerWeights)
	}
	if cfg.ScorerWeights.PriceLevel != scoring.DefaultWeights().PriceLevel {
		t.Errorf("untouched factor should keep its default, got %f", cfg.ScorerWeights.PriceLevel)
	}

	// Test case 3: garbage falls back to the default
	t.Setenv("SCORER_WEIGHT_VOLATILITY", "lots")
	cfg, err = LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ScorerWeights.Volatility != scoring.DefaultWeights().Volatility {
		t.Errorf("expected default volatility weight, got %f", cfg.ScorerWeights.Volatility)
	}
}

func TestLoadConfigSendLimits(t *testing.T) {
	// Test case 1: defaults
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HourlySendLimit != 100 {
		t.Errorf("expected default hourly limit 100, got %d", cfg.HourlySendLimit)
	}
	if len(cfg.ChannelSendLimits) != 0 {
		t.Errorf("expected no channel overrides, got %v", cfg.ChannelSendLimits)
	}

	// Test case 2: the global budget and per-channel overrides come from env
	t.Setenv("HOURLY_SEND_LIMIT", "40")
	t.Setenv("CHANNEL_SEND_LIMITS", "push=10, Email=25,bogus,zero=0")
	cfg, err = LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HourlySendLimit != 40 {
		t.Errorf("expected 40, got %d", cfg.HourlySendLimit)
	}
	if cfg.ChannelSendLimits["push"] != 10 || cfg.ChannelSendLimits["email"] != 25 {
		t.Errorf("channel limits: %v", cfg.ChannelSendLimits)
	}

	// Test case 3: malformed and non-positive pairs are skipped
	if len(cfg.ChannelSendLimits) != 2 {
		t.Errorf("expected 2 overrides, got %v", cfg.ChannelSendLimits)
	}
}

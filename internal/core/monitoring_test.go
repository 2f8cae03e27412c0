package core

import (
	"testing"
	"time"
)

func TestMonitoringConfigInterval(t *testing.T) {
	// Test case 1: named frequencies map to fixed intervals
	cases := []struct {
		freq Frequency
		want time.Duration
	}{
		{FrequencyHigh, 4 * time.Hour},
		{FrequencyNormal, 12 * time.Hour},
		{FrequencyLow, 24 * time.Hour},
	}
	for _, tc := range cases {
		cfg := &MonitoringConfig{Frequency: tc.freq}
		if got := cfg.Interval(); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.freq, tc.want, got)
		}
	}

	// Test case 2: custom frequency uses the configured hours
	cfg := &MonitoringConfig{Frequency: FrequencyCustom, CustomFrequencyHours: 6}
	if got := cfg.Interval(); got != 6*time.Hour {
		t.Errorf("expected 6h, got %v", got)
	}

	// Test case 3: custom without hours falls back to normal
	cfg = &MonitoringConfig{Frequency: FrequencyCustom}
	if got := cfg.Interval(); got != 12*time.Hour {
		t.Errorf("expected 12h fallback, got %v", got)
	}
}

func TestSetFrequency(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	last := now.Add(-time.Hour)

	// Test case 1: NextScheduled is recomputed from LastMonitored
	cfg := &MonitoringConfig{Frequency: FrequencyNormal, LastMonitored: &last}
	cfg.SetFrequency(FrequencyHigh, 0)
	if cfg.NextScheduled == nil || !cfg.NextScheduled.Equal(last.Add(4*time.Hour)) {
		t.Errorf("expected next at %v, got %v", last.Add(4*time.Hour), cfg.NextScheduled)
	}

	// Test case 2: custom hours are clamped to [1, 168]
	cfg.SetFrequency(FrequencyCustom, 0)
	if cfg.CustomFrequencyHours != 1 {
		t.Errorf("expected clamp to 1, got %d", cfg.CustomFrequencyHours)
	}
	cfg.SetFrequency(FrequencyCustom, 500)
	if cfg.CustomFrequencyHours != 168 {
		t.Errorf("expected clamp to 168, got %d", cfg.CustomFrequencyHours)
	}

	// Test case 3: without LastMonitored the next slot is left alone
	fresh := &MonitoringConfig{Frequency: FrequencyNormal}
	fresh.SetFrequency(FrequencyLow, 0)
	if fresh.NextScheduled != nil {
		t.Errorf("expected nil NextScheduled, got %v", fresh.NextScheduled)
	}
}

func TestDefaultMonitoringConfig(t *testing.T) {
	now := time.Now().UTC()
	cfg := DefaultMonitoringConfig("prod-1", now)

	// Test case 1: defaults are normal frequency, mid priority, active
	if cfg.Frequency != FrequencyNormal {
		t.Errorf("expected normal, got %s", cfg.Frequency)
	}
	if !cfg.Active {
		t.Error("default config should be active")
	}
	if cfg.PriorityScore < 1 || cfg.PriorityScore > 10 {
		t.Errorf("priority score out of range: %f", cfg.PriorityScore)
	}
}

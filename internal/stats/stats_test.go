package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"priceguard/internal/core"
	"priceguard/internal/store"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestCollectorRecordCheck(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	c := NewCollector(mem, clock)

	c.RecordCheck("amazon", 2, 2*time.Second, &core.ObservationResult{PriceChanged: true, AlertTriggered: true}, nil)
	c.RecordCheck("amazon", 2, 6*time.Second, &core.ObservationResult{AvailabilityChanged: true}, nil)
	c.RecordCheck("fnac", 5, 4*time.Second, nil, errors.New("connection reset"))

	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	s, err := mem.StatsByDate(ctx, clock.now)
	if err != nil {
		t.Fatalf("StatsByDate: %v", err)
	}

	// Test case 1: totals split into successes and failures
	if s.TotalChecks != 3 || s.SuccessfulChecks != 2 || s.FailedChecks != 1 {
		t.Errorf("totals: %d/%d/%d", s.TotalChecks, s.SuccessfulChecks, s.FailedChecks)
	}
	if s.SuccessRate() != 2.0/3.0 {
		t.Errorf("success rate: %.3f", s.SuccessRate())
	}

	// Test case 2: change and alert counters come from the observation
	if s.PriceChangesDetected != 1 || s.AvailabilityChangesDetected != 1 || s.AlertsTriggered != 1 {
		t.Errorf("changes: price=%d avail=%d alerts=%d",
			s.PriceChangesDetected, s.AvailabilityChangesDetected, s.AlertsTriggered)
	}

	// Test case 3: execution time tracks the mean and the maximum
	if s.AvgExecutionTimeSeconds != 4 {
		t.Errorf("expected avg 4s, got %v", s.AvgExecutionTimeSeconds)
	}
	if s.MaxExecutionTimeSeconds != 6 {
		t.Errorf("expected max 6s, got %v", s.MaxExecutionTimeSeconds)
	}

	// Test case 4: checks bucket by priority and retailer
	if s.ChecksByPriority[2] != 2 || s.ChecksByPriority[5] != 1 {
		t.Errorf("by priority: %v", s.ChecksByPriority)
	}
	if s.ChecksByRetailer["amazon"] != 2 || s.ChecksByRetailer["fnac"] != 1 {
		t.Errorf("by retailer: %v", s.ChecksByRetailer)
	}
}

func TestCollectorDayRollover(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)}
	c := NewCollector(mem, clock)

	c.RecordCheck("amazon", 2, time.Second, nil, nil)
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Test case 1: a check after midnight opens a fresh aggregate
	clock.now = time.Date(2026, 3, 2, 0, 10, 0, 0, time.UTC)
	c.RecordCheck("amazon", 2, time.Second, nil, nil)
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	day1, err := mem.StatsByDate(ctx, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("StatsByDate day 1: %v", err)
	}
	day2, err := mem.StatsByDate(ctx, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("StatsByDate day 2: %v", err)
	}
	if day1.TotalChecks != 1 || day2.TotalChecks != 1 {
		t.Errorf("expected one check per day, got %d and %d", day1.TotalChecks, day2.TotalChecks)
	}
}

func TestCollectorResumesAfterRestart(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first := NewCollector(mem, &fakeClock{now: now})
	first.RecordCheck("amazon", 2, 2*time.Second, nil, nil)
	first.RecordCheck("amazon", 2, 4*time.Second, nil, nil)
	if err := first.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Test case 1: a fresh collector continues the persisted day, not zero
	second := NewCollector(mem, &fakeClock{now: now.Add(time.Hour)})
	second.RecordCheck("fnac", 5, 6*time.Second, nil, nil)
	if err := second.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	s, err := mem.StatsByDate(ctx, now)
	if err != nil {
		t.Fatalf("StatsByDate: %v", err)
	}
	if s.TotalChecks != 3 {
		t.Fatalf("expected 3 checks after restart, got %d", s.TotalChecks)
	}

	// Test case 2: the running average carries across the restart
	if s.AvgExecutionTimeSeconds != 4 {
		t.Errorf("expected avg 4s, got %v", s.AvgExecutionTimeSeconds)
	}
}

func TestCollectorFlushEmpty(t *testing.T) {
	// Test case 1: flushing before any check is a no-op
	c := NewCollector(store.NewMemory(), &fakeClock{now: time.Now().UTC()})
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

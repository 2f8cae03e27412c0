package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"priceguard/internal/core"
	"priceguard/internal/scoring"
	"priceguard/internal/store"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestScheduler(now time.Time) (*Scheduler, *store.Memory, *fakeClock) {
	mem := store.NewMemory()
	clock := &fakeClock{now: now}
	return New(mem, clock, scoring.DefaultWeights()), mem, clock
}

func seedDueConfig(t *testing.T, mem *store.Memory, productID string, score float64, next time.Time) {
	t.Helper()
	ctx := context.Background()
	p := &core.Product{
		ID:           productID,
		Title:        "Product " + productID,
		URL:          "https://www.amazon.fr/dp/" + productID,
		RetailerName: "amazon",
		CurrentPrice: decimal.NewFromInt(100),
	}
	if err := mem.SaveProduct(ctx, p); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	cfg := core.DefaultMonitoringConfig(productID, next.Add(-24*time.Hour))
	cfg.PriorityScore = score
	n := next
	cfg.NextScheduled = &n
	if err := mem.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
}

func TestScheduleDueProducts(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sched, mem, _ := newTestScheduler(now)

	seedDueConfig(t, mem, "prod-due-1", 2, now.Add(-time.Hour))
	seedDueConfig(t, mem, "prod-due-2", 6, now.Add(-time.Minute))
	seedDueConfig(t, mem, "prod-later", 5, now.Add(3*time.Hour))

	// Test case 1: only due products get a task
	created, err := sched.ScheduleDueProducts(ctx)
	if err != nil {
		t.Fatalf("ScheduleDueProducts: %v", err)
	}
	if created != 2 {
		t.Fatalf("expected 2 tasks, got %d", created)
	}

	// Test case 2: task priority comes from the config's score bucket
	task, err := mem.PendingTaskForProduct(ctx, "prod-due-1")
	if err != nil {
		t.Fatalf("PendingTaskForProduct: %v", err)
	}
	if task.Priority != 2 {
		t.Errorf("expected priority 2, got %d", task.Priority)
	}

	// Test case 3: the schedule advanced by the config's interval
	cfg, err := mem.ConfigByProduct(ctx, "prod-due-1")
	if err != nil {
		t.Fatalf("ConfigByProduct: %v", err)
	}
	want := now.Add(cfg.Interval())
	if cfg.NextScheduled == nil || !cfg.NextScheduled.Equal(want) {
		t.Errorf("expected NextScheduled %v, got %v", want, cfg.NextScheduled)
	}

	// Test case 4: a second pass is a no-op (nothing is due anymore)
	created, err = sched.ScheduleDueProducts(ctx)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if created != 0 {
		t.Errorf("expected idempotent second pass, got %d tasks", created)
	}
}

func TestAdvanceNextScheduledCAS(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_, mem, _ := newTestScheduler(now)

	slot := now.Add(-time.Hour)
	seedDueConfig(t, mem, "prod-1", 5, slot)

	// Test case 1: the first writer with the current slot wins
	won, err := mem.AdvanceNextScheduled(ctx, "prod-1", &slot, now.Add(12*time.Hour))
	if err != nil {
		t.Fatalf("AdvanceNextScheduled: %v", err)
	}
	if !won {
		t.Fatal("first CAS should win")
	}

	// Test case 2: a second writer holding the stale slot loses
	won, err = mem.AdvanceNextScheduled(ctx, "prod-1", &slot, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("AdvanceNextScheduled: %v", err)
	}
	if won {
		t.Error("stale CAS should lose")
	}

	// Test case 3: an unknown product is an error, not a silent loss
	if _, err := mem.AdvanceNextScheduled(ctx, "no-such", &slot, now); err != core.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestScheduleImmediate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sched, mem, _ := newTestScheduler(now)

	// Test case 1: unknown products are rejected
	if _, err := sched.ScheduleImmediate(ctx, "no-such", nil); err == nil {
		t.Error("expected error for unknown product")
	}

	p := &core.Product{ID: "prod-1", URL: "https://www.fnac.com/p/1", RetailerName: "fnac"}
	if err := mem.SaveProduct(ctx, p); err != nil {
		t.Fatalf("save product: %v", err)
	}

	// Test case 2: a product without a config gets the default one
	task, err := sched.ScheduleImmediate(ctx, "prod-1", nil)
	if err != nil {
		t.Fatalf("ScheduleImmediate: %v", err)
	}
	if task.Priority != 1 {
		t.Errorf("immediate checks default to top priority, got %d", task.Priority)
	}
	if _, err := mem.ConfigByProduct(ctx, "prod-1"); err != nil {
		t.Errorf("default config should exist: %v", err)
	}

	// Test case 3: an existing pending task is reused, not duplicated
	again, err := sched.ScheduleImmediate(ctx, "prod-1", nil)
	if err != nil {
		t.Fatalf("second ScheduleImmediate: %v", err)
	}
	if again.ID != task.ID {
		t.Errorf("expected reuse of task %s, got %s", task.ID, again.ID)
	}

	// Test case 4: an explicit priority is honored
	p2 := &core.Product{ID: "prod-2", URL: "https://www.fnac.com/p/2", RetailerName: "fnac"}
	_ = mem.SaveProduct(ctx, p2)
	pr := 7
	task2, err := sched.ScheduleImmediate(ctx, "prod-2", &pr)
	if err != nil {
		t.Fatalf("ScheduleImmediate with priority: %v", err)
	}
	if task2.Priority != 7 {
		t.Errorf("expected priority 7, got %d", task2.Priority)
	}
}

func TestPriorityBucket(t *testing.T) {
	// Test case 1: rounding to the nearest integer bucket
	cases := []struct {
		score float64
		want  int
	}{
		{1, 1},
		{2.4, 2},
		{2.5, 3},
		{9.7, 10},
		{0.2, 1},
		{14, 10},
	}
	for _, tc := range cases {
		if got := priorityBucket(tc.score); got != tc.want {
			t.Errorf("priorityBucket(%v): expected %d, got %d", tc.score, tc.want, got)
		}
	}
}

func TestDistributeLoad(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sched, mem, _ := newTestScheduler(now)

	// Five configs crowd the same hour; capacity is three per hour.
	slot := now.Add(10 * time.Minute)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("prod-%d", i)
		seedDueConfig(t, mem, id, float64(i+2), slot.Add(time.Duration(i)*time.Minute))
	}

	moved, err := sched.DistributeLoad(ctx, 3)
	if err != nil {
		t.Fatalf("DistributeLoad: %v", err)
	}

	// Test case 1: exactly the overflow moves
	if moved != 2 {
		t.Fatalf("expected 2 moved, got %d", moved)
	}

	// Test case 2: no hour exceeds the cap afterwards
	start := now.Truncate(time.Hour)
	for h := 0; h < 24; h++ {
		from := start.Add(time.Duration(h) * time.Hour)
		cfgs, err := mem.ConfigsScheduledBetween(ctx, from, from.Add(time.Hour))
		if err != nil {
			t.Fatalf("ConfigsScheduledBetween: %v", err)
		}
		if len(cfgs) > 3 {
			t.Errorf("hour %d still holds %d configs", h, len(cfgs))
		}
	}

	// Test case 3: the least urgent configs were the ones moved
	for _, id := range []string{"prod-0", "prod-1", "prod-2"} {
		cfg, err := mem.ConfigByProduct(ctx, id)
		if err != nil {
			t.Fatalf("ConfigByProduct %s: %v", id, err)
		}
		if !cfg.NextScheduled.Truncate(time.Hour).Equal(start) {
			t.Errorf("urgent config %s should have stayed in its hour", id)
		}
	}

	// Test case 4: a non-positive cap is rejected
	if _, err := sched.DistributeLoad(ctx, 0); err == nil {
		t.Error("expected error for zero cap")
	}
}

func TestRebalancePriorities(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sched, mem, _ := newTestScheduler(now)

	// Six of ten products in the high lane; the 40 percent cap allows four.
	scores := []float64{1, 1.5, 2, 2.5, 2.8, 3, 5, 6, 7, 8}
	for i, score := range scores {
		seedDueConfig(t, mem, fmt.Sprintf("prod-%d", i), score, now.Add(time.Hour))
	}

	demoted, err := sched.RebalancePriorities(ctx)
	if err != nil {
		t.Fatalf("RebalancePriorities: %v", err)
	}

	// Test case 1: the excess over the cap is demoted
	if demoted != 2 {
		t.Fatalf("expected 2 demoted, got %d", demoted)
	}

	// Test case 2: the weakest high-lane members moved to the normal band
	for _, id := range []string{"prod-4", "prod-5"} {
		cfg, err := mem.ConfigByProduct(ctx, id)
		if err != nil {
			t.Fatalf("ConfigByProduct %s: %v", id, err)
		}
		if cfg.PriorityScore != 3.5 {
			t.Errorf("%s should be demoted to 3.5, got %v", id, cfg.PriorityScore)
		}
	}

	// Test case 3: the hottest products kept their scores
	cfg, _ := mem.ConfigByProduct(ctx, "prod-0")
	if cfg.PriorityScore != 1 {
		t.Errorf("prod-0 should keep score 1, got %v", cfg.PriorityScore)
	}

	// Test case 4: a balanced population is untouched
	demoted, err = sched.RebalancePriorities(ctx)
	if err != nil {
		t.Fatalf("second RebalancePriorities: %v", err)
	}
	if demoted != 0 {
		t.Errorf("expected no further demotions, got %d", demoted)
	}
}

package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"priceguard/internal/core"
	"priceguard/internal/store"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func seedTask(t *testing.T, mem *store.Memory, productID, retailer string, priority int, due time.Time) *core.Task {
	t.Helper()
	ctx := context.Background()
	p := &core.Product{
		ID:           productID,
		Title:        "Product " + productID,
		URL:          "https://www." + retailer + ".fr/p/" + productID,
		RetailerName: retailer,
	}
	if err := mem.SaveProduct(ctx, p); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	task := core.NewTask(productID, due, priority)
	if err := mem.CreateTask(ctx, task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

func drain(ch <-chan *core.Task) []*core.Task {
	var out []*core.Task
	for {
		select {
		case task := <-ch:
			out = append(out, task)
		default:
			return out
		}
	}
}

func TestKeyedMutex(t *testing.T) {
	km := newKeyedMutex()

	// Test case 1: the same key is serialized across goroutines
	var mu sync.Mutex
	inside := 0
	maxInside := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.lock("prod-1")
			defer unlock()
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("expected one holder at a time, saw %d", maxInside)
	}

	// Test case 2: entries are removed once the last holder unlocks
	km.mu.Lock()
	remaining := len(km.locks)
	km.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected empty lock map, got %d entries", remaining)
	}

	// Test case 3: different keys do not block each other
	unlockA := km.lock("prod-a")
	unlockB := km.lock("prod-b")
	unlockA()
	unlockB()
}

func TestSplitIntoLanes(t *testing.T) {
	now := time.Now().UTC()
	var tasks []*core.Task
	for i := 0; i < 6; i++ {
		tasks = append(tasks, core.NewTask(fmt.Sprintf("h-%d", i), now, 1))
	}
	for i := 0; i < 5; i++ {
		tasks = append(tasks, core.NewTask(fmt.Sprintf("n-%d", i), now, 5))
	}
	for i := 0; i < 3; i++ {
		tasks = append(tasks, core.NewTask(fmt.Sprintf("l-%d", i), now, 9))
	}

	// Test case 1: each lane is capped at its share of the cycle
	byLane := splitIntoLanes(tasks, 10)
	if len(byLane[LaneHigh]) != 4 {
		t.Errorf("high lane: expected 4 (40%% of 10), got %d", len(byLane[LaneHigh]))
	}
	if len(byLane[LaneNormal]) != 4 {
		t.Errorf("normal lane: expected 4, got %d", len(byLane[LaneNormal]))
	}
	if len(byLane[LaneLow]) != 2 {
		t.Errorf("low lane: expected 2 (20%% of 10), got %d", len(byLane[LaneLow]))
	}

	// Test case 2: admission order within a lane is preserved
	if byLane[LaneHigh][0].ProductID != "h-0" || byLane[LaneHigh][3].ProductID != "h-3" {
		t.Error("high lane should keep the input order")
	}
}

func TestInterleave(t *testing.T) {
	now := time.Now().UTC()
	byLane := map[Lane][]*core.Task{}
	for i := 0; i < 5; i++ {
		byLane[LaneHigh] = append(byLane[LaneHigh], core.NewTask(fmt.Sprintf("h-%d", i), now, 1))
	}
	for i := 0; i < 3; i++ {
		byLane[LaneNormal] = append(byLane[LaneNormal], core.NewTask(fmt.Sprintf("n-%d", i), now, 5))
	}
	for i := 0; i < 2; i++ {
		byLane[LaneLow] = append(byLane[LaneLow], core.NewTask(fmt.Sprintf("l-%d", i), now, 9))
	}

	order := interleave(byLane)

	// Test case 1: nothing is dropped
	if len(order) != 10 {
		t.Fatalf("expected 10 items, got %d", len(order))
	}

	// Test case 2: the merge follows the 4:2:1 pattern, then drains leftovers
	want := []Lane{
		LaneHigh, LaneHigh, LaneHigh, LaneHigh, LaneNormal, LaneNormal, LaneLow,
		LaneHigh, LaneNormal, LaneLow,
	}
	for i, item := range order {
		if item.lane != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], item.lane)
		}
	}

	// Test case 3: an empty input yields an empty order
	if got := interleave(map[Lane][]*core.Task{}); len(got) != 0 {
		t.Errorf("expected empty order, got %d items", len(got))
	}
}

func TestDispatcherCycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	counters := NewMemoryCounters()
	d := NewDispatcher(mem, counters, DefaultCeilings(), &fakeClock{now: now}, 50)

	due := now.Add(-time.Minute)
	high := seedTask(t, mem, "prod-h", "amazon", 2, due)
	normal := seedTask(t, mem, "prod-n", "fnac", 5, due)
	low := seedTask(t, mem, "prod-l", "darty", 9, due)

	// A task whose product vanished between scheduling and dispatch.
	ghost := core.NewTask("prod-ghost", due, 5)
	if err := mem.CreateTask(ctx, ghost); err != nil {
		t.Fatalf("seed ghost task: %v", err)
	}

	dispatched, err := d.Cycle(ctx)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}

	// Test case 1: every admissible task lands on its lane
	if dispatched != 3 {
		t.Fatalf("expected 3 dispatched, got %d", dispatched)
	}
	if got := drain(d.LaneQueue(LaneHigh)); len(got) != 1 || got[0].ID != high.ID {
		t.Errorf("high lane: expected task %s, got %+v", high.ID, got)
	}
	if got := drain(d.LaneQueue(LaneNormal)); len(got) != 1 || got[0].ID != normal.ID {
		t.Errorf("normal lane: expected task %s, got %+v", normal.ID, got)
	}
	if got := drain(d.LaneQueue(LaneLow)); len(got) != 1 || got[0].ID != low.ID {
		t.Errorf("low lane: expected task %s, got %+v", low.ID, got)
	}

	// Test case 2: dispatched tasks are persisted as scheduled first
	saved, err := mem.TaskByID(ctx, high.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if saved.Status != core.TaskScheduled {
		t.Errorf("expected scheduled, got %s", saved.Status)
	}

	// Test case 3: tasks without a product are cancelled, not retried forever
	saved, err = mem.TaskByID(ctx, ghost.ID)
	if err != nil {
		t.Fatalf("TaskByID ghost: %v", err)
	}
	if saved.Status != core.TaskCancelled {
		t.Errorf("expected cancelled, got %s", saved.Status)
	}

	// Test case 4: a second pass finds nothing left to admit
	dispatched, err = d.Cycle(ctx)
	if err != nil {
		t.Fatalf("second Cycle: %v", err)
	}
	if dispatched != 0 {
		t.Errorf("expected idempotent second pass, got %d", dispatched)
	}
}

func TestDispatcherReapStaleTasks(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	clock := &fakeClock{now: now}
	d := NewDispatcher(mem, NewMemoryCounters(), DefaultCeilings(), clock, 50)

	// Two tasks claimed by a worker that died, one freshly claimed.
	long := now.Add(-staleTaskAge - time.Minute)
	stuck := seedTask(t, mem, "prod-stuck", "amazon", 5, long)
	if err := stuck.MarkScheduled(long); err != nil {
		t.Fatalf("MarkScheduled: %v", err)
	}
	if err := mem.SaveTask(ctx, stuck); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	dead := seedTask(t, mem, "prod-dead", "fnac", 5, long)
	if err := dead.MarkScheduled(long); err != nil {
		t.Fatalf("MarkScheduled: %v", err)
	}
	if err := dead.MarkRunning(long, "normal-3"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := mem.SaveTask(ctx, dead); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	fresh := seedTask(t, mem, "prod-fresh", "darty", 5, now.Add(-time.Minute))
	if err := fresh.MarkScheduled(now.Add(-time.Minute)); err != nil {
		t.Fatalf("MarkScheduled: %v", err)
	}
	if err := mem.SaveTask(ctx, fresh); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	reaped, err := d.ReapStaleTasks(ctx)
	if err != nil {
		t.Fatalf("ReapStaleTasks: %v", err)
	}

	// Test case 1: both stranded tasks go back to pending, due now
	if reaped != 2 {
		t.Fatalf("expected 2 reaped, got %d", reaped)
	}
	for _, id := range []string{stuck.ID, dead.ID} {
		saved, err := mem.TaskByID(ctx, id)
		if err != nil {
			t.Fatalf("TaskByID %s: %v", id, err)
		}
		if saved.Status != core.TaskPending {
			t.Errorf("task %s: expected pending, got %s", id, saved.Status)
		}
		if saved.StartedAt != nil || saved.WorkerHandle != "" {
			t.Errorf("task %s should drop its worker claim", id)
		}
		if !saved.ScheduledTime.Equal(now) {
			t.Errorf("task %s: expected due now, got %v", id, saved.ScheduledTime)
		}
	}

	// Test case 2: a recently claimed task is left alone
	saved, err := mem.TaskByID(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("TaskByID fresh: %v", err)
	}
	if saved.Status != core.TaskScheduled {
		t.Errorf("expected scheduled, got %s", saved.Status)
	}

	// Test case 3: the next cycle re-admits the requeued tasks
	dispatched, err := d.Cycle(ctx)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if dispatched != 2 {
		t.Errorf("expected 2 dispatched, got %d", dispatched)
	}

	// Test case 4: a second sweep finds nothing stranded
	reaped, err = d.ReapStaleTasks(ctx)
	if err != nil {
		t.Fatalf("second ReapStaleTasks: %v", err)
	}
	if reaped != 0 {
		t.Errorf("expected nothing to reap, got %d", reaped)
	}
}

func TestDispatcherRetailerCeiling(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	counters := NewMemoryCounters()
	d := NewDispatcher(mem, counters, DefaultCeilings(), &fakeClock{now: now}, 50)

	// Seven tasks against an unlisted retailer whose ceiling defaults to five.
	due := now.Add(-time.Minute)
	for i := 0; i < 7; i++ {
		seedTask(t, mem, fmt.Sprintf("prod-%d", i), "smallshop", 5, due)
	}

	// Test case 1: admission stops at the retailer ceiling
	dispatched, err := d.Cycle(ctx)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if dispatched != 5 {
		t.Fatalf("expected 5 dispatched, got %d", dispatched)
	}

	// Test case 2: the overflow stays pending for the next cycle
	pendingLeft := 0
	for i := 0; i < 7; i++ {
		task, err := mem.PendingTaskForProduct(ctx, fmt.Sprintf("prod-%d", i))
		if err == nil && task.Status == core.TaskPending {
			pendingLeft++
		}
	}
	if pendingLeft != 2 {
		t.Errorf("expected 2 tasks still pending, got %d", pendingLeft)
	}

	// Test case 3: the next cycle picks up the overflow
	drain(d.LaneQueue(LaneNormal))
	dispatched, err = d.Cycle(ctx)
	if err != nil {
		t.Fatalf("second Cycle: %v", err)
	}
	if dispatched != 2 {
		t.Errorf("expected 2 dispatched on the second pass, got %d", dispatched)
	}
}

func TestDispatcherCountsRunningChecks(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	counters := NewMemoryCounters()
	d := NewDispatcher(mem, counters, DefaultCeilings(), &fakeClock{now: now}, 50)

	due := now.Add(-time.Minute)
	seedTask(t, mem, "prod-1", "boulanger", 5, due)
	seedTask(t, mem, "prod-2", "boulanger", 5, due)

	// Nine checks already in flight against a ceiling of ten.
	for i := 0; i < 9; i++ {
		if _, err := counters.IncrRunning(ctx, "boulanger"); err != nil {
			t.Fatalf("IncrRunning: %v", err)
		}
	}

	// Test case 1: the remaining budget admits only one task
	dispatched, err := d.Cycle(ctx)
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if dispatched != 1 {
		t.Fatalf("expected 1 dispatched, got %d", dispatched)
	}

	// Test case 2: once the in-flight work drains the rest is admitted
	for i := 0; i < 9; i++ {
		if err := counters.DecrRunning(ctx, "boulanger"); err != nil {
			t.Fatalf("DecrRunning: %v", err)
		}
	}
	drain(d.LaneQueue(LaneNormal))
	dispatched, err = d.Cycle(ctx)
	if err != nil {
		t.Fatalf("second Cycle: %v", err)
	}
	if dispatched != 1 {
		t.Errorf("expected 1 dispatched after drain, got %d", dispatched)
	}
}

func TestDispatcherRoundRobin(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	d := NewDispatcher(mem, NewMemoryCounters(), DefaultCeilings(), &fakeClock{now: now}, 50)

	// One crowded retailer and one with a single task, all the same priority.
	due := now.Add(-time.Minute)
	for i := 0; i < 4; i++ {
		seedTask(t, mem, fmt.Sprintf("az-%d", i), "amazon", 5, due.Add(time.Duration(i)*time.Second))
	}
	seedTask(t, mem, "fn-0", "fnac", 5, due.Add(10*time.Second))

	if _, err := d.Cycle(ctx); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	got := drain(d.LaneQueue(LaneNormal))
	if len(got) != 5 {
		t.Fatalf("expected 5 dispatched, got %d", len(got))
	}

	// Test case 1: the small retailer is served in the first round-robin turn
	if got[0].ProductID != "az-0" || got[1].ProductID != "fn-0" {
		t.Errorf("expected amazon then fnac in the first turn, got %s, %s",
			got[0].ProductID, got[1].ProductID)
	}
}

func TestRetailerKey(t *testing.T) {
	// Test case 1: names are lowercased and trimmed
	if got := retailerKey("  Amazon "); got != "amazon" {
		t.Errorf("expected amazon, got %q", got)
	}

	// Test case 2: an empty name maps to the unknown bucket
	if got := retailerKey("   "); got != "unknown" {
		t.Errorf("expected unknown, got %q", got)
	}
}

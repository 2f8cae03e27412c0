package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"priceguard/internal/analyzer"
	"priceguard/internal/core"
	"priceguard/internal/extract"
	"priceguard/internal/store"
)

type fakeExtractor struct {
	payload *core.ObservationPayload
	err     error
	calls   int

	// runningAt records the retailer counter observed during extraction.
	counters  Counters
	runningAt int
}

func (f *fakeExtractor) Extract(ctx context.Context, _ string, _ bool) (*core.ObservationPayload, error) {
	f.calls++
	if f.counters != nil {
		f.runningAt, _ = f.counters.Running(ctx, "amazon")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

func (f *fakeExtractor) Name() string { return "fake" }

type fakeSink struct {
	events []core.Event
}

func (s *fakeSink) HandleEvents(_ context.Context, events []core.Event) error {
	s.events = append(s.events, events...)
	return nil
}

type fakeRecorder struct {
	retailer string
	priority int
	err      error
	calls    int
}

func (r *fakeRecorder) RecordCheck(retailer string, priority int, _ time.Duration, _ *core.ObservationResult, err error) {
	r.calls++
	r.retailer = retailer
	r.priority = priority
	r.err = err
}

func newTestPool(lane Lane, mem *store.Memory, counters Counters, ext extract.Extractor, sink EventSink, rec Recorder, clock core.Clock) *Pool {
	registry := extract.NewRegistry()
	registry.SetDefault(ext)
	az := analyzer.New(mem, clock)
	return NewPool(lane, 1, mem, counters, registry, az, sink, rec, clock)
}

func scheduledTask(t *testing.T, mem *store.Memory, productID string, priority int, now time.Time) *core.Task {
	t.Helper()
	task := seedTask(t, mem, productID, "amazon", priority, now.Add(-time.Minute))
	if err := task.MarkScheduled(now); err != nil {
		t.Fatalf("MarkScheduled: %v", err)
	}
	if err := mem.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	return task
}

func TestPoolExecuteSuccess(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	counters := NewMemoryCounters()
	clock := &fakeClock{now: now}

	ext := &fakeExtractor{
		payload:  &core.ObservationPayload{Title: "Test", Price: decimal.NewFromInt(100), Currency: "EUR", InStock: true},
		counters: counters,
	}
	sink := &fakeSink{}
	rec := &fakeRecorder{}
	pool := newTestPool(LaneHigh, mem, counters, ext, sink, rec, clock)

	task := scheduledTask(t, mem, "prod-1", 2, now)
	pool.execute(ctx, task, "high-0")

	// Test case 1: the task completes at the observation time
	saved, err := mem.TaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if saved.Status != core.TaskCompleted {
		t.Fatalf("expected completed, got %s", saved.Status)
	}
	if saved.CompletedAt == nil || !saved.CompletedAt.Equal(now) {
		t.Errorf("expected CompletedAt %v, got %v", now, saved.CompletedAt)
	}
	if saved.Summary == nil || saved.Summary.ObservationID == "" {
		t.Error("summary should reference the observation")
	}

	// Test case 2: the retailer counter is held during the check and released
	if ext.runningAt != 1 {
		t.Errorf("expected running count 1 during extraction, got %d", ext.runningAt)
	}
	running, _ := counters.Running(ctx, "amazon")
	if running != 0 {
		t.Errorf("expected running count released, got %d", running)
	}

	// Test case 3: the check outcome reaches the stats recorder
	if rec.calls != 1 || rec.retailer != "amazon" || rec.priority != 2 || rec.err != nil {
		t.Errorf("recorder: calls=%d retailer=%q priority=%d err=%v", rec.calls, rec.retailer, rec.priority, rec.err)
	}

	// Test case 4: a later drop in price routes events to the sink
	clock.now = now.Add(time.Hour)
	ext.payload = &core.ObservationPayload{Title: "Test", Price: decimal.NewFromInt(80), Currency: "EUR", InStock: true}
	task2 := scheduledTask(t, mem, "prod-1", 2, clock.now)
	pool.execute(ctx, task2, "high-0")
	if len(sink.events) == 0 {
		t.Fatal("expected a price event to reach the sink")
	}
	if sink.events[0].Type != core.EventPriceDropped {
		t.Errorf("expected price_dropped, got %s", sink.events[0].Type)
	}
}

func TestPoolExecuteTransientFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	counters := NewMemoryCounters()
	clock := &fakeClock{now: now}

	ext := &fakeExtractor{err: core.Transient(errors.New("connection reset"))}
	pool := newTestPool(LaneHigh, mem, counters, ext, nil, nil, clock)
	task := scheduledTask(t, mem, "prod-1", 2, now)

	pool.execute(ctx, task, "high-0")

	// Test case 1: a transient failure burns a retry and re-queues with backoff
	saved, err := mem.TaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if saved.Status != core.TaskPending {
		t.Fatalf("expected pending, got %s", saved.Status)
	}
	if saved.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", saved.RetryCount)
	}
	want := now.Add(30 * time.Second)
	if !saved.ScheduledTime.Equal(want) {
		t.Errorf("expected retry at %v, got %v", want, saved.ScheduledTime)
	}

	// Test case 2: exhausting the retry budget is terminal
	for i := 0; i < 3; i++ {
		if err := saved.MarkRunning(clock.now, "high-0"); err != nil {
			t.Fatalf("MarkRunning attempt %d: %v", i, err)
		}
		pool.fail(ctx, saved, ext.err, "amazon")
	}
	if saved.Status != core.TaskFailed {
		t.Errorf("expected failed after exhausting retries, got %s", saved.Status)
	}

	// Test case 3: the counter is still released on failure
	running, _ := counters.Running(ctx, "amazon")
	if running != 0 {
		t.Errorf("expected running count released, got %d", running)
	}
}

func TestPoolExecuteThrottled(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	clock := &fakeClock{now: now}

	ext := &fakeExtractor{err: core.Throttled(errors.New("429 too many requests"))}
	pool := newTestPool(LaneNormal, mem, NewMemoryCounters(), ext, nil, nil, clock)
	task := scheduledTask(t, mem, "prod-1", 5, now)

	pool.execute(ctx, task, "normal-0")

	// Test case 1: throttling re-queues after the cool-down without burning a retry
	saved, err := mem.TaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if saved.Status != core.TaskPending {
		t.Fatalf("expected pending, got %s", saved.Status)
	}
	if saved.RetryCount != 0 {
		t.Errorf("throttling should not consume a retry, got %d", saved.RetryCount)
	}
	want := now.Add(throttleCooldown)
	if !saved.ScheduledTime.Equal(want) {
		t.Errorf("expected cool-down until %v, got %v", want, saved.ScheduledTime)
	}
	if saved.StartedAt != nil {
		t.Error("a re-queued task should not look started")
	}
}

func TestPoolExecuteSemanticFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	clock := &fakeClock{now: now}

	// A negative extracted price is unusable data, not a flaky fetch.
	ext := &fakeExtractor{
		payload: &core.ObservationPayload{Title: "Test", Price: decimal.NewFromInt(-5), InStock: true},
	}
	rec := &fakeRecorder{}
	pool := newTestPool(LaneNormal, mem, NewMemoryCounters(), ext, nil, rec, clock)
	task := scheduledTask(t, mem, "prod-1", 5, now)

	pool.execute(ctx, task, "normal-0")

	// Test case 1: semantic failures fail terminally with retries left
	saved, err := mem.TaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if saved.Status != core.TaskFailed {
		t.Fatalf("expected failed, got %s", saved.Status)
	}
	if saved.RetryCount != 0 {
		t.Errorf("semantic failures should not be retried, got count %d", saved.RetryCount)
	}
	if saved.ErrorMessage == "" {
		t.Error("the failure reason should be recorded")
	}

	// Test case 2: the failure still reaches the stats recorder
	if rec.calls != 1 || rec.err == nil {
		t.Errorf("recorder: calls=%d err=%v", rec.calls, rec.err)
	}
}

func TestPoolExecuteSkipsCancelled(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	clock := &fakeClock{now: now}

	ext := &fakeExtractor{
		payload: &core.ObservationPayload{Title: "Test", Price: decimal.NewFromInt(100), InStock: true},
	}
	pool := newTestPool(LaneNormal, mem, NewMemoryCounters(), ext, nil, nil, clock)

	task := seedTask(t, mem, "prod-1", "amazon", 5, now.Add(-time.Minute))
	task.Cancel(now)
	if err := mem.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	// Test case 1: a task cancelled between admission and pickup never runs
	pool.execute(ctx, task, "normal-0")
	if ext.calls != 0 {
		t.Errorf("cancelled task should not be extracted, got %d calls", ext.calls)
	}
	saved, _ := mem.TaskByID(ctx, task.ID)
	if saved.Status != core.TaskCancelled {
		t.Errorf("expected cancelled, got %s", saved.Status)
	}
}

package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"priceguard/internal/analyzer"
	"priceguard/internal/core"
	"priceguard/internal/extract"
)

const (
	// softTimeLimit is logged when exceeded; hardTimeLimit cancels the check.
	softTimeLimit = 5 * time.Minute
	hardTimeLimit = 10 * time.Minute

	throttleCooldown = 5 * time.Minute
)

// EventSink receives the events a completed check produced. The monitor wires
// the rule engine here.
type EventSink interface {
	HandleEvents(ctx context.Context, events []core.Event) error
}

// Recorder receives per-check outcomes for the daily stats aggregate.
type Recorder interface {
	RecordCheck(retailer string, priority int, duration time.Duration, obs *core.ObservationResult, err error)
}

// Pool runs one lane's tasks on a fixed number of workers. Checks for the
// same product are serialized by a per-product lock; tasks for different
// products run concurrently up to the worker count.
type Pool struct {
	lane     Lane
	workers  int
	store    Store
	counters Counters
	registry *extract.Registry
	analyzer *analyzer.Analyzer
	sink     EventSink
	recorder Recorder
	clock    core.Clock

	locks *keyedMutex
}

// NewPool creates a worker pool for one lane. sink and recorder may be nil.
func NewPool(lane Lane, workers int, store Store, counters Counters, registry *extract.Registry, az *analyzer.Analyzer, sink EventSink, recorder Recorder, clock core.Clock) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Pool{
		lane:     lane,
		workers:  workers,
		store:    store,
		counters: counters,
		registry: registry,
		analyzer: az,
		sink:     sink,
		recorder: recorder,
		clock:    clock,
		locks:    newKeyedMutex(),
	}
}

// Run consumes the queue until ctx is cancelled. It returns after all workers
// have drained.
func (p *Pool) Run(ctx context.Context, queue <-chan *core.Task) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		handle := fmt.Sprintf("%s-%d", p.lane, i)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task, ok := <-queue:
					if !ok {
						return
					}
					p.execute(ctx, task, handle)
				}
			}
		}()
	}
	wg.Wait()
}

// execute runs one task end to end: claim, extract, analyze, finalize.
func (p *Pool) execute(ctx context.Context, task *core.Task, handle string) {
	now := p.clock.Now()

	// The task may have been cancelled between admission and pickup.
	if task.Status == core.TaskCancelled {
		return
	}
	if err := task.MarkRunning(now, handle); err != nil {
		log.Printf("⚠️ Task %s: %v", task.ID, err)
		return
	}
	if err := p.store.SaveTask(ctx, task); err != nil {
		log.Printf("❌ Failed to persist running task %s: %v", task.ID, err)
		return
	}

	product, err := p.store.ProductByID(ctx, task.ProductID)
	if err != nil {
		p.fail(ctx, task, core.Fatal(fmt.Errorf("load product %s: %w", task.ProductID, err)), "")
		return
	}
	retailer := retailerKey(product.RetailerName)

	if _, err := p.counters.IncrRunning(ctx, retailer); err != nil {
		log.Printf("⚠️ Failed to increment running count for %s: %v", retailer, err)
	}
	defer func() {
		if err := p.counters.DecrRunning(ctx, retailer); err != nil {
			log.Printf("⚠️ Failed to decrement running count for %s: %v", retailer, err)
		}
	}()

	unlock := p.locks.lock(task.ProductID)
	defer unlock()

	runCtx, cancel := context.WithTimeout(ctx, hardTimeLimit)
	defer cancel()

	started := p.clock.Now()
	obs, err := p.check(runCtx, task, product)
	elapsed := p.clock.Now().Sub(started)
	if elapsed > softTimeLimit {
		log.Printf("⏳ Task %s for product %s ran %s, over the soft limit", task.ID, task.ProductID, elapsed)
	}
	if p.recorder != nil {
		p.recorder.RecordCheck(retailer, task.Priority, elapsed, obs, err)
	}
	if err != nil {
		p.fail(ctx, task, err, retailer)
		return
	}

	summary := &core.TaskSummary{
		ObservationID:       obs.ID,
		PriceChanged:        obs.PriceChanged,
		AvailabilityChanged: obs.AvailabilityChanged,
		AlertTriggered:      obs.AlertTriggered,
	}
	// Completion time equals the observation time so the task record and the
	// observation it produced can never disagree.
	if err := task.MarkCompleted(obs.ObservedAt, summary); err != nil {
		log.Printf("⚠️ Task %s: %v", task.ID, err)
		return
	}
	if err := p.store.SaveTask(ctx, task); err != nil {
		log.Printf("❌ Failed to persist completed task %s: %v", task.ID, err)
	}
	if obs.AlertTriggered {
		log.Printf("🚨 Product %s: %s", task.ProductID, obs.AlertMessage)
	}
}

// check extracts and analyzes one product.
func (p *Pool) check(ctx context.Context, task *core.Task, product *core.Product) (*core.ObservationResult, error) {
	extractor, err := p.registry.For(product.URL)
	if err != nil {
		return nil, err
	}

	takeScreenshot := false
	if cfg, err := p.store.ConfigByProduct(ctx, task.ProductID); err == nil {
		takeScreenshot = cfg.TakeScreenshot
	}

	payload, err := extractor.Extract(ctx, product.URL, takeScreenshot)
	if err != nil {
		return nil, err
	}

	obs, events, err := p.analyzer.Analyze(ctx, product, payload, task.ID)
	if err != nil {
		return nil, err
	}
	if p.sink != nil && len(events) > 0 {
		if err := p.sink.HandleEvents(ctx, events); err != nil {
			log.Printf("⚠️ Event handling failed for product %s: %v", task.ProductID, err)
		}
	}
	return obs, nil
}

// fail applies the retry policy by error class. Throttled failures re-queue
// after the retailer cool-down without consuming a retry; transient failures
// burn one; everything else is terminal.
func (p *Pool) fail(ctx context.Context, task *core.Task, err error, retailer string) {
	now := p.clock.Now()
	switch core.ClassOf(err) {
	case core.ErrorThrottled:
		log.Printf("⏳ Retailer %s throttled task %s, cooling down", retailer, task.ID)
		task.Status = core.TaskPending
		task.StartedAt = nil
		task.ScheduledTime = now.Add(throttleCooldown)
		task.ErrorMessage = err.Error()
		task.UpdatedAt = now
	case core.ErrorTransient:
		retryAt := now.Add(RetryDelay(p.lane, task.RetryCount))
		if terminal := task.MarkFailed(now, err.Error(), retryAt); terminal {
			log.Printf("❌ Task %s failed after %d retries: %v", task.ID, task.RetryCount, err)
		} else {
			log.Printf("🔄 Task %s will retry at %s: %v", task.ID, retryAt.Format(time.RFC3339), err)
		}
	default:
		task.MarkFailedTerminal(now, err.Error())
		log.Printf("❌ Task %s failed (%s): %v", task.ID, core.ClassOf(err), err)
	}
	if saveErr := p.store.SaveTask(ctx, task); saveErr != nil {
		log.Printf("❌ Failed to persist failed task %s: %v", task.ID, saveErr)
	}
}

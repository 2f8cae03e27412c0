package dispatch

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"priceguard/internal/core"
)

// Store is the persistence surface dispatch needs. Ordering contract:
// DuePendingTasks returns pending tasks with ScheduledTime <= now, sorted by
// priority, then ScheduledTime, then ID.
type Store interface {
	DuePendingTasks(ctx context.Context, now time.Time, limit int) ([]*core.Task, error)
	// StaleTasks returns scheduled or running tasks untouched since before
	// cutoff, oldest first.
	StaleTasks(ctx context.Context, cutoff time.Time, limit int) ([]*core.Task, error)
	SaveTask(ctx context.Context, task *core.Task) error
	ProductByID(ctx context.Context, productID string) (*core.Product, error)
	ConfigByProduct(ctx context.Context, productID string) (*core.MonitoringConfig, error)
}

// staleTaskAge is how long a task may sit in scheduled or running before the
// reaper assumes its worker died. Three hard time limits leaves ample room
// for a slow but alive check.
const staleTaskAge = 3 * hardTimeLimit

// Dispatcher admits pending tasks into lane queues, applying retailer
// ceilings and fair interleaving. The task table stays the source of truth:
// lane queues only hold tasks already marked scheduled.
type Dispatcher struct {
	store    Store
	counters Counters
	ceilings Ceilings
	clock    core.Clock

	// MaxTasksPerCycle caps one admission pass.
	MaxTasksPerCycle int

	lanes map[Lane]chan *core.Task
}

// NewDispatcher creates a dispatcher with lane queues sized to one cycle.
func NewDispatcher(store Store, counters Counters, ceilings Ceilings, clock core.Clock, maxPerCycle int) *Dispatcher {
	if clock == nil {
		clock = core.RealClock{}
	}
	if maxPerCycle <= 0 {
		maxPerCycle = 200
	}
	return &Dispatcher{
		store:            store,
		counters:         counters,
		ceilings:         ceilings,
		clock:            clock,
		MaxTasksPerCycle: maxPerCycle,
		lanes: map[Lane]chan *core.Task{
			LaneHigh:   make(chan *core.Task, maxPerCycle),
			LaneNormal: make(chan *core.Task, maxPerCycle),
			LaneLow:    make(chan *core.Task, maxPerCycle),
		},
	}
}

// LaneQueue exposes one lane's channel for the worker pool.
func (d *Dispatcher) LaneQueue(lane Lane) <-chan *core.Task {
	return d.lanes[lane]
}

// Cycle runs one admission pass and returns how many tasks were handed to
// lanes. Tasks it cannot admit this cycle stay pending and are reconsidered
// next cycle; nothing is lost by a full queue or a saturated retailer.
func (d *Dispatcher) Cycle(ctx context.Context) (int, error) {
	now := d.clock.Now()
	pending, err := d.store.DuePendingTasks(ctx, now, d.MaxTasksPerCycle)
	if err != nil {
		return 0, fmt.Errorf("load pending tasks: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	admitted, err := d.admitByRetailer(ctx, pending)
	if err != nil {
		return 0, err
	}

	byLane := splitIntoLanes(admitted, d.MaxTasksPerCycle)
	order := interleave(byLane)

	dispatched := 0
	for _, item := range order {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		if err := item.task.MarkScheduled(now); err != nil {
			log.Printf("⚠️ Task %s: %v", item.task.ID, err)
			continue
		}
		if err := d.store.SaveTask(ctx, item.task); err != nil {
			log.Printf("❌ Failed to persist scheduled task %s: %v", item.task.ID, err)
			continue
		}
		select {
		case d.lanes[item.lane] <- item.task:
			dispatched++
		default:
			// Lane full: put the task back to pending for the next cycle.
			item.task.Status = core.TaskPending
			item.task.UpdatedAt = now
			if err := d.store.SaveTask(ctx, item.task); err != nil {
				log.Printf("❌ Failed to revert task %s to pending: %v", item.task.ID, err)
			}
		}
	}
	if dispatched > 0 {
		log.Printf("📌 Dispatched %d tasks (high=%d normal=%d low=%d pending=%d)",
			dispatched, len(byLane[LaneHigh]), len(byLane[LaneNormal]), len(byLane[LaneLow]), len(pending)-dispatched)
	}
	return dispatched, nil
}

// ReapStaleTasks returns tasks stranded in scheduled or running by a dead
// worker to pending so the next cycle can re-admit them. A crashed process
// leaves its claimed tasks behind; without the sweep they would never run.
func (d *Dispatcher) ReapStaleTasks(ctx context.Context) (int, error) {
	now := d.clock.Now()
	stale, err := d.store.StaleTasks(ctx, now.Add(-staleTaskAge), d.MaxTasksPerCycle)
	if err != nil {
		return 0, fmt.Errorf("load stale tasks: %w", err)
	}
	reaped := 0
	for _, task := range stale {
		if ctx.Err() != nil {
			return reaped, ctx.Err()
		}
		task.Status = core.TaskPending
		task.StartedAt = nil
		task.WorkerHandle = ""
		task.ScheduledTime = now
		task.UpdatedAt = now
		if err := d.store.SaveTask(ctx, task); err != nil {
			log.Printf("❌ Failed to requeue stale task %s: %v", task.ID, err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		log.Printf("🔄 Requeued %d stranded tasks", reaped)
	}
	return reaped, nil
}

type laneItem struct {
	lane Lane
	task *core.Task
}

// admitByRetailer groups tasks by retailer, enforces the per-retailer ceiling
// against currently running plus newly admitted work, and round-robins across
// retailers so one large retailer cannot monopolize a cycle.
func (d *Dispatcher) admitByRetailer(ctx context.Context, tasks []*core.Task) ([]*core.Task, error) {
	type retailerQueue struct {
		name   string
		budget int
		tasks  []*core.Task
	}
	queues := make(map[string]*retailerQueue)
	var names []string

	for _, task := range tasks {
		product, err := d.store.ProductByID(ctx, task.ProductID)
		if err != nil {
			log.Printf("⚠️ Task %s references missing product %s, cancelling", task.ID, task.ProductID)
			if task.Cancel(d.clock.Now()) {
				if saveErr := d.store.SaveTask(ctx, task); saveErr != nil {
					log.Printf("❌ Failed to persist cancelled task %s: %v", task.ID, saveErr)
				}
			}
			continue
		}
		name := retailerKey(product.RetailerName)
		q, ok := queues[name]
		if !ok {
			running, err := d.counters.Running(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("read running count for %s: %w", name, err)
			}
			budget := d.ceilings.For(name) - running
			if budget < 0 {
				budget = 0
			}
			q = &retailerQueue{name: name, budget: budget}
			queues[name] = q
			names = append(names, name)
		}
		q.tasks = append(q.tasks, task)
	}
	sort.Strings(names)

	// Round-robin: one task per retailer per turn, skipping exhausted budgets.
	var admitted []*core.Task
	for {
		progressed := false
		for _, name := range names {
			q := queues[name]
			if q.budget == 0 || len(q.tasks) == 0 {
				continue
			}
			admitted = append(admitted, q.tasks[0])
			q.tasks = q.tasks[1:]
			q.budget--
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return admitted, nil
}

// splitIntoLanes buckets admitted tasks by lane and caps each lane at its
// share of the cycle.
func splitIntoLanes(tasks []*core.Task, capacity int) map[Lane][]*core.Task {
	byLane := map[Lane][]*core.Task{}
	caps := map[Lane]int{
		LaneHigh:   capacity * highShare / 100,
		LaneNormal: capacity * normalShare / 100,
		LaneLow:    capacity * lowShare / 100,
	}
	for _, task := range tasks {
		lane := LaneFor(task.Priority)
		if len(byLane[lane]) >= caps[lane] {
			continue
		}
		byLane[lane] = append(byLane[lane], task)
	}
	return byLane
}

// interleave merges the lanes in the 4:2:1 pattern, draining leftovers in
// lane order once a lane runs dry.
func interleave(byLane map[Lane][]*core.Task) []laneItem {
	queues := map[Lane][]*core.Task{
		LaneHigh:   byLane[LaneHigh],
		LaneNormal: byLane[LaneNormal],
		LaneLow:    byLane[LaneLow],
	}
	var out []laneItem
	for len(queues[LaneHigh])+len(queues[LaneNormal])+len(queues[LaneLow]) > 0 {
		took := false
		for _, lane := range interleavePattern {
			if len(queues[lane]) == 0 {
				continue
			}
			out = append(out, laneItem{lane: lane, task: queues[lane][0]})
			queues[lane] = queues[lane][1:]
			took = true
		}
		if !took {
			break
		}
	}
	return out
}

// retailerKey normalizes a retailer name for counters and ceilings.
func retailerKey(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "unknown"
	}
	return key
}

// Package scheduler decides which products get a monitoring task and when.
// It owns priority recomputation and the daily load-balancing pass; actual
// execution lives in dispatch.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"priceguard/internal/core"
	"priceguard/internal/scoring"
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	// DueConfigs returns active configs with NextScheduled <= now (or never
	// scheduled), ordered by priority score then NextScheduled, capped at limit.
	DueConfigs(ctx context.Context, now time.Time, limit int) ([]*core.MonitoringConfig, error)
	ActiveConfigs(ctx context.Context, limit int) ([]*core.MonitoringConfig, error)
	ConfigByProduct(ctx context.Context, productID string) (*core.MonitoringConfig, error)
	SaveConfig(ctx context.Context, cfg *core.MonitoringConfig) error

	// AdvanceNextScheduled moves NextScheduled from "from" to "to" only if it
	// still equals "from". A false return means another scheduler instance won
	// the race and no task should be created.
	AdvanceNextScheduled(ctx context.Context, productID string, from *time.Time, to time.Time) (bool, error)

	ProductByID(ctx context.Context, productID string) (*core.Product, error)
	PricePoints(ctx context.Context, productID string, since time.Time) ([]scoring.PricePoint, error)
	ActiveRuleCount(ctx context.Context, productID string) (int, error)

	CreateTask(ctx context.Context, task *core.Task) error
	PendingTaskForProduct(ctx context.Context, productID string) (*core.Task, error)

	// ConfigsScheduledBetween returns active configs whose NextScheduled falls
	// in [from, to).
	ConfigsScheduledBetween(ctx context.Context, from, to time.Time) ([]*core.MonitoringConfig, error)
}

// Scheduler runs the periodic scheduling passes.
type Scheduler struct {
	store   Store
	clock   core.Clock
	weights scoring.Weights

	// BatchSize caps how many due configs one pass picks up.
	BatchSize int
	// PriorityBatchSize caps how many configs one priority pass rescores.
	PriorityBatchSize int
}

func New(store Store, clock core.Clock, weights scoring.Weights) *Scheduler {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Scheduler{
		store:             store,
		clock:             clock,
		weights:           weights,
		BatchSize:         1000,
		PriorityBatchSize: 5000,
	}
}

// ScheduleDueProducts creates one pending task per due product. The
// NextScheduled compare-and-swap makes the pass idempotent: re-running it, or
// racing it against another instance, cannot produce duplicate tasks.
func (s *Scheduler) ScheduleDueProducts(ctx context.Context) (int, error) {
	now := s.clock.Now()
	due, err := s.store.DueConfigs(ctx, now, s.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load due configs: %w", err)
	}

	created := 0
	for _, cfg := range due {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}
		next := now.Add(cfg.Interval())
		won, err := s.store.AdvanceNextScheduled(ctx, cfg.ProductID, cfg.NextScheduled, next)
		if err != nil {
			log.Printf("⚠️ Failed to advance schedule for product %s: %v", cfg.ProductID, err)
			continue
		}
		if !won {
			continue
		}
		task := core.NewTask(cfg.ProductID, now, priorityBucket(cfg.PriorityScore))
		if err := s.store.CreateTask(ctx, task); err != nil {
			log.Printf("❌ Failed to create task for product %s: %v", cfg.ProductID, err)
			continue
		}
		created++
	}
	if created > 0 {
		log.Printf("📌 Scheduled %d monitoring tasks", created)
	}
	return created, nil
}

// ScheduleImmediate creates a task for the product right now, outside the
// normal cadence. A product without a monitoring config gets the default one.
// An already-pending task for the product is reused rather than duplicated.
func (s *Scheduler) ScheduleImmediate(ctx context.Context, productID string, priority *int) (*core.Task, error) {
	now := s.clock.Now()

	if _, err := s.store.ProductByID(ctx, productID); err != nil {
		return nil, fmt.Errorf("load product %s: %w", productID, err)
	}

	cfg, err := s.store.ConfigByProduct(ctx, productID)
	if err == core.ErrNotFound {
		cfg = core.DefaultMonitoringConfig(productID, now)
		if err := s.store.SaveConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("create default config for %s: %w", productID, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load config for %s: %w", productID, err)
	}

	if existing, err := s.store.PendingTaskForProduct(ctx, productID); err == nil && existing != nil {
		return existing, nil
	}

	p := 1
	if priority != nil {
		p = *priority
	}
	task := core.NewTask(productID, now, p)
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create immediate task for %s: %w", productID, err)
	}
	log.Printf("🔍 Immediate check queued for product %s (priority %d)", productID, task.Priority)
	return task, nil
}

// UpdatePriorities rescores active configs from their trailing 30 days of
// signals. Scoring failures skip the product and keep its previous score.
func (s *Scheduler) UpdatePriorities(ctx context.Context) (int, error) {
	now := s.clock.Now()
	configs, err := s.store.ActiveConfigs(ctx, s.PriorityBatchSize)
	if err != nil {
		return 0, fmt.Errorf("load active configs: %w", err)
	}

	updated := 0
	for _, cfg := range configs {
		if ctx.Err() != nil {
			return updated, ctx.Err()
		}
		score, err := s.scoreProduct(ctx, cfg, now)
		if err != nil {
			log.Printf("⚠️ Failed to score product %s: %v", cfg.ProductID, err)
			continue
		}
		if score == cfg.PriorityScore {
			continue
		}
		cfg.PriorityScore = score
		cfg.UpdatedAt = now
		if err := s.store.SaveConfig(ctx, cfg); err != nil {
			log.Printf("❌ Failed to save score for product %s: %v", cfg.ProductID, err)
			continue
		}
		updated++
	}
	log.Printf("🔄 Priority pass rescored %d/%d products", updated, len(configs))
	return updated, nil
}

func (s *Scheduler) scoreProduct(ctx context.Context, cfg *core.MonitoringConfig, now time.Time) (float64, error) {
	product, err := s.store.ProductByID(ctx, cfg.ProductID)
	if err != nil {
		return 0, err
	}
	history, err := s.store.PricePoints(ctx, cfg.ProductID, now.AddDate(0, 0, -30))
	if err != nil {
		return 0, err
	}
	rules, err := s.store.ActiveRuleCount(ctx, cfg.ProductID)
	if err != nil {
		return 0, err
	}
	return scoring.Score(scoring.Inputs{
		History:          history,
		ActiveAlertRules: rules,
		Views:            product.ViewCount,
		CurrentPrice:     product.CurrentPrice,
		LastCheckedAt:    product.LastCheckedAt,
		ManualBoost:      cfg.ManualPriorityBoost,
	}, now, s.weights)
}

// priorityBucket maps a [1,10] score onto the integer task priority.
func priorityBucket(score float64) int {
	p := int(score + 0.5)
	if p < 1 {
		p = 1
	}
	if p > 10 {
		p = 10
	}
	return p
}

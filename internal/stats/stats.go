// Package stats aggregates per-check outcomes into daily operational
// counters. The collector accumulates in memory and is flushed hourly.
package stats

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"priceguard/internal/core"
)

// Store persists daily aggregates, keyed by date.
type Store interface {
	SaveStats(ctx context.Context, s *core.MonitoringStats) error
	StatsByDate(ctx context.Context, date time.Time) (*core.MonitoringStats, error)
}

// Collector implements the dispatch recorder hook. It is safe for concurrent
// use by all worker pools.
type Collector struct {
	mu    sync.Mutex
	store Store
	clock core.Clock

	day       time.Time
	current   *core.MonitoringStats
	totalExec float64
}

func NewCollector(store Store, clock core.Clock) *Collector {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Collector{store: store, clock: clock}
}

// RecordCheck folds one check outcome into the current day's aggregate.
func (c *Collector) RecordCheck(retailer string, priority int, duration time.Duration, obs *core.ObservationResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	day := now.Truncate(24 * time.Hour)
	if c.current == nil || !day.Equal(c.day) {
		c.rollover(day)
	}

	s := c.current
	s.TotalChecks++
	seconds := duration.Seconds()
	c.totalExec += seconds
	s.AvgExecutionTimeSeconds = c.totalExec / float64(s.TotalChecks)
	if seconds > s.MaxExecutionTimeSeconds {
		s.MaxExecutionTimeSeconds = seconds
	}
	s.ChecksByPriority[priority]++
	s.ChecksByRetailer[retailer]++
	s.UpdatedAt = now

	if err != nil {
		s.FailedChecks++
		return
	}
	s.SuccessfulChecks++
	if obs == nil {
		return
	}
	if obs.PriceChanged {
		s.PriceChangesDetected++
	}
	if obs.AvailabilityChanged {
		s.AvailabilityChangesDetected++
	}
	if obs.AlertTriggered {
		s.AlertsTriggered++
	}
}

// rollover starts a fresh aggregate for the day, seeded from the store so a
// restart mid-day continues the existing counters.
func (c *Collector) rollover(day time.Time) {
	c.day = day
	c.totalExec = 0
	if existing, err := c.store.StatsByDate(context.Background(), day); err == nil {
		c.current = existing
		c.totalExec = existing.AvgExecutionTimeSeconds * float64(existing.TotalChecks)
		return
	}
	c.current = &core.MonitoringStats{
		Date:             day,
		ChecksByPriority: make(map[int]int),
		ChecksByRetailer: make(map[string]int),
	}
}

// Flush persists the current day's aggregate.
func (c *Collector) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	if err := c.store.SaveStats(ctx, c.current); err != nil {
		return fmt.Errorf("save stats for %s: %w", c.day.Format("2006-01-02"), err)
	}
	log.Printf("📌 Flushed daily stats: %d checks, %d alerts (success rate %.2f)",
		c.current.TotalChecks, c.current.AlertsTriggered, c.current.SuccessRate())
	return nil
}

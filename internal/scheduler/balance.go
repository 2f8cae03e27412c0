package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"priceguard/internal/core"
)

// DistributeLoad smooths the next 24 hours of scheduled checks so no single
// hour exceeds maxPerHour. Overflow moves to the nearest hour with spare
// capacity, probing alternately after and before the preferred slot. Higher
// scored (less urgent) configs move first.
func (s *Scheduler) DistributeLoad(ctx context.Context, maxPerHour int) (int, error) {
	if maxPerHour <= 0 {
		return 0, fmt.Errorf("maxPerHour must be positive, got %d", maxPerHour)
	}
	now := s.clock.Now()
	start := now.Truncate(time.Hour)

	counts := make([]int, 24)
	buckets := make([][]*core.MonitoringConfig, 24)
	for h := 0; h < 24; h++ {
		from := start.Add(time.Duration(h) * time.Hour)
		cfgs, err := s.store.ConfigsScheduledBetween(ctx, from, from.Add(time.Hour))
		if err != nil {
			return 0, fmt.Errorf("load configs for hour %d: %w", h, err)
		}
		counts[h] = len(cfgs)
		buckets[h] = cfgs
	}

	moved := 0
	for h := 0; h < 24; h++ {
		if counts[h] <= maxPerHour {
			continue
		}
		overflow := buckets[h]
		// Least urgent first: keep the hot products in their slot.
		sort.Slice(overflow, func(i, j int) bool {
			return overflow[i].PriorityScore > overflow[j].PriorityScore
		})
		excess := counts[h] - maxPerHour
		for _, cfg := range overflow[:excess] {
			if ctx.Err() != nil {
				return moved, ctx.Err()
			}
			target, ok := nearestFreeHour(counts, h, maxPerHour)
			if !ok {
				log.Printf("⚠️ Load balancing: every hour is at capacity, leaving product %s in place", cfg.ProductID)
				continue
			}
			next := start.Add(time.Duration(target)*time.Hour + jitterWithin(cfg.ProductID))
			cfg.NextScheduled = &next
			cfg.UpdatedAt = now
			if err := s.store.SaveConfig(ctx, cfg); err != nil {
				log.Printf("❌ Failed to move product %s to hour %d: %v", cfg.ProductID, target, err)
				continue
			}
			counts[h]--
			counts[target]++
			moved++
		}
	}
	if moved > 0 {
		log.Printf("🔄 Load balancing moved %d scheduled checks", moved)
	}
	return moved, nil
}

// nearestFreeHour probes h+1, h-1, h+2, h-2, ... within the 24 hour window
// for the first hour under capacity.
func nearestFreeHour(counts []int, h, maxPerHour int) (int, bool) {
	for offset := 1; offset < len(counts); offset++ {
		if t := h + offset; t < len(counts) && counts[t] < maxPerHour {
			return t, true
		}
		if t := h - offset; t >= 0 && counts[t] < maxPerHour {
			return t, true
		}
	}
	return 0, false
}

// jitterWithin spreads moved configs inside their new hour so they do not all
// land on the boundary. Derived from the product ID to stay deterministic.
func jitterWithin(productID string) time.Duration {
	var sum int
	for _, c := range productID {
		sum += int(c)
	}
	return time.Duration(sum%3600) * time.Second
}

// RebalancePriorities keeps the high-priority lane from saturating: when more
// than 40 percent of active products score as high priority, the least urgent
// of them are pushed back to the normal band. A lane split nobody exceeds
// keeps worst-case latency bounded for genuinely hot products.
func (s *Scheduler) RebalancePriorities(ctx context.Context) (int, error) {
	now := s.clock.Now()
	configs, err := s.store.ActiveConfigs(ctx, s.PriorityBatchSize)
	if err != nil {
		return 0, fmt.Errorf("load active configs: %w", err)
	}
	if len(configs) == 0 {
		return 0, nil
	}

	var high []*core.MonitoringConfig
	for _, cfg := range configs {
		if cfg.PriorityScore <= 3 {
			high = append(high, cfg)
		}
	}
	maxHigh := len(configs) * 40 / 100
	if len(high) <= maxHigh {
		return 0, nil
	}

	// Demote the weakest of the high lane (highest score first).
	sort.Slice(high, func(i, j int) bool {
		return high[i].PriorityScore > high[j].PriorityScore
	})
	demoted := 0
	for _, cfg := range high[:len(high)-maxHigh] {
		if ctx.Err() != nil {
			return demoted, ctx.Err()
		}
		cfg.PriorityScore = 3.5
		cfg.UpdatedAt = now
		if err := s.store.SaveConfig(ctx, cfg); err != nil {
			log.Printf("❌ Failed to demote product %s: %v", cfg.ProductID, err)
			continue
		}
		demoted++
	}
	if demoted > 0 {
		log.Printf("🔄 Rebalanced priorities: demoted %d products out of the high lane", demoted)
	}
	return demoted, nil
}

package dispatch

import (
	"context"
	"sync"
)

// Counters tracks in-flight checks per retailer. Backed by Redis in
// production so ceilings hold across instances; the memory implementation
// serves tests and single-node deployments.
type Counters interface {
	IncrRunning(ctx context.Context, retailer string) (int, error)
	DecrRunning(ctx context.Context, retailer string) error
	Running(ctx context.Context, retailer string) (int, error)
}

// MemoryCounters is the process-local Counters implementation.
type MemoryCounters struct {
	mu      sync.Mutex
	running map[string]int
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{running: make(map[string]int)}
}

func (c *MemoryCounters) IncrRunning(_ context.Context, retailer string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running[retailer]++
	return c.running[retailer], nil
}

func (c *MemoryCounters) DecrRunning(_ context.Context, retailer string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[retailer] > 0 {
		c.running[retailer]--
	}
	return nil
}

func (c *MemoryCounters) Running(_ context.Context, retailer string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running[retailer], nil
}

// Ceilings holds per-retailer concurrency limits with a default for retailers
// not listed.
type Ceilings struct {
	PerRetailer map[string]int
	Default     int
}

// DefaultCeilings reflects what each retailer tolerates before blocking us.
func DefaultCeilings() Ceilings {
	return Ceilings{
		PerRetailer: map[string]int{
			"amazon":    20,
			"fnac":      10,
			"darty":     10,
			"boulanger": 10,
		},
		Default: 5,
	}
}

// For returns the ceiling for a retailer name.
func (c Ceilings) For(retailer string) int {
	if n, ok := c.PerRetailer[retailer]; ok {
		return n
	}
	if c.Default > 0 {
		return c.Default
	}
	return 5
}

package notify

import (
	"context"
	"sync"
	"time"

	"priceguard/internal/core"
)

// hourlySendLimit is the per-user per-channel send budget.
const hourlySendLimit = 100

// MemoryThrottle is the process-local Throttle, for tests and single-node
// deployments. The Redis implementation in store shares limits across
// instances.
type MemoryThrottle struct {
	mu    sync.Mutex
	clock core.Clock
	sends map[string][]time.Time
	seen  map[string]time.Time
}

func NewMemoryThrottle(clock core.Clock) *MemoryThrottle {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &MemoryThrottle{
		clock: clock,
		sends: make(map[string][]time.Time),
		seen:  make(map[string]time.Time),
	}
}

func (t *MemoryThrottle) Allow(_ context.Context, userID string, ch core.Channel) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	key := userID + ":" + string(ch)
	cutoff := now.Add(-time.Hour)

	kept := t.sends[key][:0]
	for _, at := range t.sends[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) >= hourlySendLimit {
		t.sends[key] = kept
		return false, nil
	}
	t.sends[key] = append(kept, now)
	return true, nil
}

func (t *MemoryThrottle) FirstSeen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	if until, ok := t.seen[key]; ok && until.After(now) {
		return false, nil
	}
	t.seen[key] = now.Add(ttl)
	return true, nil
}

// Package dispatch pulls pending tasks into priority lanes and runs them on
// worker pools, enforcing per-retailer concurrency ceilings and the retry
// policy.
package dispatch

import "time"

// Lane is an execution band. Lanes keep slow low-priority scans from starving
// urgent checks.
type Lane string

const (
	LaneHigh   Lane = "high"
	LaneNormal Lane = "normal"
	LaneLow    Lane = "low"
)

// LaneFor maps a task priority (1 highest .. 10 lowest) onto its lane.
func LaneFor(priority int) Lane {
	switch {
	case priority <= 3:
		return LaneHigh
	case priority <= 7:
		return LaneNormal
	default:
		return LaneLow
	}
}

// laneBaseDelay is the first-retry delay per lane.
var laneBaseDelay = map[Lane]time.Duration{
	LaneHigh:   30 * time.Second,
	LaneNormal: 60 * time.Second,
	LaneLow:    120 * time.Second,
}

// RetryDelay returns the backoff before retry number n (0-based): the lane's
// base delay doubled per prior attempt.
func RetryDelay(lane Lane, n int) time.Duration {
	base, ok := laneBaseDelay[lane]
	if !ok {
		base = laneBaseDelay[LaneNormal]
	}
	return base << uint(n)
}

// Lane shares of one dispatch cycle: high and normal each get 40 percent of
// the slots, low gets 20. Interleaving inside the cycle is 4:2:1.
const (
	highShare   = 40
	normalShare = 40
	lowShare    = 20
)

var interleavePattern = []Lane{
	LaneHigh, LaneHigh, LaneHigh, LaneHigh,
	LaneNormal, LaneNormal,
	LaneLow,
}

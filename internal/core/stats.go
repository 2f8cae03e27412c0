package core

import "time"

// MonitoringStats is the per-day operational aggregate, recomputed hourly for
// the current day.
type MonitoringStats struct {
	Date time.Time

	TotalChecks      int
	SuccessfulChecks int
	FailedChecks     int

	PriceChangesDetected        int
	AvailabilityChangesDetected int
	AlertsTriggered             int

	AvgExecutionTimeSeconds float64
	MaxExecutionTimeSeconds float64

	ChecksByPriority map[int]int
	ChecksByRetailer map[string]int

	UpdatedAt time.Time
}

// SuccessRate returns successful/total in [0,1], 0 when no checks ran.
func (s *MonitoringStats) SuccessRate() float64 {
	if s.TotalChecks == 0 {
		return 0
	}
	return float64(s.SuccessfulChecks) / float64(s.TotalChecks)
}

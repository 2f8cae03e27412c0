package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Frequency controls how often a product is re-checked.
type Frequency string

const (
	FrequencyHigh   Frequency = "high"   // every 4 hours
	FrequencyNormal Frequency = "normal" // every 12 hours
	FrequencyLow    Frequency = "low"    // every 24 hours
	FrequencyCustom Frequency = "custom" // CustomFrequencyHours
)

// MonitoringConfig is the per-product monitoring policy. One per Product.
type MonitoringConfig struct {
	ProductID string

	Frequency            Frequency
	CustomFrequencyHours int

	// PriorityScore in [1,10]; lower means higher priority.
	PriorityScore       float64
	ManualPriorityBoost float64

	TakeScreenshot    bool
	NotifyOnAnyChange bool

	// Either threshold may be nil (unset). A price drop alerts when any set
	// threshold is met, or when NotifyOnAnyChange is true.
	PriceThresholdAbsolute *decimal.Decimal
	PriceThresholdPct      *float64

	Active        bool
	LastMonitored *time.Time
	NextScheduled *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DefaultMonitoringConfig returns the config used when a product is scheduled
// without one (normal frequency, average priority, screenshots on).
func DefaultMonitoringConfig(productID string, now time.Time) *MonitoringConfig {
	return &MonitoringConfig{
		ProductID:      productID,
		Frequency:      FrequencyNormal,
		PriorityScore:  5.0,
		TakeScreenshot: true,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Interval returns the monitoring interval for the configured frequency.
func (c *MonitoringConfig) Interval() time.Duration {
	switch c.Frequency {
	case FrequencyHigh:
		return 4 * time.Hour
	case FrequencyNormal:
		return 12 * time.Hour
	case FrequencyLow:
		return 24 * time.Hour
	case FrequencyCustom:
		if c.CustomFrequencyHours > 0 {
			return time.Duration(c.CustomFrequencyHours) * time.Hour
		}
	}
	return 12 * time.Hour
}

// SetFrequency updates the frequency and recomputes NextScheduled from
// LastMonitored when known. Custom hours are clamped to [1, 168].
func (c *MonitoringConfig) SetFrequency(f Frequency, customHours int) {
	c.Frequency = f
	if f == FrequencyCustom {
		if customHours < 1 {
			customHours = 1
		}
		if customHours > 168 {
			customHours = 168
		}
		c.CustomFrequencyHours = customHours
	}
	if c.LastMonitored != nil {
		next := c.LastMonitored.Add(c.Interval())
		c.NextScheduled = &next
	}
}

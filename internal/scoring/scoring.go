// Package scoring computes per-product priority scores. The scorer is pure:
// same inputs, same score, no I/O.
package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"priceguard/internal/core"
)

// Weights combine the four scoring factors plus the manual boost. They must
// sum to 1.0 for the composite to stay in [1,10].
type Weights struct {
	Volatility     float64
	Popularity     float64
	PriceLevel     float64
	TimeSinceCheck float64
	ManualBoost    float64
}

// DefaultWeights is the production weighting.
func DefaultWeights() Weights {
	return Weights{
		Volatility:     0.35,
		Popularity:     0.25,
		PriceLevel:     0.15,
		TimeSinceCheck: 0.15,
		ManualBoost:    0.10,
	}
}

// PricePoint is one historical price observation.
type PricePoint struct {
	Price      decimal.Decimal
	ObservedAt time.Time
}

// Inputs is everything the scorer looks at for one product. History should
// cover the trailing 30 days, oldest first.
type Inputs struct {
	History          []PricePoint
	ActiveAlertRules int
	Views            int
	CurrentPrice     decimal.Decimal
	LastCheckedAt    *time.Time
	ManualBoost      float64
}

// Score computes the priority score in [1,10], lower meaning more urgent.
// Each factor is scored on [0,10] where higher means "check sooner", then the
// weighted sum is inverted so the hottest products land near 1.
func Score(in Inputs, now time.Time, w Weights) (float64, error) {
	t, err := timeFactor(in.LastCheckedAt, now)
	if err != nil {
		return 0, err
	}
	weighted := w.Volatility*volatilityFactor(in.History) +
		w.Popularity*popularityFactor(in.ActiveAlertRules, in.Views) +
		w.PriceLevel*priceLevelFactor(in.CurrentPrice) +
		w.TimeSinceCheck*t +
		w.ManualBoost*clamp(in.ManualBoost, 0, 10)
	return 11 - clamp(weighted, 1, 10), nil
}

// volatilityFactor measures recent price movement: the range of the window
// relative to its floor, blended with how often the price actually changed.
// Fewer than two points scores a neutral 5.
func volatilityFactor(history []PricePoint) float64 {
	if len(history) < 2 {
		return 5.0
	}
	minPrice := history[0].Price
	maxPrice := history[0].Price
	changes := 0
	for i := 1; i < len(history); i++ {
		p := history[i].Price
		if p.LessThan(minPrice) {
			minPrice = p
		}
		if p.GreaterThan(maxPrice) {
			maxPrice = p
		}
		if !p.Equal(history[i-1].Price) {
			changes++
		}
	}
	floor, _ := minPrice.Float64()
	ceil, _ := maxPrice.Float64()
	if floor < 0.01 {
		floor = 0.01
	}
	volatilityPct := (ceil - floor) / floor * 100
	changeRatio := float64(changes) / float64(len(history)-1)
	return 0.7*math.Min(10, volatilityPct/5) + 0.3*changeRatio*10
}

// popularityFactor blends alert-rule demand with view traffic, weighted
// 60/40. Products with no recorded views are scored on rules alone rather
// than being dragged down by a zero view term; the blend otherwise applies
// even when the rule term is zero.
func popularityFactor(rules, views int) float64 {
	if rules == 0 && views == 0 {
		return 1.0
	}
	ruleScore := math.Min(10, float64(rules)/2)
	viewScore := math.Min(10, float64(views)/100)
	if views == 0 {
		return ruleScore
	}
	return 0.6*ruleScore + 0.4*viewScore
}

// priceLevelFactor favors expensive products on a log scale: a 1000 EUR item
// saves users far more per percentage point than a 10 EUR one.
func priceLevelFactor(price decimal.Decimal) float64 {
	p, _ := price.Float64()
	if p <= 0 {
		return 1.0
	}
	return math.Min(10, 1+3*math.Log10(math.Max(1, p)))
}

// timeFactor rewards staleness linearly, saturating at 48 hours. A product
// never checked is maximally urgent. A last-checked time in the future is a
// caller bug, not something to silently clamp.
func timeFactor(lastChecked *time.Time, now time.Time) (float64, error) {
	if lastChecked == nil {
		return 10, nil
	}
	elapsed := now.Sub(*lastChecked)
	if elapsed < 0 {
		return 0, fmt.Errorf("%w: last checked %s is after now %s",
			core.ErrInvalidInput, lastChecked.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	return math.Min(10, elapsed.Hours()/4.8), nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

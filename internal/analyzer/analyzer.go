// Package analyzer turns raw extraction payloads into observation results:
// it diffs against the previous observation, classifies what (if anything)
// should alert, updates the product and its monitoring config, and emits
// change events for the rule engine.
package analyzer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"priceguard/internal/core"
)

// Store is the persistence surface the analyzer needs.
type Store interface {
	LatestObservation(ctx context.Context, productID string) (*core.ObservationResult, error)
	SaveObservation(ctx context.Context, obs *core.ObservationResult) error
	SaveProduct(ctx context.Context, p *core.Product) error
	ConfigByProduct(ctx context.Context, productID string) (*core.MonitoringConfig, error)
	SaveConfig(ctx context.Context, cfg *core.MonitoringConfig) error
}

// Analyzer evaluates one observation at a time. Callers serialize per
// product; the analyzer itself assumes it is the only writer for the product
// it is handed.
type Analyzer struct {
	store Store
	clock core.Clock
}

func New(store Store, clock core.Clock) *Analyzer {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Analyzer{store: store, clock: clock}
}

// Analyze processes one extracted payload for the product. It persists the
// observation, applies the new price to the product, advances the monitoring
// schedule, and returns the result plus the events to feed the rule engine.
// The returned result's ObservedAt is the task's completion time.
func (a *Analyzer) Analyze(ctx context.Context, product *core.Product, payload *core.ObservationPayload, taskID string) (*core.ObservationResult, []core.Event, error) {
	if err := payload.Validate(); err != nil {
		return nil, nil, err
	}
	now := a.clock.Now()

	prev, err := a.store.LatestObservation(ctx, product.ID)
	if err != nil && err != core.ErrNotFound {
		return nil, nil, fmt.Errorf("load latest observation for %s: %w", product.ID, err)
	}

	obs := &core.ObservationResult{
		ID:                 uuid.NewString(),
		ProductID:          product.ID,
		TaskID:             taskID,
		ObservedAt:         now,
		CurrentPrice:       payload.Price,
		CurrentlyAvailable: payload.InStock,
		IsDeal:             payload.IsDeal,
		Screenshots:        payload.Screenshots,
		Extracted:          payload.Metadata,
	}

	if prev != nil {
		prevPrice := prev.CurrentPrice
		obs.PreviousPrice = &prevPrice
		prevAvail := prev.CurrentlyAvailable
		obs.PreviouslyAvailable = &prevAvail

		if !payload.Price.Equal(prevPrice) {
			obs.PriceChanged = true
			amount := payload.Price.Sub(prevPrice)
			obs.PriceChangeAmount = &amount
			pct := 0.0
			if prevPrice.IsPositive() {
				p, _ := amount.Div(prevPrice).Mul(decimal.NewFromInt(100)).Float64()
				pct = p
			}
			obs.PriceChangePercentage = &pct
		}
		obs.AvailabilityChanged = payload.InStock != prevAvail
	}

	cfg, err := a.store.ConfigByProduct(ctx, product.ID)
	if err != nil && err != core.ErrNotFound {
		return nil, nil, fmt.Errorf("load monitoring config for %s: %w", product.ID, err)
	}

	a.classifyAlert(product, cfg, obs)
	events := buildEvents(product.ID, obs, now)

	// Persist observation first: a crash after this point loses the product
	// update but never an observed price.
	if err := a.store.SaveObservation(ctx, obs); err != nil {
		return nil, nil, fmt.Errorf("save observation for %s: %w", product.ID, err)
	}

	product.ApplyObservation(payload.Price, payload.InStock, now)
	if payload.Title != "" {
		product.Title = payload.Title
	}
	if payload.ImageURL != "" {
		product.ImageURL = payload.ImageURL
	}
	if payload.SKU != "" && product.SKU == "" {
		product.SKU = payload.SKU
	}
	if payload.Currency != "" {
		product.Currency = payload.Currency
	}
	if err := a.store.SaveProduct(ctx, product); err != nil {
		return nil, nil, fmt.Errorf("save product %s: %w", product.ID, err)
	}

	if cfg != nil {
		last := now
		cfg.LastMonitored = &last
		next := now.Add(cfg.Interval())
		cfg.NextScheduled = &next
		cfg.UpdatedAt = now
		if err := a.store.SaveConfig(ctx, cfg); err != nil {
			return nil, nil, fmt.Errorf("save monitoring config for %s: %w", product.ID, err)
		}
	}

	return obs, events, nil
}

// classifyAlert decides what one observation should alert on, in strict
// precedence order: availability transitions first, then price drops against
// thresholds, then the lowest-ever override, then a plain deal flag when
// nothing else fired. At most one alert type per observation. A product with
// no monitoring config is tracked but never alerts.
func (a *Analyzer) classifyAlert(product *core.Product, cfg *core.MonitoringConfig, obs *core.ObservationResult) {
	if cfg == nil {
		return
	}
	if obs.AvailabilityChanged {
		obs.AlertTriggered = true
		if obs.CurrentlyAvailable {
			obs.AlertType = core.AlertBackInStock
			obs.AlertMessage = fmt.Sprintf("%s is back in stock at %s %s", product.Title, obs.CurrentPrice, currency(product))
		} else {
			obs.AlertType = core.AlertOutOfStock
			obs.AlertMessage = fmt.Sprintf("%s is out of stock", product.Title)
		}
		return
	}

	if obs.PriceChanged && obs.PriceChangeAmount != nil && obs.PriceChangeAmount.IsNegative() {
		drop := obs.PriceChangeAmount.Neg()
		if priceDropQualifies(cfg, drop, obs.PriceChangePercentage) {
			obs.AlertTriggered = true
			obs.AlertType = core.AlertPriceDrop
			obs.AlertMessage = fmt.Sprintf("%s dropped from %s to %s %s",
				product.Title, obs.PreviousPrice, obs.CurrentPrice, currency(product))
		}
	}

	// Lowest price ever upgrades (or creates) the alert even when no
	// threshold matched. Equal to the historical floor counts.
	if !product.LowestEver.IsZero() && obs.CurrentPrice.LessThanOrEqual(product.LowestEver) && obs.PriceChanged {
		obs.AlertTriggered = true
		obs.AlertType = core.AlertLowestPriceEver
		obs.AlertMessage = fmt.Sprintf("%s hit its lowest price ever: %s %s",
			product.Title, obs.CurrentPrice, currency(product))
		return
	}

	if !obs.AlertTriggered && obs.IsDeal {
		obs.AlertTriggered = true
		obs.AlertType = core.AlertDeal
		obs.AlertMessage = fmt.Sprintf("%s is flagged as a deal at %s %s",
			product.Title, obs.CurrentPrice, currency(product))
	}
}

// priceDropQualifies applies the configured thresholds. The drop must satisfy
// a set threshold or the notify-on-any-change switch; with neither threshold
// set and the switch off, no drop qualifies.
func priceDropQualifies(cfg *core.MonitoringConfig, drop decimal.Decimal, pct *float64) bool {
	if cfg.NotifyOnAnyChange {
		return true
	}
	if cfg.PriceThresholdAbsolute != nil && drop.GreaterThanOrEqual(*cfg.PriceThresholdAbsolute) {
		return true
	}
	if cfg.PriceThresholdPct != nil && pct != nil && -*pct >= *cfg.PriceThresholdPct {
		return true
	}
	return false
}

func currency(p *core.Product) string {
	if p.Currency == "" {
		return "EUR"
	}
	return p.Currency
}

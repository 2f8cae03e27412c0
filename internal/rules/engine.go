// Package rules matches change events against user alert rules and
// materializes alerts for the notification pipeline.
package rules

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"priceguard/internal/core"
)

// Store is the persistence surface the engine needs.
type Store interface {
	// ActiveRulesForEvent returns active rules of the given type scoped to the
	// product or to all products.
	ActiveRulesForEvent(ctx context.Context, eventType core.EventType, productID string) ([]*core.AlertRule, error)
	// AlertExists reports whether the rule already fired for this product at
	// this instant. Event replays must not duplicate alerts.
	AlertExists(ctx context.Context, ruleID, productID string, occurredAt time.Time) (bool, error)
	SaveAlert(ctx context.Context, alert *core.Alert) error
	ProductByID(ctx context.Context, productID string) (*core.Product, error)
}

// Notifier hands a materialized alert to the delivery side. The monitor wires
// the Kafka publisher here.
type Notifier interface {
	NotifyAlert(ctx context.Context, alert *core.Alert) error
}

// Engine evaluates events against rules.
type Engine struct {
	store    Store
	notifier Notifier
	clock    core.Clock
}

func NewEngine(store Store, notifier Notifier, clock core.Clock) *Engine {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Engine{store: store, notifier: notifier, clock: clock}
}

// HandleEvents processes a batch of events from one observation.
func (e *Engine) HandleEvents(ctx context.Context, events []core.Event) error {
	for i := range events {
		if err := e.HandleEvent(ctx, &events[i]); err != nil {
			return err
		}
	}
	return nil
}

// HandleEvent fires every matching rule for one event. Each firing creates at
// most one alert; replaying the same event is a no-op.
func (e *Engine) HandleEvent(ctx context.Context, ev *core.Event) error {
	matched, err := e.store.ActiveRulesForEvent(ctx, ev.Type, ev.ProductID)
	if err != nil {
		return fmt.Errorf("load rules for %s: %w", ev.Type, err)
	}

	for _, rule := range matched {
		if !rule.Matches(ev) {
			continue
		}
		if !rule.Condition.Evaluate(ev.Fields) {
			continue
		}
		exists, err := e.store.AlertExists(ctx, rule.ID, ev.ProductID, ev.OccurredAt)
		if err != nil {
			return fmt.Errorf("check alert existence for rule %s: %w", rule.ID, err)
		}
		if exists {
			continue
		}

		alert, err := e.buildAlert(ctx, rule, ev)
		if err != nil {
			log.Printf("⚠️ Failed to build alert for rule %s: %v", rule.ID, err)
			continue
		}
		if err := e.store.SaveAlert(ctx, alert); err != nil {
			return fmt.Errorf("save alert for rule %s: %w", rule.ID, err)
		}
		log.Printf("🔔 Rule %s fired for product %s (priority %d)", rule.ID, ev.ProductID, alert.Priority)

		if e.notifier != nil {
			if err := e.notifier.NotifyAlert(ctx, alert); err != nil {
				log.Printf("❌ Failed to hand off alert %s: %v", alert.ID, err)
			}
		}
	}
	return nil
}

func (e *Engine) buildAlert(ctx context.Context, rule *core.AlertRule, ev *core.Event) (*core.Alert, error) {
	product, err := e.store.ProductByID(ctx, ev.ProductID)
	if err != nil {
		return nil, err
	}

	alert := &core.Alert{
		ID:        uuid.NewString(),
		UserID:    rule.UserID,
		ProductID: ev.ProductID,
		RuleID:    rule.ID,
		Currency:  product.Currency,
		Priority:  rule.Priority,
		CreatedAt: ev.OccurredAt,
	}
	for ch, enabled := range rule.Channels {
		if enabled {
			alert.EnabledChannels = append(alert.EnabledChannels, ch)
		}
	}

	alert.CurrentPrice = product.CurrentPrice
	if v, ok := ev.Fields["current_price"].(float64); ok {
		alert.CurrentPrice = decimal.NewFromFloat(v)
	}
	if v, ok := ev.Fields["previous_price"].(float64); ok {
		prev := decimal.NewFromFloat(v)
		alert.PreviousPrice = &prev
	}
	if v, ok := ev.Fields["drop_amount"].(float64); ok {
		drop := decimal.NewFromFloat(v)
		alert.AbsoluteDrop = &drop
	}
	if v, ok := ev.Fields["drop_percentage"].(float64); ok {
		pct := v
		alert.PercentageDrop = &pct
	}

	alert.Type, alert.Message = describe(product, ev, alert)
	alert.Priority = elevate(rule.Priority, ev, alert)
	return alert, nil
}

// describe picks the alert type and human message from the event shape.
func describe(product *core.Product, ev *core.Event, alert *core.Alert) (core.AlertType, string) {
	switch ev.Type {
	case core.EventAvailabilityChanged:
		if back, _ := ev.Fields["back_in_stock"].(bool); back {
			return core.AlertBackInStock, fmt.Sprintf("%s is back in stock at %s %s",
				product.Title, alert.CurrentPrice, product.Currency)
		}
		return core.AlertOutOfStock, fmt.Sprintf("%s is out of stock", product.Title)
	case core.EventPriceDropped:
		if at, _ := ev.Fields["alert_type"].(string); at != "" {
			typ := core.AlertType(at)
			switch typ {
			case core.AlertLowestPriceEver:
				return typ, fmt.Sprintf("%s hit its lowest price ever: %s %s",
					product.Title, alert.CurrentPrice, product.Currency)
			case core.AlertDeal:
				return typ, fmt.Sprintf("%s is flagged as a deal at %s %s",
					product.Title, alert.CurrentPrice, product.Currency)
			}
		}
		msg := fmt.Sprintf("%s price dropped to %s %s", product.Title, alert.CurrentPrice, product.Currency)
		if alert.PercentageDrop != nil {
			msg = fmt.Sprintf("%s price dropped %.1f%% to %s %s",
				product.Title, *alert.PercentageDrop, alert.CurrentPrice, product.Currency)
		}
		return core.AlertPriceDrop, msg
	}
	return core.AlertPriceDrop, fmt.Sprintf("%s changed: %s %s", product.Title, alert.CurrentPrice, product.Currency)
}

// elevate raises the alert priority for salient events: big drops get a
// bump, an all-time low is always top priority. 10 is the ceiling.
func elevate(base int, ev *core.Event, alert *core.Alert) int {
	p := base
	if p < 1 {
		p = 1
	}
	if alert.Type == core.AlertLowestPriceEver {
		return 10
	}
	if alert.PercentageDrop != nil {
		switch {
		case *alert.PercentageDrop >= 20:
			p += 2
		case *alert.PercentageDrop >= 10:
			p++
		}
	}
	if p > 10 {
		p = 10
	}
	return p
}

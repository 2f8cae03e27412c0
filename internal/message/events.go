package message

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"priceguard/internal/core"
)

// Kafka topic names
const (
	TopicAlerts     = "alerts.triggered"
	TopicEngagement = "engagement.events"
)

// AlertEvent is the Kafka message payload for a triggered alert. Prices are
// carried as decimal strings so no precision is lost on the wire.
type AlertEvent struct {
	AlertID        string    `json:"alert_id"`
	UserID         string    `json:"user_id"`
	ProductID      string    `json:"product_id"`
	RuleID         string    `json:"rule_id"`
	AlertType      string    `json:"alert_type"`
	Message        string    `json:"message"`
	PreviousPrice  string    `json:"previous_price,omitempty"`
	CurrentPrice   string    `json:"current_price"`
	AbsoluteDrop   string    `json:"absolute_drop,omitempty"`
	PercentageDrop *float64  `json:"percentage_drop,omitempty"`
	Currency       string    `json:"currency"`
	Priority       int       `json:"priority"`
	Channels       []string  `json:"channels"`
	CreatedAt      time.Time `json:"created_at"`
}

// ToAlert reconstructs the alert so consumers can act on the event without a
// database round trip.
func (e *AlertEvent) ToAlert() (*core.Alert, error) {
	current, err := decimal.NewFromString(e.CurrentPrice)
	if err != nil {
		return nil, fmt.Errorf("alert event %s: invalid current_price: %w", e.AlertID, err)
	}
	a := &core.Alert{
		ID:             e.AlertID,
		UserID:         e.UserID,
		ProductID:      e.ProductID,
		RuleID:         e.RuleID,
		Type:           core.AlertType(e.AlertType),
		Message:        e.Message,
		CurrentPrice:   current,
		PercentageDrop: e.PercentageDrop,
		Currency:       e.Currency,
		Priority:       e.Priority,
		CreatedAt:      e.CreatedAt,
	}
	if e.PreviousPrice != "" {
		d, err := decimal.NewFromString(e.PreviousPrice)
		if err != nil {
			return nil, fmt.Errorf("alert event %s: invalid previous_price: %w", e.AlertID, err)
		}
		a.PreviousPrice = &d
	}
	if e.AbsoluteDrop != "" {
		d, err := decimal.NewFromString(e.AbsoluteDrop)
		if err != nil {
			return nil, fmt.Errorf("alert event %s: invalid absolute_drop: %w", e.AlertID, err)
		}
		a.AbsoluteDrop = &d
	}
	for _, ch := range e.Channels {
		a.EnabledChannels = append(a.EnabledChannels, core.Channel(ch))
	}
	return a, nil
}

// ToEngagement reconstructs the core engagement event.
func (e *EngagementEvent) ToEngagement() *core.EngagementEvent {
	return &core.EngagementEvent{
		ID:         e.EventID,
		UserID:     e.UserID,
		DeliveryID: e.DeliveryID,
		Channel:    core.Channel(e.Channel),
		Type:       core.EngagementEventType(e.EventType),
		DeviceType: e.DeviceType,
		Platform:   e.Platform,
		OccurredAt: e.OccurredAt,
	}
}

// EngagementEvent is the Kafka message payload for a delivery engagement
// signal reported by a client or a channel provider webhook.
type EngagementEvent struct {
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	DeliveryID string    `json:"delivery_id"`
	Channel    string    `json:"channel"`
	EventType  string    `json:"event_type"`
	DeviceType string    `json:"device_type,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

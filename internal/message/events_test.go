package message

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"priceguard/internal/core"
)

func TestAlertEventToAlert(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	pct := 20.0
	event := &AlertEvent{
		AlertID:        "alert-1",
		UserID:         "user-1",
		ProductID:      "prod-1",
		RuleID:         "rule-1",
		AlertType:      string(core.AlertPriceDrop),
		Message:        "Test Headphones price dropped 20.0% to 79.99 EUR",
		PreviousPrice:  "99.99",
		CurrentPrice:   "79.99",
		AbsoluteDrop:   "20.00",
		PercentageDrop: &pct,
		Currency:       "EUR",
		Priority:       7,
		Channels:       []string{"email", "push"},
		CreatedAt:      now,
	}

	alert, err := event.ToAlert()
	if err != nil {
		t.Fatalf("ToAlert: %v", err)
	}

	// Test case 1: decimal strings decode without precision loss
	if !alert.CurrentPrice.Equal(decimal.RequireFromString("79.99")) {
		t.Errorf("current price: %s", alert.CurrentPrice)
	}
	if alert.PreviousPrice == nil || !alert.PreviousPrice.Equal(decimal.RequireFromString("99.99")) {
		t.Errorf("previous price: %v", alert.PreviousPrice)
	}
	if alert.AbsoluteDrop == nil || !alert.AbsoluteDrop.Equal(decimal.RequireFromString("20.00")) {
		t.Errorf("absolute drop: %v", alert.AbsoluteDrop)
	}

	// Test case 2: identity and channels carry over
	if alert.ID != "alert-1" || alert.UserID != "user-1" || alert.RuleID != "rule-1" {
		t.Errorf("identity: %+v", alert)
	}
	if len(alert.EnabledChannels) != 2 || alert.EnabledChannels[0] != core.ChannelEmail {
		t.Errorf("channels: %v", alert.EnabledChannels)
	}
	if !alert.CreatedAt.Equal(now) {
		t.Errorf("created at: %v", alert.CreatedAt)
	}

	// Test case 3: optional prices may be absent
	event.PreviousPrice = ""
	event.AbsoluteDrop = ""
	alert, err = event.ToAlert()
	if err != nil {
		t.Fatalf("ToAlert without optionals: %v", err)
	}
	if alert.PreviousPrice != nil || alert.AbsoluteDrop != nil {
		t.Error("absent prices should stay nil")
	}

	// Test case 4: a malformed price is rejected, not zeroed
	event.CurrentPrice = "not-a-number"
	if _, err := event.ToAlert(); err == nil {
		t.Error("expected error for malformed current_price")
	}
	event.CurrentPrice = "79.99"
	event.PreviousPrice = "n/a"
	if _, err := event.ToAlert(); err == nil {
		t.Error("expected error for malformed previous_price")
	}
}

func TestEngagementEventToEngagement(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	event := &EngagementEvent{
		EventID:    "ev-1",
		UserID:     "user-1",
		DeliveryID: "del-1",
		Channel:    "push",
		EventType:  string(core.EngagementOpened),
		DeviceType: "mobile",
		Platform:   "ios",
		OccurredAt: now,
	}

	// Test case 1: the wire form maps field for field onto the core event
	ev := event.ToEngagement()
	if ev.ID != "ev-1" || ev.DeliveryID != "del-1" || ev.UserID != "user-1" {
		t.Errorf("identity: %+v", ev)
	}
	if ev.Channel != core.ChannelPush || ev.Type != core.EngagementOpened {
		t.Errorf("channel/type: %s %s", ev.Channel, ev.Type)
	}
	if ev.DeviceType != "mobile" || ev.Platform != "ios" || !ev.OccurredAt.Equal(now) {
		t.Errorf("metadata: %+v", ev)
	}
}

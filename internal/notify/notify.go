// Package notify delivers alerts to users: immediate sends, hourly and daily
// digests, per-user throttling, delivery tracking, and the engagement
// feedback loop.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"priceguard/internal/core"
)

const (
	// maxDeliveryAttempts caps retries per delivery.
	maxDeliveryAttempts = 5
	// baseRetryDelay doubles per prior attempt.
	baseRetryDelay = 5 * time.Minute
	// dedupWindow suppresses duplicate sends per (alert, channel).
	dedupWindow = time.Hour
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	UserByID(ctx context.Context, userID string) (*core.User, error)
	UserPrefsByID(ctx context.Context, userID string) (*core.UserPrefs, error)

	// OpenBatch returns the pending batch for (user, channel, scheduledFor),
	// creating it when absent.
	OpenBatch(ctx context.Context, userID string, ch core.Channel, bt core.BatchType, scheduledFor time.Time) (*core.NotificationBatch, error)
	AddBatchItem(ctx context.Context, item *core.BatchItem) error
	SaveBatch(ctx context.Context, batch *core.NotificationBatch) error
	PendingBatchesDue(ctx context.Context, now time.Time, limit int) ([]*core.NotificationBatch, error)
	BatchAlerts(ctx context.Context, batchID string) ([]*core.Alert, error)

	SaveDelivery(ctx context.Context, d *core.NotificationDelivery) error
	DeliveryByID(ctx context.Context, id string) (*core.NotificationDelivery, error)
	DueDeliveryRetries(ctx context.Context, now time.Time, limit int) ([]*core.NotificationDelivery, error)
	AlertByID(ctx context.Context, id string) (*core.Alert, error)
	MarkAlertNotified(ctx context.Context, alertID string, at time.Time) error

	SaveEngagementEvent(ctx context.Context, ev *core.EngagementEvent) error
	EngagementEventsByUser(ctx context.Context, userID string, since time.Time) ([]*core.EngagementEvent, error)
	DeliveriesByUser(ctx context.Context, userID string, since time.Time) ([]*core.NotificationDelivery, error)
	SaveEngagementMetrics(ctx context.Context, m *core.EngagementMetrics) error
}

// Throttle bounds per-user send rates and deduplicates sends. Redis-backed in
// production so limits hold across instances.
type Throttle interface {
	// Allow consumes one send slot for the user on the channel, false when the
	// hourly budget is exhausted.
	Allow(ctx context.Context, userID string, ch core.Channel) (bool, error)
	// FirstSeen records key for ttl and reports whether this was the first
	// sighting.
	FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Adapter delivers alerts on one channel. A digest hands the adapter every
// alert in the batch as one send. Deliver returns the provider's message id
// when the channel issues one, empty otherwise.
type Adapter interface {
	Channel() core.Channel
	Deliver(ctx context.Context, user *core.User, alerts []*core.Alert) (string, error)
}

// Pipeline routes alerts to channels per user preference.
type Pipeline struct {
	store    Store
	throttle Throttle
	adapters map[core.Channel]Adapter
	clock    core.Clock
}

func NewPipeline(store Store, throttle Throttle, clock core.Clock, adapters ...Adapter) *Pipeline {
	if clock == nil {
		clock = core.RealClock{}
	}
	m := make(map[core.Channel]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Channel()] = a
	}
	return &Pipeline{store: store, throttle: throttle, adapters: m, clock: clock}
}

// Schedule routes one alert onto each of its enabled channels: immediately,
// or into the channel's open digest batch. Priority 9 and above always goes
// out immediately regardless of preference.
func (p *Pipeline) Schedule(ctx context.Context, alert *core.Alert) error {
	now := p.clock.Now()
	prefs, err := p.store.UserPrefsByID(ctx, alert.UserID)
	if err != nil && err != core.ErrNotFound {
		return fmt.Errorf("load prefs for user %s: %w", alert.UserID, err)
	}

	for _, ch := range alert.EnabledChannels {
		first, err := p.throttle.FirstSeen(ctx, dedupKey(alert.ID, ch), dedupWindow)
		if err != nil {
			return fmt.Errorf("dedup check for alert %s: %w", alert.ID, err)
		}
		if !first {
			log.Printf("⚠️ Alert %s already routed on %s, skipping", alert.ID, ch)
			continue
		}

		allowed, err := p.throttle.Allow(ctx, alert.UserID, ch)
		if err != nil {
			return fmt.Errorf("throttle check for user %s: %w", alert.UserID, err)
		}
		if !allowed {
			log.Printf("⏳ User %s hit the %s rate limit, dropping alert %s", alert.UserID, ch, alert.ID)
			continue
		}

		bt := prefs.BatchTypeFor(ch)
		if alert.Priority >= 9 {
			bt = core.BatchImmediate
		}

		switch bt {
		case core.BatchImmediate:
			if err := p.sendNow(ctx, alert, ch, now); err != nil {
				return err
			}
		default:
			if err := p.enqueue(ctx, alert, ch, bt, prefs, now); err != nil {
				return err
			}
		}
	}

	if err := p.store.MarkAlertNotified(ctx, alert.ID, now); err != nil {
		return fmt.Errorf("mark alert %s notified: %w", alert.ID, err)
	}
	return nil
}

// sendNow creates the delivery record and attempts the first send.
func (p *Pipeline) sendNow(ctx context.Context, alert *core.Alert, ch core.Channel, now time.Time) error {
	d := &core.NotificationDelivery{
		ID:        uuid.NewString(),
		AlertID:   alert.ID,
		UserID:    alert.UserID,
		Channel:   ch,
		Status:    core.DeliveryPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.SaveDelivery(ctx, d); err != nil {
		return fmt.Errorf("create delivery for alert %s: %w", alert.ID, err)
	}
	p.attempt(ctx, d, []*core.Alert{alert})
	return nil
}

// attempt runs one delivery attempt and applies the retry schedule on
// failure. Attempt n waits baseRetryDelay doubled per prior attempt.
func (p *Pipeline) attempt(ctx context.Context, d *core.NotificationDelivery, alerts []*core.Alert) {
	now := p.clock.Now()
	adapter, ok := p.adapters[d.Channel]
	if !ok {
		d.Status = core.DeliveryFailed
		d.LastError = fmt.Sprintf("no adapter for channel %s", d.Channel)
		d.UpdatedAt = now
		if err := p.store.SaveDelivery(ctx, d); err != nil {
			log.Printf("❌ Failed to persist delivery %s: %v", d.ID, err)
		}
		return
	}

	var msgID string
	user, err := p.store.UserByID(ctx, d.UserID)
	if err == nil {
		msgID, err = adapter.Deliver(ctx, user, alerts)
	}

	d.Attempts++
	if err == nil {
		d.Advance(core.DeliverySent, now)
		d.ProviderMessageID = msgID
		d.NextAttemptAt = nil
		d.LastError = ""
	} else {
		d.LastError = err.Error()
		d.UpdatedAt = now
		if d.Attempts >= maxDeliveryAttempts {
			d.Status = core.DeliveryFailed
			log.Printf("❌ Delivery %s failed permanently after %d attempts: %v", d.ID, d.Attempts, err)
		} else {
			next := now.Add(baseRetryDelay << uint(d.Attempts-1))
			d.NextAttemptAt = &next
			log.Printf("🔄 Delivery %s attempt %d failed, retrying at %s: %v", d.ID, d.Attempts, next.Format(time.RFC3339), err)
		}
	}
	if err := p.store.SaveDelivery(ctx, d); err != nil {
		log.Printf("❌ Failed to persist delivery %s: %v", d.ID, err)
	}
}

// enqueue adds the alert to the open digest batch for its window.
func (p *Pipeline) enqueue(ctx context.Context, alert *core.Alert, ch core.Channel, bt core.BatchType, prefs *core.UserPrefs, now time.Time) error {
	scheduledFor := nextWindow(bt, prefs, now)
	batch, err := p.store.OpenBatch(ctx, alert.UserID, ch, bt, scheduledFor)
	if err != nil {
		return fmt.Errorf("open %s batch for user %s: %w", bt, alert.UserID, err)
	}
	item := &core.BatchItem{
		ID:      uuid.NewString(),
		BatchID: batch.ID,
		AlertID: alert.ID,
		AddedAt: now,
	}
	if err := p.store.AddBatchItem(ctx, item); err != nil {
		return fmt.Errorf("add alert %s to batch %s: %w", alert.ID, batch.ID, err)
	}
	batch.ItemsCount++
	batch.UpdatedAt = now
	if err := p.store.SaveBatch(ctx, batch); err != nil {
		return fmt.Errorf("save batch %s: %w", batch.ID, err)
	}
	return nil
}

// nextWindow computes when a digest goes out: the next calendar hour for
// hourly digests, the user's summary hour for daily ones (tomorrow when
// today's has passed).
func nextWindow(bt core.BatchType, prefs *core.UserPrefs, now time.Time) time.Time {
	if bt == core.BatchHourly {
		return now.Truncate(time.Hour).Add(time.Hour)
	}
	hour := 9
	if prefs != nil {
		hour = prefs.DailySummaryHour
	}
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

func dedupKey(alertID string, ch core.Channel) string {
	return fmt.Sprintf("notify:dedup:%s:%s", alertID, ch)
}

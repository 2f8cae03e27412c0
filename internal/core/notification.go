package core

import (
	"fmt"
	"time"
)

// Channel is a delivery surface for alerts.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

// BatchType controls when alerts on a channel are delivered.
type BatchType string

const (
	BatchImmediate BatchType = "immediate"
	BatchHourly    BatchType = "hourly"
	BatchDaily     BatchType = "daily"
)

// BatchStatus is the lifecycle of a notification batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchSent       BatchStatus = "sent"
	BatchFailed     BatchStatus = "failed"
)

// NotificationBatch groups alerts for one (user, channel, window) so a digest
// goes out as a single send.
type NotificationBatch struct {
	ID      string
	UserID  string
	Channel Channel
	Type    BatchType

	Status       BatchStatus
	ScheduledFor time.Time
	SentAt       *time.Time
	ItemsCount   int
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MarkProcessing claims the batch for sending. Only pending batches can be
// claimed; a second sweep racing on the same batch gets an error, not a
// duplicate send.
func (b *NotificationBatch) MarkProcessing(now time.Time) error {
	if b.Status != BatchPending {
		return Consistency(fmt.Errorf("batch %s: cannot process from %s", b.ID, b.Status))
	}
	b.Status = BatchProcessing
	b.UpdatedAt = now
	return nil
}

// MarkSent finalizes a processed batch.
func (b *NotificationBatch) MarkSent(now time.Time) {
	b.Status = BatchSent
	sent := now
	b.SentAt = &sent
	b.UpdatedAt = now
}

// MarkFailed records the send failure. A failed batch can be reset to pending
// by an operator for another attempt.
func (b *NotificationBatch) MarkFailed(now time.Time, errMsg string) {
	b.Status = BatchFailed
	b.ErrorMessage = errMsg
	b.UpdatedAt = now
}

// ResetForRetry re-queues a failed batch.
func (b *NotificationBatch) ResetForRetry(now time.Time) error {
	if b.Status != BatchFailed {
		return Consistency(fmt.Errorf("batch %s: cannot reset from %s", b.ID, b.Status))
	}
	b.Status = BatchPending
	b.ErrorMessage = ""
	b.UpdatedAt = now
	return nil
}

// BatchItem links one alert into one batch.
type BatchItem struct {
	ID      string
	BatchID string
	AlertID string
	AddedAt time.Time
}

// DeliveryStatus tracks one alert on one channel through send and engagement.
// Statuses only move forward; a late "delivered" webhook cannot regress an
// already-opened delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryOpened    DeliveryStatus = "opened"
	DeliveryClicked   DeliveryStatus = "clicked"
)

var deliveryRank = map[DeliveryStatus]int{
	DeliveryPending:   0,
	DeliverySent:      1,
	DeliveryDelivered: 2,
	DeliveryFailed:    2,
	DeliveryOpened:    3,
	DeliveryClicked:   4,
}

// NotificationDelivery is the per-(alert, channel) delivery record, including
// its retry budget for failed sends.
type NotificationDelivery struct {
	ID      string
	AlertID string
	UserID  string
	Channel Channel

	Status        DeliveryStatus
	Attempts      int
	NextAttemptAt *time.Time
	LastError     string

	// ProviderMessageID is the send id returned by the channel provider,
	// used to correlate status webhooks back to this delivery.
	ProviderMessageID string

	SentAt      *time.Time
	DeliveredAt *time.Time
	OpenedAt    *time.Time
	ClickedAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Advance moves the delivery to the given status if it is a forward move, and
// reports whether the transition was applied.
func (d *NotificationDelivery) Advance(status DeliveryStatus, at time.Time) bool {
	if deliveryRank[status] <= deliveryRank[d.Status] {
		return false
	}
	d.Status = status
	d.UpdatedAt = at
	ts := at
	switch status {
	case DeliverySent:
		d.SentAt = &ts
	case DeliveryDelivered:
		d.DeliveredAt = &ts
	case DeliveryOpened:
		d.OpenedAt = &ts
	case DeliveryClicked:
		d.ClickedAt = &ts
	}
	return true
}

// EngagementEventType is what a user did with a delivered notification.
type EngagementEventType string

const (
	EngagementDelivered   EngagementEventType = "delivered"
	EngagementOpened      EngagementEventType = "opened"
	EngagementClicked     EngagementEventType = "clicked"
	EngagementActionTaken EngagementEventType = "action_taken"
	EngagementDismissed   EngagementEventType = "dismissed"
)

// EngagementEvent is one raw interaction signal, fed back into per-user
// channel optimization.
type EngagementEvent struct {
	ID         string
	UserID     string
	DeliveryID string
	Channel    Channel
	Type       EngagementEventType

	DeviceType string
	Platform   string
	OccurredAt time.Time
}

// ChannelMetrics are per-channel engagement aggregates for one user.
type ChannelMetrics struct {
	Sent      int     `json:"sent"`
	Delivered int     `json:"delivered"`
	Opened    int     `json:"opened"`
	Clicked   int     `json:"clicked"`
	OpenRate  float64 `json:"open_rate"`
	ClickRate float64 `json:"click_rate"`
}

// EngagementMetrics is the rolled-up engagement profile for one user, used to
// pick channels and timing for future notifications.
type EngagementMetrics struct {
	UserID string

	TotalSent      int
	TotalDelivered int
	TotalOpened    int
	TotalClicked   int

	OpenRate  float64
	ClickRate float64

	PerChannel map[Channel]ChannelMetrics

	// OptimalChannels is sorted best-first by open rate.
	OptimalChannels []Channel
	// OptimalHour is the modal local hour of opens, -1 when unknown.
	OptimalHour int
	// OptimalWeekday is the modal weekday of opens, -1 when unknown.
	OptimalWeekday int
	BestBatchType  BatchType

	UpdatedAt time.Time
}

// UserPrefs holds per-user notification preferences. Missing prefs fall back
// to immediate delivery on every channel the rule enables.
type UserPrefs struct {
	UserID string

	ChannelBatch map[Channel]BatchType
	// DailySummaryHour is the local hour daily digests go out, 0..23.
	DailySummaryHour int

	QuietHoursStart *int
	QuietHoursEnd   *int

	UpdatedAt time.Time
}

// BatchTypeFor returns the batch type for the channel, defaulting immediate.
func (p *UserPrefs) BatchTypeFor(ch Channel) BatchType {
	if p == nil || p.ChannelBatch == nil {
		return BatchImmediate
	}
	if bt, ok := p.ChannelBatch[ch]; ok {
		return bt
	}
	return BatchImmediate
}

// InAppNotification is the in-app channel's stored row; expired rows are
// swept by retention.
type InAppNotification struct {
	ID        string
	UserID    string
	AlertID   string
	Title     string
	Body      string
	IsRead    bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

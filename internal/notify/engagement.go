package notify

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"priceguard/internal/core"
)

// metricsWindow is how far back engagement aggregation looks.
const metricsWindow = 90 * 24 * time.Hour

// RecordEngagement applies one engagement signal: advances the delivery
// status (monotonically, late webhooks cannot regress it) and stores the raw
// event for aggregation.
func (p *Pipeline) RecordEngagement(ctx context.Context, ev *core.EngagementEvent) error {
	d, err := p.store.DeliveryByID(ctx, ev.DeliveryID)
	if err != nil {
		return fmt.Errorf("load delivery %s: %w", ev.DeliveryID, err)
	}

	status, tracked := statusForEngagement(ev.Type)
	if tracked {
		if d.Advance(status, ev.OccurredAt) {
			if err := p.store.SaveDelivery(ctx, d); err != nil {
				return fmt.Errorf("save delivery %s: %w", d.ID, err)
			}
		}
	}

	ev.UserID = d.UserID
	ev.Channel = d.Channel
	if err := p.store.SaveEngagementEvent(ctx, ev); err != nil {
		return fmt.Errorf("save engagement event for delivery %s: %w", d.ID, err)
	}
	return nil
}

func statusForEngagement(t core.EngagementEventType) (core.DeliveryStatus, bool) {
	switch t {
	case core.EngagementDelivered:
		return core.DeliveryDelivered, true
	case core.EngagementOpened:
		return core.DeliveryOpened, true
	case core.EngagementClicked, core.EngagementActionTaken:
		return core.DeliveryClicked, true
	}
	return "", false
}

// UpdateUserMetrics recomputes the engagement profile for one user over the
// trailing window: per-channel rates, the best-performing channels, and the
// hours the user actually opens notifications.
func (p *Pipeline) UpdateUserMetrics(ctx context.Context, userID string) (*core.EngagementMetrics, error) {
	now := p.clock.Now()
	since := now.Add(-metricsWindow)

	deliveries, err := p.store.DeliveriesByUser(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("load deliveries for user %s: %w", userID, err)
	}
	events, err := p.store.EngagementEventsByUser(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("load engagement events for user %s: %w", userID, err)
	}

	m := &core.EngagementMetrics{
		UserID:         userID,
		PerChannel:     make(map[core.Channel]core.ChannelMetrics),
		OptimalHour:    -1,
		OptimalWeekday: -1,
		BestBatchType:  core.BatchImmediate,
		UpdatedAt:      now,
	}

	for _, d := range deliveries {
		cm := m.PerChannel[d.Channel]
		if d.SentAt != nil {
			m.TotalSent++
			cm.Sent++
		}
		if d.DeliveredAt != nil {
			m.TotalDelivered++
			cm.Delivered++
		}
		if d.OpenedAt != nil {
			m.TotalOpened++
			cm.Opened++
		}
		if d.ClickedAt != nil {
			m.TotalClicked++
			cm.Clicked++
		}
		m.PerChannel[d.Channel] = cm
	}

	for ch, cm := range m.PerChannel {
		if cm.Sent > 0 {
			cm.OpenRate = float64(cm.Opened) / float64(cm.Sent)
			cm.ClickRate = float64(cm.Clicked) / float64(cm.Sent)
		}
		m.PerChannel[ch] = cm
	}
	if m.TotalSent > 0 {
		m.OpenRate = float64(m.TotalOpened) / float64(m.TotalSent)
		m.ClickRate = float64(m.TotalClicked) / float64(m.TotalSent)
	}

	m.OptimalChannels = rankChannels(m.PerChannel)
	m.OptimalHour, m.OptimalWeekday = modalOpenTimes(events)

	// A user who opens less than a quarter of immediate sends is better
	// served by a daily digest; a middling open rate earns hourly batching.
	switch {
	case m.TotalSent >= 20 && m.OpenRate < 0.25:
		m.BestBatchType = core.BatchDaily
	case m.TotalSent >= 20 && m.OpenRate < 0.5:
		m.BestBatchType = core.BatchHourly
	}

	if err := p.store.SaveEngagementMetrics(ctx, m); err != nil {
		return nil, fmt.Errorf("save metrics for user %s: %w", userID, err)
	}
	log.Printf("📌 Updated engagement metrics for user %s (open rate %.2f)", userID, m.OpenRate)
	return m, nil
}

// rankChannels sorts channels best-first by open rate, breaking ties by send
// volume then channel name for stable output.
func rankChannels(perChannel map[core.Channel]core.ChannelMetrics) []core.Channel {
	channels := make([]core.Channel, 0, len(perChannel))
	for ch := range perChannel {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool {
		a, b := perChannel[channels[i]], perChannel[channels[j]]
		if a.OpenRate != b.OpenRate {
			return a.OpenRate > b.OpenRate
		}
		if a.Sent != b.Sent {
			return a.Sent > b.Sent
		}
		return channels[i] < channels[j]
	})
	return channels
}

// modalOpenTimes returns the most frequent open hour and weekday, -1 each
// when the user never opened anything.
func modalOpenTimes(events []*core.EngagementEvent) (int, int) {
	hours := make(map[int]int)
	weekdays := make(map[int]int)
	for _, ev := range events {
		if ev.Type != core.EngagementOpened {
			continue
		}
		hours[ev.OccurredAt.Hour()]++
		weekdays[int(ev.OccurredAt.Weekday())]++
	}
	return modal(hours), modal(weekdays)
}

func modal(counts map[int]int) int {
	best, bestCount := -1, 0
	for k, n := range counts {
		if n > bestCount || (n == bestCount && best >= 0 && k < best) {
			best, bestCount = k, n
		}
	}
	return best
}

package notify

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"priceguard/internal/core"
)

// SweepPendingBatches sends every pending batch whose window has passed.
func (p *Pipeline) SweepPendingBatches(ctx context.Context, limit int) (int, error) {
	now := p.clock.Now()
	due, err := p.store.PendingBatchesDue(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("load due batches: %w", err)
	}
	sent := 0
	for _, batch := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if err := p.ProcessBatch(ctx, batch); err != nil {
			log.Printf("❌ Batch %s failed: %v", batch.ID, err)
			continue
		}
		sent++
	}
	if sent > 0 {
		log.Printf("✅ Sent %d digest batches", sent)
	}
	return sent, nil
}

// ProcessBatch delivers one digest: all of the batch's alerts in a single
// adapter send. The pending→processing claim guarantees a batch is sent at
// most once even when two sweeps race.
func (p *Pipeline) ProcessBatch(ctx context.Context, batch *core.NotificationBatch) error {
	now := p.clock.Now()
	if err := batch.MarkProcessing(now); err != nil {
		return err
	}
	if err := p.store.SaveBatch(ctx, batch); err != nil {
		return fmt.Errorf("claim batch %s: %w", batch.ID, err)
	}

	alerts, err := p.store.BatchAlerts(ctx, batch.ID)
	if err != nil {
		batch.MarkFailed(p.clock.Now(), err.Error())
		if saveErr := p.store.SaveBatch(ctx, batch); saveErr != nil {
			log.Printf("❌ Failed to persist failed batch %s: %v", batch.ID, saveErr)
		}
		return fmt.Errorf("load alerts for batch %s: %w", batch.ID, err)
	}
	if len(alerts) == 0 {
		batch.MarkSent(p.clock.Now())
		return p.store.SaveBatch(ctx, batch)
	}

	adapter, ok := p.adapters[batch.Channel]
	if !ok {
		batch.MarkFailed(p.clock.Now(), fmt.Sprintf("no adapter for channel %s", batch.Channel))
		return p.store.SaveBatch(ctx, batch)
	}
	var msgID string
	user, err := p.store.UserByID(ctx, batch.UserID)
	if err == nil {
		msgID, err = adapter.Deliver(ctx, user, alerts)
	}
	now = p.clock.Now()
	if err != nil {
		batch.MarkFailed(now, err.Error())
		if saveErr := p.store.SaveBatch(ctx, batch); saveErr != nil {
			log.Printf("❌ Failed to persist failed batch %s: %v", batch.ID, saveErr)
		}
		return fmt.Errorf("deliver batch %s: %w", batch.ID, err)
	}

	batch.MarkSent(now)
	if err := p.store.SaveBatch(ctx, batch); err != nil {
		return fmt.Errorf("save sent batch %s: %w", batch.ID, err)
	}

	// One delivery record per alert so engagement tracking stays per-alert
	// even for digests. They all share the digest's provider message id.
	for _, alert := range alerts {
		d := &core.NotificationDelivery{
			ID:                uuid.NewString(),
			AlertID:           alert.ID,
			UserID:            batch.UserID,
			Channel:           batch.Channel,
			Status:            core.DeliveryPending,
			Attempts:          1,
			ProviderMessageID: msgID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		d.Advance(core.DeliverySent, now)
		if err := p.store.SaveDelivery(ctx, d); err != nil {
			log.Printf("❌ Failed to persist delivery for alert %s: %v", alert.ID, err)
		}
	}
	return nil
}

// ResetFailedBatch re-queues a failed batch for the next sweep.
func (p *Pipeline) ResetFailedBatch(ctx context.Context, batch *core.NotificationBatch) error {
	if err := batch.ResetForRetry(p.clock.Now()); err != nil {
		return err
	}
	return p.store.SaveBatch(ctx, batch)
}

// RetryDeliveries re-attempts failed immediate deliveries whose backoff has
// elapsed.
func (p *Pipeline) RetryDeliveries(ctx context.Context, limit int) (int, error) {
	now := p.clock.Now()
	due, err := p.store.DueDeliveryRetries(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("load due delivery retries: %w", err)
	}
	retried := 0
	for _, d := range due {
		if ctx.Err() != nil {
			return retried, ctx.Err()
		}
		alert, err := p.store.AlertByID(ctx, d.AlertID)
		if err != nil {
			log.Printf("⚠️ Delivery %s references missing alert %s: %v", d.ID, d.AlertID, err)
			continue
		}
		p.attempt(ctx, d, []*core.Alert{alert})
		retried++
	}
	return retried, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"priceguard/internal/core"
)

// ---- notification batches ----

// OpenBatch finds the pending batch for (user, channel, type, window) or
// creates it. The unique key on (user_id, channel, batch_type, scheduled_for,
// status) makes the find-or-create race safe: the loser of a concurrent
// insert re-reads. Type is part of the key so a daily digest scheduled on an
// hour boundary never absorbs that hour's hourly items.
func (s *MySQL) OpenBatch(ctx context.Context, userID string, ch core.Channel, bt core.BatchType, scheduledFor time.Time) (*core.NotificationBatch, error) {
	if b, err := s.pendingBatch(ctx, userID, ch, bt, scheduledFor); err == nil {
		return b, nil
	} else if err != core.ErrNotFound {
		return nil, err
	}

	b := &core.NotificationBatch{
		ID:           uuid.NewString(),
		UserID:       userID,
		Channel:      ch,
		Type:         bt,
		Status:       core.BatchPending,
		ScheduledFor: scheduledFor,
		CreatedAt:    scheduledFor,
		UpdatedAt:    scheduledFor,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_batches (id, user_id, channel, batch_type, status,
			scheduled_for, items_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		b.ID, b.UserID, string(b.Channel), string(b.Type), string(b.Status),
		b.ScheduledFor, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		// Lost the insert race: the other writer's batch is the open one.
		if existing, findErr := s.pendingBatch(ctx, userID, ch, bt, scheduledFor); findErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create batch for user %s: %w", userID, err)
	}
	return b, nil
}

func (s *MySQL) pendingBatch(ctx context.Context, userID string, ch core.Channel, bt core.BatchType, scheduledFor time.Time) (*core.NotificationBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+` FROM notification_batches
		WHERE user_id = ? AND channel = ? AND batch_type = ? AND scheduled_for = ?
			AND status = 'pending'
		LIMIT 1`, userID, string(ch), string(bt), scheduledFor)
	if err != nil {
		return nil, fmt.Errorf("load pending batch for user %s: %w", userID, err)
	}
	defer rows.Close()
	batches, err := scanBatches(rows)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, core.ErrNotFound
	}
	return batches[0], nil
}

func (s *MySQL) SaveBatch(ctx context.Context, b *core.NotificationBatch) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_batches SET status = ?, sent_at = ?, items_count = ?,
			error_message = ?, updated_at = ?
		WHERE id = ?`,
		string(b.Status), b.SentAt, b.ItemsCount, b.ErrorMessage, b.UpdatedAt, b.ID)
	if err != nil {
		return fmt.Errorf("save batch %s: %w", b.ID, err)
	}
	return nil
}

const batchColumns = `id, user_id, channel, batch_type, status, scheduled_for, sent_at,
	items_count, COALESCE(error_message, ''), created_at, updated_at`

func (s *MySQL) PendingBatchesDue(ctx context.Context, now time.Time, limit int) ([]*core.NotificationBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+` FROM notification_batches
		WHERE status = 'pending' AND scheduled_for <= ?
		ORDER BY scheduled_for ASC, id ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("load due batches: %w", err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

func scanBatches(rows *sql.Rows) ([]*core.NotificationBatch, error) {
	var batches []*core.NotificationBatch
	for rows.Next() {
		var b core.NotificationBatch
		var ch, bt, status string
		var sentAt sql.NullTime
		if err := rows.Scan(&b.ID, &b.UserID, &ch, &bt, &status, &b.ScheduledFor,
			&sentAt, &b.ItemsCount, &b.ErrorMessage, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.Channel = core.Channel(ch)
		b.Type = core.BatchType(bt)
		b.Status = core.BatchStatus(status)
		if sentAt.Valid {
			b.SentAt = &sentAt.Time
		}
		batches = append(batches, &b)
	}
	return batches, rows.Err()
}

func (s *MySQL) AddBatchItem(ctx context.Context, item *core.BatchItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_batch_items (id, batch_id, alert_id, added_at)
		VALUES (?, ?, ?, ?)`,
		item.ID, item.BatchID, item.AlertID, item.AddedAt)
	if err != nil {
		return fmt.Errorf("add item to batch %s: %w", item.BatchID, err)
	}
	return nil
}

func (s *MySQL) BatchAlerts(ctx context.Context, batchID string) ([]*core.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT alert_id FROM notification_batch_items
		WHERE batch_id = ? ORDER BY added_at ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("load items for batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan batch item: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	alerts := make([]*core.Alert, 0, len(ids))
	for _, id := range ids {
		a, err := s.AlertByID(ctx, id)
		if err == core.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// ---- deliveries ----

func (s *MySQL) SaveDelivery(ctx context.Context, d *core.NotificationDelivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_deliveries (id, alert_id, user_id, channel, status,
			attempts, next_attempt_at, last_error, provider_message_id, sent_at,
			delivered_at, opened_at, clicked_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			status = VALUES(status), attempts = VALUES(attempts),
			next_attempt_at = VALUES(next_attempt_at), last_error = VALUES(last_error),
			provider_message_id = VALUES(provider_message_id),
			sent_at = VALUES(sent_at), delivered_at = VALUES(delivered_at),
			opened_at = VALUES(opened_at), clicked_at = VALUES(clicked_at),
			updated_at = VALUES(updated_at)`,
		d.ID, d.AlertID, d.UserID, string(d.Channel), string(d.Status),
		d.Attempts, d.NextAttemptAt, d.LastError, d.ProviderMessageID, d.SentAt,
		d.DeliveredAt, d.OpenedAt, d.ClickedAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save delivery %s: %w", d.ID, err)
	}
	return nil
}

const deliveryColumns = `id, alert_id, user_id, channel, status, attempts,
	next_attempt_at, COALESCE(last_error, ''), COALESCE(provider_message_id, ''),
	sent_at, delivered_at, opened_at, clicked_at, created_at, updated_at`

func (s *MySQL) DeliveryByID(ctx context.Context, id string) (*core.NotificationDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM notification_deliveries WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("load delivery %s: %w", id, err)
	}
	defer rows.Close()
	deliveries, err := scanDeliveries(rows)
	if err != nil {
		return nil, err
	}
	if len(deliveries) == 0 {
		return nil, core.ErrNotFound
	}
	return deliveries[0], nil
}

func (s *MySQL) DueDeliveryRetries(ctx context.Context, now time.Time, limit int) ([]*core.NotificationDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM notification_deliveries
		WHERE status = 'pending' AND attempts > 0 AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, id ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("load due delivery retries: %w", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func (s *MySQL) DeliveriesByUser(ctx context.Context, userID string, since time.Time) ([]*core.NotificationDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM notification_deliveries
		WHERE user_id = ? AND created_at >= ?
		ORDER BY created_at ASC`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("load deliveries for user %s: %w", userID, err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func scanDeliveries(rows *sql.Rows) ([]*core.NotificationDelivery, error) {
	var deliveries []*core.NotificationDelivery
	for rows.Next() {
		var d core.NotificationDelivery
		var ch, status string
		var nextAttempt, sentAt, deliveredAt, openedAt, clickedAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.AlertID, &d.UserID, &ch, &status, &d.Attempts,
			&nextAttempt, &d.LastError, &d.ProviderMessageID, &sentAt, &deliveredAt,
			&openedAt, &clickedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Channel = core.Channel(ch)
		d.Status = core.DeliveryStatus(status)
		if nextAttempt.Valid {
			d.NextAttemptAt = &nextAttempt.Time
		}
		if sentAt.Valid {
			d.SentAt = &sentAt.Time
		}
		if deliveredAt.Valid {
			d.DeliveredAt = &deliveredAt.Time
		}
		if openedAt.Valid {
			d.OpenedAt = &openedAt.Time
		}
		if clickedAt.Valid {
			d.ClickedAt = &clickedAt.Time
		}
		deliveries = append(deliveries, &d)
	}
	return deliveries, rows.Err()
}

// ---- engagement ----

func (s *MySQL) SaveEngagementEvent(ctx context.Context, ev *core.EngagementEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engagement_events (id, user_id, delivery_id, channel, event_type,
			device_type, platform, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.DeliveryID, string(ev.Channel), string(ev.Type),
		ev.DeviceType, ev.Platform, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("save engagement event %s: %w", ev.ID, err)
	}
	return nil
}

func (s *MySQL) EngagementEventsByUser(ctx context.Context, userID string, since time.Time) ([]*core.EngagementEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, delivery_id, channel, event_type, COALESCE(device_type, ''),
			COALESCE(platform, ''), occurred_at
		FROM engagement_events
		WHERE user_id = ? AND occurred_at >= ?
		ORDER BY occurred_at ASC`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("load engagement events for user %s: %w", userID, err)
	}
	defer rows.Close()

	var events []*core.EngagementEvent
	for rows.Next() {
		var ev core.EngagementEvent
		var ch, typ string
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.DeliveryID, &ch, &typ,
			&ev.DeviceType, &ev.Platform, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan engagement event: %w", err)
		}
		ev.Channel = core.Channel(ch)
		ev.Type = core.EngagementEventType(typ)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *MySQL) SaveEngagementMetrics(ctx context.Context, m *core.EngagementMetrics) error {
	perChannel, err := marshalJSONColumn(m.PerChannel)
	if err != nil {
		return fmt.Errorf("metrics for %s: %w", m.UserID, err)
	}
	channels, err := marshalJSONColumn(m.OptimalChannels)
	if err != nil {
		return fmt.Errorf("metrics for %s: %w", m.UserID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO engagement_metrics (user_id, total_sent, total_delivered,
			total_opened, total_clicked, open_rate, click_rate, per_channel,
			optimal_channels, optimal_hour, optimal_weekday, best_batch_type, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			total_sent = VALUES(total_sent), total_delivered = VALUES(total_delivered),
			total_opened = VALUES(total_opened), total_clicked = VALUES(total_clicked),
			open_rate = VALUES(open_rate), click_rate = VALUES(click_rate),
			per_channel = VALUES(per_channel), optimal_channels = VALUES(optimal_channels),
			optimal_hour = VALUES(optimal_hour), optimal_weekday = VALUES(optimal_weekday),
			best_batch_type = VALUES(best_batch_type), updated_at = VALUES(updated_at)`,
		m.UserID, m.TotalSent, m.TotalDelivered, m.TotalOpened, m.TotalClicked,
		m.OpenRate, m.ClickRate, perChannel, channels, m.OptimalHour,
		m.OptimalWeekday, string(m.BestBatchType), m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save metrics for %s: %w", m.UserID, err)
	}
	return nil
}

func (s *MySQL) EngagementMetricsByUser(ctx context.Context, userID string) (*core.EngagementMetrics, error) {
	var m core.EngagementMetrics
	var perChannel, channels []byte
	var bestBatch string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, total_sent, total_delivered, total_opened, total_clicked,
			open_rate, click_rate, per_channel, optimal_channels, optimal_hour,
			optimal_weekday, best_batch_type, updated_at
		FROM engagement_metrics WHERE user_id = ?`, userID).
		Scan(&m.UserID, &m.TotalSent, &m.TotalDelivered, &m.TotalOpened, &m.TotalClicked,
			&m.OpenRate, &m.ClickRate, &perChannel, &channels, &m.OptimalHour,
			&m.OptimalWeekday, &bestBatch, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load metrics for %s: %w", userID, err)
	}
	m.BestBatchType = core.BatchType(bestBatch)
	if len(perChannel) > 0 {
		if err := json.Unmarshal(perChannel, &m.PerChannel); err != nil {
			return nil, fmt.Errorf("metrics for %s: invalid per_channel JSON: %w", userID, err)
		}
	}
	if len(channels) > 0 {
		if err := json.Unmarshal(channels, &m.OptimalChannels); err != nil {
			return nil, fmt.Errorf("metrics for %s: invalid optimal_channels JSON: %w", userID, err)
		}
	}
	return &m, nil
}

// ---- in-app notifications ----

func (s *MySQL) SaveInAppNotification(ctx context.Context, n *core.InAppNotification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO in_app_notifications (id, user_id, alert_id, title, body, is_read,
			created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE is_read = VALUES(is_read)`,
		n.ID, n.UserID, n.AlertID, n.Title, n.Body, n.IsRead, n.CreatedAt, n.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save in-app notification %s: %w", n.ID, err)
	}
	return nil
}

func (s *MySQL) InAppNotificationsByUser(ctx context.Context, userID string, limit int) ([]*core.InAppNotification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, alert_id, title, body, is_read, created_at, expires_at
		FROM in_app_notifications
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("load in-app notifications for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*core.InAppNotification
	for rows.Next() {
		var n core.InAppNotification
		if err := rows.Scan(&n.ID, &n.UserID, &n.AlertID, &n.Title, &n.Body,
			&n.IsRead, &n.CreatedAt, &n.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan in-app notification: %w", err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// ---- daily stats ----

func (s *MySQL) SaveStats(ctx context.Context, st *core.MonitoringStats) error {
	byPriority, err := marshalJSONColumn(st.ChecksByPriority)
	if err != nil {
		return fmt.Errorf("stats for %s: %w", st.Date.Format("2006-01-02"), err)
	}
	byRetailer, err := marshalJSONColumn(st.ChecksByRetailer)
	if err != nil {
		return fmt.Errorf("stats for %s: %w", st.Date.Format("2006-01-02"), err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO monitoring_stats (stat_date, total_checks, successful_checks,
			failed_checks, price_changes, availability_changes, alerts_triggered,
			avg_execution_seconds, max_execution_seconds, checks_by_priority,
			checks_by_retailer, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			total_checks = VALUES(total_checks), successful_checks = VALUES(successful_checks),
			failed_checks = VALUES(failed_checks), price_changes = VALUES(price_changes),
			availability_changes = VALUES(availability_changes),
			alerts_triggered = VALUES(alerts_triggered),
			avg_execution_seconds = VALUES(avg_execution_seconds),
			max_execution_seconds = VALUES(max_execution_seconds),
			checks_by_priority = VALUES(checks_by_priority),
			checks_by_retailer = VALUES(checks_by_retailer), updated_at = VALUES(updated_at)`,
		st.Date.Format("2006-01-02"), st.TotalChecks, st.SuccessfulChecks,
		st.FailedChecks, st.PriceChangesDetected, st.AvailabilityChangesDetected,
		st.AlertsTriggered, st.AvgExecutionTimeSeconds, st.MaxExecutionTimeSeconds,
		byPriority, byRetailer, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save stats for %s: %w", st.Date.Format("2006-01-02"), err)
	}
	return nil
}

func (s *MySQL) StatsByDate(ctx context.Context, date time.Time) (*core.MonitoringStats, error) {
	var st core.MonitoringStats
	var dateStr string
	var byPriority, byRetailer []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT stat_date, total_checks, successful_checks, failed_checks, price_changes,
			availability_changes, alerts_triggered, avg_execution_seconds,
			max_execution_seconds, checks_by_priority, checks_by_retailer, updated_at
		FROM monitoring_stats WHERE stat_date = ?`, date.Format("2006-01-02")).
		Scan(&dateStr, &st.TotalChecks, &st.SuccessfulChecks, &st.FailedChecks,
			&st.PriceChangesDetected, &st.AvailabilityChangesDetected, &st.AlertsTriggered,
			&st.AvgExecutionTimeSeconds, &st.MaxExecutionTimeSeconds, &byPriority,
			&byRetailer, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load stats for %s: %w", date.Format("2006-01-02"), err)
	}
	st.Date, err = time.Parse("2006-01-02", dateStr)
	if err != nil {
		return nil, fmt.Errorf("invalid stat_date %q: %w", dateStr, err)
	}
	st.ChecksByPriority = make(map[int]int)
	st.ChecksByRetailer = make(map[string]int)
	if len(byPriority) > 0 {
		if err := json.Unmarshal(byPriority, &st.ChecksByPriority); err != nil {
			return nil, fmt.Errorf("stats %s: invalid checks_by_priority JSON: %w", dateStr, err)
		}
	}
	if len(byRetailer) > 0 {
		if err := json.Unmarshal(byRetailer, &st.ChecksByRetailer); err != nil {
			return nil, fmt.Errorf("stats %s: invalid checks_by_retailer JSON: %w", dateStr, err)
		}
	}
	return &st, nil
}

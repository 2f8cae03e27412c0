package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"priceguard/internal/core"
)

// ---- alert rules ----

func (s *MySQL) SaveRule(ctx context.Context, r *core.AlertRule) error {
	condition, err := marshalJSONColumn(r.Condition)
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	channels, err := marshalJSONColumn(r.Channels)
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (id, user_id, product_id, rule_type, condition_tree,
			channels, priority, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			user_id = VALUES(user_id), product_id = VALUES(product_id),
			rule_type = VALUES(rule_type), condition_tree = VALUES(condition_tree),
			channels = VALUES(channels), priority = VALUES(priority),
			active = VALUES(active), updated_at = VALUES(updated_at)`,
		r.ID, r.UserID, nullIfEmpty(r.ProductID), string(r.RuleType), condition,
		channels, r.Priority, r.Active, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save rule %s: %w", r.ID, err)
	}
	return nil
}

func (s *MySQL) ActiveRulesForEvent(ctx context.Context, eventType core.EventType, productID string) ([]*core.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(product_id, ''), rule_type, condition_tree,
			channels, priority, active, created_at, updated_at
		FROM alert_rules
		WHERE active = TRUE AND rule_type = ? AND (product_id IS NULL OR product_id = ?)
		ORDER BY id ASC`, string(eventType), productID)
	if err != nil {
		return nil, fmt.Errorf("load rules for %s: %w", eventType, err)
	}
	defer rows.Close()

	var rules []*core.AlertRule
	for rows.Next() {
		var r core.AlertRule
		var ruleType string
		var condition, channels []byte
		if err := rows.Scan(&r.ID, &r.UserID, &r.ProductID, &ruleType, &condition,
			&channels, &r.Priority, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.RuleType = core.EventType(ruleType)
		if len(condition) > 0 {
			if err := json.Unmarshal(condition, &r.Condition); err != nil {
				return nil, fmt.Errorf("rule %s: invalid condition JSON: %w", r.ID, err)
			}
		}
		if len(channels) > 0 {
			if err := json.Unmarshal(channels, &r.Channels); err != nil {
				return nil, fmt.Errorf("rule %s: invalid channels JSON: %w", r.ID, err)
			}
		}
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

func (s *MySQL) ActiveRuleCount(ctx context.Context, productID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alert_rules
		WHERE active = TRUE AND (product_id IS NULL OR product_id = ?)`, productID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count rules for %s: %w", productID, err)
	}
	return count, nil
}

// ---- alerts ----

func (s *MySQL) SaveAlert(ctx context.Context, a *core.Alert) error {
	var prevPrice, drop any
	if a.PreviousPrice != nil {
		prevPrice = a.PreviousPrice.String()
	}
	if a.AbsoluteDrop != nil {
		drop = a.AbsoluteDrop.String()
	}
	channels, err := marshalJSONColumn(a.EnabledChannels)
	if err != nil {
		return fmt.Errorf("alert %s: %w", a.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, user_id, product_id, rule_id, alert_type, message,
			previous_price, current_price, absolute_drop, percentage_drop, currency,
			priority, enabled_channels, created_at, is_read, notified, notified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			is_read = VALUES(is_read), notified = VALUES(notified),
			notified_at = VALUES(notified_at)`,
		a.ID, a.UserID, a.ProductID, a.RuleID, string(a.Type), a.Message,
		prevPrice, a.CurrentPrice.String(), drop, a.PercentageDrop, a.Currency,
		a.Priority, channels, a.CreatedAt, a.IsRead, a.Notified, a.NotifiedAt)
	if err != nil {
		return fmt.Errorf("save alert %s: %w", a.ID, err)
	}
	return nil
}

func (s *MySQL) AlertByID(ctx context.Context, id string) (*core.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, product_id, rule_id, alert_type, message, previous_price,
			current_price, absolute_drop, percentage_drop, currency, priority,
			enabled_channels, created_at, is_read, notified, notified_at
		FROM alerts WHERE id = ?`, id)

	var a core.Alert
	var alertType string
	var prevPrice, drop, current sql.NullString
	var pct sql.NullFloat64
	var channels []byte
	var notifiedAt sql.NullTime
	err := row.Scan(&a.ID, &a.UserID, &a.ProductID, &a.RuleID, &alertType, &a.Message,
		&prevPrice, &current, &drop, &pct, &a.Currency, &a.Priority, &channels,
		&a.CreatedAt, &a.IsRead, &a.Notified, &notifiedAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert %s: %w", id, err)
	}
	a.Type = core.AlertType(alertType)
	if current.Valid {
		d, err := decimal.NewFromString(current.String)
		if err != nil {
			return nil, fmt.Errorf("alert %s: invalid current_price: %w", a.ID, err)
		}
		a.CurrentPrice = d
	}
	if prevPrice.Valid {
		d, err := decimal.NewFromString(prevPrice.String)
		if err != nil {
			return nil, fmt.Errorf("alert %s: invalid previous_price: %w", a.ID, err)
		}
		a.PreviousPrice = &d
	}
	if drop.Valid {
		d, err := decimal.NewFromString(drop.String)
		if err != nil {
			return nil, fmt.Errorf("alert %s: invalid absolute_drop: %w", a.ID, err)
		}
		a.AbsoluteDrop = &d
	}
	if pct.Valid {
		v := pct.Float64
		a.PercentageDrop = &v
	}
	if len(channels) > 0 {
		if err := json.Unmarshal(channels, &a.EnabledChannels); err != nil {
			return nil, fmt.Errorf("alert %s: invalid channels JSON: %w", a.ID, err)
		}
	}
	if notifiedAt.Valid {
		a.NotifiedAt = &notifiedAt.Time
	}
	return &a, nil
}

func (s *MySQL) AlertExists(ctx context.Context, ruleID, productID string, occurredAt time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alerts
		WHERE rule_id = ? AND product_id = ? AND created_at = ?`,
		ruleID, productID, occurredAt).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check alert existence: %w", err)
	}
	return count > 0, nil
}

func (s *MySQL) MarkAlertNotified(ctx context.Context, alertID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET notified = TRUE, notified_at = ? WHERE id = ?`, at, alertID)
	if err != nil {
		return fmt.Errorf("mark alert %s notified: %w", alertID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark alert %s notified: %w", alertID, err)
	}
	if affected == 0 {
		return core.ErrNotFound
	}
	return nil
}

// ---- users ----

func (s *MySQL) SaveUser(ctx context.Context, u *core.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, push_token, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE email = VALUES(email), push_token = VALUES(push_token),
			active = VALUES(active)`,
		u.ID, u.Email, u.PushToken, u.Active, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("save user %s: %w", u.ID, err)
	}
	return nil
}

func (s *MySQL) UserByID(ctx context.Context, id string) (*core.User, error) {
	var u core.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, COALESCE(push_token, ''), active, created_at
		FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.PushToken, &u.Active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", id, err)
	}
	return &u, nil
}

func (s *MySQL) SaveUserPrefs(ctx context.Context, p *core.UserPrefs) error {
	channelBatch, err := marshalJSONColumn(p.ChannelBatch)
	if err != nil {
		return fmt.Errorf("prefs for %s: %w", p.UserID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_prefs (user_id, channel_batch, daily_summary_hour,
			quiet_hours_start, quiet_hours_end, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE channel_batch = VALUES(channel_batch),
			daily_summary_hour = VALUES(daily_summary_hour),
			quiet_hours_start = VALUES(quiet_hours_start),
			quiet_hours_end = VALUES(quiet_hours_end), updated_at = VALUES(updated_at)`,
		p.UserID, channelBatch, p.DailySummaryHour, p.QuietHoursStart, p.QuietHoursEnd, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save prefs for %s: %w", p.UserID, err)
	}
	return nil
}

func (s *MySQL) UserPrefsByID(ctx context.Context, userID string) (*core.UserPrefs, error) {
	var p core.UserPrefs
	var channelBatch []byte
	var quietStart, quietEnd sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, channel_batch, daily_summary_hour, quiet_hours_start,
			quiet_hours_end, updated_at
		FROM user_prefs WHERE user_id = ?`, userID).
		Scan(&p.UserID, &channelBatch, &p.DailySummaryHour, &quietStart, &quietEnd, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load prefs for %s: %w", userID, err)
	}
	if len(channelBatch) > 0 {
		if err := json.Unmarshal(channelBatch, &p.ChannelBatch); err != nil {
			return nil, fmt.Errorf("prefs for %s: invalid channel_batch JSON: %w", userID, err)
		}
	}
	if quietStart.Valid {
		v := int(quietStart.Int64)
		p.QuietHoursStart = &v
	}
	if quietEnd.Valid {
		v := int(quietEnd.Int64)
		p.QuietHoursEnd = &v
	}
	return &p, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"priceguard/internal/core"
	"priceguard/internal/scoring"

	_ "github.com/go-sql-driver/mysql"
)

// MySQL is the durable store. The DSN must carry parseTime=true so DATETIME
// columns scan into time.Time.
type MySQL struct {
	db *sql.DB
}

// OpenMySQL connects and verifies the database is reachable.
func OpenMySQL(dsn string) (*MySQL, error) {
	if dsn == "" {
		return nil, fmt.Errorf("MySQL DSN is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql ping: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &MySQL{db: db}, nil
}

func (s *MySQL) Close() error { return s.db.Close() }

// ---- retailers ----

func (s *MySQL) SaveRetailer(ctx context.Context, r *core.Retailer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retailers (id, name, domain, active)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name), domain = VALUES(domain), active = VALUES(active)`,
		r.ID, r.Name, r.Domain, r.Active)
	if err != nil {
		return fmt.Errorf("save retailer %d: %w", r.ID, err)
	}
	return nil
}

// ---- products ----

func (s *MySQL) SaveProduct(ctx context.Context, p *core.Product) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, title, url, retailer_id, retailer_name, sku, image_url,
			description, currency, current_price, lowest_ever, highest_ever,
			is_available, view_count, last_checked_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			title = VALUES(title), url = VALUES(url), retailer_id = VALUES(retailer_id),
			retailer_name = VALUES(retailer_name), sku = VALUES(sku), image_url = VALUES(image_url),
			description = VALUES(description), currency = VALUES(currency),
			current_price = VALUES(current_price), lowest_ever = VALUES(lowest_ever),
			highest_ever = VALUES(highest_ever), is_available = VALUES(is_available),
			view_count = VALUES(view_count), last_checked_at = VALUES(last_checked_at)`,
		p.ID, p.Title, p.URL, p.RetailerID, p.RetailerName, p.SKU, p.ImageURL,
		p.Description, p.Currency, p.CurrentPrice.String(), p.LowestEver.String(),
		p.HighestEver.String(), p.IsAvailable, p.ViewCount, p.LastCheckedAt, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("save product %s: %w", p.ID, err)
	}
	return nil
}

func (s *MySQL) ProductByID(ctx context.Context, id string) (*core.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, url, retailer_id, retailer_name, COALESCE(sku, ''),
			COALESCE(image_url, ''), COALESCE(description, ''), currency,
			current_price, lowest_ever, highest_ever, is_available, view_count,
			last_checked_at, created_at
		FROM products WHERE id = ?`, id)
	return scanProduct(row)
}

func scanProduct(row *sql.Row) (*core.Product, error) {
	var p core.Product
	var current, lowest, highest string
	var lastChecked sql.NullTime
	err := row.Scan(&p.ID, &p.Title, &p.URL, &p.RetailerID, &p.RetailerName, &p.SKU,
		&p.ImageURL, &p.Description, &p.Currency, &current, &lowest, &highest,
		&p.IsAvailable, &p.ViewCount, &lastChecked, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan product: %w", err)
	}
	if p.CurrentPrice, err = decimal.NewFromString(current); err != nil {
		return nil, fmt.Errorf("product %s: invalid current_price: %w", p.ID, err)
	}
	if p.LowestEver, err = decimal.NewFromString(lowest); err != nil {
		return nil, fmt.Errorf("product %s: invalid lowest_ever: %w", p.ID, err)
	}
	if p.HighestEver, err = decimal.NewFromString(highest); err != nil {
		return nil, fmt.Errorf("product %s: invalid highest_ever: %w", p.ID, err)
	}
	if lastChecked.Valid {
		p.LastCheckedAt = &lastChecked.Time
	}
	return &p, nil
}

// ---- monitoring configs ----

func (s *MySQL) SaveConfig(ctx context.Context, cfg *core.MonitoringConfig) error {
	var absThreshold any
	if cfg.PriceThresholdAbsolute != nil {
		absThreshold = cfg.PriceThresholdAbsolute.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monitoring_configs (product_id, frequency, custom_frequency_hours,
			priority_score, manual_priority_boost, take_screenshot, notify_on_any_change,
			price_threshold_absolute, price_threshold_pct, active, last_monitored,
			next_scheduled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			frequency = VALUES(frequency), custom_frequency_hours = VALUES(custom_frequency_hours),
			priority_score = VALUES(priority_score), manual_priority_boost = VALUES(manual_priority_boost),
			take_screenshot = VALUES(take_screenshot), notify_on_any_change = VALUES(notify_on_any_change),
			price_threshold_absolute = VALUES(price_threshold_absolute),
			price_threshold_pct = VALUES(price_threshold_pct), active = VALUES(active),
			last_monitored = VALUES(last_monitored), next_scheduled = VALUES(next_scheduled),
			updated_at = VALUES(updated_at)`,
		cfg.ProductID, string(cfg.Frequency), cfg.CustomFrequencyHours,
		cfg.PriorityScore, cfg.ManualPriorityBoost, cfg.TakeScreenshot, cfg.NotifyOnAnyChange,
		absThreshold, cfg.PriceThresholdPct, cfg.Active, cfg.LastMonitored,
		cfg.NextScheduled, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save config for %s: %w", cfg.ProductID, err)
	}
	return nil
}

const configColumns = `product_id, frequency, custom_frequency_hours, priority_score,
	manual_priority_boost, take_screenshot, notify_on_any_change,
	price_threshold_absolute, price_threshold_pct, active, last_monitored,
	next_scheduled, created_at, updated_at`

func (s *MySQL) ConfigByProduct(ctx context.Context, productID string) (*core.MonitoringConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+configColumns+` FROM monitoring_configs WHERE product_id = ?`, productID)
	if err != nil {
		return nil, fmt.Errorf("load config for %s: %w", productID, err)
	}
	defer rows.Close()
	configs, err := scanConfigs(rows)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		return nil, core.ErrNotFound
	}
	return configs[0], nil
}

func (s *MySQL) DueConfigs(ctx context.Context, now time.Time, limit int) ([]*core.MonitoringConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+configColumns+`
		FROM monitoring_configs
		WHERE active = TRUE AND (next_scheduled IS NULL OR next_scheduled <= ?)
		ORDER BY priority_score ASC, next_scheduled ASC, product_id ASC
		LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("load due configs: %w", err)
	}
	defer rows.Close()
	return scanConfigs(rows)
}

func (s *MySQL) ActiveConfigs(ctx context.Context, limit int) ([]*core.MonitoringConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+configColumns+`
		FROM monitoring_configs WHERE active = TRUE
		ORDER BY product_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load active configs: %w", err)
	}
	defer rows.Close()
	return scanConfigs(rows)
}

func (s *MySQL) ConfigsScheduledBetween(ctx context.Context, from, to time.Time) ([]*core.MonitoringConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+configColumns+`
		FROM monitoring_configs
		WHERE active = TRUE AND next_scheduled >= ? AND next_scheduled < ?
		ORDER BY product_id ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("load configs between %s and %s: %w", from, to, err)
	}
	defer rows.Close()
	return scanConfigs(rows)
}

// AdvanceNextScheduled is the scheduling CAS: the UPDATE only matches while
// next_scheduled still holds the value the scheduler read, so concurrent
// passes create at most one task per product per window.
func (s *MySQL) AdvanceNextScheduled(ctx context.Context, productID string, from *time.Time, to time.Time) (bool, error) {
	var res sql.Result
	var err error
	if from == nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE monitoring_configs SET next_scheduled = ?
			WHERE product_id = ? AND next_scheduled IS NULL`, to, productID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE monitoring_configs SET next_scheduled = ?
			WHERE product_id = ? AND next_scheduled = ?`, to, productID, *from)
	}
	if err != nil {
		return false, fmt.Errorf("advance schedule for %s: %w", productID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance schedule for %s: %w", productID, err)
	}
	return affected == 1, nil
}

func scanConfigs(rows *sql.Rows) ([]*core.MonitoringConfig, error) {
	var configs []*core.MonitoringConfig
	for rows.Next() {
		var cfg core.MonitoringConfig
		var freq string
		var absThreshold sql.NullString
		var pctThreshold sql.NullFloat64
		var lastMonitored, nextScheduled sql.NullTime
		if err := rows.Scan(&cfg.ProductID, &freq, &cfg.CustomFrequencyHours,
			&cfg.PriorityScore, &cfg.ManualPriorityBoost, &cfg.TakeScreenshot,
			&cfg.NotifyOnAnyChange, &absThreshold, &pctThreshold, &cfg.Active,
			&lastMonitored, &nextScheduled, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		cfg.Frequency = core.Frequency(freq)
		if absThreshold.Valid {
			d, err := decimal.NewFromString(absThreshold.String)
			if err != nil {
				return nil, fmt.Errorf("config %s: invalid price_threshold_absolute: %w", cfg.ProductID, err)
			}
			cfg.PriceThresholdAbsolute = &d
		}
		if pctThreshold.Valid {
			v := pctThreshold.Float64
			cfg.PriceThresholdPct = &v
		}
		if lastMonitored.Valid {
			cfg.LastMonitored = &lastMonitored.Time
		}
		if nextScheduled.Valid {
			cfg.NextScheduled = &nextScheduled.Time
		}
		configs = append(configs, &cfg)
	}
	return configs, rows.Err()
}

// ---- observations ----

func (s *MySQL) SaveObservation(ctx context.Context, obs *core.ObservationResult) error {
	var prevPrice, changeAmount any
	if obs.PreviousPrice != nil {
		prevPrice = obs.PreviousPrice.String()
	}
	if obs.PriceChangeAmount != nil {
		changeAmount = obs.PriceChangeAmount.String()
	}
	screenshots, err := marshalJSONColumn(obs.Screenshots)
	if err != nil {
		return fmt.Errorf("observation %s: %w", obs.ID, err)
	}
	extracted, err := marshalJSONColumn(obs.Extracted)
	if err != nil {
		return fmt.Errorf("observation %s: %w", obs.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO observations (id, product_id, task_id, observed_at, previous_price,
			current_price, price_changed, price_change_amount, price_change_pct,
			previously_available, currently_available, availability_changed, is_deal,
			screenshots, extracted, alert_triggered, alert_type, alert_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		obs.ID, obs.ProductID, obs.TaskID, obs.ObservedAt, prevPrice,
		obs.CurrentPrice.String(), obs.PriceChanged, changeAmount, obs.PriceChangePercentage,
		obs.PreviouslyAvailable, obs.CurrentlyAvailable, obs.AvailabilityChanged, obs.IsDeal,
		screenshots, extracted, obs.AlertTriggered, string(obs.AlertType), obs.AlertMessage)
	if err != nil {
		return fmt.Errorf("save observation %s: %w", obs.ID, err)
	}
	return nil
}

func (s *MySQL) LatestObservation(ctx context.Context, productID string) (*core.ObservationResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, task_id, observed_at, previous_price, current_price,
			price_changed, price_change_amount, price_change_pct, previously_available,
			currently_available, availability_changed, is_deal, screenshots, extracted,
			alert_triggered, COALESCE(alert_type, ''), COALESCE(alert_message, '')
		FROM observations WHERE product_id = ?
		ORDER BY observed_at DESC LIMIT 1`, productID)
	if err != nil {
		return nil, fmt.Errorf("load latest observation for %s: %w", productID, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, core.ErrNotFound
	}
	return scanObservation(rows)
}

func scanObservation(rows *sql.Rows) (*core.ObservationResult, error) {
	var obs core.ObservationResult
	var prevPrice, changeAmount, current sql.NullString
	var pct sql.NullFloat64
	var prevAvail sql.NullBool
	var alertType string
	var screenshots, extracted []byte
	err := rows.Scan(&obs.ID, &obs.ProductID, &obs.TaskID, &obs.ObservedAt, &prevPrice,
		&current, &obs.PriceChanged, &changeAmount, &pct, &prevAvail,
		&obs.CurrentlyAvailable, &obs.AvailabilityChanged, &obs.IsDeal, &screenshots,
		&extracted, &obs.AlertTriggered, &alertType, &obs.AlertMessage)
	if err != nil {
		return nil, fmt.Errorf("scan observation: %w", err)
	}
	if current.Valid {
		d, err := decimal.NewFromString(current.String)
		if err != nil {
			return nil, fmt.Errorf("observation %s: invalid current_price: %w", obs.ID, err)
		}
		obs.CurrentPrice = d
	}
	if prevPrice.Valid {
		d, err := decimal.NewFromString(prevPrice.String)
		if err != nil {
			return nil, fmt.Errorf("observation %s: invalid previous_price: %w", obs.ID, err)
		}
		obs.PreviousPrice = &d
	}
	if changeAmount.Valid {
		d, err := decimal.NewFromString(changeAmount.String)
		if err != nil {
			return nil, fmt.Errorf("observation %s: invalid price_change_amount: %w", obs.ID, err)
		}
		obs.PriceChangeAmount = &d
	}
	if pct.Valid {
		v := pct.Float64
		obs.PriceChangePercentage = &v
	}
	if prevAvail.Valid {
		v := prevAvail.Bool
		obs.PreviouslyAvailable = &v
	}
	obs.AlertType = core.AlertType(alertType)
	if err := unmarshalJSONColumn(screenshots, &obs.Screenshots); err != nil {
		return nil, fmt.Errorf("observation %s: invalid screenshots JSON: %w", obs.ID, err)
	}
	if err := unmarshalJSONColumn(extracted, &obs.Extracted); err != nil {
		return nil, fmt.Errorf("observation %s: invalid extracted JSON: %w", obs.ID, err)
	}
	return &obs, nil
}

func (s *MySQL) PricePoints(ctx context.Context, productID string, since time.Time) ([]scoring.PricePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT current_price, observed_at FROM observations
		WHERE product_id = ? AND observed_at >= ?
		ORDER BY observed_at ASC`, productID, since)
	if err != nil {
		return nil, fmt.Errorf("load price points for %s: %w", productID, err)
	}
	defer rows.Close()

	var points []scoring.PricePoint
	for rows.Next() {
		var priceStr string
		var at time.Time
		if err := rows.Scan(&priceStr, &at); err != nil {
			return nil, fmt.Errorf("scan price point: %w", err)
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("product %s: invalid price point: %w", productID, err)
		}
		points = append(points, scoring.PricePoint{Price: price, ObservedAt: at})
	}
	return points, rows.Err()
}

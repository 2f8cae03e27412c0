// Package store provides the persistence implementations: MySQL for
// durable state, Redis for cross-instance counters and throttles,
// Elasticsearch for the observation and alert search indexes, and an
// in-memory store for tests and single-node runs.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"priceguard/internal/core"
	"priceguard/internal/scoring"
)

// Memory is the in-process store. It implements every consumer-side store
// interface in the module and is safe for concurrent use.
type Memory struct {
	mu sync.RWMutex

	retailers    map[int64]*core.Retailer
	products     map[string]*core.Product
	configs      map[string]*core.MonitoringConfig
	tasks        map[string]*core.Task
	observations map[string][]*core.ObservationResult
	rules        map[string]*core.AlertRule
	alerts       map[string]*core.Alert
	users        map[string]*core.User
	prefs        map[string]*core.UserPrefs
	batches      map[string]*core.NotificationBatch
	batchItems   map[string][]*core.BatchItem
	deliveries   map[string]*core.NotificationDelivery
	engagements  map[string][]*core.EngagementEvent
	metrics      map[string]*core.EngagementMetrics
	inApp        map[string]*core.InAppNotification
	dailyStats   map[string]*core.MonitoringStats
}

func NewMemory() *Memory {
	return &Memory{
		retailers:    make(map[int64]*core.Retailer),
		products:     make(map[string]*core.Product),
		configs:      make(map[string]*core.MonitoringConfig),
		tasks:        make(map[string]*core.Task),
		observations: make(map[string][]*core.ObservationResult),
		rules:        make(map[string]*core.AlertRule),
		alerts:       make(map[string]*core.Alert),
		users:        make(map[string]*core.User),
		prefs:        make(map[string]*core.UserPrefs),
		batches:      make(map[string]*core.NotificationBatch),
		batchItems:   make(map[string][]*core.BatchItem),
		deliveries:   make(map[string]*core.NotificationDelivery),
		engagements:  make(map[string][]*core.EngagementEvent),
		metrics:      make(map[string]*core.EngagementMetrics),
		inApp:        make(map[string]*core.InAppNotification),
		dailyStats:   make(map[string]*core.MonitoringStats),
	}
}

// ---- retailers and products ----

func (m *Memory) SaveRetailer(_ context.Context, r *core.Retailer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retailers[r.ID] = r
	return nil
}

func (m *Memory) SaveProduct(_ context.Context, p *core.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
	return nil
}

func (m *Memory) ProductByID(_ context.Context, id string) (*core.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return p, nil
}

// ---- monitoring configs ----

func (m *Memory) SaveConfig(_ context.Context, cfg *core.MonitoringConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.ProductID] = cfg
	return nil
}

func (m *Memory) ConfigByProduct(_ context.Context, productID string) (*core.MonitoringConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[productID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return cfg, nil
}

func (m *Memory) DueConfigs(_ context.Context, now time.Time, limit int) ([]*core.MonitoringConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []*core.MonitoringConfig
	for _, cfg := range m.configs {
		if !cfg.Active {
			continue
		}
		if cfg.NextScheduled == nil || !cfg.NextScheduled.After(now) {
			due = append(due, cfg)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore < b.PriorityScore
		}
		at, bt := scheduleKey(a.NextScheduled), scheduleKey(b.NextScheduled)
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		return a.ProductID < b.ProductID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func scheduleKey(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (m *Memory) ActiveConfigs(_ context.Context, limit int) ([]*core.MonitoringConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.MonitoringConfig
	for _, cfg := range m.configs {
		if cfg.Active {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AdvanceNextScheduled(_ context.Context, productID string, from *time.Time, to time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[productID]
	if !ok {
		return false, core.ErrNotFound
	}
	switch {
	case cfg.NextScheduled == nil && from == nil:
	case cfg.NextScheduled != nil && from != nil && cfg.NextScheduled.Equal(*from):
	default:
		return false, nil
	}
	next := to
	cfg.NextScheduled = &next
	return true, nil
}

func (m *Memory) ConfigsScheduledBetween(_ context.Context, from, to time.Time) ([]*core.MonitoringConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.MonitoringConfig
	for _, cfg := range m.configs {
		if !cfg.Active || cfg.NextScheduled == nil {
			continue
		}
		ns := *cfg.NextScheduled
		if !ns.Before(from) && ns.Before(to) {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// ---- tasks ----

func (m *Memory) CreateTask(_ context.Context, task *core.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
	return nil
}

func (m *Memory) SaveTask(_ context.Context, task *core.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
	return nil
}

func (m *Memory) TaskByID(_ context.Context, id string) (*core.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return t, nil
}

func (m *Memory) PendingTaskForProduct(_ context.Context, productID string) (*core.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tasks {
		if t.ProductID == productID && (t.Status == core.TaskPending || t.Status == core.TaskScheduled) {
			return t, nil
		}
	}
	return nil, core.ErrNotFound
}

func (m *Memory) DuePendingTasks(_ context.Context, now time.Time, limit int) ([]*core.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []*core.Task
	for _, t := range m.tasks {
		if t.Status == core.TaskPending && !t.ScheduledTime.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.ScheduledTime.Equal(b.ScheduledTime) {
			return a.ScheduledTime.Before(b.ScheduledTime)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) StaleTasks(_ context.Context, cutoff time.Time, limit int) ([]*core.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stale []*core.Task
	for _, t := range m.tasks {
		if (t.Status == core.TaskScheduled || t.Status == core.TaskRunning) && t.UpdatedAt.Before(cutoff) {
			stale = append(stale, t)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		a, b := stale[i], stale[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

// ---- observations ----

func (m *Memory) SaveObservation(_ context.Context, obs *core.ObservationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations[obs.ProductID] = append(m.observations[obs.ProductID], obs)
	return nil
}

func (m *Memory) LatestObservation(_ context.Context, productID string) (*core.ObservationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.observations[productID]
	if len(list) == 0 {
		return nil, core.ErrNotFound
	}
	return list[len(list)-1], nil
}

func (m *Memory) PricePoints(_ context.Context, productID string, since time.Time) ([]scoring.PricePoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var points []scoring.PricePoint
	for _, obs := range m.observations[productID] {
		if obs.ObservedAt.Before(since) {
			continue
		}
		points = append(points, scoring.PricePoint{Price: obs.CurrentPrice, ObservedAt: obs.ObservedAt})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].ObservedAt.Before(points[j].ObservedAt) })
	return points, nil
}

// ---- rules and alerts ----

func (m *Memory) SaveRule(_ context.Context, r *core.AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	m.rules[r.ID] = r
	return nil
}

func (m *Memory) ActiveRulesForEvent(_ context.Context, eventType core.EventType, productID string) ([]*core.AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.AlertRule
	for _, r := range m.rules {
		if !r.Active || r.RuleType != eventType {
			continue
		}
		if r.ProductID != "" && r.ProductID != productID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ActiveRuleCount(_ context.Context, productID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, r := range m.rules {
		if r.Active && (r.ProductID == "" || r.ProductID == productID) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) SaveAlert(_ context.Context, a *core.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = a
	return nil
}

func (m *Memory) AlertByID(_ context.Context, id string) (*core.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return a, nil
}

func (m *Memory) AlertExists(_ context.Context, ruleID, productID string, occurredAt time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.alerts {
		if a.RuleID == ruleID && a.ProductID == productID && a.CreatedAt.Equal(occurredAt) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) MarkAlertNotified(_ context.Context, alertID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return core.ErrNotFound
	}
	a.Notified = true
	ts := at
	a.NotifiedAt = &ts
	return nil
}

// ---- users ----

func (m *Memory) SaveUser(_ context.Context, u *core.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

func (m *Memory) UserByID(_ context.Context, id string) (*core.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return u, nil
}

func (m *Memory) SaveUserPrefs(_ context.Context, p *core.UserPrefs) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[p.UserID] = p
	return nil
}

func (m *Memory) UserPrefsByID(_ context.Context, userID string) (*core.UserPrefs, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prefs[userID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return p, nil
}

// ---- notification batches and deliveries ----

func (m *Memory) OpenBatch(_ context.Context, userID string, ch core.Channel, bt core.BatchType, scheduledFor time.Time) (*core.NotificationBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.batches {
		if b.UserID == userID && b.Channel == ch && b.Type == bt && b.Status == core.BatchPending && b.ScheduledFor.Equal(scheduledFor) {
			return b, nil
		}
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
	m.batches[b.ID] = b
	return b, nil
}

func (m *Memory) SaveBatch(_ context.Context, b *core.NotificationBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = b
	return nil
}

func (m *Memory) AddBatchItem(_ context.Context, item *core.BatchItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchItems[item.BatchID] = append(m.batchItems[item.BatchID], item)
	return nil
}

func (m *Memory) PendingBatchesDue(_ context.Context, now time.Time, limit int) ([]*core.NotificationBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []*core.NotificationBatch
	for _, b := range m.batches {
		if b.Status == core.BatchPending && !b.ScheduledFor.After(now) {
			due = append(due, b)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return due[i].ScheduledFor.Before(due[j].ScheduledFor)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) BatchAlerts(_ context.Context, batchID string) ([]*core.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var alerts []*core.Alert
	for _, item := range m.batchItems[batchID] {
		if a, ok := m.alerts[item.AlertID]; ok {
			alerts = append(alerts, a)
		}
	}
	return alerts, nil
}

func (m *Memory) SaveDelivery(_ context.Context, d *core.NotificationDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.ID] = d
	return nil
}

func (m *Memory) DeliveryByID(_ context.Context, id string) (*core.NotificationDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return d, nil
}

func (m *Memory) DueDeliveryRetries(_ context.Context, now time.Time, limit int) ([]*core.NotificationDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []*core.NotificationDelivery
	for _, d := range m.deliveries {
		if d.Status == core.DeliveryPending && d.Attempts > 0 && d.NextAttemptAt != nil && !d.NextAttemptAt.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) DeliveriesByUser(_ context.Context, userID string, since time.Time) ([]*core.NotificationDelivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.NotificationDelivery
	for _, d := range m.deliveries {
		if d.UserID == userID && !d.CreatedAt.Before(since) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- engagement ----

func (m *Memory) SaveEngagementEvent(_ context.Context, ev *core.EngagementEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	m.engagements[ev.UserID] = append(m.engagements[ev.UserID], ev)
	return nil
}

func (m *Memory) EngagementEventsByUser(_ context.Context, userID string, since time.Time) ([]*core.EngagementEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.EngagementEvent
	for _, ev := range m.engagements[userID] {
		if !ev.OccurredAt.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *Memory) SaveEngagementMetrics(_ context.Context, metrics *core.EngagementMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[metrics.UserID] = metrics
	return nil
}

func (m *Memory) EngagementMetricsByUser(_ context.Context, userID string) (*core.EngagementMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	metrics, ok := m.metrics[userID]
	if !ok {
		return nil, core.ErrNotFound
	}
	return metrics, nil
}

// ---- in-app notifications ----

func (m *Memory) SaveInAppNotification(_ context.Context, n *core.InAppNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inApp[n.ID] = n
	return nil
}

func (m *Memory) InAppNotificationsByUser(_ context.Context, userID string, limit int) ([]*core.InAppNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.InAppNotification
	for _, n := range m.inApp {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- stats ----

func (m *Memory) SaveStats(_ context.Context, s *core.MonitoringStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyStats[s.Date.Format("2006-01-02")] = s
	return nil
}

func (m *Memory) StatsByDate(_ context.Context, date time.Time) (*core.MonitoringStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.dailyStats[date.Format("2006-01-02")]
	if !ok {
		return nil, core.ErrNotFound
	}
	return s, nil
}

// ---- retention ----

// PurgeOldData removes observations, terminal tasks, engagement events and
// expired in-app notifications older than the cutoff. Products, alerts and
// aggregates stay.
func (m *Memory) PurgeOldData(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for productID, list := range m.observations {
		kept := list[:0]
		for _, obs := range list {
			if obs.ObservedAt.Before(before) {
				purged++
				continue
			}
			kept = append(kept, obs)
		}
		m.observations[productID] = kept
	}
	for id, t := range m.tasks {
		if t.IsTerminal() && t.UpdatedAt.Before(before) {
			delete(m.tasks, id)
			purged++
		}
	}
	for userID, list := range m.engagements {
		kept := list[:0]
		for _, ev := range list {
			if ev.OccurredAt.Before(before) {
				purged++
				continue
			}
			kept = append(kept, ev)
		}
		m.engagements[userID] = kept
	}
	for id, n := range m.inApp {
		if n.ExpiresAt.Before(before) {
			delete(m.inApp, id)
			purged++
		}
	}
	return purged, nil
}

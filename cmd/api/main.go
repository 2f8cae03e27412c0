package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"priceguard/internal/config"
	"priceguard/internal/core"
	"priceguard/internal/logapi"
	"priceguard/internal/message"
	"priceguard/internal/scheduler"
	"priceguard/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logDir := cfg.LogDir
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.Fatalf("Failed to create log directory: %v", err)
	}

	if cfg.MySQLDSN == "" {
		log.Fatalf("MYSQL_DSN is required in .env file")
	}
	db, err := store.OpenMySQL(cfg.MySQLDSN)
	if err != nil {
		log.Fatalf("Failed to connect to MySQL: %v", err)
	}
	defer db.Close()

	clock := core.RealClock{}
	sched := scheduler.New(db, clock, cfg.ScorerWeights)

	publisher := message.NewKafkaPublisher(cfg.KafkaBrokers)
	defer publisher.Close()

	// Optional: ES clients for log and observation data (when ES is enabled)
	var esLog *logapi.ESClient
	var esObs, esAlerts *store.ESQuery
	if cfg.ESEnabled && len(cfg.ESAddresses) > 0 {
		esLog, err = logapi.NewESClient(cfg.ESAddresses, cfg.ESLogIndex)
		if err != nil {
			log.Printf("⚠️ Elasticsearch log source disabled: %v", err)
			esLog = nil
		} else if esLog != nil {
			defer esLog.Close()
			log.Printf("📊 Log API will also read from Elasticsearch index: %s", cfg.ESLogIndex)
		}
		esObs, err = store.NewESQuery(cfg.ESAddresses, cfg.ESObservationIndex)
		if err != nil {
			log.Printf("⚠️ Elasticsearch observation source disabled: %v", err)
			esObs = nil
		} else if esObs != nil {
			defer esObs.Close()
		}
		esAlerts, err = store.NewESQuery(cfg.ESAddresses, cfg.ESAlertIndex)
		if err != nil {
			log.Printf("⚠️ Elasticsearch alert source disabled: %v", err)
			esAlerts = nil
		} else if esAlerts != nil {
			defer esAlerts.Close()
		}
	}

	api := &apiServer{
		db:        db,
		sched:     sched,
		publisher: publisher,
		esObs:     esObs,
		esAlerts:  esAlerts,
		clock:     clock,
	}

	// CORS middleware
	corsHandler := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next(w, r)
		}
	}

	// More-specific prefixes must be registered before the catch-all routes.
	http.HandleFunc("/api/products/", corsHandler(api.handleProduct))
	http.HandleFunc("/api/configs/thresholds", corsHandler(api.handleBulkThresholds))
	http.HandleFunc("/api/stats/", corsHandler(api.handleStats))
	http.HandleFunc("/api/users/", corsHandler(api.handleUserNotifications))
	http.HandleFunc("/api/engagement", corsHandler(api.handleEngagement))
	http.HandleFunc("/api/observations/", corsHandler(api.handleObservations))
	http.HandleFunc("/api/alerts/search", corsHandler(api.handleAlertSearch))

	http.HandleFunc("/api/logs/dates", corsHandler(func(w http.ResponseWriter, r *http.Request) {
		handleGetDates(w, r, logDir, esLog)
	}))
	http.HandleFunc("/api/logs/", corsHandler(func(w http.ResponseWriter, r *http.Request) {
		handleGetLogs(w, r, logDir, esLog)
	}))

	port := cfg.APIPort
	if port == "" {
		port = "8080"
	}

	log.Printf("🚀 API server starting on port %s", port)
	log.Fatal(http.ListenAndServe(":"+port, nil))
}

type apiServer struct {
	db        *store.MySQL
	sched     *scheduler.Scheduler
	publisher *message.KafkaPublisher
	esObs     *store.ESQuery
	esAlerts  *store.ESQuery
	clock     core.Clock
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleProduct routes the per-product operations:
//
//	POST /api/products/{id}/check      — force an immediate check
//	PUT  /api/products/{id}/frequency  — change monitoring frequency
//	PUT  /api/products/{id}/boost      — set a manual priority boost
func (s *apiServer) handleProduct(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/products/")
	productID, action, found := strings.Cut(rest, "/")
	if !found || productID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case action == "check" && r.Method == http.MethodPost:
		s.handleImmediateCheck(w, r, productID)
	case action == "frequency" && r.Method == http.MethodPut:
		s.handleFrequency(w, r, productID)
	case action == "boost" && r.Method == http.MethodPut:
		s.handleBoost(w, r, productID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleImmediateCheck(w http.ResponseWriter, r *http.Request, productID string) {
	var body struct {
		Priority *int `json:"priority"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	task, err := s.sched.ScheduleImmediate(r.Context(), productID, body.Priority)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		log.Printf("❌ Immediate check for %s failed: %v", productID, err)
		writeError(w, http.StatusInternalServerError, "scheduling failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":        task.ID,
		"status":         task.Status,
		"scheduled_time": task.ScheduledTime,
		"priority":       task.Priority,
	})
}

func (s *apiServer) handleFrequency(w http.ResponseWriter, r *http.Request, productID string) {
	var body struct {
		Frequency   string `json:"frequency"`
		CustomHours int    `json:"custom_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	freq := core.Frequency(body.Frequency)
	switch freq {
	case core.FrequencyHigh, core.FrequencyNormal, core.FrequencyLow, core.FrequencyCustom:
	default:
		writeError(w, http.StatusBadRequest, "frequency must be one of: high, normal, low, custom")
		return
	}

	cfg, err := s.db.ConfigByProduct(r.Context(), productID)
	if errors.Is(err, core.ErrNotFound) {
		cfg = core.DefaultMonitoringConfig(productID, s.clock.Now())
		err = nil
	}
	if err != nil {
		log.Printf("❌ Load config for %s failed: %v", productID, err)
		writeError(w, http.StatusInternalServerError, "load config failed")
		return
	}

	cfg.SetFrequency(freq, body.CustomHours)
	cfg.UpdatedAt = s.clock.Now()
	if err := s.db.SaveConfig(r.Context(), cfg); err != nil {
		log.Printf("❌ Save config for %s failed: %v", productID, err)
		writeError(w, http.StatusInternalServerError, "save config failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product_id":     productID,
		"frequency":      cfg.Frequency,
		"interval_hours": cfg.Interval().Hours(),
		"next_scheduled": cfg.NextScheduled,
	})
}

func (s *apiServer) handleBoost(w http.ResponseWriter, r *http.Request, productID string) {
	var body struct {
		Boost float64 `json:"boost"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cfg, err := s.db.ConfigByProduct(r.Context(), productID)
	if errors.Is(err, core.ErrNotFound) {
		cfg = core.DefaultMonitoringConfig(productID, s.clock.Now())
		err = nil
	}
	if err != nil {
		log.Printf("❌ Load config for %s failed: %v", productID, err)
		writeError(w, http.StatusInternalServerError, "load config failed")
		return
	}

	cfg.ManualPriorityBoost = body.Boost
	cfg.UpdatedAt = s.clock.Now()
	if err := s.db.SaveConfig(r.Context(), cfg); err != nil {
		log.Printf("❌ Save config for %s failed: %v", productID, err)
		writeError(w, http.StatusInternalServerError, "save config failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product_id": productID,
		"boost":      cfg.ManualPriorityBoost,
	})
}

// handleBulkThresholds applies price-drop alert thresholds to many monitoring
// configs at once. Route: POST /api/configs/thresholds
func (s *apiServer) handleBulkThresholds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		ProductIDs        []string `json:"product_ids"`
		AbsoluteThreshold *string  `json:"absolute_threshold"`
		PercentThreshold  *float64 `json:"percent_threshold"`
		NotifyOnAnyChange *bool    `json:"notify_on_any_change"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(body.ProductIDs) == 0 {
		writeError(w, http.StatusBadRequest, "product_ids is required")
		return
	}

	var absolute *decimal.Decimal
	if body.AbsoluteThreshold != nil {
		d, err := decimal.NewFromString(*body.AbsoluteThreshold)
		if err != nil {
			writeError(w, http.StatusBadRequest, "absolute_threshold must be a decimal string")
			return
		}
		absolute = &d
	}

	updated := 0
	for _, productID := range body.ProductIDs {
		cfg, err := s.db.ConfigByProduct(r.Context(), productID)
		if errors.Is(err, core.ErrNotFound) {
			cfg = core.DefaultMonitoringConfig(productID, s.clock.Now())
			err = nil
		}
		if err != nil {
			log.Printf("⚠️ Bulk threshold: load config for %s failed: %v", productID, err)
			continue
		}
		if absolute != nil {
			cfg.PriceThresholdAbsolute = absolute
		}
		if body.PercentThreshold != nil {
			cfg.PriceThresholdPct = body.PercentThreshold
		}
		if body.NotifyOnAnyChange != nil {
			cfg.NotifyOnAnyChange = *body.NotifyOnAnyChange
		}
		cfg.UpdatedAt = s.clock.Now()
		if err := s.db.SaveConfig(r.Context(), cfg); err != nil {
			log.Printf("⚠️ Bulk threshold: save config for %s failed: %v", productID, err)
			continue
		}
		updated++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requested": len(body.ProductIDs),
		"updated":   updated,
	})
}

// handleStats returns the monitoring stats for a day.
// Route: GET /api/stats/{yyyy-MM-dd}
func (s *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	dateStr := strings.TrimPrefix(r.URL.Path, "/api/stats/")
	day, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date format, expected yyyy-MM-dd")
		return
	}
	stats, err := s.db.StatsByDate(r.Context(), day)
	if errors.Is(err, core.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no stats for that day")
		return
	}
	if err != nil {
		log.Printf("❌ Load stats for %s failed: %v", dateStr, err)
		writeError(w, http.StatusInternalServerError, "load stats failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":                 dateStr,
		"total_checks":         stats.TotalChecks,
		"successful_checks":    stats.SuccessfulChecks,
		"failed_checks":        stats.FailedChecks,
		"success_rate":         stats.SuccessRate(),
		"price_changes":        stats.PriceChangesDetected,
		"availability_changes": stats.AvailabilityChangesDetected,
		"alerts_triggered":     stats.AlertsTriggered,
		"avg_execution_secs":   stats.AvgExecutionTimeSeconds,
		"max_execution_secs":   stats.MaxExecutionTimeSeconds,
		"checks_by_priority":   stats.ChecksByPriority,
		"checks_by_retailer":   stats.ChecksByRetailer,
	})
}

// handleUserNotifications lists a user's in-app notifications.
// Route: GET /api/users/{id}/notifications
func (s *apiServer) handleUserNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/users/")
	userID, action, found := strings.Cut(rest, "/")
	if !found || action != "notifications" || userID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	notifications, err := s.db.InAppNotificationsByUser(r.Context(), userID, 100)
	if err != nil {
		log.Printf("❌ Load notifications for %s failed: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "load notifications failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
}

// handleEngagement accepts engagement webhooks from clients and channel
// providers and forwards them to Kafka for the notification service.
// Route: POST /api/engagement
func (s *apiServer) handleEngagement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var event message.EngagementEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if event.DeliveryID == "" || event.EventType == "" {
		writeError(w, http.StatusBadRequest, "delivery_id and event_type are required")
		return
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.clock.Now()
	}
	if err := s.publisher.PublishEngagement(r.Context(), event.ToEngagement()); err != nil {
		log.Printf("❌ Publish engagement event failed: %v", err)
		writeError(w, http.StatusInternalServerError, "publish failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": event.EventID})
}

// handleObservations returns recent indexed observations for a product.
// Route: GET /api/observations/{productID}
func (s *apiServer) handleObservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.esObs == nil {
		writeError(w, http.StatusServiceUnavailable, "observation index is not enabled")
		return
	}
	productID := strings.TrimPrefix(r.URL.Path, "/api/observations/")
	if productID == "" {
		writeError(w, http.StatusBadRequest, "product ID required")
		return
	}
	docs, err := s.esObs.RecentForProduct(r.Context(), productID, 100)
	if err != nil {
		log.Printf("❌ Observation query for %s failed: %v", productID, err)
		writeError(w, http.StatusInternalServerError, "observation query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"observations": docs})
}

// handleAlertSearch searches indexed alerts by message text within a time range.
// Route: GET /api/alerts/search?q=<text>&from=<RFC3339>&to=<RFC3339>
func (s *apiServer) handleAlertSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.esAlerts == nil {
		writeError(w, http.StatusServiceUnavailable, "alert index is not enabled")
		return
	}
	now := s.clock.Now()
	from := now.AddDate(0, 0, -7)
	to := now
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from, expected RFC3339")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to, expected RFC3339")
			return
		}
		to = t
	}
	docs, err := s.esAlerts.Search(r.Context(), r.URL.Query().Get("q"), from, to, 500)
	if err != nil {
		log.Printf("❌ Alert search failed: %v", err)
		writeError(w, http.StatusInternalServerError, "alert search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": docs})
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

func maskEmails(s string) string {
	return emailRegex.ReplaceAllStringFunc(s, func(email string) string {
		return "[email@address]"
	})
}

func handleGetDates(w http.ResponseWriter, r *http.Request, logDir string, esLog *logapi.ESClient) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	dateSet := make(map[string]struct{})

	// From Elasticsearch
	if esLog != nil {
		dates, err := esLog.GetDates(r.Context())
		if err != nil {
			log.Printf("ES GetDates error: %v", err)
		} else {
			for _, d := range dates {
				dateSet[d] = struct{}{}
			}
		}
	}

	// From log files
	files, err := os.ReadDir(logDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read log directory: %v", err))
		return
	}
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		name := file.Name()
		if len(name) == 12 && strings.HasSuffix(name, ".log") {
			dateStr := name[:8]
			if _, err := time.Parse("20060102", dateStr); err == nil {
				dateSet[dateStr] = struct{}{}
			}
		}
	}

	dates := make([]string, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	writeJSON(w, http.StatusOK, dates)
}

// handleGetLogs returns log entries for a given date.
// Route: GET /api/logs/{yyyyMMdd}[?after=<RFC3339>&q=<search>&level=<level>&product=<id>]
//   - after:   when provided, returns only entries strictly after that timestamp
//   - q:       optional message content filter
//   - level:   optional severity filter (info, warn, error)
//   - product: optional product id filter
func handleGetLogs(w http.ResponseWriter, r *http.Request, logDir string, esLog *logapi.ESClient) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/logs/")
	if len(path) != 8 {
		writeError(w, http.StatusBadRequest, "invalid date format, expected yyyyMMdd")
		return
	}
	if _, err := time.Parse("20060102", path); err != nil {
		writeError(w, http.StatusBadRequest, "invalid date format, expected yyyyMMdd")
		return
	}

	after := strings.TrimSpace(r.URL.Query().Get("after")) // incremental: only return logs after this cursor
	searchQ := strings.TrimSpace(r.URL.Query().Get("q"))   // optional message content filter
	level := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("level")))
	product := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("product")))

	var entries []logapi.LogEntry
	var nextCursor string

	// Prefer Elasticsearch when available
	if esLog != nil {
		ents, cursor, err := esLog.GetLogsForDate(r.Context(), path, after, searchQ)
		if err != nil {
			log.Printf("ES GetLogs error: %v", err)
		} else if len(ents) > 0 {
			entries = ents
			nextCursor = cursor
		}
	}

	// Fall back to log file when no ES data
	if len(entries) == 0 {
		logFile := filepath.Join(logDir, fmt.Sprintf("%s.log", path))
		if content, err := os.ReadFile(logFile); err == nil {
			entries, nextCursor = logapi.GetLogsFromFile(string(content), after, searchQ)
		}
	}

	entries = logapi.Filter(entries, level, product)

	// Mask emails in message for response
	for i := range entries {
		entries[i].Message = maskEmails(entries[i].Message)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":        entries,
		"next_cursor": nextCursor,
	})
}

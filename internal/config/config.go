package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"priceguard/internal/scoring"
)

// Config holds all configuration for the application
type Config struct {
	// Storage
	MySQLDSN  string
	RedisAddr string

	// Kafka Configuration
	KafkaBrokers []string

	// Elasticsearch Configuration (optional)
	ESEnabled          bool
	ESAddresses        []string
	ESLogIndex         string
	ESObservationIndex string
	ESAlertIndex       string

	// Extraction bridge (headless browser service)
	BridgeAPIURL string
	BridgeAPIKey string

	// Resend Email Configuration
	ResendAPIKey    string
	ResendFromEmail string

	// Push gateway
	PushGatewayURL string
	PushGatewayKey string

	// Logging Configuration
	LogDir string

	// Worker pools
	HighLaneWorkers   int
	NormalLaneWorkers int
	LowLaneWorkers    int
	MaxTasksPerCycle  int
	MaxChecksPerHour  int

	// Cadence
	ScheduleInterval  time.Duration // how often due products are turned into tasks
	DispatchInterval  time.Duration // how often pending tasks are dispatched
	PriorityInterval  time.Duration // how often priority scores are recomputed
	RebalanceInterval time.Duration // load distribution and lane rebalancing
	StatsInterval     time.Duration // stats flush cadence
	RetentionDays     int

	// Concurrency ceilings per retailer, e.g. "amazon=20,fnac=10"
	RetailerCeilings map[string]int
	DefaultCeiling   int

	// Priority scorer weights; should sum to 1.0
	ScorerWeights scoring.Weights

	// Per-user notification send budgets. HourlySendLimit applies to every
	// channel; ChannelSendLimits overrides it per channel, e.g. "push=50"
	HourlySendLimit   int
	ChannelSendLimits map[string]int

	// API
	APIPort string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		MySQLDSN:  getEnv("MYSQL_DSN", ""),
		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),

		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),

		ESEnabled:          getEnvBool("ES_ENABLED", false),
		ESAddresses:        getEnvSlice("ES_ADDRESSES", []string{"http://localhost:9200"}),
		ESLogIndex:         getEnv("ES_LOG_INDEX", "priceguard-logs"),
		ESObservationIndex: getEnv("ES_OBSERVATION_INDEX", "priceguard-observations"),
		ESAlertIndex:       getEnv("ES_ALERT_INDEX", "priceguard-alerts"),

		BridgeAPIURL: getEnv("BRIDGE_API_URL", "http://localhost:8700"),
		BridgeAPIKey: getEnv("BRIDGE_API_KEY", ""),

		ResendAPIKey:    getEnv("RESEND_API_KEY", ""),
		ResendFromEmail: getEnv("RESEND_FROM_EMAIL", ""),

		PushGatewayURL: getEnv("PUSH_GATEWAY_URL", ""),
		PushGatewayKey: getEnv("PUSH_GATEWAY_KEY", ""),

		LogDir: getEnv("LOG_DIR", "logs"),

		HighLaneWorkers:   getEnvInt("HIGH_LANE_WORKERS", 8),
		NormalLaneWorkers: getEnvInt("NORMAL_LANE_WORKERS", 8),
		LowLaneWorkers:    getEnvInt("LOW_LANE_WORKERS", 4),
		MaxTasksPerCycle:  getEnvInt("MAX_TASKS_PER_CYCLE", 200),
		MaxChecksPerHour:  getEnvInt("MAX_CHECKS_PER_HOUR", 2000),

		ScheduleInterval:  getEnvDuration("SCHEDULE_INTERVAL", 5*time.Minute),
		DispatchInterval:  getEnvDuration("DISPATCH_INTERVAL", 2*time.Minute),
		PriorityInterval:  getEnvDuration("PRIORITY_INTERVAL", 6*time.Hour),
		RebalanceInterval: getEnvDuration("REBALANCE_INTERVAL", 24*time.Hour),
		StatsInterval:     getEnvDuration("STATS_INTERVAL", time.Hour),
		RetentionDays:     getEnvInt("RETENTION_DAYS", 30),

		RetailerCeilings: getEnvCeilings("RETAILER_CEILINGS"),
		DefaultCeiling:   getEnvInt("DEFAULT_CEILING", 5),

		ScorerWeights: scorerWeights(),

		HourlySendLimit:   getEnvInt("HOURLY_SEND_LIMIT", 100),
		ChannelSendLimits: getEnvCeilings("CHANNEL_SEND_LIMITS"),

		APIPort: getEnv("API_PORT", "8080"),
	}

	return config, nil
}

// scorerWeights reads the per-factor weight overrides, falling back to the
// production weighting for any factor left unset.
func scorerWeights() scoring.Weights {
	w := scoring.DefaultWeights()
	w.Volatility = getEnvFloat("SCORER_WEIGHT_VOLATILITY", w.Volatility)
	w.Popularity = getEnvFloat("SCORER_WEIGHT_POPULARITY", w.Popularity)
	w.PriceLevel = getEnvFloat("SCORER_WEIGHT_PRICE_LEVEL", w.PriceLevel)
	w.TimeSinceCheck = getEnvFloat("SCORER_WEIGHT_TIME_SINCE_CHECK", w.TimeSinceCheck)
	w.ManualBoost = getEnvFloat("SCORER_WEIGHT_MANUAL_BOOST", w.ManualBoost)
	return w
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns true if the env var is set to "1", "true", "yes" (case-insensitive)
func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	switch v {
	case "1", "true", "yes", "TRUE", "YES":
		return true
	case "0", "false", "no", "FALSE", "NO":
		return false
	}
	return defaultValue
}

// getEnvInt returns an integer from an env var; if empty or invalid, returns defaultValue
func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return defaultValue
}

// getEnvFloat returns a float from an env var; if empty or invalid, returns defaultValue
func getEnvFloat(key string, defaultValue float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
		return f
	}
	return defaultValue
}

// getEnvDuration parses a Go duration string; if empty or invalid, returns defaultValue
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

// getEnvSlice returns a slice from a comma-separated env var; if empty, returns defaultSlice
func getEnvSlice(key string, defaultSlice []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultSlice
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultSlice
	}
	return out
}

// getEnvCeilings parses "name=limit" pairs, e.g. "amazon=20,fnac=10".
// Invalid pairs are skipped.
func getEnvCeilings(key string) map[string]int {
	out := map[string]int{}
	for _, pair := range strings.Split(os.Getenv(key), ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, limit, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(limit))
		if err != nil || n <= 0 {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(name))] = n
	}
	return out
}

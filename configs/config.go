// Package configs centralizes process configuration for the reverse proxy.
package configs

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-tunable knob the request-plane engine
// consults at startup. Nothing here is reloaded at runtime except through
// the dedicated watchers (blacklist file, rate limiter poll) described in
// their own packages.
type Config struct {
	// Transport
	TLSCertPath string
	TLSKeyPath  string
	ServerPort  string

	// Upstreams
	PrimaryUpstreamURL       string
	FallbackUpstreamURL      string
	RequestTimeout           time.Duration
	FallbackTimeoutBudget    time.Duration
	AllowInsecureUpstreamTLS bool

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration

	// Aggregator / background tasks
	BackgroundTasksInterval time.Duration

	// Rate limiter
	OriginHourlyLimit     int
	IPHourlyLimit         int
	OriginDailyLimit      int
	IPDailyLimit          int
	RateLimitPollInterval time.Duration
	PollFailureThreshold  int

	// Blacklist
	BlacklistFilePath   string
	BlacklistPollPeriod time.Duration

	// Admin surface
	AdminAPIKeyHash  string
	AdminSnapshotTTL time.Duration

	// Reject log
	RejectLogPath        string
	RejectLogFlushSize   int
	RejectLogFlushPeriod time.Duration

	// Store
	DatabaseURL          string
	HistoryRetention     time.Duration
	HistoryCleanupPeriod time.Duration

	// Cache / cross-instance invalidation
	RedisURL string

	// Alert webhook signing (JWT bearer minted per outbound call)
	AlertWebhookURL    string
	AlertSigningSecret string
	AlertRatePerSecond float64

	// Logging
	LogLevel string

	// Synthetic origins the aggregator/store must never bill (e.g. the
	// proxy's own health checks, internal smoke tests).
	SyntheticOrigins []string
}

var AppConfig *Config

// LoadConfig populates AppConfig from the environment, falling back to
// defaults suitable for local development. It never fails: malformed
// numeric/bool/duration values fall back to their defaults, matching the
// teacher's getEnv/parseX helpers.
func LoadConfig() error {
	_ = godotenv.Load()

	AppConfig = &Config{
		TLSCertPath: getEnv("TLS_CERT_PATH", "certs/server.crt"),
		TLSKeyPath:  getEnv("TLS_KEY_PATH", "certs/server.key"),
		ServerPort:  getEnv("SERVER_PORT", "443"),

		PrimaryUpstreamURL:       getEnv("PRIMARY_UPSTREAM_URL", "http://localhost:8545"),
		FallbackUpstreamURL:      getEnv("FALLBACK_UPSTREAM_URL", ""),
		RequestTimeout:           parseDuration(getEnv("REQUEST_TIMEOUT", "10s"), 10*time.Second),
		FallbackTimeoutBudget:    parseDuration(getEnv("FALLBACK_TIMEOUT_BUDGET", "15s"), 15*time.Second),
		AllowInsecureUpstreamTLS: parseBool(getEnv("ALLOW_INSECURE_UPSTREAM_TLS", "false")),

		BreakerFailureThreshold: parseInt(getEnv("BREAKER_FAILURE_THRESHOLD", "2"), 2),
		BreakerResetTimeout:     parseDuration(getEnv("BREAKER_RESET_TIMEOUT", "60s"), 60*time.Second),

		BackgroundTasksInterval: parseDuration(getEnv("BACKGROUND_TASKS_INTERVAL", "10s"), 10*time.Second),

		OriginHourlyLimit:     parseInt(getEnv("ORIGIN_HOURLY_LIMIT", "100000"), 100000),
		IPHourlyLimit:         parseInt(getEnv("IP_HOURLY_LIMIT", "20000"), 20000),
		OriginDailyLimit:      parseInt(getEnv("ORIGIN_DAILY_LIMIT", "1000000"), 1000000),
		IPDailyLimit:          parseInt(getEnv("IP_DAILY_LIMIT", "200000"), 200000),
		RateLimitPollInterval: parseDuration(getEnv("RATE_LIMIT_POLL_INTERVAL", "10s"), 10*time.Second),
		PollFailureThreshold:  parseInt(getEnv("RATE_LIMIT_POLL_FAILURE_THRESHOLD", "3"), 3),

		BlacklistFilePath:   getEnv("BLACKLIST_FILE_PATH", "blacklist.txt"),
		BlacklistPollPeriod: parseDuration(getEnv("BLACKLIST_POLL_PERIOD", "5s"), 5*time.Second),

		AdminAPIKeyHash:  getEnv("ADMIN_API_KEY_HASH", ""),
		AdminSnapshotTTL: parseDuration(getEnv("ADMIN_SNAPSHOT_TTL", "1s"), time.Second),

		RejectLogPath:        getEnv("REJECT_LOG_PATH", ""),
		RejectLogFlushSize:   parseInt(getEnv("REJECT_LOG_FLUSH_SIZE", "100"), 100),
		RejectLogFlushPeriod: parseDuration(getEnv("REJECT_LOG_FLUSH_PERIOD", "1s"), time.Second),

		DatabaseURL:          getEnv("DATABASE_URL", "root:password@tcp(localhost:3306)/rpc_gateway?charset=utf8mb4&parseTime=True&loc=Local"),
		HistoryRetention:     parseDuration(getEnv("HISTORY_RETENTION", "720h"), 30*24*time.Hour),
		HistoryCleanupPeriod: parseDuration(getEnv("HISTORY_CLEANUP_PERIOD", "24h"), 24*time.Hour),

		RedisURL: getEnv("REDIS_URL", "localhost:6379"),

		AlertWebhookURL:    getEnv("ALERT_WEBHOOK_URL", ""),
		AlertSigningSecret: getEnv("ALERT_SIGNING_SECRET", "change-me-in-production"),
		AlertRatePerSecond: parseFloat(getEnv("ALERT_RATE_PER_SECOND", "1"), 1),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		SyntheticOrigins: splitCSV(getEnv("SYNTHETIC_ORIGINS", "")),
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(s string, fallback int) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}

func parseFloat(s string, fallback float64) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return b
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func init() {
	if err := LoadConfig(); err != nil {
		log.Fatal("Failed to load config:", err)
	}
}

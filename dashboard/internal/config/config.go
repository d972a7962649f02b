// Package config loads dashboard-sync settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ILLUVRSE/testinfra/dashboard/internal/failures"
)

type Config struct {
	Addr         string
	APIURL       string
	WebSocketURL string
	SSEURL       string

	PollInterval      time.Duration
	AutoRefresh       bool
	StalenessWindow   time.Duration
	RequireAll        bool
	Retry             failures.RetryPolicy
	ReconnectAttempts int

	UtilizationWindow time.Duration
	HistoryLimit      int

	AuthSecret  string
	AuthSubject string
	AuthTTL     time.Duration
	APIToken    string

	DatabaseURL string

	KafkaBrokers []string
	KafkaTopic   string

	S3Bucket        string
	S3Prefix        string
	ArchiveInterval time.Duration
}

const (
	defaultAddr              = ":8070"
	defaultPollInterval      = 2 * time.Second
	defaultStalenessWindow   = 10 * time.Second
	defaultReconnectAttempts = 5
	defaultUtilizationWindow = 30 * time.Minute
	defaultHistoryLimit      = 500
	defaultAuthSubject       = "dashboard-sync"
	defaultAuthTTL           = 15 * time.Minute
	defaultKafkaTopic        = "dashboard.notifications"
	defaultArchiveInterval   = 5 * time.Minute
)

// Load reads an optional .env file (or the files named in envFiles) and then the process
// environment. Variables already set in the environment win over file values.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(envFiles...); err != nil {
		return Config{}, fmt.Errorf("load env files: %w", err)
	}
	return FromEnv()
}

func FromEnv() (Config, error) {
	cfg := Config{
		Addr:              getEnv("DASHBOARD_ADDR", defaultAddr),
		APIURL:            strings.TrimSuffix(os.Getenv("DASHBOARD_API_URL"), "/"),
		WebSocketURL:      os.Getenv("DASHBOARD_WS_URL"),
		SSEURL:            os.Getenv("DASHBOARD_SSE_URL"),
		PollInterval:      getDuration("DASHBOARD_POLL_INTERVAL", defaultPollInterval),
		AutoRefresh:       getBool("DASHBOARD_AUTO_REFRESH", true),
		StalenessWindow:   getDuration("DASHBOARD_STALENESS_WINDOW", defaultStalenessWindow),
		RequireAll:        getBool("DASHBOARD_REQUIRE_ALL_CHANNELS", false),
		ReconnectAttempts: getInt("DASHBOARD_RECONNECT_MAX_ATTEMPTS", defaultReconnectAttempts),
		UtilizationWindow: getDuration("DASHBOARD_UTILIZATION_WINDOW", defaultUtilizationWindow),
		HistoryLimit:      getInt("DASHBOARD_HISTORY_LIMIT", defaultHistoryLimit),
		AuthSecret:        os.Getenv("DASHBOARD_AUTH_SECRET"),
		AuthSubject:       getEnv("DASHBOARD_AUTH_SUBJECT", defaultAuthSubject),
		AuthTTL:           getDuration("DASHBOARD_AUTH_TTL", defaultAuthTTL),
		APIToken:          os.Getenv("DASHBOARD_API_TOKEN"),
		DatabaseURL:       firstNonEmpty(os.Getenv("DASHBOARD_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		KafkaBrokers:      splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:        getEnv("DASHBOARD_KAFKA_TOPIC", defaultKafkaTopic),
		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3Prefix:          os.Getenv("S3_PREFIX"),
		ArchiveInterval:   getDuration("DASHBOARD_ARCHIVE_INTERVAL", defaultArchiveInterval),
	}
	if cfg.APIURL == "" {
		return Config{}, fmt.Errorf("DASHBOARD_API_URL required")
	}

	def := failures.DefaultRetryPolicy()
	strategy, err := failures.ParseStrategy(os.Getenv("DASHBOARD_RETRY_STRATEGY"))
	if err != nil {
		return Config{}, err
	}
	cfg.Retry = failures.RetryPolicy{
		MaxAttempts: getInt("DASHBOARD_RETRY_MAX_ATTEMPTS", def.MaxAttempts),
		Strategy:    strategy,
		BaseDelay:   getDuration("DASHBOARD_RETRY_BASE_DELAY", def.BaseDelay),
		MaxDelay:    getDuration("DASHBOARD_RETRY_MAX_DELAY", def.MaxDelay),
		LogAttempts: getBool("DASHBOARD_RETRY_LOG", false),
	}

	if cfg.WebSocketURL == "" || cfg.SSEURL == "" {
		ws, sse, err := derivePushURLs(cfg.APIURL)
		if err != nil {
			return Config{}, err
		}
		if cfg.WebSocketURL == "" {
			cfg.WebSocketURL = ws
		}
		if cfg.SSEURL == "" {
			cfg.SSEURL = sse
		}
	}
	return cfg, nil
}

// derivePushURLs maps http(s)://host/base to ws(s)://host/base/ws/allocations and
// http(s)://host/base/events/allocations.
func derivePushURLs(apiURL string) (string, string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", "", fmt.Errorf("parse DASHBOARD_API_URL: %w", err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("DASHBOARD_API_URL must be absolute: %q", apiURL)
	}
	base := strings.TrimSuffix(u.Path, "/")

	sse := *u
	sse.Path = base + "/events/allocations"

	ws := *u
	ws.Path = base + "/ws/allocations"
	switch u.Scheme {
	case "https":
		ws.Scheme = "wss"
	case "http":
		ws.Scheme = "ws"
	default:
		return "", "", fmt.Errorf("DASHBOARD_API_URL scheme must be http or https: %q", apiURL)
	}
	return ws.String(), sse.String(), nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

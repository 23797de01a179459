package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the trackdown server.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Lidarr      LidarrConfig
	MusicBrainz MusicBrainzConfig
	Tracker     TrackerConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type LidarrConfig struct {
	BaseURL      string
	APIKey       string
	RootFolder   string
	WebhookToken string
	Timeout      time.Duration
}

type MusicBrainzConfig struct {
	BaseURL string
	Timeout time.Duration
}

// TrackerConfig carries the tuning constants of the acquisition tracker.
// None of these values is safety-critical; they are exposed so operators
// can match them to their indexers' typical latency.
type TrackerConfig struct {
	// Phase timeouts for the stale-job reaper.
	PendingTimeout time.Duration // created but never started
	GrabTimeout    time.Duration // started but no download session yet
	ImportTimeout  time.Duration // session present but never completed

	// Sweep intervals.
	ReaperInterval    time.Duration
	ReconcileInterval time.Duration

	// QueueGracePasses is the number of consecutive reconciliation passes a
	// session must be missing from the live queue before the reconciler acts.
	QueueGracePasses int

	// Serializable-transaction retry policy.
	TxRetries     int
	TxBackoffBase time.Duration

	// NotifyWindow suppresses repeat notifications for the same job/event
	// inside this window; it also bounds the reaper's one extra extension.
	NotifyWindow time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("TRACKDOWN_PORT", 8080),
			Env:  envString("TRACKDOWN_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Lidarr: LidarrConfig{
			BaseURL:      os.Getenv("LIDARR_BASE_URL"),
			APIKey:       os.Getenv("LIDARR_API_KEY"),
			RootFolder:   envString("LIDARR_ROOT_FOLDER", "/music"),
			WebhookToken: os.Getenv("LIDARR_WEBHOOK_TOKEN"),
			Timeout:      envDuration("LIDARR_TIMEOUT", 30*time.Second),
		},
		MusicBrainz: MusicBrainzConfig{
			BaseURL: envString("MUSICBRAINZ_BASE_URL", "https://musicbrainz.org"),
			Timeout: envDuration("MUSICBRAINZ_TIMEOUT", 10*time.Second),
		},
		Tracker: TrackerConfig{
			PendingTimeout:    envDuration("TRACKER_PENDING_TIMEOUT", 30*time.Minute),
			GrabTimeout:       envDuration("TRACKER_GRAB_TIMEOUT", 2*time.Hour),
			ImportTimeout:     envDuration("TRACKER_IMPORT_TIMEOUT", 6*time.Hour),
			ReaperInterval:    envDuration("TRACKER_REAPER_INTERVAL", 5*time.Minute),
			ReconcileInterval: envDuration("TRACKER_RECONCILE_INTERVAL", 10*time.Minute),
			QueueGracePasses:  envInt("TRACKER_QUEUE_GRACE_PASSES", 3),
			TxRetries:         envInt("TRACKER_TX_RETRIES", 5),
			TxBackoffBase:     envDuration("TRACKER_TX_BACKOFF_BASE", 100*time.Millisecond),
			NotifyWindow:      envDuration("TRACKER_NOTIFY_WINDOW", time.Hour),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Lidarr.BaseURL == "" {
		return fmt.Errorf("LIDARR_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Lidarr.BaseURL, "http://") && !strings.HasPrefix(c.Lidarr.BaseURL, "https://") {
		return fmt.Errorf("LIDARR_BASE_URL must start with http:// or https://, got %q", c.Lidarr.BaseURL)
	}
	if c.Lidarr.APIKey == "" {
		return fmt.Errorf("LIDARR_API_KEY is required")
	}
	if c.Lidarr.WebhookToken == "" {
		return fmt.Errorf("LIDARR_WEBHOOK_TOKEN is required")
	}

	if c.Tracker.QueueGracePasses < 1 {
		return fmt.Errorf("TRACKER_QUEUE_GRACE_PASSES must be at least 1")
	}
	if c.Tracker.TxRetries < 1 {
		return fmt.Errorf("TRACKER_TX_RETRIES must be at least 1")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

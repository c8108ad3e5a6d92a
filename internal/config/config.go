package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `validate:"required"`
	NATSURL     string `validate:"required_if=CacheBackend nats"`

	CacheBackend    string `validate:"oneof=nats memory"`
	CacheBucket     string `validate:"required_if=CacheBackend nats"`
	CacheTTL        time.Duration
	CacheMemorySize int `validate:"gt=0"`

	SyncInterval     time.Duration
	SyncRetryMax     int `validate:"gte=0,lte=20"`
	SyncRetryInitial time.Duration
	SyncStartTimeout time.Duration

	RouteChangeSubject string
	FixSubject         string
	EventSubjectPrefix string

	TrackingIdleTimeout time.Duration
	FixRatePerSec       float64 `validate:"gte=0"`
	WSSendBuffer        int     `validate:"gt=0"`

	HTTPAddr        string `validate:"required"`
	MetricsAddr     string
	LogLevel        string `validate:"oneof=debug info warn error"`
	LogFormat       string `validate:"oneof=json console"`
	LogNATSSubjects bool
}

// UsesNATS reports whether any configured component needs a NATS connection.
func (c *Config) UsesNATS() bool {
	return c.CacheBackend == "nats" || c.RouteChangeSubject != "" || c.FixSubject != "" || c.EventSubjectPrefix != ""
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")

	cfg.CacheBackend = strings.ToLower(getenvDefault("CACHE_BACKEND", "nats"))
	cfg.CacheBucket = getenvDefault("CACHE_BUCKET", "ROUTE_GEOMETRY")

	var err error
	if cfg.CacheTTL, err = seconds("CACHE_TTL_SEC", 0); err != nil {
		return nil, err
	}
	if cfg.CacheMemorySize, err = integer("CACHE_MEMORY_SIZE", 4096); err != nil {
		return nil, err
	}

	// Scheduled re-sync; 0 leaves only notification and manual triggers
	if cfg.SyncInterval, err = seconds("SYNC_INTERVAL_SEC", 300); err != nil {
		return nil, err
	}
	if cfg.SyncRetryMax, err = integer("SYNC_RETRY_MAX", 3); err != nil {
		return nil, err
	}
	ms, err := integer("SYNC_RETRY_INITIAL_MS", 100)
	if err != nil {
		return nil, err
	}
	cfg.SyncRetryInitial = time.Duration(ms) * time.Millisecond
	if cfg.SyncStartTimeout, err = seconds("SYNC_START_TIMEOUT_SEC", 30); err != nil {
		return nil, err
	}

	// Empty subjects disable the corresponding NATS component
	cfg.RouteChangeSubject = lookupDefault("ROUTE_CHANGE_SUBJECT", "routes.changed")
	cfg.FixSubject = lookupDefault("FIX_SUBJECT", "fixes.>")
	cfg.EventSubjectPrefix = lookupDefault("EVENT_SUBJECT_PREFIX", "tracking")

	if cfg.TrackingIdleTimeout, err = seconds("TRACKING_IDLE_TIMEOUT_SEC", 600); err != nil {
		return nil, err
	}
	if v := os.Getenv("FIX_RATE_PER_SEC"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid FIX_RATE_PER_SEC: %q", v)
		}
		cfg.FixRatePerSec = f
	} else {
		cfg.FixRatePerSec = 5
	}
	if cfg.WSSendBuffer, err = integer("WS_SEND_BUFFER", 64); err != nil {
		return nil, err
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")

	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", "info"))
	cfg.LogFormat = strings.ToLower(getenvDefault("LOG_FORMAT", "json"))

	// Debug logging for NATS publish subjects
	if v := os.Getenv("LOG_NATS_SUBJECTS"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y", "on":
			cfg.LogNATSSubjects = true
		default:
			cfg.LogNATSSubjects = false
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func seconds(key string, def int) (time.Duration, error) {
	n, err := integer(key, def)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func integer(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// lookupDefault is getenvDefault except that an explicitly empty value is kept.
func lookupDefault(k, def string) string {
	if v, ok := os.LookupEnv(k); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}

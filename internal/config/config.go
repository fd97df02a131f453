package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"bus-tracker/internal/geo"
	"bus-tracker/internal/schedule"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Store             string
	DatabaseURL       string
	NATSURL           string
	NATSSubjectPrefix string
	PublishInterval   time.Duration
	JitterInterval    time.Duration // 0 when jitter is disabled
	RefreshInterval   time.Duration
	HTTPAddr          string
	MetricsAddr       string
	RoutingURL        string
	RoutingTimeout    time.Duration
	Schedule          schedule.Options
	Location          *time.Location
	LogNATSSubjects   bool
	SeedFile          string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the configuration from the process environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{}

	cfg.Store = strings.ToLower(getenvDefault("STORE", StorePostgres))
	switch cfg.Store {
	case StorePostgres, StoreMemory:
	default:
		return nil, fmt.Errorf("invalid STORE: %q", cfg.Store)
	}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	if cfg.Store == StorePostgres {
		dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
		if dsn == "" {
			host := getenvDefault("PGHOST", "127.0.0.1")
			port := getenvDefault("PGPORT", "5432")
			user := getenvDefault("PGUSER", "postgres")
			pass := os.Getenv("PGPASSWORD")
			db := os.Getenv("PGDATABASE")
			if db == "" {
				return nil, errors.New("PGDATABASE or DATABASE_URL must be set (or STORE=memory)")
			}
			sslmode := getenvDefault("PGSSLMODE", "disable")
			if pass != "" {
				dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
			} else {
				dsn = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
			}
		}
		cfg.DatabaseURL = dsn
	}

	// Empty NATS_URL with the memory store runs without a broker.
	if cfg.Store == StorePostgres {
		cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	} else {
		cfg.NATSURL = os.Getenv("NATS_URL")
	}
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "bus")

	var err error
	if cfg.PublishInterval, err = positiveDuration("PUBLISH_INTERVAL_MS", time.Millisecond, time.Second); err != nil {
		return nil, err
	}
	if cfg.RefreshInterval, err = positiveDuration("BUSES_REFRESH_INTERVAL_SEC", time.Second, 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.RoutingTimeout, err = positiveDuration("ROUTING_TIMEOUT_MS", time.Millisecond, 5*time.Second); err != nil {
		return nil, err
	}
	jitter, err := positiveDuration("JITTER_INTERVAL_SEC", time.Second, 30*time.Second)
	if err != nil {
		return nil, err
	}
	// Only the process acting for the drivers should enable jitter.
	if parseBool(os.Getenv("JITTER_ENABLED")) {
		cfg.JitterInterval = jitter
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	// Empty disables road routing; geometry then follows straight lines.
	cfg.RoutingURL = os.Getenv("ROUTING_URL")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))
	cfg.SeedFile = os.Getenv("SEED_FILE")

	cfg.Schedule = schedule.DefaultOptions()
	if v := os.Getenv("ORIGIN_NAME"); v != "" {
		cfg.Schedule.Origin.Name = v
	}
	if cfg.Schedule.Origin.Position, err = originPoint(cfg.Schedule.Origin.Position); err != nil {
		return nil, err
	}
	if v := os.Getenv("MORNING_START"); v != "" {
		if _, err := schedule.ParseClock(v); err != nil {
			return nil, fmt.Errorf("invalid MORNING_START: %w", err)
		}
		cfg.Schedule.MorningStart = v
	}
	if v := os.Getenv("DEFAULT_EVENING_START"); v != "" {
		if _, err := schedule.ParseClock(v); err != nil {
			return nil, fmt.Errorf("invalid DEFAULT_EVENING_START: %w", err)
		}
		cfg.Schedule.DefaultEveningStart = v
	}

	// Time zone
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

func originPoint(def geo.Point) (geo.Point, error) {
	p := def
	for _, f := range []struct {
		key string
		dst *float64
		lim float64
	}{{"ORIGIN_LAT", &p.Lat, 90}, {"ORIGIN_LON", &p.Lon, 180}} {
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		x, err := strconv.ParseFloat(v, 64)
		if err != nil || x < -f.lim || x > f.lim {
			return def, fmt.Errorf("invalid %s: %q", f.key, v)
		}
		*f.dst = x
	}
	return p, nil
}

func positiveDuration(key string, unit, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(n) * unit, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
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

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
	"gopkg.in/yaml.v3"

	"transit-planner/internal/gtfs"
	"transit-planner/internal/planner"
	"transit-planner/internal/routecache"
	"transit-planner/internal/tracker"
)

// Feed is one category entry of the feeds file.
type Feed struct {
	Category            gtfs.Category     `yaml:"category" validate:"required"`
	Kind                gtfs.CategoryKind `yaml:"kind" validate:"required,oneof=rail bus"`
	Schema              string            `yaml:"schema" validate:"required"`
	VehiclePositionsURL string            `yaml:"vehiclePositionsUrl" validate:"omitempty,url"`
}

type feedsFile struct {
	Feeds []Feed `yaml:"feeds" validate:"required,min=1,dive"`
}

type Config struct {
	DatabaseURL string
	// ScheduleDataset, when set, resolves the newest imported database whose
	// name matches it from latest_successful_imports.
	ScheduleDataset string

	NATSURL           string
	NATSSubjectPrefix string
	PublishVehicles   bool
	LogNATSSubjects   bool

	OpsAddr           string
	OpsAllowedOrigins []string
	LogLevel          string
	LogFormat         string

	FeedsFile string
	Feeds     []Feed

	CacheSchema    string
	CacheTable     string
	ClearOnRefresh bool

	Planner planner.Options
	Cache   routecache.Options
	Tracker tracker.Options
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL (cluster DSN): prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	cfg.ScheduleDataset = firstNonEmpty(os.Getenv("SCHEDULE_DATASET"), os.Getenv("CITY"))
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		// With a dataset to resolve, the base DB only has to hold the imports table.
		if db == "" && cfg.ScheduleDataset != "" {
			db = "postgres"
		}
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set (set PGDATABASE=postgres when using SCHEDULE_DATASET)")
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
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "vehicles")
	cfg.PublishVehicles = envBool("PUBLISH_VEHICLES")
	cfg.LogNATSSubjects = envBool("LOG_NATS_SUBJECTS")
	cfg.ClearOnRefresh = envBool("CLEAR_ON_REFRESH")

	// Ops listen address (e.g., ":9102") for /metrics and /healthz. Empty disables it.
	cfg.OpsAddr = os.Getenv("OPS_ADDR")
	for _, o := range strings.Split(os.Getenv("OPS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.OpsAllowedOrigins = append(cfg.OpsAllowedOrigins, o)
		}
	}
	cfg.LogLevel = strings.ToLower(getenvDefault("LOG_LEVEL", "info"))
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q", cfg.LogLevel)
	}
	cfg.LogFormat = strings.ToUpper(getenvDefault("LOG_FORMAT", "CONSOLE"))

	cfg.CacheSchema = getenvDefault("CACHE_SCHEMA", "public")
	cfg.CacheTable = getenvDefault("CACHE_TABLE", "route_cache")

	var err error
	if cfg.Planner, err = loadPlanner(); err != nil {
		return nil, err
	}
	if cfg.Cache, err = loadCache(); err != nil {
		return nil, err
	}
	if cfg.Tracker, err = loadTracker(); err != nil {
		return nil, err
	}

	cfg.FeedsFile = getenvDefault("FEEDS_FILE", "feeds.yml")
	cfg.Feeds, err = LoadFeeds(cfg.FeedsFile)
	if err != nil {
		return nil, err
	}
	cfg.Planner.Kinds = make(map[gtfs.Category]gtfs.CategoryKind, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		cfg.Planner.Kinds[f.Category] = f.Kind
	}

	return cfg, nil
}

// LoadFeeds reads and validates the feed registry.
func LoadFeeds(path string) ([]Feed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feeds file: %w", err)
	}
	var ff feedsFile
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse feeds file %s: %w", path, err)
	}
	if err := validator.New().Struct(ff); err != nil {
		return nil, fmt.Errorf("invalid feeds file %s: %w", path, err)
	}
	seen := make(map[gtfs.Category]bool, len(ff.Feeds))
	for _, f := range ff.Feeds {
		if seen[f.Category] {
			return nil, fmt.Errorf("invalid feeds file %s: duplicate category %q", path, f.Category)
		}
		seen[f.Category] = true
	}
	return ff.Feeds, nil
}

func loadPlanner() (planner.Options, error) {
	o := planner.DefaultOptions()
	var err error
	if o.WalkingThresholdKm, err = envFloat("WALKING_THRESHOLD_KM", o.WalkingThresholdKm); err != nil {
		return o, err
	}
	if o.FallbackRadiusKm, err = envFloat("FALLBACK_RADIUS_KM", o.FallbackRadiusKm); err != nil {
		return o, err
	}
	if o.FallbackRadiusKm < o.WalkingThresholdKm {
		return o, fmt.Errorf("FALLBACK_RADIUS_KM (%v) must not be below WALKING_THRESHOLD_KM (%v)", o.FallbackRadiusKm, o.WalkingThresholdKm)
	}
	if o.StopsPerEnd, err = envInt("STOPS_PER_END", o.StopsPerEnd); err != nil {
		return o, err
	}
	if o.MaxItineraries, err = envInt("MAX_ITINERARIES", o.MaxItineraries); err != nil {
		return o, err
	}
	if o.Search.MaxCombinations, err = envInt("MAX_COMBINATIONS", o.Search.MaxCombinations); err != nil {
		return o, err
	}
	if o.Search.TimeBudget, err = envMillis("SEARCH_TIME_BUDGET_MS", o.Search.TimeBudget); err != nil {
		return o, err
	}
	if o.Search.StatementTimeout, err = envMillis("STATEMENT_TIMEOUT_MS", o.Search.StatementTimeout); err != nil {
		return o, err
	}
	return o, nil
}

func loadCache() (routecache.Options, error) {
	o := routecache.DefaultOptions()
	var err error
	if o.Precision, err = envInt("CACHE_PRECISION", o.Precision); err != nil {
		return o, err
	}
	if v := os.Getenv("CACHE_PROXIMITY_STEPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return o, fmt.Errorf("invalid CACHE_PROXIMITY_STEPS: %q", v)
		}
		o.ProximitySteps = n
	}
	hours, err := envInt("CACHE_TTL_HOURS", int(o.TTL.Hours()))
	if err != nil {
		return o, err
	}
	o.TTL = time.Duration(hours) * time.Hour
	return o, nil
}

func loadTracker() (tracker.Options, error) {
	o := tracker.DefaultOptions()
	var (
		n   int
		err error
	)
	if n, err = envInt("VEHICLE_REFRESH_INTERVAL_SEC", int(o.Interval/time.Second)); err != nil {
		return o, err
	}
	o.Interval = time.Duration(n) * time.Second
	if n, err = envInt("VEHICLE_STALENESS_SEC", int(o.StalenessWindow/time.Second)); err != nil {
		return o, err
	}
	o.StalenessWindow = time.Duration(n) * time.Second
	if n, err = envInt("VEHICLE_FRESHNESS_MIN", int(o.FreshnessWindow/time.Minute)); err != nil {
		return o, err
	}
	o.FreshnessWindow = time.Duration(n) * time.Minute
	if n, err = envInt("VEHICLE_RETENTION_HOURS", int(o.Retention/time.Hour)); err != nil {
		return o, err
	}
	o.Retention = time.Duration(n) * time.Hour
	if n, err = envInt("FEED_FETCH_TIMEOUT_SEC", int(o.FetchTimeout/time.Second)); err != nil {
		return o, err
	}
	o.FetchTimeout = time.Duration(n) * time.Second
	return o, nil
}

func envFloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return f, nil
}

func envInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func envMillis(k string, def time.Duration) (time.Duration, error) {
	ms, err := envInt(k, int(def/time.Millisecond))
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func envBool(k string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
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

package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"transit-planner/internal/access"
	"transit-planner/internal/config"
	"transit-planner/internal/connections"
	"transit-planner/internal/db"
	"transit-planner/internal/gtfs"
	"transit-planner/internal/metrics"
	"transit-planner/internal/planner"
	"transit-planner/internal/publisher"
	"transit-planner/internal/routecache"
	"transit-planner/internal/shapes"
	"transit-planner/internal/stops"
	"transit-planner/internal/tracker"
)

// app holds every component bound to one schedule database.
type app struct {
	db      *sql.DB
	dataset string

	locator *stops.Locator
	cache   *routecache.Cache
	planner *planner.Planner
	tracker *tracker.Tracker
}

// resolveDSN picks the schedule database. With a dataset configured the newest
// successful import is read from the cluster's "postgres" database first.
func resolveDSN(ctx context.Context, cfg *config.Config) (dsn, dataset string, err error) {
	if cfg.ScheduleDataset == "" {
		return cfg.DatabaseURL, "", nil
	}
	rootDSN, err := db.WithDBName(cfg.DatabaseURL, "postgres")
	if err != nil {
		return "", "", fmt.Errorf("invalid base DSN: %w", err)
	}
	metaDB, err := db.Open(rootDSN)
	if err != nil {
		return "", "", fmt.Errorf("db open (meta): %w", err)
	}
	defer metaDB.Close()
	if err := db.Ping(ctx, metaDB); err != nil {
		return "", "", fmt.Errorf("db ping (meta): %w", err)
	}
	ds, err := db.ResolveLatestDataset(ctx, metaDB, cfg.ScheduleDataset)
	if err != nil {
		return "", "", fmt.Errorf("resolve latest import for dataset %q: %w", cfg.ScheduleDataset, err)
	}
	dsn, err = db.WithDBName(cfg.DatabaseURL, ds.DBName)
	if err != nil {
		return "", "", fmt.Errorf("compose DSN: %w", err)
	}
	log.Info().Str("database", ds.DBName).Time("imported_at", ds.ImportedAt).Str("dataset", cfg.ScheduleDataset).Msg("using imported schedule database")
	return dsn, ds.DBName, nil
}

// openApp connects, validates the configured feeds against the database and
// builds the components. mcol and pub are shared across database switches;
// pub may be nil.
func openApp(ctx context.Context, cfg *config.Config, mcol *metrics.Collector, pub *publisher.NATSPublisher) (*app, error) {
	dsn, dataset, err := resolveDSN(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("db ping %s: %w", db.Redact(dsn), err)
	}

	tables := make([]db.FeedTables, 0, len(cfg.Feeds))
	feeds := make([]tracker.Feed, 0, len(cfg.Feeds))
	withoutRealtime := make(map[gtfs.Category]bool)
	for _, f := range cfg.Feeds {
		tables = append(tables, db.FeedTables{Category: f.Category, Schema: f.Schema})
		feeds = append(feeds, tracker.Feed{Category: f.Category, URL: f.VehiclePositionsURL})
		if f.VehiclePositionsURL == "" {
			withoutRealtime[f.Category] = true
		}
	}
	reg, err := db.NewRegistry(tables)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := reg.Validate(ctx, sqlDB, withoutRealtime); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("validate feeds: %w", err)
	}

	cacheStore, err := db.NewCacheStore(sqlDB, cfg.CacheSchema, cfg.CacheTable)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	// The cache fails open, so a missing table only costs hit rate.
	if err := cacheStore.Validate(ctx, cfg.CacheSchema, cfg.CacheTable); err != nil {
		log.Warn().Err(err).Msg("route cache table unusable, planning without cache")
	}

	schedule := db.NewScheduleStore(sqlDB, reg, cfg.Planner.Search.StatementTimeout)
	locator := stops.NewLocator(schedule)
	cache := routecache.New(cacheStore, cfg.Cache, mcol)
	p := planner.New(
		locator,
		connections.NewFinder(schedule),
		shapes.NewMatcher(schedule, shapes.DefaultOptions()),
		cache,
		access.NewAdvisor(access.DefaultAdvisorOptions()),
		mcol,
		cfg.Planner,
	)

	var tpub tracker.Publisher
	if pub != nil {
		tpub = pub
	}
	t := tracker.New(feeds, db.NewVehicleStore(sqlDB, reg), cfg.Tracker, tpub, mcol)

	return &app{
		db:      sqlDB,
		dataset: dataset,
		locator: locator,
		cache:   cache,
		planner: p,
		tracker: t,
	}, nil
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

// withApp runs fn against a freshly opened app.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	mcol := metrics.NewCollector(cfg.Tracker.Interval, cfg.Cache.TTL)
	a, err := openApp(ctx, cfg, mcol, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"transit-planner/internal/config"
	"transit-planner/internal/db"
	"transit-planner/internal/metrics"
	"transit-planner/internal/opsserver"
	"transit-planner/internal/publisher"
	"transit-planner/internal/tracker"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the vehicle refresh scheduler and the ops server until interrupted",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "dataset-check",
				Value: 30 * time.Minute,
				Usage: "how often to look for a newer imported schedule database (needs SCHEDULE_DATASET)",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			// Root context with cancellation on SIGINT/SIGTERM
			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, c.Duration("dataset-check"))
		},
	}
}

// running is the app currently served plus its scheduler. The dataset watcher
// swaps it when a newer import appears.
type running struct {
	mu    sync.RWMutex
	app   *app
	sched *tracker.Scheduler
}

func (r *running) current() *app {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.app
}

func (r *running) start(ctx context.Context, a *app, clearOnRefresh bool) {
	sched := tracker.NewScheduler(a.tracker, clearOnRefresh)
	sched.Start(ctx)
	r.mu.Lock()
	r.app, r.sched = a, sched
	r.mu.Unlock()
}

func (r *running) stop() {
	r.mu.Lock()
	a, sched := r.app, r.sched
	r.app, r.sched = nil, nil
	r.mu.Unlock()
	if sched != nil {
		sched.Stop()
	}
	if a != nil {
		a.Close()
	}
}

func serve(ctx context.Context, cfg *config.Config, datasetCheck time.Duration) error {
	mcol := metrics.NewCollector(cfg.Tracker.Interval, cfg.Cache.TTL)

	var pub *publisher.NATSPublisher
	if cfg.PublishVehicles {
		p, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			return fmt.Errorf("nats error: %w", err)
		}
		defer p.Close()
		pub = p
	}

	a, err := openApp(ctx, cfg, mcol, pub)
	if err != nil {
		return err
	}
	run := &running{}
	run.start(ctx, a, cfg.ClearOnRefresh)
	defer run.stop()

	ops := opsserver.New(opsserver.Options{Addr: cfg.OpsAddr, AllowedOrigins: cfg.OpsAllowedOrigins}, mcol.Handler(), map[string]opsserver.Check{
		"database": func(ctx context.Context) (any, bool) {
			cur := run.current()
			if cur == nil {
				return map[string]string{"database": "switching"}, false
			}
			return opsserver.DatabaseCheck(func(ctx context.Context) error { return db.Ping(ctx, cur.db) })(ctx)
		},
		"vehicles": func(ctx context.Context) (any, bool) {
			cur := run.current()
			if cur == nil {
				return nil, false
			}
			rep := cur.tracker.Health(ctx)
			return rep, rep.Healthy
		},
	})
	ops.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = ops.Shutdown(shutdownCtx)
	}()

	if cfg.ScheduleDataset != "" && datasetCheck > 0 {
		go watchDataset(ctx, cfg, datasetCheck, run, mcol, pub)
	}

	<-ctx.Done()
	log.Info().Msg("shutdown complete")
	return nil
}

// watchDataset re-resolves the latest import periodically and switches to it
// when the name changes or the current database stops answering.
func watchDataset(ctx context.Context, cfg *config.Config, every time.Duration, run *running, mcol *metrics.Collector, pub *publisher.NATSPublisher) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cur := run.current()
		var pingErr error
		if cur != nil {
			if pingErr = db.Ping(ctx, cur.db); pingErr != nil {
				log.Warn().Err(pingErr).Msg("db ping failed, re-resolving schedule database")
			}
		}
		_, name, err := resolveDSN(ctx, cfg)
		if err != nil {
			log.Error().Err(err).Msg("resolve latest import failed")
			continue
		}
		reason, needSwitch := switchReason(cur, pingErr, name)
		if !needSwitch {
			continue
		}
		if reason == "update" {
			log.Info().Str("from", cur.dataset).Str("to", name).Msg("detected newer schedule database")
		}

		next, err := openApp(ctx, cfg, mcol, pub)
		if err != nil {
			log.Error().Err(err).Msg("open new schedule database failed, keeping current")
			continue
		}
		run.stop()
		run.start(ctx, next, cfg.ClearOnRefresh)
		mcol.DBSwitched(reason)
		log.Info().Str("database", next.dataset).Str("reason", reason).Msg("switched schedule database")
	}
}

// switchReason reports whether the watcher should reopen the schedule
// database and the reason label for the switch counter.
func switchReason(cur *app, pingErr error, latest string) (string, bool) {
	switch {
	case cur == nil:
		return "unavailable", true
	case pingErr != nil:
		return "ping_failure", true
	case latest != cur.dataset:
		return "update", true
	default:
		return "", false
	}
}

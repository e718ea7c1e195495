package tracker

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"transit-planner/internal/errs"
	"transit-planner/internal/geo"
	"transit-planner/internal/gtfs"
)

func (t *Tracker) since(minutesOld int) time.Time {
	window := t.opts.FreshnessWindow
	if minutesOld > 0 {
		window = time.Duration(minutesOld) * time.Minute
	}
	return t.now().Add(-window)
}

// Latest returns the newest position per vehicle of cat seen within
// minutesOld minutes (the freshness window when minutesOld <= 0).
func (t *Tracker) Latest(ctx context.Context, cat gtfs.Category, minutesOld int) ([]gtfs.VehiclePosition, error) {
	const op = "tracker.Latest"
	if _, err := t.feed(op, cat); err != nil {
		return nil, err
	}
	t.EnsureFresh(ctx, cat)
	out, err := t.store.LatestPositions(ctx, cat, t.since(minutesOld))
	if err != nil {
		return nil, errs.Persistence(op, err)
	}
	return out, nil
}

// Nearby returns vehicles within radiusKm of (lat, lon), nearest first. An
// empty cat searches every category; a failing category is logged and skipped
// unless all of them fail.
func (t *Tracker) Nearby(ctx context.Context, lat, lon, radiusKm float64, cat gtfs.Category, minutesOld int) ([]gtfs.VehiclePosition, error) {
	const op = "tracker.Nearby"
	if !geo.ValidLatLon(lat, lon) {
		return nil, errs.Validation(op, "invalid coordinates (%f, %f)", lat, lon)
	}
	if radiusKm <= 0 {
		return nil, errs.Validation(op, "radius must be positive, got %f", radiusKm)
	}
	cats := t.order
	if cat != "" {
		if _, err := t.feed(op, cat); err != nil {
			return nil, err
		}
		cats = []gtfs.Category{cat}
	}
	since := t.since(minutesOld)
	var (
		out      []gtfs.VehiclePosition
		failures int
		lastErr  error
	)
	for _, c := range cats {
		t.EnsureFresh(ctx, c)
		vs, err := t.store.NearbyPositions(ctx, c, lat, lon, radiusKm, since)
		if err != nil {
			failures++
			lastErr = err
			log.Warn().Err(err).Str("category", string(c)).Msg("nearby vehicles query failed")
			continue
		}
		out = append(out, vs...)
	}
	if len(cats) > 0 && failures == len(cats) {
		return nil, errs.Persistence(op, lastErr)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

// ForRoute returns vehicles on routeID, optionally narrowed by direction and a
// stop-sequence window.
func (t *Tracker) ForRoute(ctx context.Context, cat gtfs.Category, routeID string, f RouteFilter) ([]gtfs.VehiclePosition, error) {
	const op = "tracker.ForRoute"
	if _, err := t.feed(op, cat); err != nil {
		return nil, err
	}
	if routeID == "" {
		return nil, errs.Validation(op, "route id is required")
	}
	if f.MinStopSequence != nil && f.MaxStopSequence != nil && *f.MinStopSequence > *f.MaxStopSequence {
		return nil, errs.Validation(op, "min stop sequence %d exceeds max %d", *f.MinStopSequence, *f.MaxStopSequence)
	}
	t.EnsureFresh(ctx, cat)
	out, err := t.store.RoutePositions(ctx, cat, routeID, f, t.since(f.MinutesOld))
	if err != nil {
		return nil, errs.Persistence(op, err)
	}
	return out, nil
}

type SweepResult struct {
	Category gtfs.Category `json:"category"`
	Deleted  int64         `json:"deleted"`
	Error    string        `json:"error,omitempty"`
}

// Sweep deletes positions older than retention in every category.
func (t *Tracker) Sweep(ctx context.Context, retention time.Duration) []SweepResult {
	if retention <= 0 {
		retention = t.opts.Retention
	}
	cutoff := t.now().Add(-retention)
	out := make([]SweepResult, 0, len(t.order))
	for _, cat := range t.order {
		res := SweepResult{Category: cat}
		n, err := t.store.DeletePositionsBefore(ctx, cat, cutoff)
		if err != nil {
			res.Error = err.Error()
			log.Error().Err(err).Str("category", string(cat)).Msg("vehicle retention sweep failed")
		} else {
			res.Deleted = n
			if n > 0 {
				log.Info().Str("category", string(cat)).Int64("deleted", n).Msg("vehicle retention sweep")
			}
		}
		out = append(out, res)
	}
	return out
}

type CategoryHealth struct {
	Category     gtfs.Category `json:"category"`
	RecentRows   int           `json:"recentRows"`
	LatestUpdate *time.Time    `json:"latestUpdate,omitempty"`
	Stale        bool          `json:"stale"`
	Error        string        `json:"error,omitempty"`
}

type HealthReport struct {
	Healthy    bool             `json:"healthy"`
	Categories []CategoryHealth `json:"categories"`
	CheckedAt  time.Time        `json:"checkedAt"`
}

// Health reports, per category, the rows seen within the freshness window
// and the latest update. Healthy is false when any category errors or is stale.
func (t *Tracker) Health(ctx context.Context) HealthReport {
	now := t.now()
	rep := HealthReport{Healthy: true, CheckedAt: now}
	for _, cat := range t.order {
		h := CategoryHealth{Category: cat}
		latest, err := t.store.LatestFetch(ctx, cat)
		if err == nil {
			h.RecentRows, err = t.store.CountPositionsSince(ctx, cat, now.Add(-t.opts.FreshnessWindow))
		}
		if err != nil {
			h.Error = err.Error()
			rep.Healthy = false
		} else {
			if !latest.IsZero() {
				l := latest
				h.LatestUpdate = &l
			}
			h.Stale = latest.IsZero() || now.Sub(latest) > t.opts.FreshnessWindow
			if h.Stale {
				rep.Healthy = false
			}
		}
		rep.Categories = append(rep.Categories, h)
	}
	return rep
}

package tracker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"transit-planner/internal/errs"
	"transit-planner/internal/gtfs"
)

// Feed is one category's GTFS-Realtime vehicle-positions endpoint.
type Feed struct {
	Category gtfs.Category
	URL      string
}

type Options struct {
	Interval        time.Duration
	StalenessWindow time.Duration
	FreshnessWindow time.Duration
	Retention       time.Duration
	FetchTimeout    time.Duration

	MaxRetries           uint64
	RetryInitialInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		Interval:             30 * time.Second,
		StalenessWindow:      2 * time.Minute,
		FreshnessWindow:      10 * time.Minute,
		Retention:            24 * time.Hour,
		FetchTimeout:         15 * time.Second,
		MaxRetries:           2,
		RetryInitialInterval: 500 * time.Millisecond,
	}
}

// RouteFilter narrows ForRoute. Nil fields do not filter.
type RouteFilter struct {
	DirectionID     *int
	MinStopSequence *int
	MaxStopSequence *int
	MinutesOld      int
}

// Store persists positions per category. ReplacePositions runs as one
// transaction: optional delete, then upsert on (vehicle_id, position_timestamp).
// The position queries pick each vehicle's newest row since since and only then
// apply their radius or route filters.
type Store interface {
	ReplacePositions(ctx context.Context, cat gtfs.Category, batch []gtfs.VehiclePosition, clearOld bool) (int, error)
	// LatestFetch is the newest fetched_at for cat, zero when empty.
	LatestFetch(ctx context.Context, cat gtfs.Category) (time.Time, error)
	LatestPositions(ctx context.Context, cat gtfs.Category, since time.Time) ([]gtfs.VehiclePosition, error)
	NearbyPositions(ctx context.Context, cat gtfs.Category, lat, lon, radiusKm float64, since time.Time) ([]gtfs.VehiclePosition, error)
	RoutePositions(ctx context.Context, cat gtfs.Category, routeID string, f RouteFilter, since time.Time) ([]gtfs.VehiclePosition, error)
	DeletePositionsBefore(ctx context.Context, cat gtfs.Category, cutoff time.Time) (int64, error)
	CountPositionsSince(ctx context.Context, cat gtfs.Category, since time.Time) (int, error)
}

type Publisher interface {
	PublishVehicles(cat gtfs.Category, batch []gtfs.VehiclePosition) (int, error)
}

type Metrics interface {
	RefreshObserved(category string, err error, d time.Duration, stored, skipped int)
}

type Tracker struct {
	feeds   map[gtfs.Category]Feed
	order   []gtfs.Category
	store   Store
	client  *http.Client
	pub     Publisher
	metrics Metrics
	opts    Options
	now     func() time.Time
}

// New builds a tracker. pub and m may be nil.
func New(feeds []Feed, store Store, opts Options, pub Publisher, m Metrics) *Tracker {
	t := &Tracker{
		feeds:   make(map[gtfs.Category]Feed, len(feeds)),
		store:   store,
		client:  &http.Client{},
		pub:     pub,
		metrics: m,
		opts:    opts,
		now:     time.Now,
	}
	for _, f := range feeds {
		if f.URL == "" {
			continue
		}
		if _, dup := t.feeds[f.Category]; dup {
			continue
		}
		t.feeds[f.Category] = f
		t.order = append(t.order, f.Category)
	}
	return t
}

func (t *Tracker) Categories() []gtfs.Category {
	out := make([]gtfs.Category, len(t.order))
	copy(out, t.order)
	return out
}

func (t *Tracker) feed(op string, cat gtfs.Category) (Feed, error) {
	f, ok := t.feeds[cat]
	if !ok {
		return Feed{}, errs.Validation(op, "no realtime feed for category %q", cat)
	}
	return f, nil
}

type RefreshReport struct {
	Category   gtfs.Category `json:"category"`
	BatchID    string        `json:"batchId,omitempty"`
	Entities   int           `json:"entities"`
	Stored     int           `json:"stored"`
	Skipped    int           `json:"skipped"`
	Published  int           `json:"published"`
	ClearedOld bool          `json:"clearedOld"`
	FeedTime   time.Time     `json:"feedTime,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Refresh fetches, decodes and stores one category's feed. With clearOld the
// category's rows are replaced by this batch; otherwise rows are upserted.
func (t *Tracker) Refresh(ctx context.Context, cat gtfs.Category, clearOld bool) (RefreshReport, error) {
	start := time.Now()
	rep := RefreshReport{Category: cat, ClearedOld: clearOld}
	err := t.refresh(ctx, cat, clearOld, &rep)
	rep.Duration = time.Since(start)
	if err != nil {
		rep.Error = err.Error()
	}
	if t.metrics != nil {
		t.metrics.RefreshObserved(string(cat), err, rep.Duration, rep.Stored, rep.Skipped)
	}
	ev := log.Info()
	if err != nil {
		ev = log.Error().Err(err)
	}
	ev.Str("category", string(cat)).
		Str("batch", rep.BatchID).
		Int("stored", rep.Stored).
		Int("skipped", rep.Skipped).
		Dur("took", rep.Duration).
		Msg("vehicle positions refresh")
	return rep, err
}

func (t *Tracker) refresh(ctx context.Context, cat gtfs.Category, clearOld bool, rep *RefreshReport) error {
	const op = "tracker.Refresh"
	f, err := t.feed(op, cat)
	if err != nil {
		return err
	}
	body, err := t.fetch(ctx, f.URL)
	if err != nil {
		return errs.Upstream(op, fmt.Errorf("fetch %s: %w", cat, err))
	}
	fetchedAt := t.now()
	dec, err := decodeFeed(body, cat, fetchedAt)
	if err != nil {
		return errs.Upstream(op, fmt.Errorf("decode %s: %w", cat, err))
	}
	rep.Entities = dec.Entities
	rep.Skipped = dec.Skipped
	rep.FeedTime = dec.HeaderTime

	rep.BatchID = uuid.NewString()
	for i := range dec.Positions {
		dec.Positions[i].BatchID = rep.BatchID
	}
	n, err := t.store.ReplacePositions(ctx, cat, dec.Positions, clearOld)
	if err != nil {
		return errs.Persistence(op, fmt.Errorf("store %s: %w", cat, err))
	}
	rep.Stored = n

	if t.pub != nil && len(dec.Positions) > 0 {
		pubN, err := t.pub.PublishVehicles(cat, dec.Positions)
		rep.Published = pubN
		if err != nil {
			log.Warn().Err(err).Str("category", string(cat)).Msg("vehicle fan-out incomplete")
		}
	}
	return nil
}

// RefreshAll refreshes every category concurrently. A failing category does
// not affect the others; its report carries the error.
func (t *Tracker) RefreshAll(ctx context.Context, clearOld bool) []RefreshReport {
	reports := make([]RefreshReport, len(t.order))
	p := pool.New().WithMaxGoroutines(max(1, len(t.order)))
	for i, cat := range t.order {
		p.Go(func() {
			reports[i], _ = t.Refresh(ctx, cat, clearOld)
		})
	}
	p.Wait()
	return reports
}

// EnsureFresh refreshes cat when its newest row is older than the staleness
// window. Failures are logged and stale data keeps being served.
func (t *Tracker) EnsureFresh(ctx context.Context, cat gtfs.Category) bool {
	if _, ok := t.feeds[cat]; !ok {
		return false
	}
	latest, err := t.store.LatestFetch(ctx, cat)
	if err != nil {
		log.Warn().Err(err).Str("category", string(cat)).Msg("staleness check failed")
		return false
	}
	if !latest.IsZero() && t.now().Sub(latest) <= t.opts.StalenessWindow {
		return false
	}
	log.Debug().Str("category", string(cat)).Time("latest", latest).Msg("vehicle positions stale, refreshing")
	if _, err := t.Refresh(ctx, cat, false); err != nil {
		return false
	}
	return true
}

package routecache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"transit-planner/internal/errs"
	"transit-planner/internal/geo"
)

type Options struct {
	// Precision is the number of decimals kept when quantizing coordinates.
	// 3 decimals is roughly 110 m of latitude.
	Precision int
	// ProximitySteps bounds nearby matches to this many quantization steps
	// on every coordinate.
	ProximitySteps int
	TTL            time.Duration
}

func DefaultOptions() Options {
	return Options{Precision: 3, ProximitySteps: 2, TTL: 7 * 24 * time.Hour}
}

// Key is a quantized origin/destination pair plus travel mode.
type Key struct {
	OriginLat float64
	OriginLon float64
	DestLat   float64
	DestLon   float64
	Mode      string
}

// Reverse swaps origin and destination.
func (k Key) Reverse() Key {
	return Key{OriginLat: k.DestLat, OriginLon: k.DestLon, DestLat: k.OriginLat, DestLon: k.OriginLon, Mode: k.Mode}
}

func (k Key) String() string {
	return fmt.Sprintf("%s %.6f,%.6f->%.6f,%.6f", k.Mode, k.OriginLat, k.OriginLon, k.DestLat, k.DestLon)
}

// Payload holds scalar results for point-to-point modes, or an opaque JSON
// document in Data for full itinerary sets.
type Payload struct {
	DistanceKm  float64         `json:"distanceKm"`
	DurationMin float64         `json:"durationMin"`
	EmissionsKg float64         `json:"emissionsKg"`
	Geometry    string          `json:"geometry,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type Entry struct {
	ID        int64
	Key       Key
	Payload   Payload
	HitCount  int
	CreatedAt time.Time
	ExpiresAt time.Time
}

type Match string

const (
	MatchExact   Match = "exact"
	MatchReverse Match = "reverse"
	MatchNearby  Match = "nearby"
)

// Hit is a successful lookup. Reversed is set when the stored entry runs from
// the requested destination to the requested origin.
type Hit struct {
	Payload  Payload `json:"payload"`
	Match    Match   `json:"match"`
	Reversed bool    `json:"reversed"`
	HitCount int     `json:"hitCount"`
	Stored   Key     `json:"-"`
}

type Stats struct {
	Entries   int64            `json:"entries"`
	Live      int64            `json:"live"`
	Expired   int64            `json:"expired"`
	TotalHits int64            `json:"totalHits"`
	ByMode    map[string]int64 `json:"byMode"`
}

// Store persists entries. Lookups ignore rows expired at now.
type Store interface {
	FindExact(ctx context.Context, k Key, now time.Time) (*Entry, error)
	// FindNearby returns the live entry for k.Mode closest to k by the sum of
	// absolute coordinate differences, within maxDelta on every coordinate.
	FindNearby(ctx context.Context, k Key, maxDelta float64, now time.Time) (*Entry, error)
	Touch(ctx context.Context, id int64, expiresAt time.Time) (int, error)
	Upsert(ctx context.Context, e Entry) error
	Stats(ctx context.Context, now time.Time) (Stats, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Metrics receives one observation per lookup: a Match value or "miss".
type Metrics interface {
	CacheLookup(result string)
}

type Cache struct {
	store   Store
	opts    Options
	metrics Metrics
	now     func() time.Time
}

func New(store Store, opts Options, m Metrics) *Cache {
	if opts.Precision <= 0 {
		opts.Precision = DefaultOptions().Precision
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultOptions().TTL
	}
	if opts.ProximitySteps < 0 {
		opts.ProximitySteps = 0
	}
	return &Cache{store: store, opts: opts, metrics: m, now: time.Now}
}

func (c *Cache) step() float64 { return math.Pow(10, -float64(c.opts.Precision)) }

func (c *Cache) quantize(v float64) float64 {
	scale := math.Pow(10, float64(c.opts.Precision))
	return math.Round(v*scale) / scale
}

// Quantize rounds both endpoints to the cache precision.
func (c *Cache) Quantize(originLat, originLon, destLat, destLon float64, mode string) Key {
	return Key{
		OriginLat: c.quantize(originLat),
		OriginLon: c.quantize(originLon),
		DestLat:   c.quantize(destLat),
		DestLon:   c.quantize(destLon),
		Mode:      mode,
	}
}

func validPair(originLat, originLon, destLat, destLon float64, mode string) error {
	if !geo.ValidLatLon(originLat, originLon) || !geo.ValidLatLon(destLat, destLon) {
		return errs.Validation("routecache", "invalid coordinates")
	}
	if mode == "" {
		return errs.Validation("routecache", "mode is required")
	}
	return nil
}

// Get looks up exact forward, exact reverse, then nearby forward and reverse
// entries. Store failures are logged and reported as a miss.
func (c *Cache) Get(ctx context.Context, originLat, originLon, destLat, destLon float64, mode string) (*Hit, bool) {
	if err := validPair(originLat, originLon, destLat, destLon, mode); err != nil {
		c.observe("miss")
		return nil, false
	}
	k := c.Quantize(originLat, originLon, destLat, destLon, mode)
	hit, err := c.lookup(ctx, k)
	if err != nil {
		log.Warn().Err(err).Str("key", k.String()).Msg("route cache lookup failed, treating as miss")
		c.observe("miss")
		return nil, false
	}
	if hit == nil {
		c.observe("miss")
		return nil, false
	}
	c.observe(string(hit.Match))
	return hit, true
}

func (c *Cache) lookup(ctx context.Context, k Key) (*Hit, error) {
	now := c.now()
	if e, err := c.store.FindExact(ctx, k, now); err != nil || e != nil {
		return c.hit(ctx, e, MatchExact, false, err)
	}
	if e, err := c.store.FindExact(ctx, k.Reverse(), now); err != nil || e != nil {
		return c.hit(ctx, e, MatchReverse, true, err)
	}
	if c.opts.ProximitySteps == 0 {
		return nil, nil
	}
	// Half a step of slack absorbs float error at the boundary.
	maxDelta := (float64(c.opts.ProximitySteps) + 0.5) * c.step()
	if e, err := c.store.FindNearby(ctx, k, maxDelta, now); err != nil || e != nil {
		return c.hit(ctx, e, MatchNearby, false, err)
	}
	if e, err := c.store.FindNearby(ctx, k.Reverse(), maxDelta, now); err != nil || e != nil {
		return c.hit(ctx, e, MatchNearby, true, err)
	}
	return nil, nil
}

func (c *Cache) hit(ctx context.Context, e *Entry, m Match, reversed bool, err error) (*Hit, error) {
	if err != nil {
		return nil, err
	}
	hits, err := c.store.Touch(ctx, e.ID, c.now().Add(c.opts.TTL))
	if err != nil {
		return nil, err
	}
	return &Hit{Payload: e.Payload, Match: m, Reversed: reversed, HitCount: hits, Stored: e.Key}, nil
}

// Set upserts the payload under the quantized key. Errors are for logging;
// callers must not fail a request on them.
func (c *Cache) Set(ctx context.Context, originLat, originLon, destLat, destLon float64, mode string, p Payload) error {
	if err := validPair(originLat, originLon, destLat, destLon, mode); err != nil {
		return err
	}
	now := c.now()
	e := Entry{
		Key:       c.Quantize(originLat, originLon, destLat, destLon, mode),
		Payload:   p,
		CreatedAt: now,
		ExpiresAt: now.Add(c.opts.TTL),
	}
	if err := c.store.Upsert(ctx, e); err != nil {
		return errs.Persistence("routecache.Set", err)
	}
	return nil
}

func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	s, err := c.store.Stats(ctx, c.now())
	if err != nil {
		return Stats{}, errs.Persistence("routecache.Stats", err)
	}
	return s, nil
}

// CleanExpired deletes entries whose expiry has passed and returns how many.
func (c *Cache) CleanExpired(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteExpired(ctx, c.now())
	if err != nil {
		return 0, errs.Persistence("routecache.CleanExpired", err)
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Msg("route cache sweep")
	}
	return n, nil
}

func (c *Cache) observe(result string) {
	if c.metrics != nil {
		c.metrics.CacheLookup(result)
	}
}

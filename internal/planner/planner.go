// Package planner assembles door-to-door transit itineraries from nearby
// stops, connection search and shape geometry, backed by the route cache.
package planner

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"transit-planner/internal/access"
	"transit-planner/internal/connections"
	"transit-planner/internal/errs"
	"transit-planner/internal/geo"
	"transit-planner/internal/gtfs"
	"transit-planner/internal/routecache"
	"transit-planner/internal/shapes"
	"transit-planner/internal/stops"
)

type Options struct {
	WalkingThresholdKm   float64
	FallbackRadiusKm     float64
	StopSearchLimit      int
	StopsPerEnd          int
	ShortTripKm          float64
	WalkingSpeedKmh      float64
	TransferDwellMin     float64
	DirectPreferenceMin  float64
	MaterialLegReduction int
	MaxItineraries       int
	MinWalkKm            float64
	Search               connections.Policy
	// Kinds classifies categories for the rail-first preference on long trips.
	Kinds map[gtfs.Category]gtfs.CategoryKind
}

func DefaultOptions() Options {
	return Options{
		WalkingThresholdKm:   1.5,
		FallbackRadiusKm:     5,
		StopSearchLimit:      10,
		StopsPerEnd:          5,
		ShortTripKm:          5,
		WalkingSpeedKmh:      4.8,
		TransferDwellMin:     5,
		DirectPreferenceMin:  5,
		MaterialLegReduction: 2,
		MaxItineraries:       5,
		MinWalkKm:            0.01,
		Search:               connections.DefaultPolicy(),
	}
}

type StopLocator interface {
	NearbyWithFallback(ctx context.Context, q stops.Query, fallbackKm float64) (stops.FallbackResult, error)
}

type ConnectionFinder interface {
	Search(ctx context.Context, origins, destinations []gtfs.Stop, p connections.Policy) (connections.Result, error)
}

type ShapeMatcher interface {
	Match(ctx context.Context, req shapes.Request) (*shapes.Segment, error)
}

type RouteCache interface {
	Get(ctx context.Context, originLat, originLon, destLat, destLon float64, mode string) (*routecache.Hit, bool)
	Set(ctx context.Context, originLat, originLon, destLat, destLon float64, mode string, p routecache.Payload) error
}

type Metrics interface {
	PlanObserved(status string, truncation string, d time.Duration)
}

type Status string

const (
	StatusOK              Status = "ok"
	StatusNoWalkableStops Status = "no_walkable_stops"
	StatusNotServiced     Status = "not_serviced"
	StatusNotConnected    Status = "not_connected"
)

const (
	msgNotConnected    = "origin and destination are not well connected by the sampled routes"
	msgNotServiced     = "no transit stops found near the origin or destination"
	msgNoWalkableStops = "the nearest stops are beyond walking distance"
)

type Request struct {
	OriginLat float64 `json:"originLat"`
	OriginLon float64 `json:"originLon"`
	DestLat   float64 `json:"destLat"`
	DestLon   float64 `json:"destLon"`
}

// Plan is the outcome of a planning request. Failures rooted in missing
// data are reported through Status with candidate stops and access advice
// rather than as errors.
type Plan struct {
	Status              Status                 `json:"status"`
	Success             bool                   `json:"success"`
	Message             string                 `json:"message,omitempty"`
	StraightLineKm      float64                `json:"straightLineKm"`
	Itineraries         []Itinerary            `json:"itineraries"`
	OriginStops         []gtfs.Stop            `json:"originStops,omitempty"`
	DestinationStops    []gtfs.Stop            `json:"destinationStops,omitempty"`
	OriginAccess        *access.Advice         `json:"originAccess,omitempty"`
	DestinationAccess   *access.Advice         `json:"destinationAccess,omitempty"`
	Truncation          connections.Truncation `json:"truncation,omitempty"`
	CombinationsChecked int                    `json:"combinationsChecked"`
	Cached              bool                   `json:"cached"`
	CacheMatch          routecache.Match       `json:"cacheMatch,omitempty"`
}

type Planner struct {
	locator   StopLocator
	finder    ConnectionFinder
	shapes    ShapeMatcher
	cache     RouteCache
	advisor   *access.Advisor
	estimator *access.Estimator
	metrics   Metrics
	opts      Options
}

// New wires the planner. shapes, cache and m may be nil.
func New(locator StopLocator, finder ConnectionFinder, sm ShapeMatcher, cache RouteCache, advisor *access.Advisor, m Metrics, opts Options) *Planner {
	if advisor == nil {
		advisor = access.NewAdvisor(access.DefaultAdvisorOptions())
	}
	return &Planner{
		locator:   locator,
		finder:    finder,
		shapes:    sm,
		cache:     cache,
		advisor:   advisor,
		estimator: access.NewEstimator(),
		metrics:   m,
		opts:      opts,
	}
}

func (r Request) validate(op string) error {
	if !geo.ValidLatLon(r.OriginLat, r.OriginLon) || !geo.ValidLatLon(r.DestLat, r.DestLon) {
		return errs.Validation(op, "invalid coordinates (%f, %f) -> (%f, %f)", r.OriginLat, r.OriginLon, r.DestLat, r.DestLon)
	}
	return nil
}

func (r Request) origin() Place { return Place{Name: "origin", Lat: r.OriginLat, Lon: r.OriginLon} }
func (r Request) dest() Place   { return Place{Name: "destination", Lat: r.DestLat, Lon: r.DestLon} }

// Plan returns ranked itineraries between two points. Trips within walking
// distance (inclusive) are a single walk. Forward cache hits are returned
// as stored; successful plans are cached.
func (p *Planner) Plan(ctx context.Context, req Request) (plan *Plan, err error) {
	const op = "planner.Plan"
	start := time.Now()
	if p.metrics != nil {
		// Failed plans are labelled with their error kind.
		defer func() {
			if err != nil {
				p.metrics.PlanObserved(errs.KindOf(err).String(), "", time.Since(start))
				return
			}
			p.metrics.PlanObserved(string(plan.Status), string(plan.Truncation), time.Since(start))
		}()
	}
	if err := req.validate(op); err != nil {
		return nil, err
	}

	plan, err = p.plan(ctx, req)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("status", string(plan.Status)).
		Int("itineraries", len(plan.Itineraries)).
		Bool("cached", plan.Cached).
		Dur("took", time.Since(start)).
		Msg("plan")
	return plan, nil
}

func (p *Planner) plan(ctx context.Context, req Request) (*Plan, error) {
	straight := geo.HaversineKm(req.OriginLat, req.OriginLon, req.DestLat, req.DestLon)
	if straight <= p.opts.WalkingThresholdKm {
		return &Plan{
			Status:         StatusOK,
			Success:        true,
			StraightLineKm: straight,
			Itineraries:    []Itinerary{p.walkItinerary(req.origin(), req.dest())},
			Truncation:     connections.TruncNone,
		}, nil
	}

	if cached := p.cached(ctx, req); cached != nil {
		return cached, nil
	}

	plan, err := p.compute(ctx, req, straight)
	if err != nil {
		return nil, err
	}
	if plan.Success {
		p.store(ctx, req, plan)
	}
	return plan, nil
}

func (p *Planner) cached(ctx context.Context, req Request) *Plan {
	if p.cache == nil {
		return nil
	}
	hit, ok := p.cache.Get(ctx, req.OriginLat, req.OriginLon, req.DestLat, req.DestLon, string(gtfs.ModeTransit))
	if !ok || hit.Reversed || len(hit.Payload.Data) == 0 {
		return nil
	}
	var plan Plan
	if err := json.Unmarshal(hit.Payload.Data, &plan); err != nil {
		log.Warn().Err(err).Msg("discarding undecodable cached plan")
		return nil
	}
	plan.Cached = true
	plan.CacheMatch = hit.Match
	return &plan
}

func (p *Planner) store(ctx context.Context, req Request, plan *Plan) {
	if p.cache == nil {
		return
	}
	payload, err := planPayload(plan)
	if err == nil {
		err = p.cache.Set(ctx, req.OriginLat, req.OriginLon, req.DestLat, req.DestLon, string(gtfs.ModeTransit), payload)
	}
	if err != nil {
		log.Warn().Err(err).Msg("caching plan failed")
	}
}

func planPayload(plan *Plan) (routecache.Payload, error) {
	data, err := json.Marshal(plan)
	if err != nil {
		return routecache.Payload{}, err
	}
	pl := routecache.Payload{Data: data}
	if len(plan.Itineraries) > 0 {
		best := plan.Itineraries[0]
		pl.DistanceKm, pl.DurationMin, pl.EmissionsKg = best.DistanceKm, best.DurationMin, best.EmissionsKg
	}
	return pl, nil
}

// compute runs the live pipeline without touching the cache.
func (p *Planner) compute(ctx context.Context, req Request, straight float64) (*Plan, error) {
	plan := &Plan{StraightLineKm: straight, Itineraries: []Itinerary{}, Truncation: connections.TruncNone}

	origin, err := p.locate(ctx, req.OriginLat, req.OriginLon)
	if err != nil {
		return nil, err
	}
	dest, err := p.locate(ctx, req.DestLat, req.DestLon)
	if err != nil {
		return nil, err
	}
	plan.OriginStops, plan.DestinationStops = origin.Stops, dest.Stops

	if len(origin.Stops) == 0 || len(dest.Stops) == 0 {
		plan.Status, plan.Message = StatusNotServiced, msgNotServiced
		plan.OriginStops, plan.DestinationStops = nonNil(origin.Stops), nonNil(dest.Stops)
		return plan, nil
	}
	if origin.Expanded || dest.Expanded {
		plan.Status, plan.Message = StatusNoWalkableStops, msgNoWalkableStops
		if origin.Expanded {
			plan.OriginAccess = p.advise(origin.Stops)
		}
		if dest.Expanded {
			plan.DestinationAccess = p.advise(dest.Stops)
		}
		return plan, nil
	}

	origins := p.candidates(origin.Stops, straight)
	dests := p.candidates(dest.Stops, straight)
	res, err := p.finder.Search(ctx, origins, dests, p.opts.Search)
	if err != nil {
		return nil, err
	}
	plan.Truncation, plan.CombinationsChecked = res.Truncation, res.CombinationsChecked

	var built []Itinerary
	for _, c := range res.Connections {
		if it, ok := p.build(ctx, c, req.origin(), req.dest()); ok {
			built = append(built, it)
		}
	}
	plan.Itineraries = p.rank(built)
	if len(plan.Itineraries) == 0 {
		plan.Itineraries = []Itinerary{}
		plan.Status, plan.Message = StatusNotConnected, msgNotConnected
		return plan, nil
	}
	plan.Status, plan.Success = StatusOK, true
	return plan, nil
}

func (p *Planner) locate(ctx context.Context, lat, lon float64) (stops.FallbackResult, error) {
	return p.locator.NearbyWithFallback(ctx, stops.Query{
		Lat:      lat,
		Lon:      lon,
		RadiusKm: p.opts.WalkingThresholdKm,
		Limit:    p.opts.StopSearchLimit,
	}, p.opts.FallbackRadiusKm)
}

func (p *Planner) advise(found []gtfs.Stop) *access.Advice {
	nearest := math.Inf(1)
	for _, s := range found {
		nearest = math.Min(nearest, s.DistanceKm)
	}
	adv, err := p.advisor.Advise(nearest)
	if err != nil {
		log.Warn().Err(err).Msg("access advice failed")
		return nil
	}
	return &adv
}

// candidates keeps distance order for short trips and puts rail stops first
// otherwise, capped at StopsPerEnd.
func (p *Planner) candidates(found []gtfs.Stop, straight float64) []gtfs.Stop {
	out := append([]gtfs.Stop(nil), found...)
	if straight >= p.opts.ShortTripKm {
		sort.SliceStable(out, func(i, j int) bool {
			return p.isRail(out[i].Category) && !p.isRail(out[j].Category)
		})
	}
	if len(out) > p.opts.StopsPerEnd {
		out = out[:p.opts.StopsPerEnd]
	}
	return out
}

func (p *Planner) isRail(cat gtfs.Category) bool {
	return p.opts.Kinds[cat] == gtfs.KindRail
}

func nonNil(s []gtfs.Stop) []gtfs.Stop {
	if s == nil {
		return []gtfs.Stop{}
	}
	return s
}

package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-planner/internal/access"
	"transit-planner/internal/connections"
	"transit-planner/internal/errs"
	"transit-planner/internal/geo"
	"transit-planner/internal/gtfs"
	"transit-planner/internal/gtfs/gtfstest"
	"transit-planner/internal/routecache"
	"transit-planner/internal/shapes"
	"transit-planner/internal/stops"
)

const (
	rail gtfs.Category = "rapid-rail-kl"
	bus  gtfs.Category = "rapid-bus-kl"
)

var (
	origin = geo.Point{Lat: 3.0166, Lon: 101.6206}
	dest   = geo.Point{Lat: 3.1337, Lon: 101.6863}
)

// klNetwork has one rail line running past both scenario endpoints, one bus
// route between them and an isolated rail pair with no service.
func klNetwork() *gtfstest.Schedule {
	s := gtfstest.New(rail, bus)
	s.AddStop(rail, "O1", 3.0200, 101.6250)
	s.AddStop(rail, "M1", 3.0800, 101.6500)
	s.AddStop(rail, "D1", 3.1343, 101.6865)
	s.AddStop(bus, "OB", 3.0170, 101.6210)
	s.AddStop(bus, "DB", 3.1330, 101.6860)
	s.AddStop(rail, "Z1", 4.0000, 102.0000)
	s.AddStop(rail, "Z2", 4.0500, 102.0000)

	s.AddRoute(rail, gtfs.Route{ID: "R1", ShortName: "KJ", LongName: "Kelana Jaya Line", Type: 1, Color: "E0115F"})
	s.AddRoute(bus, gtfs.Route{ID: "B1", ShortName: "T600", Type: 3})

	s.AddShape(rail, "sh1", []gtfs.ShapePoint{
		{Lat: 2.9900, Lon: 101.6100}, {Lat: 3.0000, Lon: 101.6150}, {Lat: 3.0100, Lon: 101.6200},
		{Lat: 3.0200, Lon: 101.6250}, {Lat: 3.0500, Lon: 101.6375}, {Lat: 3.0800, Lon: 101.6500},
		{Lat: 3.1070, Lon: 101.6680}, {Lat: 3.1343, Lon: 101.6865}, {Lat: 3.1500, Lon: 101.7000},
		{Lat: 3.1600, Lon: 101.7100}, {Lat: 3.1700, Lon: 101.7200},
	})
	s.AddTrip(rail, gtfs.Trip{TripID: "t1", RouteID: "R1", ShapeID: "sh1", Headsign: "Gombak"}, "O1", "M1", "D1")
	s.AddTrip(bus, gtfs.Trip{TripID: "b1", RouteID: "B1"}, "OB", "DB")
	return s
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]routecache.Payload
	setErr  error
	sets    int
}

func newFakeCache() *fakeCache { return &fakeCache{entries: map[string]routecache.Payload{}} }

func cacheKey(oLat, oLon, dLat, dLon float64, mode string) string {
	return fmt.Sprintf("%s|%.3f,%.3f|%.3f,%.3f", mode, oLat, oLon, dLat, dLon)
}

func (c *fakeCache) Get(_ context.Context, oLat, oLon, dLat, dLon float64, mode string) (*routecache.Hit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.entries[cacheKey(oLat, oLon, dLat, dLon, mode)]; ok {
		return &routecache.Hit{Payload: p, Match: routecache.MatchExact}, true
	}
	if p, ok := c.entries[cacheKey(dLat, dLon, oLat, oLon, mode)]; ok {
		return &routecache.Hit{Payload: p, Match: routecache.MatchReverse, Reversed: true}, true
	}
	return nil, false
}

func (c *fakeCache) Set(_ context.Context, oLat, oLon, dLat, dLon float64, mode string, p routecache.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	if c.setErr != nil {
		return c.setErr
	}
	c.entries[cacheKey(oLat, oLon, dLat, dLon, mode)] = p
	return nil
}

type fakeMetrics struct{ statuses []string }

func (m *fakeMetrics) PlanObserved(status, _ string, _ time.Duration) {
	m.statuses = append(m.statuses, status)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Kinds = map[gtfs.Category]gtfs.CategoryKind{rail: gtfs.KindRail, bus: gtfs.KindBus}
	return opts
}

func newPlanner(s *gtfstest.Schedule, cache RouteCache, m Metrics, opts Options) *Planner {
	return New(
		stops.NewLocator(s),
		connections.NewFinder(s),
		shapes.NewMatcher(s, shapes.DefaultOptions()),
		cache,
		access.NewAdvisor(access.DefaultAdvisorOptions()),
		m,
		opts,
	)
}

func request(o, d geo.Point) Request {
	return Request{OriginLat: o.Lat, OriginLon: o.Lon, DestLat: d.Lat, DestLon: d.Lon}
}

func assertItineraryInvariants(t *testing.T, it Itinerary) {
	t.Helper()
	var sum float64
	for _, l := range it.Legs {
		sum += l.DistanceKm
		if l.Transit != nil {
			assert.NotEqual(t, l.Transit.Board.ID, l.Transit.Alight.ID)
		}
	}
	assert.InDelta(t, it.DistanceKm, sum, 1e-6)
	assert.Positive(t, it.DurationMin)
	assert.GreaterOrEqual(t, it.EmissionsKg, 0.0)

	set := 0
	if it.Direct != nil {
		set++
	}
	if it.Transfer != nil {
		set++
	}
	if it.Walk != nil {
		set++
	}
	assert.Equal(t, 1, set, "exactly one detail block")
}

func TestPlan_Scenario(t *testing.T) {
	m := &fakeMetrics{}
	p := newPlanner(klNetwork(), nil, m, testOptions())

	plan, err := p.Plan(context.Background(), request(origin, dest))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, plan.Status)
	assert.True(t, plan.Success)
	require.NotEmpty(t, plan.Itineraries)
	for _, it := range plan.Itineraries {
		assertItineraryInvariants(t, it)
	}

	best := plan.Itineraries[0]
	require.Equal(t, TypeDirect, best.Type)
	ride := best.Direct.Ride
	assert.Equal(t, "R1", ride.Transit.RouteID)
	assert.Equal(t, gtfs.ModeMetro, ride.Transit.Mode)
	assert.Equal(t, GeometryShape, ride.GeometrySource)
	assert.Equal(t, "Gombak", ride.Transit.Headsign)

	require.Len(t, best.Legs, 3)
	assert.Equal(t, LegWalk, best.Legs[0].Type)
	assert.Equal(t, LegTransit, best.Legs[1].Type)
	assert.Equal(t, LegWalk, best.Legs[2].Type)

	assert.Equal(t, []string{string(StatusOK)}, m.statuses)
}

func TestPlan_WalkingThresholdIsInclusive(t *testing.T) {
	near := geo.Point{Lat: 3.0266, Lon: 101.6206}
	opts := testOptions()
	opts.WalkingThresholdKm = geo.HaversineKm(origin.Lat, origin.Lon, near.Lat, near.Lon)

	plan, err := newPlanner(klNetwork(), nil, nil, opts).Plan(context.Background(), request(origin, near))
	require.NoError(t, err)
	require.Len(t, plan.Itineraries, 1)
	it := plan.Itineraries[0]
	assert.Equal(t, TypeWalk, it.Type)
	require.NotNil(t, it.Walk)
	assert.Zero(t, it.EmissionsKg)
	assertItineraryInvariants(t, it)

	opts.WalkingThresholdKm -= 1e-9
	plan, err = newPlanner(klNetwork(), nil, nil, opts).Plan(context.Background(), request(origin, near))
	require.NoError(t, err)
	assert.Equal(t, StatusNotConnected, plan.Status)
}

func TestPlan_NotServiced(t *testing.T) {
	penang := geo.Point{Lat: 5.4141, Lon: 100.3288}
	plan, err := newPlanner(klNetwork(), nil, nil, testOptions()).Plan(context.Background(), request(penang, dest))
	require.NoError(t, err)
	assert.Equal(t, StatusNotServiced, plan.Status)
	assert.False(t, plan.Success)
	assert.NotNil(t, plan.OriginStops)
	assert.Empty(t, plan.OriginStops)
	assert.Empty(t, plan.Itineraries)
}

func TestPlan_NoWalkableStopsAdvisesAccess(t *testing.T) {
	// About 4 km from the nearest stop.
	far := geo.Point{Lat: 2.9900, Lon: 101.6000}
	plan, err := newPlanner(klNetwork(), nil, nil, testOptions()).Plan(context.Background(), request(far, dest))
	require.NoError(t, err)
	assert.Equal(t, StatusNoWalkableStops, plan.Status)
	assert.NotEmpty(t, plan.OriginStops)
	require.NotNil(t, plan.OriginAccess)
	assert.NotEmpty(t, plan.OriginAccess.Rationale)
	assert.Len(t, plan.OriginAccess.Options, 5)
	assert.Nil(t, plan.DestinationAccess)
}

func TestPlan_NotConnected(t *testing.T) {
	plan, err := newPlanner(klNetwork(), nil, nil, testOptions()).Plan(context.Background(),
		request(geo.Point{Lat: 4.0, Lon: 102.0}, geo.Point{Lat: 4.05, Lon: 102.0}))
	require.NoError(t, err)
	assert.Equal(t, StatusNotConnected, plan.Status)
	assert.Equal(t, "origin and destination are not well connected by the sampled routes", plan.Message)
	require.NotEmpty(t, plan.OriginStops)
	assert.Equal(t, "Z1", plan.OriginStops[0].ID)
	assert.Equal(t, connections.TruncNone, plan.Truncation)
}

func TestPlan_Validation(t *testing.T) {
	m := &fakeMetrics{}
	_, err := newPlanner(klNetwork(), nil, m, testOptions()).Plan(context.Background(), Request{OriginLat: 91, DestLat: 3, DestLon: 101})
	assert.True(t, errs.Is(err, errs.KindValidation))
	assert.Equal(t, []string{"validation"}, m.statuses)
}

func TestPlan_StoreFailureIsPersistence(t *testing.T) {
	s := klNetwork()
	s.Err = errors.New("connection refused")
	m := &fakeMetrics{}
	_, err := newPlanner(s, nil, m, testOptions()).Plan(context.Background(), request(origin, dest))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindPersistence))
	assert.Equal(t, []string{"persistence_failure"}, m.statuses)
}

func TestCandidates_RailFirstOnlyForLongTrips(t *testing.T) {
	opts := testOptions()
	opts.StopsPerEnd = 3
	p := newPlanner(klNetwork(), nil, nil, opts)
	found := []gtfs.Stop{
		{ID: "bus-a", Category: bus, DistanceKm: 0.1},
		{ID: "rail-a", Category: rail, DistanceKm: 0.3},
		{ID: "bus-b", Category: bus, DistanceKm: 0.4},
		{ID: "rail-b", Category: rail, DistanceKm: 0.6},
		{ID: "bus-c", Category: bus, DistanceKm: 0.7},
	}
	ids := func(ss []gtfs.Stop) []string {
		out := make([]string, len(ss))
		for i, s := range ss {
			out[i] = s.ID
		}
		return out
	}

	short := p.candidates(found, opts.ShortTripKm-0.5)
	assert.Equal(t, []string{"bus-a", "rail-a", "bus-b"}, ids(short))

	long := p.candidates(found, opts.ShortTripKm)
	assert.Equal(t, []string{"rail-a", "rail-b", "bus-a"}, ids(long))

	assert.Equal(t, "bus-a", found[0].ID, "input is left untouched")
}

func TestPlan_CachesForwardOnly(t *testing.T) {
	s := klNetwork()
	cache := newFakeCache()
	p := newPlanner(s, cache, nil, testOptions())

	first, err := p.Plan(context.Background(), request(origin, dest))
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, cache.sets)

	queries := s.Queries
	second, err := p.Plan(context.Background(), request(origin, dest))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, routecache.MatchExact, second.CacheMatch)
	assert.Equal(t, queries, s.Queries, "cache hit runs no schedule queries")
	require.Len(t, second.Itineraries, len(first.Itineraries))
	assert.Equal(t, first.Itineraries[0].Signature, second.Itineraries[0].Signature)

	back, err := p.Plan(context.Background(), request(dest, origin))
	require.NoError(t, err)
	assert.False(t, back.Cached, "a reversed itinerary is not reusable")
}

func TestPlan_CacheWriteFailureIsIgnored(t *testing.T) {
	cache := newFakeCache()
	cache.setErr = errors.New("disk full")
	plan, err := newPlanner(klNetwork(), cache, nil, testOptions()).Plan(context.Background(), request(origin, dest))
	require.NoError(t, err)
	assert.True(t, plan.Success)
	assert.Equal(t, 1, cache.sets)
}

func TestRoute_CacheBackedAndReversible(t *testing.T) {
	cache := newFakeCache()
	p := newPlanner(klNetwork(), cache, nil, testOptions())

	fwd, err := p.Route(context.Background(), origin, dest, gtfs.ModeCar)
	require.NoError(t, err)
	assert.False(t, fwd.Cached)
	assert.Positive(t, fwd.DistanceKm)

	back, err := p.Route(context.Background(), dest, origin, gtfs.ModeCar)
	require.NoError(t, err)
	assert.True(t, back.Cached)
	assert.True(t, back.Reversed)
	assert.Equal(t, fwd.DistanceKm, back.DistanceKm)

	pts, err := geo.DecodePolyline(back.Geometry)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.InDelta(t, dest.Lat, pts[0].Lat, 1e-5)
	assert.InDelta(t, origin.Lat, pts[1].Lat, 1e-5)

	_, err = p.Route(context.Background(), origin, dest, gtfs.ModeRail)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestCompute_PrewarmPayloads(t *testing.T) {
	p := newPlanner(klNetwork(), nil, nil, testOptions())

	pl, err := p.Compute(context.Background(), routecache.Item{Name: "scenario", OriginLat: origin.Lat, OriginLon: origin.Lon, DestLat: dest.Lat, DestLon: dest.Lon, Mode: "transit"})
	require.NoError(t, err)
	assert.NotEmpty(t, pl.Data)
	assert.Positive(t, pl.DurationMin)

	pl, err = p.Compute(context.Background(), routecache.Item{Name: "car", OriginLat: origin.Lat, OriginLon: origin.Lon, DestLat: dest.Lat, DestLon: dest.Lon, Mode: "car"})
	require.NoError(t, err)
	assert.Empty(t, pl.Data)
	assert.NotEmpty(t, pl.Geometry)

	_, err = p.Compute(context.Background(), routecache.Item{Name: "isolated", OriginLat: 4.0, OriginLon: 102.0, DestLat: 4.05, DestLon: 102.0, Mode: "transit"})
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func mk(typ Type, sig string, dur float64, legs int) Itinerary {
	return Itinerary{Type: typ, Signature: sig, DurationMin: dur, Legs: make([]Leg, legs)}
}

func TestRank(t *testing.T) {
	p := New(nil, nil, nil, nil, nil, nil, DefaultOptions())

	got := p.rank([]Itinerary{
		mk(TypeTransfer, "x", 27, 5),
		mk(TypeDirect, "a", 30, 3),
		mk(TypeDirect, "a", 31, 3),
		mk(TypeTransfer, "slow", 40, 5),
		mk(TypeDirect, "b", 45, 3),
	})
	var sigs []string
	for _, it := range got {
		sigs = append(sigs, it.Signature)
	}
	// "a" beats the faster transfer within the direct preference window;
	// "slow" is slower than the fastest direct with no fewer legs.
	assert.Equal(t, []string{"a", "x", "b"}, sigs)

	var many []Itinerary
	for i := 0; i < 8; i++ {
		many = append(many, mk(TypeDirect, fmt.Sprint(i), float64(10+i), 3))
	}
	assert.Len(t, p.rank(many), 5)
}

func TestRank_TransferWithFewerLegsSurvives(t *testing.T) {
	p := New(nil, nil, nil, nil, nil, nil, DefaultOptions())
	got := p.rank([]Itinerary{
		mk(TypeDirect, "d", 20, 5),
		mk(TypeTransfer, "t", 40, 3),
	})
	assert.Len(t, got, 2)
}

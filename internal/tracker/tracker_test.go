package tracker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"transit-planner/internal/errs"
	"transit-planner/internal/geo"
	"transit-planner/internal/gtfs"
)

type vehicleKey struct {
	id string
	ts time.Time
}

type memStore struct {
	mu       sync.Mutex
	rows     map[gtfs.Category]map[vehicleKey]gtfs.VehiclePosition
	failCats map[gtfs.Category]error
}

func newMemStore() *memStore {
	return &memStore{rows: map[gtfs.Category]map[vehicleKey]gtfs.VehiclePosition{}, failCats: map[gtfs.Category]error{}}
}

func (m *memStore) ReplacePositions(_ context.Context, cat gtfs.Category, batch []gtfs.VehiclePosition, clearOld bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCats[cat]; err != nil {
		return 0, err
	}
	if clearOld || m.rows[cat] == nil {
		m.rows[cat] = map[vehicleKey]gtfs.VehiclePosition{}
	}
	for _, v := range batch {
		m.rows[cat][vehicleKey{v.VehicleID, v.Timestamp}] = v
	}
	return len(batch), nil
}

func (m *memStore) LatestFetch(_ context.Context, cat gtfs.Category) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCats[cat]; err != nil {
		return time.Time{}, err
	}
	var latest time.Time
	for _, v := range m.rows[cat] {
		if v.FetchedAt.After(latest) {
			latest = v.FetchedAt
		}
	}
	return latest, nil
}

// filter picks each vehicle's newest row since since, then applies keep.
func (m *memStore) filter(cat gtfs.Category, since time.Time, keep func(gtfs.VehiclePosition) bool) []gtfs.VehiclePosition {
	newest := map[string]gtfs.VehiclePosition{}
	for _, v := range m.rows[cat] {
		if v.Timestamp.Before(since) {
			continue
		}
		if cur, ok := newest[v.VehicleID]; !ok || v.Timestamp.After(cur.Timestamp) {
			newest[v.VehicleID] = v
		}
	}
	out := make([]gtfs.VehiclePosition, 0, len(newest))
	for _, v := range newest {
		if keep(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}

func (m *memStore) LatestPositions(_ context.Context, cat gtfs.Category, since time.Time) ([]gtfs.VehiclePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(cat, since, func(gtfs.VehiclePosition) bool { return true }), nil
}

func (m *memStore) NearbyPositions(_ context.Context, cat gtfs.Category, lat, lon, radiusKm float64, since time.Time) ([]gtfs.VehiclePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCats[cat]; err != nil {
		return nil, err
	}
	out := m.filter(cat, since, func(v gtfs.VehiclePosition) bool {
		return geo.HaversineKm(lat, lon, v.Lat, v.Lon) <= radiusKm
	})
	for i := range out {
		out[i].DistanceKm = geo.HaversineKm(lat, lon, out[i].Lat, out[i].Lon)
	}
	return out, nil
}

func (m *memStore) RoutePositions(_ context.Context, cat gtfs.Category, routeID string, f RouteFilter, since time.Time) ([]gtfs.VehiclePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(cat, since, func(v gtfs.VehiclePosition) bool {
		if v.RouteID != routeID {
			return false
		}
		if f.DirectionID != nil && (v.DirectionID == nil || *v.DirectionID != *f.DirectionID) {
			return false
		}
		if f.MinStopSequence != nil && (v.CurrentStopSequence == nil || *v.CurrentStopSequence < *f.MinStopSequence) {
			return false
		}
		if f.MaxStopSequence != nil && (v.CurrentStopSequence == nil || *v.CurrentStopSequence > *f.MaxStopSequence) {
			return false
		}
		return true
	}), nil
}

func (m *memStore) DeletePositionsBefore(_ context.Context, cat gtfs.Category, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, v := range m.rows[cat] {
		if v.Timestamp.Before(cutoff) {
			delete(m.rows[cat], k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountPositionsSince(_ context.Context, cat gtfs.Category, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.rows[cat] {
		if !v.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) count(cat gtfs.Category) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[cat])
}

type fakePublisher struct {
	mu   sync.Mutex
	sent int
}

func (p *fakePublisher) PublishVehicles(_ gtfs.Category, batch []gtfs.VehiclePosition) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent += len(batch)
	return len(batch), nil
}

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func vehicleEntity(vehicleID, routeID string, lat, lon float32, ts time.Time) *gtfsrt.FeedEntity {
	return &gtfsrt.FeedEntity{
		Id: proto.String("e-" + vehicleID),
		Vehicle: &gtfsrt.VehiclePosition{
			Trip:      &gtfsrt.TripDescriptor{TripId: proto.String("trip-" + vehicleID), RouteId: proto.String(routeID)},
			Vehicle:   &gtfsrt.VehicleDescriptor{Id: proto.String(vehicleID)},
			Position:  &gtfsrt.Position{Latitude: proto.Float32(lat), Longitude: proto.Float32(lon)},
			Timestamp: proto.Uint64(uint64(ts.Unix())),
		},
	}
}

func feedBytes(t *testing.T, entities ...*gtfsrt.FeedEntity) []byte {
	t.Helper()
	msg := &gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(uint64(baseTime.Unix())),
		},
		Entity: entities,
	}
	b, err := proto.Marshal(msg)
	require.NoError(t, err)
	return b
}

// feedServer serves the bodies in turn, repeating the last one.
func feedServer(t *testing.T, bodies ...[]byte) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1)) - 1
		if n >= len(bodies) {
			n = len(bodies) - 1
		}
		w.Header().Set("Content-Type", "application/x-protobuf")
		_, _ = w.Write(bodies[n])
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testOptions() Options {
	o := DefaultOptions()
	o.MaxRetries = 0
	o.RetryInitialInterval = time.Millisecond
	o.FetchTimeout = 2 * time.Second
	return o
}

func newTestTracker(feeds []Feed, store Store, pub Publisher) *Tracker {
	tr := New(feeds, store, testOptions(), pub, nil)
	tr.now = func() time.Time { return baseTime }
	return tr
}

func TestRefresh_DecodesStoresAndPublishes(t *testing.T) {
	malformed := &gtfsrt.FeedEntity{Id: proto.String("bad"), Vehicle: &gtfsrt.VehiclePosition{Vehicle: &gtfsrt.VehicleDescriptor{Id: proto.String("no-pos")}}}
	nullIsland := vehicleEntity("zero", "R1", 0, 0, baseTime)
	alert := &gtfsrt.FeedEntity{Id: proto.String("alert"), Alert: &gtfsrt.Alert{}}
	body := feedBytes(t,
		vehicleEntity("v1", "KJ", 3.14, 101.69, baseTime),
		vehicleEntity("v2", "KJ", 3.15, 101.70, baseTime),
		malformed, nullIsland, alert,
	)
	srv, _ := feedServer(t, body)
	store := newMemStore()
	pub := &fakePublisher{}
	tr := newTestTracker([]Feed{{Category: "rail", URL: srv.URL}}, store, pub)

	rep, err := tr.Refresh(context.Background(), "rail", true)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Entities)
	assert.Equal(t, 2, rep.Stored)
	assert.Equal(t, 2, rep.Skipped)
	assert.Equal(t, 2, rep.Published)
	assert.NotEmpty(t, rep.BatchID)
	assert.Equal(t, 2, store.count("rail"))
	assert.Equal(t, 2, pub.sent)

	got, err := store.LatestPositions(context.Background(), "rail", time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "KJ", got[0].RouteID)
	assert.Equal(t, rep.BatchID, got[0].BatchID)
	assert.Equal(t, gtfs.Category("rail"), got[0].Category)
}

func TestRefresh_FullReplaceIsIdempotent(t *testing.T) {
	first := feedBytes(t,
		vehicleEntity("v1", "KJ", 3.14, 101.69, baseTime),
		vehicleEntity("v2", "KJ", 3.15, 101.70, baseTime),
	)
	second := feedBytes(t,
		vehicleEntity("v1", "KJ", 3.16, 101.71, baseTime.Add(30*time.Second)),
		vehicleEntity("v3", "AG", 3.17, 101.72, baseTime.Add(30*time.Second)),
		vehicleEntity("v4", "AG", 3.18, 101.73, baseTime.Add(30*time.Second)),
	)
	srv, _ := feedServer(t, first, second)
	store := newMemStore()
	tr := newTestTracker([]Feed{{Category: "rail", URL: srv.URL}}, store, nil)
	ctx := context.Background()

	_, err := tr.Refresh(ctx, "rail", true)
	require.NoError(t, err)
	_, err = tr.Refresh(ctx, "rail", true)
	require.NoError(t, err)

	got, err := store.LatestPositions(ctx, "rail", time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 3, store.count("rail"))
	ids := []string{got[0].VehicleID, got[1].VehicleID, got[2].VehicleID}
	assert.Equal(t, []string{"v1", "v3", "v4"}, ids)
}

func TestRefresh_IncrementalUpsertDoesNotDuplicate(t *testing.T) {
	body := feedBytes(t, vehicleEntity("v1", "KJ", 3.14, 101.69, baseTime))
	srv, _ := feedServer(t, body)
	store := newMemStore()
	tr := newTestTracker([]Feed{{Category: "rail", URL: srv.URL}}, store, nil)

	for range 3 {
		_, err := tr.Refresh(context.Background(), "rail", false)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.count("rail"))
}

func TestRefresh_UpstreamErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()
	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{0xff, 0xff, 0xff})
	}))
	defer garbage.Close()

	opts := testOptions()
	opts.MaxRetries = 3
	tr := New([]Feed{{Category: "a", URL: srv.URL}, {Category: "b", URL: garbage.URL}}, newMemStore(), opts, nil, nil)

	_, err := tr.Refresh(context.Background(), "a", true)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindUpstream))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "4xx is not retried")

	_, err = tr.Refresh(context.Background(), "b", true)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindUpstream))

	_, err = tr.Refresh(context.Background(), "unknown", true)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestRefresh_RetriesServerErrors(t *testing.T) {
	body := feedBytes(t, vehicleEntity("v1", "KJ", 3.14, 101.69, baseTime))
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()
	opts := testOptions()
	opts.MaxRetries = 2
	tr := New([]Feed{{Category: "rail", URL: srv.URL}}, newMemStore(), opts, nil, nil)

	rep, err := tr.Refresh(context.Background(), "rail", true)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Stored)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestRefreshAll_IsolatesFailures(t *testing.T) {
	good, _ := feedServer(t, feedBytes(t, vehicleEntity("v1", "KJ", 3.14, 101.69, baseTime)))
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer bad.Close()
	store := newMemStore()
	store.failCats["db-broken"] = errors.New("tx aborted")
	tr := newTestTracker([]Feed{
		{Category: "ok", URL: good.URL},
		{Category: "feed-broken", URL: bad.URL},
		{Category: "db-broken", URL: good.URL},
	}, store, nil)

	reports := tr.RefreshAll(context.Background(), true)
	require.Len(t, reports, 3)
	assert.Empty(t, reports[0].Error)
	assert.Equal(t, 1, reports[0].Stored)
	assert.NotEmpty(t, reports[1].Error)
	assert.Contains(t, reports[2].Error, "tx aborted")
	assert.Equal(t, 1, store.count("ok"))
}

func TestEnsureFresh_OnlyWhenStale(t *testing.T) {
	srv, calls := feedServer(t, feedBytes(t, vehicleEntity("v1", "KJ", 3.14, 101.69, baseTime)))
	store := newMemStore()
	tr := newTestTracker([]Feed{{Category: "rail", URL: srv.URL}}, store, nil)
	ctx := context.Background()

	assert.True(t, tr.EnsureFresh(ctx, "rail"), "empty table is stale")
	assert.False(t, tr.EnsureFresh(ctx, "rail"), "just refreshed")
	assert.EqualValues(t, 1, atomic.LoadInt32(calls))

	tr.now = func() time.Time { return baseTime.Add(3 * time.Minute) }
	assert.True(t, tr.EnsureFresh(ctx, "rail"))
	assert.EqualValues(t, 2, atomic.LoadInt32(calls))
}

func TestQueries(t *testing.T) {
	dir0, dir1 := 0, 1
	seq := func(n int) *int { return &n }
	store := newMemStore()
	fresh := baseTime.Add(-time.Minute)
	store.rows["rail"] = map[vehicleKey]gtfs.VehiclePosition{}
	for _, v := range []gtfs.VehiclePosition{
		{VehicleID: "a", RouteID: "KJ", DirectionID: &dir0, CurrentStopSequence: seq(3), Lat: 3.140, Lon: 101.690, Timestamp: fresh, FetchedAt: fresh},
		{VehicleID: "b", RouteID: "KJ", DirectionID: &dir0, CurrentStopSequence: seq(9), Lat: 3.150, Lon: 101.700, Timestamp: fresh, FetchedAt: fresh},
		{VehicleID: "c", RouteID: "KJ", DirectionID: &dir1, CurrentStopSequence: seq(5), Lat: 3.300, Lon: 101.900, Timestamp: fresh, FetchedAt: fresh},
		{VehicleID: "old", RouteID: "KJ", DirectionID: &dir0, CurrentStopSequence: seq(4), Lat: 3.140, Lon: 101.690, Timestamp: baseTime.Add(-2 * time.Hour), FetchedAt: fresh},
	} {
		store.rows["rail"][vehicleKey{v.VehicleID, v.Timestamp}] = v
	}
	tr := newTestTracker([]Feed{{Category: "rail", URL: "http://unused.invalid"}}, store, nil)
	ctx := context.Background()

	latest, err := tr.Latest(ctx, "rail", 0)
	require.NoError(t, err)
	assert.Len(t, latest, 3)

	latest, err = tr.Latest(ctx, "rail", 180)
	require.NoError(t, err)
	assert.Len(t, latest, 4)

	near, err := tr.Nearby(ctx, 3.141, 101.691, 2, "", 0)
	require.NoError(t, err)
	require.Len(t, near, 2)
	assert.Equal(t, "a", near[0].VehicleID)
	assert.LessOrEqual(t, near[0].DistanceKm, near[1].DistanceKm)

	_, err = tr.Nearby(ctx, 3.141, 101.691, 0, "", 0)
	assert.True(t, errs.Is(err, errs.KindValidation))
	_, err = tr.Nearby(ctx, 93, 101.691, 1, "", 0)
	assert.True(t, errs.Is(err, errs.KindValidation))

	route, err := tr.ForRoute(ctx, "rail", "KJ", RouteFilter{DirectionID: &dir0, MinStopSequence: seq(4)})
	require.NoError(t, err)
	require.Len(t, route, 1)
	assert.Equal(t, "b", route[0].VehicleID)

	_, err = tr.ForRoute(ctx, "rail", "KJ", RouteFilter{MinStopSequence: seq(9), MaxStopSequence: seq(2)})
	assert.True(t, errs.Is(err, errs.KindValidation))
	_, err = tr.ForRoute(ctx, "rail", "", RouteFilter{})
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestQueries_JudgeVehiclesByNewestPosition(t *testing.T) {
	dir0 := 0
	seq := func(n int) *int { return &n }
	store := newMemStore()
	store.rows["rail"] = map[vehicleKey]gtfs.VehiclePosition{}
	for _, v := range []gtfs.VehiclePosition{
		// x was near the origin eight minutes ago and has since moved 5 km away.
		{VehicleID: "x", RouteID: "KJ", DirectionID: &dir0, CurrentStopSequence: seq(3), Lat: 3.140, Lon: 101.690, Timestamp: baseTime.Add(-8 * time.Minute)},
		{VehicleID: "x", RouteID: "KJ", DirectionID: &dir0, CurrentStopSequence: seq(8), Lat: 3.185, Lon: 101.690, Timestamp: baseTime},
		{VehicleID: "y", RouteID: "KJ", DirectionID: &dir0, CurrentStopSequence: seq(2), Lat: 3.141, Lon: 101.691, Timestamp: baseTime},
	} {
		v.FetchedAt = baseTime
		store.rows["rail"][vehicleKey{v.VehicleID, v.Timestamp}] = v
	}
	tr := newTestTracker([]Feed{{Category: "rail", URL: "http://unused.invalid"}}, store, nil)
	ctx := context.Background()

	near, err := tr.Nearby(ctx, 3.140, 101.690, 1, "rail", 0)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, "y", near[0].VehicleID)

	behind, err := tr.ForRoute(ctx, "rail", "KJ", RouteFilter{DirectionID: &dir0, MaxStopSequence: seq(4)})
	require.NoError(t, err)
	require.Len(t, behind, 1)
	assert.Equal(t, "y", behind[0].VehicleID)

	ahead, err := tr.ForRoute(ctx, "rail", "KJ", RouteFilter{DirectionID: &dir0, MinStopSequence: seq(5)})
	require.NoError(t, err)
	require.Len(t, ahead, 1)
	assert.Equal(t, "x", ahead[0].VehicleID)
	assert.Equal(t, 8, *ahead[0].CurrentStopSequence)
}

func TestSweepAndHealth(t *testing.T) {
	store := newMemStore()
	fresh := baseTime.Add(-time.Minute)
	store.rows["rail"] = map[vehicleKey]gtfs.VehiclePosition{
		{"a", fresh}:                          {VehicleID: "a", Timestamp: fresh, FetchedAt: fresh},
		{"b", baseTime.Add(-48 * time.Hour)}: {VehicleID: "b", Timestamp: baseTime.Add(-48 * time.Hour), FetchedAt: fresh},
	}
	store.failCats["bus"] = errors.New("relation does not exist")
	tr := newTestTracker([]Feed{{Category: "rail", URL: "http://x.invalid"}, {Category: "bus", URL: "http://y.invalid"}}, store, nil)
	ctx := context.Background()

	h := tr.Health(ctx)
	require.Len(t, h.Categories, 2)
	assert.False(t, h.Healthy)
	assert.Equal(t, 1, h.Categories[0].RecentRows)
	assert.False(t, h.Categories[0].Stale)
	require.NotNil(t, h.Categories[0].LatestUpdate)
	assert.Contains(t, h.Categories[1].Error, "relation does not exist")

	res := tr.Sweep(ctx, 24*time.Hour)
	require.Len(t, res, 2)
	assert.EqualValues(t, 1, res[0].Deleted)
	assert.Equal(t, 1, store.count("rail"))
}

func TestScheduler_StartStop(t *testing.T) {
	srv, calls := feedServer(t, feedBytes(t, vehicleEntity("v1", "KJ", 3.14, 101.69, baseTime)))
	opts := testOptions()
	opts.Interval = 10 * time.Millisecond
	tr := New([]Feed{{Category: "rail", URL: srv.URL}}, newMemStore(), opts, nil, nil)

	s := NewScheduler(tr, true)
	s.Start(context.Background())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return atomic.LoadInt32(calls) >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	after := atomic.LoadInt32(calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(calls))
	s.Stop()
}

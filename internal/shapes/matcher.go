package shapes

import (
	"context"
	"fmt"
	"math"

	"transit-planner/internal/errs"
	"transit-planner/internal/geo"
	"transit-planner/internal/gtfs"
)

type Store interface {
	SegmentTrip(ctx context.Context, cat gtfs.Category, routeID, boardStopID, alightStopID string) (*gtfs.TripSegment, error)
	ShapePoints(ctx context.Context, cat gtfs.Category, shapeID string) ([]gtfs.ShapePoint, error)
	StopTimes(ctx context.Context, cat gtfs.Category, tripID string, fromSeq, toSeq, limit int) ([]gtfs.StopTime, error)
}

type Options struct {
	// SnapThresholdKm is the furthest a segment end may lie from its stop.
	SnapThresholdKm float64
	// MaxSegmentFraction rejects segments spanning more of the shape's points.
	MaxSegmentFraction float64
}

func DefaultOptions() Options {
	return Options{SnapThresholdKm: 1.0, MaxSegmentFraction: 0.8}
}

type Request struct {
	Category     gtfs.Category
	RouteID      string
	BoardStopID  string
	AlightStopID string
}

type Method string

const (
	MethodDistance Method = "shape_dist_traveled"
	MethodNearest  Method = "nearest_point"
)

// Segment is the part of a trip's shape between two stops.
type Segment struct {
	Points     []geo.Point
	Polyline   string
	DistanceKm float64
	TripID     string
	ShapeID    string
	Method     Method
}

type Matcher struct {
	store Store
	opts  Options
}

func NewMatcher(store Store, opts Options) *Matcher {
	return &Matcher{store: store, opts: opts}
}

// Match cuts the shape of the best trip between the two stops. Any reason to
// distrust the result is reported as a Degraded error so callers can draw a
// straight line instead; store failures are PersistenceFailure.
func (m *Matcher) Match(ctx context.Context, req Request) (*Segment, error) {
	const op = "shapes.Match"
	if req.BoardStopID == req.AlightStopID {
		return nil, errs.Validation(op, "board and alight stop are both %q", req.BoardStopID)
	}
	trip, err := m.store.SegmentTrip(ctx, req.Category, req.RouteID, req.BoardStopID, req.AlightStopID)
	if err != nil {
		return nil, errs.Persistence(op, err)
	}
	if trip == nil {
		return nil, errs.Degraded(op, "no trip on route %s serves %s before %s", req.RouteID, req.BoardStopID, req.AlightStopID)
	}
	if trip.Trip.ShapeID == "" {
		return nil, errs.Degraded(op, "no geometry: trip %s has no shape", trip.Trip.TripID)
	}
	pts, err := m.store.ShapePoints(ctx, req.Category, trip.Trip.ShapeID)
	if err != nil {
		return nil, errs.Persistence(op, err)
	}
	if len(pts) < 2 {
		return nil, errs.Degraded(op, "no geometry: shape %s has %d points", trip.Trip.ShapeID, len(pts))
	}
	sts, err := m.store.StopTimes(ctx, req.Category, trip.Trip.TripID, trip.BoardSequence, trip.AlightSequence, math.MaxInt32)
	if err != nil {
		return nil, errs.Persistence(op, err)
	}
	if len(sts) < 2 {
		return nil, errs.Degraded(op, "trip %s has %d stop-times between the stops", trip.Trip.TripID, len(sts))
	}

	var (
		start, end int
		ok         bool
	)
	method := MethodDistance
	if distancesReliable(sts, pts) {
		start, end, ok = boundByDistance(pts, *sts[0].ShapeDistTraveled, *sts[len(sts)-1].ShapeDistTraveled)
	}
	if !ok {
		start, end = boundByNearest(pts, sts)
		method = MethodNearest
	}

	n := len(pts)
	if start < 0 || end >= n || start >= end {
		return nil, errs.Degraded(op, "shape %s: inverted or out-of-range indices [%d, %d]", trip.Trip.ShapeID, start, end)
	}
	span := end - start + 1
	if float64(span)/float64(n) > m.opts.MaxSegmentFraction {
		return nil, errs.Degraded(op, "shape %s: segment spans %d of %d points", trip.Trip.ShapeID, span, n)
	}

	first, last := sts[0], sts[len(sts)-1]
	board := geo.Point{Lat: first.StopLat, Lon: first.StopLon}
	alight := geo.Point{Lat: last.StopLat, Lon: last.StopLon}
	if d := geo.Distance(pts[start].Point(), board); d > m.opts.SnapThresholdKm {
		return nil, errs.Degraded(op, "shape %s: start is %.2f km from stop %s", trip.Trip.ShapeID, d, first.StopID)
	}
	if d := geo.Distance(pts[end].Point(), alight); d > m.opts.SnapThresholdKm {
		return nil, errs.Degraded(op, "shape %s: end is %.2f km from stop %s", trip.Trip.ShapeID, d, last.StopID)
	}

	line := make([]geo.Point, 0, span)
	for _, p := range pts[start : end+1] {
		line = append(line, p.Point())
	}
	line[0], line[len(line)-1] = board, alight

	return &Segment{
		Points:     line,
		Polyline:   geo.EncodePolyline(line),
		DistanceKm: geo.PathKm(line),
		TripID:     trip.Trip.TripID,
		ShapeID:    trip.Trip.ShapeID,
		Method:     method,
	}, nil
}

// distancesReliable reports whether every stop-time and shape point carries a
// non-decreasing shape_dist_traveled.
func distancesReliable(sts []gtfs.StopTime, pts []gtfs.ShapePoint) bool {
	prev := math.Inf(-1)
	for _, st := range sts {
		if st.ShapeDistTraveled == nil || *st.ShapeDistTraveled < prev {
			return false
		}
		prev = *st.ShapeDistTraveled
	}
	prev = math.Inf(-1)
	for _, p := range pts {
		if p.DistTraveled == nil || *p.DistTraveled < prev {
			return false
		}
		prev = *p.DistTraveled
	}
	return true
}

// boundByDistance returns the last point at or before from and the first
// point at or after to. Distances outside the shape's own range are not
// trusted and report false.
func boundByDistance(pts []gtfs.ShapePoint, from, to float64) (int, int, bool) {
	if from < *pts[0].DistTraveled || to > *pts[len(pts)-1].DistTraveled {
		return -1, -1, false
	}
	start, end := 0, len(pts)-1
	for i, p := range pts {
		if *p.DistTraveled <= from {
			start = i
		}
	}
	for i := len(pts) - 1; i >= 0; i-- {
		if *pts[i].DistTraveled >= to {
			end = i
		}
	}
	return start, end, true
}

// boundByNearest matches each stop in sequence order to its nearest shape
// point at or after the previous match.
func boundByNearest(pts []gtfs.ShapePoint, sts []gtfs.StopTime) (int, int) {
	line := make([]geo.Point, len(pts))
	for i, p := range pts {
		line[i] = p.Point()
	}
	start, idx := -1, 0
	for i, st := range sts {
		j := geo.NearestIndex(line, geo.Point{Lat: st.StopLat, Lon: st.StopLon}, idx)
		if j < 0 {
			return -1, -1
		}
		if i == 0 {
			start = j
		}
		idx = j
	}
	return start, idx
}

func (s *Segment) String() string {
	return fmt.Sprintf("%s/%s %.2fkm (%d pts, %s)", s.TripID, s.ShapeID, s.DistanceKm, len(s.Points), s.Method)
}

// Package gtfstest provides an in-memory schedule for component tests.
package gtfstest

import (
	"context"
	"sort"
	"sync"

	"transit-planner/internal/geo"
	"transit-planner/internal/gtfs"
)

type tripDef struct {
	trip  gtfs.Trip
	stops []string
	dist  []float64
}

// Schedule implements the read side of the schedule store over maps.
// Stop sequences are 1-based positions in the trip's stop list.
type Schedule struct {
	mu     sync.Mutex
	order  []gtfs.Category
	stops  map[gtfs.Category]map[string]gtfs.Stop
	routes map[gtfs.Category]map[string]gtfs.Route
	trips  map[gtfs.Category][]tripDef
	shapes map[gtfs.Category]map[string][]gtfs.ShapePoint

	// Err, when set, fails every query.
	Err error
	// OnQuery runs before every query.
	OnQuery func()
	Queries int
}

func New(categories ...gtfs.Category) *Schedule {
	s := &Schedule{
		stops:  map[gtfs.Category]map[string]gtfs.Stop{},
		routes: map[gtfs.Category]map[string]gtfs.Route{},
		trips:  map[gtfs.Category][]tripDef{},
		shapes: map[gtfs.Category]map[string][]gtfs.ShapePoint{},
	}
	for _, c := range categories {
		s.order = append(s.order, c)
		s.stops[c] = map[string]gtfs.Stop{}
		s.routes[c] = map[string]gtfs.Route{}
		s.shapes[c] = map[string][]gtfs.ShapePoint{}
	}
	return s
}

func (s *Schedule) AddStop(cat gtfs.Category, id string, lat, lon float64) gtfs.Stop {
	st := gtfs.Stop{ID: id, Name: id, Lat: lat, Lon: lon, Category: cat}
	s.stops[cat][id] = st
	return st
}

func (s *Schedule) Stop(cat gtfs.Category, id string) gtfs.Stop { return s.stops[cat][id] }

func (s *Schedule) AddRoute(cat gtfs.Category, r gtfs.Route) { s.routes[cat][r.ID] = r }

// AddTrip registers a trip visiting stopIDs in order.
func (s *Schedule) AddTrip(cat gtfs.Category, trip gtfs.Trip, stopIDs ...string) {
	s.trips[cat] = append(s.trips[cat], tripDef{trip: trip, stops: stopIDs})
}

// AddTripWithDistances is AddTrip with shape_dist_traveled per stop.
func (s *Schedule) AddTripWithDistances(cat gtfs.Category, trip gtfs.Trip, stopIDs []string, dist []float64) {
	s.trips[cat] = append(s.trips[cat], tripDef{trip: trip, stops: stopIDs, dist: dist})
}

func (s *Schedule) AddShape(cat gtfs.Category, shapeID string, pts []gtfs.ShapePoint) {
	s.shapes[cat][shapeID] = pts
}

func (s *Schedule) query() error {
	s.mu.Lock()
	s.Queries++
	hook := s.OnQuery
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return s.Err
}

func (s *Schedule) Categories() []gtfs.Category { return s.order }

func (s *Schedule) NearbyStops(ctx context.Context, cat gtfs.Category, lat, lon, radiusKm float64, limit int) ([]gtfs.Stop, error) {
	if err := s.query(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []gtfs.Stop
	for _, st := range s.stops[cat] {
		st.DistanceKm = geo.HaversineKm(lat, lon, st.Lat, st.Lon)
		if st.DistanceKm <= radiusKm {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// gap returns the smallest board/alight index pair with board before alight.
func gap(stops []string, board, alight string) (int, int, bool) {
	bi, ai, best := -1, -1, -1
	for i, b := range stops {
		if b != board {
			continue
		}
		for j := i + 1; j < len(stops); j++ {
			if stops[j] == alight && (best < 0 || j-i < best) {
				bi, ai, best = i, j, j-i
				break
			}
		}
	}
	return bi, ai, best >= 0
}

func (s *Schedule) segment(cat gtfs.Category, td tripDef, bi, ai int) gtfs.TripSegment {
	seg := gtfs.TripSegment{
		Category:       cat,
		Route:          s.routes[cat][td.trip.RouteID],
		Trip:           td.trip,
		Board:          s.stops[cat][td.stops[bi]],
		Alight:         s.stops[cat][td.stops[ai]],
		BoardSequence:  bi + 1,
		AlightSequence: ai + 1,
	}
	if td.dist != nil {
		b, a := td.dist[bi], td.dist[ai]
		seg.BoardDistTraveled, seg.AlightDistTraveled = &b, &a
	}
	return seg
}

func (s *Schedule) Segments(ctx context.Context, cat gtfs.Category, from, to gtfs.Stop, excludeRouteID string, limit int) ([]gtfs.TripSegment, error) {
	if err := s.query(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	best := map[string]gtfs.TripSegment{}
	for _, td := range s.trips[cat] {
		if excludeRouteID != "" && td.trip.RouteID == excludeRouteID {
			continue
		}
		bi, ai, ok := gap(td.stops, from.ID, to.ID)
		if !ok {
			continue
		}
		cur, seen := best[td.trip.RouteID]
		if seen && cur.AlightSequence-cur.BoardSequence <= ai-bi {
			continue
		}
		seg := s.segment(cat, td, bi, ai)
		seg.Board, seg.Alight = from, to
		best[td.trip.RouteID] = seg
	}
	out := make([]gtfs.TripSegment, 0, len(best))
	for _, seg := range best {
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route.DisplayName() < out[j].Route.DisplayName() })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Schedule) Departures(ctx context.Context, cat gtfs.Category, stop gtfs.Stop, limit int) ([]gtfs.Departure, error) {
	if err := s.query(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	best := map[string]gtfs.Departure{}
	for _, td := range s.trips[cat] {
		for i, id := range td.stops {
			if id != stop.ID || i == len(td.stops)-1 {
				continue
			}
			if cur, ok := best[td.trip.RouteID]; ok && cur.FromSequence <= i+1 {
				break
			}
			best[td.trip.RouteID] = gtfs.Departure{
				Category: cat, Route: s.routes[cat][td.trip.RouteID], Trip: td.trip, From: stop, FromSequence: i + 1,
			}
			break
		}
	}
	out := make([]gtfs.Departure, 0, len(best))
	for _, d := range best {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Route.ID < out[j].Route.ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Schedule) StopTimes(ctx context.Context, cat gtfs.Category, tripID string, fromSeq, toSeq, limit int) ([]gtfs.StopTime, error) {
	if err := s.query(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []gtfs.StopTime
	for _, td := range s.trips[cat] {
		if td.trip.TripID != tripID {
			continue
		}
		for i, id := range td.stops {
			seq := i + 1
			if seq < fromSeq || seq > toSeq {
				continue
			}
			st := s.stops[cat][id]
			row := gtfs.StopTime{TripID: tripID, StopID: id, StopName: st.Name, StopSequence: seq, StopLat: st.Lat, StopLon: st.Lon}
			if td.dist != nil {
				d := td.dist[i]
				row.ShapeDistTraveled = &d
			}
			out = append(out, row)
			if len(out) == limit {
				return out, nil
			}
		}
		break
	}
	return out, nil
}

func (s *Schedule) SegmentTrip(ctx context.Context, cat gtfs.Category, routeID, boardStopID, alightStopID string) (*gtfs.TripSegment, error) {
	if err := s.query(); err != nil {
		return nil, err
	}
	var (
		best  *gtfs.TripSegment
		bestN int
	)
	for _, td := range s.trips[cat] {
		if td.trip.RouteID != routeID {
			continue
		}
		bi, ai, ok := gap(td.stops, boardStopID, alightStopID)
		if !ok || (best != nil && ai-bi >= bestN) {
			continue
		}
		seg := s.segment(cat, td, bi, ai)
		best, bestN = &seg, ai-bi
	}
	return best, nil
}

func (s *Schedule) ShapePoints(ctx context.Context, cat gtfs.Category, shapeID string) ([]gtfs.ShapePoint, error) {
	if err := s.query(); err != nil {
		return nil, err
	}
	return s.shapes[cat][shapeID], nil
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"transit-planner/internal/geo"
	"transit-planner/internal/gtfs"
)

// ScheduleStore reads per-category reference tables. It never writes.
type ScheduleStore struct {
	db               *sql.DB
	reg              *Registry
	statementTimeout time.Duration
}

// NewScheduleStore binds the pool and the validated registry. Heavy transfer
// queries run under statementTimeout.
func NewScheduleStore(db *sql.DB, reg *Registry, statementTimeout time.Duration) *ScheduleStore {
	return &ScheduleStore{db: db, reg: reg, statementTimeout: statementTimeout}
}

func (s *ScheduleStore) Categories() []gtfs.Category { return s.reg.Categories() }

func nearbyStopsSQL(ts *tableSet) string {
	return fmt.Sprintf(`
SELECT stop_id, stop_name, stop_code, lat, lon, dist_km FROM (
  SELECT s.stop_id,
         COALESCE(s.stop_name, '') AS stop_name,
         COALESCE(s.stop_code, '') AS stop_code,
         %[2]s AS lat,
         %[3]s AS lon,
         2 * 6371.0 * asin(LEAST(1.0, sqrt(
           power(sin(radians(%[2]s - $1) / 2), 2) +
           cos(radians($1)) * cos(radians(%[2]s)) * power(sin(radians(%[3]s - $2) / 2), 2)
         ))) AS dist_km
  FROM %[1]s s
  WHERE %[2]s BETWEEN $3 AND $4 AND %[3]s BETWEEN $5 AND $6
) n
WHERE dist_km <= $7
ORDER BY dist_km, stop_id
LIMIT $8`, ts.stops, ts.stopLat, ts.stopLon)
}

// NearbyStops returns stops of cat within radiusKm of (lat, lon), nearest first.
func (s *ScheduleStore) NearbyStops(ctx context.Context, cat gtfs.Category, lat, lon, radiusKm float64, limit int) ([]gtfs.Stop, error) {
	ts, err := s.reg.lookup(cat)
	if err != nil {
		return nil, err
	}
	latDeg, lonDeg := geo.BoundingBox(lat, radiusKm)
	rows, err := s.db.QueryContext(ctx, nearbyStopsSQL(ts),
		lat, lon, lat-latDeg, lat+latDeg, lon-lonDeg, lon+lonDeg, radiusKm, limit)
	if err != nil {
		return nil, fmt.Errorf("query nearby stops (%s): %w", cat, err)
	}
	defer rows.Close()
	var out []gtfs.Stop
	for rows.Next() {
		st := gtfs.Stop{Category: cat}
		if err := rows.Scan(&st.ID, &st.Name, &st.Code, &st.Lat, &st.Lon, &st.DistanceKm); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func segmentsSQL(ts *tableSet) string {
	return fmt.Sprintf(`
SELECT route_id, route_short_name, route_long_name, route_type, route_color,
       trip_id, trip_headsign, shape_id, direction_id,
       board_seq, alight_seq, board_dist, alight_dist
FROM (
  SELECT DISTINCT ON (r.route_id)
         r.route_id,
         COALESCE(r.route_short_name, '') AS route_short_name,
         COALESCE(r.route_long_name, '') AS route_long_name,
         COALESCE(r.route_type, 3) AS route_type,
         COALESCE(r.route_color, '') AS route_color,
         t.trip_id,
         COALESCE(t.trip_headsign, '') AS trip_headsign,
         COALESCE(t.shape_id, '') AS shape_id,
         t.direction_id,
         o.stop_sequence AS board_seq,
         d.stop_sequence AS alight_seq,
         o.shape_dist_traveled AS board_dist,
         d.shape_dist_traveled AS alight_dist
  FROM %[1]s o
  JOIN %[1]s d ON d.trip_id = o.trip_id AND d.stop_sequence > o.stop_sequence
  JOIN %[2]s t ON t.trip_id = o.trip_id
  JOIN %[3]s r ON r.route_id = t.route_id
  WHERE o.stop_id = $1 AND d.stop_id = $2 AND ($3 = '' OR r.route_id <> $3)
  ORDER BY r.route_id, d.stop_sequence - o.stop_sequence, t.trip_id
) c
ORDER BY COALESCE(NULLIF(route_short_name, ''), NULLIF(route_long_name, ''), route_id), route_id
LIMIT $4`, ts.stopTimes, ts.trips, ts.routes)
}

// Segments returns, per route, the trip with the smallest sequence gap that
// serves from before to. Routes equal to excludeRouteID are skipped.
func (s *ScheduleStore) Segments(ctx context.Context, cat gtfs.Category, from, to gtfs.Stop, excludeRouteID string, limit int) ([]gtfs.TripSegment, error) {
	ts, err := s.reg.lookup(cat)
	if err != nil {
		return nil, err
	}
	var out []gtfs.TripSegment
	err = withStatementTimeout(ctx, s.db, s.statementTimeout, func(q queryer) error {
		rows, err := q.QueryContext(ctx, segmentsSQL(ts), from.ID, to.ID, excludeRouteID, limit)
		if err != nil {
			return fmt.Errorf("query segments (%s %s->%s): %w", cat, from.ID, to.ID, err)
		}
		defer rows.Close()
		for rows.Next() {
			seg := gtfs.TripSegment{Category: cat, Board: from, Alight: to}
			var dir sql.NullInt64
			var bd, ad sql.NullFloat64
			if err := rows.Scan(&seg.Route.ID, &seg.Route.ShortName, &seg.Route.LongName, &seg.Route.Type, &seg.Route.Color,
				&seg.Trip.TripID, &seg.Trip.Headsign, &seg.Trip.ShapeID, &dir,
				&seg.BoardSequence, &seg.AlightSequence, &bd, &ad); err != nil {
				return err
			}
			seg.Trip.RouteID = seg.Route.ID
			seg.Trip.DirectionID = nullInt(dir)
			seg.BoardDistTraveled = nullFloat(bd)
			seg.AlightDistTraveled = nullFloat(ad)
			out = append(out, seg)
		}
		return rows.Err()
	})
	return out, err
}

func departuresSQL(ts *tableSet) string {
	return fmt.Sprintf(`
SELECT route_id, route_short_name, route_long_name, route_type, route_color,
       trip_id, trip_headsign, shape_id, direction_id, stop_sequence
FROM (
  SELECT DISTINCT ON (r.route_id)
         r.route_id,
         COALESCE(r.route_short_name, '') AS route_short_name,
         COALESCE(r.route_long_name, '') AS route_long_name,
         COALESCE(r.route_type, 3) AS route_type,
         COALESCE(r.route_color, '') AS route_color,
         t.trip_id,
         COALESCE(t.trip_headsign, '') AS trip_headsign,
         COALESCE(t.shape_id, '') AS shape_id,
         t.direction_id,
         st.stop_sequence
  FROM %[1]s st
  JOIN %[2]s t ON t.trip_id = st.trip_id
  JOIN %[3]s r ON r.route_id = t.route_id
  WHERE st.stop_id = $1
    AND EXISTS (SELECT 1 FROM %[1]s n WHERE n.trip_id = st.trip_id AND n.stop_sequence > st.stop_sequence)
  ORDER BY r.route_id, st.stop_sequence, t.trip_id
) c
ORDER BY route_id
LIMIT $2`, ts.stopTimes, ts.trips, ts.routes)
}

// Departures samples up to limit trips (one per route) leaving stop that
// continue past it.
func (s *ScheduleStore) Departures(ctx context.Context, cat gtfs.Category, stop gtfs.Stop, limit int) ([]gtfs.Departure, error) {
	ts, err := s.reg.lookup(cat)
	if err != nil {
		return nil, err
	}
	var out []gtfs.Departure
	err = withStatementTimeout(ctx, s.db, s.statementTimeout, func(q queryer) error {
		rows, err := q.QueryContext(ctx, departuresSQL(ts), stop.ID, limit)
		if err != nil {
			return fmt.Errorf("query departures (%s %s): %w", cat, stop.ID, err)
		}
		defer rows.Close()
		for rows.Next() {
			d := gtfs.Departure{Category: cat, From: stop}
			var dir sql.NullInt64
			if err := rows.Scan(&d.Route.ID, &d.Route.ShortName, &d.Route.LongName, &d.Route.Type, &d.Route.Color,
				&d.Trip.TripID, &d.Trip.Headsign, &d.Trip.ShapeID, &dir, &d.FromSequence); err != nil {
				return err
			}
			d.Trip.RouteID = d.Route.ID
			d.Trip.DirectionID = nullInt(dir)
			out = append(out, d)
		}
		return rows.Err()
	})
	return out, err
}

func stopTimesSQL(ts *tableSet) string {
	return fmt.Sprintf(`
SELECT st.stop_id,
       COALESCE(s.stop_name, ''),
       COALESCE(s.stop_code, ''),
       st.stop_sequence,
       COALESCE(st.arrival_time::text, ''),
       COALESCE(st.departure_time::text, ''),
       st.shape_dist_traveled,
       COALESCE(%[3]s, 0),
       COALESCE(%[4]s, 0)
FROM %[1]s st
JOIN %[2]s s ON s.stop_id = st.stop_id
WHERE st.trip_id = $1 AND st.stop_sequence >= $2 AND st.stop_sequence <= $3
ORDER BY st.stop_sequence
LIMIT $4`, ts.stopTimes, ts.stops, ts.stopLat, ts.stopLon)
}

// StopTimes returns the stop-times of tripID with fromSeq <= sequence <= toSeq,
// ordered by sequence, at most limit rows.
func (s *ScheduleStore) StopTimes(ctx context.Context, cat gtfs.Category, tripID string, fromSeq, toSeq, limit int) ([]gtfs.StopTime, error) {
	ts, err := s.reg.lookup(cat)
	if err != nil {
		return nil, err
	}
	var out []gtfs.StopTime
	err = withStatementTimeout(ctx, s.db, s.statementTimeout, func(q queryer) error {
		rows, err := q.QueryContext(ctx, stopTimesSQL(ts), tripID, fromSeq, toSeq, limit)
		if err != nil {
			return fmt.Errorf("query stop_times (%s %s): %w", cat, tripID, err)
		}
		defer rows.Close()
		for rows.Next() {
			st := gtfs.StopTime{TripID: tripID}
			var dist sql.NullFloat64
			if err := rows.Scan(&st.StopID, &st.StopName, &st.StopCode, &st.StopSequence, &st.Arrival, &st.Departure,
				&dist, &st.StopLat, &st.StopLon); err != nil {
				return err
			}
			st.ShapeDistTraveled = nullFloat(dist)
			out = append(out, st)
		}
		return rows.Err()
	})
	return out, err
}

func segmentTripSQL(ts *tableSet) string {
	return fmt.Sprintf(`
SELECT t.trip_id,
       COALESCE(t.trip_headsign, ''),
       COALESCE(t.shape_id, ''),
       t.direction_id,
       o.stop_sequence,
       d.stop_sequence,
       o.shape_dist_traveled,
       d.shape_dist_traveled
FROM %[1]s o
JOIN %[1]s d ON d.trip_id = o.trip_id AND d.stop_sequence > o.stop_sequence
JOIN %[2]s t ON t.trip_id = o.trip_id
WHERE t.route_id = $1 AND o.stop_id = $2 AND d.stop_id = $3
ORDER BY d.stop_sequence - o.stop_sequence, (t.shape_id IS NULL OR t.shape_id = ''), t.trip_id
LIMIT 1`, ts.stopTimes, ts.trips)
}

// SegmentTrip finds the trip of routeID serving board before alight with the
// smallest sequence gap. It returns nil when no trip qualifies.
func (s *ScheduleStore) SegmentTrip(ctx context.Context, cat gtfs.Category, routeID, boardStopID, alightStopID string) (*gtfs.TripSegment, error) {
	ts, err := s.reg.lookup(cat)
	if err != nil {
		return nil, err
	}
	seg := &gtfs.TripSegment{Category: cat}
	var dir sql.NullInt64
	var bd, ad sql.NullFloat64
	err = s.db.QueryRowContext(ctx, segmentTripSQL(ts), routeID, boardStopID, alightStopID).Scan(
		&seg.Trip.TripID, &seg.Trip.Headsign, &seg.Trip.ShapeID, &dir,
		&seg.BoardSequence, &seg.AlightSequence, &bd, &ad)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query segment trip (%s route %s): %w", cat, routeID, err)
	}
	seg.Route.ID = routeID
	seg.Trip.RouteID = routeID
	seg.Trip.DirectionID = nullInt(dir)
	seg.Board.ID, seg.Alight.ID = boardStopID, alightStopID
	seg.BoardDistTraveled = nullFloat(bd)
	seg.AlightDistTraveled = nullFloat(ad)
	return seg, nil
}

func shapePointsSQL(ts *tableSet) string {
	return fmt.Sprintf(`
SELECT %[2]s, %[3]s, sh.shape_pt_sequence, sh.shape_dist_traveled
FROM %[1]s sh
WHERE sh.shape_id = $1
ORDER BY sh.shape_pt_sequence`, ts.shapes, ts.shapeLat, ts.shapeLon)
}

// ShapePoints returns the ordered points of shapeID; empty when unknown.
func (s *ScheduleStore) ShapePoints(ctx context.Context, cat gtfs.Category, shapeID string) ([]gtfs.ShapePoint, error) {
	if shapeID == "" {
		return nil, nil
	}
	ts, err := s.reg.lookup(cat)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, shapePointsSQL(ts), shapeID)
	if err != nil {
		return nil, fmt.Errorf("query shapes (%s %s): %w", cat, shapeID, err)
	}
	defer rows.Close()
	var pts []gtfs.ShapePoint
	for rows.Next() {
		var p gtfs.ShapePoint
		var dist sql.NullFloat64
		if err := rows.Scan(&p.Lat, &p.Lon, &p.Sequence, &dist); err != nil {
			return nil, err
		}
		p.DistTraveled = nullFloat(dist)
		pts = append(pts, p)
	}
	return pts, rows.Err()
}

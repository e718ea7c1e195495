package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"transit-planner/internal/geo"
	"transit-planner/internal/gtfs"
	"transit-planner/internal/tracker"
)

// VehicleStore persists realtime positions into each category's
// vehicle_positions table.
type VehicleStore struct {
	db  *sql.DB
	reg *Registry
}

func NewVehicleStore(db *sql.DB, reg *Registry) *VehicleStore {
	return &VehicleStore{db: db, reg: reg}
}

const vehicleColumns = `vehicle_id, label, trip_id, route_id, direction_id, start_date,
       latitude, longitude, bearing, speed, current_stop_sequence, stop_id, status,
       position_timestamp, batch_id, fetched_at`

func upsertVehicleSQL(ts *tableSet) string {
	return fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (vehicle_id, position_timestamp) DO UPDATE SET
  label = EXCLUDED.label,
  trip_id = EXCLUDED.trip_id,
  route_id = EXCLUDED.route_id,
  direction_id = EXCLUDED.direction_id,
  start_date = EXCLUDED.start_date,
  latitude = EXCLUDED.latitude,
  longitude = EXCLUDED.longitude,
  bearing = EXCLUDED.bearing,
  speed = EXCLUDED.speed,
  current_stop_sequence = EXCLUDED.current_stop_sequence,
  stop_id = EXCLUDED.stop_id,
  status = EXCLUDED.status,
  batch_id = EXCLUDED.batch_id,
  fetched_at = EXCLUDED.fetched_at`, ts.vehicles, vehicleColumns)
}

// ReplacePositions writes batch in one transaction. With clearOld every
// existing row of cat is deleted first. Any failure rolls the whole batch back.
func (s *VehicleStore) ReplacePositions(ctx context.Context, cat gtfs.Category, batch []gtfs.VehiclePosition, clearOld bool) (int, error) {
	ts, err := s.reg.lookup(cat)
	if err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if clearOld {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, ts.vehicles)); err != nil {
			return 0, fmt.Errorf("clear %s: %w", cat, err)
		}
	}
	stmt, err := tx.PrepareContext(ctx, upsertVehicleSQL(ts))
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, v := range batch {
		if _, err := stmt.ExecContext(ctx,
			v.VehicleID, nullString(v.Label), nullString(v.TripID), nullString(v.RouteID), v.DirectionID, nullString(v.StartDate),
			v.Lat, v.Lon, v.Bearing, v.SpeedMps, v.CurrentStopSequence, nullString(v.StopID), nullString(v.Status),
			v.Timestamp, nullString(v.BatchID), v.FetchedAt,
		); err != nil {
			return 0, fmt.Errorf("upsert vehicle %s: %w", v.VehicleID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(batch), nil
}

func (s *VehicleStore) LatestFetch(ctx context.Context, cat gtfs.Category) (time.Time, error) {
	ts, err := s.reg.lookup(cat)
	if err != nil {
		return time.Time{}, err
	}
	var latest sql.NullTime
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT MAX(fetched_at) FROM %s`, ts.vehicles)).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("latest fetch (%s): %w", cat, err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time, nil
}

func vehicleDistanceExpr() string {
	return `2 * 6371.0 * asin(LEAST(1.0, sqrt(
           power(sin(radians(v.latitude - $1) / 2), 2) +
           cos(radians($1)) * cos(radians(v.latitude)) * power(sin(radians(v.longitude - $2) / 2), 2)
         )))`
}

// latestPerVehicleSQL picks the newest row per vehicle seen since the
// sinceArg placeholder, then keeps the picked rows matching filter. Filters
// never run before the pick, so a vehicle is judged by where it is now.
// distExpr is exposed as dist_km.
func latestPerVehicleSQL(ts *tableSet, distExpr, sinceArg, filter, order string) string {
	if filter == "" {
		filter = "TRUE"
	}
	return fmt.Sprintf(`
SELECT %[1]s, dist_km FROM (
  SELECT DISTINCT ON (v.vehicle_id) v.*, %[2]s AS dist_km
  FROM %[3]s v
  WHERE v.position_timestamp >= %[4]s
  ORDER BY v.vehicle_id, v.position_timestamp DESC
) latest
WHERE %[5]s
ORDER BY %[6]s`, vehicleColumns, distExpr, ts.vehicles, sinceArg, filter, order)
}

func (s *VehicleStore) LatestPositions(ctx context.Context, cat gtfs.Category, since time.Time) ([]gtfs.VehiclePosition, error) {
	ts, err := s.reg.lookup(cat)
	if err != nil {
		return nil, err
	}
	q := latestPerVehicleSQL(ts, "0::float8", "$1", "", "position_timestamp DESC, vehicle_id")
	return s.queryVehicles(ctx, cat, q, since)
}

func nearbyVehiclesSQL(ts *tableSet) string {
	filter := `latitude BETWEEN $4 AND $5 AND longitude BETWEEN $6 AND $7
  AND dist_km <= $8`
	return latestPerVehicleSQL(ts, vehicleDistanceExpr(), "$3", filter, "dist_km, vehicle_id")
}

func (s *VehicleStore) NearbyPositions(ctx context.Context, cat gtfs.Category, lat, lon, radiusKm float64, since time.Time) ([]gtfs.VehiclePosition, error) {
	ts, err := s.reg.lookup(cat)
	if err != nil {
		return nil, err
	}
	latDeg, lonDeg := geo.BoundingBox(lat, radiusKm)
	return s.queryVehicles(ctx, cat, nearbyVehiclesSQL(ts),
		lat, lon, since, lat-latDeg, lat+latDeg, lon-lonDeg, lon+lonDeg, radiusKm)
}

// routeVehiclesSQL returns the query and its args after routeID and since.
func routeVehiclesSQL(ts *tableSet, routeID string, f tracker.RouteFilter, since time.Time) (string, []any) {
	conds := []string{"route_id = $1"}
	args := []any{routeID, since}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.DirectionID != nil {
		add("direction_id = $%d", *f.DirectionID)
	}
	if f.MinStopSequence != nil {
		add("current_stop_sequence >= $%d", *f.MinStopSequence)
	}
	if f.MaxStopSequence != nil {
		add("current_stop_sequence <= $%d", *f.MaxStopSequence)
	}
	q := latestPerVehicleSQL(ts, "0::float8", "$2", strings.Join(conds, " AND "), "current_stop_sequence NULLS LAST, vehicle_id")
	return q, args
}

func (s *VehicleStore) RoutePositions(ctx context.Context, cat gtfs.Category, routeID string, f tracker.RouteFilter, since time.Time) ([]gtfs.VehiclePosition, error) {
	ts, err := s.reg.lookup(cat)
	if err != nil {
		return nil, err
	}
	q, args := routeVehiclesSQL(ts, routeID, f, since)
	return s.queryVehicles(ctx, cat, q, args...)
}

func (s *VehicleStore) DeletePositionsBefore(ctx context.Context, cat gtfs.Category, cutoff time.Time) (int64, error) {
	ts, err := s.reg.lookup(cat)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE position_timestamp < $1`, ts.vehicles), cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old positions (%s): %w", cat, err)
	}
	return res.RowsAffected()
}

func (s *VehicleStore) CountPositionsSince(ctx context.Context, cat gtfs.Category, since time.Time) (int, error) {
	ts, err := s.reg.lookup(cat)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE position_timestamp >= $1`, ts.vehicles), since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count positions (%s): %w", cat, err)
	}
	return n, nil
}

func (s *VehicleStore) queryVehicles(ctx context.Context, cat gtfs.Category, q string, args ...any) ([]gtfs.VehiclePosition, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query vehicles (%s): %w", cat, err)
	}
	defer rows.Close()
	var out []gtfs.VehiclePosition
	for rows.Next() {
		var (
			v                                               gtfs.VehiclePosition
			label, trip, route, start, stop, status, batch sql.NullString
			dir, seq                                        sql.NullInt64
			bearing, speed                                  sql.NullFloat64
			fetched                                         sql.NullTime
		)
		if err := rows.Scan(&v.VehicleID, &label, &trip, &route, &dir, &start,
			&v.Lat, &v.Lon, &bearing, &speed, &seq, &stop, &status,
			&v.Timestamp, &batch, &fetched, &v.DistanceKm); err != nil {
			return nil, err
		}
		v.Label, v.TripID, v.RouteID, v.StartDate = label.String, trip.String, route.String, start.String
		v.StopID, v.Status, v.BatchID = stop.String, status.String, batch.String
		v.DirectionID = nullInt(dir)
		v.CurrentStopSequence = nullInt(seq)
		v.Bearing = nullFloat(bearing)
		v.SpeedMps = nullFloat(speed)
		v.FetchedAt = fetched.Time
		v.Category = cat
		out = append(out, v)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

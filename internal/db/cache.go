package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"transit-planner/internal/routecache"
)

// CacheStore backs the route cache with a single shared table, unique on
// (origin_lat, origin_lon, dest_lat, dest_lon, mode).
type CacheStore struct {
	db    *sql.DB
	table string
}

// NewCacheStore sanitizes schema.table once; query text never sees raw names.
func NewCacheStore(db *sql.DB, schema, table string) (*CacheStore, error) {
	if !identRe.MatchString(schema) || !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid cache table %q.%q", schema, table)
	}
	return &CacheStore{db: db, table: pgx.Identifier{schema, table}.Sanitize()}, nil
}

var cacheRequiredColumns = []string{
	"id", "origin_lat", "origin_lon", "dest_lat", "dest_lon", "mode",
	"distance_km", "duration_min", "emissions_kg", "geometry", "payload",
	"hit_count", "created_at", "expires_at",
}

// Validate checks the cache table exposes the expected columns.
func (s *CacheStore) Validate(ctx context.Context, schema, table string) error {
	have, err := hasColumns(ctx, s.db, schema, table, cacheRequiredColumns...)
	if err != nil {
		return fmt.Errorf("introspect %s.%s: %w", schema, table, err)
	}
	for _, c := range cacheRequiredColumns {
		if !have[c] {
			return fmt.Errorf("cache table %s.%s missing column %q", schema, table, c)
		}
	}
	return nil
}

const cacheColumns = `id, origin_lat, origin_lon, dest_lat, dest_lon, mode,
       COALESCE(distance_km, 0), COALESCE(duration_min, 0), COALESCE(emissions_kg, 0),
       COALESCE(geometry, ''), payload, hit_count, created_at, expires_at`

func (s *CacheStore) FindExact(ctx context.Context, k routecache.Key, now time.Time) (*routecache.Entry, error) {
	q := fmt.Sprintf(`
SELECT %s FROM %s
WHERE origin_lat = $1 AND origin_lon = $2 AND dest_lat = $3 AND dest_lon = $4
  AND mode = $5 AND expires_at > $6`, cacheColumns, s.table)
	return s.scanOne(s.db.QueryRowContext(ctx, q, k.OriginLat, k.OriginLon, k.DestLat, k.DestLon, k.Mode, now))
}

func (s *CacheStore) FindNearby(ctx context.Context, k routecache.Key, maxDelta float64, now time.Time) (*routecache.Entry, error) {
	q := fmt.Sprintf(`
SELECT %s FROM %s
WHERE mode = $5 AND expires_at > $6
  AND origin_lat BETWEEN $1 - $7 AND $1 + $7
  AND origin_lon BETWEEN $2 - $7 AND $2 + $7
  AND dest_lat BETWEEN $3 - $7 AND $3 + $7
  AND dest_lon BETWEEN $4 - $7 AND $4 + $7
ORDER BY abs(origin_lat - $1) + abs(origin_lon - $2) + abs(dest_lat - $3) + abs(dest_lon - $4),
         hit_count DESC, id
LIMIT 1`, cacheColumns, s.table)
	return s.scanOne(s.db.QueryRowContext(ctx, q, k.OriginLat, k.OriginLon, k.DestLat, k.DestLon, k.Mode, now, maxDelta))
}

func (s *CacheStore) scanOne(row *sql.Row) (*routecache.Entry, error) {
	var (
		e       routecache.Entry
		payload []byte
	)
	err := row.Scan(&e.ID, &e.Key.OriginLat, &e.Key.OriginLon, &e.Key.DestLat, &e.Key.DestLon, &e.Key.Mode,
		&e.Payload.DistanceKm, &e.Payload.DurationMin, &e.Payload.EmissionsKg, &e.Payload.Geometry,
		&payload, &e.HitCount, &e.CreatedAt, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan cache entry: %w", err)
	}
	if len(payload) > 0 {
		e.Payload.Data = payload
	}
	return &e, nil
}

// Touch counts a hit and pushes expiry out. It returns the new hit count.
func (s *CacheStore) Touch(ctx context.Context, id int64, expiresAt time.Time) (int, error) {
	var hits int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
UPDATE %s SET hit_count = hit_count + 1, expires_at = GREATEST(expires_at, $2)
WHERE id = $1
RETURNING hit_count`, s.table), id, expiresAt).Scan(&hits)
	if err != nil {
		return 0, fmt.Errorf("touch cache entry %d: %w", id, err)
	}
	return hits, nil
}

// Upsert inserts or overwrites the payload for e.Key. Concurrent writers of
// the same key converge on the last write.
func (s *CacheStore) Upsert(ctx context.Context, e routecache.Entry) error {
	var payload any
	if len(e.Payload.Data) > 0 {
		payload = []byte(e.Payload.Data)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (origin_lat, origin_lon, dest_lat, dest_lon, mode,
                distance_km, duration_min, emissions_kg, geometry, payload,
                hit_count, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10::jsonb, 0, $11, $12)
ON CONFLICT (origin_lat, origin_lon, dest_lat, dest_lon, mode) DO UPDATE SET
  distance_km = EXCLUDED.distance_km,
  duration_min = EXCLUDED.duration_min,
  emissions_kg = EXCLUDED.emissions_kg,
  geometry = EXCLUDED.geometry,
  payload = EXCLUDED.payload,
  expires_at = EXCLUDED.expires_at`, s.table),
		e.Key.OriginLat, e.Key.OriginLon, e.Key.DestLat, e.Key.DestLon, e.Key.Mode,
		e.Payload.DistanceKm, e.Payload.DurationMin, e.Payload.EmissionsKg, e.Payload.Geometry, payload,
		e.CreatedAt, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert cache entry %s: %w", e.Key, err)
	}
	return nil
}

func (s *CacheStore) Stats(ctx context.Context, now time.Time) (routecache.Stats, error) {
	st := routecache.Stats{ByMode: map[string]int64{}}
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE expires_at > $1),
       COUNT(*) FILTER (WHERE expires_at <= $1),
       COALESCE(SUM(hit_count), 0)
FROM %s`, s.table), now).Scan(&st.Entries, &st.Live, &st.Expired, &st.TotalHits)
	if err != nil {
		return st, fmt.Errorf("cache stats: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT mode, COUNT(*) FROM %s GROUP BY mode ORDER BY mode`, s.table))
	if err != nil {
		return st, fmt.Errorf("cache stats by mode: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			mode string
			n    int64
		)
		if err := rows.Scan(&mode, &n); err != nil {
			return st, err
		}
		st.ByMode[mode] = n
	}
	return st, rows.Err()
}

func (s *CacheStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, s.table), now)
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	return res.RowsAffected()
}

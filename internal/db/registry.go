package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"

	"github.com/jackc/pgx/v5"

	"transit-planner/internal/gtfs"
)

// FeedTables maps a category to the Postgres schema holding its tables.
type FeedTables struct {
	Category gtfs.Category
	Schema   string
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Registry maps each known category to query text built from sanitized
// identifiers. Query text is only ever produced here; callers never
// concatenate category names into SQL.
type Registry struct {
	order  []gtfs.Category
	tables map[gtfs.Category]*tableSet
}

type tableSet struct {
	schema string

	stops, routes, trips, stopTimes, shapes, vehicles string

	// Coordinate expressions: plain lat/lon columns or a PostGIS location column.
	stopLat, stopLon   string
	shapeLat, shapeLon string

	validated bool
}

// NewRegistry checks identifiers and prepares table handles. Call Validate
// before issuing queries.
func NewRegistry(feeds []FeedTables) (*Registry, error) {
	if len(feeds) == 0 {
		return nil, fmt.Errorf("registry: no feeds configured")
	}
	r := &Registry{tables: make(map[gtfs.Category]*tableSet, len(feeds))}
	for _, f := range feeds {
		if f.Category == "" {
			return nil, fmt.Errorf("registry: empty category")
		}
		if _, dup := r.tables[f.Category]; dup {
			return nil, fmt.Errorf("registry: duplicate category %q", f.Category)
		}
		if !identRe.MatchString(f.Schema) {
			return nil, fmt.Errorf("registry: invalid schema name %q for category %q", f.Schema, f.Category)
		}
		ident := func(table string) string { return pgx.Identifier{f.Schema, table}.Sanitize() }
		r.tables[f.Category] = &tableSet{
			schema:    f.Schema,
			stops:     ident("stops"),
			routes:    ident("routes"),
			trips:     ident("trips"),
			stopTimes: ident("stop_times"),
			shapes:    ident("shapes"),
			vehicles:  ident("vehicle_positions"),
			stopLat:   "s.stop_lat",
			stopLon:   "s.stop_lon",
			shapeLat:  "sh.shape_pt_lat",
			shapeLon:  "sh.shape_pt_lon",
		}
		r.order = append(r.order, f.Category)
	}
	return r, nil
}

// Categories returns the registered categories in configuration order.
func (r *Registry) Categories() []gtfs.Category {
	out := make([]gtfs.Category, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) lookup(cat gtfs.Category) (*tableSet, error) {
	ts, ok := r.tables[cat]
	if !ok {
		return nil, fmt.Errorf("unknown category %q", cat)
	}
	if !ts.validated {
		return nil, fmt.Errorf("category %q not validated against schema", cat)
	}
	return ts, nil
}

var requiredColumns = map[string][]string{
	"stops":             {"stop_id", "stop_name", "stop_code"},
	"routes":            {"route_id", "route_short_name", "route_long_name", "route_type", "route_color"},
	"trips":             {"trip_id", "route_id", "trip_headsign", "shape_id", "direction_id"},
	"stop_times":        {"trip_id", "stop_id", "stop_sequence", "arrival_time", "departure_time", "shape_dist_traveled"},
	"shapes":            {"shape_id", "shape_pt_sequence", "shape_dist_traveled"},
	"vehicle_positions": {"vehicle_id", "label", "trip_id", "route_id", "direction_id", "start_date", "latitude", "longitude", "bearing", "speed", "current_stop_sequence", "stop_id", "status", "position_timestamp", "batch_id", "fetched_at"},
}

// Validate checks every registered category against information_schema and
// picks the coordinate layout (lat/lon columns or PostGIS location) per table.
// Categories listed in withoutRealtime skip the vehicle_positions check.
func (r *Registry) Validate(ctx context.Context, db *sql.DB, withoutRealtime map[gtfs.Category]bool) error {
	for _, cat := range r.order {
		ts := r.tables[cat]
		tables := make([]string, 0, len(requiredColumns))
		for t := range requiredColumns {
			if t == "vehicle_positions" && withoutRealtime[cat] {
				continue
			}
			tables = append(tables, t)
		}
		sort.Strings(tables)
		for _, table := range tables {
			cols := requiredColumns[table]
			have, err := hasColumns(ctx, db, ts.schema, table, cols...)
			if err != nil {
				return fmt.Errorf("introspect %s.%s: %w", ts.schema, table, err)
			}
			for _, c := range cols {
				if !have[c] {
					return fmt.Errorf("category %q: table %s.%s missing column %q", cat, ts.schema, table, c)
				}
			}
		}

		stopLat, stopLon, err := coordinateLayout(ctx, db, ts.schema, "stops", "s", "stop_lat", "stop_lon", "stop_loc")
		if err != nil {
			return fmt.Errorf("category %q: %w", cat, err)
		}
		shapeLat, shapeLon, err := coordinateLayout(ctx, db, ts.schema, "shapes", "sh", "shape_pt_lat", "shape_pt_lon", "shape_pt_loc")
		if err != nil {
			return fmt.Errorf("category %q: %w", cat, err)
		}
		ts.stopLat, ts.stopLon = stopLat, stopLon
		ts.shapeLat, ts.shapeLon = shapeLat, shapeLon
		ts.validated = true
	}
	return nil
}

func coordinateLayout(ctx context.Context, db *sql.DB, schema, table, alias, latCol, lonCol, locCol string) (string, string, error) {
	have, err := hasColumns(ctx, db, schema, table, latCol, lonCol, locCol)
	if err != nil {
		return "", "", fmt.Errorf("introspect %s.%s coordinates: %w", schema, table, err)
	}
	if have[latCol] && have[lonCol] {
		return alias + "." + latCol, alias + "." + lonCol, nil
	}
	if have[locCol] {
		return fmt.Sprintf("ST_Y(%s.%s::geometry)", alias, locCol), fmt.Sprintf("ST_X(%s.%s::geometry)", alias, locCol), nil
	}
	return "", "", fmt.Errorf("%s.%s missing expected columns (%s/%s or %s)", schema, table, latCol, lonCol, locCol)
}

package stops

import (
	"context"
	"fmt"
	"sort"

	"transit-planner/internal/errs"
	"transit-planner/internal/geo"
	"transit-planner/internal/gtfs"
)

type Store interface {
	Categories() []gtfs.Category
	NearbyStops(ctx context.Context, cat gtfs.Category, lat, lon, radiusKm float64, limit int) ([]gtfs.Stop, error)
}

// Query describes a proximity search. Limit is the overall cap; each category
// contributes at most ceil(Limit/categories) stops unless PerCategoryLimit is
// set. An empty Categories searches every registered category.
type Query struct {
	Lat              float64
	Lon              float64
	RadiusKm         float64
	Limit            int
	PerCategoryLimit int
	Categories       []gtfs.Category
}

func (q Query) validate(op string) error {
	if !geo.ValidLatLon(q.Lat, q.Lon) {
		return errs.Validation(op, "invalid coordinates (%f, %f)", q.Lat, q.Lon)
	}
	if q.RadiusKm <= 0 {
		return errs.Validation(op, "radius must be positive, got %f", q.RadiusKm)
	}
	if q.Limit <= 0 {
		return errs.Validation(op, "limit must be positive, got %d", q.Limit)
	}
	if q.PerCategoryLimit < 0 {
		return errs.Validation(op, "per-category limit must not be negative, got %d", q.PerCategoryLimit)
	}
	return nil
}

type Locator struct {
	store Store
}

func NewLocator(store Store) *Locator {
	return &Locator{store: store}
}

// Nearby returns stops within q.RadiusKm ordered by distance. Capping per
// category keeps rail and bus candidates in the mix.
func (l *Locator) Nearby(ctx context.Context, q Query) ([]gtfs.Stop, error) {
	const op = "stops.Nearby"
	if err := q.validate(op); err != nil {
		return nil, err
	}
	cats := q.Categories
	if len(cats) == 0 {
		cats = l.store.Categories()
	}
	if len(cats) == 0 {
		return nil, nil
	}
	per := q.PerCategoryLimit
	if per == 0 {
		per = (q.Limit + len(cats) - 1) / len(cats)
	}

	var out []gtfs.Stop
	for _, cat := range cats {
		found, err := l.store.NearbyStops(ctx, cat, q.Lat, q.Lon, q.RadiusKm, per)
		if err != nil {
			return nil, errs.Persistence(op, fmt.Errorf("category %s: %w", cat, err))
		}
		for _, s := range found {
			if s.DistanceKm > q.RadiusKm {
				continue
			}
			s.Category = cat
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

// FallbackResult reports which radius produced Stops.
type FallbackResult struct {
	Stops    []gtfs.Stop
	RadiusKm float64
	Expanded bool
}

// NearbyWithFallback retries with fallbackKm when the first pass is empty.
func (l *Locator) NearbyWithFallback(ctx context.Context, q Query, fallbackKm float64) (FallbackResult, error) {
	found, err := l.Nearby(ctx, q)
	if err != nil {
		return FallbackResult{}, err
	}
	if len(found) > 0 || fallbackKm <= q.RadiusKm {
		return FallbackResult{Stops: found, RadiusKm: q.RadiusKm}, nil
	}
	q.RadiusKm = fallbackKm
	found, err = l.Nearby(ctx, q)
	if err != nil {
		return FallbackResult{}, err
	}
	return FallbackResult{Stops: found, RadiusKm: fallbackKm, Expanded: true}, nil
}

// FindNearbyStops searches every category. No stops is an empty result,
// not an error.
func (l *Locator) FindNearbyStops(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]gtfs.Stop, error) {
	found, err := l.Nearby(ctx, Query{Lat: lat, Lon: lon, RadiusKm: radiusKm, Limit: limit})
	if err != nil {
		return nil, err
	}
	if found == nil {
		found = []gtfs.Stop{}
	}
	return found, nil
}

package planner

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"transit-planner/internal/access"
	"transit-planner/internal/errs"
	"transit-planner/internal/geo"
	"transit-planner/internal/gtfs"
	"transit-planner/internal/routecache"
)

type RouteResult struct {
	access.Estimate
	Cached     bool             `json:"cached"`
	CacheMatch routecache.Match `json:"cacheMatch,omitempty"`
	Reversed   bool             `json:"reversed"`
}

// Route estimates a point-to-point trip for a simple mode. Any cache hit is
// accepted; reversed hits have their geometry flipped to run from o to d.
func (p *Planner) Route(ctx context.Context, o, d geo.Point, mode gtfs.Mode) (RouteResult, error) {
	if !geo.ValidLatLon(o.Lat, o.Lon) || !geo.ValidLatLon(d.Lat, d.Lon) {
		return RouteResult{}, errs.Validation("planner.Route", "invalid coordinates")
	}
	if p.cache != nil {
		if hit, ok := p.cache.Get(ctx, o.Lat, o.Lon, d.Lat, d.Lon, string(mode)); ok {
			res := RouteResult{
				Estimate: access.Estimate{
					Mode:        mode,
					DistanceKm:  hit.Payload.DistanceKm,
					DurationMin: hit.Payload.DurationMin,
					EmissionsKg: hit.Payload.EmissionsKg,
					Geometry:    hit.Payload.Geometry,
				},
				Cached:     true,
				CacheMatch: hit.Match,
				Reversed:   hit.Reversed,
			}
			if hit.Reversed {
				res.Geometry = reverseGeometry(hit.Payload.Geometry)
			}
			return res, nil
		}
	}

	est, err := p.estimator.Route(o, d, mode)
	if err != nil {
		return RouteResult{}, err
	}
	if p.cache != nil {
		if err := p.cache.Set(ctx, o.Lat, o.Lon, d.Lat, d.Lon, string(mode), estimatePayload(est)); err != nil {
			log.Warn().Err(err).Str("mode", string(mode)).Msg("caching route failed")
		}
	}
	return RouteResult{Estimate: est}, nil
}

func estimatePayload(e access.Estimate) routecache.Payload {
	return routecache.Payload{DistanceKm: e.DistanceKm, DurationMin: e.DurationMin, EmissionsKg: e.EmissionsKg, Geometry: e.Geometry}
}

func reverseGeometry(enc string) string {
	pts, err := geo.DecodePolyline(enc)
	if err != nil || len(pts) == 0 {
		return enc
	}
	for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
		pts[i], pts[j] = pts[j], pts[i]
	}
	return geo.EncodePolyline(pts)
}

// Compute produces a cache payload for one prewarm item: a full plan for the
// transit mode, an estimate otherwise.
func (p *Planner) Compute(ctx context.Context, it routecache.Item) (routecache.Payload, error) {
	if gtfs.Mode(it.Mode) != gtfs.ModeTransit {
		est, err := p.estimator.Route(geo.Point{Lat: it.OriginLat, Lon: it.OriginLon}, geo.Point{Lat: it.DestLat, Lon: it.DestLon}, gtfs.Mode(it.Mode))
		if err != nil {
			return routecache.Payload{}, err
		}
		return estimatePayload(est), nil
	}

	req := Request{OriginLat: it.OriginLat, OriginLon: it.OriginLon, DestLat: it.DestLat, DestLon: it.DestLon}
	if err := req.validate("planner.Compute"); err != nil {
		return routecache.Payload{}, err
	}
	straight := geo.HaversineKm(req.OriginLat, req.OriginLon, req.DestLat, req.DestLon)
	plan, err := p.compute(ctx, req, straight)
	if err != nil {
		return routecache.Payload{}, err
	}
	if !plan.Success {
		return routecache.Payload{}, errs.NotFound("planner.Compute", "%s: %s", plan.Status, plan.Message)
	}
	return planPayload(plan)
}

var _ routecache.ComputeFunc = (*Planner)(nil).Compute

func (r RouteResult) String() string {
	return fmt.Sprintf("%s %.2f km %.0f min %.3f kg", r.Mode, r.DistanceKm, r.DurationMin, r.EmissionsKg)
}

package access

import (
	"transit-planner/internal/errs"
	"transit-planner/internal/geo"
	"transit-planner/internal/gtfs"
)

// Estimate is a point-to-point trip by one mode.
type Estimate struct {
	Mode        gtfs.Mode `json:"mode"`
	DistanceKm  float64   `json:"distanceKm"`
	DurationMin float64   `json:"durationMin"`
	EmissionsKg float64   `json:"emissionsKg"`
	Geometry    string    `json:"geometry"`
}

// RoutableModes are the modes Estimator.Route accepts.
var RoutableModes = []gtfs.Mode{
	gtfs.ModeWalk, gtfs.ModeBicycle, gtfs.ModeCar, gtfs.ModeMotorcycle, gtfs.ModeTaxi, gtfs.ModeEHail,
}

type Estimator struct{}

func NewEstimator() *Estimator { return &Estimator{} }

func routable(m gtfs.Mode) bool {
	for _, r := range RoutableModes {
		if r == m {
			return true
		}
	}
	return false
}

// Route estimates distance as haversine times the mode's detour factor,
// duration from its average speed and emissions from its per-km factor.
// Geometry is the encoded straight line.
func (e *Estimator) Route(o, d geo.Point, mode gtfs.Mode) (Estimate, error) {
	const op = "access.Route"
	if !geo.ValidLatLon(o.Lat, o.Lon) || !geo.ValidLatLon(d.Lat, d.Lon) {
		return Estimate{}, errs.Validation(op, "invalid coordinates")
	}
	if !routable(mode) {
		return Estimate{}, errs.Validation(op, "unsupported mode %q", mode)
	}
	p, _ := ProfileFor(mode)
	km := geo.Distance(o, d) * p.DetourFactor
	return Estimate{
		Mode:        mode,
		DistanceKm:  km,
		DurationMin: km / p.SpeedKmh * 60,
		EmissionsKg: km * p.EmissionsKgPerKm,
		Geometry:    geo.StraightLine(o, d),
	}, nil
}

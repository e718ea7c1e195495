package gtfs

// Mode is a travel mode used for speed and emission estimates.
type Mode string

const (
	ModeWalk       Mode = "walk"
	ModeBicycle    Mode = "bicycle"
	ModeBikeShare  Mode = "bike_share"
	ModeEHail      Mode = "e_hail"
	ModeTaxi       Mode = "taxi"
	ModeCar        Mode = "car"
	ModeMotorcycle Mode = "motorcycle"
	ModeBus        Mode = "bus"
	ModeTram       Mode = "tram"
	ModeMetro      Mode = "metro"
	ModeRail       Mode = "rail"
	ModeMonorail   Mode = "monorail"
	ModeFerry      Mode = "ferry"
	ModeTransit    Mode = "transit"
)

// ModeFromRouteType maps a GTFS route_type (basic and extended) to a Mode.
func ModeFromRouteType(routeType int) Mode {
	switch {
	case routeType == 12 || routeType == 405:
		return ModeMonorail
	case routeType == 0 || (routeType >= 900 && routeType < 1000):
		return ModeTram
	case routeType == 1 || (routeType >= 400 && routeType < 500):
		return ModeMetro
	case routeType == 2 || (routeType >= 100 && routeType < 200):
		return ModeRail
	case routeType == 4 || (routeType >= 1000 && routeType < 1300):
		return ModeFerry
	default:
		return ModeBus
	}
}

package access

import "transit-planner/internal/gtfs"

// Profile is the average-speed model of one travel mode.
type Profile struct {
	// DetourFactor scales straight-line distance to road or path distance.
	DetourFactor float64
	SpeedKmh     float64
	// EmissionsKgPerKm is per vehicle for private modes and per passenger
	// for transit.
	EmissionsKgPerKm float64
}

// Per-km factors are tailpipe CO2e for Malaysian fleet averages.
var profiles = map[gtfs.Mode]Profile{
	gtfs.ModeWalk:       {DetourFactor: 1.2, SpeedKmh: 4.8},
	gtfs.ModeBicycle:    {DetourFactor: 1.2, SpeedKmh: 15},
	gtfs.ModeBikeShare:  {DetourFactor: 1.2, SpeedKmh: 14},
	gtfs.ModeCar:        {DetourFactor: 1.3, SpeedKmh: 40, EmissionsKgPerKm: 0.171},
	gtfs.ModeMotorcycle: {DetourFactor: 1.3, SpeedKmh: 45, EmissionsKgPerKm: 0.103},
	gtfs.ModeTaxi:       {DetourFactor: 1.3, SpeedKmh: 35, EmissionsKgPerKm: 0.171},
	gtfs.ModeEHail:      {DetourFactor: 1.3, SpeedKmh: 35, EmissionsKgPerKm: 0.171},
	gtfs.ModeBus:        {DetourFactor: 1.4, SpeedKmh: 20, EmissionsKgPerKm: 0.089},
	gtfs.ModeTram:       {DetourFactor: 1.3, SpeedKmh: 25, EmissionsKgPerKm: 0.035},
	gtfs.ModeMetro:      {DetourFactor: 1.2, SpeedKmh: 40, EmissionsKgPerKm: 0.041},
	gtfs.ModeMonorail:   {DetourFactor: 1.2, SpeedKmh: 30, EmissionsKgPerKm: 0.041},
	gtfs.ModeRail:       {DetourFactor: 1.2, SpeedKmh: 45, EmissionsKgPerKm: 0.041},
	gtfs.ModeFerry:      {DetourFactor: 1.1, SpeedKmh: 20, EmissionsKgPerKm: 0.115},
}

// ProfileFor returns the model for mode; unknown modes get the bus profile.
func ProfileFor(mode gtfs.Mode) (Profile, bool) {
	p, ok := profiles[mode]
	if !ok {
		return profiles[gtfs.ModeBus], false
	}
	return p, true
}

// Fuel distinguishes private car scenarios.
type Fuel string

const (
	FuelPetrol   Fuel = "petrol"
	FuelDiesel   Fuel = "diesel"
	FuelHybrid   Fuel = "hybrid"
	FuelElectric Fuel = "electric"
)

var carFuelKgPerKm = map[Fuel]float64{
	FuelPetrol:   0.171,
	FuelDiesel:   0.168,
	FuelHybrid:   0.111,
	FuelElectric: 0.047,
}

package access

import (
	"sort"

	"transit-planner/internal/errs"
	"transit-planner/internal/geo"
	"transit-planner/internal/gtfs"
)

type Scenario struct {
	Name        string    `json:"name"`
	Mode        gtfs.Mode `json:"mode"`
	Fuel        Fuel      `json:"fuel,omitempty"`
	DistanceKm  float64   `json:"distanceKm"`
	DurationMin float64   `json:"durationMin"`
	// EmissionsKg is per passenger.
	EmissionsKg float64 `json:"emissionsKg"`
	SavingsKg   float64 `json:"savingsKg"`
	SavingsPct  float64 `json:"savingsPct"`
}

type Comparison struct {
	StraightLineKm float64    `json:"straightLineKm"`
	Passengers     int        `json:"passengers"`
	Baseline       string     `json:"baseline"`
	Scenarios      []Scenario `json:"scenarios"`
}

type Comparator struct{}

func NewComparator() *Comparator { return &Comparator{} }

type scenarioDef struct {
	name   string
	mode   gtfs.Mode
	fuel   Fuel
	shared bool
	seats  int
}

var scenarioDefs = []scenarioDef{
	{name: "car_petrol", mode: gtfs.ModeCar, fuel: FuelPetrol, shared: true, seats: 5},
	{name: "car_diesel", mode: gtfs.ModeCar, fuel: FuelDiesel, shared: true, seats: 5},
	{name: "car_hybrid", mode: gtfs.ModeCar, fuel: FuelHybrid, shared: true, seats: 5},
	{name: "car_electric", mode: gtfs.ModeCar, fuel: FuelElectric, shared: true, seats: 5},
	{name: "motorcycle", mode: gtfs.ModeMotorcycle, shared: true, seats: 2},
	{name: "taxi", mode: gtfs.ModeTaxi, shared: true, seats: 4},
	{name: "bus", mode: gtfs.ModeBus},
	{name: "rail", mode: gtfs.ModeRail},
	{name: "bicycle", mode: gtfs.ModeBicycle},
	{name: "walk", mode: gtfs.ModeWalk},
}

const baselineScenario = "car_petrol"

// Compare estimates every scenario for the trip and reports per-passenger
// emissions and savings against a petrol car carrying the same party.
// Scenarios are ranked by emissions, then duration.
func (c *Comparator) Compare(o, d geo.Point, passengers int) (Comparison, error) {
	const op = "access.Compare"
	if !geo.ValidLatLon(o.Lat, o.Lon) || !geo.ValidLatLon(d.Lat, d.Lon) {
		return Comparison{}, errs.Validation(op, "invalid coordinates")
	}
	if passengers <= 0 {
		passengers = 1
	}
	straight := geo.Distance(o, d)
	out := Comparison{StraightLineKm: straight, Passengers: passengers, Baseline: baselineScenario}

	var baseline float64
	for _, def := range scenarioDefs {
		p, _ := ProfileFor(def.mode)
		factor := p.EmissionsKgPerKm
		if def.fuel != "" {
			factor = carFuelKgPerKm[def.fuel]
		}
		km := straight * p.DetourFactor
		em := km * factor
		if def.shared {
			// Vehicles needed for the party share the total.
			vehicles := (passengers + def.seats - 1) / def.seats
			em = em * float64(vehicles) / float64(passengers)
		}
		s := Scenario{
			Name:        def.name,
			Mode:        def.mode,
			Fuel:        def.fuel,
			DistanceKm:  km,
			DurationMin: km / p.SpeedKmh * 60,
			EmissionsKg: em,
		}
		if def.name == baselineScenario {
			baseline = em
		}
		out.Scenarios = append(out.Scenarios, s)
	}
	for i := range out.Scenarios {
		s := &out.Scenarios[i]
		s.SavingsKg = baseline - s.EmissionsKg
		if baseline > 0 {
			s.SavingsPct = s.SavingsKg / baseline * 100
		}
	}
	sort.SliceStable(out.Scenarios, func(i, j int) bool {
		a, b := out.Scenarios[i], out.Scenarios[j]
		if a.EmissionsKg != b.EmissionsKg {
			return a.EmissionsKg < b.EmissionsKg
		}
		return a.DurationMin < b.DurationMin
	})
	return out, nil
}

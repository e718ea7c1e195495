// Package access estimates how to cover the distance to a transit stop, and
// point-to-point trips, with non-scheduled modes.
package access

import (
	"fmt"
	"math"
	"sort"

	"transit-planner/internal/errs"
	"transit-planner/internal/gtfs"
)

// Tariff is a linear cost model.
type Tariff struct {
	BaseFare float64
	PerKm    float64
	WaitMin  float64
	// MaxKm marks the option unsuitable beyond this distance; zero is unbounded.
	MaxKm float64
}

type AdvisorOptions struct {
	EmissionsWeight float64
	DurationWeight  float64
	Tariffs         map[gtfs.Mode]Tariff
}

func DefaultAdvisorOptions() AdvisorOptions {
	return AdvisorOptions{
		EmissionsWeight: 2.0,
		DurationWeight:  0.1,
		Tariffs: map[gtfs.Mode]Tariff{
			gtfs.ModeWalk:      {MaxKm: 3},
			gtfs.ModeBicycle:   {MaxKm: 10},
			gtfs.ModeBikeShare: {BaseFare: 1.0, PerKm: 0.3, WaitMin: 3, MaxKm: 10},
			gtfs.ModeEHail:     {BaseFare: 4.0, PerKm: 1.2, WaitMin: 6},
			gtfs.ModeTaxi:      {BaseFare: 3.0, PerKm: 1.6, WaitMin: 8},
		},
	}
}

var advisedModes = []gtfs.Mode{gtfs.ModeWalk, gtfs.ModeBicycle, gtfs.ModeBikeShare, gtfs.ModeEHail, gtfs.ModeTaxi}

type Option struct {
	Mode        gtfs.Mode `json:"mode"`
	DistanceKm  float64   `json:"distanceKm"`
	DurationMin float64   `json:"durationMin"`
	Cost        float64   `json:"cost"`
	EmissionsKg float64   `json:"emissionsKg"`
	Score       float64   `json:"score"`
	Suitable    bool      `json:"suitable"`
}

type Advice struct {
	Options        []Option `json:"options"`
	Recommendation Option   `json:"recommendation"`
	Rationale      string   `json:"rationale"`
}

type Advisor struct {
	opts AdvisorOptions
}

func NewAdvisor(opts AdvisorOptions) *Advisor {
	if opts.Tariffs == nil {
		opts.Tariffs = DefaultAdvisorOptions().Tariffs
	}
	return &Advisor{opts: opts}
}

// Advise ranks the access modes for a straight-line distance by
// cost + EmissionsWeight*kg + DurationWeight*minutes. The recommendation is
// the best suitable option.
func (a *Advisor) Advise(distanceKm float64) (Advice, error) {
	if distanceKm < 0 || math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) {
		return Advice{}, errs.Validation("access.Advise", "invalid distance %v", distanceKm)
	}

	opts := make([]Option, 0, len(advisedModes))
	for _, m := range advisedModes {
		opts = append(opts, a.option(m, distanceKm))
	}
	sort.SliceStable(opts, func(i, j int) bool {
		if opts[i].Suitable != opts[j].Suitable {
			return opts[i].Suitable
		}
		return opts[i].Score < opts[j].Score
	})

	best := opts[0]
	return Advice{Options: opts, Recommendation: best, Rationale: rationale(best, distanceKm)}, nil
}

func (a *Advisor) option(m gtfs.Mode, distanceKm float64) Option {
	p, _ := ProfileFor(m)
	t := a.opts.Tariffs[m]
	km := distanceKm * p.DetourFactor
	o := Option{
		Mode:        m,
		DistanceKm:  km,
		DurationMin: t.WaitMin + km/p.SpeedKmh*60,
		EmissionsKg: km * p.EmissionsKgPerKm,
		Suitable:    t.MaxKm == 0 || km <= t.MaxKm,
	}
	if t.BaseFare > 0 || t.PerKm > 0 {
		o.Cost = t.BaseFare + t.PerKm*km
	}
	o.Score = o.Cost + a.opts.EmissionsWeight*o.EmissionsKg + a.opts.DurationWeight*o.DurationMin
	return o
}

var modeLabels = map[gtfs.Mode]string{
	gtfs.ModeWalk:      "Walking",
	gtfs.ModeBicycle:   "Cycling",
	gtfs.ModeBikeShare: "A shared bike",
	gtfs.ModeEHail:     "An e-hailing ride",
	gtfs.ModeTaxi:      "A taxi",
}

func rationale(o Option, distanceKm float64) string {
	label := modeLabels[o.Mode]
	if label == "" {
		label = string(o.Mode)
	}
	s := fmt.Sprintf("%s is the best way to cover the %.1f km to the nearest stop: about %.0f min", label, distanceKm, math.Ceil(o.DurationMin))
	if o.Cost > 0 {
		s += fmt.Sprintf(" for RM%.2f", o.Cost)
	} else {
		s += " at no cost"
	}
	if o.EmissionsKg > 0 {
		s += fmt.Sprintf(" and %.2f kg CO2e", o.EmissionsKg)
	} else {
		s += " with zero emissions"
	}
	return s + "."
}

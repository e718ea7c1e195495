package planner

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"transit-planner/internal/access"
	"transit-planner/internal/connections"
	"transit-planner/internal/errs"
	"transit-planner/internal/geo"
	"transit-planner/internal/gtfs"
	"transit-planner/internal/shapes"
)

type LegType string

const (
	LegWalk     LegType = "walk"
	LegTransit  LegType = "transit"
	LegTransfer LegType = "transfer"
)

type GeometrySource string

const (
	GeometryShape    GeometrySource = "shape"
	GeometryStraight GeometrySource = "straight_line"
)

type Place struct {
	Name     string        `json:"name"`
	Lat      float64       `json:"lat"`
	Lon      float64       `json:"lon"`
	StopID   string        `json:"stopId,omitempty"`
	Category gtfs.Category `json:"category,omitempty"`
}

func (p Place) point() geo.Point { return geo.Point{Lat: p.Lat, Lon: p.Lon} }

func stopPlace(s gtfs.Stop) Place {
	return Place{Name: s.Name, Lat: s.Lat, Lon: s.Lon, StopID: s.ID, Category: s.Category}
}

type TransitDetail struct {
	Mode           gtfs.Mode     `json:"mode"`
	Category       gtfs.Category `json:"category"`
	RouteID        string        `json:"routeId"`
	TripID         string        `json:"tripId"`
	RouteShortName string        `json:"routeShortName,omitempty"`
	RouteLongName  string        `json:"routeLongName,omitempty"`
	RouteColor     string        `json:"routeColor,omitempty"`
	Headsign       string        `json:"headsign,omitempty"`
	Board          gtfs.Stop     `json:"board"`
	Alight         gtfs.Stop     `json:"alight"`
}

type Leg struct {
	Type           LegType        `json:"type"`
	From           Place          `json:"from"`
	To             Place          `json:"to"`
	DistanceKm     float64        `json:"distanceKm"`
	DurationMin    float64        `json:"durationMin"`
	EmissionsKg    float64        `json:"emissionsKg"`
	Geometry       string         `json:"geometry,omitempty"`
	GeometrySource GeometrySource `json:"geometrySource,omitempty"`
	Transit        *TransitDetail `json:"transit,omitempty"`
}

type Type string

const (
	TypeDirect   Type = "direct"
	TypeTransfer Type = "transfer"
	TypeWalk     Type = "walk"
)

type DirectDetail struct {
	Ride Leg `json:"ride"`
}

// TransferDetail holds the two rides and the leg between them: a walk for
// cross-feed transfers, a fixed dwell otherwise.
type TransferDetail struct {
	First      Leg     `json:"first"`
	Connection Leg     `json:"connection"`
	Second     Leg     `json:"second"`
	CrossFeed  bool    `json:"crossFeed"`
	WalkKm     float64 `json:"walkKm"`
}

type WalkDetail struct {
	Walk Leg `json:"walk"`
}

// Itinerary is a tagged union: exactly one of Direct, Transfer or Walk is
// set, matching Type. Totals are the sums over Legs.
type Itinerary struct {
	Type        Type            `json:"type"`
	Direct      *DirectDetail   `json:"direct,omitempty"`
	Transfer    *TransferDetail `json:"transfer,omitempty"`
	Walk        *WalkDetail     `json:"walk,omitempty"`
	Legs        []Leg           `json:"legs"`
	DistanceKm  float64         `json:"distanceKm"`
	DurationMin float64         `json:"durationMin"`
	EmissionsKg float64         `json:"emissionsKg"`
	Signature   string          `json:"signature"`
}

func (it *Itinerary) total() {
	it.DistanceKm, it.DurationMin, it.EmissionsKg = 0, 0, 0
	for _, l := range it.Legs {
		it.DistanceKm += l.DistanceKm
		it.DurationMin += l.DurationMin
		it.EmissionsKg += l.EmissionsKg
	}
}

func (p *Planner) walkLeg(from, to Place) Leg {
	km := geo.Distance(from.point(), to.point())
	return Leg{
		Type:           LegWalk,
		From:           from,
		To:             to,
		DistanceKm:     km,
		DurationMin:    km / p.opts.WalkingSpeedKmh * 60,
		Geometry:       geo.StraightLine(from.point(), to.point()),
		GeometrySource: GeometryStraight,
	}
}

func (p *Planner) walkItinerary(origin, dest Place) Itinerary {
	leg := p.walkLeg(origin, dest)
	it := Itinerary{Type: TypeWalk, Walk: &WalkDetail{Walk: leg}, Legs: []Leg{leg}, Signature: "walk"}
	it.total()
	return it
}

// transitLeg prefers the matched shape segment and falls back to the straight
// line scaled by the mode's detour factor.
func (p *Planner) transitLeg(ctx context.Context, ride gtfs.TripSegment) Leg {
	mode := gtfs.ModeFromRouteType(ride.Route.Type)
	prof, _ := access.ProfileFor(mode)
	from, to := stopPlace(ride.Board), stopPlace(ride.Alight)
	leg := Leg{
		Type: LegTransit,
		From: from,
		To:   to,
		Transit: &TransitDetail{
			Mode:           mode,
			Category:       ride.Category,
			RouteID:        ride.Route.ID,
			TripID:         ride.Trip.TripID,
			RouteShortName: ride.Route.ShortName,
			RouteLongName:  ride.Route.LongName,
			RouteColor:     ride.Route.Color,
			Headsign:       ride.Trip.Headsign,
			Board:          ride.Board,
			Alight:         ride.Alight,
		},
	}

	var seg *shapes.Segment
	if p.shapes != nil {
		var err error
		seg, err = p.shapes.Match(ctx, shapes.Request{Category: ride.Category, RouteID: ride.Route.ID, BoardStopID: ride.Board.ID, AlightStopID: ride.Alight.ID})
		if err != nil {
			ev := log.Debug()
			if !errs.Is(err, errs.KindDegraded) && !errors.Is(err, context.Canceled) {
				ev = log.Warn()
			}
			ev.Err(err).Str("route", ride.Route.ID).Str("board", ride.Board.ID).Str("alight", ride.Alight.ID).Msg("shape match fell back to straight line")
			seg = nil
		}
	}
	if seg != nil {
		leg.DistanceKm = seg.DistanceKm
		leg.Geometry = seg.Polyline
		leg.GeometrySource = GeometryShape
		if seg.TripID != "" {
			leg.Transit.TripID = seg.TripID
		}
	} else {
		leg.DistanceKm = geo.Distance(from.point(), to.point()) * prof.DetourFactor
		leg.Geometry = geo.StraightLine(from.point(), to.point())
		leg.GeometrySource = GeometryStraight
	}
	leg.DurationMin = leg.DistanceKm / prof.SpeedKmh * 60
	leg.EmissionsKg = leg.DistanceKm * prof.EmissionsKgPerKm
	return leg
}

func (p *Planner) transferLeg(tr *connections.Transfer) Leg {
	from, to := stopPlace(tr.First.Alight), stopPlace(tr.Second.Board)
	if tr.CrossFeed {
		leg := p.walkLeg(from, to)
		leg.Type = LegTransfer
		leg.DistanceKm = tr.WalkKm
		leg.DurationMin = tr.WalkKm / p.opts.WalkingSpeedKmh * 60
		return leg
	}
	return Leg{Type: LegTransfer, From: from, To: to, DurationMin: p.opts.TransferDwellMin}
}

// build turns a connection into a door-to-door itinerary. Walks shorter than
// MinWalkKm are dropped.
func (p *Planner) build(ctx context.Context, c connections.Connection, origin, dest Place) (Itinerary, bool) {
	rides := c.Rides()
	if len(rides) == 0 {
		return Itinerary{}, false
	}
	for _, r := range rides {
		if r.Board.ID == r.Alight.ID {
			return Itinerary{}, false
		}
	}

	it := Itinerary{Signature: c.Signature()}
	addWalk := func(from, to Place) {
		if geo.Distance(from.point(), to.point()) >= p.opts.MinWalkKm {
			it.Legs = append(it.Legs, p.walkLeg(from, to))
		}
	}

	addWalk(origin, stopPlace(rides[0].Board))
	switch c.Kind {
	case connections.KindDirect:
		ride := p.transitLeg(ctx, c.Direct.Ride)
		it.Type = TypeDirect
		it.Direct = &DirectDetail{Ride: ride}
		it.Legs = append(it.Legs, ride)
	case connections.KindTransfer:
		first := p.transitLeg(ctx, c.Transfer.First)
		conn := p.transferLeg(c.Transfer)
		second := p.transitLeg(ctx, c.Transfer.Second)
		it.Type = TypeTransfer
		it.Transfer = &TransferDetail{First: first, Connection: conn, Second: second, CrossFeed: c.Transfer.CrossFeed, WalkKm: c.Transfer.WalkKm}
		it.Legs = append(it.Legs, first, conn, second)
	default:
		return Itinerary{}, false
	}
	addWalk(stopPlace(rides[len(rides)-1].Alight), dest)

	it.total()
	return it, true
}

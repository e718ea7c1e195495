package gtfs

import (
	"time"

	"transit-planner/internal/geo"
)

// Category names one schedule feed (e.g. "rapid-rail-kl"). Each category has its
// own stop/route/trip/shape tables and, optionally, a realtime feed.
type Category string

// CategoryKind drives the rail-first stop preference of the planner.
type CategoryKind string

const (
	KindRail CategoryKind = "rail"
	KindBus  CategoryKind = "bus"
)

type Stop struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Code     string   `json:"code,omitempty"`
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Category Category `json:"category"`
	// DistanceKm is set by proximity searches.
	DistanceKm float64 `json:"distanceKm,omitempty"`
}

func (s Stop) Point() geo.Point { return geo.Point{Lat: s.Lat, Lon: s.Lon} }

type Route struct {
	ID        string `json:"id"`
	ShortName string `json:"shortName,omitempty"`
	LongName  string `json:"longName,omitempty"`
	Type      int    `json:"type"` // GTFS route_type
	Color     string `json:"color,omitempty"`
}

// DisplayName prefers the short name.
func (r Route) DisplayName() string {
	if r.ShortName != "" {
		return r.ShortName
	}
	if r.LongName != "" {
		return r.LongName
	}
	return r.ID
}

type Trip struct {
	TripID      string
	RouteID     string
	Headsign    string
	ShapeID     string
	DirectionID *int
}

type StopTime struct {
	TripID       string
	StopID       string
	StopName     string
	StopCode     string
	StopSequence int
	Arrival      string // HH:MM:SS, may exceed 24h
	Departure    string
	// ShapeDistTraveled is nil when the feed omits it.
	ShapeDistTraveled *float64
	StopLat           float64
	StopLon           float64
}

// Stop converts the stop-time's stop fields into a Stop of category cat.
func (st StopTime) Stop(cat Category) Stop {
	return Stop{ID: st.StopID, Name: st.StopName, Code: st.StopCode, Lat: st.StopLat, Lon: st.StopLon, Category: cat}
}

// TripSegment is a ride on one trip from Board to Alight, Board strictly
// before Alight in stop sequence.
type TripSegment struct {
	Category           Category
	Route              Route
	Trip               Trip
	Board              Stop
	Alight             Stop
	BoardSequence      int
	AlightSequence     int
	BoardDistTraveled  *float64
	AlightDistTraveled *float64
}

// Departure is a trip leaving From that continues to at least one later stop.
type Departure struct {
	Category     Category
	Route        Route
	Trip         Trip
	From         Stop
	FromSequence int
}

type ShapePoint struct {
	Lat      float64
	Lon      float64
	Sequence int
	// DistTraveled is nil when the feed omits it.
	DistTraveled *float64
}

func (p ShapePoint) Point() geo.Point { return geo.Point{Lat: p.Lat, Lon: p.Lon} }

// VehiclePosition is one decoded realtime vehicle entity.
type VehiclePosition struct {
	VehicleID           string    `json:"vehicleId"`
	Label               string    `json:"label,omitempty"`
	TripID              string    `json:"tripId,omitempty"`
	RouteID             string    `json:"routeId,omitempty"`
	DirectionID         *int      `json:"directionId,omitempty"`
	StartDate           string    `json:"startDate,omitempty"`
	Lat                 float64   `json:"lat"`
	Lon                 float64   `json:"lon"`
	Bearing             *float64  `json:"bearing,omitempty"`
	SpeedMps            *float64  `json:"speedMps,omitempty"`
	CurrentStopSequence *int      `json:"currentStopSequence,omitempty"`
	StopID              string    `json:"stopId,omitempty"`
	Status              string    `json:"status,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
	Category            Category  `json:"category"`
	BatchID             string    `json:"batchId,omitempty"`
	FetchedAt           time.Time `json:"fetchedAt"`
	// DistanceKm is set by proximity queries.
	DistanceKm float64 `json:"distanceKm,omitempty"`
}

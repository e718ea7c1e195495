package shapes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-planner/internal/errs"
	"transit-planner/internal/geo"
	"transit-planner/internal/gtfs"
	"transit-planner/internal/gtfs/gtfstest"
)

const rail gtfs.Category = "rail"

// line returns n shape points heading north from (3.000, lon) every 0.001 degrees.
func line(n int, lon float64, withDist bool) []gtfs.ShapePoint {
	pts := make([]gtfs.ShapePoint, n)
	for i := range pts {
		pts[i] = gtfs.ShapePoint{Lat: 3.000 + float64(i)*0.001, Lon: lon, Sequence: i + 1}
		if withDist {
			d := float64(i) * 0.1
			pts[i].DistTraveled = &d
		}
	}
	return pts
}

// schedule has stops S0..S4 every five shape points along a 21-point shape.
func schedule() *gtfstest.Schedule {
	s := gtfstest.New(rail)
	s.AddStop(rail, "S0", 3.000, 101.6)
	s.AddStop(rail, "S1", 3.005, 101.6)
	s.AddStop(rail, "S2", 3.010, 101.6)
	s.AddStop(rail, "S3", 3.015, 101.6)
	s.AddStop(rail, "S4", 3.020, 101.6)
	s.AddRoute(rail, gtfs.Route{ID: "R1", ShortName: "KJ"})
	s.AddShape(rail, "sh1", line(21, 101.6, false))
	s.AddTrip(rail, gtfs.Trip{TripID: "t1", RouteID: "R1", ShapeID: "sh1"}, "S0", "S1", "S2", "S3", "S4")
	return s
}

func TestMatch_NearestPoint(t *testing.T) {
	m := NewMatcher(schedule(), DefaultOptions())

	seg, err := m.Match(context.Background(), Request{Category: rail, RouteID: "R1", BoardStopID: "S1", AlightStopID: "S2"})
	require.NoError(t, err)
	assert.Equal(t, MethodNearest, seg.Method)
	assert.Equal(t, "t1", seg.TripID)
	assert.Equal(t, "sh1", seg.ShapeID)
	require.Len(t, seg.Points, 6)
	assert.Equal(t, geo.Point{Lat: 3.005, Lon: 101.6}, seg.Points[0])
	assert.Equal(t, geo.Point{Lat: 3.010, Lon: 101.6}, seg.Points[5])
	assert.InDelta(t, 0.556, seg.DistanceKm, 0.01)

	decoded, err := geo.DecodePolyline(seg.Polyline)
	require.NoError(t, err)
	require.Len(t, decoded, len(seg.Points))
	for i := range decoded {
		assert.InDelta(t, seg.Points[i].Lat, decoded[i].Lat, 1e-5)
		assert.InDelta(t, seg.Points[i].Lon, decoded[i].Lon, 1e-5)
	}
}

func TestMatch_DistanceTraveled(t *testing.T) {
	s := gtfstest.New(rail)
	for i, lat := range []float64{3.000, 3.005, 3.010, 3.015, 3.020} {
		s.AddStop(rail, "S"+string(rune('0'+i)), lat, 101.6)
	}
	s.AddShape(rail, "sh1", line(21, 101.6, true))
	s.AddTripWithDistances(rail, gtfs.Trip{TripID: "t1", RouteID: "R1", ShapeID: "sh1"},
		[]string{"S0", "S1", "S2", "S3", "S4"}, []float64{0, 0.5, 1.0, 1.5, 2.0})

	seg, err := NewMatcher(s, DefaultOptions()).Match(context.Background(), Request{Category: rail, RouteID: "R1", BoardStopID: "S1", AlightStopID: "S3"})
	require.NoError(t, err)
	assert.Equal(t, MethodDistance, seg.Method)
	assert.Len(t, seg.Points, 11)
}

func TestMatch_DistanceBeyondShapeFallsBackToNearest(t *testing.T) {
	s := gtfstest.New(rail)
	for i, lat := range []float64{3.000, 3.005, 3.010, 3.015, 3.020} {
		s.AddStop(rail, "S"+string(rune('0'+i)), lat, 101.6)
	}
	// The shape ends at 2.0 but S4 claims 9.0.
	s.AddShape(rail, "sh1", line(21, 101.6, true))
	s.AddTripWithDistances(rail, gtfs.Trip{TripID: "t1", RouteID: "R1", ShapeID: "sh1"},
		[]string{"S0", "S1", "S2", "S3", "S4"}, []float64{0, 0.5, 1.0, 1.5, 9.0})

	seg, err := NewMatcher(s, DefaultOptions()).Match(context.Background(), Request{Category: rail, RouteID: "R1", BoardStopID: "S2", AlightStopID: "S4"})
	require.NoError(t, err)
	assert.Equal(t, MethodNearest, seg.Method)
	require.Len(t, seg.Points, 11)
	assert.Equal(t, geo.Point{Lat: 3.020, Lon: 101.6}, seg.Points[10])

	_, _, ok := boundByDistance(line(21, 101.6, true), 1.0, 9.0)
	assert.False(t, ok)
	start, end, ok := boundByDistance(line(21, 101.6, true), 0.5, 1.5)
	require.True(t, ok)
	assert.Equal(t, 5, start)
	assert.Equal(t, 15, end)
}

func TestMatch_RejectsSegmentCoveringMostOfShape(t *testing.T) {
	s := gtfstest.New(rail)
	s.AddStop(rail, "X", 3.000, 101.6)
	s.AddStop(rail, "Y", 3.018, 101.6)
	s.AddShape(rail, "sh1", line(20, 101.6, false))
	s.AddTrip(rail, gtfs.Trip{TripID: "t1", RouteID: "R1", ShapeID: "sh1"}, "X", "Y")

	// 19 of 20 points.
	seg, err := NewMatcher(s, DefaultOptions()).Match(context.Background(), Request{Category: rail, RouteID: "R1", BoardStopID: "X", AlightStopID: "Y"})
	require.Error(t, err)
	assert.Nil(t, seg)
	assert.True(t, errs.Is(err, errs.KindDegraded))
}

func TestMatch_Degraded(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*gtfstest.Schedule)
		req   Request
	}{
		{
			name: "no trip serves the pair in order",
			req:  Request{Category: rail, RouteID: "R1", BoardStopID: "S3", AlightStopID: "S1"},
		},
		{
			name: "trip without shape",
			setup: func(s *gtfstest.Schedule) {
				s.AddTrip(rail, gtfs.Trip{TripID: "t2", RouteID: "R2"}, "S0", "S1")
			},
			req: Request{Category: rail, RouteID: "R2", BoardStopID: "S0", AlightStopID: "S1"},
		},
		{
			name: "unknown shape",
			setup: func(s *gtfstest.Schedule) {
				s.AddTrip(rail, gtfs.Trip{TripID: "t3", RouteID: "R3", ShapeID: "missing"}, "S0", "S1")
			},
			req: Request{Category: rail, RouteID: "R3", BoardStopID: "S0", AlightStopID: "S1"},
		},
		{
			name: "shape too far from stops",
			setup: func(s *gtfstest.Schedule) {
				s.AddShape(rail, "east", line(21, 101.62, false))
				s.AddTrip(rail, gtfs.Trip{TripID: "t4", RouteID: "R4", ShapeID: "east"}, "S0", "S1", "S2", "S3", "S4")
			},
			req: Request{Category: rail, RouteID: "R4", BoardStopID: "S1", AlightStopID: "S2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := schedule()
			if tt.setup != nil {
				tt.setup(s)
			}
			_, err := NewMatcher(s, DefaultOptions()).Match(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindDegraded), "got %v", err)
		})
	}
}

func TestMatch_SmallestGapTrip(t *testing.T) {
	s := schedule()
	// A looping trip that reaches S2 late; the direct trip t1 must win.
	s.AddTrip(rail, gtfs.Trip{TripID: "loop", RouteID: "R1", ShapeID: "sh1"}, "S1", "S3", "S4", "S3", "S2")
	seg, err := NewMatcher(s, DefaultOptions()).Match(context.Background(), Request{Category: rail, RouteID: "R1", BoardStopID: "S1", AlightStopID: "S2"})
	require.NoError(t, err)
	assert.Equal(t, "t1", seg.TripID)
}

func TestMatch_Errors(t *testing.T) {
	s := schedule()
	m := NewMatcher(s, DefaultOptions())

	_, err := m.Match(context.Background(), Request{Category: rail, RouteID: "R1", BoardStopID: "S1", AlightStopID: "S1"})
	assert.True(t, errs.Is(err, errs.KindValidation))

	s.Err = errors.New("connection refused")
	_, err = m.Match(context.Background(), Request{Category: rail, RouteID: "R1", BoardStopID: "S1", AlightStopID: "S2"})
	assert.True(t, errs.Is(err, errs.KindPersistence))
}

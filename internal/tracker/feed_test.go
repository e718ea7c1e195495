package tracker

import (
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func TestDecodeFeed_MissingRequiredFieldsSkipEntityOnly(t *testing.T) {
	noLatitude := &gtfsrt.FeedEntity{
		Id: proto.String("e-nolat"),
		Vehicle: &gtfsrt.VehiclePosition{
			Vehicle:  &gtfsrt.VehicleDescriptor{Id: proto.String("nolat")},
			Position: &gtfsrt.Position{Longitude: proto.Float32(101.69)},
		},
	}
	noEntityID := &gtfsrt.FeedEntity{
		Vehicle: &gtfsrt.VehiclePosition{
			Position: &gtfsrt.Position{Latitude: proto.Float32(3.15), Longitude: proto.Float32(101.70)},
		},
	}
	msg := &gtfsrt.FeedMessage{
		Header: &gtfsrt.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(uint64(baseTime.Unix())),
		},
		Entity: []*gtfsrt.FeedEntity{
			vehicleEntity("v1", "KJ", 3.14, 101.69, baseTime),
			noLatitude,
			noEntityID,
		},
	}
	body, err := proto.MarshalOptions{AllowPartial: true}.Marshal(msg)
	require.NoError(t, err)

	out, err := decodeFeed(body, "rail", baseTime)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Entities)
	assert.Equal(t, 2, out.Skipped)
	require.Len(t, out.Positions, 1)
	assert.Equal(t, "v1", out.Positions[0].VehicleID)
	assert.InDelta(t, 3.14, out.Positions[0].Lat, 1e-5)
}

func TestDecodeFeed_RejectsGarbage(t *testing.T) {
	_, err := decodeFeed([]byte{0xff, 0xff, 0xff}, "rail", time.Now())
	assert.Error(t, err)
}

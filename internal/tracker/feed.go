package tracker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/proto"

	"transit-planner/internal/geo"
	"transit-planner/internal/gtfs"
)

const maxFeedBytes = 32 << 20

// fetch downloads a feed body. Each attempt is bounded by FetchTimeout;
// transport errors and 5xx responses are retried with exponential backoff.
func (t *Tracker) fetch(ctx context.Context, url string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.RetryInitialInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = 500 * time.Millisecond
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, t.opts.MaxRetries), ctx)

	return backoff.RetryNotifyWithData(func() ([]byte, error) {
		return t.fetchOnce(ctx, url)
	}, policy, func(err error, d time.Duration) {
		log.Warn().Err(err).Str("url", url).Dur("retry_in", d).Msg("feed fetch failed")
	})
}

func (t *Tracker) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	timeout := t.opts.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultOptions().FetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/x-protobuf")
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("feed returned status %d", resp.StatusCode)
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

type decoded struct {
	Positions  []gtfs.VehiclePosition
	Entities   int
	Skipped    int
	HeaderTime time.Time
}

// decodeFeed converts a FeedMessage body into positions. Entities without a
// vehicle payload are ignored; vehicle entities missing an id or a usable
// position are skipped and counted. Duplicate (vehicle, timestamp) pairs keep
// the first occurrence. Missing required fields do not fail the decode; the
// entity carrying them is skipped instead.
func decodeFeed(body []byte, cat gtfs.Category, fetchedAt time.Time) (decoded, error) {
	var feed gtfsrt.FeedMessage
	if err := (proto.UnmarshalOptions{AllowPartial: true, DiscardUnknown: true}).Unmarshal(body, &feed); err != nil {
		return decoded{}, fmt.Errorf("parse protobuf: %w", err)
	}
	out := decoded{}
	if ts := feed.GetHeader().GetTimestamp(); ts > 0 {
		out.HeaderTime = time.Unix(int64(ts), 0).UTC()
	}
	seen := make(map[string]struct{}, len(feed.GetEntity()))
	for _, entity := range feed.GetEntity() {
		v := entity.GetVehicle()
		if v == nil {
			continue
		}
		out.Entities++
		vp, ok := convertVehicle(entity.GetId(), v, out.HeaderTime, fetchedAt)
		if !ok {
			out.Skipped++
			continue
		}
		key := vp.VehicleID + "|" + vp.Timestamp.Format(time.RFC3339)
		if _, dup := seen[key]; dup {
			out.Skipped++
			continue
		}
		seen[key] = struct{}{}
		vp.Category = cat
		out.Positions = append(out.Positions, vp)
	}
	return out, nil
}

func convertVehicle(entityID string, v *gtfsrt.VehiclePosition, headerTime, fetchedAt time.Time) (gtfs.VehiclePosition, bool) {
	pos := v.GetPosition()
	if pos == nil || pos.Latitude == nil || pos.Longitude == nil {
		return gtfs.VehiclePosition{}, false
	}
	lat, lon := float64(pos.GetLatitude()), float64(pos.GetLongitude())
	if !geo.ValidLatLon(lat, lon) || (lat == 0 && lon == 0) {
		return gtfs.VehiclePosition{}, false
	}
	id := strings.TrimSpace(v.GetVehicle().GetId())
	if id == "" {
		id = strings.TrimSpace(entityID)
	}
	if id == "" {
		return gtfs.VehiclePosition{}, false
	}

	vp := gtfs.VehiclePosition{
		VehicleID: id,
		Label:     v.GetVehicle().GetLabel(),
		Lat:       lat,
		Lon:       lon,
		StopID:    v.GetStopId(),
		FetchedAt: fetchedAt,
	}
	if trip := v.GetTrip(); trip != nil {
		vp.TripID = trip.GetTripId()
		vp.RouteID = trip.GetRouteId()
		vp.StartDate = trip.GetStartDate()
		if trip.DirectionId != nil {
			d := int(trip.GetDirectionId())
			vp.DirectionID = &d
		}
	}
	if pos.Bearing != nil {
		b := float64(pos.GetBearing())
		vp.Bearing = &b
	}
	if pos.Speed != nil {
		s := float64(pos.GetSpeed())
		vp.SpeedMps = &s
	}
	if v.CurrentStopSequence != nil {
		seq := int(v.GetCurrentStopSequence())
		vp.CurrentStopSequence = &seq
	}
	if v.CurrentStatus != nil {
		vp.Status = strings.ToLower(v.GetCurrentStatus().String())
	}
	switch {
	case v.GetTimestamp() > 0:
		vp.Timestamp = time.Unix(int64(v.GetTimestamp()), 0).UTC()
	case !headerTime.IsZero():
		vp.Timestamp = headerTime
	default:
		vp.Timestamp = fetchedAt.UTC().Truncate(time.Second)
	}
	return vp, true
}

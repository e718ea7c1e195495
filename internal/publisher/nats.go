package publisher

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"transit-planner/internal/gtfs"
)

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

type NATSPublisher struct {
	nc          Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("transit-planner"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info().Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info().Msg("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return New(nc, prefix, logSubjects, m), nil
}

// New wraps an established connection.
func New(nc Conn, prefix string, logSubjects bool, m PublisherMetrics) *NATSPublisher {
	if prefix == "" {
		prefix = "vehicles"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logSubjects: logSubjects, metrics: m}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

type PositionMessage struct {
	VehicleID           string    `json:"vehicleId"`
	Label               string    `json:"label,omitempty"`
	Category            string    `json:"category"`
	TripID              string    `json:"tripId,omitempty"`
	RouteID             string    `json:"routeId,omitempty"`
	DirectionID         *int      `json:"directionId,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
	Lat                 float64   `json:"lat"`
	Lon                 float64   `json:"lon"`
	Bearing             *float64  `json:"bearing,omitempty"`
	SpeedMps            *float64  `json:"speedMps,omitempty"`
	CurrentStopSequence *int      `json:"currentStopSequence,omitempty"`
	StopID              string    `json:"stopId,omitempty"`
	Status              string    `json:"status,omitempty"`
	BatchID             string    `json:"batchId,omitempty"`
}

func messageFor(v gtfs.VehiclePosition) PositionMessage {
	return PositionMessage{
		VehicleID:           v.VehicleID,
		Label:               v.Label,
		Category:            string(v.Category),
		TripID:              v.TripID,
		RouteID:             v.RouteID,
		DirectionID:         v.DirectionID,
		Timestamp:           v.Timestamp,
		Lat:                 v.Lat,
		Lon:                 v.Lon,
		Bearing:             v.Bearing,
		SpeedMps:            v.SpeedMps,
		CurrentStopSequence: v.CurrentStopSequence,
		StopID:              v.StopID,
		Status:              v.Status,
		BatchID:             v.BatchID,
	}
}

// Subject is <prefix>.<category>.<route>.<vehicle>; vehicles without a route
// go under "_".
func (p *NATSPublisher) Subject(cat gtfs.Category, routeID, vehicleID string) string {
	return fmt.Sprintf("%s.%s.%s.%s", p.prefix, subjectToken(string(cat)), subjectToken(routeID), subjectToken(vehicleID))
}

func (p *NATSPublisher) PublishPosition(subject string, msg PositionMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Debug().Str("subject", subject).Msg("nats publish")
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// PublishVehicles fans a refreshed batch out one message per vehicle. It keeps
// going after individual failures and returns how many were published.
func (p *NATSPublisher) PublishVehicles(cat gtfs.Category, batch []gtfs.VehiclePosition) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, v := range batch {
		if err := p.PublishPosition(p.Subject(cat, v.RouteID, v.VehicleID), messageFor(v)); err != nil {
			errs = append(errs, fmt.Errorf("vehicle %s: %w", v.VehicleID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}

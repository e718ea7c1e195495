package connections

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"transit-planner/internal/errs"
	"transit-planner/internal/gtfs"
)

type Store interface {
	// Segments returns at most limit rides from from to to, one per route,
	// skipping excludeRouteID when non-empty.
	Segments(ctx context.Context, cat gtfs.Category, from, to gtfs.Stop, excludeRouteID string, limit int) ([]gtfs.TripSegment, error)
	Departures(ctx context.Context, cat gtfs.Category, stop gtfs.Stop, limit int) ([]gtfs.Departure, error)
	StopTimes(ctx context.Context, cat gtfs.Category, tripID string, fromSeq, toSeq, limit int) ([]gtfs.StopTime, error)
	NearbyStops(ctx context.Context, cat gtfs.Category, lat, lon, radiusKm float64, limit int) ([]gtfs.Stop, error)
}

// Policy bounds the search. Zero fields take DefaultPolicy values; a zero
// TimeBudget or StatementTimeout disables that bound.
type Policy struct {
	MaxCombinations      int
	MaxResults           int
	TimeBudget           time.Duration
	DirectLimit          int
	FirstLegSample       int
	SecondLegPerFirst    int
	TransferStopsPerTrip int
	CrossFeedRadiusKm    float64
	StatementTimeout     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxCombinations:      15,
		MaxResults:           6,
		TimeBudget:           8 * time.Second,
		DirectLimit:          3,
		FirstLegSample:       8,
		SecondLegPerFirst:    2,
		TransferStopsPerTrip: 12,
		CrossFeedRadiusKm:    0.4,
		StatementTimeout:     5 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxCombinations <= 0 {
		p.MaxCombinations = d.MaxCombinations
	}
	if p.MaxResults <= 0 {
		p.MaxResults = d.MaxResults
	}
	if p.DirectLimit <= 0 {
		p.DirectLimit = d.DirectLimit
	}
	if p.FirstLegSample <= 0 {
		p.FirstLegSample = d.FirstLegSample
	}
	if p.SecondLegPerFirst <= 0 {
		p.SecondLegPerFirst = d.SecondLegPerFirst
	}
	if p.TransferStopsPerTrip <= 0 {
		p.TransferStopsPerTrip = d.TransferStopsPerTrip
	}
	if p.CrossFeedRadiusKm <= 0 {
		p.CrossFeedRadiusKm = d.CrossFeedRadiusKm
	}
	return p
}

type Kind string

const (
	KindDirect   Kind = "direct"
	KindTransfer Kind = "transfer"
)

type Direct struct {
	Ride gtfs.TripSegment `json:"ride"`
}

// Transfer is two rides. For CrossFeed transfers Second boards in another
// category and WalkKm is the walk between the two stops.
type Transfer struct {
	First     gtfs.TripSegment `json:"first"`
	Second    gtfs.TripSegment `json:"second"`
	WalkKm    float64          `json:"walkKm"`
	CrossFeed bool             `json:"crossFeed"`
}

// Connection is a tagged union: exactly one of Direct or Transfer is set,
// matching Kind.
type Connection struct {
	Kind     Kind      `json:"kind"`
	Direct   *Direct   `json:"direct,omitempty"`
	Transfer *Transfer `json:"transfer,omitempty"`
}

// Rides returns the transit rides in travel order.
func (c Connection) Rides() []gtfs.TripSegment {
	switch c.Kind {
	case KindDirect:
		return []gtfs.TripSegment{c.Direct.Ride}
	case KindTransfer:
		return []gtfs.TripSegment{c.Transfer.First, c.Transfer.Second}
	}
	return nil
}

// Signature identifies a connection by its (route, board, alight) rides.
func (c Connection) Signature() string {
	parts := make([]string, 0, 2)
	for _, r := range c.Rides() {
		parts = append(parts, string(r.Category)+":"+r.Route.ID+":"+r.Board.ID+":"+r.Alight.ID)
	}
	return strings.Join(parts, ">")
}

type Truncation string

const (
	TruncNone           Truncation = "none"
	TruncCombinationCap Truncation = "combination_cap"
	TruncResultCap      Truncation = "result_cap"
	TruncTimeBudget     Truncation = "time_budget"
	TruncCancelled      Truncation = "cancelled"
)

type Result struct {
	Connections         []Connection `json:"connections"`
	CombinationsChecked int          `json:"combinationsChecked"`
	Truncation          Truncation   `json:"truncation"`
}

type Finder struct {
	store Store
	now   func() time.Time
}

func NewFinder(store Store) *Finder {
	return &Finder{store: store, now: time.Now}
}

var errBudget = errors.New("time budget exhausted")

type search struct {
	f        *Finder
	p        Policy
	deadline time.Time
}

func (s *search) expired() bool {
	return !s.deadline.IsZero() && !s.f.now().Before(s.deadline)
}

func (s *search) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.p.StatementTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.p.StatementTimeout)
}

// Search checks origin/destination pairs in order. Per pair it tries direct
// rides first and single transfers only when none exist. It stops early on
// the caps in p and reports why in Result.Truncation.
func (f *Finder) Search(ctx context.Context, origins, destinations []gtfs.Stop, p Policy) (Result, error) {
	const op = "connections.Search"
	s := &search{f: f, p: p.withDefaults()}
	if s.p.TimeBudget > 0 {
		s.deadline = f.now().Add(s.p.TimeBudget)
	}
	res := Result{Truncation: TruncNone}
	var (
		failed  int
		lastErr error
	)

outer:
	for _, o := range origins {
		for _, d := range destinations {
			if o.ID == d.ID && o.Category == d.Category {
				continue
			}
			switch {
			case ctx.Err() != nil:
				res.Truncation = TruncCancelled
			case len(res.Connections) >= s.p.MaxResults:
				res.Truncation = TruncResultCap
			case res.CombinationsChecked >= s.p.MaxCombinations:
				res.Truncation = TruncCombinationCap
			case s.expired():
				res.Truncation = TruncTimeBudget
			}
			if res.Truncation != TruncNone {
				break outer
			}

			res.CombinationsChecked++
			conns, err := s.pair(ctx, o, d)
			res.Connections = append(res.Connections, conns...)
			switch {
			case errors.Is(err, errBudget):
				res.Truncation = TruncTimeBudget
				break outer
			case err != nil && ctx.Err() != nil:
				res.Truncation = TruncCancelled
				break outer
			case err != nil:
				failed++
				lastErr = err
				log.Debug().Err(err).Str("origin", o.ID).Str("destination", d.ID).Msg("connection search failed for pair")
			}
		}
	}

	if len(res.Connections) == 0 && failed > 0 && failed == res.CombinationsChecked {
		return res, errs.Persistence(op, lastErr)
	}
	return res, nil
}

func (s *search) pair(ctx context.Context, o, d gtfs.Stop) ([]Connection, error) {
	if o.Category == d.Category {
		direct, err := s.direct(ctx, o, d)
		if err != nil {
			return nil, err
		}
		if len(direct) > 0 {
			return direct, nil
		}
	}
	return s.transfers(ctx, o, d)
}

func (s *search) direct(ctx context.Context, o, d gtfs.Stop) ([]Connection, error) {
	qctx, cancel := s.bounded(ctx)
	defer cancel()
	segs, err := s.f.store.Segments(qctx, o.Category, o, d, "", s.p.DirectLimit)
	if err != nil {
		return nil, err
	}
	var out []Connection
	for _, seg := range segs {
		if seg.Board.ID == seg.Alight.ID {
			continue
		}
		out = append(out, Connection{Kind: KindDirect, Direct: &Direct{Ride: seg}})
	}
	return out, nil
}

// transfers samples first-leg trips leaving o and looks for a second ride to
// d from their downstream stops. Individual query failures are skipped; the
// last one is returned only when nothing was found.
func (s *search) transfers(ctx context.Context, o, d gtfs.Stop) ([]Connection, error) {
	crossFeed := o.Category != d.Category
	var (
		out     []Connection
		lastErr error
	)

	qctx, cancel := s.bounded(ctx)
	deps, err := s.f.store.Departures(qctx, o.Category, o, s.p.FirstLegSample)
	cancel()
	if err != nil {
		return nil, err
	}

	for _, dep := range deps {
		if s.expired() {
			return out, errBudget
		}
		qctx, cancel := s.bounded(ctx)
		downstream, err := s.f.store.StopTimes(qctx, o.Category, dep.Trip.TripID, dep.FromSequence+1, math.MaxInt32, s.p.TransferStopsPerTrip)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			lastErr = err
			continue
		}

		found := 0
		for _, st := range downstream {
			if found >= s.p.SecondLegPerFirst {
				break
			}
			if s.expired() {
				return out, errBudget
			}
			xfer := st.Stop(o.Category)
			if xfer.ID == o.ID || (!crossFeed && xfer.ID == d.ID) {
				continue
			}
			first := gtfs.TripSegment{
				Category:           o.Category,
				Route:              dep.Route,
				Trip:               dep.Trip,
				Board:              o,
				Alight:             xfer,
				BoardSequence:      dep.FromSequence,
				AlightSequence:     st.StopSequence,
				AlightDistTraveled: st.ShapeDistTraveled,
			}

			boards := []gtfs.Stop{xfer}
			if crossFeed {
				qctx, cancel := s.bounded(ctx)
				boards, err = s.f.store.NearbyStops(qctx, d.Category, xfer.Lat, xfer.Lon, s.p.CrossFeedRadiusKm, s.p.SecondLegPerFirst+1)
				cancel()
				if err != nil {
					if ctx.Err() != nil {
						return out, ctx.Err()
					}
					lastErr = err
					continue
				}
			}

			for _, b := range boards {
				if found >= s.p.SecondLegPerFirst {
					break
				}
				if b.ID == d.ID {
					continue
				}
				b.Category = d.Category
				exclude := ""
				if !crossFeed {
					exclude = dep.Route.ID
				}
				qctx, cancel := s.bounded(ctx)
				segs, err := s.f.store.Segments(qctx, d.Category, b, d, exclude, s.p.SecondLegPerFirst-found)
				cancel()
				if err != nil {
					if ctx.Err() != nil {
						return out, ctx.Err()
					}
					lastErr = err
					continue
				}
				for _, second := range segs {
					if second.Board.ID == second.Alight.ID {
						continue
					}
					if !crossFeed && second.Route.ID == dep.Route.ID {
						continue
					}
					t := &Transfer{First: first, Second: second, CrossFeed: crossFeed}
					if crossFeed {
						t.WalkKm = b.DistanceKm
					}
					out = append(out, Connection{Kind: KindTransfer, Transfer: t})
					found++
					if found >= s.p.SecondLegPerFirst {
						break
					}
				}
			}
		}
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

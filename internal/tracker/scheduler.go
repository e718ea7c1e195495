package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler runs periodic refreshes and retention sweeps for a Tracker.
type Scheduler struct {
	t              *Tracker
	refreshEvery   time.Duration
	sweepEvery     time.Duration
	clearOnRefresh bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler refreshes every opts.Interval and sweeps hourly. With
// clearOnRefresh each cycle fully replaces a category's rows.
func NewScheduler(t *Tracker, clearOnRefresh bool) *Scheduler {
	return &Scheduler{
		t:              t,
		refreshEvery:   t.opts.Interval,
		sweepEvery:     time.Hour,
		clearOnRefresh: clearOnRefresh,
	}
}

// Start launches the background loops. An immediate refresh runs first.
// Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.refreshEvery <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.t.RefreshAll(ctx, s.clearOnRefresh)
		ticker := time.NewTicker(s.refreshEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.t.RefreshAll(ctx, s.clearOnRefresh)
			}
		}
	}()

	if s.sweepEvery > 0 && s.t.opts.Retention > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(s.sweepEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.t.Sweep(ctx, s.t.opts.Retention)
				}
			}
		}()
	}
	log.Info().Dur("interval", s.refreshEvery).Int("feeds", len(s.t.order)).Msg("vehicle refresh scheduler started")
}

// Stop cancels the loops and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	log.Info().Msg("vehicle refresh scheduler stopped")
}

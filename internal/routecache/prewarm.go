package routecache

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

// Item is one named origin/destination/mode triple to pre-compute.
type Item struct {
	Name      string  `json:"name" yaml:"name"`
	OriginLat float64 `json:"originLat" yaml:"originLat"`
	OriginLon float64 `json:"originLon" yaml:"originLon"`
	DestLat   float64 `json:"destLat" yaml:"destLat"`
	DestLon   float64 `json:"destLon" yaml:"destLon"`
	Mode      string  `json:"mode" yaml:"mode"`
}

// ComputeFunc produces the payload for an item without touching the cache.
type ComputeFunc func(ctx context.Context, it Item) (Payload, error)

type PrewarmStatus string

const (
	PrewarmStored  PrewarmStatus = "stored"
	PrewarmSkipped PrewarmStatus = "skipped"
	PrewarmFailed  PrewarmStatus = "failed"
)

type PrewarmResult struct {
	Name     string        `json:"name"`
	Status   PrewarmStatus `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

type PrewarmReport struct {
	Results []PrewarmResult `json:"results"`
	Stored  int             `json:"stored"`
	Skipped int             `json:"skipped"`
	Failed  int             `json:"failed"`
}

type PrewarmOptions struct {
	Concurrency int
	// Force recomputes items that already have a cache entry.
	Force bool
}

// Prewarm computes and stores every item with bounded parallelism. Results
// keep the input order.
func (c *Cache) Prewarm(ctx context.Context, items []Item, compute ComputeFunc, opts PrewarmOptions) PrewarmReport {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	results := make([]PrewarmResult, len(items))
	p := pool.New().WithMaxGoroutines(opts.Concurrency)
	for i, it := range items {
		p.Go(func() {
			results[i] = c.prewarmOne(ctx, it, compute, opts.Force)
		})
	}
	p.Wait()

	rep := PrewarmReport{Results: results}
	for _, r := range results {
		switch r.Status {
		case PrewarmStored:
			rep.Stored++
		case PrewarmSkipped:
			rep.Skipped++
		case PrewarmFailed:
			rep.Failed++
		}
	}
	log.Info().Int("stored", rep.Stored).Int("skipped", rep.Skipped).Int("failed", rep.Failed).Msg("route cache prewarm finished")
	return rep
}

func (c *Cache) prewarmOne(ctx context.Context, it Item, compute ComputeFunc, force bool) PrewarmResult {
	start := time.Now()
	res := PrewarmResult{Name: it.Name}
	fail := func(err error) PrewarmResult {
		res.Status = PrewarmFailed
		res.Error = err.Error()
		res.Duration = time.Since(start)
		log.Warn().Err(err).Str("item", it.Name).Msg("prewarm item failed")
		return res
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := validPair(it.OriginLat, it.OriginLon, it.DestLat, it.DestLon, it.Mode); err != nil {
		return fail(err)
	}
	if !force {
		k := c.Quantize(it.OriginLat, it.OriginLon, it.DestLat, it.DestLon, it.Mode)
		e, err := c.store.FindExact(ctx, k, c.now())
		if err == nil && e != nil {
			res.Status = PrewarmSkipped
			res.Duration = time.Since(start)
			return res
		}
	}
	payload, err := compute(ctx, it)
	if err != nil {
		return fail(err)
	}
	if err := c.Set(ctx, it.OriginLat, it.OriginLon, it.DestLat, it.DestLon, it.Mode, payload); err != nil {
		return fail(err)
	}
	res.Status = PrewarmStored
	res.Duration = time.Since(start)
	return res
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	CacheLookups *prometheus.CounterVec // result label: exact|reverse|nearby|miss

	Plans        *prometheus.CounterVec // status, truncation
	PlanDuration prometheus.Histogram

	Refreshes        *prometheus.CounterVec // category, outcome: ok|error
	VehiclesStored   *prometheus.CounterVec
	VehiclesSkipped  *prometheus.CounterVec
	RefreshDuration  *prometheus.HistogramVec
	LastRefreshEpoch *prometheus.GaugeVec

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	DBSwitches *prometheus.CounterVec // reason label: update|ping_failure|unavailable

	RefreshInterval prometheus.Gauge // seconds
	CacheTTL        prometheus.Gauge // hours
}

func NewCollector(refreshInterval, cacheTTL time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transit_planner_cache_lookups_total",
			Help: "Route cache lookups by result.",
		}, []string{"result"}),
		Plans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transit_planner_plans_total",
			Help: "Planning requests by status and search truncation.",
		}, []string{"status", "truncation"}),
		PlanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transit_planner_plan_duration_seconds",
			Help:    "Duration of planning requests, cache hits included.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transit_planner_vehicle_refreshes_total",
			Help: "Vehicle position refreshes by category and outcome.",
		}, []string{"category", "outcome"}),
		VehiclesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transit_planner_vehicles_stored_total",
			Help: "Vehicle positions written per category.",
		}, []string{"category"}),
		VehiclesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transit_planner_vehicles_skipped_total",
			Help: "Malformed vehicle entities skipped per category.",
		}, []string{"category"}),
		RefreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transit_planner_vehicle_refresh_duration_seconds",
			Help:    "Duration of fetch, decode and store per category.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"category"}),
		LastRefreshEpoch: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "transit_planner_vehicle_last_refresh_timestamp_seconds",
			Help: "Unix time of the last successful refresh per category.",
		}, []string{"category"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transit_planner_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transit_planner_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transit_planner_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transit_planner_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		DBSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transit_planner_db_switches_total",
			Help: "Number of schedule database switches by reason.",
		}, []string{"reason"}),
		RefreshInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transit_planner_vehicle_refresh_interval_seconds",
			Help: "Scheduled vehicle refresh interval in seconds.",
		}),
		CacheTTL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transit_planner_cache_ttl_hours",
			Help: "Route cache entry lifetime in hours.",
		}),
	}

	reg.MustRegister(
		c.CacheLookups,
		c.Plans, c.PlanDuration,
		c.Refreshes, c.VehiclesStored, c.VehiclesSkipped, c.RefreshDuration, c.LastRefreshEpoch,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.DBSwitches,
		c.RefreshInterval, c.CacheTTL,
	)

	c.RefreshInterval.Set(refreshInterval.Seconds())
	c.CacheTTL.Set(cacheTTL.Hours())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

func (c *Collector) CacheLookup(result string) { c.CacheLookups.WithLabelValues(result).Inc() }

func (c *Collector) PlanObserved(status, truncation string, d time.Duration) {
	if truncation == "" {
		truncation = "none"
	}
	c.Plans.WithLabelValues(status, truncation).Inc()
	c.PlanDuration.Observe(d.Seconds())
}

func (c *Collector) DBSwitched(reason string) { c.DBSwitches.WithLabelValues(reason).Inc() }

func (c *Collector) RefreshObserved(category string, err error, d time.Duration, stored, skipped int) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.Refreshes.WithLabelValues(category, outcome).Inc()
	c.RefreshDuration.WithLabelValues(category).Observe(d.Seconds())
	c.VehiclesSkipped.WithLabelValues(category).Add(float64(skipped))
	if err == nil {
		c.VehiclesStored.WithLabelValues(category).Add(float64(stored))
		c.LastRefreshEpoch.WithLabelValues(category).SetToCurrentTime()
	}
}

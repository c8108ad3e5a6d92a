package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector owns a private registry. Components accept a nil *Collector.
type Collector struct {
	reg *prometheus.Registry

	SyncPasses         *prometheus.CounterVec // kind: full|incremental, result: ok|error
	SyncCoalesced      prometheus.Counter
	SyncDuration       prometheus.Histogram
	RoutesWritten      prometheus.Counter
	RoutesDeleted      prometheus.Counter
	RoutesSkipped      prometheus.Counter
	RouteWriteFailures prometheus.Counter

	CacheMisses     prometheus.Counter
	FixesAccepted   prometheus.Counter
	FixesStale      prometheus.Counter
	ArrivalsEmitted prometheus.Counter
	FixDuration     prometheus.Histogram
	TrackedBuses    prometheus.Gauge

	Connections      prometheus.Gauge
	Subscriptions    prometheus.Gauge
	EventsDelivered  prometheus.Counter
	DeliveryFailures prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	SyncInterval prometheus.Gauge // seconds
}

func NewCollector(syncInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		SyncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_sync_passes_total",
			Help: "Route cache sync passes by kind and result.",
		}, []string{"kind", "result"}),
		SyncCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sync_coalesced_total",
			Help: "Sync requests that attached to an in-flight pass.",
		}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_sync_duration_seconds",
			Help:    "Duration of route cache sync passes.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 15),
		}),
		RoutesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sync_routes_written_total",
			Help: "Route geometries written to the cache.",
		}),
		RoutesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sync_routes_deleted_total",
			Help: "Route geometries removed from the cache.",
		}),
		RoutesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sync_routes_skipped_total",
			Help: "Routes skipped because they failed validation.",
		}),
		RouteWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sync_route_write_failures_total",
			Help: "Cache writes that failed after retries.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_cache_misses_total",
			Help: "Geometry lookups that fell back to the authoritative store.",
		}),
		FixesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_fixes_accepted_total",
			Help: "Position fixes accepted.",
		}),
		FixesStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_fixes_stale_total",
			Help: "Position fixes dropped as out of order or duplicate.",
		}),
		ArrivalsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_arrivals_total",
			Help: "Arrival events emitted.",
		}),
		FixDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_fix_duration_seconds",
			Help:    "Time to process one position fix.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		TrackedBuses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_tracked_buses",
			Help: "Buses with in-memory tracking state.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_connections",
			Help: "Open live tracking connections.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_subscriptions",
			Help: "Connection memberships across all rooms.",
		}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_events_delivered_total",
			Help: "Events queued to subscribed connections.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_delivery_failures_total",
			Help: "Events that could not be delivered to a connection.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_nats_publish_duration_seconds",
			Help:    "Duration of NATS publish calls.",
			Buckets: prometheus.DefBuckets,
		}),
		SyncInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_sync_interval_seconds",
			Help: "Scheduled re-sync interval in seconds (0 = manual only).",
		}),
	}

	reg.MustRegister(
		c.SyncPasses, c.SyncCoalesced, c.SyncDuration,
		c.RoutesWritten, c.RoutesDeleted, c.RoutesSkipped, c.RouteWriteFailures,
		c.CacheMisses, c.FixesAccepted, c.FixesStale, c.ArrivalsEmitted, c.FixDuration, c.TrackedBuses,
		c.Connections, c.Subscriptions, c.EventsDelivered, c.DeliveryFailures,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.SyncInterval,
	)

	c.SyncInterval.Set(syncInterval.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	logger.Info("metrics listening", zap.String("addr", addr))
	return srv
}

package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveBuses prometheus.Gauge

	LoopsStarted  prometheus.Counter
	LoopsFinished prometheus.Counter
	JitterWrites  prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	StoreErrors     *prometheus.CounterVec // op label: list|bus|stops|update|set_stops
	CacheRefreshes  prometheus.Counter
	RoutingRequests *prometheus.CounterVec // result label: ok|error|fallback

	TickDuration    prometheus.Histogram
	PublishDuration prometheus.Histogram

	PublishInterval prometheus.Gauge // seconds
	JitterInterval  prometheus.Gauge // seconds
	RefreshInterval prometheus.Gauge // seconds
}

func NewCollector(publishInterval, jitterInterval, refreshInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveBuses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_buses",
			Help: "Number of buses currently sharing their location.",
		}),
		LoopsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_bus_loops_started_total",
			Help: "Total per-bus simulation loops started.",
		}),
		LoopsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_bus_loops_finished_total",
			Help: "Total per-bus simulation loops finished.",
		}),
		JitterWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_jitter_writes_total",
			Help: "Total speed changes written by the jitter loop.",
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
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_store_errors_total",
			Help: "Store operations that failed.",
		}, []string{"op"}),
		CacheRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_cache_refreshes_total",
			Help: "Full cache reloads.",
		}),
		RoutingRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_routing_requests_total",
			Help: "Route geometry lookups by result.",
		}, []string{"result"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_tick_duration_seconds",
			Help:    "Duration of position tick computations.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		PublishInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_publish_interval_seconds",
			Help: "Position publish interval in seconds.",
		}),
		JitterInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_jitter_interval_seconds",
			Help: "Speed jitter interval in seconds, 0 when disabled.",
		}),
		RefreshInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_refresh_interval_seconds",
			Help: "Bus list refresh interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.ActiveBuses,
		c.LoopsStarted, c.LoopsFinished, c.JitterWrites,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.StoreErrors, c.CacheRefreshes, c.RoutingRequests,
		c.TickDuration, c.PublishDuration,
		c.PublishInterval, c.JitterInterval, c.RefreshInterval,
	)

	c.PublishInterval.Set(publishInterval.Seconds())
	c.JitterInterval.Set(jitterInterval.Seconds())
	c.RefreshInterval.Set(refreshInterval.Seconds())

	return c
}

func (c *Collector) StoreErrorInc(op string)         { c.StoreErrors.WithLabelValues(op).Inc() }
func (c *Collector) CacheRefreshInc()                { c.CacheRefreshes.Inc() }
func (c *Collector) RoutingRequestInc(result string) { c.RoutingRequests.WithLabelValues(result).Inc() }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}

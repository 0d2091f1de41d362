// Package metrics exposes Prometheus metrics for the router and peer
// processes: election/promotion counts, replication fan-out outcomes,
// routing verdicts, and pool/family gauges.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector wraps a Prometheus registry with the counters, histograms,
// and gauges the federation's control plane records.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	electionsTotal     *prometheus.CounterVec
	promotionsTotal    prometheus.Counter
	replicationTotal   *prometheus.CounterVec
	replicationLatency prometheus.Histogram
	routingVerdicts    *prometheus.CounterVec
	routingLatency     prometheus.Histogram
	allocationsTotal   *prometheus.CounterVec
	poolSizeGauge      prometheus.Gauge
	familyCountGauge   prometheus.Gauge
	breakerTransitions *prometheus.CounterVec

	server *http.Server
}

// Config configures a metrics Collector.
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "replicafed",
		Labels:    make(map[string]string),
	}
}

// NewCollector creates a new metrics collector. If config is nil or
// disabled, a no-op collector is returned whose Record* methods are safe
// to call but do nothing.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()
	c := &Collector{
		config:   config,
		registry: registry,
	}

	if err := c.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return c, nil
}

func (c *Collector) initMetrics() error {
	ns := c.config.Namespace
	sub := c.config.Subsystem

	c.electionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "elections_total",
		Help: "Total election attempts initiated by a backup's watchdog.",
	}, []string{"outcome"})

	c.promotionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "promotions_total",
		Help: "Total successful backup-to-primary promotions.",
	})

	c.replicationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "replication_fanout_total",
		Help: "Replication fan-out attempts from a primary to a backup.",
	}, []string{"result"})

	c.replicationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub,
		Name:    "replication_latency_seconds",
		Help:    "Latency of a single replication fan-out call.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	c.routingVerdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "routing_verdicts_total",
		Help: "Routability verdicts returned by primaries during dispatch.",
	}, []string{"verdict"})

	c.routingLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns, Subsystem: sub,
		Name:    "routing_latency_seconds",
		Help:    "Latency of the router's route dispatch decision.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	c.allocationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "allocations_total",
		Help: "New-family allocation attempts.",
	}, []string{"result"})

	c.poolSizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub,
		Name: "pool_size",
		Help: "Current number of idle peers in the router's pool.",
	})

	c.familyCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns, Subsystem: sub,
		Name: "family_count",
		Help: "Current number of families tracked by the router.",
	})

	c.breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns, Subsystem: sub,
		Name: "circuit_transitions_total",
		Help: "Circuit breaker state transitions for outbound peer calls.",
	}, []string{"peer", "from", "to"})

	return nil
}

func (c *Collector) registerMetrics() error {
	collectors := []prometheus.Collector{
		c.electionsTotal,
		c.promotionsTotal,
		c.replicationTotal,
		c.replicationLatency,
		c.routingVerdicts,
		c.routingLatency,
		c.allocationsTotal,
		c.poolSizeGauge,
		c.familyCountGauge,
		c.breakerTransitions,
	}
	for _, collector := range collectors {
		if err := c.registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// Start begins serving /metrics in a background HTTP server.
func (c *Collector) Start(ctx context.Context) error {
	if c.config == nil || !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop shuts down the metrics HTTP server.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordElection records the outcome of an election attempt: "won",
// "lost" (another candidate acknowledged first), or "no_candidate"
// (every candidate was unreachable).
func (c *Collector) RecordElection(outcome string) {
	if c.electionsTotal == nil {
		return
	}
	c.electionsTotal.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// RecordPromotion records a completed promotion.
func (c *Collector) RecordPromotion() {
	if c.promotionsTotal == nil {
		return
	}
	c.promotionsTotal.Inc()
}

// RecordReplication records one primary->backup fan-out call.
func (c *Collector) RecordReplication(result string, latency time.Duration) {
	if c.replicationTotal == nil {
		return
	}
	c.replicationTotal.With(prometheus.Labels{"result": result}).Inc()
	c.replicationLatency.Observe(latency.Seconds())
}

// RecordRoutingVerdict records a primary's routability verdict observed
// during dispatch.
func (c *Collector) RecordRoutingVerdict(verdict string, latency time.Duration) {
	if c.routingVerdicts == nil {
		return
	}
	c.routingVerdicts.With(prometheus.Labels{"verdict": verdict}).Inc()
	c.routingLatency.Observe(latency.Seconds())
}

// RecordAllocation records a new-family allocation attempt.
func (c *Collector) RecordAllocation(result string) {
	if c.allocationsTotal == nil {
		return
	}
	c.allocationsTotal.With(prometheus.Labels{"result": result}).Inc()
}

// SetPoolSize updates the pool-size gauge.
func (c *Collector) SetPoolSize(n int) {
	if c.poolSizeGauge == nil {
		return
	}
	c.poolSizeGauge.Set(float64(n))
}

// SetFamilyCount updates the family-count gauge.
func (c *Collector) SetFamilyCount(n int) {
	if c.familyCountGauge == nil {
		return
	}
	c.familyCountGauge.Set(float64(n))
}

// RecordBreakerTransition records a circuit breaker state change for
// the outbound path to one peer.
func (c *Collector) RecordBreakerTransition(peer, from, to string) {
	if c.breakerTransitions == nil {
		return
	}
	c.breakerTransitions.With(prometheus.Labels{"peer": peer, "from": from, "to": to}).Inc()
}

package telemetry

import (
	"net/http"
	"time"

	"github.com/openfroyo/dtoverlay/pkg/overlay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the overlay lifecycle. It
// implements overlay.Observer; a disabled Metrics records nothing.
type Metrics struct {
	config MetricsConfig

	instancesLive prometheus.Gauge
	writes        *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepFailures  *prometheus.CounterVec
	removals      *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ overlay.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		instancesLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances_live",
				Help:      "Current number of overlay instances",
			},
		),
		writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "writes_total",
				Help:      "Total number of path writes that ran the apply chain",
			},
			[]string{"result"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of lifecycle steps in seconds",
				Buckets:   buckets,
			},
			[]string{"step"},
		),
		stepFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_failures_total",
				Help:      "Total number of failed lifecycle steps",
			},
			[]string{"step", "kind"},
		),
		removals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "removals_total",
				Help:      "Total number of overlay removals",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.instancesLive,
		m.writes,
		m.stepDuration,
		m.stepFailures,
		m.removals,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m.registry != nil
}

// InstanceCreated implements overlay.Observer.
func (m *Metrics) InstanceCreated() {
	if m.enabled() {
		m.instancesLive.Inc()
	}
}

// InstanceDestroyed implements overlay.Observer.
func (m *Metrics) InstanceDestroyed() {
	if m.enabled() {
		m.instancesLive.Dec()
	}
}

// StepCompleted implements overlay.Observer.
func (m *Metrics) StepCompleted(step overlay.Step, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	m.stepDuration.WithLabelValues(string(step)).Observe(duration.Seconds())
	if err != nil {
		kind := string(overlay.KindOf(err))
		if kind == "" {
			kind = "engine"
		}
		m.stepFailures.WithLabelValues(string(step), kind).Inc()
	}
	if step == overlay.StepRemove {
		m.removals.WithLabelValues(result(err)).Inc()
	}
}

// WriteCompleted implements overlay.Observer.
func (m *Metrics) WriteCompleted(err error) {
	if m.enabled() {
		m.writes.WithLabelValues(result(err)).Inc()
	}
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// NewServer returns the HTTP server exposing the metrics endpoint, or nil when
// metrics are disabled. The caller owns ListenAndServe and Shutdown.
func (m *Metrics) NewServer() *http.Server {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Package metrics provides Prometheus metrics for the FaceGate pipeline.
// A nil *Manager is valid and records nothing.
package metrics

import (
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Failure reasons recorded by CycleFailed
const (
	ReasonFrame   = "frame"
	ReasonDetect  = "detect"
	ReasonTimeout = "timeout"
	ReasonPanic   = "panic"
)

// Manager owns the pipeline metrics and their registry
type Manager struct {
	namespace string
	registry  *prometheus.Registry

	cyclesTotal    prometheus.Counter
	cycleFailures  *prometheus.CounterVec
	ticksDropped   prometheus.Counter
	cycleDuration  prometheus.Histogram
	facesPerCycle  prometheus.Histogram
	faceResults    *prometheus.CounterVec
	degraded       prometheus.Counter
	focusScore     prometheus.Histogram
	textureScore   prometheus.Histogram
	matchDistance  prometheus.Histogram
	enrolled       prometheus.Gauge
	overlayClients prometheus.Gauge
	overlayDropped prometheus.Counter
}

// Option applies a configuration option to the Manager
type Option func(*Manager)

// WithNamespace sets the namespace for all metrics
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithRegistry registers the metrics on the given registry instead of a private one
func WithRegistry(registry *prometheus.Registry) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// NewManager creates and registers the pipeline metrics
func NewManager(opts ...Option) *Manager {
	m := &Manager{namespace: "facegate"}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	// Frame cycle
	m.cyclesTotal = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "cycle",
		Name:      "completed_total",
		Help:      "Total number of frame cycles that handed off results",
	})
	m.cycleFailures = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "cycle",
		Name:      "failures_total",
		Help:      "Total number of skipped frame cycles by reason",
	}, []string{"reason"})
	m.ticksDropped = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "cycle",
		Name:      "ticks_dropped_total",
		Help:      "Ticks dropped because a cycle was still in flight",
	})
	m.cycleDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "cycle",
		Name:      "duration_seconds",
		Help:      "Duration of completed frame cycles",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2, 5},
	})
	m.facesPerCycle = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "cycle",
		Name:      "faces",
		Help:      "Number of faces detected per cycle",
		Buckets:   []float64{0, 1, 2, 3, 5, 8},
	})

	// Per-face outcomes
	m.faceResults = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "face",
		Name:      "results_total",
		Help:      "Per-face results by match and liveness outcome",
	}, []string{"match", "liveness"})
	m.degraded = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "liveness",
		Name:      "degraded_total",
		Help:      "Liveness analyses that failed and assumed live",
	})
	m.focusScore = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "liveness",
		Name:      "focus_score",
		Help:      "Variance of the Laplacian of analysed face regions",
		Buckets:   prometheus.ExponentialBuckets(5, 2, 12),
	})
	m.textureScore = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "liveness",
		Name:      "texture_score",
		Help:      "Mean gradient magnitude of analysed face regions",
		Buckets:   prometheus.LinearBuckets(5, 5, 20),
	})
	m.matchDistance = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "match",
		Name:      "distance",
		Help:      "Distance of each probe to its nearest enrolled identity",
		Buckets:   prometheus.LinearBuckets(0.1, 0.1, 12),
	})

	// Enrollment and overlay
	m.enrolled = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "enrollment",
		Name:      "identities",
		Help:      "Number of enrolled identities",
	})
	m.overlayClients = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "overlay",
		Name:      "clients",
		Help:      "Connected overlay websocket clients",
	})
	m.overlayDropped = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "overlay",
		Name:      "dropped_total",
		Help:      "Reports dropped for slow overlay clients",
	})
}

// Registry returns the registry the metrics are registered on
func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Manager) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CycleCompleted records a cycle that handed off its results
func (m *Manager) CycleCompleted(d time.Duration, faces int) {
	if m == nil {
		return
	}
	m.cyclesTotal.Inc()
	m.cycleDuration.Observe(d.Seconds())
	m.facesPerCycle.Observe(float64(faces))
}

// CycleFailed records a skipped cycle
func (m *Manager) CycleFailed(reason string) {
	if m == nil {
		return
	}
	m.cycleFailures.WithLabelValues(reason).Inc()
}

// TickDropped records a tick that arrived while a cycle was in flight
func (m *Manager) TickDropped() {
	if m == nil {
		return
	}
	m.ticksDropped.Inc()
}

// FaceAnalysed records the outcome of one face
func (m *Manager) FaceAnalysed(known, spoofed, degraded bool, distance, focus, texture float64) {
	if m == nil {
		return
	}

	match := "unknown"
	if known {
		match = "known"
	}
	liveness := "live"
	if spoofed {
		liveness = "spoofed"
	}
	m.faceResults.WithLabelValues(match, liveness).Inc()

	if !math.IsInf(distance, 0) && !math.IsNaN(distance) {
		m.matchDistance.Observe(distance)
	}

	if degraded {
		m.degraded.Inc()
		return
	}
	m.focusScore.Observe(focus)
	m.textureScore.Observe(texture)
}

// SetEnrolled records the number of enrolled identities
func (m *Manager) SetEnrolled(n int) {
	if m == nil {
		return
	}
	m.enrolled.Set(float64(n))
}

// SetOverlayClients records the number of connected overlay clients
func (m *Manager) SetOverlayClients(n int) {
	if m == nil {
		return
	}
	m.overlayClients.Set(float64(n))
}

// OverlayDropped records a report that a slow client did not receive
func (m *Manager) OverlayDropped() {
	if m == nil {
		return
	}
	m.overlayDropped.Inc()
}

// Package metrics exports session controller counters to Prometheus.
//
// A nil *Collector is valid and records nothing, so controllers can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "audiobridge"

// Collector holds the controller metrics and the registry they live in
type Collector struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	sessions      *prometheus.CounterVec
	activeSession *prometheus.GaugeVec
	ticks         *prometheus.CounterVec
	ticksDropped  *prometheus.CounterVec
	deviceErrors  *prometheus.CounterVec
	interruptions prometheus.Counter
	autoResumes   *prometheus.CounterVec
	sessionLength *prometheus.HistogramVec
}

// New creates a collector on a fresh registry that also carries the Go and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session state transitions by controller, source and destination state",
		}, []string{"controller", "from", "to"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions started by controller",
		}, []string{"controller"}),
		activeSession: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "Whether a session is open (1) or not (0)",
		}, []string{"controller"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_ticks_total",
			Help:      "Progress events emitted",
		}, []string{"controller"}),
		ticksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_ticks_dropped_total",
			Help:      "Progress ticks skipped because the controller queue was full",
		}, []string{"controller"}),
		deviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_errors_total",
			Help:      "Device failures by controller and operation",
		}, []string{"controller", "op"}),
		interruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "interruptions_total",
			Help:      "Recordings interrupted by audio focus loss",
		}),
		autoResumes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "auto_resumes_total",
			Help:      "Automatic resume attempts after focus regain by outcome",
		}, []string{"outcome"}),
		sessionLength: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall-clock length of closed sessions",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}, []string{"controller", "outcome"}),
	}

	reg.MustRegister(
		c.transitions, c.sessions, c.activeSession, c.ticks, c.ticksDropped,
		c.deviceErrors, c.interruptions, c.autoResumes, c.sessionLength,
	)
	return c
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Transition(controller, from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(controller, from, to).Inc()
}

func (c *Collector) SessionStarted(controller string) {
	if c == nil {
		return
	}
	c.sessions.WithLabelValues(controller).Inc()
	c.activeSession.WithLabelValues(controller).Set(1)
}

func (c *Collector) SessionClosed(controller, outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.activeSession.WithLabelValues(controller).Set(0)
	c.sessionLength.WithLabelValues(controller, outcome).Observe(seconds)
}

func (c *Collector) Tick(controller string) {
	if c == nil {
		return
	}
	c.ticks.WithLabelValues(controller).Inc()
}

func (c *Collector) TickDropped(controller string) {
	if c == nil {
		return
	}
	c.ticksDropped.WithLabelValues(controller).Inc()
}

func (c *Collector) DeviceError(controller, op string) {
	if c == nil {
		return
	}
	c.deviceErrors.WithLabelValues(controller, op).Inc()
}

func (c *Collector) Interrupted() {
	if c == nil {
		return
	}
	c.interruptions.Inc()
}

func (c *Collector) AutoResume(outcome string) {
	if c == nil {
		return
	}
	c.autoResumes.WithLabelValues(outcome).Inc()
}

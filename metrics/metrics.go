// Package metrics exposes Prometheus collectors for the tick server. A nil
// *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "tickserver").
	Namespace string

	// ConstLabels are constant labels added to all metrics, e.g. the server
	// name.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for tick duration in seconds.
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "tickserver",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .02, .05, .1},
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the collectors.
type Metrics struct {
	pending      prometheus.Gauge
	active       prometheus.Gauge
	reconnecting prometheus.Gauge
	disconnects  *prometheus.CounterVec
	rejects      *prometheus.CounterVec
	messages     prometheus.Counter
	reconnects   prometheus.Counter
	ticks        prometheus.Counter
	slowTicks    prometheus.Counter
	tickDuration prometheus.Histogram
}

// New registers the collectors with the configured registry. Registering
// twice with the same registry panics.
//
// Parameters:
//   - opts: Optional configuration
//
// Returns:
//   - The registered collectors
func New(opts ...Option) *Metrics {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	factory := promauto.With(cfg.Registry)
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		})
	}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		})
	}

	return &Metrics{
		pending:      gauge("sessions_pending", "Sessions currently mid-handshake"),
		active:       gauge("sessions_active", "Sessions that completed their handshake"),
		reconnecting: gauge("sessions_reconnecting", "Authenticated sessions waiting for a reconnect"),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "disconnects_total",
			Help:        "Session disconnects by cause and lifecycle state",
			ConstLabels: cfg.ConstLabels,
		}, []string{"cause", "state"}),
		rejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "connections_rejected_total",
			Help:        "Connections refused before a session was created",
			ConstLabels: cfg.ConstLabels,
		}, []string{"reason"}),
		messages:   counter("messages_total", "Messages dispatched to the message handler"),
		reconnects: counter("reconnects_total", "Parked sessions resumed on a new connection"),
		ticks:      counter("ticks_total", "Completed ticks"),
		slowTicks:  counter("slow_ticks_total", "Ticks that exceeded the tick budget"),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "tick_duration_seconds",
			Help:        "Wall time spent in one tick",
			Buckets:     cfg.Buckets,
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

// SetSessions records the sizes of the three session sets.
func (m *Metrics) SetSessions(pending, active, reconnecting int) {
	if m == nil {
		return
	}

	m.pending.Set(float64(pending))
	m.active.Set(float64(active))
	m.reconnecting.Set(float64(reconnecting))
}

// Disconnect counts a disconnect with its cause kind and the state the
// session was in.
func (m *Metrics) Disconnect(cause, state string) {
	if m == nil {
		return
	}

	m.disconnects.WithLabelValues(cause, state).Inc()
}

// Reject counts a connection refused for reason.
func (m *Metrics) Reject(reason string) {
	if m == nil {
		return
	}

	m.rejects.WithLabelValues(reason).Inc()
}

// Message counts one dispatched message.
func (m *Metrics) Message() {
	if m == nil {
		return
	}

	m.messages.Inc()
}

// Reconnect counts one resumed session.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}

	m.reconnects.Inc()
}

// Tick records one tick and its duration.
func (m *Metrics) Tick(d time.Duration, slow bool) {
	if m == nil {
		return
	}

	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
	if slow {
		m.slowTicks.Inc()
	}
}

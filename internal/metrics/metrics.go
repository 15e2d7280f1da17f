// Package metrics exposes the sync engine's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "collabtext"

// Config configures the collectors.
type Config struct {
	Namespace string
	// Registry defaults to prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// Option configures New.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// SinkStats is implemented by the async content sink.
type SinkStats interface {
	Persisted() uint64
	Failed() uint64
	Dropped() uint64
}

type Metrics struct {
	factory   promauto.Factory
	namespace string

	rooms       prometheus.Gauge
	members     prometheus.Gauge
	connections prometheus.Gauge
	events      *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	reconnects  prometheus.Counter
	reaped      prometheus.Counter
	sendDrops   prometheus.Counter
}

// New registers the collectors.
func New(opts ...Option) *Metrics {
	cfg := Config{
		Namespace: DefaultNamespace,
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		factory:   factory,
		namespace: cfg.Namespace,

		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "rooms",
			Help:      "Number of live rooms",
		}),
		members: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "members",
			Help:      "Number of attached members across all rooms",
		}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "connections",
			Help:      "Number of open websocket connections",
		}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "events_total",
			Help:      "Inbound room events by type and outcome",
		}, []string{"type", "outcome"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "rejections_total",
			Help:      "Requests refused by reason",
		}, []string{"reason"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "reconnects_total",
			Help:      "Member slots moved onto a new connection",
		}),
		reaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "reaped_total",
			Help:      "Members removed because their transport died",
		}),
		sendDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "send_buffer_overflows_total",
			Help:      "Connections closed because their send buffer was full",
		}),
	}
}

// WatchSink exports the counters of an async content sink.
func (m *Metrics) WatchSink(s SinkStats) {
	if m == nil || s == nil {
		return
	}
	for _, c := range []struct {
		name, help string
		value      func() uint64
	}{
		{"sink_persisted_total", "Documents written by the content sink", s.Persisted},
		{"sink_failed_total", "Documents the content sink failed to write", s.Failed},
		{"sink_dropped_total", "Documents dropped because the sink queue was full", s.Dropped},
	} {
		value := c.value
		m.factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      c.name,
			Help:      c.help,
		}, func() float64 { return float64(value()) })
	}
}

// Occupancy sets the room, member and connection gauges.
func (m *Metrics) Occupancy(rooms, members, connections int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(rooms))
	m.members.Set(float64(members))
	m.connections.Set(float64(connections))
}

func (m *Metrics) Event(eventType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) Rejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) Reaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reaped.Add(float64(n))
}

func (m *Metrics) SendOverflow() {
	if m == nil {
		return
	}
	m.sendDrops.Inc()
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manpreetbhatti/bubbles/internal/domain"
	"github.com/manpreetbhatti/bubbles/internal/engine"
	"github.com/manpreetbhatti/bubbles/internal/protocol"
)

const namespace = "bubbles"

// Metrics exports engine activity as Prometheus collectors.
type Metrics struct {
	rooms         prometheus.Gauge
	members       prometheus.Gauge
	registrations *prometheus.CounterVec
	relayed       prometheus.Counter
	dropped       prometheus.Counter
	sessionLength prometheus.Histogram
	connDropped   prometheus.Histogram
}

var _ engine.Observer = (*Metrics)(nil)

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms currently open.",
		}),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_connections",
			Help:      "Connections currently registered in a room.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration attempts by result.",
		}, []string{"result"}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_notifications_total",
			Help:      "Live notifications handed to the transport.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_notifications_total",
			Help:      "Live notifications skipped by backpressure or send failure.",
		}),
		sessionLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Time a connection stayed registered.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		connDropped: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_dropped_notifications",
			Help:      "Notifications dropped per connection, observed at departure.",
			Buckets:   []float64{0, 1, 10, 100, 1000, 10000},
		}),
	}
	reg.MustRegister(m.rooms, m.members, m.registrations, m.relayed, m.dropped, m.sessionLength, m.connDropped)
	return m
}

// Handler exposes the gatherer's metrics at /metrics.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) RoomOpened(string, time.Time) { m.rooms.Inc() }

func (m *Metrics) RoomClosed(string, time.Time) { m.rooms.Dec() }

func (m *Metrics) Registered(string, domain.ConnID, uint32) {
	m.members.Inc()
	m.registrations.WithLabelValues("ok").Inc()
}

func (m *Metrics) RegistrationFailed(_ string, code protocol.ErrorCode) {
	m.registrations.WithLabelValues(result(code)).Inc()
}

func (m *Metrics) Unregistered(d engine.Departure) {
	m.members.Dec()
	m.connDropped.Observe(float64(d.Dropped))
	if !d.JoinedAt.IsZero() && d.LeftAt.After(d.JoinedAt) {
		m.sessionLength.Observe(d.LeftAt.Sub(d.JoinedAt).Seconds())
	}
}

func (m *Metrics) Relayed(_ string, delivered, dropped int) {
	m.relayed.Add(float64(delivered))
	m.dropped.Add(float64(dropped))
}

func result(code protocol.ErrorCode) string {
	switch code {
	case protocol.ErrorAlreadyRegistered:
		return "already_registered"
	case protocol.ErrorNoColor:
		return "no_color"
	case protocol.ErrorNotRegistered:
		return "not_registered"
	default:
		return "error"
	}
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat_relay"

// StatsSource reports the current membership of this process.
type StatsSource interface {
	Stats() (rooms, members int)
}

// Relay holds the relay collectors in a registry of its own.
type Relay struct {
	reg       *prometheus.Registry
	opened    prometheus.Counter
	closed    prometheus.Counter
	active    prometheus.Gauge
	published *prometheus.CounterVec
	malformed prometheus.Counter
}

func New(src StatsSource) *Relay {
	m := &Relay{
		reg: prometheus.NewRegistry(),
		opened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Connections that joined a room.",
		}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Connections that left their room.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently joined.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages handed to the fabric by result.",
		}, []string{"result"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_malformed_total",
			Help:      "Client frames rejected as malformed.",
		}),
	}

	m.reg.MustRegister(
		m.opened, m.closed, m.active, m.published, m.malformed,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Rooms with at least one member in this process.",
		}, func() float64 {
			rooms, _ := src.Stats()
			return float64(rooms)
		}),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Relay) ConnectionOpened() {
	m.opened.Inc()
	m.active.Inc()
}

func (m *Relay) ConnectionClosed() {
	m.closed.Inc()
	m.active.Dec()
}

func (m *Relay) Published(err error) {
	if err != nil {
		m.published.WithLabelValues("error").Inc()
		return
	}
	m.published.WithLabelValues("ok").Inc()
}

func (m *Relay) Malformed() {
	m.malformed.Inc()
}

// Handler exposes the collectors in Prometheus text format.
func (m *Relay) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

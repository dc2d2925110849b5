package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Metrics holds every gateway collector. All methods are safe on a nil
// receiver so components can run without instrumentation.
type Metrics struct {
	reg *prometheus.Registry

	Connections     prometheus.Gauge
	Rooms           prometheus.Gauge
	AuthAttempts    *prometheus.CounterVec
	ControlMessages *prometheus.CounterVec
	Delivered       *prometheus.CounterVec
	Dropped         prometheus.Counter
	RelayErrors     prometheus.Counter
	IngressEvents   *prometheus.CounterVec
	BrokerLink      *prometheus.GaugeVec
	BrokerLatency   prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of live client sockets on this node",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Number of non-empty rooms on this node",
		}),
		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by result",
		}, []string{"result"}),
		ControlMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_total",
			Help:      "Inbound control frames by type and result",
		}, []string{"type", "result"}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Event frames queued to local sockets by event type and source",
		}, []string{"event", "source"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Outbound frames dropped because a send queue was full",
		}),
		RelayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_publish_errors_total",
			Help:      "Failed cross-node relay publishes",
		}),
		IngressEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_events_total",
			Help:      "Events accepted from producers by source and result",
		}, []string{"source", "result"}),
		BrokerLink: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_link_up",
			Help:      "1 when the broker link is ready, labelled with its current state",
		}, []string{"link", "state"}),
		BrokerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broker_ping_seconds",
			Help:      "Broker PING round trip",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
	m.reg.MustRegister(
		m.Connections, m.Rooms, m.AuthAttempts, m.ControlMessages, m.Delivered,
		m.Dropped, m.RelayErrors, m.IngressEvents, m.BrokerLink, m.BrokerLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) SetRooms(n int) {
	if m != nil {
		m.Rooms.Set(float64(n))
	}
}

func (m *Metrics) Auth(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.AuthAttempts.WithLabelValues("ok").Inc()
	} else {
		m.AuthAttempts.WithLabelValues("failed").Inc()
	}
}

func (m *Metrics) Control(msgType, result string) {
	if m != nil {
		m.ControlMessages.WithLabelValues(msgType, result).Inc()
	}
}

func (m *Metrics) Deliver(event, source string, n int) {
	if m != nil && n > 0 {
		m.Delivered.WithLabelValues(event, source).Add(float64(n))
	}
}

func (m *Metrics) Drop() {
	if m != nil {
		m.Dropped.Inc()
	}
}

func (m *Metrics) RelayError() {
	if m != nil {
		m.RelayErrors.Inc()
	}
}

func (m *Metrics) Ingress(source, result string) {
	if m != nil {
		m.IngressEvents.WithLabelValues(source, result).Inc()
	}
}

var linkStates = []string{"idle", "connecting", "ready", "reconnecting", "failed", "closed"}

// LinkState sets the state gauge of link: 1 for the current state, 0 for the rest.
func (m *Metrics) LinkState(link, state string) {
	if m == nil {
		return
	}
	for _, s := range linkStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.BrokerLink.WithLabelValues(link, s).Set(v)
	}
}

func (m *Metrics) BrokerPing(seconds float64) {
	if m != nil {
		m.BrokerLatency.Observe(seconds)
	}
}

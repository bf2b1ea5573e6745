package courier

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "courier"

// connMetrics holds the prometheus instruments for one connection. A nil
// *connMetrics is valid and records nothing, so callers never branch on
// whether metrics are enabled.
type connMetrics struct {
	msgsIn        prometheus.Counter
	msgsOut       prometheus.Counter
	bytesIn       prometheus.Counter
	bytesOut      prometheus.Counter
	reconnects    prometheus.Counter
	errors        prometheus.Counter
	dropped       prometheus.Counter
	state         prometheus.Gauge
	subscriptions prometheus.Gauge
}

func newConnMetrics(reg prometheus.Registerer) (*connMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &connMetrics{
		msgsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Messages delivered by the broker to this connection.",
		}),
		msgsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_published_total",
			Help:      "Messages accepted for publishing on this connection.",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_received_total",
			Help:      "Bytes read from the transport.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the transport.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnects_total",
			Help:      "Successful reconnects after a transport failure.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Asynchronous connection errors.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped because a subscription's queue was full.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 Connecting, 1 Connected, 2 Reconnecting, 3 Disconnected, 4 Closed).",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "subscriptions",
			Help:      "Active subscriptions.",
		}),
	}

	for _, col := range []prometheus.Collector{
		m.msgsIn, m.msgsOut, m.bytesIn, m.bytesOut,
		m.reconnects, m.errors, m.dropped, m.state, m.subscriptions,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *connMetrics) incMsgsIn() {
	if m != nil {
		m.msgsIn.Inc()
	}
}

func (m *connMetrics) incMsgsOut() {
	if m != nil {
		m.msgsOut.Inc()
	}
}

func (m *connMetrics) addBytesIn(n int) {
	if m != nil {
		m.bytesIn.Add(float64(n))
	}
}

func (m *connMetrics) addBytesOut(n int) {
	if m != nil {
		m.bytesOut.Add(float64(n))
	}
}

func (m *connMetrics) incReconnects() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *connMetrics) incErrors() {
	if m != nil {
		m.errors.Inc()
	}
}

func (m *connMetrics) incDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *connMetrics) setState(s State) {
	if m != nil {
		m.state.Set(float64(s))
	}
}

func (m *connMetrics) setSubscriptions(n int) {
	if m != nil {
		m.subscriptions.Set(float64(n))
	}
}

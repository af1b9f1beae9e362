package signaling

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds relay counters. A nil *Metrics records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	stores   *prometheus.CounterVec
	polls    *prometheus.CounterVec
	deletes  *prometheus.CounterVec
}

// NewMetrics registers the relay counters on reg (the default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wavelite_signaling_requests_total",
			Help: "Relay operations grouped by outcome.",
		}, []string{"op", "result"}),
		stores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wavelite_signaling_records_stored_total",
			Help: "Handshake records stored per kind.",
		}, []string{"kind"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wavelite_signaling_poll_total",
			Help: "Polls per kind grouped by hit or miss.",
		}, []string{"kind", "result"}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wavelite_signaling_records_deleted_total",
			Help: "Records removed outside of delivery, grouped by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.requests, m.stores, m.polls, m.deletes)
	return m
}

func (m *Metrics) request(op, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, result).Inc()
}

func (m *Metrics) stored(kind Kind) {
	if m == nil {
		return
	}
	m.stores.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) polled(kind Kind, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.polls.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) deleted(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deletes.WithLabelValues(reason).Add(float64(n))
}

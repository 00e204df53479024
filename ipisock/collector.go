package ipisock

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the metrics of a Server as Prometheus counters and gauges.
// Values are read from the server's atomic counters at scrape time.
type Collector struct {
	metrics []prometheus.Collector
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for srv. Metric names are prefixed with namespace,
// "ipi" when empty.
func NewCollector(namespace string, srv *Server) *Collector {
	if namespace == "" {
		namespace = "ipi"
	}

	m := srv.Metrics()
	s := &m.Session

	counter := func(subsystem, name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	gauge := func(subsystem, name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	return &Collector{metrics: []prometheus.Collector{
		counter("server", "connections_accepted_total", "Connections served.", &m.AcceptedCount),
		counter("server", "connections_rejected_total", "Connections closed because the session limit was reached.", &m.RejectedCount),
		counter("server", "session_errors_total", "Sessions that ended with an error.", &m.SessionErrCount),
		gauge("server", "active_sessions", "Sessions being served.", &m.ActiveSessions),

		counter("session", "requests_received_total", "Requests received from drivers.", &s.RequestRecvCount),
		counter("session", "error_replies_total", "ERROR replies sent to drivers.", &s.ErrorReplyCount),
		counter("session", "out_of_order_total", "Commands rejected by the state machine.", &s.OutOfOrderCount),
		counter("session", "mismatches_total", "Results whose atom count differed from the geometry.", &s.MismatchCount),
		counter("session", "received_bytes_total", "Bytes read from closed sessions.", &s.BytesRecv),
		counter("session", "sent_bytes_total", "Bytes written by closed sessions.", &s.BytesSent),

		counter("evaluator", "evaluations_total", "Completed evaluations.", &s.EvaluationCount),
		counter("evaluator", "evaluation_errors_total", "Failed evaluations.", &s.EvaluationErrCount),
		gauge("evaluator", "evaluations_inflight", "Evaluations in progress.", &s.EvaluationInflight),
	}}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		m.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.metrics {
		m.Collect(ch)
	}
}

// RegisterMetrics registers a Collector for srv with reg, the default registerer when nil.
func RegisterMetrics(reg prometheus.Registerer, namespace string, srv *Server) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return reg.Register(NewCollector(namespace, srv))
}

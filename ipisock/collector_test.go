package ipisock

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConnectionConfig("127.0.0.1", 0)
	require.NoError(err)

	srv, err := NewServer(cfg, harmonic)
	require.NoError(err)

	m := srv.Metrics()
	m.AcceptedCount.Add(3)
	m.RejectedCount.Add(1)
	m.ActiveSessions.Add(2)
	m.Session.EvaluationCount.Add(7)

	reg := prometheus.NewRegistry()
	require.NoError(RegisterMetrics(reg, "", srv))
	require.Error(RegisterMetrics(reg, "", srv), "duplicate registration")

	families, err := reg.Gather()
	require.NoError(err)

	values := make(map[string]float64, len(families))
	for _, mf := range families {
		metric := mf.GetMetric()[0]
		switch {
		case metric.GetCounter() != nil:
			values[mf.GetName()] = metric.GetCounter().GetValue()
		case metric.GetGauge() != nil:
			values[mf.GetName()] = metric.GetGauge().GetValue()
		}
	}

	require.Len(values, 13)
	require.Equal(3.0, values["ipi_server_connections_accepted_total"])
	require.Equal(1.0, values["ipi_server_connections_rejected_total"])
	require.Equal(2.0, values["ipi_server_active_sessions"])
	require.Equal(7.0, values["ipi_evaluator_evaluations_total"])
	require.Zero(values["ipi_evaluator_evaluations_inflight"])
}

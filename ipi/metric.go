package ipi

import (
	"sync/atomic"
)

// SessionMetrics contains atomic metrics of one or more sessions.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
//
// Several sessions may share one SessionMetrics, see WithMetrics.
type SessionMetrics struct {
	// RequestSendCount indicates the number of requests sent by a driver.
	RequestSendCount atomic.Uint64
	// RequestRecvCount indicates the number of requests received by a server.
	RequestRecvCount atomic.Uint64
	// ErrorReplyCount indicates the number of ERROR replies sent or received.
	ErrorReplyCount atomic.Uint64
	// OutOfOrderCount indicates the number of commands rejected by the state machine.
	OutOfOrderCount atomic.Uint64
	// MismatchCount indicates the number of results whose atom count didn't match the geometry.
	MismatchCount atomic.Uint64
	// BusyPollCount indicates the number of STATUS polls issued after a BUSY reply.
	BusyPollCount atomic.Uint64

	// EvaluationCount indicates the number of completed evaluations.
	EvaluationCount atomic.Uint64
	// EvaluationErrCount indicates the number of failed evaluations.
	EvaluationErrCount atomic.Uint64
	// EvaluationInflight indicates the number of evaluations in progress.
	EvaluationInflight atomic.Int64

	// BytesSent indicates the number of bytes written to transports.
	BytesSent atomic.Uint64
	// BytesRecv indicates the number of bytes read from transports.
	BytesRecv atomic.Uint64
}

// WithMetrics makes the session record into m instead of a private SessionMetrics.
func WithMetrics(m *SessionMetrics) SessionOption {
	return newSessionOptFunc("WithMetrics", func(cfg *SessionConfig) error {
		cfg.metrics = m
		return nil
	})
}

func (m *SessionMetrics) incRequestSendCount() { m.RequestSendCount.Add(1) }
func (m *SessionMetrics) incRequestRecvCount() { m.RequestRecvCount.Add(1) }
func (m *SessionMetrics) incErrorReplyCount()  { m.ErrorReplyCount.Add(1) }
func (m *SessionMetrics) incOutOfOrderCount()  { m.OutOfOrderCount.Add(1) }
func (m *SessionMetrics) incMismatchCount()    { m.MismatchCount.Add(1) }
func (m *SessionMetrics) incBusyPollCount()    { m.BusyPollCount.Add(1) }

func (m *SessionMetrics) startEvaluation() {
	m.EvaluationInflight.Add(1)
}

func (m *SessionMetrics) endEvaluation(err error) {
	m.EvaluationInflight.Add(-1)
	if err != nil {
		m.EvaluationErrCount.Add(1)
		return
	}
	m.EvaluationCount.Add(1)
}

func (m *SessionMetrics) addTraffic(sent, recv uint64) {
	m.BytesSent.Add(sent)
	m.BytesRecv.Add(recv)
}

package ipi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-ipi/logger"
	"github.com/arloliu/go-ipi/wire"
)

// Role selects which side of the protocol a Session plays.
type Role uint8

const (
	// DriverRole owns the atomic structure and issues requests.
	DriverRole Role = iota + 1
	// ServerRole wraps an Evaluator and answers requests.
	ServerRole
)

// String returns string representation of the role.
func (r Role) String() string {
	switch r {
	case DriverRole:
		return "driver"
	case ServerRole:
		return "server"
	default:
		return "unknown"
	}
}

var sessionIDGen atomic.Uint64

// Session is one end of a connection.
//
// A Session owns its transport exclusively. The driver methods are not safe for concurrent
// use; Close, State and the metric accessors are.
type Session struct {
	id      uint64
	role    Role
	cfg     *SessionConfig
	conn    io.ReadWriteCloser
	framer  *wire.Framer
	sm      *StateMachine
	metrics *SessionMetrics
	logger  logger.Logger

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	// atoms is the atom count of the last geometry sent by a driver.
	atoms int
	// pending is the request whose reply timed out before its first byte arrived.
	pending wire.Command
	late    *lateReply

	// server side
	serving atomic.Bool
	jobMu   sync.Mutex
	job     *evalJob
	bead    uint32
	aux     string
}

var _ Evaluator = (*Session)(nil)

// NewSession creates a session of the given role over conn, in ConnectedState.
//
// A ServerRole session requires WithEvaluator.
//
// Timeouts are enforced through I/O deadlines when conn supports them, as net.Conn does.
// Any other conn is closed when a blocking call runs out of time, which ends the session.
func NewSession(conn io.ReadWriteCloser, role Role, opts ...SessionOption) (*Session, error) {
	cfg, err := NewSessionConfig(opts...)
	if err != nil {
		return nil, err
	}

	return NewSessionWithConfig(conn, role, cfg)
}

// NewSessionWithConfig creates a session of the given role over conn using cfg.
func NewSessionWithConfig(conn io.ReadWriteCloser, role Role, cfg *SessionConfig) (*Session, error) {
	if cfg == nil {
		return nil, ErrSessionConfigNil
	}

	if conn == nil {
		return nil, ErrTransportNil
	}

	switch role {
	case DriverRole:
	case ServerRole:
		if cfg.evaluator == nil {
			return nil, ErrEvaluatorNil
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidRole, role)
	}

	s := &Session{
		id:      sessionIDGen.Add(1),
		role:    role,
		cfg:     cfg,
		conn:    conn,
		framer:  wire.NewFramer(conn),
		metrics: cfg.metrics,
		closed:  make(chan struct{}),
	}

	if s.metrics == nil {
		s.metrics = &SessionMetrics{}
	}

	s.logger = cfg.logger.With("session_id", s.id, "role", role.String())
	s.sm = NewStateMachine(func(prev State, cur State) {
		s.logger.Debug("session state changed", "prev", prev.String(), "cur", cur.String())
	})
	s.sm.AddHandler(cfg.handlers...)

	if err := s.sm.Connect(); err != nil {
		return nil, err
	}

	return s, nil
}

// ID returns the process-unique identifier of the session.
func (s *Session) ID() uint64 { return s.id }

// Role returns the role of the session.
func (s *Session) Role() Role { return s.role }

// State returns the current session state.
func (s *Session) State() State { return s.sm.State() }

// WaitState waits for the session to reach state or until ctx is done.
func (s *Session) WaitState(ctx context.Context, state State) error {
	return s.sm.WaitState(ctx, state)
}

// Metrics returns the metrics the session records into.
func (s *Session) Metrics() *SessionMetrics { return s.metrics }

// BytesSent returns the number of bytes written to the transport.
func (s *Session) BytesSent() uint64 { return s.framer.BytesSent() }

// BytesReceived returns the number of bytes read from the transport.
func (s *Session) BytesReceived() uint64 { return s.framer.BytesReceived() }

// Done returns a channel closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Close closes the transport and cancels a running evaluation. A live session ends in
// DisconnectedState, an aborted one stays in AbortedState.
//
// Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancelJob()
		s.sm.Disconnect()
		s.closeErr = s.conn.Close()
		s.metrics.addTraffic(s.framer.BytesSent(), s.framer.BytesReceived())
		close(s.closed)

		s.logger.Debug("session closed", "method", "Close", "state", s.State().String())
	})

	return s.closeErr
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fail closes the session when err leaves the byte stream unaligned, and returns err.
func (s *Session) fail(err error) error {
	if wire.IsFatal(err) {
		s.logger.Debug("fatal session error", "method", "fail", "error", err)
		_ = s.Close()
	}

	return err
}

// midFrame promotes a clean timeout to a connection error. A timeout that hits after the
// token of a frame was consumed leaves the stream unaligned.
func midFrame(err error) error {
	if errors.Is(err, wire.ErrTimeout) {
		return fmt.Errorf("%w: incomplete frame: %w", wire.ErrConnection, err)
	}

	return err
}

// frameContext bounds the transfer of one frame.
func (s *Session) frameContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.ioTimeout)
}

// receiveRemoteError decodes the payload of an ERROR reply.
func (s *Session) receiveRemoteError(ctx context.Context) error {
	fctx, cancel := s.frameContext(ctx)
	defer cancel()

	code, err := s.framer.ReceiveUint32(fctx)
	if err != nil {
		return s.fail(midFrame(err))
	}

	msg, err := s.framer.ReceiveString(fctx, s.cfg.maxStringLen)
	if err != nil {
		return s.fail(midFrame(err))
	}

	s.metrics.incErrorReplyCount()

	return &RemoteError{Code: ErrorCode(code), Message: msg}
}

// sendError writes an ERROR reply describing err.
func (s *Session) sendError(ctx context.Context, err error) error {
	payload := wire.AppendUint32(nil, uint32(errorCodeOf(err)))

	msg := err.Error()
	if uint64(len(msg)) > uint64(s.cfg.maxStringLen) {
		msg = msg[:s.cfg.maxStringLen]
	}

	payload, encErr := wire.AppendString(payload, msg)
	if encErr != nil {
		return encErr
	}

	s.metrics.incErrorReplyCount()

	return s.reply(ctx, wire.CmdError, payload)
}

// reply writes a reply frame bounded by the io timeout.
func (s *Session) reply(ctx context.Context, cmd wire.Command, payload []byte) error {
	wctx, cancel := s.frameContext(ctx)
	defer cancel()

	if err := s.framer.Send(wctx, cmd, payload); err != nil {
		// a reply that can't be written leaves the peer waiting
		return s.fail(midFrame(err))
	}

	return nil
}

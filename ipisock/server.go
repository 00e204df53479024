package ipisock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-ipi/ipi"
	"github.com/arloliu/go-ipi/logger"
)

// ServerMetrics contains the atomic metrics of a Server.
type ServerMetrics struct {
	// Session aggregates the metrics of every session served so far.
	Session ipi.SessionMetrics

	// AcceptedCount indicates the number of connections served.
	AcceptedCount atomic.Uint64
	// RejectedCount indicates the number of connections closed because the session limit was reached.
	RejectedCount atomic.Uint64
	// SessionErrCount indicates the number of sessions that ended with an error.
	SessionErrCount atomic.Uint64
	// ActiveSessions indicates the number of sessions being served.
	ActiveSessions atomic.Int64
}

// Server accepts driver connections and serves each of them with a ServerRole session.
type Server struct {
	cfg     *ConnectionConfig
	ev      ipi.Evaluator
	logger  logger.Logger
	opState AtomicOpState
	taskMgr *TaskManager
	metrics ServerMetrics

	sessions *xsync.MapOf[uint64, *ipi.Session]

	listenerMu sync.Mutex
	listener   net.Listener
}

// NewServer creates a server evaluating geometries with ev. The server is closed until Open.
//
// ev is shared by all sessions and must be safe for concurrent use when the session limit
// is above one; evaluator.NewSerialized adapts one that is not.
func NewServer(cfg *ConnectionConfig, ev ipi.Evaluator) (*Server, error) {
	if cfg == nil {
		return nil, ErrConnConfigNil
	}

	if ev == nil {
		return nil, ipi.ErrEvaluatorNil
	}

	l := cfg.Logger()

	return &Server{
		cfg:      cfg,
		ev:       ev,
		logger:   l,
		taskMgr:  NewTaskManager(context.Background(), l),
		sessions: xsync.NewMapOf[uint64, *ipi.Session](),
	}, nil
}

// Open starts listening and accepting connections in the background.
// It returns once the listener is bound, so Addr is valid afterwards.
func (srv *Server) Open(ctx context.Context) error {
	if !srv.opState.ToOpening() {
		return ErrServerOpened
	}

	listener, err := srv.tryListen(ctx)
	if err != nil {
		srv.opState.ToClosing()
		srv.opState.ToClosed()

		return err
	}

	srv.listenerMu.Lock()
	srv.listener = listener
	srv.listenerMu.Unlock()

	if err := srv.taskMgr.Start("acceptTask", srv.acceptTask); err != nil {
		_ = srv.closeListener()
		srv.opState.ToClosing()
		srv.opState.ToClosed()

		return err
	}

	if interval := srv.cfg.StatsInterval(); interval > 0 {
		_ = srv.taskMgr.StartInterval("statsTask", srv.statsTask, interval)
	}

	srv.opState.ToOpened()
	srv.logger.Info("server opened", "method", "Open", "address", listener.Addr().String(),
		"max_sessions", srv.cfg.MaxSessions())

	return nil
}

// ListenAndServe opens a server and serves until ctx is done, then closes it.
func ListenAndServe(ctx context.Context, cfg *ConnectionConfig, ev ipi.Evaluator) error {
	srv, err := NewServer(cfg, ev)
	if err != nil {
		return err
	}

	if err := srv.Open(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	return srv.Close()
}

// Close stops accepting connections, aborts every live session and waits up to the close
// timeout for their workers to return. Sessions still running afterwards are closed
// forcibly and ErrCloseTimeout is returned.
//
// Closing a closed server is a no-op.
func (srv *Server) Close() error {
	if !srv.opState.ToClosing() {
		return nil
	}

	srv.logger.Debug("start to close server", "method", "Close", "sessions", srv.SessionCount())

	_ = srv.closeListener()
	srv.taskMgr.Stop()

	timeout := srv.cfg.CloseTimeout()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		srv.taskMgr.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		srv.logger.Debug("close success", "method", "Close")

	case <-ctx.Done():
		srv.logger.Error("close timeout", "method", "Close", "timeout", timeout)
		srv.sessions.Range(func(_ uint64, sess *ipi.Session) bool {
			_ = sess.Close()
			return true
		})
		<-done

		err = fmt.Errorf("%w after %s", ErrCloseTimeout, timeout)
	}

	srv.opState.ToClosed()
	srv.logger.Info("server closed", "method", "Close")

	return err
}

// Addr returns the listening address, or nil when the server is not open.
func (srv *Server) Addr() net.Addr {
	srv.listenerMu.Lock()
	defer srv.listenerMu.Unlock()

	if srv.listener == nil {
		return nil
	}

	return srv.listener.Addr()
}

// OpState returns the lifecycle state of the server.
func (srv *Server) OpState() OpState { return srv.opState.Get() }

// Metrics returns the metrics of the server.
func (srv *Server) Metrics() *ServerMetrics { return &srv.metrics }

// SessionCount returns the number of sessions being served.
func (srv *Server) SessionCount() int { return srv.sessions.Size() }

// Sessions calls f for every live session until f returns false.
func (srv *Server) Sessions(f func(sess *ipi.Session) bool) {
	srv.sessions.Range(func(_ uint64, sess *ipi.Session) bool {
		return f(sess)
	})
}

func (srv *Server) tryListen(ctx context.Context) (net.Listener, error) {
	address := srv.cfg.Address()

	srv.logger.Debug("try to listen", "address", address)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		srv.logger.Error("failed to listen", "address", address, "error", err)
		return nil, err
	}

	return listener, nil
}

func (srv *Server) acceptTask() bool {
	tcpListener := srv.getTCPListener()
	// listener already closed
	if tcpListener == nil {
		return false
	}

	conn, err := tcpListener.AcceptTCP()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true // re-accept unless the task manager stopped
		}

		if srv.opState.IsOpened() || srv.opState.Get() == OpeningState {
			srv.logger.Error("failed to accept connection", "method", "acceptTask", "error", err)
			return true
		}

		return false
	}

	if srv.sessions.Size() >= srv.cfg.MaxSessions() {
		srv.metrics.RejectedCount.Add(1)
		srv.logger.Warn("session limit reached, connection closed",
			"method", "acceptTask",
			"remote_address", conn.RemoteAddr().String(),
			"max_sessions", srv.cfg.MaxSessions(),
		)
		_ = conn.Close()

		return true
	}

	srv.cfg.mu.RLock()
	keepAlive := srv.cfg.keepAlive
	srv.cfg.mu.RUnlock()

	if keepAlive > 0 {
		_ = conn.SetKeepAlive(true)
		_ = conn.SetKeepAlivePeriod(keepAlive)
	}
	_ = conn.SetNoDelay(true)

	opts := append(srv.cfg.SessionOptions(),
		ipi.WithEvaluator(srv.ev),
		ipi.WithLogger(srv.logger),
		ipi.WithMetrics(&srv.metrics.Session),
	)

	sess, err := ipi.NewSession(conn, ipi.ServerRole, opts...)
	if err != nil {
		srv.logger.Error("failed to create session", "method", "acceptTask", "error", err)
		_ = conn.Close()

		return true
	}

	srv.sessions.Store(sess.ID(), sess)
	srv.metrics.AcceptedCount.Add(1)
	srv.metrics.ActiveSessions.Add(1)

	srv.logger.Debug("connection accepted",
		"method", "acceptTask",
		"session_id", sess.ID(),
		"remote_address", conn.RemoteAddr().String(),
	)

	if err := srv.taskMgr.Start(fmt.Sprintf("session-%d", sess.ID()), func() bool {
		srv.serve(sess)
		return false
	}); err != nil {
		srv.release(sess)
		_ = sess.Close()
	}

	return true
}

// serve runs sess until its driver leaves or the server closes.
func (srv *Server) serve(sess *ipi.Session) {
	defer srv.release(sess)

	err := sess.Serve(srv.taskMgr.Context())
	_ = sess.Close()

	if err != nil {
		srv.metrics.SessionErrCount.Add(1)
		srv.logger.Warn("session ended with error", "method", "serve", "session_id", sess.ID(), "error", err)

		return
	}

	srv.logger.Debug("session ended", "method", "serve", "session_id", sess.ID(), "state", sess.State().String())
}

func (srv *Server) release(sess *ipi.Session) {
	if _, ok := srv.sessions.LoadAndDelete(sess.ID()); ok {
		srv.metrics.ActiveSessions.Add(-1)
	}
}

func (srv *Server) statsTask() bool {
	m := &srv.metrics
	srv.logger.Info("server stats",
		"active_sessions", m.ActiveSessions.Load(),
		"accepted", m.AcceptedCount.Load(),
		"rejected", m.RejectedCount.Load(),
		"requests", m.Session.RequestRecvCount.Load(),
		"evaluations", m.Session.EvaluationCount.Load(),
		"evaluation_errors", m.Session.EvaluationErrCount.Load(),
	)

	return true
}

func (srv *Server) getTCPListener() *net.TCPListener {
	srv.listenerMu.Lock()
	defer srv.listenerMu.Unlock()

	if srv.listener == nil {
		return nil
	}

	tcpListener, ok := srv.listener.(*net.TCPListener)
	if !ok {
		srv.logger.Error("listener is not a TCP listener", "type", fmt.Sprintf("%T", srv.listener))
		return nil
	}

	if err := tcpListener.SetDeadline(time.Now().Add(srv.cfg.AcceptTimeout())); err != nil {
		srv.logger.Error("failed to set deadline for tcp listener", "error", err)
		return nil
	}

	return tcpListener
}

func (srv *Server) closeListener() error {
	srv.listenerMu.Lock()
	defer srv.listenerMu.Unlock()

	if srv.listener != nil {
		err := srv.listener.Close()
		srv.listener = nil

		return err
	}

	return nil
}

package ipi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/arloliu/go-ipi/internal/pool"
	"github.com/arloliu/go-ipi/wire"
)

// evalJob is one evaluation running in the background of a server session.
type evalJob struct {
	done   chan struct{}
	cancel context.CancelFunc
	result ForceResult
	err    error
}

// wait reports whether the job finished within d.
func (j *evalJob) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-j.done:
		return true
	default:
	}

	if d <= 0 {
		return false
	}

	timer := pool.GetTimer(d)
	defer pool.PutTimer(timer)

	select {
	case <-j.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Serve runs the dispatch loop of a ServerRole session until the peer aborts or closes the
// transport, ctx is done, or a fatal error occurs. The session is closed when Serve returns.
//
// Commands are handled strictly in arrival order. A command that isn't legal in the current
// state has its payload consumed and is answered with an ERROR reply; the evaluator is not
// called and the session stays open. INIT and POSDATA have no reply of their own, so the
// ERROR answering one of them is unsolicited: a driver that doesn't expect it reads it as the
// reply to its next request, and every later reply arrives one frame late. Drivers built on
// Session never send those commands out of order.
//
// POSDATA starts the evaluation in the background, so STATUS reports BUSY until it completes.
//
// Serve returns nil when the session ended normally. When ctx is done, the driver is sent
// ABORT before the transport is closed.
func (s *Session) Serve(ctx context.Context) error {
	if s.role != ServerRole {
		return fmt.Errorf("%w: Serve on %s session", ErrInvalidRole, s.role)
	}

	if !s.serving.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}
	defer s.Close()

	if s.isClosed() {
		return ErrSessionClosed
	}

	s.logger.Debug("session serving", "method", "Serve")

	for {
		cmd, err := s.framer.ReceiveToken(ctx)
		if err != nil {
			return s.serveEnd(ctx, err)
		}

		s.metrics.incRequestRecvCount()

		aborted, err := s.dispatch(ctx, cmd)
		if err != nil {
			return s.serveEnd(ctx, err)
		}

		if aborted {
			s.logger.Debug("session aborted by driver", "method", "Serve")
			return nil
		}
	}
}

// serveEnd maps the error that stopped the dispatch loop to the result of Serve.
func (s *Session) serveEnd(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		s.notifyAbort()
		return nil
	case s.isClosed():
		return nil
	case errors.Is(err, io.EOF):
		s.logger.Debug("driver closed connection", "method", "Serve")
		return nil
	}

	s.logger.Debug("session serving failed", "method", "Serve", "error", err)

	return err
}

// notifyAbort tells the driver that the server is going away.
func (s *Session) notifyAbort() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.abortTimeout)
	defer cancel()

	if err := s.framer.Send(ctx, wire.CmdAbort, nil); err != nil {
		s.logger.Debug("failed to notify abort", "method", "notifyAbort", "error", err)
	}
	s.sm.Abort()
}

// dispatch validates cmd against the state machine and invokes its handler.
// It reports true when the driver aborted the session.
func (s *Session) dispatch(ctx context.Context, cmd wire.Command) (bool, error) {
	stateErr := s.sm.Check(cmd)

	switch cmd { //nolint:exhaustive
	case wire.CmdStatus:
		return false, s.handleStatus(ctx)
	case wire.CmdEcho:
		return false, s.handleEcho(ctx)
	case wire.CmdInit:
		return false, s.handleInit(ctx, stateErr)
	case wire.CmdPosData:
		return false, s.handlePosData(ctx, stateErr)
	case wire.CmdGetForce, wire.CmdGetStress:
		return false, s.handleResult(ctx, cmd, stateErr)
	case wire.CmdAbort:
		s.sm.Abort()
		return true, nil
	default:
		return false, fmt.Errorf("%w: %w: %s is not a request", wire.ErrConnection, ErrUnexpectedCommand, cmd)
	}
}

// currentStatus derives the STATUS reply from the state and the running evaluation.
func (s *Session) currentStatus() Status {
	switch s.State() { //nolint:exhaustive
	case ConnectedState:
		return StatusNeedInit
	case InitializedState:
		return StatusReady
	case HasPositionState:
		if job := s.currentJob(); job != nil && !job.wait(context.Background(), 0) {
			return StatusBusy
		}

		return StatusHaveData
	default:
		return StatusUnknown
	}
}

func (s *Session) handleStatus(ctx context.Context) error {
	return s.reply(ctx, s.currentStatus().Command(), nil)
}

func (s *Session) handleEcho(ctx context.Context) error {
	fctx, cancel := s.frameContext(ctx)
	defer cancel()

	msg, err := s.framer.ReceiveString(fctx, s.cfg.maxStringLen)
	if err != nil {
		return midFrame(err)
	}

	payload, err := wire.AppendString(nil, msg)
	if err != nil {
		return err
	}

	return s.reply(ctx, wire.CmdEcho, payload)
}

func (s *Session) handleInit(ctx context.Context, stateErr error) error {
	fctx, cancel := s.frameContext(ctx)
	defer cancel()

	bead, err := s.framer.ReceiveUint32(fctx)
	if err != nil {
		return midFrame(err)
	}

	aux, err := s.framer.ReceiveString(fctx, s.cfg.maxStringLen)
	if err != nil {
		return midFrame(err)
	}

	if stateErr != nil {
		return s.rejectOutOfOrder(ctx, wire.CmdInit, stateErr)
	}

	if initializer, ok := s.cfg.evaluator.(Initializer); ok {
		if err := initializer.Init(ctx, bead, aux); err != nil {
			// the driver doesn't wait for a reply to INIT, so it can only learn about
			// the failure from the next reply it reads
			err = fmt.Errorf("%w: init bead %d: %w", ErrEvaluation, bead, err)
			s.logger.Error("evaluator init failed", "method", "handleInit", "bead", bead, "error", err)
			_ = s.sendError(ctx, err)

			return err
		}
	}

	s.bead, s.aux = bead, aux
	s.logger.Debug("session initialized", "method", "handleInit", "bead", bead, "aux_len", len(aux))

	return s.sm.Advance(wire.CmdInit)
}

func (s *Session) handlePosData(ctx context.Context, stateErr error) error {
	g, err := s.receiveGeometry(ctx)
	if err != nil {
		return err
	}

	if stateErr != nil {
		// unsolicited, POSDATA has no reply
		return s.rejectOutOfOrder(ctx, wire.CmdPosData, stateErr)
	}

	if err := s.sm.Advance(wire.CmdPosData); err != nil {
		return err
	}

	s.startJob(ctx, g)

	return nil
}

func (s *Session) handleResult(ctx context.Context, cmd wire.Command, stateErr error) error {
	if stateErr != nil {
		return s.rejectOutOfOrder(ctx, cmd, stateErr)
	}

	job := s.currentJob()
	if job == nil {
		_ = s.sm.Advance(cmd)
		return s.sendError(ctx, fmt.Errorf("%w: no evaluation for the current geometry", ErrEvaluation))
	}

	if !job.wait(ctx, s.cfg.evalWait) {
		return s.reply(ctx, wire.CmdBusy, nil)
	}
	s.clearJob()

	if job.err != nil {
		if errors.Is(job.err, ErrProtocolMismatch) {
			s.metrics.incMismatchCount()
		}
		s.logger.Warn("evaluation failed", "method", "handleResult", "bead", s.bead, "error", job.err)
		if err := s.sendError(ctx, job.err); err != nil {
			return err
		}

		return s.sm.Advance(cmd)
	}

	var err error
	if cmd == wire.CmdGetForce {
		r := &job.result
		err = s.reply(ctx, wire.CmdForceReady, r.appendWire(make([]byte, 0, forceReadySize(r))))
	} else {
		err = s.reply(ctx, wire.CmdStressReady, wire.EncodeFloat64s(job.result.Virial[:]))
	}

	if err != nil {
		return err
	}

	return s.sm.Advance(cmd)
}

func (s *Session) rejectOutOfOrder(ctx context.Context, cmd wire.Command, stateErr error) error {
	s.metrics.incOutOfOrderCount()
	s.logger.Warn("command out of order", "method", "dispatch", "cmd", cmd.String(), "state", s.State().String())

	return s.sendError(ctx, stateErr)
}

// receiveGeometry decodes a POSDATA payload.
func (s *Session) receiveGeometry(ctx context.Context) (Geometry, error) {
	var g Geometry

	fctx, cancel := s.frameContext(ctx)
	defer cancel()

	var err error
	if g.Cell, err = s.framer.ReceiveMatrix(fctx); err != nil {
		return g, midFrame(err)
	}

	if g.InvCell, err = s.framer.ReceiveMatrix(fctx); err != nil {
		return g, midFrame(err)
	}

	n, err := s.framer.ReceiveUint32(fctx)
	if err != nil {
		return g, midFrame(err)
	}

	if n > s.cfg.maxAtoms {
		return g, fmt.Errorf("%w: atom count %d exceeds limit %d", wire.ErrEncoding, n, s.cfg.maxAtoms)
	}

	if g.Positions, err = s.framer.ReceiveFloat64s(fctx, 3*int(n)); err != nil {
		return g, midFrame(err)
	}

	return g, nil
}

// startJob runs the evaluator on g in the background.
func (s *Session) startJob(ctx context.Context, g Geometry) {
	jctx, cancel := context.WithCancel(ctx)
	job := &evalJob{done: make(chan struct{}), cancel: cancel}

	s.jobMu.Lock()
	s.job = job
	s.jobMu.Unlock()

	s.metrics.startEvaluation()

	go func() {
		defer close(job.done)

		job.result, job.err = s.evaluate(jctx, g)
		s.metrics.endEvaluation(job.err)
	}()
}

// evaluate calls the evaluator and checks that the result matches g.
func (s *Session) evaluate(ctx context.Context, g Geometry) (r ForceResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: evaluator panic: %v", ErrEvaluation, p)
		}
	}()

	r, err = s.cfg.evaluator.Evaluate(ctx, g)
	if err != nil {
		if errors.Is(err, ErrEvaluation) {
			return r, err
		}

		return r, fmt.Errorf("%w: %w", ErrEvaluation, err)
	}

	return r, r.checkFor(g.AtomCount())
}

func (s *Session) currentJob() *evalJob {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	return s.job
}

func (s *Session) clearJob() {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if s.job != nil {
		s.job.cancel()
		s.job = nil
	}
}

func (s *Session) cancelJob() {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if s.job != nil {
		s.job.cancel()
	}
}

func forceReadySize(r *ForceResult) int {
	return wire.Float64Size + wire.Uint32Size + (len(r.Forces)+wire.MatrixLen)*wire.Float64Size
}

package ipi

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/arloliu/go-ipi/internal/pool"
	"github.com/arloliu/go-ipi/wire"
)

// Status asks the server for its readiness.
func (s *Session) Status(ctx context.Context) (Status, error) {
	if err := s.beginRequest(ctx, wire.CmdStatus); err != nil {
		return StatusUnknown, err
	}

	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	return s.status(ctx)
}

// Init sends the bead index and the auxiliary string to the server. INIT has no reply.
//
// It is legal in ConnectedState and, to re-initialize, in InitializedState.
func (s *Session) Init(ctx context.Context, bead uint32, aux string) error {
	if err := s.beginRequest(ctx, wire.CmdInit); err != nil {
		return err
	}

	if uint64(len(aux)) > uint64(s.cfg.maxStringLen) {
		return fmt.Errorf("%w: init string length %d exceeds limit %d", wire.ErrEncoding, len(aux), s.cfg.maxStringLen)
	}

	payload, err := wire.AppendString(wire.AppendUint32(nil, bead), aux)
	if err != nil {
		return err
	}

	if err := s.send(ctx, wire.CmdInit, payload); err != nil {
		return err
	}

	return s.sm.Advance(wire.CmdInit)
}

// PosData sends a geometry to the server. POSDATA has no reply.
//
// An invalid geometry fails with ErrInvalidGeometry before anything is sent.
func (s *Session) PosData(ctx context.Context, g Geometry) error {
	if err := s.beginRequest(ctx, wire.CmdPosData); err != nil {
		return err
	}

	if err := g.Validate(s.cfg.maxAtoms); err != nil {
		return err
	}

	payload := g.appendWire(make([]byte, 0, g.wireSize()))
	if err := s.send(ctx, wire.CmdPosData, payload); err != nil {
		return err
	}

	s.atoms = g.AtomCount()

	return s.sm.Advance(wire.CmdPosData)
}

// GetForce collects the result of the last geometry, polling STATUS while the server is busy.
//
// When the context has no deadline the request is bounded by the configured reply timeout.
// Running out of time fails with wire.ErrTimeout and keeps the session in HasPositionState,
// so GetForce can be called again. A result whose atom count differs from
// the geometry fails with ErrProtocolMismatch after its payload has been drained.
func (s *Session) GetForce(ctx context.Context) (ForceResult, error) {
	if err := s.beginRequest(ctx, wire.CmdGetForce); err != nil {
		return ForceResult{}, err
	}

	if late := s.takeLate(); late != nil {
		if late.cmd != wire.CmdGetForce {
			return ForceResult{}, fmt.Errorf("%w: result already collected by %s", ErrOutOfOrder, late.cmd)
		}

		return late.result, late.err
	}

	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	reply, err := s.collect(ctx, wire.CmdGetForce)
	if err != nil {
		return ForceResult{}, err
	}

	if reply != wire.CmdForceReady {
		return ForceResult{}, s.unexpected(wire.CmdGetForce, reply)
	}

	return s.receiveForces(ctx)
}

// GetStress collects the virial of the last geometry, polling STATUS while the server is busy.
// It follows the same rules as GetForce.
func (s *Session) GetStress(ctx context.Context) ([wire.MatrixLen]float64, error) {
	var virial [wire.MatrixLen]float64

	if err := s.beginRequest(ctx, wire.CmdGetStress); err != nil {
		return virial, err
	}

	if late := s.takeLate(); late != nil {
		return late.result.Virial, late.err
	}

	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	reply, err := s.collect(ctx, wire.CmdGetStress)
	if err != nil {
		return virial, err
	}

	if reply != wire.CmdStressReady {
		return virial, s.unexpected(wire.CmdGetStress, reply)
	}

	fctx, fcancel := s.frameContext(ctx)
	defer fcancel()

	virial, err = s.framer.ReceiveMatrix(fctx)
	if err != nil {
		return virial, s.fail(midFrame(err))
	}

	return virial, s.sm.Advance(wire.CmdGetStress)
}

// Echo sends msg and returns the string echoed back by the server.
func (s *Session) Echo(ctx context.Context, msg string) (string, error) {
	if err := s.beginRequest(ctx, wire.CmdEcho); err != nil {
		return "", err
	}

	if uint64(len(msg)) > uint64(s.cfg.maxStringLen) {
		return "", fmt.Errorf("%w: echo length %d exceeds limit %d", wire.ErrEncoding, len(msg), s.cfg.maxStringLen)
	}

	payload, err := wire.AppendString(nil, msg)
	if err != nil {
		return "", err
	}

	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	reply, err := s.request(ctx, wire.CmdEcho, payload)
	if err != nil {
		return "", err
	}

	if reply != wire.CmdEcho {
		return "", s.unexpected(wire.CmdEcho, reply)
	}

	fctx, fcancel := s.frameContext(ctx)
	defer fcancel()

	echoed, err := s.framer.ReceiveString(fctx, s.cfg.maxStringLen)
	if err != nil {
		return "", s.fail(midFrame(err))
	}

	return echoed, nil
}

// Abort sends ABORT, waits up to the abort timeout for the server to close the transport,
// then closes it. The session ends in AbortedState and every later operation fails with
// an error wrapping wire.ErrConnClosed.
//
// Aborting an aborted session is a no-op.
func (s *Session) Abort(ctx context.Context) error {
	if s.role != DriverRole {
		return fmt.Errorf("%w: ABORT on %s session", ErrInvalidRole, s.role)
	}

	if s.isClosed() {
		if s.State() == AbortedState {
			return nil
		}

		return ErrSessionClosed
	}

	actx, cancel := context.WithTimeout(ctx, s.cfg.abortTimeout)
	defer cancel()

	err := s.framer.Send(actx, wire.CmdAbort, nil)
	s.sm.Abort()

	if err == nil {
		s.metrics.incRequestSendCount()
		// the server acknowledges by closing its end
		_ = s.framer.Discard(actx, math.MaxInt64)
	}

	_ = s.Close()

	if err != nil {
		return fmt.Errorf("abort: %w", err)
	}

	s.logger.Debug("session aborted", "method", "Abort")

	return nil
}

// Evaluate implements Evaluator by sending g and collecting its forces. A session in
// ConnectedState is initialized first with bead 0 and an empty string.
func (s *Session) Evaluate(ctx context.Context, g Geometry) (ForceResult, error) {
	if s.role == DriverRole && s.State() == ConnectedState {
		if err := s.Init(ctx, 0, ""); err != nil {
			return ForceResult{}, err
		}
	}

	if err := s.PosData(ctx, g); err != nil {
		return ForceResult{}, err
	}

	return s.GetForce(ctx)
}

// beginRequest checks cmd against the role and state of the session, after consuming a
// reply that arrived late for a previous request.
func (s *Session) beginRequest(ctx context.Context, cmd wire.Command) error {
	if s.role != DriverRole {
		return fmt.Errorf("%w: %s on %s session", ErrInvalidRole, cmd, s.role)
	}

	if err := s.settle(ctx); err != nil {
		return err
	}

	if err := s.sm.Check(cmd); err != nil {
		if errors.Is(err, ErrOutOfOrder) {
			s.metrics.incOutOfOrderCount()
		}

		return err
	}

	return nil
}

// requestContext applies the reply timeout unless ctx already has a deadline.
func (s *Session) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, s.cfg.replyTimeout)
}

// send writes a request bounded by the io timeout.
func (s *Session) send(ctx context.Context, cmd wire.Command, payload []byte) error {
	wctx, cancel := s.frameContext(ctx)
	defer cancel()

	if err := s.framer.Send(wctx, cmd, payload); err != nil {
		return s.fail(err)
	}
	s.metrics.incRequestSendCount()

	return nil
}

// request sends req and reads the token of its reply.
//
// An ERROR reply is returned as a *RemoteError and keeps the session open. When no byte of
// the reply arrived in time, req is remembered as pending and its reply is consumed by
// settle before the next request.
func (s *Session) request(ctx context.Context, req wire.Command, payload []byte) (wire.Command, error) {
	if err := s.send(ctx, req, payload); err != nil {
		return wire.CmdInvalid, err
	}

	reply, err := s.framer.ReceiveToken(ctx)
	if err != nil {
		if errors.Is(err, wire.ErrTimeout) && !wire.IsFatal(err) {
			s.pending = req
			s.logger.Debug("reply timed out", "method", "request", "cmd", req.String())

			return wire.CmdInvalid, fmt.Errorf("no reply to %s: %w", req, err)
		}

		return wire.CmdInvalid, s.fail(err)
	}

	switch reply { //nolint:exhaustive
	case wire.CmdError:
		return reply, s.receiveRemoteError(ctx)
	case wire.CmdAbort:
		s.sm.Abort()
		_ = s.Close()

		return reply, fmt.Errorf("%w: server aborted during %s", ErrAborted, req)
	}

	return reply, nil
}

func (s *Session) status(ctx context.Context) (Status, error) {
	reply, err := s.request(ctx, wire.CmdStatus, nil)
	if err != nil {
		return StatusUnknown, err
	}

	st, ok := statusOf(reply)
	if !ok {
		return StatusUnknown, s.unexpected(wire.CmdStatus, reply)
	}

	return st, nil
}

// collect sends req until the server stops replying BUSY.
func (s *Session) collect(ctx context.Context, req wire.Command) (wire.Command, error) {
	for {
		reply, err := s.request(ctx, req, nil)
		if err != nil {
			var remote *RemoteError
			if errors.As(err, &remote) && remote.Code != CodeOutOfOrder {
				// the server dropped the geometry along with the failure
				_ = s.sm.Advance(req)
			}

			return reply, err
		}

		if reply != wire.CmdBusy {
			return reply, nil
		}

		if err := s.waitHaveData(ctx, req); err != nil {
			return reply, err
		}
	}
}

// waitHaveData polls STATUS until the server reports HAVEDATA.
//
// Each STATUS exchange is bounded by the io timeout and by the deadline of ctx, never by its
// cancellation. A poll whose reply is late stays pending and is consumed by the next request.
func (s *Session) waitHaveData(ctx context.Context, req wire.Command) error {
	for {
		if err := pool.Sleep(ctx, s.cfg.pollInterval); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s result not ready: %w", wire.ErrTimeout, req, err)
			}

			return err
		}

		s.metrics.incBusyPollCount()

		pctx, cancel := s.pollContext(ctx)
		st, err := s.status(pctx)
		cancel()

		if err != nil {
			return err
		}

		switch st { //nolint:exhaustive
		case StatusHaveData:
			return nil
		case StatusBusy:
			continue
		default:
			return s.unexpected(wire.CmdStatus, st.Command())
		}
	}
}

// pollContext bounds one STATUS poll by the io timeout and the deadline of ctx.
func (s *Session) pollContext(ctx context.Context) (context.Context, context.CancelFunc) {
	pctx, cancel := s.frameContext(context.WithoutCancel(ctx))

	deadline, ok := ctx.Deadline()
	if !ok {
		return pctx, cancel
	}

	dctx, dcancel := context.WithDeadline(pctx, deadline)

	return dctx, func() {
		dcancel()
		cancel()
	}
}

// receiveForces decodes a FORCEREADY payload and completes the request.
func (s *Session) receiveForces(ctx context.Context) (ForceResult, error) {
	r, err := s.decodeForces(ctx)
	if wire.IsFatal(err) {
		return r, err
	}

	if advErr := s.sm.Advance(wire.CmdGetForce); advErr != nil {
		return r, advErr
	}

	return r, err
}

// decodeForces reads a FORCEREADY payload. A result whose atom count differs from the last
// geometry is drained and reported as ErrProtocolMismatch.
func (s *Session) decodeForces(ctx context.Context) (ForceResult, error) {
	var r ForceResult

	fctx, cancel := s.frameContext(ctx)
	defer cancel()

	energy, err := s.framer.ReceiveFloat64(fctx)
	if err != nil {
		return r, s.fail(midFrame(err))
	}

	n, err := s.framer.ReceiveUint32(fctx)
	if err != nil {
		return r, s.fail(midFrame(err))
	}

	if n > s.cfg.maxAtoms {
		return r, s.fail(fmt.Errorf("%w: atom count %d exceeds limit %d", wire.ErrEncoding, n, s.cfg.maxAtoms))
	}

	if int(n) != s.atoms {
		// drain forces and virial so the next frame starts on a token
		size := int64(n)*3*wire.Float64Size + wire.MatrixLen*wire.Float64Size
		if err := s.framer.Discard(fctx, size); err != nil {
			return r, s.fail(midFrame(err))
		}

		s.metrics.incMismatchCount()

		return r, fmt.Errorf("%w: received %d atoms, sent %d", ErrProtocolMismatch, n, s.atoms)
	}

	forces, err := s.framer.ReceiveFloat64s(fctx, 3*int(n))
	if err != nil {
		return r, s.fail(midFrame(err))
	}

	virial, err := s.framer.ReceiveMatrix(fctx)
	if err != nil {
		return r, s.fail(midFrame(err))
	}

	r.Energy = energy
	r.Forces = forces
	r.Virial = virial

	return r, nil
}

// lateReply is a result that arrived after its request had timed out.
type lateReply struct {
	cmd    wire.Command
	result ForceResult
	err    error
}

// settle consumes the reply of a request that timed out. A late result of GETFORCE or
// GETSTRESS is kept for the next GetForce or GetStress call, since the server has already
// dropped the geometry.
func (s *Session) settle(ctx context.Context) error {
	req := s.pending
	if req == wire.CmdInvalid {
		return nil
	}

	fctx, cancel := s.frameContext(ctx)
	defer cancel()

	reply, err := s.framer.ReceiveToken(fctx)
	if err != nil {
		if errors.Is(err, wire.ErrTimeout) && !wire.IsFatal(err) {
			return fmt.Errorf("reply to %s still pending: %w", req, err)
		}

		return s.fail(err)
	}

	s.pending = wire.CmdInvalid
	s.logger.Debug("late reply received", "method", "settle", "req", req.String(), "reply", reply.String())

	collecting := req == wire.CmdGetForce || req == wire.CmdGetStress

	switch {
	case reply == wire.CmdAbort:
		s.sm.Abort()
		_ = s.Close()

		return fmt.Errorf("%w: server aborted during %s", ErrAborted, req)

	case reply == wire.CmdError:
		err := s.receiveRemoteError(fctx)
		if wire.IsFatal(err) {
			return err
		}

		if collecting {
			s.late = &lateReply{cmd: req, err: err}
		}

		return nil

	case req == wire.CmdStatus:
		if _, ok := statusOf(reply); ok {
			return nil
		}

	case req == wire.CmdEcho && reply == wire.CmdEcho:
		if _, err := s.framer.ReceiveString(fctx, s.cfg.maxStringLen); err != nil {
			return s.fail(midFrame(err))
		}

		return nil

	case collecting && reply == wire.CmdBusy:
		return nil

	case req == wire.CmdGetForce && reply == wire.CmdForceReady:
		r, err := s.decodeForces(fctx)
		if wire.IsFatal(err) {
			return err
		}
		s.late = &lateReply{cmd: req, result: r, err: err}

		return nil

	case req == wire.CmdGetStress && reply == wire.CmdStressReady:
		virial, err := s.framer.ReceiveMatrix(fctx)
		if err != nil {
			return s.fail(midFrame(err))
		}
		s.late = &lateReply{cmd: req, result: ForceResult{Virial: virial}}

		return nil
	}

	return s.unexpected(req, reply)
}

// takeLate returns the kept late result, if any, and completes its request.
func (s *Session) takeLate() *lateReply {
	late := s.late
	if late == nil {
		return nil
	}
	s.late = nil

	var remote *RemoteError
	if !errors.As(late.err, &remote) || remote.Code != CodeOutOfOrder {
		_ = s.sm.Advance(late.cmd)
	}

	return late
}

// unexpected closes the session on a reply that doesn't answer req.
func (s *Session) unexpected(req wire.Command, reply wire.Command) error {
	return s.fail(fmt.Errorf("%w: %w: %s in reply to %s", wire.ErrConnection, ErrUnexpectedReply, reply, req))
}

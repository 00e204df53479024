package ipi

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-ipi/logger"
	"github.com/arloliu/go-ipi/wire"
)

func TestMain(m *testing.M) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)

	os.Exit(m.Run())
}

func constantEvaluator(energy float64, calls *atomic.Int32) EvaluatorFunc {
	return func(_ context.Context, g Geometry) (ForceResult, error) {
		if calls != nil {
			calls.Add(1)
		}

		return ForceResult{Energy: energy, Forces: make([]float64, len(g.Positions))}, nil
	}
}

// gatedEvaluator blocks every evaluation until release is closed.
func gatedEvaluator(release <-chan struct{}) EvaluatorFunc {
	return func(ctx context.Context, g Geometry) (ForceResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return ForceResult{}, ctx.Err()
		}

		return ForceResult{Energy: 1, Forces: make([]float64, len(g.Positions))}, nil
	}
}

func testGeometry(t *testing.T, atoms int) Geometry {
	t.Helper()

	positions := make([][3]float64, atoms)
	for i := range positions {
		positions[i] = [3]float64{float64(i), 0, 0}
	}

	g, err := NewGeometry(CubicCell(10), positions...)
	require.NoError(t, err)

	return g
}

// newTestPair connects a driver session to a serving server session over an in-memory pipe.
func newTestPair(t *testing.T, ev Evaluator, driverOpts []SessionOption, serverOpts ...SessionOption) (*Session, *Session, <-chan error) {
	t.Helper()

	dconn, sconn := net.Pipe()

	server, err := NewSession(sconn, ServerRole, append([]SessionOption{WithEvaluator(ev)}, serverOpts...)...)
	require.NoError(t, err)

	driver, err := NewSession(dconn, DriverRole, driverOpts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()

	t.Cleanup(func() {
		_ = driver.Close()
		cancel()
		<-server.Done()
	})

	return driver, server, serveErr
}

func TestNewSession(t *testing.T) {
	require := require.New(t)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_, err := NewSession(nil, DriverRole)
	require.ErrorIs(err, ErrTransportNil)

	_, err = NewSession(a, ServerRole)
	require.ErrorIs(err, ErrEvaluatorNil)

	_, err = NewSession(a, Role(9))
	require.ErrorIs(err, ErrInvalidRole)

	_, err = NewSession(a, DriverRole, WithPollInterval(0))
	require.Error(err)

	s, err := NewSession(a, DriverRole)
	require.NoError(err)
	require.Equal(ConnectedState, s.State())
	require.Equal(DriverRole, s.Role())

	require.ErrorIs(s.Serve(context.Background()), ErrInvalidRole)
}

func TestSession_EndToEnd(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	var calls atomic.Int32
	driver, server, serveErr := newTestPair(t, constantEvaluator(-1.23, &calls), nil)

	status, err := driver.Status(ctx)
	require.NoError(err)
	require.Equal(StatusNeedInit, status)

	require.NoError(driver.Init(ctx, 0, ""))
	require.Equal(InitializedState, driver.State())

	status, err = driver.Status(ctx)
	require.NoError(err)
	require.Equal(StatusReady, status)
	require.Equal(InitializedState, server.State())

	g := testGeometry(t, 2)
	require.NoError(driver.PosData(ctx, g))
	require.Equal(HasPositionState, driver.State())

	result, err := driver.GetForce(ctx)
	require.NoError(err)
	require.InDelta(-1.23, result.Energy, 0)
	require.Equal(make([]float64, 6), result.Forces)
	require.Equal([9]float64{}, result.Virial)
	require.Equal(InitializedState, driver.State())
	require.Equal(int32(1), calls.Load())

	status, err = driver.Status(ctx)
	require.NoError(err)
	require.Equal(StatusReady, status)

	// Evaluate runs a complete cycle
	result, err = driver.Evaluate(ctx, testGeometry(t, 3))
	require.NoError(err)
	require.Len(result.Forces, 9)
	require.Equal(int32(2), calls.Load())

	require.NoError(driver.Close())
	require.NoError(<-serveErr)
	require.Equal(DisconnectedState, driver.State())

	require.Equal(uint64(8), driver.Metrics().RequestSendCount.Load())
	require.Equal(uint64(8), server.Metrics().RequestRecvCount.Load())
	require.Equal(uint64(2), server.Metrics().EvaluationCount.Load())
	require.Equal(driver.BytesSent(), server.BytesReceived())
}

func TestSession_Echo(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	driver, _, _ := newTestPair(t, constantEvaluator(0, nil), nil)

	for _, n := range []int{0, 1, 4096} {
		msg := strings.Repeat("x", n)
		echoed, err := driver.Echo(ctx, msg)
		require.NoError(err)
		require.Equal(msg, echoed)
		require.Equal(ConnectedState, driver.State())
	}

	_, err := driver.Echo(ctx, strings.Repeat("x", int(DefaultMaxStringLen)+1))
	require.ErrorIs(err, wire.ErrEncoding)
	require.Equal(ConnectedState, driver.State())
}

func TestSession_GetStress(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	virial := [9]float64{1, 2, 3, 4, 5, 6, 7, 8, 9}
	ev := EvaluatorFunc(func(_ context.Context, g Geometry) (ForceResult, error) {
		return ForceResult{Forces: make([]float64, len(g.Positions)), Virial: virial}, nil
	})
	driver, _, _ := newTestPair(t, ev, nil)

	require.NoError(driver.Init(ctx, 7, "bead"))
	require.NoError(driver.PosData(ctx, testGeometry(t, 1)))

	got, err := driver.GetStress(ctx)
	require.NoError(err)
	require.Equal(virial, got)
	require.Equal(InitializedState, driver.State())
}

func TestSession_DriverOutOfOrder(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	var calls atomic.Int32
	driver, server, _ := newTestPair(t, constantEvaluator(0, &calls), nil)

	require.ErrorIs(driver.PosData(ctx, testGeometry(t, 1)), ErrOutOfOrder)

	_, err := driver.GetForce(ctx)
	require.ErrorIs(err, ErrOutOfOrder)

	_, err = driver.GetStress(ctx)
	require.ErrorIs(err, ErrOutOfOrder)

	require.Equal(ConnectedState, driver.State())
	require.Zero(driver.BytesSent())
	require.Equal(uint64(3), driver.Metrics().OutOfOrderCount.Load())

	require.NoError(driver.Init(ctx, 0, ""))
	require.NoError(driver.PosData(ctx, testGeometry(t, 1)))
	require.ErrorIs(driver.PosData(ctx, testGeometry(t, 1)), ErrOutOfOrder)
	require.ErrorIs(driver.Init(ctx, 0, ""), ErrOutOfOrder)

	_, err = driver.GetForce(ctx)
	require.NoError(err)
	require.Equal(int32(1), calls.Load())
	require.Zero(server.Metrics().OutOfOrderCount.Load())
}

func TestSession_InvalidGeometry(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	driver, _, _ := newTestPair(t, constantEvaluator(0, nil), []SessionOption{WithMaxAtoms(2)})
	require.NoError(driver.Init(ctx, 0, ""))

	require.ErrorIs(driver.PosData(ctx, Geometry{Positions: make([]float64, 4)}), ErrInvalidGeometry)
	require.ErrorIs(driver.PosData(ctx, testGeometry(t, 3)), ErrInvalidGeometry)
	require.Equal(InitializedState, driver.State())

	// a geometry without atoms is valid
	result, err := driver.Evaluate(ctx, Geometry{Cell: CubicCell(1)})
	require.NoError(err)
	require.Empty(result.Forces)
}

func TestSession_BusyPolling(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	ev := EvaluatorFunc(func(_ context.Context, g Geometry) (ForceResult, error) {
		time.Sleep(100 * time.Millisecond)
		return ForceResult{Energy: 2, Forces: make([]float64, len(g.Positions))}, nil
	})
	driver, _, _ := newTestPair(t, ev,
		[]SessionOption{WithPollInterval(5 * time.Millisecond)},
		WithEvalWait(0),
	)

	require.NoError(driver.Init(ctx, 0, ""))
	require.NoError(driver.PosData(ctx, testGeometry(t, 2)))

	status, err := driver.Status(ctx)
	require.NoError(err)
	require.Equal(StatusBusy, status)
	require.Equal(HasPositionState, driver.State())

	result, err := driver.GetForce(ctx)
	require.NoError(err)
	require.InDelta(2, result.Energy, 0)
	require.Positive(driver.Metrics().BusyPollCount.Load())
}

func TestSession_StatusHaveData(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	release := make(chan struct{})
	driver, _, _ := newTestPair(t, gatedEvaluator(release), nil)

	require.NoError(driver.Init(ctx, 0, ""))
	require.NoError(driver.PosData(ctx, testGeometry(t, 1)))

	status, err := driver.Status(ctx)
	require.NoError(err)
	require.Equal(StatusBusy, status)

	close(release)
	require.Eventually(func() bool {
		status, err := driver.Status(ctx)
		return err == nil && status == StatusHaveData
	}, time.Second, 5*time.Millisecond)

	_, err = driver.GetForce(ctx)
	require.NoError(err)
}

func TestSession_PollingTimeout(t *testing.T) {
	require := require.New(t)

	release := make(chan struct{})
	driver, _, _ := newTestPair(t, gatedEvaluator(release),
		[]SessionOption{WithPollInterval(10 * time.Millisecond)},
		WithEvalWait(time.Millisecond),
	)

	require.NoError(driver.Init(context.Background(), 0, ""))
	require.NoError(driver.PosData(context.Background(), testGeometry(t, 2)))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := driver.GetForce(ctx)
	require.ErrorIs(err, wire.ErrTimeout)
	require.False(wire.IsFatal(err))
	require.Equal(HasPositionState, driver.State())

	close(release)

	result, err := driver.GetForce(context.Background())
	require.NoError(err)
	require.Len(result.Forces, 6)
	require.Equal(InitializedState, driver.State())
}

func TestSession_ReplyTimeoutDefault(t *testing.T) {
	require := require.New(t)

	release := make(chan struct{})
	defer close(release)

	driver, _, _ := newTestPair(t, gatedEvaluator(release),
		[]SessionOption{WithPollInterval(10 * time.Millisecond), WithReplyTimeout(80 * time.Millisecond)},
		WithEvalWait(time.Millisecond),
	)

	require.NoError(driver.Init(context.Background(), 0, ""))
	require.NoError(driver.PosData(context.Background(), testGeometry(t, 1)))

	start := time.Now()
	_, err := driver.GetForce(context.Background())
	require.ErrorIs(err, wire.ErrTimeout)
	require.Less(time.Since(start), time.Second)
	require.Equal(HasPositionState, driver.State())
}

func TestSession_EvaluationError(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	var calls atomic.Int32
	ev := EvaluatorFunc(func(_ context.Context, g Geometry) (ForceResult, error) {
		if calls.Add(1) == 1 {
			return ForceResult{}, errors.New("scf not converged")
		}

		return ForceResult{Forces: make([]float64, len(g.Positions))}, nil
	})
	driver, server, _ := newTestPair(t, ev, nil)

	require.NoError(driver.Init(ctx, 0, ""))
	require.NoError(driver.PosData(ctx, testGeometry(t, 2)))

	_, err := driver.GetForce(ctx)
	require.ErrorIs(err, ErrEvaluation)

	var remote *RemoteError
	require.ErrorAs(err, &remote)
	require.Equal(CodeEvaluation, remote.Code)
	require.Contains(remote.Message, "scf not converged")
	require.Equal(InitializedState, driver.State())

	// the session stays usable
	_, err = driver.Evaluate(ctx, testGeometry(t, 2))
	require.NoError(err)
	require.Equal(uint64(1), server.Metrics().EvaluationErrCount.Load())
	require.Equal(uint64(1), server.Metrics().EvaluationCount.Load())
}

func TestSession_EvaluatorPanic(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	ev := EvaluatorFunc(func(context.Context, Geometry) (ForceResult, error) {
		panic("boom")
	})
	driver, _, _ := newTestPair(t, ev, nil)

	_, err := driver.Evaluate(ctx, testGeometry(t, 1))
	require.ErrorIs(err, ErrEvaluation)
	require.Equal(InitializedState, driver.State())
}

func TestSession_EvaluatorAtomMismatch(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	ev := EvaluatorFunc(func(_ context.Context, g Geometry) (ForceResult, error) {
		return ForceResult{Forces: make([]float64, 9)}, nil
	})
	driver, _, _ := newTestPair(t, ev, nil)

	require.NoError(driver.Init(ctx, 0, ""))
	require.NoError(driver.PosData(ctx, testGeometry(t, 4)))

	_, err := driver.GetForce(ctx)
	require.ErrorIs(err, ErrProtocolMismatch)
	require.Equal(InitializedState, driver.State())

	// a fresh POSDATA is accepted
	result, err := driver.Evaluate(ctx, testGeometry(t, 3))
	require.NoError(err)
	require.Len(result.Forces, 9)
}

func TestSession_Abort(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	var calls atomic.Int32
	driver, server, serveErr := newTestPair(t, constantEvaluator(0, &calls), nil)

	var states []State
	driver.sm.AddHandler(func(_ State, newState State) { states = append(states, newState) })

	require.NoError(driver.Init(ctx, 0, ""))
	require.NoError(driver.Abort(ctx))
	require.Equal(AbortedState, driver.State())
	require.Equal([]State{InitializedState, AbortedState}, states)

	require.NoError(<-serveErr)
	require.Equal(AbortedState, server.State())

	_, err := driver.Status(ctx)
	require.ErrorIs(err, wire.ErrConnClosed)
	require.ErrorIs(driver.PosData(ctx, testGeometry(t, 1)), wire.ErrConnClosed)

	// aborting twice is a no-op
	require.NoError(driver.Abort(ctx))
	require.Zero(calls.Load())
}

func TestSession_ServerShutdown(t *testing.T) {
	require := require.New(t)

	dconn, sconn := net.Pipe()
	server, err := NewSession(sconn, ServerRole, WithEvaluator(constantEvaluator(0, nil)), WithAbortTimeout(100*time.Millisecond))
	require.NoError(err)
	driver, err := NewSession(dconn, DriverRole)
	require.NoError(err)
	defer driver.Close()

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()

	require.NoError(driver.Init(context.Background(), 0, ""))
	cancel()
	require.NoError(<-serveErr)
	require.Equal(AbortedState, server.State())

	_, err = driver.Status(context.Background())
	require.ErrorIs(err, wire.ErrConnClosed)
}

func TestSession_ServeTwice(t *testing.T) {
	require := require.New(t)

	_, server, _ := newTestPair(t, constantEvaluator(0, nil), nil)
	require.Eventually(server.serving.Load, time.Second, time.Millisecond)
	require.ErrorIs(server.Serve(context.Background()), ErrAlreadyServing)
}

func TestSession_StateChangeHandler(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	var changes atomic.Int32
	handler := func(State, State) { changes.Add(1) }

	driver, server, _ := newTestPair(t, constantEvaluator(0, nil),
		[]SessionOption{WithStateChangeHandler(handler)},
	)

	_, err := driver.Evaluate(ctx, testGeometry(t, 1))
	require.NoError(err)
	// connect, init, posdata, getforce
	require.Equal(int32(4), changes.Load())

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(server.WaitState(waitCtx, InitializedState))
}

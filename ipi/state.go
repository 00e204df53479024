package ipi

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-ipi/wire"
)

// State represents the stage of an ipi session.
type State uint32

// Session states.
const (
	// DisconnectedState indicates that the session has no usable transport.
	DisconnectedState State = iota
	// ConnectedState indicates that the transport is established but INIT hasn't been exchanged.
	ConnectedState
	// InitializedState indicates that the session accepts a new geometry.
	InitializedState
	// HasPositionState indicates that a geometry has been sent and its result not yet collected.
	HasPositionState
	// AbortedState indicates that the session was aborted. It is terminal.
	AbortedState
)

// String returns string representation of the state.
func (s State) String() string {
	switch s {
	case DisconnectedState:
		return "disconnected"
	case ConnectedState:
		return "connected"
	case InitializedState:
		return "initialized"
	case HasPositionState:
		return "has-position"
	case AbortedState:
		return "aborted"
	default:
		return "unknown"
	}
}

// IsLive returns if commands can still be exchanged in the state.
func (s State) IsLive() bool {
	return s == ConnectedState || s == InitializedState || s == HasPositionState
}

// Status is the readiness reported by a server in reply to STATUS.
type Status uint8

const (
	StatusUnknown Status = iota
	// StatusNeedInit is reported before the first INIT.
	StatusNeedInit
	// StatusReady is reported when the server accepts a new geometry.
	StatusReady
	// StatusBusy is reported while an evaluation is running.
	StatusBusy
	// StatusHaveData is reported when a result is ready to be collected.
	StatusHaveData
)

// String returns the reply token name of the status.
func (s Status) String() string {
	return s.Command().String()
}

// Command returns the reply token carrying the status.
func (s Status) Command() wire.Command {
	switch s {
	case StatusNeedInit:
		return wire.CmdNeedInit
	case StatusReady:
		return wire.CmdReady
	case StatusBusy:
		return wire.CmdBusy
	case StatusHaveData:
		return wire.CmdHaveData
	default:
		return wire.CmdInvalid
	}
}

func statusOf(cmd wire.Command) (Status, bool) {
	switch cmd { //nolint:exhaustive
	case wire.CmdNeedInit:
		return StatusNeedInit, true
	case wire.CmdReady:
		return StatusReady, true
	case wire.CmdBusy:
		return StatusBusy, true
	case wire.CmdHaveData:
		return StatusHaveData, true
	default:
		return StatusUnknown, false
	}
}

// StateChangeHandler is invoked when the state of a session changes.
//
// Note: the handler is invoked in blocking mode, while the state machine lock is held.
// It must not call back into the state machine.
type StateChangeHandler func(prevState State, newState State)

// StateMachine tracks the state of one session and validates every command against it.
//
// The same table serves both roles: a driver checks a command before sending it, a server
// checks it after receiving the token. State changes are safe for concurrent use.
type StateMachine struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	handlers []StateChangeHandler
}

// NewStateMachine creates a new StateMachine in DisconnectedState.
func NewStateMachine(handlers ...StateChangeHandler) *StateMachine {
	sm := &StateMachine{handlers: make([]StateChangeHandler, 0, len(handlers))}
	sm.cond = sync.NewCond(&sm.mu)
	sm.state.Store(uint32(DisconnectedState))
	sm.AddHandler(handlers...)

	return sm
}

// State returns the current state.
func (sm *StateMachine) State() State {
	return State(sm.state.Load())
}

// AddHandler adds one or more StateChangeHandler functions to be invoked on state changes.
func (sm *StateMachine) AddHandler(handlers ...StateChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			sm.handlers = append(sm.handlers, h)
		}
	}
}

// Check reports whether cmd is legal in the current state without changing it.
//
// It returns ErrAborted in AbortedState, ErrSessionClosed in DisconnectedState, and an error
// wrapping ErrOutOfOrder when cmd isn't legal in the current live state.
func (sm *StateMachine) Check(cmd wire.Command) error {
	_, err := transition(sm.State(), cmd)
	return err
}

// Advance validates cmd against the current state and applies the resulting transition.
func (sm *StateMachine) Advance(cmd wire.Command) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	cur := sm.State()
	next, err := transition(cur, cmd)
	if err != nil {
		return err
	}
	sm.setState(cur, next)

	return nil
}

// Connect transitions DisconnectedState to ConnectedState.
func (sm *StateMachine) Connect() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	cur := sm.State()
	if cur != DisconnectedState {
		return fmt.Errorf("%w: connect in %s state", ErrOutOfOrder, cur)
	}
	sm.setState(cur, ConnectedState)

	return nil
}

// Abort transitions to AbortedState. It is allowed from any state.
func (sm *StateMachine) Abort() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.setState(sm.State(), AbortedState)
}

// Disconnect transitions a live state to DisconnectedState. AbortedState is kept.
func (sm *StateMachine) Disconnect() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if cur := sm.State(); cur != AbortedState {
		sm.setState(cur, DisconnectedState)
	}
}

// WaitState waits for the state to reach the specified state or until the context is done.
func (sm *StateMachine) WaitState(ctx context.Context, state State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.State() == state {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		sm.cond.Broadcast()
	})
	defer stop()

	for sm.State() != state {
		if err := ctx.Err(); err != nil {
			return err
		}
		sm.cond.Wait()
	}

	return nil
}

// setState stores newState, broadcasts to waiters and invokes the handlers. The caller holds mu.
func (sm *StateMachine) setState(prevState State, newState State) {
	if prevState == newState {
		return
	}

	sm.state.Store(uint32(newState))
	sm.cond.Broadcast()

	for _, h := range sm.handlers {
		h(prevState, newState)
	}
}

// transition returns the state reached by cmd from cur.
func transition(cur State, cmd wire.Command) (State, error) {
	if cmd == wire.CmdAbort {
		return AbortedState, nil
	}

	switch cur {
	case AbortedState:
		return cur, ErrAborted
	case DisconnectedState:
		return cur, ErrSessionClosed
	}

	switch cmd { //nolint:exhaustive
	case wire.CmdStatus, wire.CmdEcho:
		return cur, nil
	case wire.CmdInit:
		if cur == ConnectedState || cur == InitializedState {
			return InitializedState, nil
		}
	case wire.CmdPosData:
		if cur == InitializedState {
			return HasPositionState, nil
		}
	case wire.CmdGetForce, wire.CmdGetStress:
		if cur == HasPositionState {
			return InitializedState, nil
		}
	default:
		return cur, fmt.Errorf("%w: %s is not a request", ErrOutOfOrder, cmd)
	}

	return cur, fmt.Errorf("%w: %s in %s state", ErrOutOfOrder, cmd, cur)
}

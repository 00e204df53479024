package ipi

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-ipi/wire"
)

var (
	// ErrOutOfOrder indicates a command that is not legal in the current session state.
	ErrOutOfOrder = errors.New("ipi: command out of order")

	// ErrProtocolMismatch indicates that the atom count of a result disagrees with the
	// atom count of the geometry it was computed for.
	ErrProtocolMismatch = errors.New("ipi: atom count mismatch")

	// ErrEvaluation indicates that the evaluator failed to compute a result.
	ErrEvaluation = errors.New("ipi: evaluation failed")

	// ErrInvalidGeometry indicates a geometry whose positions don't form whole atoms
	// or exceed the configured atom limit.
	ErrInvalidGeometry = errors.New("ipi: invalid geometry")

	// ErrUnexpectedReply indicates a reply token that doesn't answer the request that was sent.
	ErrUnexpectedReply = errors.New("ipi: unexpected reply")

	// ErrUnexpectedCommand indicates a token received by a server that isn't a request.
	ErrUnexpectedCommand = errors.New("ipi: unexpected command")

	// ErrInvalidPayload indicates a peer-reported payload rejection.
	ErrInvalidPayload = errors.New("ipi: invalid payload")
)

var (
	// ErrAborted indicates that the session has been aborted. It wraps wire.ErrConnClosed,
	// since an aborted session no longer owns a usable transport.
	ErrAborted = fmt.Errorf("%w: session aborted", wire.ErrConnClosed)

	// ErrSessionClosed indicates an operation on a session whose transport is closed.
	ErrSessionClosed = fmt.Errorf("%w: session closed", wire.ErrConnClosed)
)

var (
	// ErrInvalidRole indicates an operation that isn't available for the session role.
	ErrInvalidRole = errors.New("ipi: operation not available for session role")

	// ErrEvaluatorNil indicates a server session created without an evaluator.
	ErrEvaluatorNil = errors.New("ipi: evaluator is nil")

	// ErrTransportNil indicates a session created without a transport.
	ErrTransportNil = errors.New("ipi: transport is nil")

	// ErrAlreadyServing indicates a second Serve call on the same session.
	ErrAlreadyServing = errors.New("ipi: session is already serving")

	// ErrSessionConfigNil indicates that a nil SessionConfig was provided.
	ErrSessionConfigNil = errors.New("ipi: session config is nil")
)

// ErrorCode identifies the failure class carried by an ERROR reply.
type ErrorCode uint32

const (
	CodeOutOfOrder       ErrorCode = 1
	CodeEvaluation       ErrorCode = 2
	CodeProtocolMismatch ErrorCode = 3
	CodeInvalidPayload   ErrorCode = 4
)

// String returns the name of the error code.
func (c ErrorCode) String() string {
	switch c {
	case CodeOutOfOrder:
		return "out-of-order"
	case CodeEvaluation:
		return "evaluation"
	case CodeProtocolMismatch:
		return "protocol-mismatch"
	case CodeInvalidPayload:
		return "invalid-payload"
	default:
		return fmt.Sprintf("code-%d", uint32(c))
	}
}

// RemoteError is a structured failure reported by the peer through an ERROR reply.
//
// It unwraps to the sentinel matching its code, so errors.Is(err, ErrEvaluation)
// holds for an evaluation failure raised on the server.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("ipi: remote %s error: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case CodeOutOfOrder:
		return ErrOutOfOrder
	case CodeEvaluation:
		return ErrEvaluation
	case CodeProtocolMismatch:
		return ErrProtocolMismatch
	case CodeInvalidPayload:
		return ErrInvalidPayload
	default:
		return nil
	}
}

// errorCodeOf returns the code describing err on the wire.
func errorCodeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrOutOfOrder):
		return CodeOutOfOrder
	case errors.Is(err, ErrProtocolMismatch):
		return CodeProtocolMismatch
	case errors.Is(err, ErrInvalidGeometry), errors.Is(err, ErrInvalidPayload):
		return CodeInvalidPayload
	default:
		return CodeEvaluation
	}
}

package wire

import (
	"errors"
)

// Malformed data errors. The byte stream can't be trusted to be aligned on a frame
// boundary after one of them, so they are fatal to a session.
var (
	// ErrUnknownCommand indicates a 12-byte token outside of the closed command set.
	ErrUnknownCommand = errors.New("wire: unknown command token")

	// ErrEncoding indicates a value that can't be represented on the wire, e.g. a token
	// name longer than 12 bytes, or a received size above the configured limit.
	ErrEncoding = errors.New("wire: encoding error")

	// ErrTruncatedPayload indicates that fewer bytes than required were available to decode a value.
	ErrTruncatedPayload = errors.New("wire: truncated payload")
)

// Transport errors.
var (
	// ErrConnection indicates a transport failure, including a zero-byte write
	// and a timeout that hit in the middle of a frame.
	ErrConnection = errors.New("wire: connection error")

	// ErrConnClosed indicates that the transport reached EOF or was closed locally.
	ErrConnClosed = errors.New("wire: connection closed")

	// ErrTimeout indicates that a blocking call expired before any byte of the
	// awaited message was transferred.
	ErrTimeout = errors.New("wire: timeout")
)

// IsFatal reports whether err leaves the byte stream in an unknown position,
// meaning the session owning the transport must be torn down.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrConnClosed) ||
		errors.Is(err, ErrUnknownCommand) ||
		errors.Is(err, ErrEncoding) ||
		errors.Is(err, ErrTruncatedPayload)
}

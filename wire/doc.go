// Package wire implements the byte-level encoding of the i-PI style socket protocol
// spoken between a simulation driver and a remote force evaluator.
//
// The package is the only place that knows about byte order and field widths:
//
//   - Command tokens are 12 bytes of ASCII, right-padded with spaces.
//   - Counts are 4-byte little-endian unsigned integers.
//   - Reals are 8-byte IEEE-754 little-endian doubles, and arrays of reals are sent
//     back to back without a length prefix; their length is implied by a count sent earlier.
//
// On top of the codec functions, Framer turns a byte-oriented transport such as a
// net.Conn into discrete protocol messages. It loops over partial reads and writes,
// so a transport delivering a single byte per Read call still yields whole tokens
// and payloads, and it maps transport failures onto the error taxonomy declared in errors.go.
//
// Command Tokens:
//   - Requests: STATUS, INIT, POSDATA, GETFORCE, GETSTRESS, ECHO, ABORT.
//   - Replies: READY, NEEDINIT, HAVEDATA, BUSY, FORCEREADY, STRESSREADY, ERROR.
//
// The token set is closed. A token outside of it is reported as ErrUnknownCommand and
// never skipped, since the stream can no longer be trusted to be aligned on a frame boundary.
package wire

package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"
)

// maxZeroReads bounds the number of consecutive (0, nil) results tolerated from
// a transport Read before the framer gives up with io.ErrNoProgress.
const maxZeroReads = 100

// discardChunk is the buffer size used to skip unwanted payload bytes.
const discardChunk = 4096

// deadliner is implemented by transports supporting I/O deadlines, e.g. net.Conn.
type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Framer reads and writes whole protocol messages over a byte-oriented transport.
//
// It loops over partial reads and writes, so the transport is free to deliver or
// accept any number of bytes per call. When the transport supports deadlines
// (net.Conn does), every blocking call honors the deadline and cancellation of its
// context: expiry surfaces as ErrTimeout, cancellation as ErrConnClosed.
//
// A transport without deadline support that implements io.Closer is closed when the
// context of a blocking call ends. Expiry then surfaces as an ErrConnection that also
// matches ErrTimeout, and every later call fails with ErrConnClosed. A transport that
// supports neither can only be unblocked by its peer.
//
// Framer is NOT goroutine-safe. The owning session must serialize all calls,
// consistent with the strictly sequential request/reply exchange of the protocol.
type Framer struct {
	rw io.ReadWriter
	dl deadliner

	// abandoned is set once the transport was closed on context expiry.
	abandoned atomic.Bool

	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64

	tokenBuf [TokenSize]byte
	wbuf     []byte
}

// NewFramer creates a Framer over rw.
func NewFramer(rw io.ReadWriter) *Framer {
	f := &Framer{rw: rw}
	if dl, ok := rw.(deadliner); ok {
		f.dl = dl
	}

	return f
}

// BytesSent returns the number of bytes successfully written to the transport.
func (f *Framer) BytesSent() uint64 { return f.bytesSent.Load() }

// BytesReceived returns the number of bytes read from the transport.
func (f *Framer) BytesReceived() uint64 { return f.bytesRecv.Load() }

// Send writes the token of cmd immediately followed by payload.
//
// The token and payload are encoded into one buffer and flushed by a single write
// loop, so a failure never leaves a half-written array behind unnoticed.
func (f *Framer) Send(ctx context.Context, cmd Command, payload []byte) error {
	buf, err := AppendToken(f.wbuf[:0], cmd)
	if err != nil {
		return err
	}
	buf = append(buf, payload...)
	f.wbuf = buf[:0]

	return f.write(ctx, buf, cmd.String())
}

// ReceiveToken reads exactly 12 bytes and decodes them into a Command.
func (f *Framer) ReceiveToken(ctx context.Context) (Command, error) {
	if err := f.read(ctx, f.tokenBuf[:], "token"); err != nil {
		return CmdInvalid, err
	}

	return DecodeToken(f.tokenBuf[:])
}

// ReceiveExact reads exactly n bytes.
func (f *Framer) ReceiveExact(ctx context.Context, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative read size %d", ErrEncoding, n)
	}

	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}

	if err := f.read(ctx, buf, "payload"); err != nil {
		return nil, err
	}

	return buf, nil
}

// ReceiveUint32 reads a 4-byte count.
func (f *Framer) ReceiveUint32(ctx context.Context) (uint32, error) {
	var buf [Uint32Size]byte
	if err := f.read(ctx, buf[:], "uint32"); err != nil {
		return 0, err
	}

	return DecodeUint32(buf[:])
}

// ReceiveFloat64 reads one double.
func (f *Framer) ReceiveFloat64(ctx context.Context) (float64, error) {
	var buf [Float64Size]byte
	if err := f.read(ctx, buf[:], "float64"); err != nil {
		return 0, err
	}

	return DecodeFloat64(buf[:])
}

// ReceiveFloat64s reads count doubles.
func (f *Framer) ReceiveFloat64s(ctx context.Context, count int) ([]float64, error) {
	if count < 0 {
		return nil, fmt.Errorf("%w: negative count %d", ErrEncoding, count)
	}

	buf, err := f.ReceiveExact(ctx, count*Float64Size)
	if err != nil {
		return nil, err
	}

	return DecodeFloat64s(buf, count)
}

// ReceiveMatrix reads a 3x3 matrix of doubles, row-major.
func (f *Framer) ReceiveMatrix(ctx context.Context) ([MatrixLen]float64, error) {
	var m [MatrixLen]float64
	var buf [MatrixLen * Float64Size]byte
	if err := f.read(ctx, buf[:], "matrix"); err != nil {
		return m, err
	}

	return m, DecodeFloat64sInto(m[:], buf[:])
}

// ReceiveString reads a length-prefixed string.
//
// A length above maxLen fails with ErrEncoding without reading the body.
func (f *Framer) ReceiveString(ctx context.Context, maxLen uint32) (string, error) {
	n, err := f.ReceiveUint32(ctx)
	if err != nil {
		return "", err
	}

	if n > maxLen {
		return "", fmt.Errorf("%w: string length %d exceeds limit %d", ErrEncoding, n, maxLen)
	}

	buf, err := f.ReceiveExact(ctx, int(n))
	if err != nil {
		return "", err
	}

	return string(buf), nil
}

// Discard reads and drops exactly n bytes.
func (f *Framer) Discard(ctx context.Context, n int64) error {
	buf := make([]byte, min(n, discardChunk))
	for n > 0 {
		chunk := buf[:min(n, int64(len(buf)))]
		if err := f.read(ctx, chunk, "discard"); err != nil {
			return err
		}
		n -= int64(len(chunk))
	}

	return nil
}

// read fills buf completely, looping over partial reads.
func (f *Framer) read(ctx context.Context, buf []byte, what string) error {
	disarm, err := f.arm(ctx, false)
	if err != nil {
		return f.classify(ctx, err, "read "+what, 0, len(buf))
	}
	defer disarm()

	read, zeroReads := 0, 0
	for read < len(buf) {
		n, err := f.rw.Read(buf[read:])
		read += n
		f.bytesRecv.Add(uint64(n)) //nolint:gosec

		if err != nil {
			if read == len(buf) && errors.Is(err, io.EOF) {
				break
			}

			return f.classify(ctx, err, "read "+what, read, len(buf))
		}

		if n == 0 {
			zeroReads++
			if zeroReads > maxZeroReads {
				return f.classify(ctx, io.ErrNoProgress, "read "+what, read, len(buf))
			}

			continue
		}
		zeroReads = 0
	}

	return nil
}

// write flushes buf completely, looping over partial writes.
func (f *Framer) write(ctx context.Context, buf []byte, what string) error {
	disarm, err := f.arm(ctx, true)
	if err != nil {
		return f.classify(ctx, err, "write "+what, 0, len(buf))
	}
	defer disarm()

	for written := 0; written < len(buf); {
		n, err := f.rw.Write(buf[written:])
		written += n
		f.bytesSent.Add(uint64(n)) //nolint:gosec

		if err != nil {
			return f.classify(ctx, err, "write "+what, written, len(buf))
		}

		if n == 0 {
			return fmt.Errorf("%w: write %s: zero-byte write, peer closed", ErrConnection, what)
		}
	}

	return nil
}

// arm applies the context deadline to the transport and makes context
// cancellation interrupt the blocking call. The returned function must be
// called once the call completed.
func (f *Framer) arm(ctx context.Context, write bool) (func(), error) {
	if f.abandoned.Load() {
		return nil, net.ErrClosed
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if f.dl == nil {
		return f.armClose(ctx), nil
	}

	setDeadline := f.dl.SetReadDeadline
	if write {
		setDeadline = f.dl.SetWriteDeadline
	}

	deadline, _ := ctx.Deadline()
	if err := setDeadline(deadline); err != nil {
		return nil, err
	}

	if ctx.Done() == nil {
		return func() {}, nil
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		// a deadline in the past unblocks a pending Read or Write
		_ = setDeadline(time.Unix(1, 0))
		close(fired)
	})

	return func() {
		if !stop() {
			<-fired
		}
	}, nil
}

// armClose makes the end of ctx close a transport without deadline support.
func (f *Framer) armClose(ctx context.Context) func() {
	closer, ok := f.rw.(io.Closer)
	if !ok || ctx.Done() == nil {
		return func() {}
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		f.abandoned.Store(true)
		_ = closer.Close()
		close(fired)
	})

	return func() {
		if !stop() {
			<-fired
		}
	}
}

// classify maps a transport error onto the package error taxonomy.
func (f *Framer) classify(ctx context.Context, err error, op string, done int, want int) error {
	if errors.Is(err, context.Canceled) || (ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled)) {
		return fmt.Errorf("%w: %s: %w", ErrConnClosed, op, context.Canceled)
	}

	if f.abandoned.Load() && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if done == 0 {
			return fmt.Errorf("%w: %s: %w, transport closed", ErrConnection, op, ErrTimeout)
		}

		return fmt.Errorf("%w: %s interrupted after %d of %d bytes, transport closed: %w",
			ErrConnection, op, done, want, context.DeadlineExceeded)
	}

	if isTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		if done == 0 {
			return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
		}

		return fmt.Errorf("%w: %s interrupted after %d of %d bytes: %w", ErrConnection, op, done, want, err)
	}

	if isClosed(err) {
		if done > 0 && errors.Is(err, io.EOF) {
			// io.EOF is kept only for a stream that ended on a value boundary
			err = io.ErrUnexpectedEOF
		}

		return fmt.Errorf("%w: %s after %d of %d bytes: %w", ErrConnClosed, op, done, want, err)
	}

	return fmt.Errorf("%w: %s: %w", ErrConnection, op, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

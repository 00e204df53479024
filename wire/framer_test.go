package wire

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trickleConn returns at most one byte per Read and accepts at most one byte per Write.
type trickleConn struct {
	r io.Reader
	w bytes.Buffer
}

func (c *trickleConn) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}

	return c.r.Read(p)
}

func (c *trickleConn) Write(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}

	return c.w.Write(p)
}

// zeroWriter accepts nothing and reports no error.
type zeroWriter struct{ io.Reader }

func (zeroWriter) Write([]byte) (int, error) { return 0, nil }

func newPipeFramers(t *testing.T) (*Framer, *Framer, net.Conn, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})

	return NewFramer(local), NewFramer(remote), local, remote
}

func TestFramer_OneBytePerRead(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	var stream []byte
	stream, err := AppendToken(stream, CmdPosData)
	require.NoError(err)
	stream = AppendUint32(stream, 2)
	stream = AppendFloat64s(stream, []float64{1, 2, 3, 4, 5, 6})

	conn := &trickleConn{r: bytes.NewReader(stream)}
	f := NewFramer(conn)

	cmd, err := f.ReceiveToken(ctx)
	require.NoError(err)
	require.Equal(CmdPosData, cmd)

	n, err := f.ReceiveUint32(ctx)
	require.NoError(err)
	require.Equal(uint32(2), n)

	values, err := f.ReceiveFloat64s(ctx, int(n)*3)
	require.NoError(err)
	require.Equal([]float64{1, 2, 3, 4, 5, 6}, values)
	require.Equal(uint64(len(stream)), f.BytesReceived())

	// writes are flushed one byte at a time as well
	require.NoError(f.Send(ctx, CmdEcho, []byte{3, 0, 0, 0, 'a', 'b', 'c'}))
	require.Equal("ECHO        \x03\x00\x00\x00abc", conn.w.String())
	require.Equal(uint64(TokenSize+7), f.BytesSent())
}

func TestFramer_ShortToken(t *testing.T) {
	f := NewFramer(&trickleConn{r: bytes.NewReader([]byte("STAT"))})

	_, err := f.ReceiveToken(context.Background())
	require.ErrorIs(t, err, ErrConnClosed)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.True(t, IsFatal(err))
}

func TestFramer_EmptyStream(t *testing.T) {
	f := NewFramer(&trickleConn{r: bytes.NewReader(nil)})

	_, err := f.ReceiveToken(context.Background())
	require.ErrorIs(t, err, ErrConnClosed)
	require.ErrorIs(t, err, io.EOF)

	_, err = f.ReceiveExact(context.Background(), 3)
	require.ErrorIs(t, err, ErrConnClosed)
}

func TestFramer_UnknownToken(t *testing.T) {
	f := NewFramer(&trickleConn{r: bytes.NewReader([]byte("HELLO WORLD!"))})

	_, err := f.ReceiveToken(context.Background())
	require.ErrorIs(t, err, ErrUnknownCommand)
}

func TestFramer_ZeroByteWrite(t *testing.T) {
	f := NewFramer(zeroWriter{Reader: bytes.NewReader(nil)})

	err := f.Send(context.Background(), CmdStatus, nil)
	require.ErrorIs(t, err, ErrConnection)
}

func TestFramer_ReceiveString(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	stream, err := AppendString(nil, "hello")
	require.NoError(err)
	stream, err = AppendString(stream, "")
	require.NoError(err)
	stream, err = AppendString(stream, "too long")
	require.NoError(err)

	f := NewFramer(&trickleConn{r: bytes.NewReader(stream)})

	s, err := f.ReceiveString(ctx, 16)
	require.NoError(err)
	require.Equal("hello", s)

	s, err = f.ReceiveString(ctx, 16)
	require.NoError(err)
	require.Empty(s)

	_, err = f.ReceiveString(ctx, 4)
	require.ErrorIs(err, ErrEncoding)
}

func TestFramer_MatrixAndDiscard(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	identity := [MatrixLen]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	stream := AppendFloat64s(nil, make([]float64, 1000))
	stream = AppendFloat64s(stream, identity[:])

	f := NewFramer(bytes.NewBuffer(stream))
	require.NoError(f.Discard(ctx, 8000))

	m, err := f.ReceiveMatrix(ctx)
	require.NoError(err)
	require.Equal(identity, m)

	_, err = f.ReceiveExact(ctx, -1)
	require.ErrorIs(err, ErrEncoding)

	empty, err := f.ReceiveExact(ctx, 0)
	require.NoError(err)
	require.Empty(empty)
}

func TestFramer_SendReceiveOverPipe(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	local, remote, _, _ := newPipeFramers(t)

	payload := AppendFloat64s(AppendUint32(nil, 1), []float64{0.5, 0.25, 0.125})

	go func() {
		assert.NoError(t, local.Send(ctx, CmdForceReady, payload))
	}()

	cmd, err := remote.ReceiveToken(ctx)
	require.NoError(err)
	require.Equal(CmdForceReady, cmd)

	n, err := remote.ReceiveUint32(ctx)
	require.NoError(err)
	require.Equal(uint32(1), n)

	values, err := remote.ReceiveFloat64s(ctx, 3)
	require.NoError(err)
	require.Equal([]float64{0.5, 0.25, 0.125}, values)
}

func TestFramer_Timeout(t *testing.T) {
	require := require.New(t)

	local, _, _, remoteConn := newPipeFramers(t)

	// nothing arrives: a clean timeout
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := local.ReceiveToken(ctx)
	require.ErrorIs(err, ErrTimeout)
	require.False(IsFatal(err))

	// part of a token arrives: the stream is no longer aligned
	go func() {
		_, _ = remoteConn.Write([]byte("STA"))
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()

	_, err = local.ReceiveToken(ctx2)
	require.ErrorIs(err, ErrConnection)
	require.NotErrorIs(err, ErrTimeout)
	require.True(IsFatal(err))
}

func TestFramer_ExpiredContext(t *testing.T) {
	local, _, _, _ := newPipeFramers(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	err := local.Send(ctx, CmdStatus, nil)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestFramer_CancelUnblocks(t *testing.T) {
	local, _, _, _ := newPipeFramers(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := local.ReceiveToken(ctx)
	require.ErrorIs(t, err, ErrConnClosed)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFramer_CloseUnblocks(t *testing.T) {
	local, _, localConn, _ := newPipeFramers(t)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = localConn.Close()
	}()

	_, err := local.ReceiveToken(context.Background())
	require.ErrorIs(t, err, ErrConnClosed)

	err = local.Send(context.Background(), CmdStatus, nil)
	require.ErrorIs(t, err, ErrConnClosed)
}

func TestFramer_PeerClosed(t *testing.T) {
	local, _, _, remoteConn := newPipeFramers(t)
	_ = remoteConn.Close()

	_, err := local.ReceiveToken(context.Background())
	require.ErrorIs(t, err, ErrConnClosed)

	err = local.Send(context.Background(), CmdStatus, nil)
	require.ErrorIs(t, err, ErrConnClosed)
}

// pipeConn is a transport without deadline support, built from two io.Pipes.
type pipeConn struct {
	*io.PipeReader
	w *io.PipeWriter
}

func (c *pipeConn) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c *pipeConn) Close() error {
	_ = c.w.Close()
	return c.PipeReader.Close()
}

// newSilentConn returns a transport whose peer never writes and never reads.
func newSilentConn(t *testing.T) *pipeConn {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	t.Cleanup(func() {
		_ = inW.Close()
		_ = outR.Close()
	})

	return &pipeConn{PipeReader: inR, w: outW}
}

func returnsWithin(t *testing.T, d time.Duration, f func() error) error {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- f() }()

	select {
	case err := <-done:
		return err
	case <-time.After(d):
		require.FailNow(t, "call still blocked", "after %s", d)
		return nil
	}
}

func TestFramer_NoDeadlineTransport(t *testing.T) {
	t.Run("read expiry closes the transport", func(t *testing.T) {
		require := require.New(t)

		f := NewFramer(newSilentConn(t))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := returnsWithin(t, 2*time.Second, func() error {
			_, err := f.ReceiveToken(ctx)
			return err
		})
		require.ErrorIs(err, ErrTimeout)
		require.ErrorIs(err, ErrConnection)
		require.True(IsFatal(err))

		err = f.Send(context.Background(), CmdStatus, nil)
		require.ErrorIs(err, ErrConnClosed)
	})

	t.Run("write expiry closes the transport", func(t *testing.T) {
		require := require.New(t)

		f := NewFramer(newSilentConn(t))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := returnsWithin(t, 2*time.Second, func() error {
			return f.Send(ctx, CmdStatus, nil)
		})
		require.ErrorIs(err, ErrTimeout)
		require.True(IsFatal(err))
	})

	t.Run("cancellation closes the transport", func(t *testing.T) {
		require := require.New(t)

		f := NewFramer(newSilentConn(t))

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(30 * time.Millisecond)
			cancel()
		}()

		err := returnsWithin(t, 2*time.Second, func() error {
			_, err := f.ReceiveToken(ctx)
			return err
		})
		require.ErrorIs(err, ErrConnClosed)
		require.ErrorIs(err, context.Canceled)
	})

	t.Run("completed call keeps the transport open", func(t *testing.T) {
		require := require.New(t)

		inR, inW := io.Pipe()
		outR, outW := io.Pipe()
		defer inW.Close()
		defer outR.Close()

		f := NewFramer(&pipeConn{PipeReader: inR, w: outW})

		go func() {
			token, _ := EncodeToken(CmdReady)
			_, _ = inW.Write(token)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		cmd, err := f.ReceiveToken(ctx)
		cancel()
		require.NoError(err)
		require.Equal(CmdReady, cmd)

		go func() { _, _ = io.Copy(io.Discard, outR) }()
		require.NoError(f.Send(context.Background(), CmdStatus, nil))
	})
}

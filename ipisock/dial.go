package ipisock

import (
	"context"
	"fmt"
	"net"

	"github.com/arloliu/go-ipi/ipi"
	"github.com/arloliu/go-ipi/wire"
)

// Dial connects to the engine at the configured address and returns a driver session in
// ConnectedState. The handshake is bounded by the connect timeout and by ctx.
//
// A failed dial is reported as an error wrapping wire.ErrConnection; Dial does not retry.
func Dial(ctx context.Context, cfg *ConnectionConfig) (*ipi.Session, error) {
	if cfg == nil {
		return nil, ErrConnConfigNil
	}

	l := cfg.Logger()
	address := cfg.Address()

	cfg.mu.RLock()
	dialer := &net.Dialer{KeepAlive: cfg.keepAlive}
	cfg.mu.RUnlock()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout())
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		l.Debug("failed to dial", "method", "Dial", "address", address, "error", err)
		return nil, fmt.Errorf("%w: dial %s: %w", wire.ErrConnection, address, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	opts := append(cfg.SessionOptions(), ipi.WithLogger(l))

	sess, err := ipi.NewSession(conn, ipi.DriverRole, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	l.Debug("connected to the remote",
		"method", "Dial",
		"session_id", sess.ID(),
		"local_addr", conn.LocalAddr().String(),
		"remote_addr", conn.RemoteAddr().String(),
	)

	return sess, nil
}

package ipisock

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arloliu/go-ipi/ipi"
	"github.com/arloliu/go-ipi/logger"
)

// DefaultPort is the TCP port used by i-PI style engines when none is configured.
const DefaultPort = 20801

// ConnectionConfig represents the configuration of a driver connection or of a server.
type ConnectionConfig struct {
	mu sync.RWMutex

	// host is the remote host for Dial, or the interface to listen on for Server.
	// An empty host listens on all interfaces.
	host string

	// port is the TCP port. Port 0 lets a server pick an ephemeral port.
	port int

	// connectTimeout bounds the TCP handshake in Dial. It should be between 10 milliseconds and 30 seconds.
	// Defaults to 3 seconds.
	connectTimeout time.Duration

	// keepAlive is the TCP keep-alive period of dialed and accepted connections.
	// Defaults to 30 seconds.
	keepAlive time.Duration

	// acceptTimeout defines the timeout for each iteration of accepting a connection.
	// It should be between 10 milliseconds and 2 seconds, and shorter than closeTimeout.
	// Defaults to 1 second.
	acceptTimeout time.Duration

	// closeTimeout bounds the time Server.Close waits for its sessions to finish.
	// It should be between 10 milliseconds and 30 seconds.
	// Defaults to 3 seconds.
	closeTimeout time.Duration

	// maxSessions is the number of concurrently served connections. Defaults to 1.
	maxSessions int

	// statsInterval is the period of the server's statistics log. Zero disables it.
	statsInterval time.Duration

	// sessionOpts are applied to every session created by Dial or Server.
	sessionOpts []ipi.SessionOption

	logger logger.Logger
}

// NewConnectionConfig creates a connection configuration with the given host, port and options.
//
// The host must be empty, an IP address or a resolvable host name. The port must be
// within [0, 65535].
func NewConnectionConfig(host string, port int, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		connectTimeout: 3 * time.Second,
		keepAlive:      30 * time.Second,
		acceptTimeout:  1 * time.Second,
		closeTimeout:   3 * time.Second,
		maxSessions:    1,
		logger:         logger.GetLogger(),
	}

	if err := withHost(host).apply(cfg); err != nil {
		return cfg, err
	}

	if err := withPort(port).apply(cfg); err != nil {
		return cfg, err
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.acceptTimeout >= cfg.closeTimeout {
		return cfg, fmt.Errorf("%w: accept timeout %s must be shorter than close timeout %s",
			ErrInvalidOption, cfg.acceptTimeout, cfg.closeTimeout)
	}

	return cfg, nil
}

// Address returns the host:port string of the configuration.
func (cfg *ConnectionConfig) Address() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port))
}

// Host returns the host to dial or listen on. Empty listens on every interface.
func (cfg *ConnectionConfig) Host() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.host
}

// Port returns the TCP port. Zero lets a server pick a free port.
func (cfg *ConnectionConfig) Port() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.port
}

// ConnectTimeout returns the timeout of Dial.
func (cfg *ConnectionConfig) ConnectTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.connectTimeout
}

// AcceptTimeout returns the deadline of a single accept, after which the server rechecks its state.
func (cfg *ConnectionConfig) AcceptTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.acceptTimeout
}

// CloseTimeout returns how long Server.Close waits for sessions to end.
func (cfg *ConnectionConfig) CloseTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.closeTimeout
}

// MaxSessions returns the number of sessions a server serves at the same time.
func (cfg *ConnectionConfig) MaxSessions() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.maxSessions
}

// StatsInterval returns the period of the server stats log, zero when disabled.
func (cfg *ConnectionConfig) StatsInterval() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.statsInterval
}

// SessionOptions returns a copy of the session options.
func (cfg *ConnectionConfig) SessionOptions() []ipi.SessionOption {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	opts := make([]ipi.SessionOption, len(cfg.sessionOpts))
	copy(opts, cfg.sessionOpts)

	return opts
}

// Logger returns the logger of the server and of the sessions it creates.
func (cfg *ConnectionConfig) Logger() logger.Logger {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.logger
}

// Update applies options that can be changed while a server is running.
func (cfg *ConnectionConfig) Update(opts ...ConnOption) error {
	for _, opt := range opts {
		o, ok := opt.(*connOptFunc)
		if !ok || !o.runtime {
			return fmt.Errorf("%w: %T can't be changed at runtime", ErrInvalidOption, opt)
		}
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return err
		}
	}

	return nil
}

// ConnOption represents a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc struct {
	name      string
	runtime   bool
	applyFunc func(*ConnectionConfig) error
}

func (c *connOptFunc) apply(cfg *ConnectionConfig) error {
	if cfg == nil {
		return ErrConnConfigNil
	}

	return c.applyFunc(cfg)
}

func (c *connOptFunc) String() string { return c.name }

func newConnOptFunc(name string, runtime bool, f func(*ConnectionConfig) error) *connOptFunc {
	return &connOptFunc{
		name:      name,
		runtime:   runtime,
		applyFunc: f,
	}
}

func withHost(host string) ConnOption {
	return newConnOptFunc("withHost", false, func(cfg *ConnectionConfig) error {
		if host == "" {
			cfg.host = host
			return nil
		}

		if ip := net.ParseIP(host); ip != nil {
			cfg.host = host
			return nil
		}

		host = strings.TrimPrefix(host, ".")
		host = strings.TrimSuffix(host, ".")
		if _, err := net.LookupHost(host); err != nil {
			return fmt.Errorf("%w: %q: %w", ErrInvalidHost, host, err)
		}
		cfg.host = host

		return nil
	})
}

func withPort(port int) ConnOption {
	return newConnOptFunc("withPort", false, func(cfg *ConnectionConfig) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: port %d out of range [0, 65535]", ErrInvalidOption, port)
		}
		cfg.port = port

		return nil
	})
}

func checkRange(name string, val, lower, upper time.Duration) error {
	if val < lower || val > upper {
		return fmt.Errorf("%w: %s %s out of range [%s, %s]", ErrInvalidOption, name, val, lower, upper)
	}

	return nil
}

// WithConnectTimeout sets the timeout of the TCP handshake in Dial.
// It should be between 10 milliseconds and 30 seconds.
//
// The default value is 3 seconds.
//
// This option can be changed at runtime.
func WithConnectTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithConnectTimeout", true, func(cfg *ConnectionConfig) error {
		if err := checkRange("connect timeout", val, 10*time.Millisecond, 30*time.Second); err != nil {
			return err
		}
		cfg.connectTimeout = val

		return nil
	})
}

// WithKeepAlive sets the TCP keep-alive period. A negative value disables keep-alive.
//
// The default value is 30 seconds.
func WithKeepAlive(val time.Duration) ConnOption {
	return newConnOptFunc("WithKeepAlive", false, func(cfg *ConnectionConfig) error {
		cfg.keepAlive = val
		return nil
	})
}

// WithAcceptTimeout sets the timeout of each accept iteration of a server, which also bounds
// how long the accept loop takes to notice Close.
// It should be between 10 milliseconds and 2 seconds.
//
// The default value is 1 second.
func WithAcceptTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithAcceptTimeout", false, func(cfg *ConnectionConfig) error {
		if err := checkRange("accept timeout", val, 10*time.Millisecond, 2*time.Second); err != nil {
			return err
		}
		cfg.acceptTimeout = val

		return nil
	})
}

// WithCloseTimeout sets how long Server.Close waits for its sessions to finish.
// It should be between 10 milliseconds and 30 seconds.
//
// The default value is 3 seconds.
//
// This option can be changed at runtime.
func WithCloseTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithCloseTimeout", true, func(cfg *ConnectionConfig) error {
		if err := checkRange("close timeout", val, 10*time.Millisecond, 30*time.Second); err != nil {
			return err
		}
		cfg.closeTimeout = val

		return nil
	})
}

// WithMaxSessions sets the number of connections a server serves at the same time.
// Connections accepted beyond it are closed immediately. It should be between 1 and 1024.
//
// The default value is 1.
//
// This option can be changed at runtime and applies to connections accepted afterwards.
func WithMaxSessions(val int) ConnOption {
	return newConnOptFunc("WithMaxSessions", true, func(cfg *ConnectionConfig) error {
		if val < 1 || val > 1024 {
			return fmt.Errorf("%w: max sessions %d out of range [1, 1024]", ErrInvalidOption, val)
		}
		cfg.maxSessions = val

		return nil
	})
}

// WithStatsInterval makes a server log its metrics periodically. Zero disables it.
func WithStatsInterval(val time.Duration) ConnOption {
	return newConnOptFunc("WithStatsInterval", false, func(cfg *ConnectionConfig) error {
		if val != 0 {
			if err := checkRange("stats interval", val, 10*time.Millisecond, 24*time.Hour); err != nil {
				return err
			}
		}
		cfg.statsInterval = val

		return nil
	})
}

// WithSessionOptions appends options applied to every session.
//
// The server sets the evaluator, logger and metrics of its sessions itself; the
// corresponding options given here are overridden.
func WithSessionOptions(opts ...ipi.SessionOption) ConnOption {
	return newConnOptFunc("WithSessionOptions", false, func(cfg *ConnectionConfig) error {
		cfg.sessionOpts = append(cfg.sessionOpts, opts...)
		return nil
	})
}

// WithLogger sets the logger of the connection and of its sessions.
func WithLogger(l logger.Logger) ConnOption {
	return newConnOptFunc("WithLogger", false, func(cfg *ConnectionConfig) error {
		if l == nil {
			return fmt.Errorf("%w: logger is nil", ErrInvalidOption)
		}
		cfg.logger = l

		return nil
	})
}

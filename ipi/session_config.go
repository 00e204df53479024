package ipi

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-ipi/logger"
)

const (
	// DefaultMaxAtoms is the default upper bound of the atom count accepted from the wire.
	DefaultMaxAtoms uint32 = 1 << 22
	// DefaultMaxStringLen is the default upper bound of a string payload accepted from the wire.
	DefaultMaxStringLen uint32 = 1 << 20

	maxAtomsLimit uint32 = 1 << 28
)

// SessionConfig holds the parameters of one session.
type SessionConfig struct {
	// ioTimeout bounds the transfer of a frame once its first byte has arrived,
	// and every write. It should be between 1 millisecond and 10 minutes.
	// Defaults to 5 seconds.
	ioTimeout time.Duration

	// replyTimeout bounds a whole driver request, including BUSY polling, when the
	// caller's context has no deadline. It should be between 1 millisecond and 24 hours.
	// Defaults to 45 seconds.
	replyTimeout time.Duration

	// pollInterval is the delay between two STATUS polls after a BUSY reply.
	// It should be between 1 millisecond and 1 minute.
	// Defaults to 50 milliseconds.
	pollInterval time.Duration

	// abortTimeout bounds the wait for the peer to close the transport after ABORT.
	// It should be between 1 millisecond and 1 minute.
	// Defaults to 1 second.
	abortTimeout time.Duration

	// evalWait is how long a server waits for a running evaluation before replying BUSY.
	// It should be between 0 and 1 minute.
	// Defaults to 100 milliseconds.
	evalWait time.Duration

	maxAtoms     uint32
	maxStringLen uint32

	evaluator Evaluator
	handlers  []StateChangeHandler
	metrics   *SessionMetrics
	logger    logger.Logger
}

// NewSessionConfig creates a session configuration with default values, then applies opts.
func NewSessionConfig(opts ...SessionOption) (*SessionConfig, error) {
	cfg := &SessionConfig{
		ioTimeout:    5 * time.Second,
		replyTimeout: 45 * time.Second,
		pollInterval: 50 * time.Millisecond,
		abortTimeout: 1 * time.Second,
		evalWait:     100 * time.Millisecond,
		maxAtoms:     DefaultMaxAtoms,
		maxStringLen: DefaultMaxStringLen,
		logger:       logger.GetLogger(),
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// IOTimeout returns the timeout of a single frame transfer.
func (cfg *SessionConfig) IOTimeout() time.Duration { return cfg.ioTimeout }

// ReplyTimeout returns the bound of a driver request whose context has no deadline.
func (cfg *SessionConfig) ReplyTimeout() time.Duration { return cfg.replyTimeout }

// PollInterval returns the delay between STATUS polls while the server is busy.
func (cfg *SessionConfig) PollInterval() time.Duration { return cfg.pollInterval }

// AbortTimeout returns how long Abort waits for the peer to close the transport.
func (cfg *SessionConfig) AbortTimeout() time.Duration { return cfg.abortTimeout }

// EvalWait returns how long a server waits for a running evaluation before replying BUSY.
func (cfg *SessionConfig) EvalWait() time.Duration { return cfg.evalWait }

// MaxAtoms returns the largest atom count accepted from the wire.
func (cfg *SessionConfig) MaxAtoms() uint32 { return cfg.maxAtoms }

// MaxStringLen returns the largest string length accepted from the wire.
func (cfg *SessionConfig) MaxStringLen() uint32 { return cfg.maxStringLen }

// Logger returns the logger of the session.
func (cfg *SessionConfig) Logger() logger.Logger { return cfg.logger }

// SessionOption represents a functional option for configuring a SessionConfig.
type SessionOption interface {
	apply(*SessionConfig) error
}

type sessionOptFunc struct {
	name      string
	applyFunc func(*SessionConfig) error
}

func (o *sessionOptFunc) apply(cfg *SessionConfig) error {
	if cfg == nil {
		return ErrSessionConfigNil
	}

	if err := o.applyFunc(cfg); err != nil {
		return fmt.Errorf("%s: %w", o.name, err)
	}

	return nil
}

func newSessionOptFunc(name string, f func(*SessionConfig) error) *sessionOptFunc {
	return &sessionOptFunc{name: name, applyFunc: f}
}

func checkDuration(val, lower, upper time.Duration) error {
	if val < lower || val > upper {
		return fmt.Errorf("%s out of range [%s, %s]", val, lower, upper)
	}

	return nil
}

// WithIOTimeout sets the timeout of a single frame transfer.
//
// The default value is 5 seconds.
func WithIOTimeout(val time.Duration) SessionOption {
	return newSessionOptFunc("WithIOTimeout", func(cfg *SessionConfig) error {
		if err := checkDuration(val, time.Millisecond, 10*time.Minute); err != nil {
			return err
		}
		cfg.ioTimeout = val

		return nil
	})
}

// WithReplyTimeout sets the default bound of a driver request when its context has no deadline.
// Evaluations of expensive engines can take a long time; the upper bound is 24 hours.
//
// The default value is 45 seconds.
func WithReplyTimeout(val time.Duration) SessionOption {
	return newSessionOptFunc("WithReplyTimeout", func(cfg *SessionConfig) error {
		if err := checkDuration(val, time.Millisecond, 24*time.Hour); err != nil {
			return err
		}
		cfg.replyTimeout = val

		return nil
	})
}

// WithPollInterval sets the delay between STATUS polls while the server is busy.
//
// The default value is 50 milliseconds.
func WithPollInterval(val time.Duration) SessionOption {
	return newSessionOptFunc("WithPollInterval", func(cfg *SessionConfig) error {
		if err := checkDuration(val, time.Millisecond, time.Minute); err != nil {
			return err
		}
		cfg.pollInterval = val

		return nil
	})
}

// WithAbortTimeout sets how long Abort waits for the peer to close the transport.
//
// The default value is 1 second.
func WithAbortTimeout(val time.Duration) SessionOption {
	return newSessionOptFunc("WithAbortTimeout", func(cfg *SessionConfig) error {
		if err := checkDuration(val, time.Millisecond, time.Minute); err != nil {
			return err
		}
		cfg.abortTimeout = val

		return nil
	})
}

// WithEvalWait sets how long a server waits for a running evaluation before replying BUSY.
// Zero makes the server reply BUSY as soon as a GETFORCE finds the evaluation unfinished.
//
// The default value is 100 milliseconds.
func WithEvalWait(val time.Duration) SessionOption {
	return newSessionOptFunc("WithEvalWait", func(cfg *SessionConfig) error {
		if err := checkDuration(val, 0, time.Minute); err != nil {
			return err
		}
		cfg.evalWait = val

		return nil
	})
}

// WithMaxAtoms sets the largest atom count accepted from the wire. A larger count
// is an encoding error.
//
// The default value is DefaultMaxAtoms.
func WithMaxAtoms(n uint32) SessionOption {
	return newSessionOptFunc("WithMaxAtoms", func(cfg *SessionConfig) error {
		if n == 0 || n > maxAtomsLimit {
			return fmt.Errorf("max atoms %d out of range [1, %d]", n, maxAtomsLimit)
		}
		cfg.maxAtoms = n

		return nil
	})
}

// WithMaxStringLen sets the longest string payload accepted from the wire.
//
// The default value is DefaultMaxStringLen.
func WithMaxStringLen(n uint32) SessionOption {
	return newSessionOptFunc("WithMaxStringLen", func(cfg *SessionConfig) error {
		if n > 1<<30 {
			return fmt.Errorf("max string length %d out of range [0, %d]", n, 1<<30)
		}
		cfg.maxStringLen = n

		return nil
	})
}

// WithEvaluator sets the evaluator of a ServerRole session. It is required for that role.
func WithEvaluator(ev Evaluator) SessionOption {
	return newSessionOptFunc("WithEvaluator", func(cfg *SessionConfig) error {
		if ev == nil {
			return ErrEvaluatorNil
		}
		cfg.evaluator = ev

		return nil
	})
}

// WithStateChangeHandler adds handlers invoked on every state change of the session.
func WithStateChangeHandler(handlers ...StateChangeHandler) SessionOption {
	return newSessionOptFunc("WithStateChangeHandler", func(cfg *SessionConfig) error {
		cfg.handlers = append(cfg.handlers, handlers...)
		return nil
	})
}

// WithLogger sets the logger of the session.
//
// The default logger is the global logger instance.
func WithLogger(l logger.Logger) SessionOption {
	return newSessionOptFunc("WithLogger", func(cfg *SessionConfig) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}

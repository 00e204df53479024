package ipi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-ipi/logger"
)

func TestNewSessionConfig_Defaults(t *testing.T) {
	require := require.New(t)

	cfg, err := NewSessionConfig()
	require.NoError(err)

	require.Equal(5*time.Second, cfg.IOTimeout())
	require.Equal(45*time.Second, cfg.ReplyTimeout())
	require.Equal(50*time.Millisecond, cfg.PollInterval())
	require.Equal(time.Second, cfg.AbortTimeout())
	require.Equal(100*time.Millisecond, cfg.EvalWait())
	require.Equal(DefaultMaxAtoms, cfg.MaxAtoms())
	require.Equal(DefaultMaxStringLen, cfg.MaxStringLen())
	require.NotNil(cfg.Logger())
}

func TestSessionOptions(t *testing.T) {
	require := require.New(t)

	l := logger.NewSlog(logger.InfoLevel, false)
	cfg, err := NewSessionConfig(
		WithIOTimeout(time.Second),
		WithReplyTimeout(time.Hour),
		WithPollInterval(time.Millisecond),
		WithAbortTimeout(200*time.Millisecond),
		WithEvalWait(0),
		WithMaxAtoms(16),
		WithMaxStringLen(0),
		WithLogger(l),
		nil,
	)
	require.NoError(err)

	require.Equal(time.Second, cfg.IOTimeout())
	require.Equal(time.Hour, cfg.ReplyTimeout())
	require.Equal(time.Millisecond, cfg.PollInterval())
	require.Equal(200*time.Millisecond, cfg.AbortTimeout())
	require.Zero(cfg.EvalWait())
	require.Equal(uint32(16), cfg.MaxAtoms())
	require.Zero(cfg.MaxStringLen())
	require.Same(l, cfg.Logger())
}

func TestSessionOptions_OutOfRange(t *testing.T) {
	tests := []struct {
		name string
		opt  SessionOption
	}{
		{"io timeout zero", WithIOTimeout(0)},
		{"io timeout too long", WithIOTimeout(11 * time.Minute)},
		{"reply timeout too long", WithReplyTimeout(25 * time.Hour)},
		{"poll interval zero", WithPollInterval(0)},
		{"abort timeout too long", WithAbortTimeout(2 * time.Minute)},
		{"eval wait negative", WithEvalWait(-time.Millisecond)},
		{"max atoms zero", WithMaxAtoms(0)},
		{"max atoms too large", WithMaxAtoms(maxAtomsLimit + 1)},
		{"max string too long", WithMaxStringLen(1<<30 + 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSessionConfig(tt.opt)
			require.Error(t, err)
		})
	}
}

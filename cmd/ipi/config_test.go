package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-ipi/ipisock"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ipi.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	require := require.New(t)

	cfg, err := loadConfig("")
	require.NoError(err)
	require.Equal(defaultConfig(), cfg)
	require.Equal(ipisock.DefaultPort, cfg.Server.Port)
	require.Equal("lj", cfg.Evaluator.Kind)
	require.Empty(cfg.Session.options())
}

func TestLoadConfig_Overrides(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, `
log_level = "debug"

[server]
host = "127.0.0.1"
port = 31415
max_sessions = 4
close_timeout = "10s"
stats_interval = "1m"
metrics_addr = ":9120"

[driver]
host = "engine.local"
steps = 20
bead = 2
init = "32 atoms"
cell = 12.5
positions = [[0.0, 0.0, 0.0], [1.0, 1.0, 1.0], [2.0, 0.5, 0.0]]

[session]
poll_interval = "5ms"
eval_wait = "0s"
max_atoms = 1000

[evaluator]
kind = "Constant"
energy = -1.5
delay = "20ms"
serialized = true
`)

	cfg, err := loadConfig(path)
	require.NoError(err)

	require.Equal("debug", cfg.LogLevel)

	require.Equal("127.0.0.1", cfg.Server.Host)
	require.Equal(31415, cfg.Server.Port)
	require.Equal(4, cfg.Server.MaxSessions)
	require.Equal(time.Second, cfg.Server.AcceptTimeout, "undefined keys keep their default")
	require.Equal(10*time.Second, cfg.Server.CloseTimeout)
	require.Equal(time.Minute, cfg.Server.StatsInterval)
	require.Equal(":9120", cfg.Server.MetricsAddr)

	require.Equal("engine.local", cfg.Driver.Host)
	require.Equal(ipisock.DefaultPort, cfg.Driver.Port)
	require.Equal(20, cfg.Driver.Steps)
	require.Equal(uint32(2), cfg.Driver.Bead)
	require.Equal("32 atoms", cfg.Driver.Init)
	require.Equal(12.5, cfg.Driver.Cell)
	require.Equal([][3]float64{{0, 0, 0}, {1, 1, 1}, {2, 0.5, 0}}, cfg.Driver.Positions)

	require.Equal(5*time.Millisecond, cfg.Session.PollInterval)
	require.NotNil(cfg.Session.EvalWait)
	require.Zero(*cfg.Session.EvalWait)
	require.Equal(uint32(1000), cfg.Session.MaxAtoms)
	require.Len(cfg.Session.options(), 3)

	require.Equal("constant", cfg.Evaluator.Kind)
	require.Equal(-1.5, cfg.Evaluator.Energy)
	require.Equal(20*time.Millisecond, cfg.Evaluator.Delay)
	require.True(cfg.Evaluator.Serialized)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", "[server\nport = 1"},
		{"unknown key", "[server]\nbogus = 1"},
		{"bad duration", "[session]\nio_timeout = \"soon\""},
		{"bad eval wait", "[session]\neval_wait = \"-\""},
		{"short position", "[driver]\npositions = [[1.0, 2.0]]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
		})
	}

	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestConfig_ConnectionConfigs(t *testing.T) {
	require := require.New(t)

	cfg := defaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.MaxSessions = 2

	srvCfg, err := cfg.Server.connectionConfig(cfg.Session)
	require.NoError(err)
	require.Equal(2, srvCfg.MaxSessions())
	require.Equal("127.0.0.1:20801", srvCfg.Address())

	cfg.Driver.Host = "127.0.0.1"
	drvCfg, err := cfg.Driver.connectionConfig(cfg.Session)
	require.NoError(err)
	require.Equal(3*time.Second, drvCfg.ConnectTimeout())

	cfg.Server.MaxSessions = 0
	_, err = cfg.Server.connectionConfig(cfg.Session)
	require.ErrorIs(err, ipisock.ErrInvalidOption)
}

func TestDriverConfig_Geometry(t *testing.T) {
	require := require.New(t)

	cfg := defaultConfig()
	g, err := cfg.Driver.geometry()
	require.NoError(err)
	require.Equal(2, g.AtomCount())
	require.Equal(10.0, g.Cell[0])
	require.InDelta(0.1, g.InvCell[0], 1e-15)

	cfg.Driver.Cell = 0
	_, err = cfg.Driver.geometry()
	require.Error(err)
}

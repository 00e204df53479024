package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/arloliu/go-ipi/ipi"
	"github.com/arloliu/go-ipi/ipisock"
)

type config struct {
	LogLevel  string
	Server    serverConfig
	Driver    driverConfig
	Session   sessionConfig
	Evaluator evaluatorConfig
}

type serverConfig struct {
	Host          string
	Port          int
	MaxSessions   int
	AcceptTimeout time.Duration
	CloseTimeout  time.Duration
	StatsInterval time.Duration
	MetricsAddr   string
}

type driverConfig struct {
	Host           string
	Port           int
	ConnectTimeout time.Duration
	Steps          int
	Bead           uint32
	Init           string
	Cell           float64
	Positions      [][3]float64
}

// sessionConfig keeps only the session parameters that were set; zero values fall back
// to the session defaults.
type sessionConfig struct {
	IOTimeout    time.Duration
	ReplyTimeout time.Duration
	PollInterval time.Duration
	AbortTimeout time.Duration
	EvalWait     *time.Duration
	MaxAtoms     uint32
}

type evaluatorConfig struct {
	Kind       string
	Epsilon    float64
	Sigma      float64
	Cutoff     float64
	Energy     float64
	Delay      time.Duration
	Serialized bool
}

func defaultConfig() config {
	return config{
		LogLevel: "info",
		Server: serverConfig{
			Port:          ipisock.DefaultPort,
			MaxSessions:   1,
			AcceptTimeout: time.Second,
			CloseTimeout:  3 * time.Second,
		},
		Driver: driverConfig{
			Host:           "localhost",
			Port:           ipisock.DefaultPort,
			ConnectTimeout: 3 * time.Second,
			Steps:          1,
			Cell:           10,
			Positions:      [][3]float64{{0, 0, 0}, {1.12, 0, 0}},
		},
		Evaluator: evaluatorConfig{
			Kind:    "lj",
			Epsilon: 1,
			Sigma:   1,
		},
	}
}

type fileConfig struct {
	LogLevel string `toml:"log_level"`

	Server struct {
		Host          string `toml:"host"`
		Port          int    `toml:"port"`
		MaxSessions   int    `toml:"max_sessions"`
		AcceptTimeout string `toml:"accept_timeout"`
		CloseTimeout  string `toml:"close_timeout"`
		StatsInterval string `toml:"stats_interval"`
		MetricsAddr   string `toml:"metrics_addr"`
	} `toml:"server"`

	Driver struct {
		Host           string      `toml:"host"`
		Port           int         `toml:"port"`
		ConnectTimeout string      `toml:"connect_timeout"`
		Steps          int         `toml:"steps"`
		Bead           uint32      `toml:"bead"`
		Init           string      `toml:"init"`
		Cell           float64     `toml:"cell"`
		Positions      [][]float64 `toml:"positions"`
	} `toml:"driver"`

	Session struct {
		IOTimeout    string `toml:"io_timeout"`
		ReplyTimeout string `toml:"reply_timeout"`
		PollInterval string `toml:"poll_interval"`
		AbortTimeout string `toml:"abort_timeout"`
		EvalWait     string `toml:"eval_wait"`
		MaxAtoms     uint32 `toml:"max_atoms"`
	} `toml:"session"`

	Evaluator struct {
		Kind       string  `toml:"kind"`
		Epsilon    float64 `toml:"epsilon"`
		Sigma      float64 `toml:"sigma"`
		Cutoff     float64 `toml:"cutoff"`
		Energy     float64 `toml:"energy"`
		Delay      string  `toml:"delay"`
		Serialized bool    `toml:"serialized"`
	} `toml:"evaluator"`
}

// loadConfig overlays the keys defined in the TOML file at path on the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	// server
	if meta.IsDefined("server", "host") {
		cfg.Server.Host = strings.TrimSpace(raw.Server.Host)
	}
	if meta.IsDefined("server", "port") {
		cfg.Server.Port = raw.Server.Port
	}
	if meta.IsDefined("server", "max_sessions") {
		cfg.Server.MaxSessions = raw.Server.MaxSessions
	}
	if meta.IsDefined("server", "metrics_addr") {
		cfg.Server.MetricsAddr = strings.TrimSpace(raw.Server.MetricsAddr)
	}

	durations := []struct {
		key []string
		val string
		dst *time.Duration
	}{
		{[]string{"server", "accept_timeout"}, raw.Server.AcceptTimeout, &cfg.Server.AcceptTimeout},
		{[]string{"server", "close_timeout"}, raw.Server.CloseTimeout, &cfg.Server.CloseTimeout},
		{[]string{"server", "stats_interval"}, raw.Server.StatsInterval, &cfg.Server.StatsInterval},
		{[]string{"driver", "connect_timeout"}, raw.Driver.ConnectTimeout, &cfg.Driver.ConnectTimeout},
		{[]string{"session", "io_timeout"}, raw.Session.IOTimeout, &cfg.Session.IOTimeout},
		{[]string{"session", "reply_timeout"}, raw.Session.ReplyTimeout, &cfg.Session.ReplyTimeout},
		{[]string{"session", "poll_interval"}, raw.Session.PollInterval, &cfg.Session.PollInterval},
		{[]string{"session", "abort_timeout"}, raw.Session.AbortTimeout, &cfg.Session.AbortTimeout},
		{[]string{"evaluator", "delay"}, raw.Evaluator.Delay, &cfg.Evaluator.Delay},
	}

	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}

		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return config{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	// driver
	if meta.IsDefined("driver", "host") {
		cfg.Driver.Host = strings.TrimSpace(raw.Driver.Host)
	}
	if meta.IsDefined("driver", "port") {
		cfg.Driver.Port = raw.Driver.Port
	}
	if meta.IsDefined("driver", "steps") {
		cfg.Driver.Steps = raw.Driver.Steps
	}
	if meta.IsDefined("driver", "bead") {
		cfg.Driver.Bead = raw.Driver.Bead
	}
	if meta.IsDefined("driver", "init") {
		cfg.Driver.Init = raw.Driver.Init
	}
	if meta.IsDefined("driver", "cell") {
		cfg.Driver.Cell = raw.Driver.Cell
	}
	if meta.IsDefined("driver", "positions") {
		positions, err := parsePositions(raw.Driver.Positions)
		if err != nil {
			return config{}, err
		}
		cfg.Driver.Positions = positions
	}

	// session
	if meta.IsDefined("session", "eval_wait") {
		v, err := time.ParseDuration(strings.TrimSpace(raw.Session.EvalWait))
		if err != nil {
			return config{}, fmt.Errorf("parse session.eval_wait: %w", err)
		}
		cfg.Session.EvalWait = &v
	}
	if meta.IsDefined("session", "max_atoms") {
		cfg.Session.MaxAtoms = raw.Session.MaxAtoms
	}

	// evaluator
	if meta.IsDefined("evaluator", "kind") {
		cfg.Evaluator.Kind = strings.ToLower(strings.TrimSpace(raw.Evaluator.Kind))
	}
	if meta.IsDefined("evaluator", "epsilon") {
		cfg.Evaluator.Epsilon = raw.Evaluator.Epsilon
	}
	if meta.IsDefined("evaluator", "sigma") {
		cfg.Evaluator.Sigma = raw.Evaluator.Sigma
	}
	if meta.IsDefined("evaluator", "cutoff") {
		cfg.Evaluator.Cutoff = raw.Evaluator.Cutoff
	}
	if meta.IsDefined("evaluator", "energy") {
		cfg.Evaluator.Energy = raw.Evaluator.Energy
	}
	if meta.IsDefined("evaluator", "serialized") {
		cfg.Evaluator.Serialized = raw.Evaluator.Serialized
	}

	return cfg, nil
}

func parsePositions(in [][]float64) ([][3]float64, error) {
	out := make([][3]float64, 0, len(in))
	for i, p := range in {
		if len(p) != 3 {
			return nil, fmt.Errorf("parse driver.positions: atom %d has %d coordinates, want 3", i, len(p))
		}
		out = append(out, [3]float64{p[0], p[1], p[2]})
	}

	return out, nil
}

// options returns the session options of the parameters that were set.
func (c sessionConfig) options() []ipi.SessionOption {
	var opts []ipi.SessionOption

	if c.IOTimeout > 0 {
		opts = append(opts, ipi.WithIOTimeout(c.IOTimeout))
	}
	if c.ReplyTimeout > 0 {
		opts = append(opts, ipi.WithReplyTimeout(c.ReplyTimeout))
	}
	if c.PollInterval > 0 {
		opts = append(opts, ipi.WithPollInterval(c.PollInterval))
	}
	if c.AbortTimeout > 0 {
		opts = append(opts, ipi.WithAbortTimeout(c.AbortTimeout))
	}
	if c.EvalWait != nil {
		opts = append(opts, ipi.WithEvalWait(*c.EvalWait))
	}
	if c.MaxAtoms > 0 {
		opts = append(opts, ipi.WithMaxAtoms(c.MaxAtoms))
	}

	return opts
}

func (c serverConfig) connectionConfig(session sessionConfig) (*ipisock.ConnectionConfig, error) {
	opts := []ipisock.ConnOption{
		ipisock.WithMaxSessions(c.MaxSessions),
		ipisock.WithAcceptTimeout(c.AcceptTimeout),
		ipisock.WithCloseTimeout(c.CloseTimeout),
		ipisock.WithStatsInterval(c.StatsInterval),
		ipisock.WithSessionOptions(session.options()...),
	}

	return ipisock.NewConnectionConfig(c.Host, c.Port, opts...)
}

func (c driverConfig) connectionConfig(session sessionConfig) (*ipisock.ConnectionConfig, error) {
	return ipisock.NewConnectionConfig(c.Host, c.Port,
		ipisock.WithConnectTimeout(c.ConnectTimeout),
		ipisock.WithSessionOptions(session.options()...),
	)
}

func (c driverConfig) geometry() (ipi.Geometry, error) {
	if c.Cell <= 0 {
		return ipi.Geometry{}, fmt.Errorf("driver.cell must be positive, got %g", c.Cell)
	}

	return ipi.NewGeometry(ipi.CubicCell(c.Cell), c.Positions...)
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/arloliu/go-ipi/ipisock"
	"github.com/arloliu/go-ipi/logger"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var (
		host        string
		port        int
		maxSessions int
		metricsAddr string
		kind        string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a force engine answering drivers",
		Long: `Listen for drivers and answer their requests with the configured evaluator.

The engine runs until it receives SIGINT or SIGTERM, then sends ABORT to every
connected driver and closes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("max-sessions") {
				cfg.Server.MaxSessions = maxSessions
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Server.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("evaluator") {
				cfg.Evaluator.Kind = kind
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "interface to listen on")
	cmd.Flags().IntVarP(&port, "port", "p", ipisock.DefaultPort, "TCP port")
	cmd.Flags().IntVar(&maxSessions, "max-sessions", 1, "drivers served at the same time")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address of the metrics endpoint, disabled when empty")
	cmd.Flags().StringVar(&kind, "evaluator", "lj", "evaluator: lj or constant")

	return cmd
}

func runServe(ctx context.Context, cfg config) error {
	ev, err := newEvaluator(cfg.Evaluator)
	if err != nil {
		return err
	}

	connCfg, err := cfg.Server.connectionConfig(cfg.Session)
	if err != nil {
		return err
	}

	srv, err := ipisock.NewServer(connCfg, ev)
	if err != nil {
		return err
	}

	if err := srv.Open(ctx); err != nil {
		return err
	}

	var httpSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if err := ipisock.RegisterMetrics(reg, "ipi", srv); err != nil {
			_ = srv.Close()
			return err
		}

		httpSrv = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           newRouter(srv, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			logger.Info("metrics endpoint listening", "address", cfg.Server.MetricsAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down", "reason", context.Cause(ctx))

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}

	return srv.Close()
}

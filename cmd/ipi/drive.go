package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-ipi/ipi"
	"github.com/arloliu/go-ipi/ipisock"
)

func driveCmd(flags *globalFlags) *cobra.Command {
	var (
		host  string
		port  int
		steps int
	)

	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Evaluate a structure on a remote engine",
		Long: `Connect to an engine, initialize the session and evaluate the configured
structure for a number of steps, printing the energy and the largest force of each.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("host") {
				cfg.Driver.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Driver.Port = port
			}
			if cmd.Flags().Changed("steps") {
				cfg.Driver.Steps = steps
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runDrive(ctx, cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&host, "host", "localhost", "engine host")
	cmd.Flags().IntVarP(&port, "port", "p", ipisock.DefaultPort, "engine TCP port")
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "number of evaluations")

	return cmd
}

func runDrive(ctx context.Context, cfg config, out io.Writer) error {
	g, err := cfg.Driver.geometry()
	if err != nil {
		return err
	}

	connCfg, err := cfg.Driver.connectionConfig(cfg.Session)
	if err != nil {
		return err
	}

	sess, err := ipisock.Dial(ctx, connCfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Init(ctx, cfg.Driver.Bead, cfg.Driver.Init); err != nil {
		return err
	}

	err = ipi.Drive(ctx, sess, &ipi.StaticStructure{Geometry: g}, cfg.Driver.Steps,
		func(step int, _ ipi.Geometry, r ipi.ForceResult) error {
			_, err := fmt.Fprintf(out, "step %d energy %.10g max_force %.6g\n", step, r.Energy, maxForce(r))
			return err
		})
	if err != nil {
		return err
	}

	return sess.Abort(ctx)
}

// maxForce returns the largest force norm of r.
func maxForce(r ipi.ForceResult) float64 {
	var largest float64
	for i := 0; i < r.AtomCount(); i++ {
		f := r.Force(i)
		largest = math.Max(largest, math.Sqrt(f[0]*f[0]+f[1]*f[1]+f[2]*f[2]))
	}

	return largest
}

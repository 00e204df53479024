// Package ipisock carries ipi sessions over TCP.
//
// Dial connects a driver to a remote engine and returns a DriverRole session. Server listens
// for drivers and runs one ServerRole session per accepted connection, each served by its
// own goroutine against a shared ipi.Evaluator.
//
// Example Usage:
//
//	cfg, err := ipisock.NewConnectionConfig("", ipisock.DefaultPort,
//	    ipisock.WithMaxSessions(4),
//	    ipisock.WithSessionOptions(ipi.WithEvalWait(50*time.Millisecond)),
//	)
//	if err != nil {
//	    // handle error
//	}
//
//	srv, err := ipisock.NewServer(cfg, &evaluator.LennardJones{Epsilon: 1, Sigma: 1})
//	if err != nil {
//	    // handle error
//	}
//
//	if err := srv.Open(ctx); err != nil {
//	    // handle error
//	}
//	defer srv.Close()
//
// On the driver side:
//
//	sess, err := ipisock.Dial(ctx, cfg)
//	if err != nil {
//	    // handle error
//	}
//	defer sess.Abort(ctx)
//
//	result, err := sess.Evaluate(ctx, geometry)
//
// Connections beyond the configured session limit are closed right after accept. The
// server aggregates the metrics of its sessions; Collector exports them to Prometheus.
package ipisock

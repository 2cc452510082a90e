package commands

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mqfleet/mqfleet/pkg/conductor"
)

func newWorkerCommand() *cobra.Command {
	var (
		name        string
		workers     int
		lease       time.Duration
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and execute jobs",
		Long: `Run a conductor that claims jobs from the job board and executes their flows.

Each claimed job is heartbeated while it runs. A job whose worker dies is
released when its lease expires and is recovered by another worker: steps
that completed before the crash are rolled back and the flow runs again.`,
		Example: `  # Run two concurrent flows with metrics on :9090
  mqfleet worker --workers 2 --metrics-addr :9090

  # Use a fixed claim owner name
  mqfleet worker --name worker-a`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if name != "" {
				cfg.Conductor.Name = name
			}
			if workers > 0 {
				cfg.Conductor.Workers = workers
			}
			if lease > 0 {
				cfg.Conductor.Lease = lease
			}
			if metricsAddr != "" {
				cfg.Telemetry.Metrics.Enabled = true
				cfg.Telemetry.Metrics.ListenAddress = metricsAddr
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			c, err := conductor.New(cfg.Conductor, rt.board, rt.logbook, rt.registry, rt.tel)
			if err != nil {
				return err
			}
			rt.tel.Logger.Debug().Str("name", c.Name()).Str("job_board", cfg.Store.JobBoard).Msg("Worker configured")

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return c.Run(ctx) })
			if rt.tel.Metrics.Enabled() {
				// Serve does not stop on cancellation; it exits with the process.
				go func() {
					if err := rt.tel.Metrics.Serve(); err != nil {
						rt.tel.Logger.Error().Err(err).Msg("Metrics endpoint stopped")
					}
				}()
			}

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "claim owner name (default: hostname plus random suffix)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "number of concurrently executed jobs")
	cmd.Flags().DurationVar(&lease, "lease", 0, "job claim lease")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

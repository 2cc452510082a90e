package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mqfleet/mqfleet/pkg/monitor"
)

func newMonitorCommand() *cobra.Command {
	var (
		schedule  string
		owner     string
		redisAddr string
		once      bool
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Periodically check cluster status",
		Long: `Post a check_cluster_status job for every ACTIVE or DOWN cluster on a schedule.

Any number of monitors may run; a distributed lock ensures only one of them
posts checks per tick. The lock lives in Redis when an address is
configured and in the SQLite database otherwise.`,
		Example: `  # Check every 30 seconds, locking through Redis
  mqfleet monitor --schedule "@every 30s" --redis-addr localhost:6379

  # Post one round of checks and exit
  mqfleet monitor --once`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if schedule != "" {
				cfg.Monitor.Schedule = schedule
			}
			if redisAddr != "" {
				cfg.Redis.Addr = redisAddr
			}
			if owner != "" {
				cfg.Monitor.Owner = owner
			}
			if cfg.Monitor.Owner == "" {
				host, _ := os.Hostname()
				cfg.Monitor.Owner = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
			}

			ctx := cmd.Context()
			rt, err := openRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			var locker monitor.Locker = rt.store
			if cfg.Redis.Addr != "" {
				client := redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				defer client.Close()
				if err := client.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
				}
				locker = monitor.NewRedisLocker(client, cfg.Redis.Prefix)
			}

			m, err := monitor.New(cfg.Monitor, rt.store, rt.client, locker, rt.tel)
			if err != nil {
				return err
			}

			if once {
				posted, err := m.Tick(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Posted %d cluster checks\n", posted)
				return nil
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return m.Run(gctx) })
			if rt.policies != nil && cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
				g.Go(func() error { return rt.policies.Watch(gctx, cfg.Policy.Paths) })
			}
			if err := g.Wait(); err != nil && !errors.Is(err, ctx.Err()) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression or descriptor (default from config)")
	cmd.Flags().StringVar(&owner, "owner", os.Getenv("MQFLEET_MONITOR_OWNER"), "lock owner name (default: hostname plus random suffix)")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis address for the monitor lock")
	cmd.Flags().BoolVar(&once, "once", false, "post one round of checks and exit")

	return cmd
}

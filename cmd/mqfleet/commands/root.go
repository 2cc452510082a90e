package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mqfleet/mqfleet/pkg/config"
)

var (
	// Global flags
	configPath string
	dbPath     string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mqfleet",
		Short: "mqfleet - RabbitMQ cluster control plane",
		Long: `mqfleet provisions, deletes and monitors RabbitMQ clusters on a cloud.

Every operation is posted as a durable job. Workers claim jobs and run
their flows step by step; a failed flow rolls back what it created, and a
flow interrupted by a crash is recovered by the next worker to claim it.

Components:
  - worker:  claims and executes jobs
  - monitor: periodically posts cluster status checks
  - cluster: posts cluster and node operations`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("MQFLEET_CONFIG"), "config file path (yaml, json or cue)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides store.path)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newMonitorCommand())
	rootCmd.AddCommand(newClusterCommand())
	rootCmd.AddCommand(newJobsCommand())
	rootCmd.AddCommand(newFlowsCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}

// loadConfig reads the configuration and applies global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

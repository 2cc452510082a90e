package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mqfleet/mqfleet/pkg/config"
	"github.com/mqfleet/mqfleet/pkg/telemetry"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			if jsonOutput {
				var doc map[string]any
				if err := yaml.Unmarshal(out, &doc); err != nil {
					return err
				}
				return printJSON(doc)
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(args[0]); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", args[0])
			return nil
		},
	})

	return cmd
}

// newCLILogger builds a logger for short-lived commands that do not open
// a runtime.
func newCLILogger(cfg *config.Config) zerolog.Logger {
	l, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return zerolog.Nop()
	}
	return l.Zerolog()
}

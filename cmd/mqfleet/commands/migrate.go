package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mqfleet/mqfleet/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long: `Apply or roll back the SQLite schema.

Other commands migrate up automatically; these are for upgrades that must
happen before workers start, and for inspection.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(s *stores.SQLiteStore) error {
				if err := s.Migrate(cmd.Context()); err != nil {
					return err
				}
				return printVersion(s)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration (drops all data)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(s *stores.SQLiteStore) error {
				if err := s.MigrateDown(cmd.Context()); err != nil {
					return err
				}
				return printVersion(s)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), printVersion)
		},
	})

	return cmd
}

// withStore opens the SQLite store without migrating it.
func withStore(ctx context.Context, fn func(*stores.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := stores.NewSQLiteStore(cfg.Store.SQLite())
	if err != nil {
		return err
	}
	if err := s.Init(ctx); err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func printVersion(s *stores.SQLiteStore) error {
	version, dirty, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	state := "clean"
	if dirty {
		state = "dirty"
	}
	fmt.Printf("Schema version %d (%s)\n", version, state)
	return nil
}

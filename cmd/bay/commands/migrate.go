package commands

import (
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"

	"github.com/shipyard/bay/internal/config"
	"github.com/shipyard/bay/internal/logging"
	"github.com/shipyard/bay/internal/store"
)

func migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the persistent store's schema",
	}
	cmd.AddCommand(migrateUpCommand())
	cmd.AddCommand(migrateDownCommand())
	cmd.AddCommand(migrateStatusCommand())
	return cmd
}

func openStoreForMigration() (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logging.Component(logging.New(cfg.LogLevel, cfg.LogFormat), "migrate")
	return store.Open(cfg.DBDriver, cfg.DBDSN, log)
}

func migrateUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStoreForMigration()
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.Migrate(migrate.Up)
			if err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	}
}

func migrateDownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back all applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStoreForMigration()
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.Migrate(migrate.Down)
			if err != nil {
				return fmt.Errorf("roll back migrations: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", n)
			return nil
		},
	}
}

func migrateStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStoreForMigration()
			if err != nil {
				return err
			}
			defer st.Close()

			applied, pending, err := st.MigrationStatus()
			if err != nil {
				return fmt.Errorf("get migration status: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied: %v\npending: %v\n", applied, pending)
			return nil
		},
	}
}

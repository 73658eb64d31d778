package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-realtime-coordinator/internal/config"
	"github.com/tbourn/go-realtime-coordinator/internal/repo"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long: `Creates or upgrades the schema of the configured store.

PostgreSQL runs the embedded SQL migrations, which also install the change
feed triggers. SQLite uses GORM AutoMigrate.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := migrate(opts.cfg); err != nil {
				return err
			}
			opts.log.Info().Str("driver", opts.cfg.DBDriver).Msg("schema up to date")
			return nil
		},
	}
}

func migrate(cfg config.Config) error {
	if cfg.DBDriver == config.DriverPostgres {
		return repo.RunMigrations(cfg.DatabaseURL)
	}
	db, err := repo.Open(repo.Options{Driver: cfg.DBDriver, SQLitePath: cfg.DBPath})
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	return repo.AutoMigrate(db)
}

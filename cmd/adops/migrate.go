package main

import (
	"errors"
	"fmt"

	"github.com/smallbiznis/adops/internal/config"
	"github.com/smallbiznis/adops/internal/migration"
	"github.com/smallbiznis/adops/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMigrateUnsupported = errors.New("migrations require DATABASE_TYPE=postgres")

func newMigrateCommand() *cobra.Command {
	var down int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations, or roll back with --down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				conn *gorm.DB
				cfg  config.Config
				log  *zap.Logger
			)
			app := fx.New(
				infraModules(),
				fx.Populate(&conn, &cfg, &log),
				fx.NopLogger,
			)
			if err := app.Err(); err != nil {
				return err
			}
			if cfg.DBType != db.TypePostgres {
				return errMigrateUnsupported
			}

			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			if down > 0 {
				if err := migration.RollbackMigrations(sqlDB, down); err != nil {
					return fmt.Errorf("rollback %d steps: %w", down, err)
				}
				log.Info("migrations rolled back", zap.Int("steps", down))
				return nil
			}
			if err := migration.RunMigrations(sqlDB); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}

	cmd.Flags().IntVar(&down, "down", 0, "number of migrations to roll back")
	return cmd
}

package main

import (
	"github.com/smallbiznis/adops/internal/migration"
	"github.com/smallbiznis/adops/internal/scheduler"
	"github.com/smallbiznis/adops/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook receiver and optional in-process scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				infraModules(),
				migration.Module,
				domainModules(),
				scheduler.LoopModule,
				server.Module,
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

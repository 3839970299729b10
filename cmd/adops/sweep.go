package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/smallbiznis/adops/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newSweepCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one subscription sweep and print the result as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var sched *scheduler.Scheduler
			app := fx.New(
				infraModules(),
				domainModules(),
				fx.Populate(&sched),
				fx.NopLogger,
			)
			if err := app.Err(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := app.Start(ctx); err != nil {
				return err
			}
			result, runErr := sched.RunOnce(ctx)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			stopErr := app.Stop(stopCtx)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			return errors.Join(runErr, stopErr)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "upper bound for the whole sweep")
	return cmd
}

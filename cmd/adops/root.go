package main

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/adops/internal/alert"
	"github.com/smallbiznis/adops/internal/archive"
	"github.com/smallbiznis/adops/internal/billingwebhook"
	"github.com/smallbiznis/adops/internal/clock"
	"github.com/smallbiznis/adops/internal/config"
	"github.com/smallbiznis/adops/internal/events"
	"github.com/smallbiznis/adops/internal/livefeed"
	"github.com/smallbiznis/adops/internal/lock"
	"github.com/smallbiznis/adops/internal/observability"
	"github.com/smallbiznis/adops/internal/plan"
	"github.com/smallbiznis/adops/internal/providers"
	"github.com/smallbiznis/adops/internal/ratelimit"
	"github.com/smallbiznis/adops/internal/scheduler"
	"github.com/smallbiznis/adops/internal/subscription"
	"github.com/smallbiznis/adops/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func NewRootCommand(version, commit, date string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "adops",
		Short: "Ad operations backend: subscription lifecycle, billing webhooks and campaign alerts",
		Long: `adops serves the subscription lifecycle API, Stripe billing webhooks and
campaign metric alerts. The sweep command advances subscriptions through
grace, suspension and archival once and exits.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newMigrateCommand())

	return rootCmd
}

// infraModules are shared by every command.
func infraModules() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
	)
}

func domainModules() fx.Option {
	return fx.Options(
		archive.Module,
		events.Module,
		providers.Module,
		plan.Module,
		lock.Module,
		ratelimit.Module,
		subscription.Module,
		scheduler.Module,
		livefeed.Module,
		alert.Module,
		billingwebhook.Module,
	)
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openregistry/concierge/pkg/config"
	"github.com/openregistry/concierge/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand() *cobra.Command {
	var (
		once   bool
		watch  bool
		events bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconciliation worker",
		Long: `Start the worker. It polls the lots change feed, drives every lot through
its transition protocol and sleeps for the poll interval once the feed is
caught up.

The worker stops on SIGINT or SIGTERM after the lot in progress is handled.
With --watch, changes to the poll interval and retry policy in the config
file are applied without a restart.`,
		Example: `  # Run with a config file
  concierge run --config /etc/concierge/concierge.yaml

  # Drain the feed once and exit
  concierge run --once

  # Print warning and error lot events as JSON lines
  concierge run --events`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			loader, cfg, err := loadConfig()
			if err != nil {
				return err
			}

			tel, err := telemetry.NewTelemetry(telemetryConfig(cfg))
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				_ = tel.Shutdown(shutdownCtx)
			}()

			logger := tel.Logger.Zerolog()
			logger.Info().
				Str("version", buildVersion).
				Str("config", configPath).
				Str("ledger", cfg.Ledger.Driver).
				Bool("once", once).
				Msg("Starting concierge")

			if events {
				tel.Events.Subscribe(telemetry.JSONLinesSubscriber(os.Stdout),
					telemetry.FilterByLevel(telemetry.EventLevelWarning))
			}

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			eng, err := newEngine(cfg, store, tel)
			if err != nil {
				return err
			}

			if once {
				return eng.RunCycle(ctx)
			}

			metricsCtx, stopMetrics := context.WithCancel(ctx)
			defer stopMetrics()
			go func() {
				if err := tel.Metrics.Serve(metricsCtx, logger); err != nil {
					logger.Error().Err(err).Msg("Metrics server failed")
				}
			}()

			if watch && configPath != "" {
				watcher := config.NewWatcher(loader, configPath, cfg, logger)
				err := watcher.Watch(ctx, func(next *config.Config) error {
					eng.SetPollInterval(next.Worker.PollInterval)
					eng.SetRetryPolicy(next.RetryPolicy())
					return nil
				})
				if err != nil {
					return err
				}
				defer watcher.Close()
			}

			return eng.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "drain the feed once and exit")
	cmd.Flags().BoolVarP(&watch, "watch", "w", true, "apply config file changes while running")
	cmd.Flags().BoolVar(&events, "events", false, "print warning and error lot events to stdout")

	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"leadtracker/internal/domain/sweep"
	"leadtracker/internal/infra/logger"
	"leadtracker/internal/infra/metrics"
	"leadtracker/internal/infra/scheduler"
	"leadtracker/internal/infra/telegram"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "leadtracker",
		Short:         "Customer lead follow-up tracking and overdue reminders",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newSweepCmd(), newRecomputeCmd(), newMigrateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the overdue sweep scheduler, the admin bot and the metrics endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	c, err := buildComponents(ctx, true)
	if err != nil {
		return err
	}
	defer c.Close()
	mainLogger := logger.Component("main")

	slots, err := scheduler.ParseDailySlots(c.cfg.RemindTimes, c.cfg.Timezone)
	if err != nil {
		return err
	}
	sweepScheduler := scheduler.NewSweepScheduler(c.sweeper, slots, c.cfg.SweepOnStartup, logger.Component("scheduler"))
	sweepScheduler.Start()

	var metricsServer *metrics.Server
	if c.cfg.MetricsAddr != "" {
		metricsServer = metrics.NewServer(c.cfg.MetricsAddr, c.registry, logger.Component("metrics"))
		metricsServer.Start()
	}

	if c.bot != nil {
		botLogger := logger.Component("telegram")
		telegram.RegisterBotCommands(c.bot, c.cfg.AdminTelegramID, botLogger)
		telegram.NewAdminHandlers(c.admin, c.sweeper, c.sweepRepo, c.lifecycle, botLogger).Register(ctx, c.bot)
		mainLogger.Info("Telegram command handlers registered.")
		go c.bot.Start()
	} else {
		mainLogger.Warn("TELEGRAM_TOKEN is not set, admin bot disabled")
	}

	mainLogger.Info("Application setup complete.")
	<-ctx.Done()

	mainLogger.Info("Shutting down application...")
	if c.bot != nil {
		c.bot.Stop()
	}
	sweepScheduler.Stop()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			mainLogger.WithError(err).Warn("Metrics server shutdown failed")
		}
	}
	mainLogger.Info("Application shut down gracefully.")
	return nil
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one overdue sweep now and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := buildComponents(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer c.Close()

			run, err := c.sweeper.Run(cmd.Context(), sweep.TriggerManual)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sweep %s: status=%s evaluated=%d overdue=%d dispatch=%s\n",
				run.ID, run.Status, run.Evaluated, run.Overdue, run.Dispatch)
			if run.Status == sweep.StatusFailed {
				return fmt.Errorf("sweep failed: %s", run.Error.String)
			}
			return nil
		},
	}
}

func newRecomputeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <leadID>",
		Short: "Re-derive need_followup for one lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			leadID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("lead id must be a number: %w", err)
			}
			c, err := buildComponents(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer c.Close()

			l, err := c.lifecycle.RecomputeOne(cmd.Context(), nil, leadID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lead %d: need_followup=%t\n", l.ID, l.NeedFollowup)
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDatabase(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			logger.Component("main").WithFields(logrus.Fields{"database": "postgres"}).Info("Migrations applied")
			return nil
		},
	}
}

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newRunCmd creates the 'run' subcommand: the built-in scheduler loop.
// Deployments with an external scheduler (Cloud Scheduler, Kubernetes
// CronJob) should use 'tick' instead.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the worker on the configured tick schedule",
		Long: `Starts a scheduler that invokes the batch worker on the cadence from
worker.tick_schedule. Each invocation is bounded by worker.tick_budget_seconds
so a large run drains across many invocations instead of blocking one.`,
		RunE: runRunCommand,
	}
}

func runRunCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.Config()
	logger := appInstance.Logger()
	driver := appInstance.Driver()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Skip a scheduled tick while the previous one is still draining.
	// The store-level claim makes overlap safe, but skipping avoids
	// pointless contention.
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err = scheduler.AddFunc(cfg.Worker.TickSchedule, func() {
		tickCtx, cancel := context.WithTimeout(ctx, cfg.TickBudget())
		defer cancel()
		if err := driver.AdvanceOneTick(tickCtx); err != nil {
			logger.Error("tick failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule ticks: %w", err)
	}

	logger.Info("worker scheduler started", zap.String("schedule", cfg.Worker.TickSchedule))
	scheduler.Start()

	<-ctx.Done()
	logger.Info("shutdown signal received, waiting for in-flight tick")
	<-scheduler.Stop().Done()
	logger.Info("worker scheduler stopped")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qabridge/backend/internal/worker"
	"github.com/qabridge/backend/pkg/logger"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run an inference worker pool against the shared queue",
	Long: `Consume work items from the Redis work lanes, run inference and publish
results for the router of a "serve" process. Requires the redis queue backend.

Examples:
  qabridge worker                # pool size from pipeline.workers
  qabridge worker --workers 8    # override the pool size`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.cfg.Queue.Backend != "redis" {
			return fmt.Errorf("worker needs the redis queue backend, configured %q", a.cfg.Queue.Backend)
		}

		broker, err := a.broker(ctx)
		if err != nil {
			return err
		}
		defer broker.Close()

		gen, err := a.generator(ctx)
		if err != nil {
			return err
		}

		cfg := a.poolConfig()
		if workers > 0 {
			cfg.Workers = workers
		}
		pool := worker.NewPool(broker, gen, cfg, logger.Named("worker"))

		logger.Info("Worker process started", zap.Int("workers", cfg.Workers))
		err = pool.Run(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		return err
	},
}

func init() {
	workerCmd.Flags().Int("workers", 0, "Number of concurrent inference workers")
	rootCmd.AddCommand(workerCmd)
}

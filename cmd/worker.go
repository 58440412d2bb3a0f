package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/corpus-enricher/internal/dispatch"
	"github.com/sells-group/corpus-enricher/internal/queue"
)

var (
	workerConcurrency int
	workerMonitor     bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume dispatched batches from a shared queue",
	Long: `Worker pulls batch messages from the postgres or redis queue and runs
them. Any number of workers may share a queue; the batch claim guarantees
each batch is processed by exactly one of them.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if workerConcurrency > 0 {
			cfg.Worker.Concurrency = workerConcurrency
		}

		env, err := initPipeline(ctx, "worker", true)
		if err != nil {
			return err
		}
		defer env.Close() //nolint:errcheck

		g, gctx := errgroup.WithContext(ctx)

		consumer := queue.NewConsumer(env.Queue, dispatch.Handler(env.Runner), cfg.Worker.Concurrency)
		g.Go(func() error { return consumer.Run(gctx) })

		if workerMonitor && cfg.Monitoring.Enabled {
			checker := newChecker(env.Store, env.Queue)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}

		zap.L().Info("worker started",
			zap.String("queue", queueName(env.Queue)),
			zap.Int("concurrency", cfg.Worker.Concurrency),
		)
		err = g.Wait()
		hits, misses := env.Cache.Stats()
		zap.L().Info("worker stopped", zap.Int64("cache_hits", hits), zap.Int64("cache_misses", misses))
		return err
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerConcurrency, "concurrency", 0, "batches processed in parallel (default from config)")
	workerCmd.Flags().BoolVar(&workerMonitor, "monitor", false, "also run the stale/failed batch monitor")
	rootCmd.AddCommand(workerCmd)
}

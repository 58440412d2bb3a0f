package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/corpus-enricher/internal/dispatch"
	"github.com/sells-group/corpus-enricher/internal/monitoring"
	"github.com/sells-group/corpus-enricher/internal/queue"
	"github.com/sells-group/corpus-enricher/internal/resilience"
)

var (
	servePort       int
	serveNoConsumer bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatch API with an in-process worker and batch monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve", true)
		if err != nil {
			return err
		}
		defer env.Close() //nolint:errcheck

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		a := &api{
			store:      env.Store,
			queue:      env.Queue,
			dispatcher: dispatch.New(env.Store, env.Queue),
			breakers:   env.Retriever.Breakers().States,
			origins:    cfg.Server.AllowedOrigins,
		}
		srv := newHTTPServer(port, a.routes())

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), resilience.TimeoutStandard)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		if !serveNoConsumer {
			consumer := queue.NewConsumer(env.Queue, dispatch.Handler(env.Runner), cfg.Worker.Concurrency)
			g.Go(func() error { return consumer.Run(gctx) })
		}

		if cfg.Monitoring.Enabled {
			checker := newChecker(env.Store, env.Queue)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}

		return g.Wait()
	},
}

// newChecker builds the stale/failed batch monitor. The queue backlog is
// reported when the backend can measure it.
func newChecker(st monitoring.Store, q queue.Queue) *monitoring.Checker {
	var depth monitoring.DepthReporter
	if d, ok := q.(monitoring.DepthReporter); ok {
		depth = d
	}
	return monitoring.NewChecker(
		monitoring.NewCollector(st, depth),
		monitoring.NewAlerter(cfg.Monitoring),
		cfg.Monitoring,
	)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoConsumer, "no-consumer", false, "accept dispatches without processing them in this process")
	rootCmd.AddCommand(serveCmd)
}

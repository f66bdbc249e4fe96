package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the admin API and runs the catalogue on a schedule",
		Long: `Starts the admin HTTP API, the trigger workers and the periodic scheduler.
SIGINT or SIGTERM drains in-flight requests and stops the workers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			logger := a.GetLogger()
			cfg := a.GetConfig()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := a.NewHTTPServer()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("dispatcher started", zap.Int("workers", cfg.Run.Workers))
				a.GetDispatcher().Run(gctx)
				return nil
			})
			g.Go(func() error {
				a.NewScheduler().Run(gctx)
				return nil
			})
			g.Go(func() error {
				logger.Info("http server started", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutdown initiated")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Error("server shutdown error", zap.Error(err))
				}
				return nil
			})

			err = g.Wait()
			logger.Info("shutdown complete")
			return err
		},
	}
}

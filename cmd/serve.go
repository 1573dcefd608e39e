package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/macro-swarm/internal/api"
)

var (
	servePort     int
	serveSchedule bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long:  "Serves the latest report, factor history and source health over HTTP. With --schedule the daily update also runs in-process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		srv := api.New(ctx, api.Deps{
			Store:      env.Store,
			Updater:    env.Scheduler,
			Backfiller: env.Backfiller,
			Gatherer:   env.Metrics,
		}, api.Options{CORSOrigins: cfg.Server.CORSOrigins})

		go newChecker(env).Run(ctx)
		go backfillOnStartup(ctx, env)
		if serveSchedule {
			go func() {
				if err := env.Scheduler.Run(ctx); err != nil {
					zap.L().Error("scheduler exited", zap.Error(err))
				}
			}()
		}

		return listen(ctx, cfg.Server.Port, srv.Handler())
	},
}

// listen serves h until ctx is cancelled, then drains in-flight requests.
func listen(ctx context.Context, port int, h http.Handler) error {
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveSchedule, "schedule", false, "also run the daily update scheduler")
	rootCmd.AddCommand(serveCmd)
}

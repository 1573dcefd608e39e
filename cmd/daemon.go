package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the daily update scheduler with health monitoring",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "daemon")
		if err != nil {
			return err
		}
		defer env.Close()

		// History first so the startup update has trend data to compare.
		backfillOnStartup(ctx, env)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			newChecker(env).Run(gctx)
			return nil
		})
		g.Go(func() error {
			return env.Scheduler.Run(gctx)
		})

		err = g.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		zap.L().Info("daemon stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

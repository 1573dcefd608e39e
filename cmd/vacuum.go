package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var vacuumKeepDays int

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Delete readings, health rows and snapshots past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("maintenance"); err != nil {
			return err
		}

		keep := vacuumKeepDays
		if keep == 0 {
			keep = cfg.Retention.KeepDays
		}
		if keep < 1 {
			return eris.Errorf("keep-days must be >= 1, got %d", keep)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := st.Vacuum(ctx, keep)
		if err != nil {
			return err
		}
		zap.L().Info("vacuum complete",
			zap.Int("keep_days", keep),
			zap.Int64("readings", res.Readings),
			zap.Int64("health", res.Health),
			zap.Int64("snapshots", res.Snapshots),
		)
		fmt.Printf("Removed %d rows older than %d days (readings %d, health %d, snapshots %d)\n",
			res.Total(), keep, res.Readings, res.Health, res.Snapshots)
		return nil
	},
}

func init() {
	vacuumCmd.Flags().IntVar(&vacuumKeepDays, "keep-days", 0, "retention window in days (default from config)")
	rootCmd.AddCommand(vacuumCmd)
}

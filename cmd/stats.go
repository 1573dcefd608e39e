package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts per table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("maintenance"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		s, err := st.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("factor_readings   %d\n", s.FactorReadings)
		fmt.Printf("report_snapshots  %d\n", s.ReportSnapshots)
		fmt.Printf("source_health     %d\n", s.SourceHealth)
		fmt.Printf("cache_metadata    %d\n", s.CacheMetadata)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

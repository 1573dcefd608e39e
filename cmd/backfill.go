package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sells-group/macro-swarm/internal/backfill"
)

var backfillDays int

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Load historical factor readings",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "backfill")
		if err != nil {
			return err
		}
		defer env.Close()

		days := backfillDays
		if days == 0 {
			days = cfg.Backfill.Days
		}

		res, err := env.Backfiller.Run(ctx, days)
		if err != nil {
			return err
		}
		printBackfill(res, days)
		return nil
	},
}

func printBackfill(res backfill.Result, days int) {
	keys := make([]string, 0, len(res.Inserted))
	for k := range res.Inserted {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("Backfill (%d days)\n", days)
	for _, k := range keys {
		fmt.Printf("  %-14s %d\n", k, res.Inserted[k])
	}
	for _, k := range res.Failed {
		fmt.Printf("  %-14s failed\n", k)
	}
	fmt.Printf("Total inserted: %d\n", res.Total)
}

func init() {
	backfillCmd.Flags().IntVar(&backfillDays, "days", 0, "days of history to load (default from config)")
	rootCmd.AddCommand(backfillCmd)
}

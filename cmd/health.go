package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/macro-swarm/internal/monitoring"
)

var healthHours int

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show fetch success rates and active alerts",
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

		reg, err := loadRegistry(cfg.Indicators)
		if err != nil {
			return err
		}

		hours := healthHours
		if hours == 0 {
			hours = cfg.Monitoring.LookbackHours
		}

		snap, err := monitoring.NewCollector(st, reg).Collect(ctx, hours)
		if err != nil {
			return err
		}

		fmt.Printf("Source health (last %dh)\n", hours)
		if len(snap.Methods) == 0 {
			fmt.Println("  no fetch attempts recorded")
		}
		for _, m := range snap.Methods {
			fmt.Printf("  %-12s %4d/%-4d %5.1f%%\n", m.FetchMethod, m.Successes, m.Total, m.SuccessRate)
		}
		if snap.HasReport {
			fmt.Printf("Latest report: %s, %.1fh old, %d live / %d fallback\n",
				snap.OverallSignal, snap.ReportAgeHours, snap.LiveCount, snap.FallbackCount)
		}

		alerts := monitoring.NewAlerter(cfg.Monitoring).Evaluate(snap)
		if len(alerts) == 0 {
			fmt.Println("No alerts")
			return nil
		}
		fmt.Printf("%d alert(s)\n", len(alerts))
		for _, a := range alerts {
			fmt.Printf("  [%s] %s\n", a.Severity, a.Message)
		}
		return nil
	},
}

func init() {
	healthCmd.Flags().IntVar(&healthHours, "hours", 0, "lookback window in hours (default from config)")
	rootCmd.AddCommand(healthCmd)
}

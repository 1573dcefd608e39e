package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/macro-swarm/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "macro-swarm",
	Short: "US macro factor monitor",
	Long:  "Fetches liquidity, valuation and risk indicators from FRED, Yahoo Finance and multpl, scores them with three agents and synthesizes a BULLISH/NEUTRAL/BEARISH market signal.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/macro-swarm/internal/report"
)

var runJSON bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the swarm once and write the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Scheduler.Update(ctx)
		if err != nil {
			return eris.Wrap(err, "run swarm")
		}

		if runJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report.BuildCompact(res.Report))
		}

		fmt.Print(report.FormatSummary(res.Report))
		if msg := report.FreshnessWarning(res.Report); msg != "" {
			fmt.Println(msg)
		}
		fmt.Printf("Report: %s\nArchive: %s\n", res.Paths.Report, res.Paths.Archive)
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the compact signal as JSON")
	rootCmd.AddCommand(runCmd)
}

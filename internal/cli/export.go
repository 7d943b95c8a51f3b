package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"stock-alert-engine/internal/app"
)

var (
	exportWindow    time.Duration
	exportCSV       string
	exportChart     string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export scan history to CSV and a duration chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportCSV == "" && exportChart == "" {
			return fmt.Errorf("at least one of --csv or --chart is required")
		}

		engine, err := app.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		now := time.Now().UTC()
		return app.ExportScanHistory(cmd.Context(), engine.Store(), app.ExportOptions{
			From:      now.Add(-exportWindow),
			To:        now,
			MaxPoints: cfg.ResolveMaxPoints(exportMaxPoints),
			CSVPath:   exportCSV,
			ChartPath: exportChart,
		}, engine.Logger())
	},
}

func init() {
	exportCmd.Flags().DurationVar(&exportWindow, "window", 24*time.Hour, "how far back to export")
	exportCmd.Flags().StringVar(&exportCSV, "csv", "", "CSV output path")
	exportCmd.Flags().StringVar(&exportChart, "chart", "", "PNG chart output path")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "max data points (0 uses config default)")
	rootCmd.AddCommand(exportCmd)
}

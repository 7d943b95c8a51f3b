package cli

import (
	"os"

	"github.com/spf13/cobra"

	"stock-alert-engine/internal/app"
)

var (
	showLimit         int
	showNotifications bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print recent scan executions or notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := app.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		if showNotifications {
			return app.ShowNotifications(cmd.Context(), engine.Store(), showLimit, os.Stdout)
		}
		return app.ShowScans(cmd.Context(), engine.ScanLog(), showLimit, os.Stdout)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "number of entries to display")
	showCmd.Flags().BoolVar(&showNotifications, "notifications", false, "show notifications instead of scans")
	rootCmd.AddCommand(showCmd)
}

package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"stock-alert-engine/internal/app"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single scan and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := app.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		result, err := engine.RunOnce(cmd.Context())
		if err != nil {
			return err
		}

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(result); err != nil {
			return err
		}

		if !result.Success {
			return fmt.Errorf("scan %s failed with %d errors", result.ScanID, len(result.Errors))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

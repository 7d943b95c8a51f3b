package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"stock-alert-engine/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "alertscan",
	Short: "Periodic price alert scanning engine",
	Long: `alertscan evaluates user-defined price alert rules on a fixed
interval, resolves prices through a TTL cache and circuit breaker, and
records notifications with per-day idempotency.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ./config.yaml)")
}

// Execute runs the CLI entrypoint.
func Execute() error {
	return rootCmd.Execute()
}

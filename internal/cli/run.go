package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stock-alert-engine/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scan scheduler and HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		engine, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		engine.Logger().Info().Str("environment", cfg.App.Environment).Msg("alertscan starting")

		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		engine.Logger().Info().Msg("alertscan stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

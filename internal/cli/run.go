package cli

import (
	"fmt"

	"github.com/MrCodeEU/facegate/internal/daemon"
	"github.com/spf13/cobra"
)

func newRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the recognition pipeline",
		Long: `Enrolls the configured roster, then analyses camera frames until interrupted.
Send SIGHUP to reload the match and liveness thresholds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			d, err := daemon.New(cmd.Context(), a.cfg, a.configPath, a.logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := d.Close(); err != nil {
					a.logger.WithError(err).Error("Failed to close daemon")
				}
			}()

			return d.Run(cmd.Context())
		},
	}
}

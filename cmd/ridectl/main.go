// Command ridectl runs the ride coordinator for one rider session and offers
// one-shot commands for matching, feedback and routing.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/carpool-coordinator/internal/config"
	"github.com/example/carpool-coordinator/internal/logging"
)

type app struct {
	cfg    config.ClientConfig
	logger *slog.Logger
	out    io.Writer
}

func newRootCmd(a *app) *cobra.Command {
	var configPath, logLevel string
	root := &cobra.Command{
		Use:           "ridectl",
		Short:         "Carpool ride client: follow a ride through matching, journey and feedback",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				os.Setenv("CARPOOL_CONFIG", configPath)
			}
			cfg, err := config.LoadClientConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			a.cfg = cfg
			a.logger = logging.NewLoggerTo(cmd.ErrOrStderr(), cfg.LogLevel)
			a.out = cmd.OutOrStdout()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides CARPOOL_CONFIG)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		newServeCmd(a),
		newCreateRideCmd(a),
		newMatchesCmd(a),
		newRequestMatchCmd(a),
		newIncomingCmd(a),
		newRespondCmd(a, "confirm"),
		newRespondCmd(a, "reject"),
		newFeedbackCmd(a),
		newGeocodeCmd(a),
		newDistanceCmd(a),
	)
	return root
}

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

package cmd

import (
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/meterhub/p1d/pkg/api"
	"github.com/meterhub/p1d/pkg/session"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the telemetry bridge daemon",
	Long: `Run the background worker that reads the serial stream and the HTTP
status API. The worker reconnects forever; stop it with SIGINT or SIGTERM.

Examples:
  p1d serve --device=/dev/ttyUSB0
  p1d serve --config=/etc/p1d/config.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sup := session.New(session.Config{
			Device:  cfg.Serial.Device,
			Policy:  cfg.DeltaPolicy(),
			Logger:  logger.With().Str("component", "session").Logger(),
			Metrics: session.NewMetrics(prometheus.DefaultRegisterer),
		})
		sup.Start()
		defer sup.Stop()

		srv := api.NewServer(sup, api.ServerConfig{
			Listen: cfg.API.Listen,
			Probe:  func() error { return session.Probe(cfg.Serial.Device) },
		})

		logger.Info().
			Str("device", cfg.Serial.Device).
			Str("listen", cfg.API.Listen).
			Msg("starting p1d")

		err := srv.ListenAndServe(ctx, prometheus.DefaultGatherer)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		logger.Info().Msg("shut down cleanly")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

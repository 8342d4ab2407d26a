package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/meterhub/p1d/pkg/config"
)

var (
	cfg    *config.Config
	logger zerolog.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "p1d",
	Short: "p1d - smart-meter P1 telemetry bridge",
	Long: `p1d reads the binary telemetry stream of a P1 smart-meter companion
device over a 1200-baud serial link, validates every frame against the
previous accepted reading, and publishes accepted snapshots over a small
HTTP API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path != "" {
			loaded, err := config.LoadConfig(path)
			if err != nil {
				return err
			}
			cfg = loaded
		} else {
			cfg = config.DefaultConfig()
		}

		if device, _ := cmd.Flags().GetString("device"); device != "" {
			cfg.Serial.Device = device
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
		if err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).
			With().Timestamp().Logger()
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringP("device", "D", "", "Serial device path (overrides config)")
}

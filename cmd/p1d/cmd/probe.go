package cmd

import (
	"github.com/spf13/cobra"

	"github.com/meterhub/p1d/pkg/session"
)

// probeCmd represents the probe command
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check serial connectivity and exit",
	Long: `Open the configured serial device with the fixed protocol parameters
(1200 baud, 8N1, no flow control), then close it again. Exits non-zero when
the device cannot be opened. Intended for setup validation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := session.Probe(cfg.Serial.Device); err != nil {
			return err
		}
		cmd.Printf("probe ok: %s\n", cfg.Serial.Device)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

package cmd

import (
	"bufio"
	"encoding/hex"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meterhub/p1d/pkg/codec"
	"github.com/meterhub/p1d/pkg/validate"
)

// decodeCmd represents the decode command
var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Decode hex-encoded frames from stdin",
	Long: `Read hex-encoded frames from stdin, one per line, decode and validate
each against the previously accepted line, and print the verdict. Useful for
inspecting captured traffic without hardware.

Example:
  echo 42aaff... | p1d decode`,
	RunE: func(cmd *cobra.Command, args []string) error {
		policyName, _ := cmd.Flags().GetString("delta-policy")
		policy, err := validate.ParsePolicy(policyName)
		if err != nil {
			return err
		}
		validator := validate.Validator{Policy: policy}

		var prev *codec.Snapshot
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			raw, err := hex.DecodeString(line)
			if err != nil {
				cmd.PrintErrf("invalid hex: %v\n", err)
				continue
			}
			snap, err := codec.Decode(raw)
			if err != nil {
				cmd.PrintErrf("decode failed: %v\n", err)
				continue
			}
			if err := validator.Check(snap, prev); err != nil {
				cmd.PrintErrf("rejected: %v\n", err)
				continue
			}

			prev = snap
			cmd.Printf("accepted: device_time=%s tariff=%d delivered_t1=%.3f kWh delivered_t2=%.3f kWh injected_t1=%.3f kWh injected_t2=%.3f kWh gas=%.3f m³\n",
				snap.DeviceTime().Format("2006-01-02T15:04:05Z"),
				snap.Tariff,
				snap.MeterDeliveredT1KWh(),
				snap.MeterDeliveredT2KWh(),
				snap.MeterInjectedT1KWh(),
				snap.MeterInjectedT2KWh(),
				snap.GasVolumeM3(),
			)
		}
		return scanner.Err()
	},
}

func init() {
	rootCmd.AddCommand(decodeCmd)
	decodeCmd.Flags().String("delta-policy", "monotonic", "Continuity policy: monotonic or symmetric")
}

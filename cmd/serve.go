/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"github.com/spf13/cobra"
	"pkt.systems/pslog"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Capture all attached probes until interrupted",
	Long: `Run the probe monitor headless. Probes are discovered by polling and, when
available, udev hotplug events. Every attached probe is captured to
<log-dir>/<device-id>/<YYYY-MM-DD>.log until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := pslog.Ctx(cmd.Context())
		svc, err := newService(cmd, logger)
		if err != nil {
			return err
		}
		return svc.Run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"context"

	"github.com/allbin/probemon/internal/config"
	"github.com/allbin/probemon/internal/service"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "probemon",
	Short: "Capture debug probe serial output and flash firmware",
	Long: `probemon discovers debug probes on the USB bus, captures the serial output of
each one into per-day log files and flashes firmware images through pyOCD.

Capture is paused for the duration of a flash and resumes with the same
line sequence afterwards.

Configuration is read from an optional YAML file (--config), PROBEMON_*
environment variables and the flags below, in increasing precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExecuteContext adds all child commands to the root command and runs it
// with ctx. This is called by main.main().
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// flagKeys maps persistent flags to configuration keys.
var flagKeys = map[string]string{
	"log-dir":  "log.root",
	"pack-dir": "packs.root",
	"baud":     "serial.baud_rate",
	"jobs-db":  "flash.jobs_db",
	"timezone": "log.timezone",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().String("log-dir", "", "root directory of the device logs (default /app/logs)")
	rootCmd.PersistentFlags().String("pack-dir", "", "directory holding CMSIS pack files (default /app/packs)")
	rootCmd.PersistentFlags().IntP("baud", "b", 0, "probe serial baud rate (default 3000000)")
	rootCmd.PersistentFlags().String("jobs-db", "", "SQLite file for flash job history (default in-memory)")
	rootCmd.PersistentFlags().String("timezone", "", "time zone of log timestamps and day files (default Local)")
}

// loadConfig resolves the configuration for cmd. Only flags set on the
// command line override the file and environment.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	var bindings []config.Binding
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			bindings = append(bindings, config.Binding{Key: key, Flag: f})
		}
	}
	return config.Load(cfgFile, bindings...)
}

// newService loads the configuration and builds the service with the
// logger carried by the command context.
func newService(cmd *cobra.Command, logger pslog.Logger) (*service.Service, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return service.New(cmd.Context(), service.Options{Config: cfg, Logger: logger})
}

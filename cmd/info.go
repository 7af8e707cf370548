/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"fmt"

	"github.com/allbin/probemon/internal/device"
	"github.com/allbin/probemon/serial"
	"github.com/spf13/cobra"
)

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info <port>",
	Short: "Display detailed information about a serial port",
	Long: `Display detailed information about a serial port including USB metadata,
and whether probemon treats it as a debug probe.

Examples:
  probemon info /dev/ttyACM0

For USB devices, this displays vendor/product IDs, serial numbers, interface
numbers, and other USB-specific metadata extracted from sysfs.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := serial.GetPortInfo(args[0])
		if err != nil {
			return fmt.Errorf("getting port info: %w", err)
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		sig := device.Signature{VendorIDs: cfg.Probe.VendorIDs, Match: cfg.Probe.Match}

		fmt.Printf("Port Information: %s\n\n", info.Path)
		fmt.Printf("  Name:        %s\n", info.Name)
		fmt.Printf("  Description: %s\n", info.Description)
		if sig.Matches(info) {
			fmt.Printf("  Probe ID:    %s\n", device.DeviceID(info.SerialNumber, info.Path))
		} else {
			fmt.Println("  Probe ID:    (not a probe)")
		}

		if !info.IsUSB() {
			return nil
		}
		fmt.Println("\nUSB Device Information:")
		for _, f := range []struct{ label, value string }{
			{"Vendor ID:   ", info.VendorID},
			{"Product ID:  ", info.ProductID},
			{"Serial:      ", info.SerialNumber},
			{"Interface:   ", info.InterfaceNumber},
			{"Bus:         ", info.BusNumber},
			{"Device:      ", info.DeviceNumber},
			{"Manufacturer:", info.Manufacturer},
			{"Product:     ", info.Product},
		} {
			if f.value != "" {
				fmt.Printf("  %s %s\n", f.label, f.value)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

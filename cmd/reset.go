/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/allbin/probemon/internal/device"
	"github.com/allbin/probemon/serial"
	"github.com/spf13/cobra"
)

// resetCmd represents the reset command
var resetCmd = &cobra.Command{
	Use:   "reset <device-id|port>",
	Short: "Reset a probe at the USB level",
	Long: `Perform a USB-level reset on a probe. This can recover probes that are hung
or unresponsive without physically unplugging them.

The probe re-enumerates after the reset. A running probemon detects the
detach and the re-attach, and capture continues under the same device ID
when the probe reports a USB serial number.

Requirements:
- usbreset utility must be installed (from usbutils package)
- Root/sudo permissions required for USB operations

Examples:
  sudo probemon reset 000440112138         # Reset by device ID
  sudo probemon reset /dev/ttyACM0         # Reset by port path
  sudo probemon reset --serial 000440112138`,
	Args: func(cmd *cobra.Command, args []string) error {
		serialFlag, _ := cmd.Flags().GetString("serial")
		if serialFlag == "" && len(args) != 1 {
			return errors.New("requires either a device ID, a port path or --serial")
		}
		if serialFlag != "" && len(args) > 0 {
			return errors.New("cannot specify both an argument and --serial")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if !serial.IsUSBResetAvailable() {
			fmt.Fprintln(os.Stderr, "Install with: sudo apt-get install usbutils")
			return serial.ErrUSBResetNotAvailable
		}
		ctx := cmd.Context()

		serialFlag, _ := cmd.Flags().GetString("serial")
		var err error
		switch {
		case serialFlag != "":
			fmt.Printf("Resetting USB device with serial: %s\n", serialFlag)
			err = serial.ResetUSBDeviceBySerial(ctx, serialFlag)
		case strings.HasPrefix(args[0], "/"):
			fmt.Printf("Resetting USB device: %s\n", args[0])
			err = serial.ResetUSBDevice(ctx, args[0])
		default:
			var path string
			path, err = probePath(cmd, args[0])
			if err == nil {
				fmt.Printf("Resetting probe %s (%s)\n", args[0], path)
				err = serial.ResetUSBDevice(ctx, path)
			}
		}

		if err != nil {
			if errors.Is(err, serial.ErrUSBInfoNotAvailable) {
				fmt.Fprintln(os.Stderr, "This device does not appear to be a USB device")
			}
			return err
		}

		fmt.Println("USB device reset successfully")
		fmt.Println("Device will re-enumerate (port path may change)")
		return nil
	},
}

// probePath finds the port of an attached probe by device ID.
func probePath(cmd *cobra.Command, id string) (string, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	enum := device.NewSysfsEnumerator(device.Signature{
		VendorIDs: cfg.Probe.VendorIDs,
		Match:     cfg.Probe.Match,
	})
	probes, err := enum.Enumerate(cmd.Context())
	if err != nil {
		return "", err
	}
	for _, p := range probes {
		if p.ID == id {
			return p.Path, nil
		}
	}
	return "", fmt.Errorf("%w: %s", device.ErrDeviceNotFound, id)
}

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().StringP("serial", "s", "", "Reset device by USB serial number")
}

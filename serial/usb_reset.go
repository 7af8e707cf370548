package serial

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// reenumerateDelay is how long a reset device typically needs to come back
const reenumerateDelay = 2 * time.Second

// ResetUSBDevice performs a USB-level reset of the device behind portPath.
// This can recover a probe whose firmware stopped answering without
// unplugging it. The port path may change once the device re-enumerates.
//
// Requires the usbreset utility (usbutils) and root permissions.
func ResetUSBDevice(ctx context.Context, portPath string) error {
	info, err := GetPortInfo(portPath)
	if err != nil {
		return fmt.Errorf("failed to get port info: %w", err)
	}

	if info.BusNumber == "" || info.DeviceNumber == "" {
		return ErrUSBInfoNotAvailable
	}

	if !IsUSBResetAvailable() {
		return ErrUSBResetNotAvailable
	}

	usbPath, err := usbBusPath(info.BusNumber, info.DeviceNumber)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "usbreset", usbPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("usbreset failed: %w (output: %s)", err, string(output))
	}

	select {
	case <-time.After(reenumerateDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// ResetUSBDeviceBySerial resets the USB device with the given serial number.
// Serial numbers survive re-enumeration, port paths do not.
func ResetUSBDeviceBySerial(ctx context.Context, serialNumber string) error {
	ports, err := ListPorts()
	if err != nil {
		return err
	}

	for _, portPath := range ports {
		info, err := GetPortInfo(portPath)
		if err != nil {
			continue
		}
		if info.SerialNumber == serialNumber {
			return ResetUSBDevice(ctx, portPath)
		}
	}

	return fmt.Errorf("device with serial %s not found", serialNumber)
}

// IsUSBResetAvailable checks if usbreset utility is available in PATH
func IsUSBResetAvailable() bool {
	_, err := exec.LookPath("usbreset")
	return err == nil
}

// usbBusPath formats bus and device numbers the way usbreset expects (BBB/DDD)
func usbBusPath(bus, device string) (string, error) {
	b, err := strconv.Atoi(bus)
	if err != nil {
		return "", fmt.Errorf("%w: bus %q", ErrUSBInfoNotAvailable, bus)
	}
	d, err := strconv.Atoi(device)
	if err != nil {
		return "", fmt.Errorf("%w: device %q", ErrUSBInfoNotAvailable, device)
	}
	return fmt.Sprintf("%03d/%03d", b, d), nil
}

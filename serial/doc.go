// Package serial provides raw serial port access and USB port discovery on Linux.
//
// It is the transport probemon captures probe output through: ports are opened
// in raw 8N1 mode at high baud rates with a VTIME based read timeout, so reads
// return periodically even when the probe is silent.
//
// # Basic Usage
//
//	port, err := serial.Open("/dev/ttyACM0",
//	    serial.WithBaudRate(3000000),
//	    serial.WithReadTimeout(100*time.Millisecond),
//	    serial.WithExclusive(),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer port.Close()
//
//	buf := make([]byte, 64*1024)
//	n, err := port.Read(buf) // n == 0 after the read timeout
//
// # Port Discovery
//
// List available serial ports and get USB device metadata from sysfs:
//
//	ports, err := serial.ListPorts()
//	for _, portPath := range ports {
//	    info, _ := serial.GetPortInfo(portPath)
//	    fmt.Printf("%s: %s (VID=%s PID=%s Serial=%s)\n",
//	        info.Path, info.Description, info.VendorID, info.ProductID, info.SerialNumber)
//	}
//
// # USB Device Management
//
// Reset a hung probe without unplugging it:
//
//	err := serial.ResetUSBDevice(ctx, "/dev/ttyACM0")
//	err = serial.ResetUSBDeviceBySerial(ctx, "0440000012345678")
//
// Requires the usbreset utility from usbutils and root permissions.
//
// # Error Handling
//
// Errors are sentinel values checked with errors.Is:
//
//	if errors.Is(err, serial.ErrDeviceInUse) {
//	    // another process holds the port exclusively
//	}
package serial

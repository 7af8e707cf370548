package serial

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// sysfsRoot is where USB metadata is read from; tests point it at a fake tree.
var sysfsRoot = "/sys"

// devDir is scanned by ListPorts.
var devDir = "/dev"

var (
	portPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^ttyUSB\d+$`), // USB serial adapters
		regexp.MustCompile(`^ttyACM\d+$`), // USB CDC/ACM devices (DAPLink, J-Link OB)
		regexp.MustCompile(`^ttyS\d+$`),   // Standard serial ports
		regexp.MustCompile(`^ttyAMA\d+$`), // ARM/Raspberry Pi serial
		regexp.MustCompile(`^ttymxc\d+$`), // i.MX serial ports
		regexp.MustCompile(`^ttyO\d+$`),   // OMAP serial ports
		regexp.MustCompile(`^ttySAC\d+$`), // Samsung serial ports
		regexp.MustCompile(`^ttyTHS\d+$`), // Tegra serial ports
	}
)

// IsPortName reports whether a /dev entry name looks like a serial port.
func IsPortName(name string) bool {
	for _, pattern := range portPatterns {
		if pattern.MatchString(name) {
			return true
		}
	}
	return false
}

// ListPorts returns a sorted list of serial port paths present on the system
func ListPorts() ([]string, error) {
	entries, err := os.ReadDir(devDir)
	if err != nil {
		return nil, err
	}

	var ports []string
	for _, entry := range entries {
		name := entry.Name()
		if !IsPortName(name) {
			continue
		}
		fullPath := filepath.Join(devDir, name)
		if isCharacterDevice(fullPath) {
			ports = append(ports, fullPath)
		}
	}

	sort.Strings(ports)
	return ports, nil
}

// isCharacterDevice checks if the given path is a character device
func isCharacterDevice(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// PortInfo describes a serial port and, for USB ports, the USB device behind it
type PortInfo struct {
	Name            string
	Path            string
	Description     string
	VendorID        string
	ProductID       string
	SerialNumber    string
	Manufacturer    string
	Product         string
	InterfaceNumber string
	BusNumber       string
	DeviceNumber    string
}

// IsUSB reports whether USB metadata was found for the port
func (i *PortInfo) IsUSB() bool {
	return i.VendorID != "" || i.ProductID != ""
}

// GetPortInfo returns detailed information about a specific port
func GetPortInfo(portPath string) (*PortInfo, error) {
	if !isCharacterDevice(portPath) {
		return nil, ErrDeviceNotFound
	}

	name := filepath.Base(portPath)
	info := &PortInfo{
		Name:        name,
		Path:        portPath,
		Description: getPortDescription(name),
	}

	if strings.HasPrefix(name, "ttyUSB") || strings.HasPrefix(name, "ttyACM") {
		enrichUSBInfo(info)
	}

	return info, nil
}

// getPortDescription provides human-readable descriptions for different port types
func getPortDescription(name string) string {
	switch {
	case strings.HasPrefix(name, "ttyUSB"):
		return "USB Serial Port"
	case strings.HasPrefix(name, "ttyACM"):
		return "USB CDC/ACM Device"
	case strings.HasPrefix(name, "ttyAMA"):
		return "ARM Serial Port"
	case strings.HasPrefix(name, "ttymxc"):
		return "i.MX Serial Port"
	case strings.HasPrefix(name, "ttySAC"):
		return "Samsung Serial Port"
	case strings.HasPrefix(name, "ttyTHS"):
		return "Tegra Serial Port"
	case strings.HasPrefix(name, "ttyO"):
		return "OMAP Serial Port"
	case strings.HasPrefix(name, "ttyS"):
		return "Standard Serial Port"
	default:
		return "Serial Port"
	}
}

// enrichUSBInfo reads USB metadata from sysfs.
//
// /sys/class/tty/<name>/device resolves to the USB interface directory;
// its parent is the USB device holding idVendor, idProduct, serial and friends.
// Missing files leave the corresponding fields empty.
func enrichUSBInfo(info *PortInfo) {
	devicePath := filepath.Join(sysfsRoot, "class", "tty", info.Name, "device")
	interfacePath, err := filepath.EvalSymlinks(devicePath)
	if err != nil {
		return
	}

	// ttyUSB adapters expose an extra ttyUSBn directory below the interface
	if filepath.Base(interfacePath) == info.Name {
		interfacePath = filepath.Dir(interfacePath)
	}
	info.InterfaceNumber = readSysfsFile(filepath.Join(interfacePath, "bInterfaceNumber"))

	usbDevicePath := filepath.Dir(interfacePath)
	info.VendorID = strings.ToLower(readSysfsFile(filepath.Join(usbDevicePath, "idVendor")))
	info.ProductID = strings.ToLower(readSysfsFile(filepath.Join(usbDevicePath, "idProduct")))
	info.SerialNumber = readSysfsFile(filepath.Join(usbDevicePath, "serial"))
	info.Manufacturer = readSysfsFile(filepath.Join(usbDevicePath, "manufacturer"))
	info.Product = readSysfsFile(filepath.Join(usbDevicePath, "product"))
	info.BusNumber = readSysfsFile(filepath.Join(usbDevicePath, "busnum"))
	info.DeviceNumber = readSysfsFile(filepath.Join(usbDevicePath, "devnum"))

	if info.Product != "" {
		info.Description = info.Product
	}
}

// readSysfsFile returns the trimmed content of a sysfs attribute, or "" when unreadable
func readSysfsFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

package serial

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestListPorts(t *testing.T) {
	ports, err := ListPorts()
	if err != nil {
		t.Errorf("ListPorts failed: %v", err)
	}

	for _, port := range ports {
		if !strings.HasPrefix(port, "/dev/") {
			t.Errorf("Port path doesn't start with /dev/: %s", port)
		}
		if !isCharacterDevice(port) {
			t.Errorf("Port is not a character device: %s", port)
		}
	}

	for i := 1; i < len(ports); i++ {
		if ports[i-1] > ports[i] {
			t.Errorf("Ports are not sorted: %s > %s", ports[i-1], ports[i])
		}
	}
}

func TestIsCharacterDevice(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{"/dev/null", true},
		{"/dev/zero", true},
		{os.TempDir(), false},
		{"/nonexistent", false},
	}

	for _, test := range tests {
		result := isCharacterDevice(test.path)
		if result != test.expected {
			t.Errorf("isCharacterDevice(%s) = %v, expected %v", test.path, result, test.expected)
		}
	}
}

func TestGetPortDescription(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"ttyUSB0", "USB Serial Port"},
		{"ttyACM0", "USB CDC/ACM Device"},
		{"ttyS0", "Standard Serial Port"},
		{"ttyAMA0", "ARM Serial Port"},
		{"ttymxc0", "i.MX Serial Port"},
		{"ttyO0", "OMAP Serial Port"},
		{"ttySAC0", "Samsung Serial Port"},
		{"ttyTHS0", "Tegra Serial Port"},
		{"unknown", "Serial Port"},
	}

	for _, test := range tests {
		result := getPortDescription(test.name)
		if result != test.expected {
			t.Errorf("getPortDescription(%s) = %s, expected %s", test.name, result, test.expected)
		}
	}
}

func TestGetPortInfo(t *testing.T) {
	info, err := GetPortInfo("/dev/null")
	if err != nil {
		t.Fatalf("GetPortInfo failed for /dev/null: %v", err)
	}
	if info.Name != "null" {
		t.Errorf("Expected name 'null', got '%s'", info.Name)
	}
	if info.Path != "/dev/null" {
		t.Errorf("Expected path '/dev/null', got '%s'", info.Path)
	}
	if info.IsUSB() {
		t.Error("/dev/null should not report USB metadata")
	}

	_, err = GetPortInfo("/dev/nonexistent")
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Expected ErrDeviceNotFound, got %v", err)
	}
}

func TestIsPortName(t *testing.T) {
	tests := []struct {
		name        string
		shouldMatch bool
	}{
		{"ttyUSB0", true},
		{"ttyUSB12", true},
		{"ttyACM0", true},
		{"ttyS0", true},
		{"ttyAMA0", true},
		{"tty1", false},
		{"console", false},
		{"ptmx", false},
		{"ttyACM", false},
		{"random", false},
	}

	for _, tt := range tests {
		if got := IsPortName(tt.name); got != tt.shouldMatch {
			t.Errorf("IsPortName(%q) = %v, want %v", tt.name, got, tt.shouldMatch)
		}
	}
}

func TestListPortsCustomDevDir(t *testing.T) {
	dir := t.TempDir()
	// Regular files are not character devices and must be skipped.
	for _, name := range []string{"ttyACM0", "ttyUSB0", "null"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	orig := devDir
	devDir = dir
	defer func() { devDir = orig }()

	ports, err := ListPorts()
	if err != nil {
		t.Fatalf("ListPorts: %v", err)
	}
	if len(ports) != 0 {
		t.Errorf("ListPorts = %v, want none", ports)
	}
}

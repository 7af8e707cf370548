package device

import (
	"context"
	"errors"
	"testing"

	"github.com/allbin/probemon/serial"
)

func TestSignatureMatches(t *testing.T) {
	sig := Signature{VendorIDs: []string{"0d28"}, Match: "DAP"}
	tests := []struct {
		name string
		info *serial.PortInfo
		want bool
	}{
		{"vendor match", &serial.PortInfo{VendorID: "0D28", ProductID: "0204"}, true},
		{"product match", &serial.PortInfo{VendorID: "1366", ProductID: "0105", Product: "CMSIS-DAP v2"}, true},
		{"description match", &serial.PortInfo{VendorID: "c251", ProductID: "f00a", Description: "LPC-Link dap"}, true},
		{"ftdi", &serial.PortInfo{VendorID: "0403", ProductID: "6001", Product: "FT232R USB UART"}, false},
		{"not usb", &serial.PortInfo{Description: "DAP lookalike"}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := sig.Matches(tt.info); got != tt.want {
			t.Errorf("%s: Matches = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDeviceID(t *testing.T) {
	tests := []struct {
		serial, path, want string
	}{
		{"0440000012345678", "/dev/ttyACM0", "0440000012345678"},
		{"ABC:12/34 x", "/dev/ttyACM0", "ABC_12_34_x"},
		{"", "/dev/ttyACM3", "ttyACM3"},
		{"", "ttyUSB0", "ttyUSB0"},
	}
	for _, tt := range tests {
		if got := DeviceID(tt.serial, tt.path); got != tt.want {
			t.Errorf("DeviceID(%q, %q) = %q, want %q", tt.serial, tt.path, got, tt.want)
		}
	}
}

func TestSysfsEnumerator(t *testing.T) {
	ports := map[string]*serial.PortInfo{
		"/dev/ttyACM0": {Name: "ttyACM0", Path: "/dev/ttyACM0", VendorID: "0d28", ProductID: "0204", SerialNumber: "B-2"},
		"/dev/ttyACM1": {Name: "ttyACM1", Path: "/dev/ttyACM1", VendorID: "0d28", ProductID: "0204", SerialNumber: "B-2"},
		"/dev/ttyACM2": {Name: "ttyACM2", Path: "/dev/ttyACM2", VendorID: "0d28", ProductID: "0204", SerialNumber: "A-1"},
		"/dev/ttyUSB0": {Name: "ttyUSB0", Path: "/dev/ttyUSB0", VendorID: "0403", ProductID: "6001"},
		"/dev/ttyS0":   {Name: "ttyS0", Path: "/dev/ttyS0"},
	}
	e := &SysfsEnumerator{
		Signature: Signature{VendorIDs: []string{"0d28"}},
		ListPorts: func() ([]string, error) {
			return []string{"/dev/ttyS0", "/dev/ttyUSB0", "/dev/ttyACM2", "/dev/ttyACM1", "/dev/ttyACM0", "/dev/ttyACM9"}, nil
		},
		PortInfo: func(path string) (*serial.PortInfo, error) {
			if info, ok := ports[path]; ok {
				return info, nil
			}
			return nil, serial.ErrDeviceNotFound
		},
	}

	got, err := e.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 probes, got %+v", got)
	}
	if got[0].ID != "A-1" || got[0].Path != "/dev/ttyACM2" {
		t.Errorf("first probe = %+v", got[0])
	}
	if got[1].ID != "B-2" || got[1].Path != "/dev/ttyACM0" {
		t.Errorf("composite probe should keep its first port, got %+v", got[1])
	}
}

func TestSysfsEnumeratorListError(t *testing.T) {
	boom := errors.New("readdir failed")
	e := &SysfsEnumerator{ListPorts: func() ([]string, error) { return nil, boom }}
	if _, err := e.Enumerate(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Enumerate error = %v, want %v", err, boom)
	}
}

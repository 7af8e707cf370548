package device

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/allbin/probemon/serial"
)

// Enumerator lists the probes currently attached.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]Info, error)
}

// EnumeratorFunc adapts a function to the Enumerator interface.
type EnumeratorFunc func(ctx context.Context) ([]Info, error)

// Enumerate calls f(ctx).
func (f EnumeratorFunc) Enumerate(ctx context.Context) ([]Info, error) {
	return f(ctx)
}

// Signature decides which USB serial ports are probes: a vendor ID on the
// allow-list, or a product/description containing Match.
type Signature struct {
	VendorIDs []string
	Match     string
}

// Matches reports whether the port looks like a probe.
func (s Signature) Matches(info *serial.PortInfo) bool {
	if info == nil || !info.IsUSB() {
		return false
	}
	for _, vid := range s.VendorIDs {
		if strings.EqualFold(vid, info.VendorID) {
			return true
		}
	}
	if s.Match == "" {
		return false
	}
	match := strings.ToLower(s.Match)
	return strings.Contains(strings.ToLower(info.Product), match) ||
		strings.Contains(strings.ToLower(info.Description), match)
}

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// DeviceID derives a stable, filesystem-safe identifier: the USB serial
// number when the probe reports one, otherwise the port's base name.
func DeviceID(serialNumber, path string) string {
	if serialNumber != "" {
		return unsafeIDChars.ReplaceAllString(serialNumber, "_")
	}
	name := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		name = path[i+1:]
	}
	return unsafeIDChars.ReplaceAllString(name, "_")
}

// SysfsEnumerator finds probes among the serial ports using sysfs metadata.
type SysfsEnumerator struct {
	Signature Signature

	// ListPorts and PortInfo default to the serial package.
	ListPorts func() ([]string, error)
	PortInfo  func(path string) (*serial.PortInfo, error)
}

// NewSysfsEnumerator returns an enumerator for ports matching sig.
func NewSysfsEnumerator(sig Signature) *SysfsEnumerator {
	return &SysfsEnumerator{
		Signature: sig,
		ListPorts: serial.ListPorts,
		PortInfo:  serial.GetPortInfo,
	}
}

// Enumerate returns matching probes sorted by ID. A probe exposing several
// serial interfaces under one serial number is reported once, by its first port.
func (e *SysfsEnumerator) Enumerate(ctx context.Context) ([]Info, error) {
	ports, err := e.ListPorts()
	if err != nil {
		return nil, err
	}
	sort.Strings(ports)

	seen := make(map[string]bool)
	var out []Info
	for _, path := range ports {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pi, err := e.PortInfo(path)
		if err != nil || !e.Signature.Matches(pi) {
			continue
		}
		id := DeviceID(pi.SerialNumber, pi.Path)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, Info{
			ID:           id,
			Path:         pi.Path,
			VendorID:     pi.VendorID,
			ProductID:    pi.ProductID,
			SerialNumber: pi.SerialNumber,
			Manufacturer: pi.Manufacturer,
			Product:      pi.Product,
			Description:  pi.Description,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

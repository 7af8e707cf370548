// Package config holds probemon's startup configuration.
//
// Configuration is fixed at process start: a Config value is built once by
// Load and passed down to every component.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete probemon configuration.
type Config struct {
	Serial    SerialConfig    `mapstructure:"serial"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Log       LogConfig       `mapstructure:"log"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Packs     PacksConfig     `mapstructure:"packs"`
	Flash     FlashConfig     `mapstructure:"flash"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
}

// SerialConfig configures how probe ports are opened.
type SerialConfig struct {
	BaudRate    int           `mapstructure:"baud_rate"`
	ReadBuffer  int           `mapstructure:"read_buffer"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// ProbeConfig is the signature a USB serial port must match to be treated as a probe.
type ProbeConfig struct {
	VendorIDs []string `mapstructure:"vendor_ids"`
	Match     string   `mapstructure:"match"`
}

// RegistryConfig controls device discovery.
type RegistryConfig struct {
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	Hotplug      bool          `mapstructure:"hotplug"`
}

// LogConfig controls the on-disk capture log.
type LogConfig struct {
	Root          string `mapstructure:"root"`
	Timezone      string `mapstructure:"timezone"`
	Fsync         bool   `mapstructure:"fsync"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// Location resolves Timezone. Callers get a validated value from Load.
func (c LogConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// CaptureConfig tunes the per-device capture worker.
type CaptureConfig struct {
	QueueDepth   int           `mapstructure:"queue_depth"`
	FlushAfter   time.Duration `mapstructure:"flush_after"`
	MaxLine      int           `mapstructure:"max_line"`
	PauseTimeout time.Duration `mapstructure:"pause_timeout"`
}

// PacksConfig locates device pack files.
type PacksConfig struct {
	Root string `mapstructure:"root"`
}

// FlashConfig holds flash tool defaults.
type FlashConfig struct {
	Tool        string        `mapstructure:"tool"`
	Target      string        `mapstructure:"target"`
	Frequency   string        `mapstructure:"frequency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	OutputLines int           `mapstructure:"output_lines"`
	JobsDB      string        `mapstructure:"jobs_db"`
}

// BroadcastConfig sizes live subscriber queues.
type BroadcastConfig struct {
	QueueDepth int `mapstructure:"queue_depth"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Serial: SerialConfig{
			BaudRate:    3000000,
			ReadBuffer:  64 * 1024,
			ReadTimeout: 100 * time.Millisecond,
		},
		Probe: ProbeConfig{
			VendorIDs: []string{"0d28"},
			Match:     "DAP",
		},
		Registry: RegistryConfig{
			ScanInterval: 10 * time.Second,
			Hotplug:      true,
		},
		Log: LogConfig{
			Root:     "/app/logs",
			Timezone: "Local",
		},
		Capture: CaptureConfig{
			QueueDepth:   4096,
			FlushAfter:   250 * time.Millisecond,
			MaxLine:      64 * 1024,
			PauseTimeout: 5 * time.Second,
		},
		Packs: PacksConfig{
			Root: "/app/packs",
		},
		Flash: FlashConfig{
			Tool:        "pyocd",
			Target:      "EFR32FG28B322F1024IM48",
			Frequency:   "20M",
			Timeout:     180 * time.Second,
			OutputLines: 2000,
		},
		Broadcast: BroadcastConfig{
			QueueDepth: 5000,
		},
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Serial.BaudRate <= 0:
		return fmt.Errorf("serial.baud_rate must be positive, got %d", c.Serial.BaudRate)
	case c.Serial.ReadBuffer <= 0:
		return fmt.Errorf("serial.read_buffer must be positive, got %d", c.Serial.ReadBuffer)
	case c.Serial.ReadTimeout <= 0 || c.Serial.ReadTimeout > 25500*time.Millisecond || c.Serial.ReadTimeout%(100*time.Millisecond) != 0:
		return fmt.Errorf("serial.read_timeout must be a multiple of 100ms up to 25.5s, got %s", c.Serial.ReadTimeout)
	case len(c.Probe.VendorIDs) == 0 && strings.TrimSpace(c.Probe.Match) == "":
		return fmt.Errorf("probe.vendor_ids or probe.match is required")
	case c.Registry.ScanInterval <= 0:
		return fmt.Errorf("registry.scan_interval must be positive, got %s", c.Registry.ScanInterval)
	case strings.TrimSpace(c.Log.Root) == "":
		return fmt.Errorf("log.root is required")
	case c.Log.RetentionDays < 0:
		return fmt.Errorf("log.retention_days must not be negative")
	case c.Capture.QueueDepth <= 0:
		return fmt.Errorf("capture.queue_depth must be positive, got %d", c.Capture.QueueDepth)
	case c.Capture.FlushAfter <= 0:
		return fmt.Errorf("capture.flush_after must be positive, got %s", c.Capture.FlushAfter)
	case c.Capture.MaxLine <= 0:
		return fmt.Errorf("capture.max_line must be positive, got %d", c.Capture.MaxLine)
	case c.Capture.PauseTimeout <= 0:
		return fmt.Errorf("capture.pause_timeout must be positive, got %s", c.Capture.PauseTimeout)
	case strings.TrimSpace(c.Flash.Tool) == "":
		return fmt.Errorf("flash.tool is required")
	case strings.TrimSpace(c.Flash.Target) == "":
		return fmt.Errorf("flash.target is required")
	case c.Flash.Timeout <= 0:
		return fmt.Errorf("flash.timeout must be positive, got %s", c.Flash.Timeout)
	case c.Flash.OutputLines <= 0:
		return fmt.Errorf("flash.output_lines must be positive, got %d", c.Flash.OutputLines)
	case c.Broadcast.QueueDepth <= 0:
		return fmt.Errorf("broadcast.queue_depth must be positive, got %d", c.Broadcast.QueueDepth)
	}
	if _, err := time.LoadLocation(c.Log.Timezone); err != nil {
		return fmt.Errorf("log.timezone: %w", err)
	}
	return nil
}

package config

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PROBEMON_SERIAL_BAUD_RATE.
const EnvPrefix = "PROBEMON"

// legacyEnv maps environment variables used by earlier deployments.
var legacyEnv = map[string]string{
	"log.root":         "LOG_DIR",
	"serial.baud_rate": "BAUD_RATE",
	"packs.root":       "PACK_DIR",
}

// Binding ties a configuration key to a command line flag.
type Binding struct {
	Key  string
	Flag *pflag.Flag
}

// Load reads configuration from defaults, the optional YAML file at path,
// the environment and finally the bound flags, in increasing precedence.
func Load(path string, bindings ...Binding) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("serial.baud_rate", cfg.Serial.BaudRate)
	v.SetDefault("serial.read_buffer", cfg.Serial.ReadBuffer)
	v.SetDefault("serial.read_timeout", cfg.Serial.ReadTimeout)
	v.SetDefault("probe.vendor_ids", cfg.Probe.VendorIDs)
	v.SetDefault("probe.match", cfg.Probe.Match)
	v.SetDefault("registry.scan_interval", cfg.Registry.ScanInterval)
	v.SetDefault("registry.hotplug", cfg.Registry.Hotplug)
	v.SetDefault("log.root", cfg.Log.Root)
	v.SetDefault("log.timezone", cfg.Log.Timezone)
	v.SetDefault("log.fsync", cfg.Log.Fsync)
	v.SetDefault("log.retention_days", cfg.Log.RetentionDays)
	v.SetDefault("capture.queue_depth", cfg.Capture.QueueDepth)
	v.SetDefault("capture.flush_after", cfg.Capture.FlushAfter)
	v.SetDefault("capture.max_line", cfg.Capture.MaxLine)
	v.SetDefault("capture.pause_timeout", cfg.Capture.PauseTimeout)
	v.SetDefault("packs.root", cfg.Packs.Root)
	v.SetDefault("flash.tool", cfg.Flash.Tool)
	v.SetDefault("flash.target", cfg.Flash.Target)
	v.SetDefault("flash.frequency", cfg.Flash.Frequency)
	v.SetDefault("flash.timeout", cfg.Flash.Timeout)
	v.SetDefault("flash.output_lines", cfg.Flash.OutputLines)
	v.SetDefault("flash.jobs_db", cfg.Flash.JobsDB)
	v.SetDefault("broadcast.queue_depth", cfg.Broadcast.QueueDepth)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return Config{}, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, err
			}
		}
	}

	for _, b := range bindings {
		if b.Flag == nil {
			continue
		}
		if err := v.BindPFlag(b.Key, b.Flag); err != nil {
			return Config{}, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	for i, id := range cfg.Probe.VendorIDs {
		cfg.Probe.VendorIDs[i] = strings.ToLower(strings.TrimSpace(id))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

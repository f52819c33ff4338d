package config

import (
	"fmt"
	"strings"
)

// Validate checks that the Config contains valid values.
// Returns an error describing the first invalid field found.
func (c Config) Validate() error {
	if c.UpdateIntervalMsec < 1 {
		return fmt.Errorf("config: UpdateIntervalMsec must be >= 1, got %d", c.UpdateIntervalMsec)
	}

	switch c.Source {
	case SourceNVML:
	case SourceSysfs:
		if c.SysfsRoot == "" {
			return fmt.Errorf("config: GPUMON_SYSFS_ROOT is required for the sysfs source")
		}
	default:
		return fmt.Errorf("config: Source must be %q or %q, got %q", SourceNVML, SourceSysfs, c.Source)
	}

	if strings.TrimSpace(c.Category) == "" {
		return fmt.Errorf("config: GPUMON_CATEGORY is required")
	}

	if c.HealthPort < 1 || c.HealthPort > 65535 {
		return fmt.Errorf("config: HealthPort must be 1-65535, got %d", c.HealthPort)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: LogLevel must be debug, info, warn or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: LogFormat must be text or json, got %q", c.LogFormat)
	}

	return nil
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Telemetry source names accepted in Source.
const (
	SourceNVML  = "nvml"
	SourceSysfs = "sysfs"
)

// Config holds all gpumon configuration values. Field tags name the keys
// of the optional YAML config file.
type Config struct {
	// Core
	UpdateIntervalMsec    int  `yaml:"update_interval_msec"`       // GPUMON_UPDATE_INTERVAL_MSEC, default: 1000
	UsePCIeIDInDeviceName bool `yaml:"use_pcie_id_in_device_name"` // GPUMON_USE_PCIE_ID_IN_DEVICE_NAME, default: false

	// Telemetry source
	Source    string `yaml:"source"`     // GPUMON_SOURCE, default: "nvml"
	SysfsRoot string `yaml:"sysfs_root"` // GPUMON_SYSFS_ROOT, default: "/sys"

	// Publishing
	Category string `yaml:"category"` // GPUMON_CATEGORY, default: "GPU"

	// Serving
	HealthPort     int  `yaml:"health_port"`     // GPUMON_HEALTH_PORT, default: 9445
	DebugEndpoints bool `yaml:"debug_endpoints"` // GPUMON_DEBUG_ENDPOINTS, default: false

	// Logging
	LogLevel  string `yaml:"log_level"`  // GPUMON_LOG_LEVEL, default: "info"
	LogFormat string `yaml:"log_format"` // GPUMON_LOG_FORMAT, default: "text"

	Version string `yaml:"-"`
}

// Defaults returns a Config with every field at its default.
func Defaults() Config {
	return Config{
		UpdateIntervalMsec: 1000,
		Source:             SourceNVML,
		SysfsRoot:          "/sys",
		Category:           "GPU",
		HealthPort:         9445,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// UpdateInterval returns the configured interval as a duration.
func (c Config) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalMsec) * time.Millisecond
}

// Load builds a Config from defaults, then the YAML file at path (skipped
// when path is empty), then GPUMON_* environment variables. Later layers
// win. When path is empty GPUMON_CONFIG_FILE is consulted.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("GPUMON_CONFIG_FILE")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.UpdateIntervalMsec = parseInt("GPUMON_UPDATE_INTERVAL_MSEC", cfg.UpdateIntervalMsec)
	cfg.UsePCIeIDInDeviceName = parseBool("GPUMON_USE_PCIE_ID_IN_DEVICE_NAME", cfg.UsePCIeIDInDeviceName)
	cfg.Source = strings.ToLower(envOrDefault("GPUMON_SOURCE", cfg.Source))
	cfg.SysfsRoot = envOrDefault("GPUMON_SYSFS_ROOT", cfg.SysfsRoot)
	cfg.Category = envOrDefault("GPUMON_CATEGORY", cfg.Category)
	cfg.HealthPort = parseInt("GPUMON_HEALTH_PORT", cfg.HealthPort)
	cfg.DebugEndpoints = parseBool("GPUMON_DEBUG_ENDPOINTS", cfg.DebugEndpoints)
	cfg.LogLevel = strings.ToLower(envOrDefault("GPUMON_LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(envOrDefault("GPUMON_LOG_FORMAT", cfg.LogFormat))

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty file decodes to io.EOF and leaves the defaults alone.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

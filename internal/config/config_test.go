package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to clear all GPUMON_ env vars before each test
func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"GPUMON_CONFIG_FILE",
		"GPUMON_UPDATE_INTERVAL_MSEC",
		"GPUMON_USE_PCIE_ID_IN_DEVICE_NAME",
		"GPUMON_SOURCE",
		"GPUMON_SYSFS_ROOT",
		"GPUMON_CATEGORY",
		"GPUMON_HEALTH_PORT",
		"GPUMON_DEBUG_ENDPOINTS",
		"GPUMON_LOG_LEVEL",
		"GPUMON_LOG_FORMAT",
	}
	for _, v := range envVars {
		// Setenv registers the restore; Unsetenv makes the var truly absent.
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gpumon.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.UpdateIntervalMsec != 1000 {
		t.Errorf("UpdateIntervalMsec = %d, want 1000", cfg.UpdateIntervalMsec)
	}
	if cfg.UpdateInterval() != time.Second {
		t.Errorf("UpdateInterval() = %v, want 1s", cfg.UpdateInterval())
	}
	if cfg.UsePCIeIDInDeviceName {
		t.Error("UsePCIeIDInDeviceName should default to false")
	}
	if cfg.Source != SourceNVML {
		t.Errorf("Source = %q, want %q", cfg.Source, SourceNVML)
	}
	if cfg.SysfsRoot != "/sys" {
		t.Errorf("SysfsRoot = %q, want /sys", cfg.SysfsRoot)
	}
	if cfg.Category != "GPU" {
		t.Errorf("Category = %q, want GPU", cfg.Category)
	}
	if cfg.HealthPort != 9445 {
		t.Errorf("HealthPort = %d, want 9445", cfg.HealthPort)
	}
	if cfg.DebugEndpoints {
		t.Error("DebugEndpoints should default to false")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want text", cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got: %v", err)
	}
}

func TestLoad_AllEnvVars(t *testing.T) {
	clearEnv(t)
	t.Setenv("GPUMON_UPDATE_INTERVAL_MSEC", "250")
	t.Setenv("GPUMON_USE_PCIE_ID_IN_DEVICE_NAME", "true")
	t.Setenv("GPUMON_SOURCE", "SYSFS")
	t.Setenv("GPUMON_SYSFS_ROOT", "/tmp/sys")
	t.Setenv("GPUMON_CATEGORY", "Accelerators")
	t.Setenv("GPUMON_HEALTH_PORT", "9090")
	t.Setenv("GPUMON_DEBUG_ENDPOINTS", "1")
	t.Setenv("GPUMON_LOG_LEVEL", "DEBUG")
	t.Setenv("GPUMON_LOG_FORMAT", "json")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.UpdateIntervalMsec != 250 {
		t.Errorf("UpdateIntervalMsec = %d, want 250", cfg.UpdateIntervalMsec)
	}
	if !cfg.UsePCIeIDInDeviceName {
		t.Error("UsePCIeIDInDeviceName = false, want true")
	}
	if cfg.Source != SourceSysfs {
		t.Errorf("Source = %q, want %q", cfg.Source, SourceSysfs)
	}
	if cfg.SysfsRoot != "/tmp/sys" {
		t.Errorf("SysfsRoot = %q, want /tmp/sys", cfg.SysfsRoot)
	}
	if cfg.Category != "Accelerators" {
		t.Errorf("Category = %q, want Accelerators", cfg.Category)
	}
	if cfg.HealthPort != 9090 {
		t.Errorf("HealthPort = %d, want 9090", cfg.HealthPort)
	}
	if !cfg.DebugEndpoints {
		t.Error("DebugEndpoints = false, want true")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
}

func TestLoad_UnparseableEnvKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("GPUMON_UPDATE_INTERVAL_MSEC", "fast")
	t.Setenv("GPUMON_DEBUG_ENDPOINTS", "maybe")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UpdateIntervalMsec != 1000 {
		t.Errorf("UpdateIntervalMsec = %d, want 1000", cfg.UpdateIntervalMsec)
	}
	if cfg.DebugEndpoints {
		t.Error("DebugEndpoints = true, want false")
	}
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
update_interval_msec: 500
use_pcie_id_in_device_name: true
category: Render
health_port: 9500
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UpdateIntervalMsec != 500 {
		t.Errorf("UpdateIntervalMsec = %d, want 500", cfg.UpdateIntervalMsec)
	}
	if !cfg.UsePCIeIDInDeviceName {
		t.Error("UsePCIeIDInDeviceName = false, want true")
	}
	if cfg.Category != "Render" {
		t.Errorf("Category = %q, want Render", cfg.Category)
	}
	if cfg.HealthPort != 9500 {
		t.Errorf("HealthPort = %d, want 9500", cfg.HealthPort)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Source != SourceNVML {
		t.Errorf("Source = %q, want %q", cfg.Source, SourceNVML)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "update_interval_msec: 500\ncategory: Render\n")
	t.Setenv("GPUMON_UPDATE_INTERVAL_MSEC", "2000")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.UpdateIntervalMsec != 2000 {
		t.Errorf("UpdateIntervalMsec = %d, want 2000 (env wins)", cfg.UpdateIntervalMsec)
	}
	if cfg.Category != "Render" {
		t.Errorf("Category = %q, want Render", cfg.Category)
	}
}

func TestLoad_FileFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("GPUMON_CONFIG_FILE", writeFile(t, "source: sysfs\n"))

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Source != SourceSysfs {
		t.Errorf("Source = %q, want %q", cfg.Source, SourceSysfs)
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(writeFile(t, ""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg != Defaults() {
		t.Errorf("empty file should leave defaults, got %+v", cfg)
	}
}

func TestLoad_FileErrors(t *testing.T) {
	clearEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file, got nil")
	}
	if _, err := Load(writeFile(t, "update_interval_msec: [1, 2]\n")); err == nil {
		t.Error("expected error for malformed file, got nil")
	}
	if _, err := Load(writeFile(t, "refresh_rate: 5\n")); err == nil {
		t.Error("expected error for unknown key, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"minimum interval", func(c *Config) { c.UpdateIntervalMsec = 1 }, true},
		{"zero interval", func(c *Config) { c.UpdateIntervalMsec = 0 }, false},
		{"negative interval", func(c *Config) { c.UpdateIntervalMsec = -10 }, false},
		{"sysfs source", func(c *Config) { c.Source = SourceSysfs }, true},
		{"sysfs without root", func(c *Config) { c.Source = SourceSysfs; c.SysfsRoot = "" }, false},
		{"unknown source", func(c *Config) { c.Source = "dcgm" }, false},
		{"blank category", func(c *Config) { c.Category = "  " }, false},
		{"port zero", func(c *Config) { c.HealthPort = 0 }, false},
		{"port too high", func(c *Config) { c.HealthPort = 70000 }, false},
		{"warn level", func(c *Config) { c.LogLevel = "warn" }, true},
		{"bad level", func(c *Config) { c.LogLevel = "trace" }, false},
		{"json format", func(c *Config) { c.LogFormat = "json" }, true},
		{"bad format", func(c *Config) { c.LogFormat = "logfmt" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

//go:build !linux

package sysfs

// amdgpuStats is empty off Linux; only hwmon files are read.
func (s *Source) amdgpuStats() map[string]amdgpuCard { return nil }

//go:build linux

package sysfs

import (
	"log/slog"

	procsysfs "github.com/prometheus/procfs/sysfs"
)

// amdgpuStats returns the amdgpu card attributes keyed by card name
// ("card0"). procfs only globs card0 through card9 and returns zeroed entries
// for other drivers; those are dropped here since an amdgpu card always
// reports VRAM. A tree procfs cannot parse yields no stats rather than an
// error, so hwmon sensors still work.
func (s *Source) amdgpuStats() map[string]amdgpuCard {
	fs, err := procsysfs.NewFS(s.root)
	if err != nil {
		slog.Debug("sysfs: opening sysfs for amdgpu stats failed", "root", s.root, "error", err)
		return nil
	}
	stats, err := fs.ClassDRMCardAMDGPUStats()
	if err != nil {
		slog.Debug("sysfs: reading amdgpu stats failed", "root", s.root, "error", err)
		return nil
	}
	out := make(map[string]amdgpuCard, len(stats))
	for _, st := range stats {
		if st.MemoryVRAMSize == 0 {
			continue
		}
		out[st.Name] = amdgpuCard{
			busyPercent: st.GPUBusyPercent,
			vramTotal:   st.MemoryVRAMSize,
			vramUsed:    st.MemoryVRAMUsed,
			uniqueID:    st.UniqueID,
		}
	}
	return out
}

// Package nvml implements telemetry.Source on top of the NVIDIA management
// library via go-nvml.
package nvml

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/kubeadapt/gpumon/internal/telemetry"
)

// library is the subset of the NVML entry points the source needs.
type library interface {
	Init() nvml.Return
	Shutdown() nvml.Return
	DeviceGetCount() (int, nvml.Return)
	DeviceGetHandleByIndex(index int) (device, nvml.Return)
}

// device is the subset of nvml.Device the source reads.
type device interface {
	GetName() (string, nvml.Return)
	GetUUID() (string, nvml.Return)
	GetPciInfo() (nvml.PciInfo, nvml.Return)
	GetUtilizationRates() (nvml.Utilization, nvml.Return)
	GetMemoryInfo() (nvml.Memory, nvml.Return)
	GetFanSpeed() (uint32, nvml.Return)
	GetPowerUsage() (uint32, nvml.Return)
	GetClockInfo(clockType nvml.ClockType) (uint32, nvml.Return)
	GetTemperature(sensor nvml.TemperatureSensors) (uint32, nvml.Return)
}

// systemLibrary forwards to the process-wide NVML bindings.
type systemLibrary struct{}

func (systemLibrary) Init() nvml.Return     { return nvml.Init() }
func (systemLibrary) Shutdown() nvml.Return { return nvml.Shutdown() }

func (systemLibrary) DeviceGetCount() (int, nvml.Return) { return nvml.DeviceGetCount() }

func (systemLibrary) DeviceGetHandleByIndex(index int) (device, nvml.Return) {
	return nvml.DeviceGetHandleByIndex(index)
}

// Source reads GPU telemetry from NVML. NVML is not assumed to be reentrant,
// so all calls are serialized.
type Source struct {
	lib library

	mu       sync.Mutex
	shutdown bool
}

// Open initializes NVML and returns a ready Source. It fails with
// telemetry.ErrUnavailable when the library cannot be loaded.
func Open() (*Source, error) {
	return open(systemLibrary{})
}

func open(lib library) (*Source, error) {
	if ret := lib.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("%w: nvml init: %v", telemetry.ErrUnavailable, ret)
	}
	return &Source{lib: lib}, nil
}

// Enumerate implements telemetry.Source.
func (s *Source) Enumerate(_ context.Context) ([]telemetry.DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return nil, telemetry.ErrUnavailable
	}

	count, ret := s.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml: device count: %v", ret)
	}

	infos := make([]telemetry.DeviceInfo, 0, count)
	for i := 0; i < count; i++ {
		infos = append(infos, s.describe(i))
	}
	return infos, nil
}

func (s *Source) describe(index int) telemetry.DeviceInfo {
	info := telemetry.DeviceInfo{Index: index}

	dev, ret := s.lib.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		info.Err = fmt.Errorf("nvml: handle for device %d: %v", index, ret)
		return info
	}

	name, ret := dev.GetName()
	if ret != nvml.SUCCESS {
		info.Err = fmt.Errorf("nvml: name of device %d: %v", index, ret)
		return info
	}
	info.Name = name

	if uuid, ret := dev.GetUUID(); ret == nvml.SUCCESS {
		info.UUID = uuid
	}
	if pci, ret := dev.GetPciInfo(); ret == nvml.SUCCESS {
		info.LocationTag = pciAddress(pci)
	}
	return info
}

// pciAddress returns the device's PCI address in sysfs form
// ("0000:3b:00.0"). NVML reports an 8-digit upper-case domain
// ("00000000:3B:00.0"); the function digit is taken from it as-is.
func pciAddress(pci nvml.PciInfo) string {
	id := strings.ToLower(cString(pci.BusId[:]))
	if id == "" {
		return fmt.Sprintf("%04x:%02x:%02x.0", pci.Domain, pci.Bus, pci.Device)
	}
	if domain, rest, ok := strings.Cut(id, ":"); ok && len(domain) == 8 && strings.HasPrefix(domain, "0000") {
		id = domain[4:] + ":" + rest
	}
	return id
}

func cString[T int8 | uint8](b []T) string {
	var sb strings.Builder
	for _, c := range b {
		if c == 0 {
			break
		}
		sb.WriteByte(byte(c))
	}
	return sb.String()
}

// Read implements telemetry.Source. Values a device does not support (for
// example fan speed on passively cooled boards) come back invalid while the
// rest of the reading stays usable.
func (s *Source) Read(_ context.Context, index int) (telemetry.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return telemetry.Invalid(), telemetry.ErrUnavailable
	}

	dev, ret := s.lib.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return telemetry.Invalid(), fmt.Errorf("nvml: handle for device %d: %v", index, ret)
	}

	var r telemetry.Reading
	if util, ret := dev.GetUtilizationRates(); ret == nvml.SUCCESS {
		r.UtilizationPct = telemetry.V(uint64(util.Gpu))
		r.MemUtilizationPct = telemetry.V(uint64(util.Memory))
	}
	if mem, ret := dev.GetMemoryInfo(); ret == nvml.SUCCESS {
		r.MemTotalBytes = telemetry.V(mem.Total)
		r.MemUsedBytes = telemetry.V(mem.Used)
	}
	if fan, ret := dev.GetFanSpeed(); ret == nvml.SUCCESS {
		r.FanSpeedPct = telemetry.V(uint64(fan))
	}
	if mw, ret := dev.GetPowerUsage(); ret == nvml.SUCCESS {
		r.PowerMilliwatts = telemetry.V(uint64(mw))
	}
	if clk, ret := dev.GetClockInfo(nvml.CLOCK_SM); ret == nvml.SUCCESS {
		r.SMClockMHz = telemetry.V(uint64(clk))
	}
	if temp, ret := dev.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
		r.TemperatureC = telemetry.V(uint64(temp))
	}

	if !r.AnyValid() {
		return telemetry.Invalid(), fmt.Errorf("nvml: device %d returned no values", index)
	}
	return r, nil
}

// Shutdown implements telemetry.Source.
func (s *Source) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return nil
	}
	s.shutdown = true

	if ret := s.lib.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml: shutdown: %v", ret)
	}
	return nil
}

// Package catalog declares the fixed set of GPU metrics gpumon publishes.
//
// The set is closed: every Metric is a constant of this package and value
// extraction is a switch over those constants, so adding a metric without
// teaching the extractor about it fails the catalog tests rather than
// silently publishing zeros.
package catalog

import "github.com/kubeadapt/gpumon/internal/telemetry"

// Kind distinguishes single-value metrics from value/base pairs.
type Kind int

// Metric kinds.
const (
	Absolute Kind = iota
	Ratio
)

func (k Kind) String() string {
	switch k {
	case Absolute:
		return "absolute"
	case Ratio:
		return "ratio"
	}
	return "unknown"
}

// BaseKind tells where a ratio metric's denominator comes from.
type BaseKind int

// Ratio bases.
const (
	NoBase BaseKind = iota
	// Fixed100 means the value is already a percentage.
	Fixed100
	// DeviceTotal means the denominator is a per-device quantity that may
	// change between reads.
	DeviceTotal
)

// Metric identifies one published quantity.
type Metric int

// Published metrics, in catalog order.
const (
	FanSpeedPercent Metric = iota
	GPUTimePercent
	MemoryReadWritePercent
	MemoryUsedPercent
	MemoryTotalMiB
	MemoryUsedMiB
	PowerWatts
	SMClockMHz
	TemperatureCelsius

	numMetrics
)

// FixedBase is the base written for Fixed100 ratio metrics.
const FixedBase = 100

const bytesPerMiB = 1 << 20

// Definition describes how a metric is named and published.
type Definition struct {
	Metric      Metric
	Key         string
	DisplayName string
	Help        string
	Kind        Kind
	Base        BaseKind
}

// BaseKey is the key of the paired base counter of a ratio metric.
func (d Definition) BaseKey() string { return d.Key + "_base" }

var definitions = [numMetrics]Definition{
	FanSpeedPercent: {
		Key:         "fan_speed_percent",
		DisplayName: "% GPU Fan Speed",
		Help:        "Fan speed as a percentage of its maximum.",
		Kind:        Ratio,
		Base:        Fixed100,
	},
	GPUTimePercent: {
		Key:         "gpu_time_percent",
		DisplayName: "% GPU Time",
		Help:        "Percentage of the sample period during which one or more kernels was executing.",
		Kind:        Ratio,
		Base:        Fixed100,
	},
	MemoryReadWritePercent: {
		Key:         "memory_rw_percent",
		DisplayName: "% GPU Memory Reads/Writes",
		Help:        "Percentage of the sample period during which device memory was being read or written.",
		Kind:        Ratio,
		Base:        Fixed100,
	},
	MemoryUsedPercent: {
		Key:         "memory_used_percent",
		DisplayName: "% GPU Memory Used",
		Help:        "Allocated device memory as a percentage of total device memory.",
		Kind:        Ratio,
		Base:        DeviceTotal,
	},
	MemoryTotalMiB: {
		Key:         "memory_total_mib",
		DisplayName: "GPU Memory Total (MiB)",
		Help:        "Total installed device memory in MiB.",
		Kind:        Absolute,
	},
	MemoryUsedMiB: {
		Key:         "memory_used_mib",
		DisplayName: "GPU Memory Used (MiB)",
		Help:        "Allocated device memory in MiB.",
		Kind:        Absolute,
	},
	PowerWatts: {
		Key:         "power_watts",
		DisplayName: "GPU Power Usage (Watts)",
		Help:        "Power draw of the board in watts.",
		Kind:        Absolute,
	},
	SMClockMHz: {
		Key:         "sm_clock_mhz",
		DisplayName: "GPU SM Clock (MHz)",
		Help:        "Current streaming multiprocessor clock in MHz.",
		Kind:        Absolute,
	},
	TemperatureCelsius: {
		Key:         "temperature_celsius",
		DisplayName: "GPU Temperature (in degrees C)",
		Help:        "Core temperature in degrees Celsius.",
		Kind:        Absolute,
	},
}

func init() {
	for m := range definitions {
		definitions[m].Metric = Metric(m)
	}
}

// All returns every metric definition in catalog order.
func All() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions[:])
	return out
}

// Lookup returns the definition of m.
func Lookup(m Metric) (Definition, bool) {
	if m < 0 || m >= numMetrics {
		return Definition{}, false
	}
	return definitions[m], true
}

// Definition returns the definition of m. It panics for values outside the catalog.
func (m Metric) Definition() Definition { return definitions[m] }

func (m Metric) String() string {
	if d, ok := Lookup(m); ok {
		return d.Key
	}
	return "unknown"
}

// Value extracts the published value (the numerator for ratio metrics) of m
// from a reading. ok is false when the underlying field is invalid.
func (m Metric) Value(r telemetry.Reading) (v float64, ok bool) {
	switch m {
	case FanSpeedPercent:
		return fromValue(r.FanSpeedPct, 1)
	case GPUTimePercent:
		return fromValue(r.UtilizationPct, 1)
	case MemoryReadWritePercent:
		return fromValue(r.MemUtilizationPct, 1)
	case MemoryUsedPercent, MemoryUsedMiB:
		return fromValue(r.MemUsedBytes, bytesPerMiB)
	case MemoryTotalMiB:
		return fromValue(r.MemTotalBytes, bytesPerMiB)
	case PowerWatts:
		return fromValue(r.PowerMilliwatts, 1000)
	case SMClockMHz:
		return fromValue(r.SMClockMHz, 1)
	case TemperatureCelsius:
		return fromValue(r.TemperatureC, 1)
	}
	return 0, false
}

// BaseValue extracts the per-device denominator of a DeviceTotal ratio
// metric. For every other metric ok is false.
func (m Metric) BaseValue(r telemetry.Reading) (v float64, ok bool) {
	switch m {
	case MemoryUsedPercent:
		return fromValue(r.MemTotalBytes, bytesPerMiB)
	}
	return 0, false
}

func fromValue(v telemetry.Value, divisor float64) (float64, bool) {
	if !v.Valid {
		return 0, false
	}
	return float64(v.Val) / divisor, true
}

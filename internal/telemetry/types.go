package telemetry

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by a Source when the underlying telemetry
// library is not present on the host.
var ErrUnavailable = errors.New("telemetry: source unavailable")

// Source abstracts the hardware telemetry binding for testability.
type Source interface {
	// Enumerate lists the devices visible to the source. A non-nil error
	// means the whole enumeration failed; per-device failures are reported
	// through DeviceInfo.Err instead.
	Enumerate(ctx context.Context) ([]DeviceInfo, error)
	// Read returns the current values of the device at index.
	Read(ctx context.Context, index int) (Reading, error)
	// Shutdown releases source-held resources. Safe to call multiple times.
	Shutdown() error
}

// DeviceInfo is the identity of one physical device as reported by a Source.
type DeviceInfo struct {
	Index       int
	Name        string
	UUID        string
	LocationTag string

	// Err is set when the device could be counted but not initialized.
	Err error
}

// Value is a single sampled quantity. Valid is false when the device could
// not report it; Val is meaningless in that case.
type Value struct {
	Val   uint64 `json:"value"`
	Valid bool   `json:"valid"`
}

// V returns a valid Value.
func V(v uint64) Value { return Value{Val: v, Valid: true} }

// Or returns the value, or fallback when invalid.
func (v Value) Or(fallback uint64) uint64 {
	if !v.Valid {
		return fallback
	}
	return v.Val
}

// Reading is one read of all metric values of a device.
type Reading struct {
	UtilizationPct    Value `json:"utilization_pct"`
	MemUtilizationPct Value `json:"mem_utilization_pct"`
	MemTotalBytes     Value `json:"mem_total_bytes"`
	MemUsedBytes      Value `json:"mem_used_bytes"`
	FanSpeedPct       Value `json:"fan_speed_pct"`
	PowerMilliwatts   Value `json:"power_milliwatts"`
	SMClockMHz        Value `json:"sm_clock_mhz"`
	TemperatureC      Value `json:"temperature_c"`
}

// Invalid returns a Reading with every value marked invalid.
func Invalid() Reading { return Reading{} }

// AnyValid reports whether at least one value in r is valid.
func (r Reading) AnyValid() bool {
	for _, v := range []Value{
		r.UtilizationPct, r.MemUtilizationPct, r.MemTotalBytes, r.MemUsedBytes,
		r.FanSpeedPct, r.PowerMilliwatts, r.SMClockMHz, r.TemperatureC,
	} {
		if v.Valid {
			return true
		}
	}
	return false
}

// Package telemetry defines the contract between gpumon and the hardware
// telemetry layer.
//
// A Source enumerates the GPUs attached to the host and reads the current
// values of one device at a time. Every value in a Reading carries its own
// valid flag, so "the device reported 0" and "the device could not report"
// stay distinguishable all the way to the publisher.
//
// Implementations live in subpackages: nvml talks to the NVIDIA management
// library through go-nvml, sysfs reads the Linux DRM/hwmon tree exposed by
// amdgpu and similar drivers.
package telemetry

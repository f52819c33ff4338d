// Package telemetrytest provides an in-memory telemetry.Source for tests.
package telemetrytest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kubeadapt/gpumon/internal/telemetry"
)

// ErrInjected is returned by reads configured to fail.
var ErrInjected = errors.New("telemetrytest: injected failure")

// Source is a scriptable telemetry.Source. Readings and failures can be
// changed between ticks while a collector is running.
type Source struct {
	mu           sync.Mutex
	devices      []telemetry.DeviceInfo
	readings     map[int]telemetry.Reading
	failing      map[int]bool
	enumerateErr error
	reads        int
	shutdowns    int
}

// New returns a Source exposing devices. Readings default to invalid.
func New(devices ...telemetry.DeviceInfo) *Source {
	return &Source{
		devices:  devices,
		readings: make(map[int]telemetry.Reading),
		failing:  make(map[int]bool),
	}
}

// SetReading sets what Read returns for the device at index.
func (s *Source) SetReading(index int, r telemetry.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings[index] = r
}

// SetFailing makes reads of the device at index fail (or succeed again).
func (s *Source) SetFailing(index int, failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[index] = failing
}

// SetEnumerateError makes Enumerate fail as a whole.
func (s *Source) SetEnumerateError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enumerateErr = err
}

// Reads returns how many Read calls were made.
func (s *Source) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Shutdowns returns how many times Shutdown was called.
func (s *Source) Shutdowns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdowns
}

// Enumerate implements telemetry.Source.
func (s *Source) Enumerate(_ context.Context) ([]telemetry.DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enumerateErr != nil {
		return nil, s.enumerateErr
	}
	out := make([]telemetry.DeviceInfo, len(s.devices))
	copy(out, s.devices)
	return out, nil
}

// Read implements telemetry.Source.
func (s *Source) Read(_ context.Context, index int) (telemetry.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.failing[index] {
		return telemetry.Invalid(), fmt.Errorf("device %d: %w", index, ErrInjected)
	}
	r, ok := s.readings[index]
	if !ok {
		return telemetry.Invalid(), fmt.Errorf("device %d: no reading configured", index)
	}
	return r, nil
}

// Shutdown implements telemetry.Source.
func (s *Source) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns++
	return nil
}

// Full returns a Reading with every value valid.
func Full(util, memUtil, totalMiB, usedMiB, fan, powerMW, clockMHz, tempC uint64) telemetry.Reading {
	return telemetry.Reading{
		UtilizationPct:    telemetry.V(util),
		MemUtilizationPct: telemetry.V(memUtil),
		MemTotalBytes:     telemetry.V(totalMiB << 20),
		MemUsedBytes:      telemetry.V(usedMiB << 20),
		FanSpeedPct:       telemetry.V(fan),
		PowerMilliwatts:   telemetry.V(powerMW),
		SMClockMHz:        telemetry.V(clockMHz),
		TemperatureC:      telemetry.V(tempC),
	}
}

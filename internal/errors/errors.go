package errors

import (
	"sync"
	"time"
)

// Code represents a typed telemetry error code.
type Code string

// Error codes surfaced on the debug endpoint.
const (
	ErrSourceUnavailable  Code = "SOURCE_UNAVAILABLE"
	ErrDeviceInitFailed   Code = "DEVICE_INIT_FAILED"
	ErrDeviceReadFailed   Code = "DEVICE_READ_FAILED"
	ErrCounterWriteFailed Code = "COUNTER_WRITE_FAILED"
	ErrBindFailed         Code = "BIND_FAILED"
)

// defaultTTL is the auto-expiry duration for errors not re-reported.
const defaultTTL = 5 * time.Minute

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock uses the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// TelemetryError is a typed error with code, component, and optional wrapped error.
type TelemetryError struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Component string `json:"component"`
	Timestamp int64  `json:"timestamp"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *TelemetryError) Error() string {
	return e.Message
}

// Unwrap returns the wrapped error for errors.Is/As compatibility.
func (e *TelemetryError) Unwrap() error {
	return e.Err
}

type entry struct {
	err        TelemetryError
	lastReport time.Time
	count      int
}

// ErrorCollector is a thread-safe store for active errors. Errors are keyed
// by Code+Component and auto-expire after 5 minutes if not re-reported, so
// a device that recovers drops off on its own.
type ErrorCollector struct {
	mu      sync.Mutex
	clock   Clock
	entries map[string]entry // key = string(Code) + "|" + Component
}

// NewErrorCollector creates an ErrorCollector with the given clock.
func NewErrorCollector(clock Clock) *ErrorCollector {
	return &ErrorCollector{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

func key(code Code, component string) string {
	return string(code) + "|" + component
}

// Report stores or refreshes an error. The dedup key is Code+Component.
func (ec *ErrorCollector) Report(err TelemetryError) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	k := key(err.Code, err.Component)
	now := ec.clock.Now()
	if err.Timestamp == 0 {
		err.Timestamp = now.UnixMilli()
	}
	e := ec.entries[k]
	ec.entries[k] = entry{
		err:        err,
		lastReport: now,
		count:      e.count + 1,
	}
}

// ActiveError is a reported error together with how often it was reported.
type ActiveError struct {
	TelemetryError
	Count int `json:"count"`
}

// GetActiveErrors returns all errors that have been reported within the TTL window.
func (ec *ErrorCollector) GetActiveErrors() []ActiveError {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	result := make([]ActiveError, 0, len(ec.entries))
	for k, e := range ec.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(ec.entries, k)
			continue
		}
		result = append(result, ActiveError{TelemetryError: e.err, Count: e.count})
	}
	return result
}

// GetActiveErrorCodes returns a deduplicated list of active error codes.
func (ec *ErrorCollector) GetActiveErrorCodes() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	now := ec.clock.Now()
	seen := make(map[Code]struct{})
	codes := make([]string, 0)
	for k, e := range ec.entries {
		if now.Sub(e.lastReport) > defaultTTL {
			delete(ec.entries, k)
			continue
		}
		if _, ok := seen[e.err.Code]; !ok {
			seen[e.err.Code] = struct{}{}
			codes = append(codes, string(e.err.Code))
		}
	}
	return codes
}

// Clear removes all tracked errors.
func (ec *ErrorCollector) Clear() {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.entries = make(map[string]entry)
}

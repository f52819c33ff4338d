// Package facilitytest provides an in-memory facility.Facility that records
// every write, for tests.
package facilitytest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kubeadapt/gpumon/internal/catalog"
	"github.com/kubeadapt/gpumon/internal/facility"
)

// ErrInjected is returned by writes configured to fail.
var ErrInjected = errors.New("facilitytest: injected write failure")

// Memory is a thread-safe recording Facility.
type Memory struct {
	mu         sync.Mutex
	categories map[string][]string
	values     map[facility.Handle]float64
	failKeys   map[string]bool
	writes     int
	failures   int
}

// New returns an empty Memory facility.
func New() *Memory {
	return &Memory{
		categories: make(map[string][]string),
		values:     make(map[facility.Handle]float64),
		failKeys:   make(map[string]bool),
	}
}

// FailWrites makes every write to counters with key fail.
func (m *Memory) FailWrites(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failKeys[key] = true
}

// Value returns the last value written to a live handle.
func (m *Memory) Value(category, key, instance string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[facility.Handle{Category: category, Key: key, Instance: instance}]
	return v, ok
}

// Writes returns the number of successful writes.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Failures returns the number of failed writes.
func (m *Memory) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Handles returns the number of live handles.
func (m *Memory) Handles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}

// Instances returns the distinct instance names with live handles.
func (m *Memory) Instances() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for h := range m.values {
		out[h.Instance] = true
	}
	return out
}

// CategoryExists implements facility.Facility.
func (m *Memory) CategoryExists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.categories[name]
	return ok
}

// CreateCategory implements facility.Facility.
func (m *Memory) CreateCategory(name string, defs []catalog.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.categories[name]; ok {
		return fmt.Errorf("%w: %s", facility.ErrCategoryExists, name)
	}
	m.categories[name] = facility.CounterKeys(defs)
	return nil
}

// DeleteCategory implements facility.Facility.
func (m *Memory) DeleteCategory(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.categories[name]; !ok {
		return fmt.Errorf("%w: %s", facility.ErrUnknownCategory, name)
	}
	delete(m.categories, name)
	for h := range m.values {
		if h.Category == name {
			delete(m.values, h)
		}
	}
	return nil
}

// CreateHandle implements facility.Facility.
func (m *Memory) CreateHandle(category, key, instance string) (facility.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys, ok := m.categories[category]
	if !ok {
		return facility.Handle{}, fmt.Errorf("%w: %s", facility.ErrUnknownCategory, category)
	}
	known := false
	for _, k := range keys {
		if k == key {
			known = true
			break
		}
	}
	if !known {
		return facility.Handle{}, fmt.Errorf("%w: %s", facility.ErrUnknownCounter, key)
	}
	h := facility.Handle{Category: category, Key: key, Instance: instance}
	if _, ok := m.values[h]; ok {
		return facility.Handle{}, fmt.Errorf("%w: %s", facility.ErrHandleExists, h)
	}
	m.values[h] = 0
	return h, nil
}

// Write implements facility.Facility.
func (m *Memory) Write(h facility.Handle, v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[h]; !ok {
		m.failures++
		return fmt.Errorf("%w: %s", facility.ErrHandleDeleted, h)
	}
	if m.failKeys[h.Key] {
		m.failures++
		return fmt.Errorf("%w: %s", ErrInjected, h)
	}
	m.values[h] = v
	m.writes++
	return nil
}

// DeleteHandle implements facility.Facility.
func (m *Memory) DeleteHandle(h facility.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[h]; !ok {
		return fmt.Errorf("%w: %s", facility.ErrHandleDeleted, h)
	}
	delete(m.values, h)
	return nil
}

// Package facility binds gpumon's instanced counters to a monitoring
// backend.
//
// The model follows OS performance-counter facilities: a category declares
// a fixed set of counters, and each (category, counter, instance) triple is
// bound once to a Handle that is then written every sample. Ratio counters
// are declared as two counters, the value under the metric key and its base
// under catalog.Definition.BaseKey.
package facility

import (
	"errors"
	"fmt"

	"github.com/kubeadapt/gpumon/internal/catalog"
)

// Facility errors.
var (
	ErrCategoryExists  = errors.New("facility: category already exists")
	ErrUnknownCategory = errors.New("facility: unknown category")
	ErrUnknownCounter  = errors.New("facility: unknown counter")
	ErrHandleExists    = errors.New("facility: handle already exists")
	ErrHandleDeleted   = errors.New("facility: handle deleted")
)

// Handle identifies one live counter instance.
type Handle struct {
	Category string
	Key      string
	Instance string
}

func (h Handle) String() string {
	return fmt.Sprintf(`\%s(%s)\%s`, h.Category, h.Instance, h.Key)
}

// Facility is the monitoring backend gpumon publishes into.
type Facility interface {
	CategoryExists(name string) bool
	// CreateCategory declares every counter of defs, including the base
	// counters of ratio metrics.
	CreateCategory(name string, defs []catalog.Definition) error
	DeleteCategory(name string) error
	CreateHandle(category, key, instance string) (Handle, error)
	Write(h Handle, v float64) error
	DeleteHandle(h Handle) error
}

// CounterKeys lists every counter key a category built from defs declares.
func CounterKeys(defs []catalog.Definition) []string {
	keys := make([]string, 0, len(defs)+4)
	for _, d := range defs {
		keys = append(keys, d.Key)
		if d.Kind == catalog.Ratio {
			keys = append(keys, d.BaseKey())
		}
	}
	return keys
}

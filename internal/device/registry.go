// Package device discovers GPUs through a telemetry.Source, gives each a
// stable logical id and display name, and keeps the last sampled reading
// of every device.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kubeadapt/gpumon/internal/telemetry"
)

// UnknownName is the name given to devices that were counted by the source
// but could not be initialized.
const UnknownName = "Unknown GPU"

// Naming selects how display instance names are built.
type Naming int

const (
	// NameByLogicalID renders "{name}({logicalId})". Collision-free for any
	// device set.
	NameByLogicalID Naming = iota
	// NameByLocation renders "{name}({locationTag})". Cards sharing a model
	// name and location tag fall back to the logical id form.
	NameByLocation
)

// Device is one physical GPU.
type Device struct {
	LogicalID   int               `json:"logical_id"`
	Name        string            `json:"name"`
	UUID        string            `json:"uuid,omitempty"`
	LocationTag string            `json:"location_tag,omitempty"`
	Instance    string            `json:"instance"`
	Failed      bool              `json:"failed"`
	Snapshot    telemetry.Reading `json:"snapshot"`

	sourceIndex int
}

// Registry owns the device list. Only Refresh and RefreshAll mutate device
// snapshots; everything else works on copies returned by Devices.
type Registry struct {
	source telemetry.Source
	naming Naming

	mu      sync.RWMutex
	devices []Device
}

// NewRegistry creates an empty Registry reading from source.
func NewRegistry(source telemetry.Source, naming Naming) *Registry {
	return &Registry{source: source, naming: naming}
}

// Enumerate queries the source and rebuilds the device list. If the source
// fails as a whole the registry ends up empty and the error is returned for
// reporting; callers are expected to keep running with zero devices.
func (r *Registry) Enumerate(ctx context.Context) ([]Device, error) {
	infos, err := r.source.Enumerate(ctx)
	if err != nil {
		r.mu.Lock()
		r.devices = nil
		r.mu.Unlock()
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}

	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		d := Device{
			Name:        info.Name,
			UUID:        normalizeUUID(info.UUID),
			LocationTag: info.LocationTag,
			sourceIndex: info.Index,
		}
		if info.Err != nil || d.Name == "" {
			slog.Warn("device: initialization failed",
				"index", info.Index,
				"error", info.Err,
			)
			d.Name = UnknownName
			d.Failed = true
		}
		devices = append(devices, d)
	}

	// Bus/slot identifiers are not reliably unique across identical cards,
	// so ids follow name order. UUID and source index only break ties.
	sort.SliceStable(devices, func(i, j int) bool {
		a, b := devices[i], devices[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.UUID != b.UUID {
			return a.UUID < b.UUID
		}
		return a.sourceIndex < b.sourceIndex
	})

	seen := make(map[string]int, len(devices))
	for i := range devices {
		devices[i].LogicalID = i
		devices[i].Instance = instanceName(devices[i], r.naming)
		seen[devices[i].Instance]++
	}
	// Identical cards can report the same location tag. Logical ids are
	// unique, so colliding devices fall back to them.
	for i := range devices {
		if seen[devices[i].Instance] < 2 {
			continue
		}
		slog.Warn("device: duplicate instance name, using logical id",
			"instance", devices[i].Instance,
			"logical_id", i,
		)
		devices[i].Instance = instanceName(devices[i], NameByLogicalID)
	}

	r.mu.Lock()
	r.devices = devices
	r.mu.Unlock()

	return r.Devices(), nil
}

// Refresh re-reads one device. On failure every value in its snapshot is
// marked invalid; the previous reading is never carried over.
func (r *Registry) Refresh(ctx context.Context, logicalID int) error {
	r.mu.RLock()
	if logicalID < 0 || logicalID >= len(r.devices) {
		r.mu.RUnlock()
		return fmt.Errorf("device: no device with logical id %d", logicalID)
	}
	d := r.devices[logicalID]
	r.mu.RUnlock()

	reading := telemetry.Invalid()
	var err error
	if d.Failed {
		err = fmt.Errorf("device %s: not initialized", d.Instance)
	} else {
		reading, err = r.source.Read(ctx, d.sourceIndex)
		if err != nil {
			reading = telemetry.Invalid()
			err = fmt.Errorf("device %s: %w", d.Instance, err)
		}
	}

	r.mu.Lock()
	if logicalID < len(r.devices) {
		r.devices[logicalID].Snapshot = reading
	}
	r.mu.Unlock()
	return err
}

// RefreshAll refreshes devices sequentially and returns the per-device
// failures keyed by logical id.
func (r *Registry) RefreshAll(ctx context.Context) map[int]error {
	var failures map[int]error
	for id := 0; id < r.Len(); id++ {
		if err := r.Refresh(ctx, id); err != nil {
			if failures == nil {
				failures = make(map[int]error)
			}
			failures[id] = err
		}
	}
	return failures
}

// Devices returns a copy of the device list in logical id order.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func instanceName(d Device, naming Naming) string {
	if naming == NameByLocation && d.LocationTag != "" {
		return fmt.Sprintf("%s(%s)", d.Name, d.LocationTag)
	}
	return fmt.Sprintf("%s(%d)", d.Name, d.LogicalID)
}

// normalizeUUID canonicalizes the RFC 4122 part of a vendor UUID, keeping
// any vendor prefix such as NVIDIA's "GPU-" or "MIG-". Identifiers that are
// not UUIDs are returned unchanged.
func normalizeUUID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	prefix, rest := "", raw
	if i := strings.Index(raw, "-"); i > 0 && i <= 4 {
		if _, err := uuid.Parse(raw[i+1:]); err == nil {
			prefix, rest = raw[:i+1], raw[i+1:]
		}
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return raw
	}
	return prefix + id.String()
}

// Package publisher writes device snapshots into a monitoring facility.
//
// Every device gets one instance per catalog metric; ratio metrics also get
// a base counter so the facility can render value/base as a percentage. One
// extra instance, AggregateInstance, carries the fleet-wide totals.
package publisher

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kubeadapt/gpumon/internal/catalog"
	"github.com/kubeadapt/gpumon/internal/device"
	"github.com/kubeadapt/gpumon/internal/facility"
)

// AggregateInstance is the reserved name of the fleet-wide instance. Device
// instances always end in ")", so it cannot collide with one.
const AggregateInstance = "_Total"

// ErrAlreadyBound is returned by BindAll when handles already exist.
var ErrAlreadyBound = errors.New("publisher: handles already bound")

// FailureRecorder is notified of every swallowed write failure.
type FailureRecorder interface {
	RecordWriteFailure(h facility.Handle, err error)
}

type handleKey struct {
	instance string
	key      string
}

// Publisher owns every counter handle of one category.
type Publisher struct {
	fac      facility.Facility
	category string
	defs     []catalog.Definition
	recorder FailureRecorder

	bound   bool
	handles map[handleKey]facility.Handle
}

// New creates a Publisher for category. recorder may be nil.
func New(fac facility.Facility, category string, recorder FailureRecorder) *Publisher {
	return &Publisher{
		fac:      fac,
		category: category,
		defs:     catalog.All(),
		recorder: recorder,
	}
}

// Category returns the facility category the publisher writes to.
func (p *Publisher) Category() string { return p.category }

// BindAll creates handles for every device and the aggregate instance, and
// writes the fixed ratio bases. Calling it again before Teardown fails with
// ErrAlreadyBound.
func (p *Publisher) BindAll(devices []device.Device) error {
	if p.bound {
		return ErrAlreadyBound
	}

	if !p.fac.CategoryExists(p.category) {
		if err := p.fac.CreateCategory(p.category, p.defs); err != nil {
			return fmt.Errorf("publisher: %w", err)
		}
	}

	p.handles = make(map[handleKey]facility.Handle, (len(devices)+1)*len(p.defs))
	p.bound = true

	instances := make([]string, 0, len(devices)+1)
	for _, d := range devices {
		instances = append(instances, d.Instance)
	}
	instances = append(instances, AggregateInstance)

	for _, inst := range instances {
		for _, d := range p.defs {
			if err := p.bind(inst, d.Key); err != nil {
				p.Teardown()
				return err
			}
			if d.Kind == catalog.Ratio {
				if err := p.bind(inst, d.BaseKey()); err != nil {
					p.Teardown()
					return err
				}
			}
		}
	}

	aggregateBase := float64(catalog.FixedBase * len(devices))
	for _, d := range p.defs {
		if d.Base != catalog.Fixed100 {
			continue
		}
		for _, dev := range devices {
			p.write(dev.Instance, d.BaseKey(), catalog.FixedBase)
		}
		p.write(AggregateInstance, d.BaseKey(), aggregateBase)
	}

	slog.Info("publisher: counters bound",
		"category", p.category,
		"devices", len(devices),
		"handles", len(p.handles),
	)
	return nil
}

func (p *Publisher) bind(instance, key string) error {
	h, err := p.fac.CreateHandle(p.category, key, instance)
	if err != nil {
		return fmt.Errorf("publisher: binding %s for %s: %w", key, instance, err)
	}
	p.handles[handleKey{instance: instance, key: key}] = h
	return nil
}

// PublishDevice writes the snapshot of d. Invalid values are written as 0
// so the series stays continuous.
func (p *Publisher) PublishDevice(d device.Device) {
	if !p.bound {
		return
	}
	for _, def := range p.defs {
		v, _ := def.Metric.Value(d.Snapshot)
		if def.Base == catalog.DeviceTotal {
			base, _ := def.Metric.BaseValue(d.Snapshot)
			p.write(d.Instance, def.BaseKey(), base)
		}
		p.write(d.Instance, def.Key, v)
	}
}

// PublishAggregate writes fleet-wide totals over devices. Absolute metrics
// and ratio numerators are summed. Fixed ratio bases are 100 per device;
// the memory-used base is the sum of device totals, which makes the
// aggregate a capacity-weighted ratio rather than a mean of percentages.
func (p *Publisher) PublishAggregate(devices []device.Device) {
	if !p.bound {
		return
	}
	for _, def := range p.defs {
		var sum, baseSum float64
		for _, d := range devices {
			v, _ := def.Metric.Value(d.Snapshot)
			sum += v
			if def.Base == catalog.DeviceTotal {
				b, _ := def.Metric.BaseValue(d.Snapshot)
				baseSum += b
			}
		}

		switch def.Base {
		case catalog.Fixed100:
			p.write(AggregateInstance, def.BaseKey(), float64(catalog.FixedBase*len(devices)))
		case catalog.DeviceTotal:
			p.write(AggregateInstance, def.BaseKey(), baseSum)
		}
		p.write(AggregateInstance, def.Key, sum)
	}
}

// Teardown deletes every handle. The publisher can be bound again afterwards.
func (p *Publisher) Teardown() {
	for k, h := range p.handles {
		if err := p.fac.DeleteHandle(h); err != nil {
			slog.Debug("publisher: delete handle failed", "handle", h.String(), "error", err)
		}
		delete(p.handles, k)
	}
	p.bound = false
}

// Bound reports whether handles are currently bound.
func (p *Publisher) Bound() bool { return p.bound }

// write swallows facility errors: one missed update beats a stalled tick.
func (p *Publisher) write(instance, key string, v float64) {
	h, ok := p.handles[handleKey{instance: instance, key: key}]
	if !ok {
		return
	}
	if err := p.fac.Write(h, v); err != nil {
		slog.Debug("publisher: write failed", "handle", h.String(), "error", err)
		if p.recorder != nil {
			p.recorder.RecordWriteFailure(h, err)
		}
	}
}

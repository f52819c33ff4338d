package facility

import (
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kubeadapt/gpumon/internal/catalog"
)

const (
	namespace = "gpumon"
	// instanceLabel avoids "instance", which Prometheus reserves for the
	// scrape target.
	instanceLabel = "gpu"
	counterLabel  = "counter"
)

type promCategory struct {
	vecs   map[string]*prometheus.GaugeVec
	gauges map[Handle]prometheus.Gauge
}

// Prometheus implements Facility with one GaugeVec per counter, labelled by
// device instance. Counters are registered on the given registry, never the
// global default.
type Prometheus struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	categories map[string]*promCategory
}

// NewPrometheus returns a Facility registering its gauges on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	return &Prometheus{
		reg:        reg,
		categories: make(map[string]*promCategory),
	}
}

// CategoryExists implements Facility.
func (p *Prometheus) CategoryExists(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.categories[name]
	return ok
}

// CreateCategory implements Facility.
func (p *Prometheus) CreateCategory(name string, defs []catalog.Definition) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.categories[name]; ok {
		return fmt.Errorf("%w: %s", ErrCategoryExists, name)
	}

	cat := &promCategory{
		vecs:   make(map[string]*prometheus.GaugeVec),
		gauges: make(map[Handle]prometheus.Gauge),
	}
	subsystem := metricSubsystem(name)

	var registered []prometheus.Collector
	register := func(key, help, display string) error {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        key,
			Help:        help,
			ConstLabels: prometheus.Labels{counterLabel: display},
		}, []string{instanceLabel})
		if err := p.reg.Register(vec); err != nil {
			return fmt.Errorf("registering %s: %w", key, err)
		}
		registered = append(registered, vec)
		cat.vecs[key] = vec
		return nil
	}

	for _, d := range defs {
		err := register(d.Key, d.Help, d.DisplayName)
		if err == nil && d.Kind == catalog.Ratio {
			err = register(d.BaseKey(), "Base of the "+d.DisplayName+" ratio.", d.DisplayName+" Base")
		}
		if err != nil {
			for _, c := range registered {
				p.reg.Unregister(c)
			}
			return fmt.Errorf("facility: creating category %s: %w", name, err)
		}
	}

	p.categories[name] = cat
	return nil
}

// DeleteCategory implements Facility. Any remaining handles of the category
// become invalid.
func (p *Prometheus) DeleteCategory(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cat, ok := p.categories[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, name)
	}
	for _, vec := range cat.vecs {
		p.reg.Unregister(vec)
	}
	delete(p.categories, name)
	return nil
}

// CreateHandle implements Facility.
func (p *Prometheus) CreateHandle(category, key, instance string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := Handle{Category: category, Key: key, Instance: instance}
	cat, ok := p.categories[category]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	vec, ok := cat.vecs[key]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s in %s", ErrUnknownCounter, key, category)
	}
	if _, ok := cat.gauges[h]; ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrHandleExists, h)
	}

	g := vec.WithLabelValues(instance)
	g.Set(0)
	cat.gauges[h] = g
	return h, nil
}

// Write implements Facility.
func (p *Prometheus) Write(h Handle, v float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cat, ok := p.categories[h.Category]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandleDeleted, h)
	}
	g, ok := cat.gauges[h]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandleDeleted, h)
	}
	g.Set(v)
	return nil
}

// DeleteHandle implements Facility. The instance disappears from the next
// scrape.
func (p *Prometheus) DeleteHandle(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cat, ok := p.categories[h.Category]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandleDeleted, h)
	}
	if _, ok := cat.gauges[h]; !ok {
		return fmt.Errorf("%w: %s", ErrHandleDeleted, h)
	}
	delete(cat.gauges, h)
	cat.vecs[h.Key].DeleteLabelValues(h.Instance)
	return nil
}

// metricSubsystem turns a category name into a valid metric name fragment.
func metricSubsystem(category string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(category) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

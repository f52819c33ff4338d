package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics describing gpumon itself, as opposed to
// the GPU counters it publishes. It uses a custom registry to avoid
// polluting the global default.
type Metrics struct {
	Registry *prometheus.Registry

	// Collection loop metrics
	TickDuration prometheus.Histogram
	TicksTotal   prometheus.Counter
	LoopState    *prometheus.GaugeVec

	// Device metrics
	Devices            prometheus.Gauge
	SourceUp           prometheus.Gauge
	DeviceReadFailures *prometheus.CounterVec

	// Publisher metrics
	CounterWriteFailures *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered on a custom registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpumon_tick_duration_seconds",
			Help:    "Duration of one refresh-and-publish pass in seconds.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpumon_ticks_total",
			Help: "Total number of completed collection ticks.",
		}),
		LoopState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpumon_loop_state",
			Help: "Current collection loop state (1 = active, 0 = inactive).",
		}, []string{"state"}),

		Devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpumon_devices",
			Help: "Number of GPUs registered at startup.",
		}),
		SourceUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpumon_source_up",
			Help: "Whether the telemetry source enumerated successfully (1) or not (0).",
		}),
		DeviceReadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpumon_device_read_failures_total",
			Help: "Total number of failed device reads.",
		}, []string{"gpu"}),

		CounterWriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpumon_counter_write_failures_total",
			Help: "Total number of counter writes rejected by the monitoring facility.",
		}, []string{"counter"}),
	}

	reg.MustRegister(
		m.TickDuration,
		m.TicksTotal,
		m.LoopState,
		m.Devices,
		m.SourceUp,
		m.DeviceReadFailures,
		m.CounterWriteFailures,
	)

	return m
}

// SetLoopState marks state as the only active loop state.
func (m *Metrics) SetLoopState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.LoopState.WithLabelValues(s).Set(v)
	}
}

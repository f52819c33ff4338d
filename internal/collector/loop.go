// Package collector runs the periodic refresh-and-publish loop.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kubeadapt/gpumon/internal/device"
	telemetryerrors "github.com/kubeadapt/gpumon/internal/errors"
	"github.com/kubeadapt/gpumon/internal/observability"
)

// State is the lifecycle state of a Loop.
type State string

// Loop lifecycle states.
const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// States lists every state, for gauges.
var States = []string{string(StateIdle), string(StateRunning), string(StateStopping), string(StateStopped)}

// DefaultInterval is used when no interval is configured.
const DefaultInterval = time.Second

// MinInterval bounds the interval from below so a zero or negative setting
// cannot turn the loop into a busy spin.
const MinInterval = time.Millisecond

// ErrInvalidState is returned when a lifecycle call is not allowed in the
// current state.
var ErrInvalidState = errors.New("collector: invalid state")

// DeviceSource is the device registry as seen by the loop.
type DeviceSource interface {
	RefreshAll(ctx context.Context) map[int]error
	Devices() []device.Device
}

// Publisher writes device snapshots into the monitoring facility.
type Publisher interface {
	PublishDevice(d device.Device)
	PublishAggregate(devices []device.Device)
}

// Loop refreshes every device and publishes the results on a fixed interval.
// All telemetry reads and counter writes happen on its single goroutine.
type Loop struct {
	devices   DeviceSource
	publisher Publisher
	interval  time.Duration
	metrics   *observability.Metrics
	errs      *telemetryerrors.ErrorCollector

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	syncOnce sync.Once
	synced   chan struct{}

	paused atomic.Bool
	ticks  atomic.Uint64
}

// NewLoop creates an idle Loop. Intervals below MinInterval are clamped.
// A nil metrics or errs gets a private instance that nothing else reads.
func NewLoop(devices DeviceSource, publisher Publisher, interval time.Duration, metrics *observability.Metrics, errs *telemetryerrors.ErrorCollector) *Loop {
	if interval < MinInterval {
		interval = MinInterval
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	if errs == nil {
		errs = telemetryerrors.NewErrorCollector(telemetryerrors.RealClock{})
	}
	l := &Loop{
		devices:   devices,
		publisher: publisher,
		interval:  interval,
		metrics:   metrics,
		errs:      errs,
		state:     StateIdle,
		synced:    make(chan struct{}),
	}
	l.metrics.SetLoopState(string(StateIdle), States)
	return l
}

// Name returns the collector name.
func (l *Loop) Name() string { return "gpu" }

// Interval returns the effective tick interval.
func (l *Loop) Interval() time.Duration { return l.interval }

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Ticks returns the number of completed ticks.
func (l *Loop) Ticks() uint64 { return l.ticks.Load() }

// Start launches the background goroutine. It may be called once; any call
// outside StateIdle fails with ErrInvalidState.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateIdle {
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidState, l.state)
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.setState(StateRunning)

	go l.run(ctx)
	slog.Info("collector: started", "interval", l.interval)
	return nil
}

// WaitForSync blocks until the first tick completes or the context is canceled.
func (l *Loop) WaitForSync(ctx context.Context) error {
	select {
	case <-l.synced:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the loop and blocks until the goroutine has exited, so no
// tick is in flight once it returns. It is a no-op if the loop was never
// started or has already stopped.
func (l *Loop) Stop() {
	l.mu.Lock()
	switch l.state {
	case StateIdle, StateStopped:
		l.mu.Unlock()
		return
	case StateStopping:
		done := l.done
		l.mu.Unlock()
		<-done
		return
	}
	l.setState(StateStopping)
	l.cancel()
	done := l.done
	l.mu.Unlock()

	<-done

	l.mu.Lock()
	l.setState(StateStopped)
	l.mu.Unlock()
	slog.Info("collector: stopped", "ticks", l.ticks.Load())
}

// Pause makes the loop skip ticks until Resume. Missed ticks are not
// caught up.
func (l *Loop) Pause() {
	if !l.paused.Swap(true) {
		slog.Info("collector: paused")
	}
}

// Resume undoes Pause.
func (l *Loop) Resume() {
	if l.paused.Swap(false) {
		slog.Info("collector: resumed")
	}
}

// Paused reports whether ticks are currently skipped.
func (l *Loop) Paused() bool { return l.paused.Load() }

// setState must be called with mu held.
func (l *Loop) setState(s State) {
	l.state = s
	l.metrics.SetLoopState(string(s), States)
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		if !l.paused.Load() {
			l.tick(ctx)
		}
		l.syncOnce.Do(func() { close(l.synced) })

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	start := time.Now()

	failures := l.devices.RefreshAll(ctx)
	devices := l.devices.Devices()

	for id, err := range failures {
		instance := fmt.Sprintf("gpu(%d)", id)
		if id >= 0 && id < len(devices) {
			instance = devices[id].Instance
		}
		l.metrics.DeviceReadFailures.WithLabelValues(instance).Inc()
		l.errs.Report(telemetryerrors.TelemetryError{
			Code:      telemetryerrors.ErrDeviceReadFailed,
			Message:   err.Error(),
			Component: instance,
			Err:       err,
		})
		slog.Debug("collector: device read failed", "instance", instance, "error", err)
	}

	for _, d := range devices {
		l.publisher.PublishDevice(d)
	}
	l.publisher.PublishAggregate(devices)

	l.metrics.TickDuration.Observe(time.Since(start).Seconds())
	l.metrics.TicksTotal.Inc()
	l.ticks.Add(1)
}

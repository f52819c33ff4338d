// Package service hosts the collection engine: it enumerates devices, binds
// counters, runs the loop and tears everything down in order on shutdown.
package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kubeadapt/gpumon/internal/collector"
	"github.com/kubeadapt/gpumon/internal/config"
	"github.com/kubeadapt/gpumon/internal/device"
	"github.com/kubeadapt/gpumon/internal/errors"
	"github.com/kubeadapt/gpumon/internal/facility"
	"github.com/kubeadapt/gpumon/internal/observability"
	"github.com/kubeadapt/gpumon/internal/publisher"
	"github.com/kubeadapt/gpumon/internal/telemetry"
)

// Service is the main orchestrator that wires together all subsystems.
type Service struct {
	config         config.Config
	source         telemetry.Source
	facility       facility.Facility
	registry       *device.Registry
	publisher      *publisher.Publisher
	loop           *collector.Loop
	errorCollector *errors.ErrorCollector
	metrics        *observability.Metrics

	ready     atomic.Bool
	startedAt time.Time

	mu       sync.Mutex
	started  bool
	shutdown bool
	cancel   context.CancelFunc
	syncDone chan struct{}
}

// New creates a Service with all required dependencies. The service takes
// ownership of source and releases it on Shutdown.
func New(
	cfg config.Config,
	source telemetry.Source,
	fac facility.Facility,
	errCollector *errors.ErrorCollector,
	metrics *observability.Metrics,
) *Service {
	naming := device.NameByLogicalID
	if cfg.UsePCIeIDInDeviceName {
		naming = device.NameByLocation
	}

	s := &Service{
		config:         cfg,
		source:         source,
		facility:       fac,
		registry:       device.NewRegistry(source, naming),
		errorCollector: errCollector,
		metrics:        metrics,
		startedAt:      time.Now(),
	}
	s.publisher = publisher.New(fac, cfg.Category, writeFailureRecorder{s})
	s.loop = collector.NewLoop(s.registry, s.publisher, cfg.UpdateInterval(), metrics, errCollector)
	return s
}

// IsReady reports whether the first collection tick has completed.
// Implements health.ReadinessChecker.
func (s *Service) IsReady() bool {
	return s.ready.Load()
}

// Devices returns a copy of the registered devices and their latest
// snapshots. Implements health.DeviceProvider.
func (s *Service) Devices() []device.Device {
	return s.registry.Devices()
}

// ActiveErrors returns errors reported within the last few minutes.
// Implements health.ErrorProvider.
func (s *Service) ActiveErrors() []errors.ActiveError {
	return s.errorCollector.GetActiveErrors()
}

// Uptime returns the time since the service was created.
func (s *Service) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

// Pause suspends collection without stopping the loop.
func (s *Service) Pause() { s.loop.Pause() }

// Resume undoes Pause.
func (s *Service) Resume() { s.loop.Resume() }

// Paused reports whether collection is suspended.
func (s *Service) Paused() bool { return s.loop.Paused() }

// Start enumerates devices, binds every counter and starts the loop. A
// telemetry source that cannot enumerate is not fatal: the service keeps
// running with zero devices and only the aggregate instance.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("service: already started")
	}
	s.started = true

	devices, err := s.registry.Enumerate(ctx)
	if err != nil {
		s.metrics.SourceUp.Set(0)
		s.errorCollector.Report(errors.TelemetryError{
			Code:      errors.ErrSourceUnavailable,
			Message:   err.Error(),
			Component: "source",
			Err:       err,
		})
		slog.Warn("service: telemetry source unavailable, continuing with no devices", "error", err)
	} else {
		s.metrics.SourceUp.Set(1)
	}

	for _, d := range devices {
		if !d.Failed {
			continue
		}
		s.errorCollector.Report(errors.TelemetryError{
			Code:      errors.ErrDeviceInitFailed,
			Message:   fmt.Sprintf("device %s failed to initialize", d.Instance),
			Component: d.Instance,
		})
	}
	s.metrics.Devices.Set(float64(len(devices)))
	slog.Info("service: devices enumerated", "count", len(devices))

	if err := s.publisher.BindAll(devices); err != nil {
		s.errorCollector.Report(errors.TelemetryError{
			Code:      errors.ErrBindFailed,
			Message:   err.Error(),
			Component: "publisher",
			Err:       err,
		})
		return fmt.Errorf("service: binding counters: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := s.loop.Start(ctx); err != nil {
		cancel()
		s.publisher.Teardown()
		return fmt.Errorf("service: starting collector: %w", err)
	}
	s.cancel = cancel
	s.syncDone = make(chan struct{})

	go func() {
		defer close(s.syncDone)
		if err := s.loop.WaitForSync(ctx); err != nil {
			return
		}
		s.ready.Store(true)
		slog.Info("service: ready", "devices", len(devices), "interval", s.loop.Interval())
	}()
	return nil
}

// Run starts the service and blocks until ctx is canceled, then shuts down.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		// Release the source even when nothing else came up.
		if shutdownErr := s.Shutdown(); shutdownErr != nil {
			slog.Warn("service: shutdown after failed start", "error", shutdownErr)
		}
		return err
	}
	<-ctx.Done()
	return s.Shutdown()
}

// Shutdown stops the loop, deletes every counter handle and the category,
// then releases the telemetry source. Later calls are no-ops.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil
	}
	s.shutdown = true

	if s.cancel != nil {
		s.cancel()
		<-s.syncDone
	}
	s.ready.Store(false)

	s.loop.Stop()
	s.publisher.Teardown()

	if err := s.facility.DeleteCategory(s.config.Category); err != nil &&
		!stderrors.Is(err, facility.ErrUnknownCategory) {
		slog.Warn("service: deleting category failed", "category", s.config.Category, "error", err)
	}

	if err := s.source.Shutdown(); err != nil {
		return fmt.Errorf("service: releasing telemetry source: %w", err)
	}
	slog.Info("service: shut down", "uptime", s.Uptime().Round(time.Second))
	return nil
}

// writeFailureRecorder turns swallowed publisher write errors into metrics
// and debug-visible errors.
type writeFailureRecorder struct {
	s *Service
}

func (r writeFailureRecorder) RecordWriteFailure(h facility.Handle, err error) {
	r.s.metrics.CounterWriteFailures.WithLabelValues(h.Key).Inc()
	r.s.errorCollector.Report(errors.TelemetryError{
		Code:      errors.ErrCounterWriteFailed,
		Message:   err.Error(),
		Component: h.String(),
		Err:       err,
	})
}

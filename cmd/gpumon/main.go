package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	_ "go.uber.org/automaxprocs"

	"github.com/kubeadapt/gpumon/internal/config"
	"github.com/kubeadapt/gpumon/internal/device"
	"github.com/kubeadapt/gpumon/internal/errors"
	"github.com/kubeadapt/gpumon/internal/facility"
	"github.com/kubeadapt/gpumon/internal/health"
	"github.com/kubeadapt/gpumon/internal/observability"
	"github.com/kubeadapt/gpumon/internal/service"
	"github.com/kubeadapt/gpumon/internal/telemetry"
	"github.com/kubeadapt/gpumon/internal/telemetry/nvml"
	"github.com/kubeadapt/gpumon/internal/telemetry/sysfs"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("gpumon exited with error", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath  string
		listDevices bool
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("gpumon", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML config file (default: $GPUMON_CONFIG_FILE)")
	flagSet.BoolVar(&listDevices, "list-devices", false, "print the detected GPUs and their counter instance names, then exit")
	flagSet.BoolVar(&showVersion, "version", false, "print the version and exit")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	if showVersion {
		fmt.Println("gpumon", version)
		return nil
	}

	// 1. Load and validate config.
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.Version = version
	slog.SetDefault(newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat))

	// 2. Open the telemetry source. NVML missing from the host is not fatal:
	// the service runs with zero devices and reports the source as down.
	source := openSource(cfg)

	if listDevices {
		defer func() { _ = source.Shutdown() }()
		return printDevices(context.Background(), os.Stdout, source, cfg)
	}

	// 3. Create context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("gpumon starting",
		"version", cfg.Version,
		"source", cfg.Source,
		"category", cfg.Category,
		"update_interval", cfg.UpdateInterval(),
	)

	// 4. Create shared infrastructure.
	metrics := observability.NewMetrics()
	errCollector := errors.NewErrorCollector(errors.RealClock{})
	counters := prometheus.NewRegistry()
	fac := facility.NewPrometheus(counters)

	svc := service.New(cfg, source, fac, errCollector, metrics)
	go handleSignals(ctx, cancel, svc)

	// 5. Start health server.
	healthSrv := health.NewServer(cfg.HealthPort, prometheus.Gatherers{counters, metrics.Registry},
		svc, svc, svc, cfg.DebugEndpoints)
	if err := healthSrv.Start(); err != nil {
		_ = source.Shutdown()
		return fmt.Errorf("failed to start health server: %w", err)
	}

	// 6. Start memory guard.
	go service.NewMemoryGuard(0.8, 30*time.Second, nil, nil).Run(ctx)

	// 7. Run service (blocks until context is canceled).
	runErr := svc.Run(ctx)

	// 8. Graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Stop(shutdownCtx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}

	slog.Info("gpumon stopped")
	return runErr
}

// handleSignals cancels on SIGINT/SIGTERM and pauses or resumes collection
// on SIGUSR1/SIGUSR2.
func handleSignals(ctx context.Context, cancel context.CancelFunc, svc *service.Service) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				svc.Pause()
			case syscall.SIGUSR2:
				svc.Resume()
			default:
				slog.Info("shutdown signal received", "signal", sig)
				cancel()
				return
			}
		}
	}
}

func openSource(cfg config.Config) telemetry.Source {
	if cfg.Source == config.SourceSysfs {
		return sysfs.New(cfg.SysfsRoot)
	}
	src, err := nvml.Open()
	if err != nil {
		slog.Warn("nvml unavailable", "error", err)
		return unavailableSource{err: err}
	}
	return src
}

// unavailableSource stands in for a source that could not be opened, so
// enumeration fails the normal way and the service keeps serving.
type unavailableSource struct {
	err error
}

func (s unavailableSource) Enumerate(context.Context) ([]telemetry.DeviceInfo, error) {
	return nil, s.err
}

func (s unavailableSource) Read(context.Context, int) (telemetry.Reading, error) {
	return telemetry.Reading{}, s.err
}

func (unavailableSource) Shutdown() error { return nil }

func printDevices(ctx context.Context, w io.Writer, source telemetry.Source, cfg config.Config) error {
	naming := device.NameByLogicalID
	if cfg.UsePCIeIDInDeviceName {
		naming = device.NameByLocation
	}
	devices, err := device.NewRegistry(source, naming).Enumerate(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Fprintln(w, "no GPUs found")
		return nil
	}
	for _, d := range devices {
		status := ""
		if d.Failed {
			status = " (failed)"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s%s\n", d.LogicalID, d.Instance, d.UUID, d.LocationTag, status)
	}
	return nil
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeadapt/gpumon/internal/config"
	"github.com/kubeadapt/gpumon/internal/device"
	telemetryerrors "github.com/kubeadapt/gpumon/internal/errors"
	"github.com/kubeadapt/gpumon/internal/facility/facilitytest"
	"github.com/kubeadapt/gpumon/internal/observability"
	"github.com/kubeadapt/gpumon/internal/publisher"
	"github.com/kubeadapt/gpumon/internal/telemetry"
	"github.com/kubeadapt/gpumon/internal/telemetry/telemetrytest"
)

const (
	testWaitTimeout  = 5 * time.Second
	testPollInterval = 5 * time.Millisecond
)

type testEnv struct {
	src     *telemetrytest.Source
	mem     *facilitytest.Memory
	metrics *observability.Metrics
	errs    *telemetryerrors.ErrorCollector
	svc     *Service
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.UpdateIntervalMsec = 5
	return cfg
}

func newTestEnv(t *testing.T, cfg config.Config, devices ...telemetry.DeviceInfo) *testEnv {
	t.Helper()
	src := telemetrytest.New(devices...)
	for _, d := range devices {
		src.SetReading(d.Index, telemetrytest.Full(50, 10, 8192, 1024, 40, 120000, 1200, 55))
	}
	env := &testEnv{
		src:     src,
		mem:     facilitytest.New(),
		metrics: observability.NewMetrics(),
		errs:    telemetryerrors.NewErrorCollector(telemetryerrors.RealClock{}),
	}
	env.svc = New(cfg, env.src, env.mem, env.errs, env.metrics)
	t.Cleanup(func() { _ = env.svc.Shutdown() })
	return env
}

func twoGPUs() []telemetry.DeviceInfo {
	return []telemetry.DeviceInfo{
		{Index: 0, Name: "Tesla T4", LocationTag: "0000:3b:00.0"},
		{Index: 1, Name: "A100", LocationTag: "0000:86:00.0"},
	}
}

func TestService_StartPublishesAndBecomesReady(t *testing.T) {
	env := newTestEnv(t, testConfig(), twoGPUs()...)
	assert.False(t, env.svc.IsReady())

	require.NoError(t, env.svc.Start(context.Background()))
	require.Eventually(t, env.svc.IsReady, testWaitTimeout, testPollInterval)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SourceUp))
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.Devices))

	// A100 sorts first and gets id 0.
	devs := env.svc.Devices()
	require.Len(t, devs, 2)
	assert.Equal(t, "A100(0)", devs[0].Instance)
	assert.Equal(t, "Tesla T4(1)", devs[1].Instance)

	assert.Equal(t, map[string]bool{
		"A100(0)":                   true,
		"Tesla T4(1)":               true,
		publisher.AggregateInstance: true,
	}, env.mem.Instances())

	v, ok := env.mem.Value("GPU", "power_watts", publisher.AggregateInstance)
	require.True(t, ok)
	assert.Equal(t, 240.0, v)
	v, _ = env.mem.Value("GPU", "gpu_time_percent_base", publisher.AggregateInstance)
	assert.Equal(t, 200.0, v)
}

func TestService_LocationNaming(t *testing.T) {
	cfg := testConfig()
	cfg.UsePCIeIDInDeviceName = true
	env := newTestEnv(t, cfg, twoGPUs()...)

	require.NoError(t, env.svc.Start(context.Background()))
	devs := env.svc.Devices()
	require.Len(t, devs, 2)
	assert.Equal(t, "A100(0000:86:00.0)", devs[0].Instance)
	assert.Equal(t, "Tesla T4(0000:3b:00.0)", devs[1].Instance)
}

func TestService_LocationCollision(t *testing.T) {
	cfg := testConfig()
	cfg.UsePCIeIDInDeviceName = true
	env := newTestEnv(t, cfg,
		telemetry.DeviceInfo{Index: 0, Name: "Tesla T4", LocationTag: "0000:3b:00.0"},
		telemetry.DeviceInfo{Index: 1, Name: "Tesla T4", LocationTag: "0000:3b:00.0"},
	)

	require.NoError(t, env.svc.Start(context.Background()), "duplicate names are not fatal")
	require.Eventually(t, env.svc.IsReady, testWaitTimeout, testPollInterval)

	devs := env.svc.Devices()
	require.Len(t, devs, 2)
	assert.Equal(t, "Tesla T4(0)", devs[0].Instance)
	assert.Equal(t, "Tesla T4(1)", devs[1].Instance)
	for _, d := range devs {
		v, ok := env.mem.Value("GPU", "temperature_celsius", d.Instance)
		require.True(t, ok, d.Instance)
		assert.Equal(t, 55.0, v)
	}
}

func TestService_StartTwice(t *testing.T) {
	env := newTestEnv(t, testConfig(), twoGPUs()...)
	require.NoError(t, env.svc.Start(context.Background()))
	assert.Error(t, env.svc.Start(context.Background()))
}

func TestService_SourceUnavailable(t *testing.T) {
	env := newTestEnv(t, testConfig(), twoGPUs()...)
	env.src.SetEnumerateError(telemetry.ErrUnavailable)

	require.NoError(t, env.svc.Start(context.Background()), "a missing source is not fatal")
	require.Eventually(t, env.svc.IsReady, testWaitTimeout, testPollInterval)

	assert.Empty(t, env.svc.Devices())
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.SourceUp))
	assert.Equal(t, 0.0, testutil.ToFloat64(env.metrics.Devices))
	assert.Contains(t, env.errs.GetActiveErrorCodes(), string(telemetryerrors.ErrSourceUnavailable))

	// Only the aggregate instance exists, with zero-device bases.
	assert.Equal(t, map[string]bool{publisher.AggregateInstance: true}, env.mem.Instances())
	v, ok := env.mem.Value("GPU", "fan_speed_percent_base", publisher.AggregateInstance)
	require.True(t, ok)
	assert.Zero(t, v)
}

func TestService_DeviceInitFailure(t *testing.T) {
	devices := []telemetry.DeviceInfo{
		{Index: 0, Name: "A100"},
		{Index: 1, Err: errors.New("handle lost")},
	}
	env := newTestEnv(t, testConfig(), devices...)

	require.NoError(t, env.svc.Start(context.Background()))
	require.Eventually(t, env.svc.IsReady, testWaitTimeout, testPollInterval)

	devs := env.svc.Devices()
	require.Len(t, devs, 2)
	assert.Equal(t, device.UnknownName, devs[1].Name)
	assert.True(t, devs[1].Failed)

	active := env.svc.ActiveErrors()
	var found bool
	for _, e := range active {
		if e.Code == telemetryerrors.ErrDeviceInitFailed {
			found = true
			assert.Equal(t, "Unknown GPU(1)", e.Component)
		}
	}
	assert.True(t, found, "expected DEVICE_INIT_FAILED among %v", active)

	v, ok := env.mem.Value("GPU", "temperature_celsius", "Unknown GPU(1)")
	require.True(t, ok)
	assert.Zero(t, v)
}

func TestService_WriteFailuresRecorded(t *testing.T) {
	env := newTestEnv(t, testConfig(), twoGPUs()...)
	env.mem.FailWrites("power_watts")

	require.NoError(t, env.svc.Start(context.Background()))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(env.metrics.CounterWriteFailures.WithLabelValues("power_watts")) >= 3
	}, testWaitTimeout, testPollInterval)

	assert.Contains(t, env.errs.GetActiveErrorCodes(), string(telemetryerrors.ErrCounterWriteFailed))
	// Other counters keep flowing.
	v, _ := env.mem.Value("GPU", "sm_clock_mhz", "A100(0)")
	assert.Equal(t, 1200.0, v)
}

func TestService_PauseResume(t *testing.T) {
	env := newTestEnv(t, testConfig(), twoGPUs()...)
	require.NoError(t, env.svc.Start(context.Background()))
	require.Eventually(t, env.svc.IsReady, testWaitTimeout, testPollInterval)

	env.svc.Pause()
	assert.True(t, env.svc.Paused())
	time.Sleep(20 * time.Millisecond)
	reads := env.src.Reads()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, reads, env.src.Reads())

	env.svc.Resume()
	assert.False(t, env.svc.Paused())
	require.Eventually(t, func() bool {
		return env.src.Reads() > reads
	}, testWaitTimeout, testPollInterval)
}

func TestService_ShutdownOrder(t *testing.T) {
	env := newTestEnv(t, testConfig(), twoGPUs()...)
	require.NoError(t, env.svc.Start(context.Background()))
	require.Eventually(t, env.svc.IsReady, testWaitTimeout, testPollInterval)

	require.NoError(t, env.svc.Shutdown())

	assert.False(t, env.svc.IsReady())
	assert.Zero(t, env.mem.Handles())
	assert.False(t, env.mem.CategoryExists("GPU"))
	assert.Equal(t, 1, env.src.Shutdowns())

	writes := env.mem.Writes()
	reads := env.src.Reads()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, writes, env.mem.Writes())
	assert.Equal(t, reads, env.src.Reads())

	require.NoError(t, env.svc.Shutdown())
	assert.Equal(t, 1, env.src.Shutdowns(), "second shutdown is a no-op")
}

func TestService_ShutdownWithoutStart(t *testing.T) {
	env := newTestEnv(t, testConfig(), twoGPUs()...)

	require.NoError(t, env.svc.Shutdown())
	assert.Equal(t, 1, env.src.Shutdowns())
	assert.Zero(t, env.src.Reads())
}

func TestService_Run(t *testing.T) {
	env := newTestEnv(t, testConfig(), twoGPUs()...)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- env.svc.Run(ctx) }()

	require.Eventually(t, env.svc.IsReady, testWaitTimeout, testPollInterval)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(testWaitTimeout):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, env.src.Shutdowns())
	assert.Zero(t, env.mem.Handles())
}

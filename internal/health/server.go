package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kubeadapt/gpumon/internal/device"
	"github.com/kubeadapt/gpumon/internal/errors"
)

// ReadinessChecker reports whether the first collection tick has completed.
type ReadinessChecker interface {
	IsReady() bool
}

// DeviceProvider returns the registered devices for debugging.
type DeviceProvider interface {
	Devices() []device.Device
}

// ErrorProvider returns recently reported errors for debugging.
type ErrorProvider interface {
	ActiveErrors() []errors.ActiveError
}

// Server exposes health, readiness, metrics, and debug endpoints.
type Server struct {
	httpServer *http.Server
	readiness  ReadinessChecker
	devices    DeviceProvider
	errs       ErrorProvider
	listener   net.Listener
}

// NewServer creates a new health server on the given port.
// Pass port=0 to let the OS pick a free port (useful for tests).
// /metrics merges every gatherer, typically the published GPU counters and
// gpumon's own metrics. When enableDebug is true, pprof and debug endpoints
// are registered.
func NewServer(port int, gatherers prometheus.Gatherers, readiness ReadinessChecker, devices DeviceProvider, errs ErrorProvider, enableDebug bool) *Server {
	s := &Server{
		readiness: readiness,
		devices:   devices,
		errs:      errs,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	// Compression is left to the gzhttp wrapper below.
	mux.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{
		DisableCompression: true,
		ErrorLog:           slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}))

	if enableDebug {
		// pprof handlers, only enabled when GPUMON_DEBUG_ENDPOINTS=true
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		// debug endpoints
		mux.HandleFunc("/debug/devices", s.handleDebugDevices)
		mux.HandleFunc("/debug/errors", s.handleDebugErrors)
	}

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", port),
		Handler:        gzhttp.GzipHandler(mux),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return s
}

// Start begins listening and serving HTTP in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("health server listen: %w", err)
	}
	s.listener = ln
	// Update Addr to the actual address (important when port=0).
	s.httpServer.Addr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health server stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// Addr returns the listen address, resolved once Start has run.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	ready := s.readiness.IsReady()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]bool{"ready": ready})
}

func (s *Server) handleDebugDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.devices.Devices()
	if devices == nil {
		devices = []device.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleDebugErrors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.errs.ActiveErrors())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

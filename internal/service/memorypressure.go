package service

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"time"
)

// MemStatsProvider abstracts runtime.MemStats reading for testability.
type MemStatsProvider interface {
	ReadMemStats(m *runtime.MemStats)
}

type runtimeMemStats struct{}

func (runtimeMemStats) ReadMemStats(m *runtime.MemStats) { runtime.ReadMemStats(m) }

// MemoryGuard polls the runtime heap and calls onPressure whenever usage
// exceeds threshold * GOMEMLIMIT. It does nothing when no limit is set.
type MemoryGuard struct {
	threshold  float64
	interval   time.Duration
	onPressure func()
	provider   MemStatsProvider
	limit      func() int64
}

// NewMemoryGuard creates a guard. A nil provider reads the real runtime
// stats; a nil onPressure returns freed memory to the OS.
func NewMemoryGuard(threshold float64, interval time.Duration, onPressure func(), provider MemStatsProvider) *MemoryGuard {
	if provider == nil {
		provider = runtimeMemStats{}
	}
	if onPressure == nil {
		onPressure = debug.FreeOSMemory
	}
	return &MemoryGuard{
		threshold:  threshold,
		interval:   interval,
		onPressure: onPressure,
		provider:   provider,
		limit:      func() int64 { return debug.SetMemoryLimit(-1) },
	}
}

// Run polls until ctx is canceled.
func (g *MemoryGuard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ratio, over := g.check(); over {
				slog.Warn("service: memory pressure, releasing heap", "ratio", ratio, "threshold", g.threshold)
				g.onPressure()
			}
		}
	}
}

// check returns the usage ratio against GOMEMLIMIT and whether it exceeds
// the threshold. math.MaxInt64 means no limit was configured.
func (g *MemoryGuard) check() (float64, bool) {
	limit := g.limit()
	if limit <= 0 || limit == math.MaxInt64 {
		return 0, false
	}

	var stats runtime.MemStats
	g.provider.ReadMemStats(&stats)

	ratio := float64(stats.Sys-stats.HeapReleased) / float64(limit)
	return ratio, ratio > g.threshold
}

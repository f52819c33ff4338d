package service

import (
	"context"
	"math"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeMemStats returns pre-configured MemStats for testing.
type fakeMemStats struct {
	sys          uint64
	heapReleased uint64
}

func (f *fakeMemStats) ReadMemStats(m *runtime.MemStats) {
	m.Sys = f.sys
	m.HeapReleased = f.heapReleased
}

func newTestGuard(limit int64, stats *fakeMemStats, called *atomic.Int32) *MemoryGuard {
	g := NewMemoryGuard(0.8, 5*time.Millisecond, func() { called.Add(1) }, stats)
	g.limit = func() int64 { return limit }
	return g
}

func runFor(g *MemoryGuard, d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	g.Run(ctx)
}

func TestMemoryGuard_ThresholdExceeded(t *testing.T) {
	var called atomic.Int32
	// 90 used of 100 = 0.9 > 0.8
	g := newTestGuard(100, &fakeMemStats{sys: 90}, &called)

	runFor(g, 50*time.Millisecond)
	assert.Greater(t, called.Load(), int32(0), "onPressure should have been called")
}

func TestMemoryGuard_BelowThreshold(t *testing.T) {
	var called atomic.Int32
	// 50 used of 100 = 0.5 < 0.8
	g := newTestGuard(100, &fakeMemStats{sys: 50}, &called)

	runFor(g, 50*time.Millisecond)
	assert.Equal(t, int32(0), called.Load())
}

func TestMemoryGuard_HeapReleasedNotCounted(t *testing.T) {
	var called atomic.Int32
	// 95 - 30 = 65 of 100
	g := newTestGuard(100, &fakeMemStats{sys: 95, heapReleased: 30}, &called)

	ratio, over := g.check()
	assert.InDelta(t, 0.65, ratio, 1e-9)
	assert.False(t, over)
}

func TestMemoryGuard_NoLimit(t *testing.T) {
	var called atomic.Int32
	g := newTestGuard(math.MaxInt64, &fakeMemStats{sys: 1 << 40}, &called)

	_, over := g.check()
	assert.False(t, over)

	runFor(g, 30*time.Millisecond)
	assert.Equal(t, int32(0), called.Load())
}

func TestMemoryGuard_RunReturnsOnCancel(t *testing.T) {
	var called atomic.Int32
	g := newTestGuard(100, &fakeMemStats{sys: 10}, &called)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

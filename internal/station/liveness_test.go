package station

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLivenessMonitorTicks(t *testing.T) {
	var ticks atomic.Int32
	m := NewLivenessMonitor(time.Millisecond, func(time.Time) { ticks.Add(1) })
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestLivenessMonitorStopsWithinATick(t *testing.T) {
	var ticks atomic.Int32
	m := NewLivenessMonitor(10*time.Millisecond, func(time.Time) { ticks.Add(1) })
	m.Start()

	start := time.Now()
	m.Stop()
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	n := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, ticks.Load(), "no ticks after Stop")

	m.Stop()
}

func TestLivenessMonitorStopWithoutStart(t *testing.T) {
	m := NewLivenessMonitor(time.Second, func(time.Time) {})
	m.Stop()
}

func TestLivenessMonitorStartStopConcurrent(t *testing.T) {
	for i := 0; i < 50; i++ {
		m := NewLivenessMonitor(time.Millisecond, func(time.Time) {})
		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); m.Start() }()
		go func() { defer wg.Done(); m.Stop() }()
		go func() { defer wg.Done(); m.Start() }()
		wg.Wait()
		m.Stop()
	}
}

func TestLivenessMonitorStartAfterStop(t *testing.T) {
	var ticks atomic.Int32
	m := NewLivenessMonitor(time.Millisecond, func(time.Time) { ticks.Add(1) })
	m.Stop()
	m.Start()

	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, ticks.Load())
	m.Stop()
}

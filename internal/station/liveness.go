package station

import (
	"sync"
	"time"
)

// LivenessMonitor calls tick every interval until stopped, so staleness is
// acted on even when no message arrives.
type LivenessMonitor struct {
	interval time.Duration
	tick     func(now time.Time)

	stop chan struct{}
	done chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewLivenessMonitor creates a stopped monitor.
func NewLivenessMonitor(interval time.Duration, tick func(now time.Time)) *LivenessMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &LivenessMonitor{
		interval: interval,
		tick:     tick,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the ticking goroutine. It does nothing after Stop or on a
// second call.
func (m *LivenessMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	go m.run()
}

func (m *LivenessMonitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			// Prefer stopping over a tick that raced with Stop.
			select {
			case <-m.stop:
				return
			default:
			}
			m.tick(now)
		}
	}
}

// Stop signals the goroutine and waits for it to exit. A tick in progress
// runs to completion. Safe to call more than once.
func (m *LivenessMonitor) Stop() {
	m.mu.Lock()
	started := m.started
	if !m.stopped {
		m.stopped = true
		close(m.stop)
	}
	m.mu.Unlock()
	if started {
		<-m.done
	}
}

package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/pump-station/internal/logic"
	"github.com/sweeney/pump-station/internal/status"
)

type point struct {
	kind  string
	name  string
	value float64
	tags  []string
}

type fakeClient struct {
	mu     sync.Mutex
	points []point
	closed bool
}

func (f *fakeClient) Gauge(name string, value float64, tags []string, rate float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, point{"gauge", name, value, tags})
	return nil
}

func (f *fakeClient) Incr(name string, tags []string, rate float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, point{"count", name, 1, tags})
	return nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func (f *fakeClient) find(name string) (point, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.points) - 1; i >= 0; i-- {
		if f.points[i].name == name {
			return f.points[i], true
		}
	}
	return point{}, false
}

func TestObserveModeChange(t *testing.T) {
	c := &fakeClient{}
	s := NewWithClient(c)

	s.Observe(logic.Event{Type: logic.EventModeChange, From: logic.ModeLocal, To: logic.ModeNetwork, Trigger: logic.TriggerPeer})

	p, ok := c.find("mode_change")
	require.True(t, ok)
	assert.Equal(t, []string{"from:local", "to:network", "trigger:peer_update"}, p.tags)

	g, ok := c.find("network_mode")
	require.True(t, ok)
	assert.Equal(t, 1.0, g.value)
}

func TestObservePumpCommand(t *testing.T) {
	c := &fakeClient{}
	s := NewWithClient(c)

	s.Observe(logic.Event{Type: logic.EventPumpCommand, Run: false, Trigger: logic.TriggerTick})

	p, ok := c.find("pump_command")
	require.True(t, ok)
	assert.Contains(t, p.tags, "pump:stop")

	g, _ := c.find("pump_intent")
	assert.Equal(t, 0.0, g.value)
}

func TestObserveLifecycle(t *testing.T) {
	c := &fakeClient{}
	s := NewWithClient(c)

	s.Observe(logic.Event{Type: logic.EventShutdown, Reason: "SIGTERM"})

	p, ok := c.find("lifecycle")
	require.True(t, ok)
	assert.Equal(t, []string{"event:SHUTDOWN"}, p.tags)
}

func TestReport(t *testing.T) {
	c := &fakeClient{}
	s := NewWithClient(c)

	cfg := logic.Config{StationID: 1, Stations: 3, ControlsPump: true, LivenessTimeout: 30 * time.Second}
	tr := status.NewTracker(cfg, time.Now(), status.Display{})
	tr.UpdateLocal(logic.SensorSnapshot{PressureOK: true}, time.Now())
	tr.UpdatePeer(2, logic.SensorSnapshot{}, time.Now().Add(-10*time.Second))
	tr.UpdatePeer(3, logic.SensorSnapshot{}, time.Now())
	tr.ExpirePeer(3)

	s.Report(tr.Snapshot())

	g, ok := c.find("sensor.pressure_ok")
	require.True(t, ok)
	assert.Equal(t, 1.0, g.value)

	age, ok := c.find("peer_age_seconds")
	require.True(t, ok)
	assert.Equal(t, []string{"peer:2"}, age.tags, "expired peers have no age")
	assert.InDelta(t, 10, age.value, 1)
}

func TestReportBeforeFirstFrame(t *testing.T) {
	c := &fakeClient{}
	s := NewWithClient(c)

	cfg := logic.Config{StationID: 3, Stations: 3}
	s.Report(status.NewTracker(cfg, time.Now(), status.Display{}).Snapshot())

	_, ok := c.find("sensor.fault")
	assert.False(t, ok, "no sensor gauges without a frame")
	_, ok = c.find("network_mode")
	assert.True(t, ok)
}

func TestRunStopsOnCancel(t *testing.T) {
	c := &fakeClient{}
	s := NewWithClient(c)
	cfg := logic.Config{StationID: 1, Stations: 3}
	tr := status.NewTracker(cfg, time.Now(), status.Display{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Millisecond, tr.Snapshot)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := c.find("uptime_seconds")
		return ok
	}, time.Second, time.Millisecond)
	cancel()
	<-done

	require.NoError(t, s.Close())
	assert.True(t, c.closed)
}

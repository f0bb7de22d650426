package station

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/pump-station/internal/logic"
	"github.com/sweeney/pump-station/internal/mqtt"
	"github.com/sweeney/pump-station/internal/serial"
	"github.com/sweeney/pump-station/internal/status"
)

const (
	waitFor = time.Second
	poll    = time.Millisecond
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: t0} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventLog struct {
	mu     sync.Mutex
	events []logic.Event
}

func (l *eventLog) Observe(e logic.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) has(typ logic.EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

type harness struct {
	station *PumpStation
	link    *serial.FakeLink
	bus     *mqtt.FakeBus
	clock   *clock
	events  *eventLog
}

func stationConfig(id int) logic.Config {
	return logic.Config{
		StationID:         id,
		Stations:          3,
		ControlsPump:      id < 3,
		HasTank:           id > 1,
		LivenessTimeout:   30 * time.Second,
		LocalPumpInterval: 300 * time.Second,
	}
}

func newHarness(t *testing.T, cfg logic.Config, bus StatusBus) *harness {
	t.Helper()
	h := &harness{
		link:   serial.NewFakeLink(),
		clock:  newClock(),
		events: &eventLog{},
	}
	if bus == nil {
		h.bus = mqtt.NewFakeBus()
		bus = h.bus
	}
	nop := zerolog.Nop()
	h.station = New(cfg, h.link, bus, status.NewTracker(cfg, t0, status.Display{}), Options{
		Logger:            &nop,
		Now:               h.clock.Now,
		TickInterval:      2 * time.Millisecond,
		HeartbeatInterval: 2 * time.Second,
		Observers:         []Observer{h.events},
	})
	h.station.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.station.Shutdown(ctx, "test")
	})
	return h
}

func (h *harness) lastCommand() (logic.PumpIntent, bool) {
	return h.link.LastCommand()
}

func (h *harness) commandIs(run bool) func() bool {
	return func() bool {
		c, ok := h.lastCommand()
		return ok && c.Run == run
	}
}

func (h *harness) modeIs(m logic.Mode) func() bool {
	return func() bool { return h.station.Tracker().Snapshot().Mode == m }
}

// toNetwork puts a head station in network mode feeding an empty tank.
func (h *harness) toNetwork(t *testing.T) {
	t.Helper()
	h.link.Emit(logic.SensorSnapshot{PressureOK: true})
	h.bus.Deliver(logic.PeerMessage{StationID: 2, Kind: logic.MessageStatus})
	require.Eventually(t, h.modeIs(logic.ModeNetwork), waitFor, poll)
	require.Eventually(t, h.commandIs(true), waitFor, poll)
}

func TestStartupAssertsStop(t *testing.T) {
	h := newHarness(t, stationConfig(1), nil)

	require.Eventually(t, h.commandIs(false), waitFor, poll)
	require.Eventually(t, func() bool { return h.events.has(logic.EventStartup) }, waitFor, poll)
	assert.Equal(t, logic.ModeLocal, h.station.Tracker().Snapshot().Mode)
}

func TestFrameIsRepublished(t *testing.T) {
	h := newHarness(t, stationConfig(2), nil)
	frame := logic.SensorSnapshot{TopLevel: true, BottomLevel: true}

	h.link.Emit(frame)

	require.Eventually(t, func() bool {
		for _, s := range h.bus.Statuses() {
			if s.StationID == 2 && s.Snapshot == frame {
				return true
			}
		}
		return false
	}, waitFor, poll)
	assert.Equal(t, frame, h.station.Tracker().Snapshot().Local)
}

func TestHeadRunsWhenNeighbourEmpty(t *testing.T) {
	h := newHarness(t, stationConfig(1), nil)
	h.toNetwork(t)

	require.Eventually(t, func() bool {
		return h.events.has(logic.EventModeChange) && h.events.has(logic.EventPumpCommand)
	}, waitFor, poll)
}

func TestHeadStopsWhenNeighbourFull(t *testing.T) {
	h := newHarness(t, stationConfig(1), nil)
	h.toNetwork(t)

	h.bus.Deliver(logic.PeerMessage{
		StationID: 2,
		Kind:      logic.MessageStatus,
		Snapshot:  logic.SensorSnapshot{TopLevel: true, BottomLevel: true},
	})
	require.Eventually(t, h.commandIs(false), waitFor, poll)
}

func TestEchoIgnored(t *testing.T) {
	h := newHarness(t, stationConfig(1), nil)

	h.bus.Deliver(logic.PeerMessage{StationID: 1, Kind: logic.MessageStatus})

	assert.Empty(t, h.station.Tracker().Snapshot().Peers)
}

func TestUnmonitoredPeerRecordedOnly(t *testing.T) {
	h := newHarness(t, stationConfig(1), nil)
	h.link.Emit(logic.SensorSnapshot{PressureOK: true})

	h.bus.Deliver(logic.PeerMessage{StationID: 3, Kind: logic.MessageStatus})

	snap := h.station.Tracker().Snapshot()
	assert.Contains(t, snap.Peers, 3)
	assert.Equal(t, logic.ModeLocal, snap.Mode, "station 3 never drives station 1")
}

func TestStaleNeighbourForcesLocal(t *testing.T) {
	h := newHarness(t, stationConfig(1), nil)
	h.toNetwork(t)

	h.clock.Advance(31 * time.Second)

	require.Eventually(t, h.modeIs(logic.ModeLocal), waitFor, poll)
}

func TestHeartbeatKeepsNeighbourLive(t *testing.T) {
	h := newHarness(t, stationConfig(1), nil)
	h.toNetwork(t)

	for i := 0; i < 4; i++ {
		h.clock.Advance(20 * time.Second)
		h.bus.Deliver(logic.PeerMessage{StationID: 2, Kind: logic.MessageAlive})
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, logic.ModeNetwork, h.station.Tracker().Snapshot().Mode)
}

func TestOfflineNeighbourForcesLocal(t *testing.T) {
	h := newHarness(t, stationConfig(1), nil)
	h.toNetwork(t)

	h.bus.Deliver(logic.PeerMessage{StationID: 2, Kind: logic.MessageOffline})

	assert.Equal(t, logic.ModeLocal, h.station.Tracker().Snapshot().Mode)
}

func TestTransportDownForcesLocal(t *testing.T) {
	h := newHarness(t, stationConfig(1), nil)
	h.toNetwork(t)

	h.bus.SetConnected(false)

	require.Eventually(t, h.modeIs(logic.ModeLocal), waitFor, poll)
	require.Eventually(t, func() bool {
		return !h.station.Tracker().Snapshot().BusConnected
	}, waitFor, poll)
}

func TestMonitoringOnlyNeverCommands(t *testing.T) {
	cfg := stationConfig(2)
	cfg.ControlsPump = false
	h := newHarness(t, cfg, nil)

	h.link.Emit(logic.SensorSnapshot{TopLevel: true, BottomLevel: true})
	h.bus.Deliver(logic.PeerMessage{StationID: 3, Kind: logic.MessageStatus})
	h.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, h.link.Commands())
}

func TestTailNeverCommands(t *testing.T) {
	h := newHarness(t, stationConfig(3), nil)

	h.link.Emit(logic.SensorSnapshot{Fault: true})
	h.bus.Deliver(logic.PeerMessage{StationID: 2, Kind: logic.MessageStatus})
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, h.link.Commands())
}

func TestHeartbeatWhenNoFrames(t *testing.T) {
	h := newHarness(t, stationConfig(3), nil)

	h.clock.Advance(3 * time.Second)

	require.Eventually(t, func() bool {
		beats := h.bus.Liveness()
		return len(beats) > 0 && beats[0] == 3
	}, waitFor, poll)
}

func TestNoHeartbeatWhileFramesFlow(t *testing.T) {
	h := newHarness(t, stationConfig(3), nil)

	for i := 0; i < 5; i++ {
		h.clock.Advance(time.Second)
		h.link.Emit(logic.SensorSnapshot{})
		time.Sleep(5 * time.Millisecond)
	}
	assert.Empty(t, h.bus.Liveness())
}

func TestFailedCommandIsResent(t *testing.T) {
	h := newHarness(t, stationConfig(1), nil)
	h.link.SetSendError(errors.New("write: broken pipe"))

	h.link.Emit(logic.SensorSnapshot{PressureOK: true})
	h.bus.Deliver(logic.PeerMessage{StationID: 2, Kind: logic.MessageStatus})
	require.Eventually(t, func() bool {
		return h.station.Tracker().Snapshot().Counts.CommandFailures > 0
	}, waitFor, poll)

	h.link.SetSendError(nil)
	require.Eventually(t, h.commandIs(true), waitFor, poll)
}

// panickyBus fails inside the decision path on demand.
type panickyBus struct {
	*mqtt.FakeBus
	broken atomic.Bool
}

func (b *panickyBus) IsConnected() bool {
	if b.broken.Load() {
		panic("bus state corrupted")
	}
	return b.FakeBus.IsConnected()
}

func TestCallbackPanicForcesLocalStop(t *testing.T) {
	bus := &panickyBus{FakeBus: mqtt.NewFakeBus()}
	h := newHarness(t, stationConfig(1), bus)
	h.bus = bus.FakeBus
	h.toNetwork(t)

	bus.broken.Store(true)
	assert.NotPanics(t, func() {
		h.link.Emit(logic.SensorSnapshot{PressureOK: true})
	})

	require.Eventually(t, h.commandIs(false), waitFor, poll)
	snap := h.station.Tracker().Snapshot()
	assert.Equal(t, logic.ModeLocal, snap.Mode)
	assert.GreaterOrEqual(t, snap.Counts.Recoveries, 1)
}

func TestObserverPanicIsContained(t *testing.T) {
	link := serial.NewFakeLink()
	bus := mqtt.NewFakeBus()
	cfg := stationConfig(1)
	nop := zerolog.Nop()
	good := &eventLog{}
	s := New(cfg, link, bus, status.NewTracker(cfg, t0, status.Display{}), Options{
		Logger: &nop,
		Observers: []Observer{
			ObserverFunc(func(logic.Event) { panic("observer bug") }),
			good,
		},
	})
	s.Start()
	defer s.Shutdown(context.Background(), "test")

	require.Eventually(t, func() bool { return good.has(logic.EventStartup) }, waitFor, poll)
	require.Eventually(t, func() bool { return len(bus.Events()) > 0 }, waitFor, poll)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, stationConfig(1), nil)
	h.toNetwork(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.station.Shutdown(ctx, "SIGTERM"))

	last, ok := h.lastCommand()
	require.True(t, ok)
	assert.False(t, last.Run, "shutdown leaves the pump stopped")
	assert.True(t, h.link.Closed())
	assert.True(t, h.bus.Closed())

	events := h.bus.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, logic.EventShutdown, events[len(events)-1].Type)
	assert.Equal(t, "SIGTERM", events[len(events)-1].Reason)

	// Late callbacks are ignored.
	n := len(h.link.Commands())
	h.link.Emit(logic.SensorSnapshot{PressureOK: true})
	assert.Len(t, h.link.Commands(), n)

	assert.NoError(t, h.station.Shutdown(ctx, "again"))
}

func TestShutdownBeforeStart(t *testing.T) {
	link := serial.NewFakeLink()
	bus := mqtt.NewFakeBus()
	cfg := stationConfig(1)
	s := New(cfg, link, bus, status.NewTracker(cfg, t0, status.Display{}), Options{})

	require.NoError(t, s.Shutdown(context.Background(), "test"))
	assert.True(t, link.Closed())
	assert.True(t, bus.Closed())
}

// stallingWriter blocks the first log write that contains match until
// released, holding the logging goroutine mid-callback.
type stallingWriter struct {
	match   []byte
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStallingWriter(match string) *stallingWriter {
	w := &stallingWriter{
		match:   []byte(match),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	w.armed.Store(true)
	return w
}

func (w *stallingWriter) Write(p []byte) (int, error) {
	if bytes.Contains(p, w.match) && w.armed.CompareAndSwap(true, false) {
		close(w.entered)
		<-w.release
	}
	return len(p), nil
}

func (w *stallingWriter) Release() {
	w.once.Do(func() { close(w.release) })
}

func TestSlowCallbackCannotOverwriteNewerCommand(t *testing.T) {
	link := serial.NewFakeLink()
	bus := mqtt.NewFakeBus()
	clk := newClock()
	cfg := stationConfig(1)
	w := newStallingWriter(`"mode change"`)
	defer w.Release()
	logger := zerolog.New(w)
	tracker := status.NewTracker(cfg, t0, status.Display{})
	s := New(cfg, link, bus, tracker, Options{
		Logger:       &logger,
		Now:          clk.Now,
		TickInterval: 2 * time.Millisecond,
	})
	s.Start()
	defer func() {
		w.Release()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx, "test")
	}()

	link.Emit(logic.SensorSnapshot{PressureOK: true})

	// The neighbour reports full: the station enters network mode and decides
	// stop, then stalls logging the mode change before handing stop over.
	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		bus.Deliver(logic.PeerMessage{
			StationID: 2,
			Kind:      logic.MessageStatus,
			Snapshot:  logic.SensorSnapshot{TopLevel: true, BottomLevel: true},
		})
	}()
	select {
	case <-w.entered:
	case <-time.After(waitFor):
		t.Fatal("mode change was never logged")
	}

	// Meanwhile the neighbour drains and a newer run is decided and sent.
	bus.Deliver(logic.PeerMessage{StationID: 2, Kind: logic.MessageStatus})
	require.True(t, tracker.Snapshot().LastSent.Run)

	w.Release()
	<-slowDone
	time.Sleep(20 * time.Millisecond)

	snap := tracker.Snapshot()
	assert.Equal(t, logic.ModeNetwork, snap.Mode)
	assert.True(t, snap.Intent.Run)
	last, ok := link.LastCommand()
	require.True(t, ok)
	assert.Equal(t, snap.LastSent, last, "link must end on the tracker's last command")
}

// closeFailLink fails to release its port.
type closeFailLink struct {
	*serial.FakeLink
	err error
}

func (l *closeFailLink) Close() error {
	l.FakeLink.Close()
	return l.err
}

func TestShutdownWrapsCloseErrors(t *testing.T) {
	errPort := errors.New("port busy")
	link := &closeFailLink{FakeLink: serial.NewFakeLink(), err: errPort}
	bus := mqtt.NewFakeBus()
	cfg := stationConfig(1)
	nop := zerolog.Nop()
	s := New(cfg, link, bus, status.NewTracker(cfg, t0, status.Display{}), Options{Logger: &nop})
	s.Start()

	err := s.Shutdown(context.Background(), "test")
	require.Error(t, err)
	assert.ErrorIs(t, err, errPort)
	assert.Contains(t, err.Error(), "close sensor link")
	assert.True(t, bus.Closed())
}

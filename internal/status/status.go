// Package status holds the authoritative, mutex-guarded state of one pump
// station. It is written by the station's event sources and read by the
// decision pass and the HTTP handlers.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/pump-station/internal/logic"
)

// Display contains configuration shown on the status page.
type Display struct {
	Link        string // "serial" or "gpio"
	Broker      string
	HTTPAddr    string
	TickMs      int64
	HeartbeatMs int64
}

// Counts are running totals since start.
type Counts struct {
	Frames          int
	PeerMessages    int
	ModeChanges     int
	Commands        int
	CommandFailures int
	Recoveries      int
}

// Snapshot is a point-in-time view of station state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Config  logic.Config
	Display Display

	Local     logic.SensorSnapshot
	HasLocal  bool
	LastFrame time.Time

	Peers map[int]logic.PeerRecord

	Mode      logic.Mode
	ModeSince time.Time

	Intent   logic.PumpIntent
	Sent     bool
	LastSent logic.PumpIntent
	Toggle   logic.LocalToggle

	LinkConnected bool
	BusConnected  bool

	Counts    Counts
	StartTime time.Time
	Now       time.Time
}

// Uptime returns the duration since the station started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// MonitoredPeer returns the record of the neighbour that drives network mode.
func (s Snapshot) MonitoredPeer() (int, logic.PeerRecord, bool) {
	id, ok := s.Config.MonitoredPeer()
	if !ok {
		return 0, logic.PeerRecord{}, false
	}
	p, known := s.Peers[id]
	return id, p, known
}

// Tracker holds mutable station state behind an RWMutex.
// Every method is one exclusive section, so a decision always sees a fully
// updated view.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	seq  uint64 // last command sequence number issued
}

// NewTracker creates a Tracker in local mode with no peers.
func NewTracker(cfg logic.Config, start time.Time, display Display) *Tracker {
	return &Tracker{
		snap: Snapshot{
			Config:    cfg,
			Display:   display,
			Peers:     make(map[int]logic.PeerRecord),
			Mode:      logic.ModeLocal,
			ModeSince: start,
			StartTime: start,
		},
	}
}

// UpdateLocal replaces the local sensor snapshot with a new frame.
func (t *Tracker) UpdateLocal(s logic.SensorSnapshot, now time.Time) {
	t.mu.Lock()
	t.snap.Local = s
	t.snap.HasLocal = true
	t.snap.LastFrame = now
	t.snap.Counts.Frames++
	t.mu.Unlock()
}

// UpdatePeer records a status report from another station.
func (t *Tracker) UpdatePeer(id int, s logic.SensorSnapshot, now time.Time) {
	t.mu.Lock()
	t.snap.Peers[id] = logic.PeerRecord{Snapshot: s, LastSeen: now}
	t.snap.Counts.PeerMessages++
	t.mu.Unlock()
}

// TouchPeer refreshes the liveness of a known peer from a heartbeat.
// Unknown peers are not created. Reports whether the peer was known.
func (t *Tracker) TouchPeer(id int, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Counts.PeerMessages++
	p, ok := t.snap.Peers[id]
	if !ok {
		return false
	}
	p.LastSeen = now
	t.snap.Peers[id] = p
	return true
}

// ExpirePeer marks a peer stale at once, keeping its last snapshot for display.
func (t *Tracker) ExpirePeer(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Counts.PeerMessages++
	p, ok := t.snap.Peers[id]
	if !ok {
		return false
	}
	p.LastSeen = time.Time{}
	t.snap.Peers[id] = p
	return true
}

// SetMode sets the mode directly.
func (t *Tracker) SetMode(m logic.Mode, now time.Time) {
	t.mu.Lock()
	if m != t.snap.Mode {
		t.snap.Mode = m
		t.snap.ModeSince = now
		t.snap.Counts.ModeChanges++
	}
	t.mu.Unlock()
}

// SetConnectivity records transport state for display.
func (t *Tracker) SetConnectivity(link, bus bool) {
	t.mu.Lock()
	t.snap.LinkConnected = link
	t.snap.BusConnected = bus
	t.mu.Unlock()
}

// Decide reads state, runs a decision and writes the resulting mode, intent
// and toggle back, all in one exclusive section.
func (t *Tracker) Decide(trigger logic.Trigger, now time.Time, transportUp bool) logic.Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snap.BusConnected = transportUp
	d := logic.Decide(t.snap.Config, t.viewLocked(transportUp), trigger, now)
	t.applyLocked(&d, now)
	return d
}

// ForceLocal drops to local mode and stops the pump. Used after a failed
// callback, when nothing about the last update can be trusted, and on shutdown.
func (t *Tracker) ForceLocal(trigger logic.Trigger, now time.Time) logic.Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := logic.Decide(t.snap.Config, t.viewLocked(false), trigger, now)
	d.Intent = logic.PumpIntent{}
	d.Held = false
	d.Toggle = logic.LocalToggle{Last: now}
	if t.snap.Config.ControlsPump && t.snap.Config.Role() != logic.RoleTail {
		d.Changed = !t.snap.Sent || t.snap.LastSent.Run
		d.Command = true
	}
	if trigger.Kind == logic.TriggerRecovery {
		t.snap.Counts.Recoveries++
	}
	t.applyLocked(&d, now)
	return d
}

// MarkCommandFailed records that sending command seq failed. If it is still
// the latest command, the next pass sends it again.
func (t *Tracker) MarkCommandFailed(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.Counts.CommandFailures++
	if seq == t.seq {
		t.snap.Sent = false
	}
}

func (t *Tracker) viewLocked(transportUp bool) logic.View {
	return logic.View{
		Local:       t.snap.Local,
		Peers:       t.snap.Peers,
		Mode:        t.snap.Mode,
		TransportUp: transportUp,
		Intent:      t.snap.Intent,
		Sent:        t.snap.Sent,
		LastSent:    t.snap.LastSent,
		Toggle:      t.snap.Toggle,
	}
}

func (t *Tracker) applyLocked(d *logic.Decision, now time.Time) {
	if d.ModeChanged {
		t.snap.Mode = d.Mode
		t.snap.ModeSince = now
		t.snap.Counts.ModeChanges++
	}
	t.snap.Intent = d.Intent
	t.snap.Toggle = d.Toggle
	if d.Command {
		t.seq++
		d.Seq = t.seq
		t.snap.Sent = true
		t.snap.LastSent = d.Intent
		t.snap.Counts.Commands++
	}
}

// Snapshot returns a point-in-time copy of the station state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Peers = make(map[int]logic.PeerRecord, len(t.snap.Peers))
	for id, p := range t.snap.Peers {
		s.Peers[id] = p
	}
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}

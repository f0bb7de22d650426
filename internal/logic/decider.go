package logic

import "time"

// LocalToggle is the alternating run/stop timer used by the head station
// when it has no network view of the tank it feeds.
type LocalToggle struct {
	Run  bool
	Last time.Time
}

// View is one consistent snapshot of station state that a decision is
// computed from.
type View struct {
	Local       SensorSnapshot
	Peers       map[int]PeerRecord
	Mode        Mode
	TransportUp bool

	// Intent is the intent computed by the previous decision.
	Intent PumpIntent
	// Sent is false until a command has been issued; LastSent is the last one.
	Sent     bool
	LastSent PumpIntent

	Toggle LocalToggle
}

// Decision is the complete result of one decision pass.
type Decision struct {
	Trigger Trigger

	Mode         Mode
	PreviousMode Mode
	ModeChanged  bool

	Intent PumpIntent
	// Held is set when the policy kept the previous intent.
	Held bool
	// Command is set when the intent must be written to the sensor link.
	Command bool
	// Changed is set when the command differs from the last one issued.
	Changed bool
	// Seq orders commands. The state holder stamps it when it records Command.
	Seq uint64

	Toggle LocalToggle
}

// ResolveMode returns Network only while the monitored neighbour has a
// non-stale record and the status bus is up.
func ResolveMode(cfg Config, v View, now time.Time) Mode {
	next, ok := cfg.MonitoredPeer()
	if !ok || !v.TransportUp {
		return ModeLocal
	}
	peer, known := v.Peers[next]
	if !known || peer.Stale(now, cfg.LivenessTimeout) {
		return ModeLocal
	}
	return ModeNetwork
}

// Decide maps a view to a pump intent and a mode. It is total: any input
// yields a decision, and missing data reads as the stop-biased zero value.
func Decide(cfg Config, v View, trigger Trigger, now time.Time) Decision {
	mode := ResolveMode(cfg, v, now)
	d := Decision{
		Trigger:      trigger,
		Mode:         mode,
		PreviousMode: v.Mode,
		ModeChanged:  mode != v.Mode,
		Intent:       v.Intent,
		Toggle:       v.Toggle,
	}

	role := cfg.Role()
	if role == RoleTail {
		// Monitoring only, in either mode.
		d.Intent = PumpIntent{}
		return d
	}

	var run, hold bool
	if mode == ModeNetwork {
		next, _ := cfg.MonitoredPeer()
		peer := v.Peers[next].Snapshot
		if role == RoleHead {
			run, hold = headNetwork(v.Local, peer)
		} else {
			run, hold = intermediateNetwork(v.Local, peer)
		}
	} else {
		if role == RoleHead {
			run, hold, d.Toggle = headLocal(v.Local, v.Toggle, cfg.LocalPumpInterval, now)
		} else {
			run, hold = intermediateLocal(v.Local)
		}
	}

	if hold {
		d.Held = true
	} else {
		d.Intent = PumpIntent{Run: run}
	}

	// A faulted station never runs, whatever the branch said.
	if v.Local.Fault {
		d.Intent = PumpIntent{}
	}

	if !cfg.ControlsPump {
		return d
	}
	d.Changed = !v.Sent || d.Intent != v.LastSent
	// Stop is reasserted on every pass so a lost command corrects itself.
	d.Command = d.Changed || d.ModeChanged || !d.Intent.Run
	return d
}

// headNetwork feeds the downstream tank while the river side has pressure.
func headNetwork(local, peer SensorSnapshot) (run, hold bool) {
	switch {
	case local.Fault:
		return false, false
	case !local.PressureOK:
		return false, false
	case peer.TankEmpty() && !peer.Fault:
		return true, false
	case peer.TankFull():
		return false, false
	default:
		return false, true
	}
}

// intermediateNetwork fills the downstream tank but stops before its own
// tank runs dry.
func intermediateNetwork(local, peer SensorSnapshot) (run, hold bool) {
	switch {
	case local.Fault:
		return false, false
	case local.TankEmpty():
		return false, false
	case peer.TankFull():
		return false, false
	case peer.TankEmpty() && !peer.Fault:
		return true, false
	default:
		return false, true
	}
}

// headLocal alternates run and stop every interval while pressure is ok.
func headLocal(local SensorSnapshot, t LocalToggle, interval time.Duration, now time.Time) (run, hold bool, next LocalToggle) {
	switch {
	case local.Fault:
		return false, false, LocalToggle{Run: false, Last: now}
	case !local.PressureOK:
		return false, false, LocalToggle{Run: false, Last: t.Last}
	case now.Sub(t.Last) >= interval:
		next = LocalToggle{Run: !t.Run, Last: now}
		return next.Run, false, next
	default:
		return false, true, t
	}
}

// intermediateLocal starts on both floats triggered and stops on both clear.
// These float semantics are the inverse of the network rule and are kept
// as wired on site.
func intermediateLocal(local SensorSnapshot) (run, hold bool) {
	switch {
	case local.Fault:
		return false, false
	case local.TankFull():
		return true, false
	case local.TankEmpty():
		return false, false
	default:
		return false, true
	}
}

// Package logic contains the pure decision logic of a pump station.
// This package has NO external dependencies (no serial, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"fmt"
	"time"
)

// Mode says whose sensors drive the pump decision.
type Mode string

const (
	// ModeLocal drives the pump from this station's own sensors.
	ModeLocal Mode = "local"
	// ModeNetwork drives the pump from the monitored neighbour's reported sensors.
	ModeNetwork Mode = "network"
)

// Role is a station's position in the cascade.
type Role string

const (
	RoleHead         Role = "head"
	RoleIntermediate Role = "intermediate"
	RoleTail         Role = "tail"
)

// RoleFor derives the role of station id in a cascade of the given length.
func RoleFor(id, stations int) Role {
	switch {
	case id == 1 && stations > 1:
		return RoleHead
	case id >= stations:
		return RoleTail
	default:
		return RoleIntermediate
	}
}

// SensorSnapshot is the most recent hardware reading of one station.
// The zero value is the safe default: pressure not ok, floats clear, no fault.
type SensorSnapshot struct {
	PressureOK     bool
	TopLevel       bool
	BottomLevel    bool
	PumpRunning    bool
	Fault          bool
	RemoteOverride bool
}

// TankEmpty reports both floats clear.
func (s SensorSnapshot) TankEmpty() bool {
	return !s.TopLevel && !s.BottomLevel
}

// TankFull reports both floats triggered.
func (s SensorSnapshot) TankFull() bool {
	return s.TopLevel && s.BottomLevel
}

// PeerRecord is the last thing heard from another station.
type PeerRecord struct {
	Snapshot SensorSnapshot
	LastSeen time.Time
}

// Stale reports whether the peer has been silent for longer than timeout.
func (p PeerRecord) Stale(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.LastSeen) > timeout
}

// PumpIntent is the single authoritative output of a decision.
type PumpIntent struct {
	Run bool
}

func (i PumpIntent) String() string {
	if i.Run {
		return "run"
	}
	return "stop"
}

// TriggerKind identifies what caused a re-evaluation.
type TriggerKind string

const (
	TriggerLocalSensor TriggerKind = "local_sensor_update"
	TriggerPeer        TriggerKind = "peer_update"
	TriggerTick        TriggerKind = "periodic_tick"
	TriggerStartup     TriggerKind = "startup"
	TriggerRecovery    TriggerKind = "recovery"
	TriggerShutdown    TriggerKind = "shutdown"
)

// Trigger is the cause of a decision pass.
type Trigger struct {
	Kind   TriggerKind
	PeerID int // set for TriggerPeer
}

// LocalSensorUpdate is the trigger for a new hardware frame.
func LocalSensorUpdate() Trigger { return Trigger{Kind: TriggerLocalSensor} }

// PeerUpdate is the trigger for a message from station id.
func PeerUpdate(id int) Trigger { return Trigger{Kind: TriggerPeer, PeerID: id} }

// PeriodicTick is the trigger used by the liveness monitor.
func PeriodicTick() Trigger { return Trigger{Kind: TriggerTick} }

func (t Trigger) String() string {
	if t.Kind == TriggerPeer {
		return fmt.Sprintf("%s(%d)", t.Kind, t.PeerID)
	}
	return string(t.Kind)
}

// Config is the immutable per-station configuration the decision needs.
type Config struct {
	StationID    int
	Stations     int
	ControlsPump bool
	HasTank      bool

	// LivenessTimeout is the silence after which the monitored neighbour is offline.
	LivenessTimeout time.Duration
	// LocalPumpInterval is the minimum dwell between automatic toggles in local mode.
	LocalPumpInterval time.Duration
}

// Role returns this station's role.
func (c Config) Role() Role {
	return RoleFor(c.StationID, c.Stations)
}

// MonitoredPeer returns the neighbour whose reports drive network mode.
// The tail has none.
func (c Config) MonitoredPeer() (int, bool) {
	if c.StationID >= c.Stations {
		return 0, false
	}
	return c.StationID + 1, true
}

// MessageKind distinguishes the messages a station hears on the status bus.
type MessageKind string

const (
	MessageStatus  MessageKind = "STATUS"
	MessageAlive   MessageKind = "ALIVE"
	MessageOffline MessageKind = "OFFLINE"
)

// PeerMessage is a parsed status-bus message.
type PeerMessage struct {
	StationID int
	Kind      MessageKind
	Snapshot  SensorSnapshot // only meaningful for MessageStatus
}

// EventType names an observable station event.
type EventType string

const (
	EventModeChange  EventType = "MODE_CHANGE"
	EventPumpCommand EventType = "PUMP_COMMAND"
	EventStartup     EventType = "STARTUP"
	EventShutdown    EventType = "SHUTDOWN"
)

// Event is an observable fact for logs, metrics, the journal and the bus.
type Event struct {
	Timestamp time.Time
	StationID int
	Type      EventType
	From      Mode        // MODE_CHANGE
	To        Mode        // MODE_CHANGE
	Run       bool        // PUMP_COMMAND
	Trigger   TriggerKind // MODE_CHANGE, PUMP_COMMAND
	Reason    string      // e.g. "SIGTERM" for SHUTDOWN
}

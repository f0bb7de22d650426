package status

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/sweeney/pump-station/internal/logic"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Station StationJSON `json:"station"`
}

// StationJSON contains the station details.
type StationJSON struct {
	ID            int          `json:"id"`
	Role          string       `json:"role"`
	ControlsPump  bool         `json:"controls_pump"`
	Mode          string       `json:"mode"`
	ModeSince     string       `json:"mode_since"`
	Pump          string       `json:"pump"`
	LastCommand   string       `json:"last_command,omitempty"`
	Sensors       *SensorsJSON `json:"sensors"`
	LastFrame     string       `json:"last_frame,omitempty"`
	Peers         []PeerJSON   `json:"peers"`
	Link          LinkStatus   `json:"link"`
	MQTT          MQTTStatus   `json:"mqtt"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	Counts        CountsJSON   `json:"counts"`
	Config        ConfigJSON   `json:"config"`
}

// SensorsJSON is the JSON representation of a sensor snapshot.
type SensorsJSON struct {
	PressureOK     bool `json:"pressure_ok"`
	TopLevel       bool `json:"top_level"`
	BottomLevel    bool `json:"bottom_level"`
	PumpRunning    bool `json:"pump_running"`
	Fault          bool `json:"fault"`
	RemoteOverride bool `json:"remote_override"`
}

// PeerJSON is the JSON representation of a peer record.
type PeerJSON struct {
	ID         int         `json:"id"`
	Monitored  bool        `json:"monitored"`
	Stale      bool        `json:"stale"`
	AgeSeconds *int64      `json:"age_seconds"`
	Sensors    SensorsJSON `json:"sensors"`
}

// LinkStatus reports sensor link state.
type LinkStatus struct {
	Kind      string `json:"kind"`
	Connected bool   `json:"connected"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of running totals.
type CountsJSON struct {
	Frames          int `json:"frames"`
	PeerMessages    int `json:"peer_messages"`
	ModeChanges     int `json:"mode_changes"`
	Commands        int `json:"commands"`
	CommandFailures int `json:"command_failures"`
	Recoveries      int `json:"recoveries"`
}

// ConfigJSON is the JSON representation of station config.
type ConfigJSON struct {
	Stations                 int    `json:"stations"`
	HasTank                  bool   `json:"has_tank"`
	LivenessTimeoutSeconds   int64  `json:"liveness_timeout_seconds"`
	LocalPumpIntervalSeconds int64  `json:"local_pump_interval_seconds"`
	TickMs                   int64  `json:"tick_ms"`
	HeartbeatMs              int64  `json:"heartbeat_ms"`
	HTTPAddr                 string `json:"http_addr"`
}

func sensorsJSON(s logic.SensorSnapshot) SensorsJSON {
	return SensorsJSON{
		PressureOK:     s.PressureOK,
		TopLevel:       s.TopLevel,
		BottomLevel:    s.BottomLevel,
		PumpRunning:    s.PumpRunning,
		Fault:          s.Fault,
		RemoteOverride: s.RemoteOverride,
	}
}

// PeerView is a display-ready peer record.
type PeerView struct {
	ID        int
	Monitored bool
	Stale     bool
	Known     bool // false once expired by an OFFLINE message
	Age       time.Duration
	Snapshot  logic.SensorSnapshot
}

// PeerViews returns the peers ordered by id.
func (s Snapshot) PeerViews() []PeerView {
	monitored, _ := s.Config.MonitoredPeer()
	ids := make([]int, 0, len(s.Peers))
	for id := range s.Peers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	views := make([]PeerView, 0, len(ids))
	for _, id := range ids {
		p := s.Peers[id]
		views = append(views, PeerView{
			ID:        id,
			Monitored: id == monitored,
			Stale:     p.Stale(s.Now, s.Config.LivenessTimeout),
			Known:     !p.LastSeen.IsZero(),
			Age:       s.Now.Sub(p.LastSeen).Truncate(time.Second),
			Snapshot:  p.Snapshot,
		})
	}
	return views
}

func buildStation(snap Snapshot) StationJSON {
	st := StationJSON{
		ID:            snap.Config.StationID,
		Role:          string(snap.Config.Role()),
		ControlsPump:  snap.Config.ControlsPump,
		Mode:          string(snap.Mode),
		ModeSince:     snap.ModeSince.UTC().Format(time.RFC3339),
		Pump:          snap.Intent.String(),
		Peers:         []PeerJSON{},
		Link:          LinkStatus{Kind: snap.Display.Link, Connected: snap.LinkConnected},
		MQTT:          MQTTStatus{Connected: snap.BusConnected, Broker: snap.Display.Broker},
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Counts: CountsJSON{
			Frames:          snap.Counts.Frames,
			PeerMessages:    snap.Counts.PeerMessages,
			ModeChanges:     snap.Counts.ModeChanges,
			Commands:        snap.Counts.Commands,
			CommandFailures: snap.Counts.CommandFailures,
			Recoveries:      snap.Counts.Recoveries,
		},
		Config: ConfigJSON{
			Stations:                 snap.Config.Stations,
			HasTank:                  snap.Config.HasTank,
			LivenessTimeoutSeconds:   int64(snap.Config.LivenessTimeout / time.Second),
			LocalPumpIntervalSeconds: int64(snap.Config.LocalPumpInterval / time.Second),
			TickMs:                   snap.Display.TickMs,
			HeartbeatMs:              snap.Display.HeartbeatMs,
			HTTPAddr:                 snap.Display.HTTPAddr,
		},
	}
	if snap.Sent {
		st.LastCommand = snap.LastSent.String()
	}
	if snap.HasLocal {
		s := sensorsJSON(snap.Local)
		st.Sensors = &s
		st.LastFrame = snap.LastFrame.UTC().Format(time.RFC3339)
	}
	for _, p := range snap.PeerViews() {
		pj := PeerJSON{
			ID:        p.ID,
			Monitored: p.Monitored,
			Stale:     p.Stale,
			Sensors:   sensorsJSON(p.Snapshot),
		}
		if p.Known {
			age := int64(p.Age.Seconds())
			pj.AgeSeconds = &age
		}
		st.Peers = append(st.Peers, pj)
	}
	return st
}

// FormatJSON returns the JSON status for the web endpoint.
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Station: buildStation(snap)}, "", "  ")
	return data
}

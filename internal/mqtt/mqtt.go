// Package mqtt carries station status, liveness and events over an MQTT broker.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/pump-station/internal/logic"
)

// Default topics. Every station publishes and subscribes on the status topic.
const (
	DefaultStatusTopic = "pumps/cascade/status"
	DefaultEventsTopic = "pumps/cascade/events"
)

// Status values carried by liveness messages.
const (
	StatusAlive   = "ALIVE"
	StatusOffline = "OFFLINE"
)

var (
	// ErrNotConnected is returned when publishing without a broker connection.
	ErrNotConnected = errors.New("mqtt: not connected")
	// ErrMalformed is returned for status-topic payloads that cannot be used.
	ErrMalformed = errors.New("mqtt: malformed message")
)

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// StatusPayload is a message on the status topic.
// Sensor messages carry the board's fields and no status; liveness messages
// carry only the station id and a status.
type StatusPayload struct {
	StationID      *int   `json:"station_id"`
	Status         string `json:"status,omitempty"`
	PressureSwitch bool   `json:"pressure_switch"`
	TopLevel       bool   `json:"top_level"`
	BottomLevel    bool   `json:"bottom_level"`
	PumpStatus     bool   `json:"pump_status"`
	Fault          bool   `json:"fault"`
	OpMode         bool   `json:"op_mode"`
}

type livenessPayload struct {
	StationID int    `json:"station_id"`
	Status    string `json:"status"`
}

// FormatStatus creates the status payload for a station's sensor snapshot.
func FormatStatus(stationID int, s logic.SensorSnapshot) ([]byte, error) {
	return json.Marshal(StatusPayload{
		StationID:      &stationID,
		PressureSwitch: s.PressureOK,
		TopLevel:       s.TopLevel,
		BottomLevel:    s.BottomLevel,
		PumpStatus:     s.PumpRunning,
		Fault:          s.Fault,
		OpMode:         s.RemoteOverride,
	})
}

// FormatLiveness creates an ALIVE or OFFLINE payload.
func FormatLiveness(stationID int, status string) ([]byte, error) {
	return json.Marshal(livenessPayload{StationID: stationID, Status: status})
}

// ParseMessage decodes a status-topic payload.
func ParseMessage(payload []byte) (logic.PeerMessage, error) {
	var p StatusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return logic.PeerMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.StationID == nil || *p.StationID <= 0 {
		return logic.PeerMessage{}, fmt.Errorf("%w: missing station_id", ErrMalformed)
	}

	msg := logic.PeerMessage{StationID: *p.StationID}
	switch p.Status {
	case "":
		msg.Kind = logic.MessageStatus
		msg.Snapshot = logic.SensorSnapshot{
			PressureOK:     p.PressureSwitch,
			TopLevel:       p.TopLevel,
			BottomLevel:    p.BottomLevel,
			PumpRunning:    p.PumpStatus,
			Fault:          p.Fault,
			RemoteOverride: p.OpMode,
		}
	case StatusAlive:
		msg.Kind = logic.MessageAlive
	case StatusOffline:
		msg.Kind = logic.MessageOffline
	default:
		return logic.PeerMessage{}, fmt.Errorf("%w: unknown status %q", ErrMalformed, p.Status)
	}
	return msg, nil
}

// EventPayload represents the MQTT message payload for station events.
type EventPayload struct {
	Event EventPayloadInner `json:"event"`
}

// EventPayloadInner contains the event details.
type EventPayloadInner struct {
	Timestamp string `json:"timestamp"`
	StationID int    `json:"station_id"`
	Type      string `json:"type"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Pump      string `json:"pump,omitempty"`
	Trigger   string `json:"trigger,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// FormatEvent creates the JSON payload for a station event.
func FormatEvent(e logic.Event) ([]byte, error) {
	inner := EventPayloadInner{
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		StationID: e.StationID,
		Type:      string(e.Type),
		Trigger:   string(e.Trigger),
		Reason:    e.Reason,
	}
	switch e.Type {
	case logic.EventModeChange:
		inner.From = string(e.From)
		inner.To = string(e.To)
	case logic.EventPumpCommand:
		inner.Pump = logic.PumpIntent{Run: e.Run}.String()
	}
	return json.Marshal(EventPayload{Event: inner})
}

package web

import (
	"encoding/json"
	"time"

	"github.com/sweeney/pump-station/internal/logic"
)

// EventsJSON is the JSON representation of the journal listing.
type EventsJSON struct {
	Events []EventJSON `json:"events"`
}

// EventJSON is one journaled event.
type EventJSON struct {
	Timestamp string `json:"timestamp"`
	StationID int    `json:"station_id"`
	Type      string `json:"type"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Pump      string `json:"pump,omitempty"`
	Trigger   string `json:"trigger,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func formatEvents(events []logic.Event) []byte {
	ej := EventsJSON{Events: make([]EventJSON, 0, len(events))}
	for _, e := range events {
		item := EventJSON{
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
			StationID: e.StationID,
			Type:      string(e.Type),
			From:      string(e.From),
			To:        string(e.To),
			Trigger:   string(e.Trigger),
			Reason:    e.Reason,
		}
		if e.Type == logic.EventPumpCommand {
			item.Pump = logic.PumpIntent{Run: e.Run}.String()
		}
		ej.Events = append(ej.Events, item)
	}
	data, _ := json.MarshalIndent(ej, "", "  ")
	return data
}

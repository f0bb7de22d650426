// Package serial talks to the station's controller board over a USB serial
// port. The board sends one JSON frame per line and accepts one JSON command
// per line.
package serial

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sweeney/pump-station/internal/logic"
)

var (
	// ErrMalformed is returned for lines that are not a sensor frame.
	ErrMalformed = errors.New("serial: malformed frame")
	// ErrOtherStation is returned for frames that carry another station's id.
	ErrOtherStation = errors.New("serial: frame for another station")
	// ErrNotConnected is returned when no port is open.
	ErrNotConnected = errors.New("serial: not connected")
)

// Frame is the board's sensor report.
type Frame struct {
	StationID      *int `json:"station_id"`
	PressureSwitch bool `json:"pressure_switch"`
	TopLevel       bool `json:"top_level"`
	BottomLevel    bool `json:"bottom_level"`
	PumpStatus     bool `json:"pump_status"`
	Fault          bool `json:"fault"`
	OpMode         bool `json:"op_mode"`
}

// Command is the board's pump instruction.
type Command struct {
	PumpControl bool `json:"pump_control"`
}

// ParseFrame decodes one line from the board.
// Missing booleans read as false; a missing station id is malformed.
func ParseFrame(line []byte, stationID int) (logic.SensorSnapshot, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return logic.SensorSnapshot{}, ErrMalformed
	}

	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return logic.SensorSnapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.StationID == nil {
		return logic.SensorSnapshot{}, fmt.Errorf("%w: missing station_id", ErrMalformed)
	}
	if *f.StationID != stationID {
		return logic.SensorSnapshot{}, ErrOtherStation
	}

	return logic.SensorSnapshot{
		PressureOK:     f.PressureSwitch,
		TopLevel:       f.TopLevel,
		BottomLevel:    f.BottomLevel,
		PumpRunning:    f.PumpStatus,
		Fault:          f.Fault,
		RemoteOverride: f.OpMode,
	}, nil
}

// FormatCommand encodes a pump intent as a newline-terminated command.
func FormatCommand(intent logic.PumpIntent) []byte {
	data, _ := json.Marshal(Command{PumpControl: intent.Run})
	return append(data, '\n')
}

// Package gpio provides a sensor link for stations wired straight to the Pi's
// GPIO header instead of a controller board.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import "errors"

// Inputs is one raw sample of the station's input lines, in logical form.
type Inputs struct {
	Pressure bool // pressure switch closed
	Top      bool // top float triggered
	Bottom   bool // bottom float triggered
	Fault    bool // fault line asserted
}

// Lines reads the station inputs and drives the pump relay.
type Lines interface {
	// Read returns the logical state of the four input lines.
	Read() (Inputs, error)

	// SetPump drives the pump relay output.
	SetPump(on bool) error

	// Close releases GPIO resources and leaves the relay off.
	Close() error
}

// Pins is the BCM line assignment.
type Pins struct {
	Pressure int
	Top      int
	Bottom   int
	Fault    int
	Pump     int
}

// Default pin definitions (BCM numbering).
const (
	DefaultPinPressure = 17
	DefaultPinTop      = 27
	DefaultPinBottom   = 22
	DefaultPinFault    = 23
	DefaultPinPump     = 24
)

// DefaultPins returns the stock wiring.
func DefaultPins() Pins {
	return Pins{
		Pressure: DefaultPinPressure,
		Top:      DefaultPinTop,
		Bottom:   DefaultPinBottom,
		Fault:    DefaultPinFault,
		Pump:     DefaultPinPump,
	}
}

// ErrClosed is returned for commands sent after Close.
var ErrClosed = errors.New("gpio: link closed")

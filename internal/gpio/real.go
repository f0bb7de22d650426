//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealLines drives actual hardware using the Linux GPIO character device.
type RealLines struct {
	chip   *gpiocdev.Chip
	inputs [numChannels]*gpiocdev.Line
	pump   *gpiocdev.Line
}

// NewRealLines requests the station's input lines and the pump relay output.
func NewRealLines(pins Pins) (*RealLines, error) {
	chip, err := gpiocdev.NewChip("gpiochip0")
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	r := &RealLines{chip: chip}
	inputPins := [numChannels]int{
		chPressure: pins.Pressure,
		chTop:      pins.Top,
		chBottom:   pins.Bottom,
		chFault:    pins.Fault,
	}

	// Inputs use pull-down to match Pi boot defaults.
	for i, pin := range inputPins {
		line, err := chip.RequestLine(pin, gpiocdev.AsInput, gpiocdev.WithPullDown)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("request input pin %d: %w", pin, err)
		}
		r.inputs[i] = line
	}

	// Relay starts de-energised.
	pump, err := chip.RequestLine(pins.Pump, gpiocdev.AsOutput(0))
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("request pump pin %d: %w", pins.Pump, err)
	}
	r.pump = pump

	return r, nil
}

// Read returns the logical input states.
// Inputs sit behind optocouplers: raw inactive (0) = logical ON.
func (r *RealLines) Read() (Inputs, error) {
	var v [numChannels]bool
	for i, line := range r.inputs {
		raw, err := line.Value()
		if err != nil {
			return Inputs{}, fmt.Errorf("read input %d: %w", line.Offset(), err)
		}
		v[i] = raw == 0
	}
	return Inputs{
		Pressure: v[chPressure],
		Top:      v[chTop],
		Bottom:   v[chBottom],
		Fault:    v[chFault],
	}, nil
}

// SetPump energises or releases the pump relay.
func (r *RealLines) SetPump(on bool) error {
	value := 0
	if on {
		value = 1
	}
	if err := r.pump.SetValue(value); err != nil {
		return fmt.Errorf("set pump pin: %w", err)
	}
	return nil
}

// Close releases GPIO resources.
// The relay is released and every pin is put back to input with pull-down
// (matching Pi boot defaults) so a reboot starts from a clean state.
func (r *RealLines) Close() error {
	var errs []error

	if r.pump != nil {
		if err := r.pump.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("release pump pin: %w", err))
		}
		if err := r.pump.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pump pin: %w", err))
		}
		if err := r.pump.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pump pin: %w", err))
		}
	}
	for _, line := range r.inputs {
		if line == nil {
			continue
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close input pin %d: %w", line.Offset(), err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

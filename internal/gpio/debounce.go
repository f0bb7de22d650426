package gpio

import "time"

// channel indexes into debouncer.ch.
const (
	chPressure = iota
	chTop
	chBottom
	chFault
	numChannels
)

// channelState tracks debounce state for a single input line.
type channelState struct {
	// Current stable (debounced) value
	stable bool
	// Pending value during debounce
	pending    bool
	hasPending bool
	// Time when pending value was first observed
	pendingSince time.Time
	// Whether we have established a baseline
	baselined bool
}

// debouncer filters float switch chatter and contact bounce on every input.
type debouncer struct {
	duration  time.Duration
	ch        [numChannels]channelState
	baselined bool
}

func newDebouncer(d time.Duration) *debouncer {
	return &debouncer{duration: d}
}

// process takes a new sample and reports whether any stable value changed.
// Nothing is reported until every channel has a baseline.
func (d *debouncer) process(in Inputs, now time.Time) bool {
	values := [numChannels]bool{
		chPressure: in.Pressure,
		chTop:      in.Top,
		chBottom:   in.Bottom,
		chFault:    in.Fault,
	}

	changed := false
	for i := range d.ch {
		if d.processChannel(&d.ch[i], values[i], now) {
			changed = true
		}
	}

	if !d.baselined {
		for i := range d.ch {
			if !d.ch[i].baselined {
				return false
			}
		}
		d.baselined = true
		// The first complete baseline is news to the caller.
		return true
	}
	return changed
}

// processChannel handles debounce logic for a single channel.
// Returns true if the stable value transitioned.
func (d *debouncer) processChannel(ch *channelState, v bool, now time.Time) bool {
	// First time seeing this channel
	if !ch.baselined {
		if !ch.hasPending || ch.pending != v {
			// Start observing, or restart after a change during baseline
			ch.pending = v
			ch.hasPending = true
			ch.pendingSince = now
			if d.duration > 0 {
				return false
			}
		}
		if now.Sub(ch.pendingSince) >= d.duration {
			ch.stable = v
			ch.baselined = true
			ch.hasPending = false
		}
		return false
	}

	// Already baselined - detect transitions
	if v == ch.stable {
		ch.hasPending = false
		return false
	}

	if !ch.hasPending || ch.pending != v {
		ch.pending = v
		ch.hasPending = true
		ch.pendingSince = now
		if d.duration > 0 {
			return false
		}
	}

	if now.Sub(ch.pendingSince) >= d.duration {
		ch.stable = v
		ch.hasPending = false
		return true
	}
	return false
}

// stable returns the current debounced inputs.
func (d *debouncer) stable() Inputs {
	return Inputs{
		Pressure: d.ch[chPressure].stable,
		Top:      d.ch[chTop].stable,
		Bottom:   d.ch[chBottom].stable,
		Fault:    d.ch[chFault].stable,
	}
}

func (d *debouncer) isBaselined() bool {
	return d.baselined
}

package gpio

import (
	"errors"
	"sync"
)

// FakeLines is a test double that returns scripted input samples and
// records relay writes. It is safe for concurrent use.
type FakeLines struct {
	mu sync.Mutex

	// samples contains scripted values to return.
	// Each call to Read() consumes the next sample.
	samples []Inputs
	index   int

	pump      bool
	pumpCalls []bool
	closed    bool

	readErr error
	pumpErr error
}

// NewFakeLines creates a FakeLines with the given samples.
func NewFakeLines(samples ...Inputs) *FakeLines {
	return &FakeLines{samples: samples}
}

// Read returns the next scripted sample.
// If samples are exhausted, returns the last sample repeatedly.
func (f *FakeLines) Read() (Inputs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readErr != nil {
		return Inputs{}, f.readErr
	}
	if len(f.samples) == 0 {
		return Inputs{}, errors.New("no samples configured")
	}

	sample := f.samples[f.index]
	if f.index < len(f.samples)-1 {
		f.index++
	}
	return sample, nil
}

// SetPump records the relay write.
func (f *FakeLines) SetPump(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pumpCalls = append(f.pumpCalls, on)
	if f.pumpErr != nil {
		return f.pumpErr
	}
	f.pump = on
	return nil
}

// Close marks the lines as closed and releases the relay.
func (f *FakeLines) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pump = false
	f.closed = true
	return nil
}

// Set replaces the script with a single steady sample.
func (f *FakeLines) Set(in Inputs) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.samples = []Inputs{in}
	f.index = 0
}

// SetReadError makes subsequent reads fail with err (nil clears it).
func (f *FakeLines) SetReadError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

// SetPumpError makes subsequent relay writes fail with err (nil clears it).
func (f *FakeLines) SetPumpError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pumpErr = err
}

// Pump returns the current relay state.
func (f *FakeLines) Pump() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pump
}

// PumpCalls returns a copy of every relay write, in order.
func (f *FakeLines) PumpCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.pumpCalls...)
}

// Closed reports whether Close was called.
func (f *FakeLines) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Reset rewinds the script and clears recorded state.
func (f *FakeLines) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.index = 0
	f.pump = false
	f.pumpCalls = nil
	f.closed = false
	f.readErr = nil
	f.pumpErr = nil
}

package serial

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/goburrow/serial"

	"github.com/sweeney/pump-station/internal/logic"
)

// FakeLink is a test double for a sensor link. It is safe for concurrent use.
type FakeLink struct {
	mu        sync.Mutex
	onFrame   func(logic.SensorSnapshot)
	connected bool
	sendErr   error
	commands  []logic.PumpIntent
	closed    bool
}

// NewFakeLink creates a connected FakeLink.
func NewFakeLink() *FakeLink {
	return &FakeLink{connected: true}
}

// OnFrame registers the frame callback.
func (f *FakeLink) OnFrame(fn func(logic.SensorSnapshot)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFrame = fn
}

// Emit delivers a frame to the registered callback on the caller's goroutine.
func (f *FakeLink) Emit(s logic.SensorSnapshot) {
	f.mu.Lock()
	fn := f.onFrame
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// SendCommand records the command, or fails if disconnected or told to.
func (f *FakeLink) SendCommand(intent logic.PumpIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return ErrNotConnected
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.commands = append(f.commands, intent)
	return nil
}

// IsConnected returns the scripted connection state.
func (f *FakeLink) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// SetConnected scripts the connection state.
func (f *FakeLink) SetConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

// SetSendError makes SendCommand fail with err (nil clears it).
func (f *FakeLink) SetSendError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// Commands returns a copy of every command sent.
func (f *FakeLink) Commands() []logic.PumpIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]logic.PumpIntent(nil), f.commands...)
}

// LastCommand returns the most recent command.
func (f *FakeLink) LastCommand() (logic.PumpIntent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		return logic.PumpIntent{}, false
	}
	return f.commands[len(f.commands)-1], true
}

// Close marks the link closed.
func (f *FakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	return nil
}

// Closed reports whether Close was called.
func (f *FakeLink) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// FakePort is an in-memory serial port. Reads time out like a real port
// opened with a read timeout.
type FakePort struct {
	mu      sync.Mutex
	pending []byte
	written []byte
	closed  bool
	failErr error
	gate    chan struct{}
	stalled int

	data    chan []byte
	closeCh chan struct{}
	timeout time.Duration
}

// NewFakePort creates an open FakePort.
func NewFakePort() *FakePort {
	return &FakePort{
		data:    make(chan []byte, 64),
		closeCh: make(chan struct{}),
		timeout: 5 * time.Millisecond,
	}
}

// Feed queues bytes for the reader, as if sent by the board.
func (p *FakePort) Feed(s string) {
	p.data <- []byte(s)
}

// Read returns fed bytes, serial.ErrTimeout when idle, or the failure error.
func (p *FakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.failErr != nil {
		err := p.failErr
		p.mu.Unlock()
		return 0, err
	}
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()

	select {
	case chunk := <-p.data:
		p.mu.Lock()
		defer p.mu.Unlock()
		n := copy(b, chunk)
		p.pending = append(p.pending, chunk[n:]...)
		return n, nil
	case <-p.closeCh:
		return 0, io.EOF
	case <-time.After(p.timeout):
		return 0, serial.ErrTimeout
	}
}

// Write records bytes sent to the board. While stalled it waits for release
// or Close, like a port whose output buffer is full.
func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if gate := p.gate; gate != nil {
		p.stalled++
		p.mu.Unlock()
		select {
		case <-gate:
		case <-p.closeCh:
		}
		p.mu.Lock()
		p.stalled--
	}
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	if p.failErr != nil {
		return 0, p.failErr
	}
	p.written = append(p.written, b...)
	return len(b), nil
}

// Stall makes later writes block until release is called or the port closes.
func (p *FakePort) Stall() (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.gate = gate
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			if p.gate == gate {
				p.gate = nil
			}
			p.mu.Unlock()
			close(gate)
		})
	}
}

// Stalled returns the number of writes currently blocked by Stall.
func (p *FakePort) Stalled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stalled
}

// Written returns everything written so far.
func (p *FakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.written)
}

// Fail makes every later read and write return err, like an unplugged device.
func (p *FakePort) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failErr = err
}

// Close closes the port. Safe to call more than once.
func (p *FakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.closeCh)
	}
	return nil
}

// Closed reports whether Close was called.
func (p *FakePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

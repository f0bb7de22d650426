package mqtt

import (
	"sync"

	"github.com/sweeney/pump-station/internal/logic"
)

// StatusRecord is one status publication seen by a FakeBus.
type StatusRecord struct {
	StationID int
	Snapshot  logic.SensorSnapshot
}

// FakeBus records publications for test assertions and delivers scripted
// messages. It is safe for concurrent use. When attached to a FakeBroker,
// publications fan out to every connected bus on the broker, sender included,
// as a broker does for a client subscribed to its own topic.
type FakeBus struct {
	mu        sync.Mutex
	id        int
	broker    *FakeBroker
	onMessage func(logic.PeerMessage)
	connected bool
	closed    bool

	statuses   []StatusRecord
	liveness   []int
	events     []logic.Event
	publishErr error
}

// NewFakeBus creates a connected FakeBus that is not attached to a broker.
func NewFakeBus() *FakeBus {
	return &FakeBus{connected: true}
}

// OnMessage registers the message callback.
func (f *FakeBus) OnMessage(fn func(logic.PeerMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = fn
}

// Deliver hands msg to the registered callback on the caller's goroutine.
// Nothing is delivered while disconnected.
func (f *FakeBus) Deliver(msg logic.PeerMessage) {
	f.mu.Lock()
	fn := f.onMessage
	up := f.connected
	f.mu.Unlock()
	if fn != nil && up {
		fn(msg)
	}
}

// Publish records a status publication.
func (f *FakeBus) Publish(stationID int, s logic.SensorSnapshot) error {
	f.mu.Lock()
	if err := f.checkLocked(); err != nil {
		f.mu.Unlock()
		return err
	}
	f.statuses = append(f.statuses, StatusRecord{StationID: stationID, Snapshot: s})
	broker := f.broker
	f.mu.Unlock()

	if broker != nil {
		broker.fanOut(logic.PeerMessage{StationID: stationID, Kind: logic.MessageStatus, Snapshot: s})
	}
	return nil
}

// PublishLiveness records an ALIVE heartbeat.
func (f *FakeBus) PublishLiveness(stationID int) error {
	f.mu.Lock()
	if err := f.checkLocked(); err != nil {
		f.mu.Unlock()
		return err
	}
	f.liveness = append(f.liveness, stationID)
	broker := f.broker
	f.mu.Unlock()

	if broker != nil {
		broker.fanOut(logic.PeerMessage{StationID: stationID, Kind: logic.MessageAlive})
	}
	return nil
}

// PublishEvent records an event.
func (f *FakeBus) PublishEvent(e logic.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.events = append(f.events, e)
	return nil
}

func (f *FakeBus) checkLocked() error {
	if !f.connected {
		return ErrNotConnected
	}
	return f.publishErr
}

// IsConnected returns the scripted connection state.
func (f *FakeBus) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// SetConnected scripts the connection state. Dropping the connection of a
// bus on a broker announces OFFLINE, as the broker's last-will would.
func (f *FakeBus) SetConnected(v bool) {
	f.mu.Lock()
	was := f.connected
	f.connected = v
	broker := f.broker
	id := f.id
	f.mu.Unlock()

	if broker != nil && was && !v {
		broker.fanOut(logic.PeerMessage{StationID: id, Kind: logic.MessageOffline})
	}
}

// SetPublishError makes every publish fail with err (nil clears it).
func (f *FakeBus) SetPublishError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

// Statuses returns a copy of every status publication.
func (f *FakeBus) Statuses() []StatusRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]StatusRecord(nil), f.statuses...)
}

// Liveness returns a copy of every heartbeat publication.
func (f *FakeBus) Liveness() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.liveness...)
}

// Events returns a copy of every event publication.
func (f *FakeBus) Events() []logic.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]logic.Event(nil), f.events...)
}

// Close marks the bus closed and disconnected.
func (f *FakeBus) Close() error {
	f.SetConnected(false)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *FakeBus) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Reset clears recorded publications.
func (f *FakeBus) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = nil
	f.liveness = nil
	f.events = nil
	f.publishErr = nil
}

// FakeBroker connects FakeBuses so stations can talk in tests.
type FakeBroker struct {
	mu    sync.Mutex
	buses []*FakeBus
}

// NewFakeBroker creates an empty broker.
func NewFakeBroker() *FakeBroker {
	return &FakeBroker{}
}

// NewBus attaches a new connected bus for station id.
func (b *FakeBroker) NewBus(id int) *FakeBus {
	bus := &FakeBus{id: id, broker: b, connected: true}
	b.mu.Lock()
	b.buses = append(b.buses, bus)
	b.mu.Unlock()
	return bus
}

func (b *FakeBroker) fanOut(msg logic.PeerMessage) {
	b.mu.Lock()
	buses := append([]*FakeBus(nil), b.buses...)
	b.mu.Unlock()

	for _, bus := range buses {
		bus.Deliver(msg)
	}
}

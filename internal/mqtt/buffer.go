package mqtt

import "github.com/sweeney/pump-station/internal/logic"

// eventBuffer holds station events while the broker is unreachable.
// When full the oldest event is dropped. Not safe for concurrent use.
type eventBuffer struct {
	events   []logic.Event
	capacity int
	dropped  int // total dropped since creation
}

func newEventBuffer(capacity int) *eventBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &eventBuffer{capacity: capacity}
}

// push appends e and reports whether an older event had to be dropped.
func (b *eventBuffer) push(e logic.Event) bool {
	b.events = append(b.events, e)
	return b.trim()
}

// requeue puts events that could not be replayed back in front of anything
// buffered since, keeping the newest when over capacity.
func (b *eventBuffer) requeue(events []logic.Event) bool {
	b.events = append(append([]logic.Event(nil), events...), b.events...)
	return b.trim()
}

func (b *eventBuffer) trim() bool {
	over := len(b.events) - b.capacity
	if over <= 0 {
		return false
	}
	b.dropped += over
	b.events = append([]logic.Event(nil), b.events[over:]...)
	return true
}

// drain returns the buffered events oldest first and empties the buffer.
func (b *eventBuffer) drain() []logic.Event {
	if len(b.events) == 0 {
		return nil
	}
	out := b.events
	b.events = nil
	return out
}

func (b *eventBuffer) len() int {
	return len(b.events)
}

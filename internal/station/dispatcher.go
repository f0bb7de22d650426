package station

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sweeney/pump-station/internal/logic"
	"github.com/sweeney/pump-station/internal/mqtt"
	"github.com/sweeney/pump-station/internal/serial"
)

// DefaultEventQueue bounds the events waiting for the writer.
const DefaultEventQueue = 128

// dispatcher owns all outbound I/O on a single writer goroutine.
// Commands and status are latest-wins; events queue in order.
type dispatcher struct {
	stationID int
	link      SensorLink
	bus       StatusBus
	observers []Observer
	logger    zerolog.Logger

	// onCommandFailed is called from the writer when a command is not delivered.
	onCommandFailed func(seq uint64)

	mu       sync.Mutex
	command  *pendingCommand
	lastSeq  uint64 // newest command accepted into the mailbox
	status   *logic.SensorSnapshot
	alive    bool
	events   []logic.Event
	maxQueue int
	dropped  int

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newDispatcher(stationID int, link SensorLink, bus StatusBus, observers []Observer, maxQueue int, logger zerolog.Logger) *dispatcher {
	if maxQueue <= 0 {
		maxQueue = DefaultEventQueue
	}
	return &dispatcher{
		stationID: stationID,
		link:      link,
		bus:       bus,
		observers: observers,
		logger:    logger,
		maxQueue:  maxQueue,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

type pendingCommand struct {
	intent logic.PumpIntent
	seq    uint64
}

// sendCommand replaces the pending command. A command older than one already
// accepted is dropped, so the link always ends on the latest decision.
func (d *dispatcher) sendCommand(intent logic.PumpIntent, seq uint64) {
	d.mu.Lock()
	if seq <= d.lastSeq {
		d.mu.Unlock()
		d.logger.Debug().Str("pump", intent.String()).Uint64("seq", seq).Msg("superseded command dropped")
		return
	}
	d.lastSeq = seq
	d.command = &pendingCommand{intent: intent, seq: seq}
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) publishStatus(s logic.SensorSnapshot) {
	d.mu.Lock()
	d.status = &s
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) publishAlive() {
	d.mu.Lock()
	d.alive = true
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) event(e logic.Event) {
	d.mu.Lock()
	if len(d.events) >= d.maxQueue {
		if d.dropped == 0 {
			d.logger.Warn().Int("capacity", d.maxQueue).Msg("event queue full, dropping oldest")
		}
		d.dropped++
		d.events = d.events[1:]
	}
	d.events = append(d.events, e)
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.wake:
			d.flush()
		case <-d.done:
			d.flush()
			return
		}
	}
}

// flush performs everything pending. The command goes first.
func (d *dispatcher) flush() {
	for {
		d.mu.Lock()
		command, status, alive, events := d.command, d.status, d.alive, d.events
		d.command, d.status, d.alive, d.events = nil, nil, false, nil
		d.mu.Unlock()

		if command == nil && status == nil && !alive && len(events) == 0 {
			return
		}

		if command != nil {
			d.deliverCommand(command.intent, command.seq)
		}
		if status != nil {
			if err := d.bus.Publish(d.stationID, *status); err != nil {
				d.logPublishError(err, "status publish failed")
			}
		}
		if alive {
			if err := d.bus.PublishLiveness(d.stationID); err != nil {
				d.logPublishError(err, "heartbeat publish failed")
			}
		}
		for _, e := range events {
			d.deliverEvent(e)
		}
	}
}

func (d *dispatcher) deliverCommand(intent logic.PumpIntent, seq uint64) {
	err := d.link.SendCommand(intent)
	if err == nil {
		return
	}
	if errors.Is(err, serial.ErrNotConnected) {
		d.logger.Debug().Str("pump", intent.String()).Msg("sensor link down, command deferred")
	} else {
		d.logger.Error().Err(err).Str("pump", intent.String()).Msg("pump command failed")
	}
	if d.onCommandFailed != nil {
		d.onCommandFailed(seq)
	}
}

func (d *dispatcher) deliverEvent(e logic.Event) {
	for _, o := range d.observers {
		d.observe(o, e)
	}
	if err := d.bus.PublishEvent(e); err != nil {
		d.logPublishError(err, "event publish failed")
	}
}

// observe isolates the writer from a failing observer.
func (d *dispatcher) observe(o Observer, e logic.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("event", string(e.Type)).Msg("observer failed")
		}
	}()
	o.Observe(e)
}

func (d *dispatcher) logPublishError(err error, msg string) {
	if errors.Is(err, mqtt.ErrNotConnected) {
		d.logger.Debug().Err(err).Msg(msg)
		return
	}
	d.logger.Warn().Err(err).Msg(msg)
}

// close flushes what is pending and stops the writer.
func (d *dispatcher) close(ctx context.Context) error {
	d.once.Do(func() { close(d.done) })
	select {
	case <-d.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package station wires a sensor link and a status bus to the station state
// and decision logic.
package station

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sweeney/pump-station/internal/logic"
	"github.com/sweeney/pump-station/internal/status"
)

// SensorLink delivers hardware frames and accepts pump commands.
type SensorLink interface {
	OnFrame(fn func(logic.SensorSnapshot))
	SendCommand(intent logic.PumpIntent) error
	IsConnected() bool
	Close() error
}

// StatusBus carries status between stations.
type StatusBus interface {
	OnMessage(fn func(logic.PeerMessage))
	Publish(stationID int, s logic.SensorSnapshot) error
	PublishLiveness(stationID int) error
	PublishEvent(e logic.Event) error
	IsConnected() bool
	Close() error
}

// Observer receives station events on the writer goroutine.
type Observer interface {
	Observe(e logic.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e logic.Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e logic.Event) { f(e) }

// Default timings.
const (
	DefaultTickInterval      = time.Second
	DefaultHeartbeatInterval = 2 * time.Second
)

// Options tune a PumpStation. Zero values take defaults.
type Options struct {
	Logger            *zerolog.Logger
	Now               func() time.Time
	TickInterval      time.Duration
	HeartbeatInterval time.Duration
	Observers         []Observer
	EventQueue        int
}

// PumpStation is the per-station orchestrator.
type PumpStation struct {
	cfg     logic.Config
	link    SensorLink
	bus     StatusBus
	tracker *status.Tracker
	logger  zerolog.Logger
	now     func() time.Time

	heartbeat time.Duration
	out       *dispatcher
	monitor   *LivenessMonitor

	mu       sync.Mutex
	started  bool
	closed   bool
	lastBeat time.Time // last status republish or heartbeat
	inflight sync.WaitGroup
}

// New creates a station. Nothing runs until Start.
func New(cfg logic.Config, link SensorLink, bus StatusBus, tracker *status.Tracker, opts Options) *PumpStation {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	logger := base.With().Int("station_id", cfg.StationID).Str("role", string(cfg.Role())).Logger()

	p := &PumpStation{
		cfg:       cfg,
		link:      link,
		bus:       bus,
		tracker:   tracker,
		logger:    logger,
		now:       opts.Now,
		heartbeat: opts.HeartbeatInterval,
	}
	p.out = newDispatcher(cfg.StationID, link, bus, opts.Observers, opts.EventQueue, logger)
	p.out.onCommandFailed = tracker.MarkCommandFailed
	p.monitor = NewLivenessMonitor(opts.TickInterval, func(time.Time) { p.onTick() })
	return p
}

// Tracker returns the station's state.
func (p *PumpStation) Tracker() *status.Tracker {
	return p.tracker
}

// Start registers the transport callbacks and starts the writer and the
// liveness monitor. An initial decision asserts a safe pump state at once.
func (p *PumpStation) Start() {
	now := p.now()
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.lastBeat = now
	p.mu.Unlock()

	go p.out.run()

	p.logger.Info().
		Bool("controls_pump", p.cfg.ControlsPump).
		Dur("liveness_timeout", p.cfg.LivenessTimeout).
		Dur("local_pump_interval", p.cfg.LocalPumpInterval).
		Msg("station starting")
	p.emit(logic.Event{Timestamp: now, StationID: p.cfg.StationID, Type: logic.EventStartup})

	p.link.OnFrame(p.handleFrame)
	p.bus.OnMessage(p.handleMessage)

	p.guard("startup", func() {
		p.tracker.SetConnectivity(p.link.IsConnected(), p.bus.IsConnected())
		p.evaluate(logic.Trigger{Kind: logic.TriggerStartup}, now)
	})

	p.monitor.Start()
}

// Shutdown stops the monitor, waits for in-flight callbacks, stops the pump,
// flushes outbound I/O and releases both transports.
func (p *PumpStation) Shutdown(ctx context.Context, reason string) error {
	p.monitor.Stop()

	p.mu.Lock()
	already, started := p.closed, p.started
	p.closed = true
	p.mu.Unlock()
	if already {
		return nil
	}
	if !started {
		return errors.Join(p.link.Close(), p.bus.Close())
	}

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		p.logger.Warn().Msg("shutdown: callbacks still running")
	}

	now := p.now()
	d := p.tracker.ForceLocal(logic.Trigger{Kind: logic.TriggerShutdown}, now)
	p.apply(d, now)
	p.emit(logic.Event{Timestamp: now, StationID: p.cfg.StationID, Type: logic.EventShutdown, Reason: reason})

	var errs []error
	if err := p.out.close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush outbound: %w", err))
	}
	if err := p.link.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sensor link: %w", err))
	}
	if err := p.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close status bus: %w", err))
	}
	p.logger.Info().Str("reason", reason).Msg("station stopped")

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// enter registers an in-flight callback. False once shutdown has begun.
func (p *PumpStation) enter() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.inflight.Add(1)
	return true
}

// guard runs fn as a callback. A panic is logged and resolved by forcing
// local mode with the pump stopped; it never reaches the transport.
func (p *PumpStation) guard(source string, fn func()) {
	if !p.enter() {
		return
	}
	defer p.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("source", source).Msg("callback failed, forcing local mode")
			p.forceLocal()
		}
	}()
	fn()
}

func (p *PumpStation) forceLocal() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("forced local decision failed")
		}
	}()
	now := p.now()
	d := p.tracker.ForceLocal(logic.Trigger{Kind: logic.TriggerRecovery}, now)
	p.apply(d, now)
}

func (p *PumpStation) handleFrame(s logic.SensorSnapshot) {
	p.guard("sensor frame", func() {
		now := p.now()
		p.tracker.UpdateLocal(s, now)

		p.mu.Lock()
		p.lastBeat = now
		p.mu.Unlock()
		p.out.publishStatus(s)

		p.evaluate(logic.LocalSensorUpdate(), now)
	})
}

func (p *PumpStation) handleMessage(msg logic.PeerMessage) {
	if msg.StationID == p.cfg.StationID {
		return // echo of our own publication
	}
	p.guard("peer message", func() {
		now := p.now()
		switch msg.Kind {
		case logic.MessageStatus:
			p.tracker.UpdatePeer(msg.StationID, msg.Snapshot, now)
		case logic.MessageAlive:
			p.tracker.TouchPeer(msg.StationID, now)
		case logic.MessageOffline:
			if p.tracker.ExpirePeer(msg.StationID) {
				p.logger.Warn().Int("peer", msg.StationID).Msg("peer announced offline")
			}
		}

		if next, ok := p.cfg.MonitoredPeer(); ok && next == msg.StationID {
			p.evaluate(logic.PeerUpdate(msg.StationID), now)
		}
	})
}

func (p *PumpStation) onTick() {
	p.guard("liveness tick", func() {
		now := p.now()
		busUp := p.bus.IsConnected()
		p.tracker.SetConnectivity(p.link.IsConnected(), busUp)
		p.evaluate(logic.PeriodicTick(), now)

		if !busUp {
			return
		}
		p.mu.Lock()
		due := now.Sub(p.lastBeat) >= p.heartbeat
		if due {
			p.lastBeat = now
		}
		p.mu.Unlock()
		if due {
			p.out.publishAlive()
		}
	})
}

// evaluate runs one decision pass and hands its effects to the writer.
func (p *PumpStation) evaluate(trigger logic.Trigger, now time.Time) {
	d := p.tracker.Decide(trigger, now, p.bus.IsConnected())
	p.apply(d, now)
}

func (p *PumpStation) apply(d logic.Decision, now time.Time) {
	if d.ModeChanged {
		ev := p.logger.Info()
		if d.Mode == logic.ModeLocal {
			ev = p.logger.Warn()
		}
		ev.Str("from", string(d.PreviousMode)).
			Str("to", string(d.Mode)).
			Str("trigger", d.Trigger.String()).
			Msg("mode change")
		p.emit(logic.Event{
			Timestamp: now,
			StationID: p.cfg.StationID,
			Type:      logic.EventModeChange,
			From:      d.PreviousMode,
			To:        d.Mode,
			Trigger:   d.Trigger.Kind,
		})
	}

	if !d.Command {
		return
	}
	p.out.sendCommand(d.Intent, d.Seq)

	if d.Changed || d.ModeChanged {
		p.logger.Info().
			Str("pump", d.Intent.String()).
			Str("mode", string(d.Mode)).
			Str("trigger", d.Trigger.String()).
			Msg("pump command")
		p.emit(logic.Event{
			Timestamp: now,
			StationID: p.cfg.StationID,
			Type:      logic.EventPumpCommand,
			Run:       d.Intent.Run,
			Trigger:   d.Trigger.Kind,
		})
	} else {
		p.logger.Debug().Str("pump", d.Intent.String()).Msg("pump command reasserted")
	}
}

func (p *PumpStation) emit(e logic.Event) {
	p.out.event(e)
}

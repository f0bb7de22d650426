package gpio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/pump-station/internal/logic"
)

// Default link timings.
const (
	DefaultPoll          = 100 * time.Millisecond
	DefaultDebounce      = 250 * time.Millisecond
	DefaultFrameInterval = time.Second
)

// Config controls how the link samples the lines.
type Config struct {
	Poll          time.Duration
	Debounce      time.Duration
	FrameInterval time.Duration
	Logger        *zerolog.Logger
}

// Link turns debounced GPIO samples into sensor frames and drives the relay.
// Frames are emitted on any debounced change and at least every FrameInterval.
type Link struct {
	lines  Lines
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	onFrame   func(logic.SensorSnapshot)
	deb       *debouncer
	pump      bool
	connected bool
	lastFrame time.Time
	closed    bool
}

// NewLink wraps lines. Zero timings take the defaults.
func NewLink(lines Lines, cfg Config) *Link {
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultPoll
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultFrameInterval
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "gpio").Logger()
	}
	return &Link{
		lines:  lines,
		cfg:    cfg,
		logger: logger,
		deb:    newDebouncer(cfg.Debounce),
	}
}

// OnFrame registers the callback for new sensor frames.
// It is called from the polling goroutine.
func (l *Link) OnFrame(fn func(logic.SensorSnapshot)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFrame = fn
}

// Run polls the lines until ctx is cancelled.
func (l *Link) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Poll)
	defer ticker.Stop()

	l.step(time.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			l.step(now)
		}
	}
}

// step takes one sample and emits a frame when one is due.
func (l *Link) step(now time.Time) {
	in, err := l.lines.Read()

	l.mu.Lock()
	if err != nil {
		if l.connected {
			l.logger.Warn().Err(err).Msg("gpio read failed")
		}
		l.connected = false
		l.mu.Unlock()
		return
	}
	if !l.connected {
		l.logger.Info().Msg("gpio lines readable")
	}
	l.connected = true

	changed := l.deb.process(in, now)
	if !l.deb.isBaselined() {
		l.mu.Unlock()
		return
	}
	if !changed && now.Sub(l.lastFrame) < l.cfg.FrameInterval {
		l.mu.Unlock()
		return
	}
	l.lastFrame = now
	frame := l.frameLocked()
	fn := l.onFrame
	l.mu.Unlock()

	if fn != nil {
		fn(frame)
	}
}

func (l *Link) frameLocked() logic.SensorSnapshot {
	s := l.deb.stable()
	return logic.SensorSnapshot{
		PressureOK:  s.Pressure,
		TopLevel:    s.Top,
		BottomLevel: s.Bottom,
		PumpRunning: l.pump,
		Fault:       s.Fault,
	}
}

// SendCommand drives the relay to the intent.
func (l *Link) SendCommand(intent logic.PumpIntent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if err := l.lines.SetPump(intent.Run); err != nil {
		return fmt.Errorf("gpio command %s: %w", intent, err)
	}
	l.pump = intent.Run
	return nil
}

// IsConnected reports whether the last read succeeded.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected && !l.closed
}

// Close releases the relay and the lines. Safe to call more than once.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.connected = false
	l.pump = false
	return l.lines.Close()
}

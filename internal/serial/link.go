package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goburrow/serial"
	"github.com/rs/zerolog"

	"github.com/sweeney/pump-station/internal/logic"
)

// Defaults for the board connection.
const (
	DefaultBaudRate    = 115200
	DefaultReadTimeout = time.Second
	maxLineLength      = 4096
)

// DefaultPorts are tried in order on every connect attempt.
var DefaultPorts = []string{"/dev/ttyACM0", "/dev/ttyUSB0"}

// OpenFunc opens a serial port. Tests replace it.
type OpenFunc func(c *serial.Config) (io.ReadWriteCloser, error)

func openPort(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.Open(c)
}

// Config controls the board connection.
type Config struct {
	StationID   int
	Ports       []string
	BaudRate    int
	ReadTimeout time.Duration
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	Logger      *zerolog.Logger
	Open        OpenFunc
}

// Link is a sensor link over a serial port.
// It reconnects with backoff and filters frames for other stations.
type Link struct {
	cfg     Config
	logger  zerolog.Logger
	backoff *backoff.ExponentialBackOff

	mu      sync.Mutex
	port    io.ReadWriteCloser
	address string
	onFrame func(logic.SensorSnapshot)
	closed  bool
	done    chan struct{}

	// writeMu serialises writes. It is never held together with mu, so a
	// stalled write does not block IsConnected or Close.
	writeMu   sync.Mutex
	connected atomic.Bool
}

// New creates a link. Nothing is opened until Run.
func New(cfg Config) *Link {
	if len(cfg.Ports) == 0 {
		cfg.Ports = DefaultPorts
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Open == nil {
		cfg.Open = openPort
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "serial").Logger()
	}
	return &Link{
		cfg:     cfg,
		logger:  logger,
		backoff: newBackoff(cfg.BackoffMin, cfg.BackoffMax),
		done:    make(chan struct{}),
	}
}

// OnFrame registers the callback for frames addressed to this station.
// It is called from the reader goroutine.
func (l *Link) OnFrame(fn func(logic.SensorSnapshot)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFrame = fn
}

// Run connects, reads frames and reconnects until ctx is cancelled or the
// link is closed.
func (l *Link) Run(ctx context.Context) error {
	for {
		if l.stopped(ctx) {
			return nil
		}

		port, address, err := l.connect()
		if err != nil {
			delay := l.backoff.NextBackOff()
			l.logger.Warn().Err(err).Dur("retry_in", delay).Msg("serial connect failed")
			select {
			case <-ctx.Done():
				return nil
			case <-l.done:
				return nil
			case <-time.After(delay):
			}
			continue
		}

		l.backoff.Reset()
		l.logger.Info().Str("port", address).Msg("serial connected")

		err = l.readLoop(ctx, port)
		l.disconnect(port)
		if l.stopped(ctx) {
			return nil
		}
		l.logger.Warn().Err(err).Str("port", address).Msg("serial connection lost")
	}
}

func (l *Link) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// connect tries each configured port in order.
func (l *Link) connect() (io.ReadWriteCloser, string, error) {
	var errs []error
	for _, address := range l.cfg.Ports {
		port, err := l.cfg.Open(&serial.Config{
			Address:  address,
			BaudRate: l.cfg.BaudRate,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
			Timeout:  l.cfg.ReadTimeout,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("open %s: %w", address, err))
			continue
		}

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			port.Close()
			return nil, "", errors.New("serial: link closed")
		}
		l.port = port
		l.address = address
		l.connected.Store(true)
		l.mu.Unlock()
		return port, address, nil
	}
	return nil, "", errors.Join(errs...)
}

func (l *Link) disconnect(port io.ReadWriteCloser) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == port {
		l.port = nil
		l.address = ""
		l.connected.Store(false)
	}
	port.Close()
}

// readLoop reads newline-delimited frames until the port fails.
func (l *Link) readLoop(ctx context.Context, port io.ReadWriteCloser) error {
	buf := make([]byte, 256)
	var line []byte
	for {
		if l.stopped(ctx) {
			return nil
		}

		n, err := port.Read(buf)
		if n > 0 {
			line = append(line, buf[:n]...)
			for {
				i := bytes.IndexByte(line, '\n')
				if i < 0 {
					break
				}
				l.handleLine(line[:i])
				line = line[i+1:]
			}
			if len(line) > maxLineLength {
				l.logger.Warn().Int("bytes", len(line)).Msg("serial line too long, dropped")
				line = nil
			}
		}
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				continue
			}
			return err
		}
	}
}

func (l *Link) handleLine(line []byte) {
	snap, err := ParseFrame(line, l.cfg.StationID)
	switch {
	case errors.Is(err, ErrOtherStation):
		return
	case err != nil:
		if len(bytes.TrimSpace(line)) > 0 {
			l.logger.Warn().Err(err).Bytes("line", line).Msg("serial frame rejected")
		}
		return
	}

	l.mu.Lock()
	fn := l.onFrame
	l.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// SendCommand writes a pump command to the board.
func (l *Link) SendCommand(intent logic.PumpIntent) error {
	l.mu.Lock()
	port, address := l.port, l.address
	l.mu.Unlock()

	if port == nil {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := port.Write(FormatCommand(intent)); err != nil {
		return fmt.Errorf("serial write %s: %w", address, err)
	}
	return nil
}

// IsConnected reports whether a port is open. It never waits on a write.
func (l *Link) IsConnected() bool {
	return l.connected.Load()
}

// Close stops Run and closes the port. Safe to call more than once.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	l.connected.Store(false)
	if l.port != nil {
		err := l.port.Close()
		l.port = nil
		l.address = ""
		return err
	}
	return nil
}

package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/sweeney/pump-station/internal/logic"
)

// DefaultBufferSize is the number of events held while disconnected.
const DefaultBufferSize = 256

// Options configures a RealBus.
type Options struct {
	Broker      string
	ClientID    string
	StatusTopic string
	EventsTopic string
	StationID   int
	BufferSize  int
	Logger      *zerolog.Logger
}

// RealBus is a status bus on an actual MQTT broker.
// The connection is made in the background and retried by paho, so the
// station keeps running in local mode while the broker is unreachable.
type RealBus struct {
	client paho.Client
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	onMessage func(logic.PeerMessage)
	buffer    *eventBuffer
}

// NewRealBus creates a bus for the given broker. Call Connect to start it.
func NewRealBus(opts Options) (*RealBus, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker is required")
	}
	if opts.StatusTopic == "" {
		opts.StatusTopic = DefaultStatusTopic
	}
	if opts.EventsTopic == "" {
		opts.EventsTopic = DefaultEventsTopic
	}
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("pump-station-%d", opts.StationID)
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "mqtt").Logger()
	}

	will, err := FormatLiveness(opts.StationID, StatusOffline)
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	b := &RealBus{
		opts:   opts,
		logger: logger,
		buffer: newEventBuffer(opts.BufferSize),
	}

	co := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetKeepAlive(10 * time.Second).
		SetBinaryWill(opts.StatusTopic, will, 1, false).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			b.logger.Warn().Err(err).Msg("broker connection lost")
		}).
		SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
			b.logger.Debug().Msg("reconnecting to broker")
		})

	b.client = paho.NewClient(co)
	return b, nil
}

// Connect starts connecting in the background.
func (b *RealBus) Connect() {
	token := b.client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			b.logger.Error().Err(err).Str("broker", b.opts.Broker).Msg("broker connect failed")
		}
	}()
}

// onConnect resubscribes and replays buffered events. Runs on every (re)connect.
func (b *RealBus) onConnect(c paho.Client) {
	b.logger.Info().Str("broker", b.opts.Broker).Msg("broker connected")

	token := c.Subscribe(b.opts.StatusTopic, 1, b.handle)
	if !token.WaitTimeout(10 * time.Second) {
		b.logger.Error().Str("topic", b.opts.StatusTopic).Msg("subscribe timeout")
	} else if err := token.Error(); err != nil {
		b.logger.Error().Err(err).Str("topic", b.opts.StatusTopic).Msg("subscribe failed")
	}

	b.mu.Lock()
	pending := b.buffer.drain()
	b.mu.Unlock()

	for i, e := range pending {
		if err := b.sendEvent(e); err != nil {
			// Keep what is left for the next connect.
			b.bufferEvents(pending[i:]...)
			b.logger.Warn().Err(err).Int("pending", len(pending)-i).Msg("event replay interrupted")
			return
		}
	}
	if len(pending) > 0 {
		b.logger.Info().Int("count", len(pending)).Msg("replayed buffered events")
	}
}

func (b *RealBus) handle(_ paho.Client, m paho.Message) {
	msg, err := ParseMessage(m.Payload())
	if err != nil {
		b.logger.Warn().Err(err).Bytes("payload", m.Payload()).Msg("status message rejected")
		return
	}

	b.mu.Lock()
	fn := b.onMessage
	b.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// OnMessage registers the callback for parsed status-topic messages.
func (b *RealBus) OnMessage(fn func(logic.PeerMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onMessage = fn
}

// Publish sends a station's sensor snapshot. Not buffered when offline.
func (b *RealBus) Publish(stationID int, s logic.SensorSnapshot) error {
	if !b.IsConnected() {
		return ErrNotConnected
	}
	payload, err := FormatStatus(stationID, s)
	if err != nil {
		return fmt.Errorf("format status: %w", err)
	}
	return b.publish(b.opts.StatusTopic, 0, false, payload)
}

// PublishLiveness sends an ALIVE heartbeat.
func (b *RealBus) PublishLiveness(stationID int) error {
	if !b.IsConnected() {
		return ErrNotConnected
	}
	payload, err := FormatLiveness(stationID, StatusAlive)
	if err != nil {
		return fmt.Errorf("format liveness: %w", err)
	}
	return b.publish(b.opts.StatusTopic, 0, false, payload)
}

// PublishEvent sends a station event, buffering it while disconnected.
// A failed send is buffered too and reported.
func (b *RealBus) PublishEvent(e logic.Event) error {
	if !b.IsConnected() {
		b.bufferEvents(e)
		return nil
	}
	if err := b.sendEvent(e); err != nil {
		b.bufferEvents(e)
		return err
	}
	return nil
}

func (b *RealBus) sendEvent(e logic.Event) error {
	payload, err := FormatEvent(e)
	if err != nil {
		return fmt.Errorf("format event: %w", err)
	}
	return b.publish(b.opts.EventsTopic, 1, false, payload)
}

func (b *RealBus) bufferEvents(events ...logic.Event) {
	b.mu.Lock()
	var dropped bool
	if len(events) == 1 {
		dropped = b.buffer.push(events[0])
	} else {
		dropped = b.buffer.requeue(events)
	}
	total := b.buffer.dropped
	b.mu.Unlock()

	if dropped {
		b.logger.Warn().Int("capacity", b.opts.BufferSize).Int("dropped_total", total).Msg("event buffer full, dropping oldest")
	}
}

func (b *RealBus) publish(topic string, qos byte, retained bool, payload []byte) error {
	token := b.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Buffered returns the number of events waiting for a connection.
func (b *RealBus) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.len()
}

// IsConnected reports whether the broker connection is up.
func (b *RealBus) IsConnected() bool {
	return b.client.IsConnectionOpen()
}

// Close announces OFFLINE and disconnects from the broker.
// A clean disconnect suppresses the will, so the announcement is explicit.
func (b *RealBus) Close() error {
	if b.IsConnected() {
		payload, err := FormatLiveness(b.opts.StationID, StatusOffline)
		if err == nil {
			if err := b.publish(b.opts.StatusTopic, 1, false, payload); err != nil {
				b.logger.Warn().Err(err).Msg("offline announcement failed")
			}
		}
	}
	b.client.Disconnect(1000) // 1 second timeout
	return nil
}

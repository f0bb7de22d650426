// Package metrics emits station events and periodic state gauges to a
// DogStatsD agent.
package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sweeney/pump-station/internal/logic"
	"github.com/sweeney/pump-station/internal/status"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "pump_station."

// Client is the subset of the statsd client used here.
type Client interface {
	Gauge(name string, value float64, tags []string, rate float64) error
	Incr(name string, tags []string, rate float64) error
	Close() error
}

// Statsd reports to DogStatsD. It is an event observer for the station.
type Statsd struct {
	client Client
	logger zerolog.Logger
}

// New connects to the agent at addr.
func New(addr, namespace string, tags []string) (*Statsd, error) {
	c, err := statsd.New(addr)
	if err != nil {
		return nil, fmt.Errorf("create dogstatsd client: %w", err)
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	c.Namespace = namespace
	c.Tags = tags

	log.Info().
		Str("addr", addr).
		Str("namespace", namespace).
		Strs("tags", tags).
		Msg("datadog metrics initialized")

	return NewWithClient(c), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(c Client) *Statsd {
	return &Statsd{
		client: c,
		logger: log.With().Str("component", "metrics").Logger(),
	}
}

// Observe counts station events.
func (s *Statsd) Observe(e logic.Event) {
	switch e.Type {
	case logic.EventModeChange:
		s.incr("mode_change", "from:"+string(e.From), "to:"+string(e.To), "trigger:"+string(e.Trigger))
		s.gauge("network_mode", boolValue(e.To == logic.ModeNetwork))
	case logic.EventPumpCommand:
		s.incr("pump_command", "pump:"+logic.PumpIntent{Run: e.Run}.String(), "trigger:"+string(e.Trigger))
		s.gauge("pump_intent", boolValue(e.Run))
	case logic.EventStartup, logic.EventShutdown:
		s.incr("lifecycle", "event:"+string(e.Type))
	}
}

// Report emits state gauges from one snapshot.
func (s *Statsd) Report(snap status.Snapshot) {
	s.gauge("network_mode", boolValue(snap.Mode == logic.ModeNetwork))
	s.gauge("pump_intent", boolValue(snap.Intent.Run))
	s.gauge("link_connected", boolValue(snap.LinkConnected))
	s.gauge("bus_connected", boolValue(snap.BusConnected))
	s.gauge("uptime_seconds", snap.Uptime().Seconds())

	if snap.HasLocal {
		s.gauge("sensor.pressure_ok", boolValue(snap.Local.PressureOK))
		s.gauge("sensor.top_level", boolValue(snap.Local.TopLevel))
		s.gauge("sensor.bottom_level", boolValue(snap.Local.BottomLevel))
		s.gauge("sensor.pump_running", boolValue(snap.Local.PumpRunning))
		s.gauge("sensor.fault", boolValue(snap.Local.Fault))
	}

	for _, p := range snap.PeerViews() {
		if !p.Known {
			continue
		}
		s.gauge("peer_age_seconds", p.Age.Seconds(), "peer:"+strconv.Itoa(p.ID))
	}
}

// Run reports every interval until ctx is cancelled.
func (s *Statsd) Run(ctx context.Context, interval time.Duration, snapshot func() status.Snapshot) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Report(snapshot())
		}
	}
}

// Close flushes and closes the client.
func (s *Statsd) Close() error {
	return s.client.Close()
}

func (s *Statsd) gauge(name string, value float64, tags ...string) {
	if err := s.client.Gauge(name, value, tags, 1); err != nil {
		s.logger.Warn().Err(err).Str("metric", name).Msg("failed to emit gauge metric")
	}
}

func (s *Statsd) incr(name string, tags ...string) {
	if err := s.client.Incr(name, tags, 1); err != nil {
		s.logger.Warn().Err(err).Str("metric", name).Msg("failed to emit count metric")
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

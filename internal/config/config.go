// Package config loads station configuration from a YAML file, an optional
// .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/pump-station/internal/gpio"
	"github.com/sweeney/pump-station/internal/logic"
	"github.com/sweeney/pump-station/internal/mqtt"
	"github.com/sweeney/pump-station/internal/serial"
)

// DefaultPath is used when neither -config nor CONFIG_PATH is set.
const DefaultPath = "config.yaml"

// Link kinds.
const (
	LinkSerial = "serial"
	LinkGPIO   = "gpio"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config represents the overall station configuration.
type Config struct {
	Station StationConfig `yaml:"station"`
	Link    LinkConfig    `yaml:"link"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	HTTP    HTTPConfig    `yaml:"http"`
	Metrics MetricsConfig `yaml:"metrics"`
	Journal JournalConfig `yaml:"journal"`
	Log     LogConfig     `yaml:"log"`
}

// StationConfig identifies the station and its timings.
type StationConfig struct {
	ID       int `yaml:"id"`
	Stations int `yaml:"stations"`
	// Unset means: derived from the role.
	ControlsPump *bool `yaml:"controls_pump"`
	HasTank      *bool `yaml:"has_tank"`

	LivenessTimeoutSeconds   int           `yaml:"liveness_timeout_seconds"`
	LivenessTimeout          time.Duration `yaml:"-"`
	LocalPumpIntervalSeconds int           `yaml:"local_pump_interval_seconds"`
	LocalPumpInterval        time.Duration `yaml:"-"`
	TickIntervalSeconds      int           `yaml:"tick_interval_seconds"`
	TickInterval             time.Duration `yaml:"-"`
	HeartbeatIntervalSeconds int           `yaml:"heartbeat_interval_seconds"`
	HeartbeatInterval        time.Duration `yaml:"-"`
}

// LinkConfig selects and configures the sensor link.
type LinkConfig struct {
	Kind   string       `yaml:"kind"`
	Serial SerialConfig `yaml:"serial"`
	GPIO   GPIOConfig   `yaml:"gpio"`
}

// SerialConfig configures the controller board connection.
type SerialConfig struct {
	Ports         []string `yaml:"ports"`
	BaudRate      int      `yaml:"baud_rate"`
	ReadTimeoutMs int      `yaml:"read_timeout_ms"`
}

// GPIOConfig configures a directly wired station.
type GPIOConfig struct {
	PinPressure     int `yaml:"pin_pressure"`
	PinTop          int `yaml:"pin_top"`
	PinBottom       int `yaml:"pin_bottom"`
	PinFault        int `yaml:"pin_fault"`
	PinPump         int `yaml:"pin_pump"`
	PollMs          int `yaml:"poll_ms"`
	DebounceMs      int `yaml:"debounce_ms"`
	FrameIntervalMs int `yaml:"frame_interval_ms"`
}

// MQTTConfig configures the status bus.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	StatusTopic string `yaml:"status_topic"`
	EventsTopic string `yaml:"events_topic"`
	BufferSize  int    `yaml:"buffer_size"`
}

// HTTPConfig configures the status page.
type HTTPConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MetricsConfig configures DogStatsD reporting.
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	Namespace       string        `yaml:"namespace"`
	Tags            []string      `yaml:"tags,omitempty"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"`
}

// JournalConfig configures the SQLite event journal.
type JournalConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Retention int    `yaml:"retention"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Overrides are command-line values that win over the file and environment.
type Overrides struct {
	StationID int
	LogLevel  string
}

// ResolvePath picks the config path: flag, then CONFIG_PATH, then DefaultPath.
// Call after the .env file has been loaded.
func ResolvePath(flagPath string) (path string, explicit bool) {
	if flagPath != "" {
		return flagPath, true
	}
	if p := strings.TrimSpace(os.Getenv("CONFIG_PATH")); p != "" {
		return p, true
	}
	return DefaultPath, false
}

// Load reads the configuration. A missing file is an error only when its
// path was given explicitly; otherwise defaults and environment apply.
func Load(flagPath string, o Overrides) (*Config, error) {
	_ = godotenv.Load(".env")

	path, explicit := ResolvePath(flagPath)
	var cfg Config

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		decoder := yaml.NewDecoder(f)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// defaults only
	default:
		return nil, fmt.Errorf("open config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if o.StationID != 0 {
		cfg.Station.ID = o.StationID
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv("PUMP_STATION_ID")); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PUMP_STATION_ID: %w", err)
		}
		c.Station.ID = id
	}
	if v := strings.TrimSpace(os.Getenv("PUMP_MQTT_BROKER")); v != "" {
		c.MQTT.Broker = v
	}
	return nil
}

// ApplyDefaults fills unset fields and derives durations.
func (c *Config) ApplyDefaults() {
	s := &c.Station
	if s.Stations <= 0 {
		s.Stations = 3
	}
	role := logic.RoleFor(s.ID, s.Stations)
	if s.ControlsPump == nil {
		s.ControlsPump = boolPtr(role != logic.RoleTail)
	}
	if s.HasTank == nil {
		s.HasTank = boolPtr(role != logic.RoleHead)
	}
	s.LivenessTimeoutSeconds = orDefault(s.LivenessTimeoutSeconds, 30)
	s.LocalPumpIntervalSeconds = orDefault(s.LocalPumpIntervalSeconds, 300)
	s.TickIntervalSeconds = orDefault(s.TickIntervalSeconds, 1)
	s.HeartbeatIntervalSeconds = orDefault(s.HeartbeatIntervalSeconds, 2)
	s.LivenessTimeout = seconds(s.LivenessTimeoutSeconds)
	s.LocalPumpInterval = seconds(s.LocalPumpIntervalSeconds)
	s.TickInterval = seconds(s.TickIntervalSeconds)
	s.HeartbeatInterval = seconds(s.HeartbeatIntervalSeconds)

	if c.Link.Kind == "" {
		c.Link.Kind = LinkSerial
	}
	if len(c.Link.Serial.Ports) == 0 {
		c.Link.Serial.Ports = append([]string(nil), serial.DefaultPorts...)
	}
	c.Link.Serial.BaudRate = orDefault(c.Link.Serial.BaudRate, serial.DefaultBaudRate)
	c.Link.Serial.ReadTimeoutMs = orDefault(c.Link.Serial.ReadTimeoutMs, int(serial.DefaultReadTimeout/time.Millisecond))

	g := &c.Link.GPIO
	g.PinPressure = orDefault(g.PinPressure, gpio.DefaultPinPressure)
	g.PinTop = orDefault(g.PinTop, gpio.DefaultPinTop)
	g.PinBottom = orDefault(g.PinBottom, gpio.DefaultPinBottom)
	g.PinFault = orDefault(g.PinFault, gpio.DefaultPinFault)
	g.PinPump = orDefault(g.PinPump, gpio.DefaultPinPump)
	g.PollMs = orDefault(g.PollMs, int(gpio.DefaultPoll/time.Millisecond))
	g.DebounceMs = orDefault(g.DebounceMs, int(gpio.DefaultDebounce/time.Millisecond))
	g.FrameIntervalMs = orDefault(g.FrameIntervalMs, int(gpio.DefaultFrameInterval/time.Millisecond))

	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = fmt.Sprintf("pump-station-%d", s.ID)
	}
	if c.MQTT.StatusTopic == "" {
		c.MQTT.StatusTopic = mqtt.DefaultStatusTopic
	}
	if c.MQTT.EventsTopic == "" {
		c.MQTT.EventsTopic = mqtt.DefaultEventsTopic
	}
	c.MQTT.BufferSize = orDefault(c.MQTT.BufferSize, mqtt.DefaultBufferSize)

	if c.HTTP.Enabled == nil {
		c.HTTP.Enabled = boolPtr(true)
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "127.0.0.1:8125"
	}
	c.Metrics.IntervalSeconds = orDefault(c.Metrics.IntervalSeconds, 10)
	c.Metrics.Interval = seconds(c.Metrics.IntervalSeconds)

	if c.Journal.Path == "" {
		c.Journal.Path = "/var/lib/pump-station/events.db"
	}
	c.Journal.Retention = orDefault(c.Journal.Retention, 10000)

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks the configuration for values the station cannot run with.
func (c *Config) Validate() error {
	s := c.Station
	var problems []string
	if s.ID < 1 || s.ID > s.Stations {
		problems = append(problems, fmt.Sprintf("station.id %d not in 1..%d", s.ID, s.Stations))
	}
	if s.ID >= 1 && s.ID <= s.Stations && logic.RoleFor(s.ID, s.Stations) == logic.RoleIntermediate && !*s.HasTank {
		problems = append(problems, fmt.Sprintf("station %d is intermediate and must have a tank", s.ID))
	}
	for name, v := range map[string]int{
		"liveness_timeout_seconds":    s.LivenessTimeoutSeconds,
		"local_pump_interval_seconds": s.LocalPumpIntervalSeconds,
		"tick_interval_seconds":       s.TickIntervalSeconds,
		"heartbeat_interval_seconds":  s.HeartbeatIntervalSeconds,
	} {
		if v <= 0 {
			problems = append(problems, fmt.Sprintf("station.%s must be positive", name))
		}
	}
	if s.TickIntervalSeconds > 0 && s.LivenessTimeoutSeconds > 0 && s.TickIntervalSeconds >= s.LivenessTimeoutSeconds {
		problems = append(problems, "station.tick_interval_seconds must be shorter than liveness_timeout_seconds")
	}

	switch c.Link.Kind {
	case LinkSerial:
		if len(c.Link.Serial.Ports) == 0 {
			problems = append(problems, "link.serial.ports is empty")
		}
	case LinkGPIO:
		g := c.Link.GPIO
		seen := map[int]bool{}
		for _, pin := range []int{g.PinPressure, g.PinTop, g.PinBottom, g.PinFault, g.PinPump} {
			if seen[pin] {
				problems = append(problems, fmt.Sprintf("link.gpio pin %d assigned twice", pin))
			}
			seen[pin] = true
		}
	default:
		problems = append(problems, fmt.Sprintf("link.kind %q must be %q or %q", c.Link.Kind, LinkSerial, LinkGPIO))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Logic returns the decision configuration.
func (c *Config) Logic() logic.Config {
	return logic.Config{
		StationID:         c.Station.ID,
		Stations:          c.Station.Stations,
		ControlsPump:      *c.Station.ControlsPump,
		HasTank:           *c.Station.HasTank,
		LivenessTimeout:   c.Station.LivenessTimeout,
		LocalPumpInterval: c.Station.LocalPumpInterval,
	}
}

// YAML renders the resolved configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func boolPtr(b bool) *bool {
	return &b
}

// Pins returns the configured GPIO line assignment.
func (g GPIOConfig) Pins() gpio.Pins {
	return gpio.Pins{
		Pressure: g.PinPressure,
		Top:      g.PinTop,
		Bottom:   g.PinBottom,
		Fault:    g.PinFault,
		Pump:     g.PinPump,
	}
}

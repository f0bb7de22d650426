// Command pump-station runs one station of a water pump cascade: it reads
// the local sensors, shares them over MQTT and drives the local pump.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sweeney/pump-station/internal/config"
	"github.com/sweeney/pump-station/internal/gpio"
	"github.com/sweeney/pump-station/internal/journal"
	"github.com/sweeney/pump-station/internal/logging"
	"github.com/sweeney/pump-station/internal/metrics"
	"github.com/sweeney/pump-station/internal/mqtt"
	"github.com/sweeney/pump-station/internal/serial"
	"github.com/sweeney/pump-station/internal/station"
	"github.com/sweeney/pump-station/internal/status"
	"github.com/sweeney/pump-station/internal/web"
)

// shutdownTimeout bounds the final stop command and outbound flush.
const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to YAML config (default $CONFIG_PATH or ./config.yaml)")
	stationID := flag.Int("station-id", 0, "Station id, overrides the config file and PUMP_STATION_ID")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	printConfig := flag.Bool("print-config", false, "Print the resolved config and exit")

	flag.Parse()

	cfg, err := config.Load(*configPath, config.Overrides{StationID: *stationID, LogLevel: *logLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	if *printConfig {
		out, err := cfg.YAML()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	logFile, err := logging.Init(cfg.Log.Level, cfg.Log.File, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := run(cfg, sigCh); err != nil {
		log.Error().Err(err).Msg("fatal")
		logFile.Close()
		os.Exit(1)
	}
}

// components are the outward-facing parts of a station, built from config.
type components struct {
	link    station.SensorLink
	runLink func(ctx context.Context) error
	bus     station.StatusBus

	observers []station.Observer
	events    web.EventLister
	metrics   *metrics.Statsd
	closers   []func() error
}

func run(cfg *config.Config, sig <-chan os.Signal) error {
	c, err := build(cfg)
	if err != nil {
		return err
	}
	return serve(cfg, c, time.Now, sig)
}

// build opens the hardware link, the MQTT client and the optional
// observers. Anything opened before a failure is released.
func build(cfg *config.Config) (*components, error) {
	c := &components{}
	logger := log.Logger

	switch cfg.Link.Kind {
	case config.LinkGPIO:
		lines, err := gpio.NewRealLines(cfg.Link.GPIO.Pins())
		if err != nil {
			return nil, fmt.Errorf("init gpio: %w", err)
		}
		l := gpio.NewLink(lines, gpio.Config{
			Poll:          ms(cfg.Link.GPIO.PollMs),
			Debounce:      ms(cfg.Link.GPIO.DebounceMs),
			FrameInterval: ms(cfg.Link.GPIO.FrameIntervalMs),
			Logger:        &logger,
		})
		c.link, c.runLink = l, l.Run
	default:
		l := serial.New(serial.Config{
			StationID:   cfg.Station.ID,
			Ports:       cfg.Link.Serial.Ports,
			BaudRate:    cfg.Link.Serial.BaudRate,
			ReadTimeout: ms(cfg.Link.Serial.ReadTimeoutMs),
			Logger:      &logger,
		})
		c.link, c.runLink = l, l.Run
	}

	bus, err := mqtt.NewRealBus(mqtt.Options{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		StatusTopic: cfg.MQTT.StatusTopic,
		EventsTopic: cfg.MQTT.EventsTopic,
		StationID:   cfg.Station.ID,
		BufferSize:  cfg.MQTT.BufferSize,
		Logger:      &logger,
	})
	if err != nil {
		c.link.Close()
		return nil, fmt.Errorf("init mqtt: %w", err)
	}
	bus.Connect()
	c.bus = bus

	if cfg.Metrics.Enabled {
		m, err := metrics.New(cfg.Metrics.Addr, cfg.Metrics.Namespace, cfg.Metrics.Tags)
		if err != nil {
			// Metrics are optional; the station runs without them.
			log.Warn().Err(err).Msg("metrics disabled")
		} else {
			c.metrics = m
			c.observers = append(c.observers, m)
			c.closers = append(c.closers, m.Close)
		}
	}

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, cfg.Journal.Retention)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Journal.Path).Msg("event journal disabled")
		} else {
			c.observers = append(c.observers, j)
			c.events = j
			c.closers = append(c.closers, j.Close)
		}
	}

	return c, nil
}

// serve runs the station until a signal arrives, then shuts it down with
// the signal name as the reason.
func serve(cfg *config.Config, c *components, now func() time.Time, sig <-chan os.Signal) error {
	logger := log.Logger.With().Int("station_id", cfg.Station.ID).Logger()

	tracker := status.NewTracker(cfg.Logic(), now(), status.Display{
		Link:        cfg.Link.Kind,
		Broker:      cfg.MQTT.Broker,
		HTTPAddr:    cfg.HTTP.Addr,
		TickMs:      cfg.Station.TickInterval.Milliseconds(),
		HeartbeatMs: cfg.Station.HeartbeatInterval.Milliseconds(),
	})

	st := station.New(cfg.Logic(), c.link, c.bus, tracker, station.Options{
		Logger:            &logger,
		Now:               now,
		TickInterval:      cfg.Station.TickInterval,
		HeartbeatInterval: cfg.Station.HeartbeatInterval,
		Observers:         c.observers,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	st.Start()

	if c.runLink != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.runLink(ctx); err != nil {
				logger.Error().Err(err).Msg("sensor link stopped")
			}
		}()
	}

	if c.metrics != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.metrics.Run(ctx, cfg.Metrics.Interval, tracker.Snapshot)
		}()
	}

	var srv *web.Server
	if *cfg.HTTP.Enabled {
		srv = web.New(cfg.HTTP.Addr, tracker, c.events)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("http server error")
			}
		}()
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("http status server listening")
	}

	logger.Info().
		Str("role", string(cfg.Logic().Role())).
		Str("link", cfg.Link.Kind).
		Str("broker", cfg.MQTT.Broker).
		Dur("liveness_timeout", cfg.Station.LivenessTimeout).
		Msg("started")

	s := <-sig
	reason := signalName(s)
	logger.Info().Str("signal", reason).Msg("shutting down")

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()

	// The station sends its final stop before the link goroutine is cancelled.
	var errs []error
	if err := st.Shutdown(sctx, reason); err != nil {
		errs = append(errs, err)
	}
	cancel()
	if srv != nil {
		if err := srv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	wg.Wait()
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return "UNKNOWN"
	}
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

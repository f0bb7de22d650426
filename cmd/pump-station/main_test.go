package main

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sweeney/pump-station/internal/config"
	"github.com/sweeney/pump-station/internal/logic"
	"github.com/sweeney/pump-station/internal/mqtt"
	"github.com/sweeney/pump-station/internal/serial"
	"github.com/sweeney/pump-station/internal/station"
)

func testConfig(t *testing.T, id int) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Station.ID = id
	disabled := false
	cfg.HTTP.Enabled = &disabled
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

// fixedClock always returns the same instant.
func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

type recorder struct {
	mu     sync.Mutex
	events []logic.Event
}

func (r *recorder) Observe(e logic.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []logic.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]logic.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func TestSignalName(t *testing.T) {
	tests := []struct {
		sig  os.Signal
		want string
	}{
		{syscall.SIGINT, "SIGINT"},
		{syscall.SIGTERM, "SIGTERM"},
		{syscall.SIGHUP, "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := signalName(tt.sig); got != tt.want {
			t.Errorf("signalName(%v): got %q, want %q", tt.sig, got, tt.want)
		}
	}
}

func TestMs(t *testing.T) {
	if got := ms(250); got != 250*time.Millisecond {
		t.Errorf("ms(250): got %v", got)
	}
}

func TestServeStopsOnSignal(t *testing.T) {
	cfg := testConfig(t, 1)
	link := serial.NewFakeLink()
	bus := mqtt.NewFakeBus()
	rec := &recorder{}

	linkStopped := make(chan struct{})
	closed := false
	c := &components{
		link: link,
		runLink: func(ctx context.Context) error {
			<-ctx.Done()
			close(linkStopped)
			return nil
		},
		bus:       bus,
		observers: []station.Observer{rec},
		closers:   []func() error{func() error { closed = true; return nil }},
	}

	sig := make(chan os.Signal, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- serve(cfg, c, fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), sig)
	}()

	// Wait until the station has registered its callbacks.
	deadline := time.Now().Add(2 * time.Second)
	for len(bus.Statuses()) == 0 && time.Now().Before(deadline) {
		link.Emit(logic.SensorSnapshot{PressureOK: true})
		time.Sleep(5 * time.Millisecond)
	}
	if len(bus.Statuses()) == 0 {
		t.Fatal("station never republished a frame")
	}

	sig <- syscall.SIGTERM

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after SIGTERM")
	}

	select {
	case <-linkStopped:
	default:
		t.Error("sensor link goroutine was not cancelled")
	}
	if !closed {
		t.Error("closers were not run")
	}
	if !link.Closed() || !bus.Closed() {
		t.Error("expected link and bus closed")
	}

	last, ok := link.LastCommand()
	if !ok || last.Run {
		t.Errorf("final command: got %v (sent=%v), want stop", last, ok)
	}

	types := rec.types()
	if len(types) < 2 || types[0] != logic.EventStartup || types[len(types)-1] != logic.EventShutdown {
		t.Errorf("observer events: got %v, want STARTUP ... SHUTDOWN", types)
	}

	events := bus.Events()
	if len(events) == 0 {
		t.Fatal("no events published")
	}
	final := events[len(events)-1]
	if final.Type != logic.EventShutdown || final.Reason != "SIGTERM" {
		t.Errorf("last published event: got %+v, want SHUTDOWN/SIGTERM", final)
	}
}

func TestServeJoinsCloserErrors(t *testing.T) {
	cfg := testConfig(t, 3)
	c := &components{
		link:    serial.NewFakeLink(),
		bus:     mqtt.NewFakeBus(),
		closers: []func() error{func() error { return errors.New("journal: disk gone") }},
	}

	sig := make(chan os.Signal, 1)
	sig <- syscall.SIGINT

	err := serve(cfg, c, time.Now, sig)
	if err == nil {
		t.Fatal("expected closer error")
	}
}

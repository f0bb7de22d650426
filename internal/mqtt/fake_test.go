package mqtt

import (
	"errors"
	"sync"
	"testing"

	"github.com/sweeney/pump-station/internal/logic"
)

type inbox struct {
	mu   sync.Mutex
	msgs []logic.PeerMessage
}

func (i *inbox) add(m logic.PeerMessage) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, m)
}

func (i *inbox) all() []logic.PeerMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]logic.PeerMessage(nil), i.msgs...)
}

func TestFakeBusRecords(t *testing.T) {
	f := NewFakeBus()

	snap := logic.SensorSnapshot{PressureOK: true}
	if err := f.Publish(1, snap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.PublishLiveness(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.PublishEvent(logic.Event{Type: logic.EventStartup}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := f.Statuses(); len(got) != 1 || got[0].Snapshot != snap {
		t.Errorf("unexpected statuses: %+v", got)
	}
	if got := f.Liveness(); len(got) != 1 || got[0] != 1 {
		t.Errorf("unexpected liveness: %v", got)
	}
	if got := f.Events(); len(got) != 1 || got[0].Type != logic.EventStartup {
		t.Errorf("unexpected events: %+v", got)
	}

	f.Reset()
	if len(f.Statuses())+len(f.Liveness())+len(f.Events()) != 0 {
		t.Error("Reset should clear recordings")
	}
}

func TestFakeBusDisconnected(t *testing.T) {
	f := NewFakeBus()
	f.SetConnected(false)

	if err := f.Publish(1, logic.SensorSnapshot{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := f.PublishLiveness(1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	got := &inbox{}
	f.OnMessage(got.add)
	f.Deliver(logic.PeerMessage{StationID: 2})
	if len(got.all()) != 0 {
		t.Error("disconnected bus must not deliver")
	}
}

func TestFakeBusPublishError(t *testing.T) {
	f := NewFakeBus()
	expected := errors.New("broker rejected")
	f.SetPublishError(expected)

	if err := f.Publish(1, logic.SensorSnapshot{}); err != expected {
		t.Errorf("expected %v, got %v", expected, err)
	}
	if err := f.PublishEvent(logic.Event{}); err != expected {
		t.Errorf("expected %v, got %v", expected, err)
	}
}

func TestFakeBrokerFanOut(t *testing.T) {
	broker := NewFakeBroker()
	one := broker.NewBus(1)
	two := broker.NewBus(2)

	in1, in2 := &inbox{}, &inbox{}
	one.OnMessage(in1.add)
	two.OnMessage(in2.add)

	snap := logic.SensorSnapshot{TopLevel: true}
	if err := two.Publish(2, snap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for name, in := range map[string]*inbox{"one": in1, "two (echo)": in2} {
		got := in.all()
		if len(got) != 1 || got[0].StationID != 2 || got[0].Snapshot != snap {
			t.Errorf("%s: unexpected messages %+v", name, got)
		}
	}
}

func TestFakeBrokerOfflineWill(t *testing.T) {
	broker := NewFakeBroker()
	one := broker.NewBus(1)
	two := broker.NewBus(2)

	in1 := &inbox{}
	one.OnMessage(in1.add)

	two.SetConnected(false)

	got := in1.all()
	if len(got) != 1 || got[0].Kind != logic.MessageOffline || got[0].StationID != 2 {
		t.Errorf("expected OFFLINE from station 2, got %+v", got)
	}

	// Already down: no second announcement.
	two.Close()
	if len(in1.all()) != 1 {
		t.Error("closing a disconnected bus must not announce again")
	}
	if !two.Closed() {
		t.Error("expected closed")
	}
}

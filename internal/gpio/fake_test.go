package gpio

import (
	"errors"
	"testing"
)

func TestFakeLinesRead(t *testing.T) {
	f := NewFakeLines(
		Inputs{Pressure: true},
		Inputs{Top: true, Bottom: true},
		Inputs{Fault: true},
	)

	want := []Inputs{
		{Pressure: true},
		{Top: true, Bottom: true},
		{Fault: true},
		{Fault: true}, // repeat last
	}
	for i, w := range want {
		got, err := f.Read()
		if err != nil {
			t.Fatalf("sample %d: unexpected error: %v", i, err)
		}
		if got != w {
			t.Errorf("sample %d: expected %+v, got %+v", i, w, got)
		}
	}
}

func TestFakeLinesNoSamples(t *testing.T) {
	f := NewFakeLines()

	if _, err := f.Read(); err == nil {
		t.Error("expected error with no samples")
	}
}

func TestFakeLinesReadError(t *testing.T) {
	f := NewFakeLines(Inputs{Pressure: true})
	expectedErr := errors.New("hardware failure")
	f.SetReadError(expectedErr)

	_, err := f.Read()
	if err != expectedErr {
		t.Errorf("expected %v, got %v", expectedErr, err)
	}

	f.SetReadError(nil)
	if _, err := f.Read(); err != nil {
		t.Errorf("unexpected error after clearing: %v", err)
	}
}

func TestFakeLinesPump(t *testing.T) {
	f := NewFakeLines(Inputs{})

	if err := f.SetPump(true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.Pump() {
		t.Error("expected pump on")
	}

	f.SetPumpError(errors.New("relay stuck"))
	if err := f.SetPump(false); err == nil {
		t.Error("expected relay error")
	}
	if !f.Pump() {
		t.Error("failed write should not change relay state")
	}

	calls := f.PumpCalls()
	if len(calls) != 2 || calls[0] != true || calls[1] != false {
		t.Errorf("unexpected pump calls: %v", calls)
	}
}

func TestFakeLinesClose(t *testing.T) {
	f := NewFakeLines(Inputs{})
	_ = f.SetPump(true)

	if f.Closed() {
		t.Error("should not be closed initially")
	}
	if err := f.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !f.Closed() {
		t.Error("should be closed after Close()")
	}
	if f.Pump() {
		t.Error("close should release the relay")
	}
}

func TestFakeLinesReset(t *testing.T) {
	f := NewFakeLines(Inputs{Pressure: true}, Inputs{Top: true})

	f.Read()
	f.Read()
	_ = f.SetPump(true)
	f.Close()

	f.Reset()

	if f.Closed() {
		t.Error("Reset should clear Closed")
	}
	if len(f.PumpCalls()) != 0 {
		t.Error("Reset should clear pump calls")
	}
	got, _ := f.Read()
	if !got.Pressure {
		t.Errorf("Reset should rewind script, got %+v", got)
	}
}

func TestFakeLinesSet(t *testing.T) {
	f := NewFakeLines(Inputs{Pressure: true}, Inputs{Top: true})
	f.Set(Inputs{Bottom: true})

	for i := 0; i < 3; i++ {
		got, _ := f.Read()
		if got != (Inputs{Bottom: true}) {
			t.Errorf("read %d: expected steady sample, got %+v", i, got)
		}
	}
}

func TestDefaultPins(t *testing.T) {
	p := DefaultPins()
	seen := map[int]bool{}
	for _, pin := range []int{p.Pressure, p.Top, p.Bottom, p.Fault, p.Pump} {
		if seen[pin] {
			t.Errorf("pin %d assigned twice", pin)
		}
		seen[pin] = true
	}
}

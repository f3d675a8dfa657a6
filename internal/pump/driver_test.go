package pump

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/justlark/squirtinator/internal/bus"
	"github.com/justlark/squirtinator/internal/config"
	"github.com/justlark/squirtinator/internal/core"
)

func newTestDriver(t *testing.T, simulate bool) (*Driver, *bus.Sim, *core.State) {
	t.Helper()

	b := bus.NewSim()
	state := core.NewState(1, 3600, 60, 300)
	cfg := &config.ActuatorConfig{
		PulsePayload: "ab01",
		MinInterval:  "500ms",
		WriteTimeout: "100ms",
		Simulate:     simulate,
	}
	return NewDriver(b, state, cfg), b, state
}

func TestTriggerInterlock(t *testing.T) {
	d, b, state := newTestDriver(t, false)

	t0 := time.Now()
	current := t0
	d.now = func() time.Time { return current }

	// First pulse goes through.
	if err := d.Trigger(context.Background()); err != nil {
		t.Fatalf("first trigger failed: %v", err)
	}
	if got := len(b.Writes()); got != 1 {
		t.Fatalf("bus writes = %d, want 1", got)
	}

	// 200ms later is inside the 500ms interlock: rejected, timestamp held.
	current = t0.Add(200 * time.Millisecond)
	err := d.Trigger(context.Background())
	if !errors.Is(err, ErrTooSoon) {
		t.Fatalf("second trigger = %v, want ErrTooSoon", err)
	}
	if got := len(b.Writes()); got != 1 {
		t.Errorf("interlock rejection still wrote to the bus: %d writes", got)
	}
	if last, _ := state.LastActuation(); !last.Equal(t0) {
		t.Errorf("last actuation advanced on rejection: %v, want %v", last, t0)
	}

	// 600ms after the first pulse the interlock has cleared.
	current = t0.Add(600 * time.Millisecond)
	if err := d.Trigger(context.Background()); err != nil {
		t.Fatalf("third trigger failed: %v", err)
	}
	if last, _ := state.LastActuation(); !last.Equal(current) {
		t.Errorf("last actuation = %v, want %v", last, current)
	}
	if got := len(b.Writes()); got != 2 {
		t.Errorf("bus writes = %d, want 2", got)
	}
}

func TestTriggerWritesConfiguredPayload(t *testing.T) {
	d, b, _ := newTestDriver(t, false)

	if err := d.Trigger(context.Background()); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	writes := b.Writes()
	if len(writes) != 1 || writes[0][0] != 0xAB || writes[0][1] != 0x01 {
		t.Errorf("bus payload = %x, want ab01", writes)
	}
}

func TestTriggerSimulateSkipsHardware(t *testing.T) {
	d, b, state := newTestDriver(t, true)

	if err := d.Trigger(context.Background()); err != nil {
		t.Fatalf("simulated trigger failed: %v", err)
	}
	if got := len(b.Writes()); got != 0 {
		t.Errorf("simulate mode wrote to the bus: %d writes", got)
	}
	// The interlock still advances so simulate runs behave realistically.
	if _, ok := state.LastActuation(); !ok {
		t.Error("simulated trigger did not advance the interlock timestamp")
	}
}

func TestTriggerBusTimeoutDoesNotAdvanceInterlock(t *testing.T) {
	d, b, state := newTestDriver(t, false)
	b.SetDelay(time.Second) // well past the 100ms write timeout

	err := d.Trigger(context.Background())
	if !errors.Is(err, ErrBusTimeout) {
		t.Fatalf("trigger = %v, want ErrBusTimeout", err)
	}
	if _, ok := state.LastActuation(); ok {
		t.Error("interlock advanced on a timed-out write; a retry would be penalized twice")
	}

	// An immediate retry is allowed once the bus recovers.
	b.SetDelay(0)
	if err := d.Trigger(context.Background()); err != nil {
		t.Fatalf("retry after timeout failed: %v", err)
	}
}

func TestTriggerBusErrorDoesNotAdvanceInterlock(t *testing.T) {
	d, b, state := newTestDriver(t, false)
	b.SetErr(errors.New("bus unplugged"))

	if err := d.Trigger(context.Background()); err == nil {
		t.Fatal("expected a bus error to surface from Trigger")
	}
	if _, ok := state.LastActuation(); ok {
		t.Error("interlock advanced on a failed write")
	}

	b.SetErr(nil)
	if err := d.Trigger(context.Background()); err != nil {
		t.Fatalf("retry after bus error failed: %v", err)
	}
	if _, ok := state.LastActuation(); !ok {
		t.Error("successful retry did not advance the interlock")
	}
}

func TestTriggerHonorsContextCancellation(t *testing.T) {
	d, b, _ := newTestDriver(t, false)
	b.SetDelay(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.Trigger(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("trigger with cancelled context = %v, want context.Canceled", err)
	}
	if got := len(b.Writes()); got != 0 {
		t.Errorf("cancelled trigger wrote to the bus: %d writes", got)
	}
}

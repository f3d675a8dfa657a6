package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/justlark/squirtinator/internal/core"
)

func TestIntervalWithinBounds(t *testing.T) {
	state := core.NewState(1, 3600, 60, 300)
	a := NewAuto(state, func(context.Context) error { return nil })

	for i := 0; i < 1000; i++ {
		got := a.interval(60, 300)
		if got < 60*time.Second || got > 300*time.Second {
			t.Fatalf("interval(60, 300) = %s, outside [60s, 300s]", got)
		}
	}
}

func TestIntervalCollapsedBoundsIsDeterministic(t *testing.T) {
	state := core.NewState(1, 3600, 60, 300)
	a := NewAuto(state, func(context.Context) error { return nil })

	for i := 0; i < 10; i++ {
		if got := a.interval(7, 7); got != 7*time.Second {
			t.Fatalf("interval(7, 7) = %s, want 7s", got)
		}
	}
}

func TestRunFiresRepeatedlyInAutomaticMode(t *testing.T) {
	// Collapsed 1-tick bounds with a millisecond tick make the loop fast and
	// its sleep length deterministic.
	state := core.NewState(1, 3600, 1, 1)
	state.SetMode(core.ModeAutomatic)

	var fired atomic.Int32
	a := NewAuto(state, func(context.Context) error {
		fired.Add(1)
		return nil
	})
	a.tick = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for fired.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("scheduler fired %d times in 2s, want at least 3", fired.Load())
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on context cancellation")
	}
}

func TestRunIdleInManualMode(t *testing.T) {
	state := core.NewState(1, 3600, 1, 1)

	var fired atomic.Int32
	a := NewAuto(state, func(context.Context) error {
		fired.Add(1)
		return nil
	})
	a.tick = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("scheduler fired %d times while in manual mode", got)
	}
}

func TestModeSwitchCancelsPendingSleep(t *testing.T) {
	state := core.NewState(1, 3600, 60, 300)
	state.SetMode(core.ModeAutomatic)

	var fired atomic.Int32
	a := NewAuto(state, func(context.Context) error {
		fired.Add(1)
		return nil
	})
	a.tick = 10 * time.Millisecond // sleeps land in [600ms, 3s]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	// Let the loop enter its sleep, then flip to manual before it elapses.
	time.Sleep(20 * time.Millisecond)
	state.SetMode(core.ModeManual)
	a.SetMode(core.ModeManual)

	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("pending actuation fired after the mode switched to manual: %d", got)
	}
}

func TestSetModeKeepsOnlyLatestNotification(t *testing.T) {
	state := core.NewState(1, 3600, 60, 300)
	a := NewAuto(state, func(context.Context) error { return nil })

	// Nobody is consuming, so each send overwrites the pending value.
	a.SetMode(core.ModeAutomatic)
	a.SetMode(core.ModeManual)
	a.SetMode(core.ModeAutomatic)

	select {
	case mode := <-a.modeCh:
		if mode != core.ModeAutomatic {
			t.Errorf("pending mode = %s, want %s", mode, core.ModeAutomatic)
		}
	default:
		t.Fatal("no pending mode notification")
	}

	select {
	case mode := <-a.modeCh:
		t.Errorf("stale notification left behind: %s", mode)
	default:
	}
}

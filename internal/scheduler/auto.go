package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/justlark/squirtinator/internal/core"
	"github.com/justlark/squirtinator/internal/logging"
	"github.com/justlark/squirtinator/internal/pump"
)

// Auto is the autonomous trigger loop. It is a two-state machine driven by
// the runtime mode: Idle while the mode is manual, Running while automatic.
// While running it sleeps a uniformly random number of seconds within the
// current frequency bounds, then fires the pump.
type Auto struct {
	state   *core.State
	trigger func(context.Context) error

	// modeCh carries mode changes with overwrite semantics: only the latest
	// switch matters, and sending never blocks the caller.
	modeCh chan core.Mode

	rng *rand.Rand

	// tick is the unit the frequency bounds are expressed in. It is one
	// second on the device; tests shrink it.
	tick time.Duration
}

// NewAuto creates the scheduler around the shared state and the driver's
// trigger function.
func NewAuto(state *core.State, trigger func(context.Context) error) *Auto {
	return &Auto{
		state:   state,
		trigger: trigger,
		modeCh:  make(chan core.Mode, 1),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		tick:    time.Second,
	}
}

// SetMode wakes the loop with the new mode. A pending unconsumed notification
// is replaced, so a rapid manual/auto flip settles on the final value.
func (a *Auto) SetMode(mode core.Mode) {
	for {
		select {
		case a.modeCh <- mode:
			return
		default:
			select {
			case <-a.modeCh:
			default:
			}
		}
	}
}

// Run executes the scheduler loop until ctx is cancelled. Mode changes take
// effect immediately: a switch to manual during a pending sleep cancels the
// scheduled actuation rather than letting it fire after the sleep elapses.
func (a *Auto) Run(ctx context.Context) {
	running := a.state.Mode() == core.ModeAutomatic
	logging.Info("Automatic scheduler started", zap.Bool("running", running))

	for {
		if !running {
			select {
			case <-ctx.Done():
				return
			case mode := <-a.modeCh:
				running = mode == core.ModeAutomatic
			}
			continue
		}

		// Bounds are re-read every cycle, so API updates apply on the next
		// sleep computation.
		snap := a.state.Snapshot()
		wait := a.interval(snap.MinFreq, snap.MaxFreq)
		logging.Debug("Scheduler sleeping", zap.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case mode := <-a.modeCh:
			timer.Stop()
			running = mode == core.ModeAutomatic
			continue
		case <-timer.C:
		}

		// The mode may have flipped between the timer firing and this loop
		// winning the race for the notification, so re-check the state.
		if a.state.Mode() != core.ModeAutomatic {
			running = false
			continue
		}

		if err := a.trigger(ctx); err != nil {
			// A rejected or failed pulse is a skipped cycle, never fatal.
			switch {
			case errors.Is(err, pump.ErrTooSoon):
				logging.Debug("Scheduled pulse skipped by interlock", zap.Error(err))
			case errors.Is(err, context.Canceled):
				return
			default:
				logging.Warn("Scheduled pulse failed", zap.Error(err))
			}
		}
	}
}

// interval draws a uniform random duration in [minFreq, maxFreq] ticks.
// Collapsed bounds (min == max) yield a deterministic interval.
func (a *Auto) interval(minFreq, maxFreq int) time.Duration {
	if maxFreq <= minFreq {
		return time.Duration(minFreq) * a.tick
	}
	n := minFreq + a.rng.Intn(maxFreq-minFreq+1)
	return time.Duration(n) * a.tick
}

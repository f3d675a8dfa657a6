// Package pump drives the single pump actuator and enforces the safety
// interlock between pulses.
package pump

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/justlark/squirtinator/internal/bus"
	"github.com/justlark/squirtinator/internal/config"
	"github.com/justlark/squirtinator/internal/core"
	"github.com/justlark/squirtinator/internal/logging"
)

var (
	// ErrTooSoon means the interlock rejected the pulse: not enough time has
	// passed since the previous actuation. Hardware is not touched.
	ErrTooSoon = errors.New("pump was triggered too soon")

	// ErrBusTimeout means the bus write did not complete within the
	// configured write timeout. The interlock timestamp is not advanced, so
	// a retry is not penalized twice.
	ErrBusTimeout = errors.New("pump bus write timed out")
)

// Driver owns the trigger path. All triggers, manual or scheduled, pass
// through Trigger, and the driver mutex serializes them so the interlock
// check and the timestamp update form one critical section.
type Driver struct {
	bus   bus.Bus
	state *core.State

	payload      []byte
	minInterval  time.Duration
	writeTimeout time.Duration
	simulate     bool

	triggerCh chan struct{} // acts as the mutex; also makes Trigger ctx-aware
	now       func() time.Time
}

// NewDriver creates the driver. The interlock timestamp lives in the shared
// runtime state so the API can report it, but only the driver writes it.
func NewDriver(b bus.Bus, state *core.State, cfg *config.ActuatorConfig) *Driver {
	minInterval, _ := time.ParseDuration(cfg.MinInterval)
	writeTimeout, _ := time.ParseDuration(cfg.WriteTimeout)

	d := &Driver{
		bus:          b,
		state:        state,
		payload:      cfg.Payload(),
		minInterval:  minInterval,
		writeTimeout: writeTimeout,
		simulate:     cfg.Simulate,
		triggerCh:    make(chan struct{}, 1),
		now:          time.Now,
	}
	d.triggerCh <- struct{}{}
	return d
}

// Trigger fires one pump pulse. It returns ErrTooSoon if the interlock
// rejects the pulse and ErrBusTimeout if the hardware write ran out of time;
// any failure leaves the interlock timestamp where it was.
func (d *Driver) Trigger(ctx context.Context) error {
	select {
	case <-d.triggerCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { d.triggerCh <- struct{}{} }()

	now := d.now()
	if last, ok := d.state.LastActuation(); ok {
		if elapsed := now.Sub(last); elapsed < d.minInterval {
			return fmt.Errorf("%w: %s since last actuation, minimum is %s",
				ErrTooSoon, elapsed.Round(time.Millisecond), d.minInterval)
		}
	}

	if d.simulate {
		logging.Info("Simulating pump pulse", zap.String("payload", fmt.Sprintf("%x", d.payload)))
	} else {
		writeCtx, cancel := context.WithTimeout(ctx, d.writeTimeout)
		defer cancel()

		if err := d.bus.Write(writeCtx, d.payload); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrBusTimeout, d.writeTimeout)
			}
			return fmt.Errorf("pump bus write failed: %w", err)
		}
		logging.Info("Pulsed the pump", zap.String("payload", fmt.Sprintf("%x", d.payload)))
	}

	d.state.SetLastActuation(now)
	return nil
}

// MinInterval reports the interlock interval, for the API status endpoint.
func (d *Driver) MinInterval() time.Duration {
	return d.minInterval
}

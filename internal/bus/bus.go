// Package bus provides the transports the pump pulse is written over. The
// driver only sees the Bus interface; which backend is used comes from the
// actuator config.
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/justlark/squirtinator/internal/config"
)

// ErrNotConnected is returned by backends that manage a long-lived link (BLE)
// when a write is requested while the link is down.
var ErrNotConnected = errors.New("pump bus not connected")

// Bus writes a pulse payload to the pump. Write must respect ctx: a write
// that cannot complete before the deadline returns ctx.Err().
type Bus interface {
	Write(ctx context.Context, payload []byte) error
	Close() error
}

// New opens the bus selected by the actuator config. The context bounds the
// lifetime of any background connection management the backend needs.
func New(ctx context.Context, cfg *config.ActuatorConfig) (Bus, error) {
	switch cfg.Bus {
	case "i2c":
		return newI2C(cfg)
	case "serial":
		return newSerial(cfg)
	case "ble":
		return newBLE(ctx, cfg), nil
	case "sim":
		return NewSim(), nil
	default:
		return nil, fmt.Errorf("unknown bus type '%s'", cfg.Bus)
	}
}

// writeBounded runs f and abandons it if ctx expires first. The underlying
// write cannot be interrupted mid-call, but the caller gets its deadline
// honored either way.
func writeBounded(ctx context.Context, f func() error) error {
	errCh := make(chan error, 1)
	go func() { errCh <- f() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

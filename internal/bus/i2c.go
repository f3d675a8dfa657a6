package bus

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/justlark/squirtinator/internal/config"
)

// i2cBus pulses the pump over an I2C device. This is the wiring the stock
// hardware uses: the pump controller sits on the bus at a fixed address and
// runs its dispense cycle when it receives the pulse payload.
type i2cBus struct {
	bus i2c.BusCloser
	dev *i2c.Dev
}

func newI2C(cfg *config.ActuatorConfig) (*i2cBus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	// An empty name opens the first available bus.
	b, err := i2creg.Open(cfg.I2CBus)
	if err != nil {
		return nil, fmt.Errorf("failed to open i2c bus '%s': %w", cfg.I2CBus, err)
	}

	if err := b.SetSpeed(physic.Frequency(cfg.BaudRate) * physic.Hertz); err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to set i2c bus speed: %w", err)
	}

	return &i2cBus{
		bus: b,
		dev: &i2c.Dev{Addr: uint16(cfg.BusAddress), Bus: b},
	}, nil
}

func (b *i2cBus) Write(ctx context.Context, payload []byte) error {
	return writeBounded(ctx, func() error {
		_, err := b.dev.Write(payload)
		return err
	})
}

func (b *i2cBus) Close() error {
	return b.bus.Close()
}

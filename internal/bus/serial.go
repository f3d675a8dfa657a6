package bus

import (
	"context"
	"fmt"

	"go.bug.st/serial"

	"github.com/justlark/squirtinator/internal/config"
)

// serialBus pulses the pump over a serial link, for pump controllers wired to
// a UART instead of the I2C header.
type serialBus struct {
	port serial.Port
}

func newSerial(cfg *config.ActuatorConfig) (*serialBus, error) {
	if cfg.SerialPort == "" {
		return nil, fmt.Errorf("actuator bus is 'serial' but no serial_port is configured")
	}

	mode := &serial.Mode{BaudRate: cfg.BaudRate}
	port, err := serial.Open(cfg.SerialPort, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port '%s': %w", cfg.SerialPort, err)
	}

	return &serialBus{port: port}, nil
}

func (b *serialBus) Write(ctx context.Context, payload []byte) error {
	return writeBounded(ctx, func() error {
		n, err := b.port.Write(payload)
		if err != nil {
			return err
		}
		if n < len(payload) {
			return fmt.Errorf("short write: %d of %d bytes", n, len(payload))
		}
		return b.port.Drain()
	})
}

func (b *serialBus) Close() error {
	return b.port.Close()
}

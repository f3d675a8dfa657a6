package bus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"tinygo.org/x/bluetooth"

	"github.com/justlark/squirtinator/internal/config"
	"github.com/justlark/squirtinator/internal/logging"
)

var (
	adapter = bluetooth.DefaultAdapter

	// UART-style service exposed by the BLE pump controller.
	pumpServiceUUIDStr        = "0000ffe0-0000-1000-8000-00805f9b34fb"
	pumpCharacteristicUUIDStr = "0000ffe1-0000-1000-8000-00805f9b34fb"
)

// bleBus pulses a battery-powered pump controller over Bluetooth LE. A
// background loop keeps the connection alive; writes fail with
// ErrNotConnected while the link is down rather than queueing up pulses.
type bleBus struct {
	mu             sync.Mutex
	characteristic bluetooth.DeviceCharacteristic
	connected      bool

	// disconnectChan signals the management loop to tear down and redial.
	// Created once, buffered so writers never block on it.
	disconnectChan chan struct{}

	deviceNames        []string
	serviceUUID        bluetooth.UUID
	characteristicUUID bluetooth.UUID
	scanTimeout        time.Duration
	connectTimeout     time.Duration
	retryDelay         time.Duration
	limiter            *rate.Limiter
}

func newBLE(ctx context.Context, cfg *config.ActuatorConfig) *bleBus {
	serviceUUID, _ := bluetooth.ParseUUID(pumpServiceUUIDStr)
	characteristicUUID, _ := bluetooth.ParseUUID(pumpCharacteristicUUIDStr)

	scanTimeout, _ := time.ParseDuration(cfg.BLEScanTimeout)
	connectTimeout, _ := time.ParseDuration(cfg.BLEConnectTimeout)
	retryDelay, _ := time.ParseDuration(cfg.BLERetryDelay)

	b := &bleBus{
		deviceNames:        cfg.BLENames,
		serviceUUID:        serviceUUID,
		characteristicUUID: characteristicUUID,
		scanTimeout:        scanTimeout,
		connectTimeout:     connectTimeout,
		retryDelay:         retryDelay,
		disconnectChan:     make(chan struct{}, 1),
		limiter:            rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}

	go b.run(ctx)
	return b
}

// Write sends the pulse payload over the active connection. The limiter paces
// writes so a misbehaving caller cannot flood the radio link.
func (b *bleBus) Write(ctx context.Context, payload []byte) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	connected := b.connected
	characteristic := b.characteristic
	b.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	if _, err := characteristic.WriteWithoutResponse(payload); err != nil {
		logging.Warn("BLE write failed, assuming disconnected", zap.Error(err))
		b.signalDisconnect()
		return err
	}
	return nil
}

func (b *bleBus) Close() error {
	b.signalDisconnect()
	return nil
}

// signalDisconnect safely sends a disconnect signal.
func (b *bleBus) signalDisconnect() {
	select {
	case b.disconnectChan <- struct{}{}:
	default:
		// A signal is already pending, which is fine.
	}
}

func (b *bleBus) setConnected(characteristic bluetooth.DeviceCharacteristic, connected bool) {
	b.mu.Lock()
	b.characteristic = characteristic
	b.connected = connected
	b.mu.Unlock()
}

func contains(s []string, str string) bool {
	for _, v := range s {
		if v == str {
			return true
		}
	}
	return false
}

// run is the connection management loop: scan, connect, discover the pulse
// characteristic, then hold the link until a write fails or ctx ends.
func (b *bleBus) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			logging.Info("BLE pump bus shutting down")
			return
		default:
			if err := adapter.Enable(); err != nil {
				logging.Error("Failed to enable BLE adapter", zap.Error(err))
				time.Sleep(b.retryDelay)
				continue
			}

			// Clear any stale disconnect signal before a fresh cycle.
			select {
			case <-b.disconnectChan:
			default:
			}

			b.setConnected(bluetooth.DeviceCharacteristic{}, false)

			logging.Info("Scanning for pump controller", zap.Strings("names", b.deviceNames))
			adapter.StopScan()

			ch := make(chan bluetooth.ScanResult, 1)
			go func() {
				err := adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
					if contains(b.deviceNames, result.LocalName()) {
						adapter.StopScan()
						select {
						case ch <- result:
						default:
						}
					}
				})
				if err != nil {
					logging.Error("BLE scan error", zap.Error(err))
				}
			}()

			var scanResult bluetooth.ScanResult
			scanCtx, cancelScan := context.WithTimeout(ctx, b.scanTimeout)
			select {
			case scanResult = <-ch:
				logging.Info("Found pump controller",
					zap.String("name", scanResult.LocalName()),
					zap.Int16("rssi", scanResult.RSSI),
				)
				cancelScan()
			case <-scanCtx.Done():
				adapter.StopScan()
				cancelScan()
				if ctx.Err() != nil {
					return
				}
				logging.Warn("BLE scan timed out, retrying")
				time.Sleep(b.retryDelay)
				continue
			}

			var device bluetooth.Device
			connectErrChan := make(chan error, 1)
			go func() {
				d, err := adapter.Connect(scanResult.Address, bluetooth.ConnectionParams{})
				if err == nil {
					device = d
				}
				connectErrChan <- err
			}()

			select {
			case err := <-connectErrChan:
				if err != nil {
					logging.Warn("Failed to connect to pump controller", zap.Error(err))
					time.Sleep(b.retryDelay)
					continue
				}
			case <-time.After(b.connectTimeout):
				logging.Warn("BLE connection attempt timed out, retrying")
				adapter.StopScan()
				time.Sleep(b.retryDelay)
				continue
			case <-ctx.Done():
				return
			}

			discoverErrChan := make(chan error, 1)
			go func() {
				services, err := device.DiscoverServices([]bluetooth.UUID{b.serviceUUID})
				if err != nil || len(services) == 0 {
					discoverErrChan <- err
					return
				}
				chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{b.characteristicUUID})
				if err != nil || len(chars) == 0 {
					discoverErrChan <- err
					return
				}
				b.setConnected(chars[0], true)
				discoverErrChan <- nil
			}()

			select {
			case err := <-discoverErrChan:
				if err != nil {
					logging.Warn("BLE service discovery failed", zap.Error(err))
					device.Disconnect()
					time.Sleep(b.retryDelay)
					continue
				}
			case <-time.After(b.connectTimeout):
				logging.Warn("BLE service discovery timed out, disconnecting")
				device.Disconnect()
				time.Sleep(b.retryDelay)
				continue
			case <-ctx.Done():
				device.Disconnect()
				return
			}

			logging.Info("Pump controller is ready")

			select {
			case <-b.disconnectChan:
				logging.Info("BLE disconnection signal received, resetting connection")
			case <-ctx.Done():
				logging.Info("BLE disconnecting due to shutdown")
				b.setConnected(bluetooth.DeviceCharacteristic{}, false)
				device.Disconnect()
				return
			}

			b.setConnected(bluetooth.DeviceCharacteristic{}, false)
			if err := device.Disconnect(); err != nil {
				logging.Warn("BLE disconnect warning", zap.Error(err))
			}
			time.Sleep(b.retryDelay)
		}
	}
}

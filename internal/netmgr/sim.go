package netmgr

import (
	"context"
	"sync"

	"github.com/justlark/squirtinator/internal/config"
)

// SimWireless is an in-memory Wireless implementation, used when the device
// runs in simulate mode and by the tests.
type SimWireless struct {
	mu sync.Mutex

	joinErr      error // returned by ConnectStation until cleared
	joinAttempts int
	stationSSID  string
	apSSID       string
}

func NewSimWireless() *SimWireless {
	return &SimWireless{}
}

// SetJoinErr makes station joins fail with err until cleared.
func (w *SimWireless) SetJoinErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.joinErr = err
}

func (w *SimWireless) ConnectStation(ctx context.Context, ssid, password, staticIP string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.joinAttempts++
	if w.joinErr != nil {
		return w.joinErr
	}
	w.stationSSID = ssid
	return nil
}

func (w *SimWireless) DisconnectStation() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stationSSID = ""
	return nil
}

func (w *SimWireless) StartAccessPoint(ap config.AccessPointConfig) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.apSSID = ap.SSID
	return nil
}

// StationSSID reports the joined network, or "" if not joined.
func (w *SimWireless) StationSSID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stationSSID
}

// APSSID reports the hosted network, or "" if the AP was never started.
func (w *SimWireless) APSSID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.apSSID
}

// JoinAttempts reports how many station joins were attempted.
func (w *SimWireless) JoinAttempts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.joinAttempts
}

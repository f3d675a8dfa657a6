// Package netmgr keeps the HTTP API reachable: it always hosts an access
// point and, when station credentials are configured, concurrently joins
// that network and advertises the device over mDNS.
package netmgr

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/justlark/squirtinator/internal/config"
	"github.com/justlark/squirtinator/internal/core"
	"github.com/justlark/squirtinator/internal/logging"
)

const (
	// maxJoinAttempts bounds station join retries before the manager gives
	// up and leaves the device on the access point alone.
	maxJoinAttempts = 5

	defaultJoinTimeout = 15 * time.Second
)

// Info is a snapshot of network status for the API.
type Info struct {
	Hostname         string `json:"hostname"`
	StationSSID      string `json:"station_ssid,omitempty"`
	StationConnected bool   `json:"station_connected"`
	AccessPointSSID  string `json:"access_point_ssid"`
	Gateway          string `json:"gateway"`
}

// Manager runs the two-mode network policy. Station failures are never
// fatal: the access point stays up regardless.
type Manager struct {
	wifi     Wireless
	eventBus *core.EventBus

	hostname string
	httpPort int
	ap       config.AccessPointConfig
	staticIP string

	joinTimeout    time.Duration
	backoffInitial time.Duration

	mu               sync.Mutex
	ctx              context.Context
	stationCancel    context.CancelFunc
	stationSSID      string
	stationConnected bool
	mdns             *zeroconf.Server
}

func NewManager(wifi Wireless, cfg *config.Config, eventBus *core.EventBus) *Manager {
	return &Manager{
		wifi:           wifi,
		eventBus:       eventBus,
		hostname:       cfg.Hostname,
		httpPort:       cfg.HTTP.Port,
		ap:             cfg.Network.AccessPoint,
		staticIP:       cfg.Network.Station.StaticIP,
		joinTimeout:    defaultJoinTimeout,
		backoffInitial: 2 * time.Second,
	}
}

// Start brings up the access point and, if station credentials are given,
// launches the join process in the background. The access point failing is
// logged but does not abort startup: the station may still succeed.
func (m *Manager) Start(ctx context.Context, ssid, password string) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	if err := m.wifi.StartAccessPoint(m.ap); err != nil {
		logging.Error("Failed to start access point", zap.String("ssid", m.ap.SSID), zap.Error(err))
	} else {
		logging.Info("Access point up",
			zap.String("ssid", m.ap.SSID),
			zap.String("gateway", m.ap.Gateway),
		)
	}

	if ssid != "" {
		go m.runStation(ctx, ssid, password)
	}
}

// UpdateStation restarts only the station connection with new credentials.
// The access point is left untouched so a client configuring the device over
// it is not cut off mid-session.
func (m *Manager) UpdateStation(ssid, password string) {
	m.mu.Lock()
	if m.stationCancel != nil {
		m.stationCancel()
		m.stationCancel = nil
	}
	m.stationConnected = false
	ctx := m.ctx
	m.mu.Unlock()

	if err := m.wifi.DisconnectStation(); err != nil {
		logging.Warn("Failed to disconnect station", zap.Error(err))
	}

	if ctx == nil || ssid == "" {
		return
	}
	go m.runStation(ctx, ssid, password)
}

// Stop tears down mDNS and any in-flight station join.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stationCancel != nil {
		m.stationCancel()
		m.stationCancel = nil
	}
	if m.mdns != nil {
		m.mdns.Shutdown()
		m.mdns = nil
	}
}

// Status returns the current network snapshot.
func (m *Manager) Status() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{
		Hostname:         m.hostname,
		StationSSID:      m.stationSSID,
		StationConnected: m.stationConnected,
		AccessPointSSID:  m.ap.SSID,
		Gateway:          m.ap.Gateway,
	}
}

func (m *Manager) runStation(parent context.Context, ssid, password string) {
	ctx, cancel := context.WithCancel(parent)

	m.mu.Lock()
	if m.stationCancel != nil {
		m.stationCancel()
	}
	m.stationCancel = cancel
	m.stationSSID = ssid
	m.stationConnected = false
	m.mu.Unlock()

	logging.Info("Joining station network", zap.String("ssid", ssid))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.backoffInitial
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	attempt := 0
	join := func() error {
		attempt++
		joinCtx, cancelJoin := context.WithTimeout(ctx, m.joinTimeout)
		defer cancelJoin()

		if err := m.wifi.ConnectStation(joinCtx, ssid, password, m.staticIP); err != nil {
			logging.Warn("Station join attempt failed",
				zap.String("ssid", ssid),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		return nil
	}

	err := backoff.Retry(join, backoff.WithContext(backoff.WithMaxRetries(b, maxJoinAttempts), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Not fatal: the device stays reachable over its own access point.
		logging.Warn("Station join abandoned, continuing on access point only",
			zap.String("ssid", ssid),
			zap.Int("attempts", attempt),
		)
		return
	}

	m.mu.Lock()
	m.stationConnected = true
	m.mu.Unlock()

	logging.Info("Station network joined", zap.String("ssid", ssid))
	m.registerMDNS()

	if m.eventBus != nil {
		m.eventBus.Publish(core.Event{Type: core.NetworkChangedEvent, Payload: m.Status()})
	}
}

// registerMDNS advertises <hostname>.local so clients on the joined network
// can find the device without knowing its address.
func (m *Manager) registerMDNS() {
	server, err := zeroconf.Register(m.hostname, "_http._tcp", "local.", m.httpPort,
		[]string{"path=/"}, nil)
	if err != nil {
		logging.Warn("Failed to register mDNS service", zap.Error(err))
		return
	}

	m.mu.Lock()
	if m.mdns != nil {
		m.mdns.Shutdown()
	}
	m.mdns = server
	m.mu.Unlock()

	logging.Info("mDNS service registered", zap.String("host", m.hostname+".local"))
}

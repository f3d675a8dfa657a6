package netmgr

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/justlark/squirtinator/internal/config"
)

// Wireless is the hardware collaborator boundary: the primitives the manager
// needs from the platform's WiFi stack.
type Wireless interface {
	// ConnectStation joins an existing network. It blocks until the join
	// completes, fails, or ctx expires.
	ConnectStation(ctx context.Context, ssid, password, staticIP string) error
	// DisconnectStation tears down the current station connection, if any.
	DisconnectStation() error
	// StartAccessPoint brings up the self-hosted network. Idempotent.
	StartAccessPoint(ap config.AccessPointConfig) error
}

// NMCLIWireless drives the WiFi interfaces through NetworkManager's nmcli.
type NMCLIWireless struct {
	mu       sync.Mutex
	lastSSID string
}

func NewNMCLI() *NMCLIWireless {
	return &NMCLIWireless{}
}

func (w *NMCLIWireless) ConnectStation(ctx context.Context, ssid, password, staticIP string) error {
	args := []string{"device", "wifi", "connect", ssid}
	if password != "" {
		args = append(args, "password", password)
	}
	out, err := exec.CommandContext(ctx, "nmcli", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("nmcli connect failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	if staticIP != "" {
		out, err := exec.CommandContext(ctx, "nmcli", "connection", "modify", ssid,
			"ipv4.addresses", staticIP, "ipv4.method", "manual").CombinedOutput()
		if err != nil {
			return fmt.Errorf("nmcli static address failed: %w: %s", err, strings.TrimSpace(string(out)))
		}
	}

	w.mu.Lock()
	w.lastSSID = ssid
	w.mu.Unlock()
	return nil
}

func (w *NMCLIWireless) DisconnectStation() error {
	w.mu.Lock()
	ssid := w.lastSSID
	w.mu.Unlock()
	if ssid == "" {
		return nil
	}
	out, err := exec.Command("nmcli", "connection", "down", "id", ssid).CombinedOutput()
	if err != nil {
		return fmt.Errorf("nmcli disconnect failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (w *NMCLIWireless) StartAccessPoint(ap config.AccessPointConfig) error {
	args := []string{"device", "wifi", "hotspot", "ssid", ap.SSID, "channel", strconv.Itoa(ap.Channel)}
	if ap.Password != "" {
		args = append(args, "password", ap.Password)
	}
	out, err := exec.Command("nmcli", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("nmcli hotspot failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	if ap.Hidden {
		out, err := exec.Command("nmcli", "connection", "modify", "Hotspot",
			"802-11-wireless.hidden", "yes").CombinedOutput()
		if err != nil {
			return fmt.Errorf("nmcli hidden ssid failed: %w: %s", err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

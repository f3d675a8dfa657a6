package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/justlark/squirtinator/internal/logging"
)

// StationConfig holds credentials for joining an existing WiFi network.
// An empty SSID means the device runs on its own access point alone.
type StationConfig struct {
	SSID     string `toml:"ssid"`
	Password string `toml:"password"`
	StaticIP string `toml:"static_ip"`
}

// AccessPointConfig holds settings for the WiFi network the device hosts
// itself. The access point is always started so the device stays reachable
// even when no other network is available.
type AccessPointConfig struct {
	SSID     string `toml:"ssid"`
	Password string `toml:"password"`
	Hidden   bool   `toml:"hidden"`
	Gateway  string `toml:"gateway"`
	Channel  int    `toml:"channel"`
}

type NetworkConfig struct {
	Station     StationConfig     `toml:"station"`
	AccessPoint AccessPointConfig `toml:"access_point"`
}

type HTTPConfig struct {
	Port           int      `toml:"port"`
	WebFilesDir    string   `toml:"web_files_dir"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// ActuatorConfig describes the pump and the bus it is pulsed over.
type ActuatorConfig struct {
	// Bus selects the transport: "i2c", "serial", "ble" or "sim".
	Bus               string   `toml:"bus"`
	BusAddress        int      `toml:"bus_address"`
	PulsePayload      string   `toml:"pulse_payload"` // hex-encoded
	BaudRate          int      `toml:"baud_rate"`
	WriteTimeout      string   `toml:"write_timeout"`
	MinInterval       string   `toml:"min_interval"`
	Simulate          bool     `toml:"simulate"`
	I2CBus            string   `toml:"i2c_bus"`
	SerialPort        string   `toml:"serial_port"`
	BLENames          []string `toml:"ble_device_names"`
	BLEScanTimeout    string   `toml:"ble_scan_timeout"`
	BLEConnectTimeout string   `toml:"ble_connect_timeout"`
	BLERetryDelay     string   `toml:"ble_retry_delay"`
	RateLimit         float64  `toml:"command_rate_limit"`
	RateBurst         int      `toml:"command_rate_burst"`
}

// Payload returns the decoded pulse payload. Validity is checked by
// validate, so the error is ignored here.
func (a *ActuatorConfig) Payload() []byte {
	payload, _ := hex.DecodeString(a.PulsePayload)
	return payload
}

// FrequencyConfig bounds the automatic mode interval, in seconds.
type FrequencyConfig struct {
	LowerBound int `toml:"lower_bound"`
	UpperBound int `toml:"upper_bound"`
	DefaultMin int `toml:"default_min"`
	DefaultMax int `toml:"default_max"`
}

type MQTTConfig struct {
	Enabled            bool   `toml:"enabled"`
	Broker             string `toml:"broker"` // tcp://IP:PORT
	Username           string `toml:"username"`
	Password           string `toml:"password"`
	ClientID           string `toml:"client_id"`
	TopicPrefix        string `toml:"topic_prefix"`
	HADiscoveryEnabled bool   `toml:"ha_discovery_enabled"`
	HADiscoveryPrefix  string `toml:"ha_discovery_prefix"`
}

// Config is the top-level device configuration, immutable after boot.
// Runtime-editable fields are copied into core.State at startup.
type Config struct {
	Hostname  string          `toml:"hostname"`
	LogLevel  string          `toml:"log_level"`
	Network   NetworkConfig   `toml:"network"`
	HTTP      HTTPConfig      `toml:"http"`
	Actuator  ActuatorConfig  `toml:"actuator"`
	Frequency FrequencyConfig `toml:"frequency"`
	MQTT      MQTTConfig      `toml:"mqtt"`

	// File system settings
	OverridesFile string `toml:"overrides_file"`
	SchedulesFile string `toml:"schedules_file"`
}

// Load reads the TOML file, applies defaults and validates the result.
// A missing file yields the compiled-in defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
	} else if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode toml: %w", err)
	}

	cfg.sanitize()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) sanitize() {
	c.Hostname = strings.TrimSpace(c.Hostname)
	c.Network.Station.SSID = strings.TrimSpace(c.Network.Station.SSID)
	c.Network.AccessPoint.SSID = strings.TrimSpace(c.Network.AccessPoint.SSID)
	c.Actuator.PulsePayload = strings.TrimSpace(strings.TrimPrefix(c.Actuator.PulsePayload, "0x"))
	c.OverridesFile = strings.TrimSpace(c.OverridesFile)
	c.SchedulesFile = strings.TrimSpace(c.SchedulesFile)
}

func (c *Config) setDefaults() {
	if c.Hostname == "" {
		c.Hostname = "squirtinator"
	}

	// HTTP defaults
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.WebFilesDir == "" {
		c.HTTP.WebFilesDir = "./web"
	}

	// The AP must always be startable, so it gets a usable SSID and gateway
	// out of the box.
	if c.Network.AccessPoint.SSID == "" {
		c.Network.AccessPoint.SSID = c.Hostname
	}
	if c.Network.AccessPoint.Gateway == "" {
		c.Network.AccessPoint.Gateway = "192.168.71.1"
	}
	if c.Network.AccessPoint.Channel == 0 {
		c.Network.AccessPoint.Channel = 1
	}

	// Actuator defaults
	if c.Actuator.Bus == "" {
		c.Actuator.Bus = "i2c"
	}
	if c.Actuator.BusAddress == 0 {
		c.Actuator.BusAddress = 0x08
	}
	if c.Actuator.PulsePayload == "" {
		c.Actuator.PulsePayload = "01"
	}
	if c.Actuator.BaudRate == 0 {
		c.Actuator.BaudRate = 100_000
	}
	if c.Actuator.WriteTimeout == "" {
		c.Actuator.WriteTimeout = "1s"
	}
	if c.Actuator.MinInterval == "" {
		c.Actuator.MinInterval = "500ms"
	}
	if len(c.Actuator.BLENames) == 0 {
		c.Actuator.BLENames = []string{"SQUIRT-PUMP"}
	}
	if c.Actuator.BLEScanTimeout == "" {
		c.Actuator.BLEScanTimeout = "30s"
	}
	if c.Actuator.BLEConnectTimeout == "" {
		c.Actuator.BLEConnectTimeout = "7s"
	}
	if c.Actuator.BLERetryDelay == "" {
		c.Actuator.BLERetryDelay = "5s"
	}
	if c.Actuator.RateLimit <= 0 {
		c.Actuator.RateLimit = 5.0
	}
	if c.Actuator.RateBurst <= 0 {
		c.Actuator.RateBurst = 5
	}

	// Frequency defaults, in seconds.
	if c.Frequency.LowerBound == 0 {
		c.Frequency.LowerBound = 5
	}
	if c.Frequency.UpperBound == 0 {
		c.Frequency.UpperBound = 3600
	}
	if c.Frequency.DefaultMin == 0 {
		c.Frequency.DefaultMin = 60
	}
	if c.Frequency.DefaultMax == 0 {
		c.Frequency.DefaultMax = 300
	}

	// File defaults
	if c.OverridesFile == "" {
		c.OverridesFile = "overrides.json"
	}
	if c.SchedulesFile == "" {
		c.SchedulesFile = "schedules.json"
	}

	// MQTT defaults
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.Hostname
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "squirtinator"
	}
	if c.MQTT.HADiscoveryPrefix == "" {
		c.MQTT.HADiscoveryPrefix = "homeassistant"
	}
}

func (c *Config) validate() error {
	switch c.Actuator.Bus {
	case "i2c", "serial", "ble", "sim":
	default:
		return fmt.Errorf("config error: unknown actuator bus '%s'", c.Actuator.Bus)
	}

	if _, err := hex.DecodeString(c.Actuator.PulsePayload); err != nil {
		return fmt.Errorf("config error: 'pulse_payload' is not valid hex: %w", err)
	}

	for name, value := range map[string]string{
		"write_timeout":       c.Actuator.WriteTimeout,
		"min_interval":        c.Actuator.MinInterval,
		"ble_scan_timeout":    c.Actuator.BLEScanTimeout,
		"ble_connect_timeout": c.Actuator.BLEConnectTimeout,
		"ble_retry_delay":     c.Actuator.BLERetryDelay,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("config error: '%s' is not a valid duration: %w", name, err)
		}
	}

	f := &c.Frequency
	if f.LowerBound < 0 || f.UpperBound <= f.LowerBound {
		return fmt.Errorf("config error: frequency bounds must satisfy 0 <= lower_bound < upper_bound")
	}

	// The scheduler must never be allowed to fire faster than the hardware
	// interlock permits, so the lower bound is raised to cover min_interval.
	minInterval, _ := time.ParseDuration(c.Actuator.MinInterval)
	floor := int((minInterval + time.Second - 1) / time.Second)
	if f.LowerBound < floor {
		logging.Warn("Raising frequency lower bound to cover the actuator interlock",
			zap.Int("lower_bound", f.LowerBound),
			zap.Int("floor", floor),
		)
		f.LowerBound = floor
	}

	if f.DefaultMin < f.LowerBound {
		f.DefaultMin = f.LowerBound
	}
	if f.DefaultMax > f.UpperBound {
		f.DefaultMax = f.UpperBound
	}
	if f.DefaultMin >= f.DefaultMax {
		return fmt.Errorf("config error: frequency defaults must satisfy default_min < default_max")
	}

	return nil
}

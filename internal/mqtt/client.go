// Package mqtt exposes the device to Home Assistant: an auto-mode switch, a
// trigger button and state topics, discovered automatically.
package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/justlark/squirtinator/internal/config"
	"github.com/justlark/squirtinator/internal/core"
	"github.com/justlark/squirtinator/internal/logging"
)

type Client struct {
	client   mqtt.Client
	cfg      *config.Config
	commands core.CommandChannel
	prefix   string
}

// NewClient builds the MQTT client with reconnect handling. Returns nil when
// the integration is disabled.
func NewClient(cfg *config.Config, commands core.CommandChannel) *Client {
	if !cfg.MQTT.Enabled {
		return nil
	}

	prefix := strings.TrimSuffix(cfg.MQTT.TopicPrefix, "/")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTT.Broker)
	opts.SetClientID(cfg.MQTT.ClientID)
	opts.SetUsername(cfg.MQTT.Username)
	opts.SetPassword(cfg.MQTT.Password)

	opts.SetKeepAlive(10 * time.Second)
	opts.SetPingTimeout(5 * time.Second)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	// Keep trying at startup even if the broker is not up yet, so boot order
	// does not matter.
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	opts.SetOrderMatters(false)

	// The broker announces us offline if the device drops off the network.
	opts.SetWill(prefix+"/availability", "offline", 1, true)

	c := &Client{
		cfg:      cfg,
		commands: commands,
		prefix:   prefix,
	}

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logging.Warn("MQTT connection lost, retrying in background", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, options *mqtt.ClientOptions) {
		logging.Info("MQTT attempting to reconnect")
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect initiates the connection.
func (c *Client) Connect() error {
	if c.client == nil {
		return nil
	}
	logging.Info("MQTT starting connection loop", zap.String("broker", c.cfg.MQTT.Broker))

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		logging.Error("MQTT initial connection error", zap.Error(token.Error()))
		return token.Error()
	}
	return nil
}

// Disconnect publishes the offline status, then closes the socket.
func (c *Client) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		token := c.client.Publish(c.prefix+"/availability", 0, true, "offline")
		if !token.WaitTimeout(2 * time.Second) {
			logging.Warn("MQTT timed out publishing offline status")
		}
		c.client.Disconnect(250)
		logging.Info("MQTT disconnected")
	}
}

// Publish sends a retained-or-not state message without blocking the caller.
func (c *Client) Publish(subtopic string, payload interface{}, retained bool) {
	if c == nil || c.client == nil || !c.client.IsConnected() {
		return
	}

	topic := fmt.Sprintf("%s/%s", c.prefix, subtopic)
	msg := fmt.Sprintf("%v", payload)

	token := c.client.Publish(topic, 0, retained, msg)
	go func() {
		if token.WaitTimeout(5 * time.Second) {
			if token.Error() != nil {
				logging.Warn("MQTT publish error", zap.String("topic", topic), zap.Error(token.Error()))
			}
		} else {
			logging.Warn("MQTT publish timeout", zap.String("topic", topic))
		}
	}()
}

// PublishMode mirrors a mode change to the auto-mode switch state topic.
func (c *Client) PublishMode(mode core.Mode) {
	state := "OFF"
	if mode == core.ModeAutomatic {
		state = "ON"
	}
	c.Publish("mode/state", state, true)
}

// PublishFrequency mirrors the current bounds as "min,max" seconds.
func (c *Client) PublishFrequency(minFreq, maxFreq int) {
	c.Publish("frequency/state", fmt.Sprintf("%d,%d", minFreq, maxFreq), true)
}

// PublishActuation announces a completed pulse.
func (c *Client) PublishActuation(t time.Time) {
	c.Publish("last_actuation/state", t.Format(time.RFC3339), true)
}

func (c *Client) onConnect(client mqtt.Client) {
	logging.Info("MQTT connected to broker")

	topics := map[string]mqtt.MessageHandler{
		"trigger/set":   c.handleTrigger,
		"mode/set":      c.handleMode,
		"frequency/set": c.handleFrequency,
	}

	for sub, handler := range topics {
		topic := fmt.Sprintf("%s/%s", c.prefix, sub)
		if token := client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			logging.Error("MQTT subscribe error", zap.String("topic", topic), zap.Error(token.Error()))
		} else {
			logging.Debug("MQTT subscribed", zap.String("topic", topic))
		}
	}

	go func() {
		c.Publish("availability", "online", true)
		if c.cfg.MQTT.HADiscoveryEnabled {
			c.PublishHADiscovery()
		}
	}()
}

// PublishHADiscovery sends the Home Assistant discovery configs.
func (c *Client) PublishHADiscovery() {
	// Give the subscriptions a moment to settle first.
	time.Sleep(1 * time.Second)

	safeID := strings.ReplaceAll(c.cfg.MQTT.ClientID, " ", "_")
	safeID = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return -1
	}, safeID)

	device := map[string]interface{}{
		"identifiers":  []string{safeID},
		"name":         "Squirtinator",
		"manufacturer": "justlark",
		"model":        "WiFi Pump Controller",
	}
	availability := []map[string]string{
		{
			"topic":                 fmt.Sprintf("%s/availability", c.prefix),
			"payload_available":     "online",
			"payload_not_available": "offline",
		},
	}

	configs := map[string]map[string]interface{}{
		fmt.Sprintf("%s/switch/%s/auto_mode/config", c.cfg.MQTT.HADiscoveryPrefix, safeID): {
			"name":          "Auto mode",
			"unique_id":     safeID + "_auto_mode",
			"icon":          "mdi:timer-play",
			"command_topic": fmt.Sprintf("%s/mode/set", c.prefix),
			"state_topic":   fmt.Sprintf("%s/mode/state", c.prefix),
			"availability":  availability,
			"device":        device,
		},
		fmt.Sprintf("%s/button/%s/trigger/config", c.cfg.MQTT.HADiscoveryPrefix, safeID): {
			"name":          "Squirt",
			"unique_id":     safeID + "_trigger",
			"icon":          "mdi:water-pump",
			"command_topic": fmt.Sprintf("%s/trigger/set", c.prefix),
			"availability":  availability,
			"device":        device,
		},
	}

	for topic, payload := range configs {
		jsonPayload, _ := json.Marshal(payload)
		c.client.Publish(topic, 0, true, jsonPayload)
	}
	logging.Info("MQTT HA discovery sent", zap.String("prefix", c.cfg.MQTT.HADiscoveryPrefix))
}

func (c *Client) handleTrigger(client mqtt.Client, msg mqtt.Message) {
	c.commands <- core.Command{Type: core.CmdTrigger, Payload: map[string]interface{}{"source": "mqtt"}}
}

func (c *Client) handleMode(client mqtt.Client, msg mqtt.Message) {
	payload := strings.ToLower(string(msg.Payload()))
	var mode core.Mode
	switch payload {
	case "on", "true", "1", "auto":
		mode = core.ModeAutomatic
	case "off", "false", "0", "manual":
		mode = core.ModeManual
	default:
		return
	}
	c.commands <- core.Command{Type: core.CmdSetMode, Payload: map[string]interface{}{"mode": string(mode)}}
}

func (c *Client) handleFrequency(client mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(string(msg.Payload()), ",")
	if len(parts) != 2 {
		return
	}
	minFreq, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	maxFreq, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return
	}
	c.commands <- core.Command{Type: core.CmdSetFrequency, Payload: map[string]interface{}{
		"min": float64(minFreq),
		"max": float64(maxFreq),
	}}
}

// Package agent wires the device together: shared state, pump driver,
// schedulers, network manager, HTTP server and MQTT, all coordinated through
// one command channel.
package agent

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/justlark/squirtinator/internal/bus"
	"github.com/justlark/squirtinator/internal/config"
	"github.com/justlark/squirtinator/internal/core"
	"github.com/justlark/squirtinator/internal/logging"
	"github.com/justlark/squirtinator/internal/mqtt"
	"github.com/justlark/squirtinator/internal/netmgr"
	"github.com/justlark/squirtinator/internal/pump"
	"github.com/justlark/squirtinator/internal/scheduler"
	"github.com/justlark/squirtinator/internal/server"
	"github.com/justlark/squirtinator/internal/store"
)

type Agent struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config
	wg     sync.WaitGroup

	state          *core.State
	eventBus       *core.EventBus
	commandChannel core.CommandChannel

	overrides  *store.Store
	pumpBus    bus.Bus
	driver     *pump.Driver
	auto       *scheduler.Auto
	cron       *scheduler.Cron
	network    *netmgr.Manager
	server     *server.Server
	mqttClient *mqtt.Client

	stationSSID     string
	stationPassword string
}

func NewAgent(cfg *config.Config) (*Agent, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		ctx:            ctx,
		cancel:         cancel,
		config:         cfg,
		eventBus:       core.NewEventBus(),
		commandChannel: make(core.CommandChannel, 20),
		overrides:      store.New(cfg.OverridesFile),
	}

	// Boot-time merge: compiled defaults, overlaid with whatever the user
	// changed through the API on previous runs.
	persisted, err := a.overrides.Load()
	if err != nil {
		logging.Warn("Ignoring unreadable override file", zap.Error(err))
		persisted = store.Overrides{}
	}

	f := cfg.Frequency
	minFreq, maxFreq := f.DefaultMin, f.DefaultMax
	if persisted.MinFreq != nil && persisted.MaxFreq != nil {
		pMin, pMax := *persisted.MinFreq, *persisted.MaxFreq
		if pMin >= f.LowerBound && pMax <= f.UpperBound && pMin < pMax {
			minFreq, maxFreq = pMin, pMax
		} else {
			logging.Warn("Ignoring persisted frequency outside configured bounds",
				zap.Int("min", pMin), zap.Int("max", pMax))
		}
	}

	a.state = core.NewState(f.LowerBound, f.UpperBound, minFreq, maxFreq)

	a.stationSSID = cfg.Network.Station.SSID
	a.stationPassword = cfg.Network.Station.Password
	if persisted.Wifi != nil && persisted.Wifi.SSID != "" {
		a.state.SetWifi(persisted.Wifi.SSID, persisted.Wifi.Password)
		a.stationSSID = persisted.Wifi.SSID
		a.stationPassword = persisted.Wifi.Password
	}

	// In simulate mode no hardware is touched at all, so both collaborators
	// get in-memory stand-ins.
	var wireless netmgr.Wireless
	if cfg.Actuator.Simulate {
		a.pumpBus = bus.NewSim()
		wireless = netmgr.NewSimWireless()
		logging.Info("Running in simulate mode: no hardware will be touched")
	} else {
		pumpBus, err := bus.New(ctx, &cfg.Actuator)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open pump bus: %w", err)
		}
		a.pumpBus = pumpBus
		wireless = netmgr.NewNMCLI()
	}

	a.driver = pump.NewDriver(a.pumpBus, a.state, &cfg.Actuator)
	a.auto = scheduler.NewAuto(a.state, a.trigger)
	a.cron = scheduler.NewCron(a.commandChannel, cfg.SchedulesFile)
	a.network = netmgr.NewManager(wireless, cfg, a.eventBus)

	a.server = server.NewServer(server.Deps{
		State:          a.state,
		Trigger:        a.trigger,
		Schedules:      a.cron,
		NetStatus:      a.network.Status,
		ApplyFrequency: a.applyFrequency,
		ApplyWifi:      a.applyWifi,
		ApplyMode:      a.applyMode,
		Commands:       a.commandChannel,
	}, cfg.HTTP.Port, cfg.HTTP.WebFilesDir, cfg.HTTP.AllowedOrigins)

	a.mqttClient = mqtt.NewClient(cfg, a.commandChannel)

	return a, nil
}

// Run starts the agent orchestration loop.
func (a *Agent) Run() {
	go a.listenEvents()

	a.network.Start(a.ctx, a.stationSSID, a.stationPassword)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.auto.Run(a.ctx)
	}()

	a.cron.Start()

	if a.mqttClient != nil {
		go func() {
			if err := a.mqttClient.Connect(); err != nil {
				logging.Warn("MQTT setup error", zap.Error(err))
			}
		}()
	}

	logging.Info("Agent running",
		zap.Int("http_port", a.config.HTTP.Port),
		zap.String("hostname", a.config.Hostname),
	)
	go func() {
		if err := a.server.ListenAndServe(); err != nil {
			logging.Error("HTTP server error", zap.Error(err))
		}
	}()

	for {
		select {
		case <-a.ctx.Done():
			logging.Info("Agent orchestrator shutting down")
			return
		case cmd := <-a.commandChannel:
			a.handleCommand(cmd)
		}
	}
}

// trigger is the single trigger path every entry point shares. It publishes
// the actuation event only when the pulse actually happened.
func (a *Agent) trigger(ctx context.Context) error {
	if err := a.driver.Trigger(ctx); err != nil {
		return err
	}
	if last, ok := a.state.LastActuation(); ok {
		a.eventBus.Publish(core.Event{Type: core.ActuationEvent, Payload: map[string]interface{}{
			"last_actuation": last.Format(time.RFC3339),
		}})
	}
	return nil
}

func (a *Agent) applyFrequency(minFreq, maxFreq int) error {
	if err := a.state.SetFrequency(minFreq, maxFreq); err != nil {
		return err
	}
	a.persistOverrides()
	a.eventBus.Publish(core.Event{Type: core.FrequencyChangedEvent, Payload: map[string]interface{}{
		"min": minFreq,
		"max": maxFreq,
	}})
	return nil
}

func (a *Agent) applyWifi(ssid, password string) error {
	a.state.SetWifi(ssid, password)
	a.persistOverrides()
	a.network.UpdateStation(ssid, password)
	a.eventBus.Publish(core.Event{Type: core.WifiChangedEvent, Payload: map[string]interface{}{
		"ssid": ssid,
	}})
	return nil
}

func (a *Agent) applyMode(mode core.Mode) error {
	if !a.state.SetMode(mode) {
		return nil
	}
	// Wake the scheduler so a pending sleep is cancelled promptly.
	a.auto.SetMode(mode)
	a.eventBus.Publish(core.Event{Type: core.ModeChangedEvent, Payload: map[string]interface{}{
		"mode": string(mode),
	}})
	logging.Info("Mode changed", zap.String("mode", string(mode)))
	return nil
}

// persistOverrides writes the runtime-editable settings to the override file
// so they survive power cycles.
func (a *Agent) persistOverrides() {
	snap := a.state.Snapshot()
	o := store.Overrides{
		Wifi:    snap.Wifi,
		MinFreq: &snap.MinFreq,
		MaxFreq: &snap.MaxFreq,
	}
	if err := a.overrides.Save(o); err != nil {
		logging.Error("Failed to persist overrides", zap.Error(err))
	}
}

func (a *Agent) handleCommand(cmd core.Command) {
	logging.Debug("Handling command", zap.String("type", string(cmd.Type)))

	switch cmd.Type {
	case core.CmdTrigger:
		if err := a.trigger(a.ctx); err != nil {
			// Skipped pulses are expected under the interlock; anything else
			// is a hardware problem worth a warning.
			if source, ok := cmd.Payload["source"].(string); ok {
				logging.Warn("Commanded pulse failed",
					zap.String("source", source), zap.Error(err))
			} else {
				logging.Warn("Commanded pulse failed", zap.Error(err))
			}
		}

	case core.CmdSetMode:
		if mode, ok := cmd.Payload["mode"].(string); ok {
			switch core.Mode(mode) {
			case core.ModeManual, core.ModeAutomatic:
				_ = a.applyMode(core.Mode(mode))
			default:
				logging.Warn("Ignoring unknown mode", zap.String("mode", mode))
			}
		}

	case core.CmdSetFrequency:
		minFreq, okMin := cmd.Payload["min"].(float64)
		maxFreq, okMax := cmd.Payload["max"].(float64)
		if okMin && okMax {
			if err := a.applyFrequency(int(minFreq), int(maxFreq)); err != nil {
				logging.Warn("Rejected frequency update", zap.Error(err))
			}
		}

	case core.CmdSetWifi:
		ssid, okSSID := cmd.Payload["ssid"].(string)
		password, _ := cmd.Payload["password"].(string)
		if okSSID && ssid != "" {
			_ = a.applyWifi(ssid, password)
		}

	case core.CmdAddSchedule:
		spec, okSpec := cmd.Payload["spec"].(string)
		command, okCmd := cmd.Payload["command"].(string)
		if okSpec && okCmd {
			if err := a.cron.Add(spec, command); err == nil {
				a.eventBus.Publish(core.Event{Type: core.ScheduleChangedEvent})
			}
		}

	case core.CmdRemoveSchedule:
		switch id := cmd.Payload["id"].(type) {
		case float64:
			a.cron.Remove(int(id))
			a.eventBus.Publish(core.Event{Type: core.ScheduleChangedEvent})
		case string:
			if n, err := strconv.Atoi(id); err == nil {
				a.cron.Remove(n)
				a.eventBus.Publish(core.Event{Type: core.ScheduleChangedEvent})
			}
		}

	default:
		logging.Warn("Unknown command type", zap.String("type", string(cmd.Type)))
	}
}

// listenEvents fans state changes out to WebSocket clients and MQTT.
func (a *Agent) listenEvents() {
	sub := a.eventBus.Subscribe(
		core.ModeChangedEvent,
		core.FrequencyChangedEvent,
		core.WifiChangedEvent,
		core.ActuationEvent,
		core.NetworkChangedEvent,
		core.ScheduleChangedEvent,
	)

	for {
		select {
		case <-a.ctx.Done():
			return
		case event := <-sub:
			switch event.Type {
			case core.ModeChangedEvent:
				a.server.Hub.Broadcast(server.NewMessage("mode_update", event.Payload))
				if payload, ok := event.Payload.(map[string]interface{}); ok {
					if mode, ok := payload["mode"].(string); ok {
						a.mqttClient.PublishMode(core.Mode(mode))
					}
				}

			case core.FrequencyChangedEvent:
				a.server.Hub.Broadcast(server.NewMessage("frequency_update", event.Payload))
				if payload, ok := event.Payload.(map[string]interface{}); ok {
					minFreq, okMin := payload["min"].(int)
					maxFreq, okMax := payload["max"].(int)
					if okMin && okMax {
						a.mqttClient.PublishFrequency(minFreq, maxFreq)
					}
				}

			case core.ActuationEvent:
				a.server.Hub.Broadcast(server.NewMessage("actuation", event.Payload))
				if last, ok := a.state.LastActuation(); ok {
					a.mqttClient.PublishActuation(last)
				}

			case core.WifiChangedEvent:
				a.server.Hub.Broadcast(server.NewMessage("wifi_update", event.Payload))

			case core.NetworkChangedEvent:
				a.server.Hub.Broadcast(server.NewMessage("network_update", event.Payload))

			case core.ScheduleChangedEvent:
				a.server.Hub.Broadcast(server.NewMessage("schedule_list", a.cron.GetAll()))
			}
		}
	}
}

func (a *Agent) Shutdown() {
	a.cron.Stop()
	_ = a.server.Shutdown(context.Background())
	if a.mqttClient != nil {
		a.mqttClient.Disconnect()
	}
	a.network.Stop()
	_ = a.pumpBus.Close()
	a.cancel()
	a.wg.Wait()
	logging.Sync()
}

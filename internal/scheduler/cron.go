package scheduler

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/justlark/squirtinator/internal/core"
	"github.com/justlark/squirtinator/internal/logging"
)

// ScheduleEntry defines the structure for a saved schedule. Command is one of
// "trigger", "auto on" or "auto off".
type ScheduleEntry struct {
	Spec    string `json:"spec"`
	Command string `json:"command"`
}

// Cron manages user-defined timed actuations, persisted across restarts.
type Cron struct {
	cron           *cron.Cron
	store          map[cron.EntryID]ScheduleEntry
	commandChannel core.CommandChannel
	mu             sync.RWMutex
	schedulesFile  string
}

// NewCron creates and loads the timed schedule runner.
func NewCron(cmdChan core.CommandChannel, schedulesFile string) *Cron {
	c := &Cron{
		cron:           cron.New(),
		store:          make(map[cron.EntryID]ScheduleEntry),
		commandChannel: cmdChan,
		schedulesFile:  schedulesFile,
	}
	c.load()
	return c
}

// Start begins the cron job ticker.
func (c *Cron) Start() {
	c.cron.Start()
	logging.Info("Cron scheduler started")
}

// Stop halts the cron job ticker.
func (c *Cron) Stop() {
	c.cron.Stop()
	logging.Info("Cron scheduler stopped")
}

// Add creates a new cron job and persists it.
func (c *Cron) Add(spec, command string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, err := c.cron.AddFunc(spec, func() { c.execute(command) })
	if err != nil {
		logging.Error("Error adding schedule", zap.String("spec", spec), zap.Error(err))
		return err
	}
	c.store[id] = ScheduleEntry{Spec: spec, Command: command}
	c.save()
	logging.Info("Added schedule",
		zap.Int("id", int(id)),
		zap.String("spec", spec),
		zap.String("command", command),
	)
	return nil
}

// Remove deletes a cron job.
func (c *Cron) Remove(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entryID := cron.EntryID(id)
	c.cron.Remove(entryID)
	delete(c.store, entryID)
	c.save()
	logging.Info("Removed schedule", zap.Int("id", id))
}

// GetAll returns a copy of the current schedules in a thread-safe way.
func (c *Cron) GetAll() map[cron.EntryID]ScheduleEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	newMap := make(map[cron.EntryID]ScheduleEntry)
	for k, v := range c.store {
		newMap[k] = v
	}
	return newMap
}

func (c *Cron) execute(command string) {
	logging.Info("Executing scheduled command", zap.String("command", command))
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return
	}
	switch parts[0] {
	case "trigger":
		c.commandChannel <- core.Command{Type: core.CmdTrigger, Payload: map[string]interface{}{"source": "schedule"}}
	case "auto":
		mode := string(core.ModeManual)
		if len(parts) > 1 && parts[1] == "on" {
			mode = string(core.ModeAutomatic)
		}
		c.commandChannel <- core.Command{Type: core.CmdSetMode, Payload: map[string]interface{}{"mode": mode}}
	default:
		logging.Warn("Unknown scheduled command", zap.String("command", command))
	}
}

func (c *Cron) save() {
	data, err := json.MarshalIndent(c.store, "", "  ")
	if err != nil {
		logging.Error("Error marshalling schedules", zap.Error(err))
		return
	}
	if err := os.WriteFile(c.schedulesFile, data, 0644); err != nil {
		logging.Error("Error writing schedule file", zap.Error(err))
	}
}

func (c *Cron) load() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(c.schedulesFile); os.IsNotExist(err) {
		return
	}
	data, err := os.ReadFile(c.schedulesFile)
	if err != nil {
		logging.Error("Error reading schedule file", zap.Error(err))
		return
	}

	tempStore := make(map[cron.EntryID]ScheduleEntry)
	if err := json.Unmarshal(data, &tempStore); err != nil {
		logging.Error("Error unmarshalling schedule file", zap.Error(err))
		return
	}

	logging.Info("Loading schedules from file",
		zap.Int("count", len(tempStore)),
		zap.String("file", c.schedulesFile),
	)
	for _, entry := range tempStore {
		jobEntry := entry
		newID, err := c.cron.AddFunc(jobEntry.Spec, func() { c.execute(jobEntry.Command) })
		if err != nil {
			logging.Error("Error re-adding schedule from file", zap.Error(err))
			continue
		}
		c.store[newID] = jobEntry
	}
}

package scheduler

import (
	"path/filepath"
	"testing"

	"github.com/justlark/squirtinator/internal/core"
)

func TestCronAddRemovePersistence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "schedules.json")
	cmdChan := make(core.CommandChannel, 8)

	c := NewCron(cmdChan, file)
	if err := c.Add("0 8 * * *", "trigger"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := c.Add("0 22 * * *", "auto off"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if got := len(c.GetAll()); got != 2 {
		t.Fatalf("schedule count = %d, want 2", got)
	}

	// A fresh instance reading the same file restores both entries.
	restored := NewCron(cmdChan, file)
	all := restored.GetAll()
	if len(all) != 2 {
		t.Fatalf("restored schedule count = %d, want 2", len(all))
	}
	commands := map[string]bool{}
	for _, entry := range all {
		commands[entry.Command] = true
	}
	if !commands["trigger"] || !commands["auto off"] {
		t.Errorf("restored commands = %v", commands)
	}

	for id := range all {
		restored.Remove(int(id))
	}
	if got := len(restored.GetAll()); got != 0 {
		t.Errorf("schedule count after removal = %d, want 0", got)
	}
	if got := len(NewCron(cmdChan, file).GetAll()); got != 0 {
		t.Errorf("removal did not persist: %d entries reloaded", got)
	}
}

func TestCronAddRejectsBadSpec(t *testing.T) {
	file := filepath.Join(t.TempDir(), "schedules.json")
	c := NewCron(make(core.CommandChannel, 1), file)

	if err := c.Add("not a cron spec", "trigger"); err == nil {
		t.Fatal("expected an error for an invalid cron spec")
	}
	if got := len(c.GetAll()); got != 0 {
		t.Errorf("invalid spec was stored anyway: %d entries", got)
	}
}

func TestCronExecuteDispatchesCommands(t *testing.T) {
	file := filepath.Join(t.TempDir(), "schedules.json")
	cmdChan := make(core.CommandChannel, 8)
	c := NewCron(cmdChan, file)

	c.execute("trigger")
	cmd := <-cmdChan
	if cmd.Type != core.CmdTrigger {
		t.Errorf("command type = %s, want %s", cmd.Type, core.CmdTrigger)
	}

	c.execute("auto on")
	cmd = <-cmdChan
	if cmd.Type != core.CmdSetMode || cmd.Payload["mode"] != string(core.ModeAutomatic) {
		t.Errorf("command = %+v, want set_mode auto", cmd)
	}

	c.execute("auto off")
	cmd = <-cmdChan
	if cmd.Type != core.CmdSetMode || cmd.Payload["mode"] != string(core.ModeManual) {
		t.Errorf("command = %+v, want set_mode manual", cmd)
	}

	// Unknown commands are logged and dropped, never dispatched.
	c.execute("reboot")
	select {
	case cmd := <-cmdChan:
		t.Errorf("unknown command dispatched: %+v", cmd)
	default:
	}
}

package core

// CommandType defines the type of command being dispatched.
type CommandType string

const (
	CmdTrigger        CommandType = "trigger"
	CmdSetMode        CommandType = "setMode"
	CmdSetFrequency   CommandType = "setFrequency"
	CmdSetWifi        CommandType = "setWifi"
	CmdAddSchedule    CommandType = "addSchedule"
	CmdRemoveSchedule CommandType = "removeSchedule"
)

// Command is the envelope for incoming requests to change state or perform actions.
type Command struct {
	Type    CommandType
	Payload map[string]interface{}
}

// CommandChannel is the single channel that the core Agent listens to for commands.
type CommandChannel chan Command

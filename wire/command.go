package wire

import (
	"fmt"
)

// Command is a protocol command or reply token.
type Command uint8

const (
	// CmdInvalid is the zero value and never appears on the wire.
	CmdInvalid Command = iota

	// requests sent by the driver
	CmdStatus
	CmdInit
	CmdPosData
	CmdGetForce
	CmdGetStress
	CmdEcho
	CmdAbort

	// replies sent by the evaluator
	CmdReady
	CmdNeedInit
	CmdHaveData
	CmdBusy
	CmdForceReady
	CmdStressReady
	CmdError

	cmdCount
)

var commandNames = [cmdCount]string{
	CmdInvalid:     "INVALID",
	CmdStatus:      "STATUS",
	CmdInit:        "INIT",
	CmdPosData:     "POSDATA",
	CmdGetForce:    "GETFORCE",
	CmdGetStress:   "GETSTRESS",
	CmdEcho:        "ECHO",
	CmdAbort:       "ABORT",
	CmdReady:       "READY",
	CmdNeedInit:    "NEEDINIT",
	CmdHaveData:    "HAVEDATA",
	CmdBusy:        "BUSY",
	CmdForceReady:  "FORCEREADY",
	CmdStressReady: "STRESSREADY",
	CmdError:       "ERROR",
}

var commandByName = func() map[string]Command {
	m := make(map[string]Command, cmdCount)
	for i := CmdStatus; i < cmdCount; i++ {
		m[commandNames[i]] = i
	}
	return m
}()

// String returns the wire name of the command.
func (c Command) String() string {
	if c < cmdCount {
		return commandNames[c]
	}

	return fmt.Sprintf("Command(%d)", uint8(c))
}

// IsValid reports whether c belongs to the closed command set.
func (c Command) IsValid() bool {
	return c > CmdInvalid && c < cmdCount
}

// IsRequest reports whether c is sent by the driver.
func (c Command) IsRequest() bool {
	return c >= CmdStatus && c <= CmdAbort
}

// IsReply reports whether c is sent by the evaluator in response to a request.
func (c Command) IsReply() bool {
	return c >= CmdReady && c < cmdCount
}

// ParseCommand looks up a command by its wire name, without padding.
func ParseCommand(name string) (Command, error) {
	cmd, ok := commandByName[name]
	if !ok {
		return CmdInvalid, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}

	return cmd, nil
}

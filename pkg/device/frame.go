package device

import (
	"fmt"
	"strings"
)

// Command identifies the parameter a frame changes on the controller.
type Command byte

const (
	CmdSetpoint   Command = 'S'
	CmdKp         Command = 'P'
	CmdKi         Command = 'I'
	CmdKd         Command = 'D'
	CmdEnable     Command = 'E'
	CmdSampleTime Command = 'T'
)

// Valid reports whether c is one of the commands the controller understands.
func (c Command) Valid() bool {
	switch c {
	case CmdSetpoint, CmdKp, CmdKi, CmdKd, CmdEnable, CmdSampleTime:
		return true
	}
	return false
}

func (c Command) String() string {
	return string(rune(c))
}

// EncodeFrame builds the wire form of a command: "P3.300\n".
func EncodeFrame(cmd Command, value string) []byte {
	b := make([]byte, 0, len(value)+2)
	b = append(b, byte(cmd))
	b = append(b, value...)
	return append(b, '\n')
}

// ParseFrame splits a received command line into its command and value.
func ParseFrame(line string) (Command, string, error) {
	line = strings.TrimSpace(line)
	if len(line) < 2 {
		return 0, "", fmt.Errorf("invalid frame %q", line)
	}

	cmd := Command(line[0])
	if !cmd.Valid() {
		return 0, "", fmt.Errorf("unknown command %q", line[0])
	}

	value := strings.TrimSpace(line[1:])
	if value == "" {
		return 0, "", fmt.Errorf("missing value in frame %q", line)
	}

	return cmd, value, nil
}

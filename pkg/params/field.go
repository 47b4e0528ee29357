package params

import (
	"fmt"
	"strings"

	"github.com/itohio/pidscope/pkg/device"
)

// Field is an operator-adjustable controller parameter.
type Field int

const (
	Setpoint Field = iota
	Kp
	Ki
	Kd
	SampleTime
	Enabled
	// NumPoints is the display window size; it is never sent to the device.
	NumPoints
)

// Fields lists the device fields in the order they are pushed.
var Fields = []Field{Setpoint, Kp, Ki, Kd, SampleTime, Enabled}

var fieldNames = map[Field]string{
	Setpoint:   "setpoint",
	Kp:         "kp",
	Ki:         "ki",
	Kd:         "kd",
	SampleTime: "sample_time",
	Enabled:    "enabled",
	NumPoints:  "num_points",
}

var fieldCommands = map[Field]device.Command{
	Setpoint:   device.CmdSetpoint,
	Kp:         device.CmdKp,
	Ki:         device.CmdKi,
	Kd:         device.CmdKd,
	SampleTime: device.CmdSampleTime,
	Enabled:    device.CmdEnable,
}

func (f Field) String() string {
	if name, ok := fieldNames[f]; ok {
		return name
	}
	return fmt.Sprintf("field(%d)", int(f))
}

// Command returns the frame command that carries this field, or 0 for
// fields that stay on the host.
func (f Field) Command() device.Command {
	return fieldCommands[f]
}

// ParseField resolves a field by name ("kp", "sample_time") or by its
// command letter ("P", "T").
func ParseField(s string) (Field, error) {
	s = strings.TrimSpace(s)
	for f, name := range fieldNames {
		if strings.EqualFold(s, name) {
			return f, nil
		}
	}
	if len(s) == 1 {
		for f, cmd := range fieldCommands {
			if device.Command(s[0]) == cmd {
				return f, nil
			}
		}
	}
	return 0, fmt.Errorf("unknown parameter %q", s)
}

package sample

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Reading is one parsed record as printed by the controller.
type Reading struct {
	Voltage  float64 // Measured output (V)
	Setpoint float64 // Setpoint the controller was tracking (V)
}

// Sample is a reading stamped with the time since the stream started.
type Sample struct {
	Elapsed  float64 // Seconds since the stream started
	Voltage  float64 // Measured output (V)
	Setpoint float64 // Setpoint (V)
	Error    float64 // Voltage - Setpoint (V)
}

// ParseError describes a line that is not a valid record.
type ParseError struct {
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid record %q: %s", e.Raw, e.Reason)
}

// Parse parses a record line of the form "<actual> <setpoint>".
// Example: "2.501 2.500"
func Parse(line string) (Reading, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Reading{}, &ParseError{
			Reason: fmt.Sprintf("expected 2 values, got %d", len(fields)),
			Raw:    line,
		}
	}

	voltage, err := parseValue(fields[0])
	if err != nil {
		return Reading{}, &ParseError{Reason: "actual: " + err.Error(), Raw: line}
	}

	setpoint, err := parseValue(fields[1])
	if err != nil {
		return Reading{}, &ParseError{Reason: "setpoint: " + err.Error(), Raw: line}
	}

	return Reading{Voltage: voltage, Setpoint: setpoint}, nil
}

func parseValue(tok string) (float64, error) {
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", tok)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %q", tok)
	}
	return v, nil
}

// NewSample stamps a reading with the elapsed stream time.
func NewSample(elapsed float64, r Reading) Sample {
	return Sample{
		Elapsed:  elapsed,
		Voltage:  r.Voltage,
		Setpoint: r.Setpoint,
		Error:    r.Voltage - r.Setpoint,
	}
}

// ExceedsFraction reports whether the tracking error is larger than
// fraction of the setpoint. A zero setpoint or fraction never exceeds.
func (s Sample) ExceedsFraction(fraction float64) bool {
	if fraction <= 0 || s.Setpoint == 0 {
		return false
	}
	return math.Abs(s.Error) > fraction*math.Abs(s.Setpoint)
}

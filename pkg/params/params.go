package params

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/itohio/pidscope/pkg/config"
	"github.com/itohio/pidscope/pkg/device"
)

// Config is the controller configuration as last issued to the device.
type Config struct {
	Setpoint   float64 // V
	Kp         float64
	Ki         float64
	Kd         float64
	SampleTime int // ms
	Enabled    bool
}

// Value is a validated parameter value.
type Value struct {
	Field  Field
	Number float64 // Numeric value; 0/1 for Enabled
	Wire   string  // Canonical frame payload
}

// Bool returns the value of an Enabled field.
func (v Value) Bool() bool {
	return v.Number != 0
}

// Int returns the value of a SampleTime field.
func (v Value) Int() int {
	return int(v.Number)
}

// ValidationError is returned when an operator-supplied value is rejected.
type ValidationError struct {
	Field  Field
	Raw    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Raw, e.Reason)
}

// Channel validates parameter changes, forwards them to the device and
// keeps the local Config in sync with what was issued.
type Channel struct {
	w      device.FrameWriter
	limits config.LimitsConfig
	log    *slog.Logger

	// wmu serializes frame writes so the device sees them in submission order.
	wmu sync.Mutex

	mu  sync.RWMutex
	cfg Config
}

// New creates a parameter channel writing to w, starting from initial.
func New(w device.FrameWriter, limits config.LimitsConfig, initial Config, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}

	return &Channel{
		w:      w,
		limits: limits,
		log:    logger,
		cfg:    initial,
	}
}

// Config returns a copy of the current configuration.
func (c *Channel) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Validate parses and range-checks raw for field without sending anything.
func (c *Channel) Validate(field Field, raw string) (Value, error) {
	return Validate(c.limits, field, raw)
}

// Validate parses and range-checks raw for field against limits.
func Validate(limits config.LimitsConfig, field Field, raw string) (Value, error) {
	s := strings.TrimSpace(raw)
	fail := func(format string, args ...any) (Value, error) {
		return Value{}, &ValidationError{Field: field, Raw: raw, Reason: fmt.Sprintf(format, args...)}
	}

	if s == "" {
		return fail("value is required")
	}

	switch field {
	case Setpoint, Kp, Ki, Kd:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return fail("not a number")
		}
		lo, hi := 0.0, limits.GainMax
		if field == Setpoint {
			lo, hi = limits.SetpointMin, limits.SetpointMax
		}
		if f < lo || f > hi {
			return fail("must be between %g and %g", lo, hi)
		}
		return Value{Field: field, Number: f, Wire: strconv.FormatFloat(f, 'f', 3, 64)}, nil

	case SampleTime, NumPoints:
		n, err := strconv.Atoi(s)
		if err != nil {
			return fail("not a whole number")
		}
		lo, hi, unit := limits.SampleTimeMin, limits.SampleTimeMax, " ms"
		if field == NumPoints {
			lo, hi, unit = limits.NumPointsMin, limits.NumPointsMax, ""
		}
		if n < lo || n > hi {
			return fail("must be between %d and %d%s", lo, hi, unit)
		}
		return Value{Field: field, Number: float64(n), Wire: strconv.Itoa(n)}, nil

	case Enabled:
		switch strings.ToLower(s) {
		case "1", "true", "on":
			return Value{Field: field, Number: 1, Wire: "1"}, nil
		case "0", "false", "off":
			return Value{Field: field, Number: 0, Wire: "0"}, nil
		}
		return fail("must be 0 or 1")
	}

	return fail("unknown parameter")
}

// Apply validates raw, sends the frame and, once the write was issued,
// updates the local configuration. On any error the configuration is left
// unchanged.
func (c *Channel) Apply(ctx context.Context, field Field, raw string) (Value, error) {
	v, err := c.Validate(field, raw)
	if err != nil {
		return Value{}, err
	}
	if !field.Command().Valid() {
		return Value{}, &ValidationError{Field: field, Raw: raw, Reason: "not a device parameter"}
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.w.WriteFrame(ctx, field.Command(), v.Wire); err != nil {
		return Value{}, err
	}

	c.mu.Lock()
	c.cfg.set(v)
	c.mu.Unlock()

	c.log.Info("parameter applied", "field", field.String(), "value", v.Wire)

	return v, nil
}

// ForceDisable turns the controller off. The local state is updated before
// the frame is written so a failed write still leaves the loop disabled.
func (c *Channel) ForceDisable(ctx context.Context) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	c.cfg.Enabled = false
	c.mu.Unlock()

	return c.w.WriteFrame(ctx, device.CmdEnable, "0")
}

// Push writes every field of the current configuration, e.g. after the
// device was (re)opened and lost its state. It stops at the first failure.
func (c *Channel) Push(ctx context.Context) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	cfg := c.Config()
	for _, f := range Fields {
		if err := c.w.WriteFrame(ctx, f.Command(), cfg.wire(f)); err != nil {
			return fmt.Errorf("failed to push %s: %w", f, err)
		}
	}

	return nil
}

func (cfg *Config) set(v Value) {
	switch v.Field {
	case Setpoint:
		cfg.Setpoint = v.Number
	case Kp:
		cfg.Kp = v.Number
	case Ki:
		cfg.Ki = v.Number
	case Kd:
		cfg.Kd = v.Number
	case SampleTime:
		cfg.SampleTime = v.Int()
	case Enabled:
		cfg.Enabled = v.Bool()
	}
}

// wire returns the canonical frame payload of field.
func (cfg Config) wire(f Field) string {
	switch f {
	case Setpoint:
		return strconv.FormatFloat(cfg.Setpoint, 'f', 3, 64)
	case Kp:
		return strconv.FormatFloat(cfg.Kp, 'f', 3, 64)
	case Ki:
		return strconv.FormatFloat(cfg.Ki, 'f', 3, 64)
	case Kd:
		return strconv.FormatFloat(cfg.Kd, 'f', 3, 64)
	case SampleTime:
		return strconv.Itoa(cfg.SampleTime)
	case Enabled:
		if cfg.Enabled {
			return "1"
		}
		return "0"
	}
	return ""
}

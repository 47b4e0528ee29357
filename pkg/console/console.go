// Package console drives an engine from line-oriented operator input and
// reports its samples and events through structured logging.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/itohio/pidscope/pkg/engine"
	"github.com/itohio/pidscope/pkg/params"
	"github.com/itohio/pidscope/pkg/sample"
)

// Kind classifies operator commands.
type Kind int

const (
	Set Kind = iota
	Clear
	Reenable
	Status
)

// Command is one operator line.
type Command struct {
	Kind  Kind
	Field params.Field
	Value string
}

// ErrEmpty is returned for blank lines.
var ErrEmpty = errors.New("empty command")

// Parse parses "<field> <value>", "clear", "reenable" or "status".
// Fields are named as in the settings file or by their command letter.
func Parse(line string) (Command, error) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return Command{}, ErrEmpty
	}

	switch strings.ToLower(tokens[0]) {
	case "clear":
		return Command{Kind: Clear}, nil
	case "reenable":
		return Command{Kind: Reenable}, nil
	case "status":
		return Command{Kind: Status}, nil
	}

	if len(tokens) != 2 {
		return Command{}, fmt.Errorf("expected <field> <value>, got %q", line)
	}

	field, err := params.ParseField(tokens[0])
	if err != nil {
		return Command{}, err
	}

	return Command{Kind: Set, Field: field, Value: tokens[1]}, nil
}

// Subscribe reports samples and events through log.
func Subscribe(eng *engine.Engine, log *slog.Logger) {
	eng.OnSample(func(s sample.Sample) {
		log.Info("sample",
			"t", s.Elapsed,
			"actual", s.Voltage,
			"setpoint", s.Setpoint,
			"error", s.Error,
		)
	})
	eng.OnEvent(func(ev engine.Event) {
		switch ev.Kind {
		case engine.EventSafetyTrip, engine.EventDisconnected, engine.EventTrackingWarning:
			log.Warn(ev.Message, "event", ev.Kind.String())
		default:
			log.Info(ev.Message, "event", ev.Kind.String())
		}
	})
}

// Run applies the commands read from in until in is exhausted or ctx is done.
func Run(ctx context.Context, eng *engine.Engine, in io.Reader, log *slog.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		cmd, err := Parse(scanner.Text())
		if errors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			log.Error("invalid command", "error", err)
			continue
		}

		Execute(ctx, eng, cmd, log)
	}
	if err := scanner.Err(); err != nil {
		log.Error("command input failed", "error", err)
	}
}

// Execute applies one command to eng.
func Execute(ctx context.Context, eng *engine.Engine, cmd Command, log *slog.Logger) {
	switch cmd.Kind {
	case Clear:
		eng.ClearWindow()
		log.Info("graph cleared")

	case Reenable:
		if err := eng.Reenable(ctx); err != nil {
			log.Error("re-enable failed", "error", err)
		}

	case Status:
		cfg := eng.Config()
		stats := eng.Stats()
		safety := eng.SafetyState()
		attrs := []any{
			"state", eng.State().String(),
			"setpoint", cfg.Setpoint,
			"kp", cfg.Kp,
			"ki", cfg.Ki,
			"kd", cfg.Kd,
			"sample_time", cfg.SampleTime,
			"enabled", cfg.Enabled,
			"num_points", eng.WindowSize(),
			"samples", stats.Samples,
			"parse_errors", stats.ParseErrors,
			"reconnects", stats.Reconnects,
		}
		if last, ok := eng.Latest(); ok {
			attrs = append(attrs, "actual", last.Voltage, "error", last.Error)
		}
		if safety.Tripped {
			attrs = append(attrs, "trip", safety.Reason, "trip_at", safety.Time.Format(time.RFC3339))
		}
		if eng.State() == engine.Disconnected {
			attrs = append(attrs, "next_attempt", eng.NextAttempt().Format(time.TimeOnly))
		}
		log.Info("status", attrs...)

	case Set:
		v, err := eng.SubmitParameterChange(ctx, cmd.Field, cmd.Value)
		if err != nil {
			log.Error("parameter rejected", "field", cmd.Field.String(), "error", err)
			return
		}
		log.Info("parameter updated", "field", v.Field.String(), "value", v.Wire)
	}
}

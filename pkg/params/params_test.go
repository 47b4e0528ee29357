package params

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/pidscope/pkg/config"
	"github.com/itohio/pidscope/pkg/device"
)

// recordingWriter captures frames instead of sending them.
type recordingWriter struct {
	mu     sync.Mutex
	frames []string
	err    error
}

func (w *recordingWriter) WriteFrame(_ context.Context, cmd device.Command, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	w.frames = append(w.frames, string(device.EncodeFrame(cmd, value)))
	return nil
}

func (w *recordingWriter) Frames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.frames...)
}

var initial = Config{Setpoint: 2.0, Kp: 3.0, Ki: 0.3, Kd: 0, SampleTime: 2000, Enabled: true}

func newTestChannel() (*Channel, *recordingWriter) {
	w := &recordingWriter{}
	return New(w, config.Default().Limits, initial, nil), w
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		field    Field
		raw      string
		wantWire string
		wantErr  bool
	}{
		{name: "setpoint", field: Setpoint, raw: "2.5", wantWire: "2.500"},
		{name: "setpoint trimmed", field: Setpoint, raw: " 3.3 ", wantWire: "3.300"},
		{name: "setpoint lower bound", field: Setpoint, raw: "0.560", wantWire: "0.560"},
		{name: "setpoint upper bound", field: Setpoint, raw: "4.68", wantWire: "4.680"},
		{name: "setpoint below range", field: Setpoint, raw: "0.5", wantErr: true},
		{name: "setpoint above range", field: Setpoint, raw: "4.9", wantErr: true},
		{name: "setpoint not a number", field: Setpoint, raw: "abc", wantErr: true},
		{name: "setpoint NaN", field: Setpoint, raw: "NaN", wantErr: true},
		{name: "kp", field: Kp, raw: "3.3", wantWire: "3.300"},
		{name: "kp zero", field: Kp, raw: "0", wantWire: "0.000"},
		{name: "kp negative", field: Kp, raw: "-1", wantErr: true},
		{name: "ki", field: Ki, raw: "0.3", wantWire: "0.300"},
		{name: "ki above max", field: Ki, raw: "1000.1", wantErr: true},
		{name: "kd", field: Kd, raw: "0.05", wantWire: "0.050"},
		{name: "kd infinite", field: Kd, raw: "Inf", wantErr: true},
		{name: "sample time", field: SampleTime, raw: "2000", wantWire: "2000"},
		{name: "sample time floor", field: SampleTime, raw: "10", wantWire: "10"},
		{name: "sample time below floor", field: SampleTime, raw: "5", wantErr: true},
		{name: "sample time above ceiling", field: SampleTime, raw: "60001", wantErr: true},
		{name: "sample time fractional", field: SampleTime, raw: "100.5", wantErr: true},
		{name: "num points", field: NumPoints, raw: "300", wantWire: "300"},
		{name: "num points below range", field: NumPoints, raw: "9", wantErr: true},
		{name: "num points above range", field: NumPoints, raw: "1001", wantErr: true},
		{name: "enabled 1", field: Enabled, raw: "1", wantWire: "1"},
		{name: "enabled true", field: Enabled, raw: "TRUE", wantWire: "1"},
		{name: "enabled on", field: Enabled, raw: "on", wantWire: "1"},
		{name: "enabled 0", field: Enabled, raw: "0", wantWire: "0"},
		{name: "enabled off", field: Enabled, raw: "off", wantWire: "0"},
		{name: "enabled invalid", field: Enabled, raw: "2", wantErr: true},
		{name: "empty", field: Kp, raw: "  ", wantErr: true},
		{name: "unknown field", field: Field(99), raw: "1", wantErr: true},
	}

	c, _ := newTestChannel()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := c.Validate(tt.field, tt.raw)
			if tt.wantErr {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, tt.field, ve.Field)
				assert.Equal(t, tt.raw, ve.Raw)
				assert.NotEmpty(t, ve.Reason)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.field, v.Field)
			assert.Equal(t, tt.wantWire, v.Wire)
		})
	}
}

func TestApply_UpdatesConfigAndSendsFrame(t *testing.T) {
	c, w := newTestChannel()
	ctx := context.Background()

	v, err := c.Apply(ctx, Setpoint, "2.5")
	require.NoError(t, err)
	assert.Equal(t, 2.5, v.Number)

	_, err = c.Apply(ctx, SampleTime, "500")
	require.NoError(t, err)

	_, err = c.Apply(ctx, Enabled, "off")
	require.NoError(t, err)

	assert.Equal(t, []string{"S2.500\n", "T500\n", "E0\n"}, w.Frames())

	cfg := c.Config()
	assert.Equal(t, 2.5, cfg.Setpoint)
	assert.Equal(t, 500, cfg.SampleTime)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, initial.Kp, cfg.Kp)
}

func TestApply_ValidationErrorLeavesStateUnchanged(t *testing.T) {
	c, w := newTestChannel()

	_, err := c.Apply(context.Background(), Setpoint, "9.9")

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, initial, c.Config())
	assert.Empty(t, w.Frames())
}

func TestApply_WriteErrorLeavesStateUnchanged(t *testing.T) {
	c, w := newTestChannel()
	cause := &device.TransportError{Op: "write", Err: device.ErrNotConnected}
	w.err = cause

	_, err := c.Apply(context.Background(), Kp, "5")

	assert.ErrorIs(t, err, device.ErrNotConnected)
	assert.Equal(t, initial, c.Config())
}

func TestApply_RejectsHostOnlyField(t *testing.T) {
	c, w := newTestChannel()

	_, err := c.Apply(context.Background(), NumPoints, "300")

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "not a device parameter", ve.Reason)
	assert.Empty(t, w.Frames())
}

func TestApply_Idempotent(t *testing.T) {
	c, w := newTestChannel()
	ctx := context.Background()

	_, err := c.Apply(ctx, Kp, "3.3")
	require.NoError(t, err)
	first := c.Config()

	_, err = c.Apply(ctx, Kp, "3.300")
	require.NoError(t, err)

	assert.Equal(t, first, c.Config())
	assert.Equal(t, []string{"P3.300\n", "P3.300\n"}, w.Frames())
}

func TestForceDisable(t *testing.T) {
	c, w := newTestChannel()

	require.NoError(t, c.ForceDisable(context.Background()))
	assert.False(t, c.Config().Enabled)
	assert.Equal(t, []string{"E0\n"}, w.Frames())
}

func TestForceDisable_WriteFailureStillDisablesLocally(t *testing.T) {
	c, w := newTestChannel()
	w.err = errors.New("boom")

	err := c.ForceDisable(context.Background())
	assert.Error(t, err)
	assert.False(t, c.Config().Enabled)
}

func TestPush(t *testing.T) {
	c, w := newTestChannel()

	require.NoError(t, c.Push(context.Background()))
	assert.Equal(t, []string{"S2.000\n", "P3.000\n", "I0.300\n", "D0.000\n", "T2000\n", "E1\n"}, w.Frames())
}

func TestPush_StopsAtFirstFailure(t *testing.T) {
	c, w := newTestChannel()
	w.err = errors.New("unplugged")

	err := c.Push(context.Background())
	assert.ErrorContains(t, err, "failed to push setpoint")
	assert.Empty(t, w.Frames())
}

func TestApply_ConcurrentWritesAreSerialized(t *testing.T) {
	c, w := newTestChannel()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Apply(ctx, Kp, "1")
		}()
		go func() {
			defer wg.Done()
			c.Config()
		}()
	}
	wg.Wait()

	assert.Len(t, w.Frames(), 20)
	assert.Equal(t, 1.0, c.Config().Kp)
}

func TestParseField(t *testing.T) {
	tests := []struct {
		in      string
		want    Field
		wantErr bool
	}{
		{in: "setpoint", want: Setpoint},
		{in: "KP", want: Kp},
		{in: "sample_time", want: SampleTime},
		{in: "E", want: Enabled},
		{in: "T", want: SampleTime},
		{in: "I", want: Ki},
		{in: "num_points", want: NumPoints},
		{in: "x", wantErr: true},
		{in: "gain", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			f, err := ParseField(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f)
		})
	}
}

func TestField_Command(t *testing.T) {
	assert.Equal(t, device.CmdSetpoint, Setpoint.Command())
	assert.Equal(t, device.CmdEnable, Enabled.Command())
	assert.Equal(t, "sample_time", SampleTime.String())
	assert.Equal(t, "field(42)", Field(42).String())
}

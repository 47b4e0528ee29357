package console

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/pidscope/pkg/config"
	"github.com/itohio/pidscope/pkg/device"
	"github.com/itohio/pidscope/pkg/engine"
	"github.com/itohio/pidscope/pkg/params"
	"github.com/itohio/pidscope/pkg/session"
	"github.com/itohio/pidscope/pkg/settings"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Command
		wantErr bool
	}{
		{name: "field by name", line: "kp 3.3", want: Command{Kind: Set, Field: params.Kp, Value: "3.3"}},
		{name: "field by letter", line: "S 2.5", want: Command{Kind: Set, Field: params.Setpoint, Value: "2.5"}},
		{name: "window size", line: "num_points 300", want: Command{Kind: Set, Field: params.NumPoints, Value: "300"}},
		{name: "surrounding space", line: "  sample_time   500 ", want: Command{Kind: Set, Field: params.SampleTime, Value: "500"}},
		{name: "clear", line: "clear", want: Command{Kind: Clear}},
		{name: "reenable", line: "Reenable", want: Command{Kind: Reenable}},
		{name: "status", line: "status", want: Command{Kind: Status}},
		{name: "missing value", line: "kp", wantErr: true},
		{name: "extra token", line: "kp 1 2", wantErr: true},
		{name: "unknown field", line: "gain 2", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse("   ")
	assert.ErrorIs(t, err, ErrEmpty)
}

// syncBuffer is a bytes.Buffer safe for the engine goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRun_MockDevice(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.TickInterval = 5 * time.Millisecond
	cfg.Serial.BootDelay = 0
	cfg.Mock.SampleTime = 5 * time.Millisecond
	cfg.Logging.Dir = t.TempDir()
	cfg.Settings.Path = filepath.Join(t.TempDir(), "settings.yaml")

	var out syncBuffer
	log := slog.New(slog.NewTextHandler(&out, nil))

	saved := settings.Default()
	saved.SampleTime = 10

	tr := device.NewMock(&cfg.Mock, log)
	eng := engine.New(cfg, tr, session.New(cfg.Logging, log), saved, log)
	Subscribe(eng, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		eng.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return eng.State() == engine.Streaming && eng.Stats().Samples > 0
	}, 2*time.Second, 5*time.Millisecond)

	Run(ctx, eng, strings.NewReader("kp 2.5\nbogus\nnum_points 50\nstatus\n"), log)

	cancel()
	<-done

	assert.Equal(t, 2.5, eng.Config().Kp)
	assert.Equal(t, 50, eng.WindowSize())

	logs := out.String()
	assert.Contains(t, logs, "msg=sample")
	assert.Contains(t, logs, "invalid command")
	assert.Contains(t, logs, "msg=status")
	assert.Contains(t, logs, "Device connected")

	require.NoError(t, eng.Close())
}

func TestExecute_Rejected(t *testing.T) {
	cfg := config.Default()
	cfg.Settings.Path = filepath.Join(t.TempDir(), "settings.yaml")
	cfg.Logging.Dir = t.TempDir()

	var out syncBuffer
	log := slog.New(slog.NewTextHandler(&out, nil))

	eng := engine.New(cfg, device.NewMock(&cfg.Mock, nil), session.New(cfg.Logging, nil), settings.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { eng.Close() })

	Execute(context.Background(), eng, Command{Kind: Set, Field: params.Setpoint, Value: "9"}, log)
	assert.Contains(t, out.String(), "parameter rejected")
	assert.Equal(t, 2.0, eng.Config().Setpoint)

	Execute(context.Background(), eng, Command{Kind: Clear}, log)
	assert.Contains(t, out.String(), "graph cleared")
	assert.Empty(t, eng.WindowSnapshot())
}

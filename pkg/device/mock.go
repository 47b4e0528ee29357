package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/itohio/pidscope/pkg/config"
)

// ErrUnplugged is reported by the simulated device after Unplug.
var ErrUnplugged = errors.New("device unplugged")

// Power-on gains of the controller sketch.
const (
	mockKp = 3.0
	mockKi = 0.3
	mockKd = 0.0
)

// Mock simulates the PID controller for testing and development: a
// first-order plant driven by an on-device PID loop. It honours the same
// command frames as the real controller and streams "<actual> <setpoint>"
// lines at the configured sample time.
type Mock struct {
	cfg *config.MockConfig
	log *slog.Logger

	lines     chan string
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool
	unplugged bool
	failed    bool
	frames    []string

	// Controller state, reset on every Open like an Arduino on port open.
	setpoint   float64
	kp, ki, kd float64
	sampleTime time.Duration
	enabled    bool

	// Plant state
	startTime time.Time
	output    float64
	integral  float64
	prevErr   float64
}

// NewMock creates a new simulated device instance.
func NewMock(cfg *config.MockConfig, logger *slog.Logger) *Mock {
	if cfg == nil {
		def := config.Default().Mock
		cfg = &def
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Mock{
		cfg: cfg,
		log: logger.With("device", "mock"),
	}
}

// Open simulates opening the port and starts generating lines.
func (m *Mock) Open() error {
	m.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unplugged {
		return &TransportError{Op: "open", Port: "mock", Err: ErrUnplugged}
	}

	m.setpoint = m.cfg.Setpoint
	m.kp, m.ki, m.kd = mockKp, mockKi, mockKd
	m.sampleTime = m.cfg.SampleTime
	m.enabled = true
	m.startTime = time.Now()
	m.output = 0
	m.integral = 0
	m.prevErr = 0
	m.failed = false

	ctx, cancel := context.WithCancel(context.Background())
	m.lines = make(chan string, DefaultBufferSize)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.connected = true

	go m.generateLines(ctx, m.lines, m.done)

	return nil
}

// Close stops the simulated device and waits for the generator to exit.
func (m *Mock) Close() error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done

	return nil
}

// IsOpen returns whether the simulated port is open.
func (m *Mock) IsOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Unplug simulates pulling the USB cable: the next ReadLine fails and Open
// fails until Plug is called.
func (m *Mock) Unplug() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unplugged = true
	if m.connected {
		m.failed = true
	}
}

// Plug reverses Unplug.
func (m *Mock) Plug() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unplugged = false
}

// ReadLine returns the next generated line without blocking.
func (m *Mock) ReadLine() (string, bool, error) {
	m.mu.RLock()
	connected, failed, lines := m.connected, m.failed, m.lines
	m.mu.RUnlock()

	if !connected {
		return "", false, &TransportError{Op: "read", Port: "mock", Err: ErrNotConnected}
	}

	if failed {
		m.Close()
		return "", false, &TransportError{Op: "read", Port: "mock", Err: ErrUnplugged}
	}

	select {
	case line := <-lines:
		return line, true, nil
	default:
		return "", false, nil
	}
}

// WriteFrame applies a command frame to the simulated controller.
func (m *Mock) WriteFrame(ctx context.Context, cmd Command, value string) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "write", Port: "mock", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected || m.failed {
		return &TransportError{Op: "write", Port: "mock", Err: ErrNotConnected}
	}

	frame := string(EncodeFrame(cmd, value))
	m.frames = append(m.frames, frame)

	// The sketch silently ignores frames it cannot parse.
	c, v, err := ParseFrame(frame)
	if err != nil {
		m.log.Debug("ignoring frame", "frame", frame, "error", err)
		return nil
	}
	if err := m.applyLocked(c, v); err != nil {
		m.log.Debug("ignoring frame", "frame", frame, "error", err)
	}

	return nil
}

// Frames returns a copy of all frames received so far.
func (m *Mock) Frames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]string, len(m.frames))
	copy(result, m.frames)
	return result
}

// Output returns the current simulated plant output (V).
func (m *Mock) Output() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.output
}

// Enabled returns whether the simulated controller loop is running.
func (m *Mock) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

func (m *Mock) applyLocked(cmd Command, value string) error {
	if cmd == CmdEnable || cmd == CmdSampleTime {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer %q: %w", value, err)
		}
		if cmd == CmdEnable {
			m.enabled = n != 0
			if !m.enabled {
				m.integral = 0
			}
		} else if n > 0 {
			m.sampleTime = time.Duration(n) * time.Millisecond
		}
		return nil
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", value, err)
	}

	switch cmd {
	case CmdSetpoint:
		m.setpoint = f
	case CmdKp:
		m.kp = f
	case CmdKi:
		m.ki = f
	case CmdKd:
		m.kd = f
	}

	return nil
}

// generateLines emits one line per sample period until ctx is canceled.
func (m *Mock) generateLines(ctx context.Context, lines chan<- string, done chan<- struct{}) {
	defer close(done)

	period := m.currentSampleTime()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			line := m.step(period.Seconds())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			default:
				// Buffer full, the host is not reading.
			}

			if next := m.currentSampleTime(); next != period {
				period = next
				ticker.Reset(period)
			}
		}
	}
}

func (m *Mock) currentSampleTime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sampleTime
}

// step advances the controller and plant by dt seconds and returns the line
// the controller prints.
func (m *Mock) step(dt float64) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.setpoint - m.output
	u := 0.0
	if m.enabled {
		m.integral = clamp(m.integral+e*dt, -1/math.Max(m.ki, 1e-6), 1/math.Max(m.ki, 1e-6))
		deriv := (e - m.prevErr) / dt
		u = clamp(m.kp*e+m.ki*m.integral+m.kd*deriv, 0, 1)
	}
	m.prevErr = e

	// First-order lag towards gain*u.
	alpha := dt / m.cfg.TimeConstant.Seconds()
	if alpha > 1 {
		alpha = 1
	}
	m.output += alpha * (m.cfg.Gain*u - m.output)

	elapsed := time.Since(m.startTime).Seconds()
	noise := (math.Sin(elapsed*7.3) + math.Cos(elapsed*13.1)) * m.cfg.NoiseLevel * 0.5

	return fmt.Sprintf("%.3f %.3f", m.output+noise, m.setpoint)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

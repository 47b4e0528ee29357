package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"golang.org/x/time/rate"

	"github.com/itohio/pidscope/pkg/config"
)

const (
	// DefaultBaudRate matches the controller sketch.
	DefaultBaudRate = 9600
	// DefaultBufferSize is the default size of the received lines buffer.
	DefaultBufferSize = 256
	// maxLineLength bounds a partial line when the device sends garbage without newlines.
	maxLineLength = 4096
	// closeWait bounds how long Close waits for the reader to exit.
	closeWait = time.Second
)

// Opener opens the underlying byte stream of a connection.
type Opener func() (io.ReadWriteCloser, error)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Option configures a Serial transport.
type Option func(*Serial)

// WithOpener replaces the serial port opener, e.g. with an in-memory pipe.
func WithOpener(o Opener) Option {
	return func(d *Serial) { d.opener = o }
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(d *Serial) {
		if l != nil {
			d.log = l
		}
	}
}

// WithBufferSize sets the size of the received lines buffer.
func WithBufferSize(n int) Option {
	return func(d *Serial) {
		if n > 0 {
			d.bufSize = n
		}
	}
}

// Serial is a Transport over a serial port.
type Serial struct {
	port        string
	baudRate    int
	readTimeout time.Duration
	bufSize     int
	opener      Opener
	limiter     *rate.Limiter
	log         *slog.Logger

	mu     sync.RWMutex
	conn   io.ReadWriteCloser
	lines  chan string
	errs   chan error
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex
}

// New creates a serial transport for the configured port. The port is not
// opened until Open is called.
func New(cfg *config.SerialConfig, opts ...Option) *Serial {
	if cfg == nil {
		cfg = &config.Default().Serial
	}

	d := &Serial{
		port:        cfg.Port,
		baudRate:    cfg.BaudRate,
		readTimeout: cfg.ReadTimeout,
		bufSize:     DefaultBufferSize,
		log:         slog.Default(),
	}
	if d.baudRate <= 0 {
		d.baudRate = DefaultBaudRate
	}
	if d.readTimeout <= 0 {
		d.readTimeout = 100 * time.Millisecond
	}

	// Frames are spaced by the settle delay; the first frame goes out immediately.
	if cfg.SettleDelay > 0 {
		d.limiter = rate.NewLimiter(rate.Every(cfg.SettleDelay), 1)
	} else {
		d.limiter = rate.NewLimiter(rate.Inf, 1)
	}

	d.opener = d.openPort
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("port", d.port)

	return d
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		result := make([]Port, 0, len(details))
		for _, p := range details {
			desc := p.Name
			if p.IsUSB {
				desc = fmt.Sprintf("%s (%s:%s %s)", p.Name, p.VID, p.PID, p.Product)
			}
			result = append(result, Port{Name: p.Name, Description: strings.TrimSpace(desc)})
		}
		return result, nil
	}

	// Fall back to bare names; opening a port here would reset an Arduino.
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(names))
	for _, name := range names {
		result = append(result, Port{Name: name, Description: name})
	}

	return result, nil
}

// Name returns the port name.
func (d *Serial) Name() string {
	return d.port
}

// Open opens the serial port and starts the line reader. A stale connection
// is closed first.
func (d *Serial) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		d.closeLocked()
	}

	conn, err := d.opener()
	if err != nil {
		return &TransportError{Op: "open", Port: d.port, Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.conn = conn
	d.lines = make(chan string, d.bufSize)
	d.errs = make(chan error, 1)
	d.cancel = cancel
	d.done = make(chan struct{})

	go d.readLines(ctx, conn, d.lines, d.errs, d.done)

	d.log.Info("serial port opened", "baud", d.baudRate)

	return nil
}

func (d *Serial) openPort() (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: d.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(d.port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}

	if err := port.SetReadTimeout(d.readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return port, nil
}

// Close closes the connection and stops the line reader.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.closeLocked()
}

func (d *Serial) closeLocked() error {
	if d.conn == nil {
		return nil
	}

	d.cancel()
	err := d.conn.Close()

	select {
	case <-d.done:
	case <-time.After(closeWait):
		d.log.Warn("serial reader did not stop in time")
	}

	d.conn = nil

	if err != nil {
		return &TransportError{Op: "close", Port: d.port, Err: err}
	}

	return nil
}

// IsOpen returns whether the port is currently open.
func (d *Serial) IsOpen() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conn != nil
}

// ReadLine returns the next buffered line without blocking. Lines received
// before a failure are delivered before the failure itself.
func (d *Serial) ReadLine() (string, bool, error) {
	d.mu.RLock()
	lines, errs, open := d.lines, d.errs, d.conn != nil
	d.mu.RUnlock()

	if !open {
		return "", false, &TransportError{Op: "read", Port: d.port, Err: ErrNotConnected}
	}

	select {
	case line := <-lines:
		return line, true, nil
	default:
	}

	select {
	case err := <-errs:
		if cerr := d.Close(); cerr != nil {
			d.log.Debug("close after read failure", "error", cerr)
		}
		return "", false, &TransportError{Op: "read", Port: d.port, Err: err}
	default:
		return "", false, nil
	}
}

// WriteFrame sends one command frame, waiting for the settle delay since the
// previous frame. The wait is bounded by ctx.
func (d *Serial) WriteFrame(ctx context.Context, cmd Command, value string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if !d.IsOpen() {
		return &TransportError{Op: "write", Port: d.port, Err: ErrNotConnected}
	}

	if err := d.limiter.Wait(ctx); err != nil {
		// The limiter refuses early when the settle wait would outlast ctx.
		if ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		} else {
			err = ctx.Err()
		}
		return &TransportError{Op: "write", Port: d.port, Err: err}
	}

	d.mu.RLock()
	conn := d.conn
	d.mu.RUnlock()
	if conn == nil {
		return &TransportError{Op: "write", Port: d.port, Err: ErrNotConnected}
	}

	frame := EncodeFrame(cmd, value)
	if _, err := conn.Write(frame); err != nil {
		return &TransportError{Op: "write", Port: d.port, Err: fmt.Errorf("failed to send frame %q: %w", bytes.TrimSpace(frame), err)}
	}

	d.log.Debug("frame sent", "cmd", cmd.String(), "value", value)

	return nil
}

// readLines splits the byte stream into lines. It exits when ctx is canceled
// or the stream fails; a failure that was not caused by Close is reported on errs.
func (d *Serial) readLines(ctx context.Context, conn io.Reader, lines chan<- string, errs chan<- error, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in serial reader", "panic", r)
			select {
			case errs <- fmt.Errorf("reader panic: %v", r):
			default:
			}
		}
	}()

	buf := make([]byte, 256)
	var partial []byte

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			partial = append(partial, buf[:n]...)
			for {
				idx := bytes.IndexByte(partial, '\n')
				if idx < 0 {
					break
				}
				line := strings.TrimRight(string(partial[:idx]), "\r")
				partial = partial[idx+1:]

				if strings.TrimSpace(line) == "" {
					continue
				}

				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}

			if len(partial) > maxLineLength {
				d.log.Warn("discarding oversized partial line", "bytes", len(partial))
				partial = partial[:0]
			}
		}

		if err != nil {
			if ctx.Err() == nil {
				errs <- err
			}
			return
		}

		if ctx.Err() != nil {
			return
		}
	}
}

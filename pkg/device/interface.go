package device

import (
	"context"
	"errors"
	"fmt"
)

// Transport is a line-oriented, bidirectional connection to the PID
// controller (real or simulated).
type Transport interface {
	// Open opens the connection. Opening an already open transport reopens it.
	Open() error
	// Close closes the connection. Closing a closed transport is a no-op.
	Close() error
	// IsOpen reports whether the connection is currently usable.
	IsOpen() bool
	// ReadLine returns the next complete line without blocking. ok is false
	// when no line is buffered yet. A read failure closes the connection.
	ReadLine() (line string, ok bool, err error)
	// WriteFrame sends one command frame "<cmd><value>\n".
	WriteFrame(ctx context.Context, cmd Command, value string) error
}

// FrameWriter is the write half of a Transport.
type FrameWriter interface {
	WriteFrame(ctx context.Context, cmd Command, value string) error
}

// ErrNotConnected is returned by operations on a closed transport.
var ErrNotConnected = errors.New("not connected")

// TransportError is returned for open, read and write failures.
type TransportError struct {
	Op   string // "open", "read", "write" or "close"
	Port string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Port == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsFault reports whether err means the connection is unusable and must be
// reopened. Timeouts and cancellations of a single operation are not faults.
func IsFault(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Ensure Serial implements Transport.
var _ Transport = (*Serial)(nil)

// Ensure Mock implements Transport.
var _ Transport = (*Mock)(nil)

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/itohio/pidscope/pkg/device"
	"github.com/itohio/pidscope/pkg/sample"
)

// fakeTransport is a scripted in-memory device.
type fakeTransport struct {
	mu       sync.Mutex
	open     bool
	lines    []string
	opens    int
	openErr  error
	readErr  error
	writeErr error
	frames   []string
}

func (f *fakeTransport) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opens++
	if f.openErr != nil {
		return &device.TransportError{Op: "open", Port: "fake", Err: f.openErr}
	}
	f.open = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) ReadLine() (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.open {
		return "", false, &device.TransportError{Op: "read", Port: "fake", Err: device.ErrNotConnected}
	}
	if len(f.lines) > 0 {
		line := f.lines[0]
		f.lines = f.lines[1:]
		return line, true, nil
	}
	if f.readErr != nil {
		err := f.readErr
		f.readErr = nil
		f.open = false
		return "", false, &device.TransportError{Op: "read", Port: "fake", Err: err}
	}
	return "", false, nil
}

func (f *fakeTransport) WriteFrame(_ context.Context, cmd device.Command, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return f.writeErr
	}
	if !f.open {
		return &device.TransportError{Op: "write", Port: "fake", Err: device.ErrNotConnected}
	}
	f.frames = append(f.frames, string(device.EncodeFrame(cmd, value)))
	return nil
}

func (f *fakeTransport) feed(lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, lines...)
}

func (f *fakeTransport) set(fn func(f *fakeTransport)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeTransport) Frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

func (f *fakeTransport) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// fakeSession records what the engine logs.
type fakeSession struct {
	mu     sync.Mutex
	rows   []sample.Sample
	events []string
	closed bool
	err    error
}

func (s *fakeSession) Append(smp sample.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, smp)
	return nil
}

func (s *fakeSession) AppendEvent(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, text)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("already closed")
	}
	s.closed = true
	return nil
}

func (s *fakeSession) Rows() []sample.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sample.Sample(nil), s.rows...)
}

func (s *fakeSession) hasEvent(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

package device

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/pidscope/pkg/config"
)

// pipeOpener hands out in-memory connections; the test drives the remote end.
type pipeOpener struct {
	mu      sync.Mutex
	remotes []net.Conn
	err     error
	calls   int
}

func (p *pipeOpener) open() (io.ReadWriteCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.err != nil {
		return nil, p.err
	}

	local, remote := net.Pipe()
	p.remotes = append(p.remotes, remote)
	return local, nil
}

func (p *pipeOpener) remote() net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remotes[len(p.remotes)-1]
}

func (p *pipeOpener) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.remotes {
		r.Close()
	}
}

func newTestSerial(t *testing.T, settle time.Duration) (*Serial, *pipeOpener) {
	t.Helper()

	p := &pipeOpener{}
	d := New(&config.SerialConfig{
		Port:        "test",
		BaudRate:    9600,
		ReadTimeout: 10 * time.Millisecond,
		SettleDelay: settle,
	}, WithOpener(p.open))

	t.Cleanup(func() {
		d.Close()
		p.close()
	})

	return d, p
}

// collectLines polls ReadLine until n lines arrived.
func collectLines(t *testing.T, d *Serial, n int) []string {
	t.Helper()

	var lines []string
	require.Eventually(t, func() bool {
		for {
			line, ok, err := d.ReadLine()
			if err != nil || !ok {
				return len(lines) >= n
			}
			lines = append(lines, line)
		}
	}, 2*time.Second, 5*time.Millisecond)

	return lines
}

func TestNew_Defaults(t *testing.T) {
	d := New(&config.SerialConfig{Port: "/dev/ttyACM0"})

	assert.Equal(t, "/dev/ttyACM0", d.Name())
	assert.Equal(t, DefaultBaudRate, d.baudRate)
	assert.Equal(t, DefaultBufferSize, d.bufSize)
	assert.Equal(t, 100*time.Millisecond, d.readTimeout)
	assert.False(t, d.IsOpen())
}

func TestNew_NilConfig(t *testing.T) {
	d := New(nil, WithBufferSize(8))

	assert.Equal(t, config.Default().Serial.Port, d.Name())
	assert.Equal(t, 8, d.bufSize)
}

func TestSerial_NotConnected(t *testing.T) {
	d, _ := newTestSerial(t, 0)

	_, ok, err := d.ReadLine()
	assert.False(t, ok)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "read", te.Op)
	assert.ErrorIs(t, err, ErrNotConnected)

	err = d.WriteFrame(context.Background(), CmdEnable, "0")
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "write", te.Op)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSerial_OpenFailure(t *testing.T) {
	d, p := newTestSerial(t, 0)
	cause := errors.New("no such port")
	p.err = cause

	err := d.Open()

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "open", te.Op)
	assert.Equal(t, "test", te.Port)
	assert.ErrorIs(t, err, cause)
	assert.False(t, d.IsOpen())
}

func TestSerial_ReadLineNonBlocking(t *testing.T) {
	d, _ := newTestSerial(t, 0)
	require.NoError(t, d.Open())

	start := time.Now()
	line, ok, err := d.ReadLine()
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, line)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestSerial_ReadLines(t *testing.T) {
	d, p := newTestSerial(t, 0)
	require.NoError(t, d.Open())

	remote := p.remote()
	_, err := remote.Write([]byte("2.501 2.500\r\n\nbad data\n4.9"))
	require.NoError(t, err)
	_, err = remote.Write([]byte("00 2.500\n"))
	require.NoError(t, err)

	lines := collectLines(t, d, 3)
	assert.Equal(t, []string{"2.501 2.500", "bad data", "4.900 2.500"}, lines)
}

func TestSerial_ReadFailureClosesConnection(t *testing.T) {
	d, p := newTestSerial(t, 0)
	require.NoError(t, d.Open())

	remote := p.remote()
	_, err := remote.Write([]byte("1.000 2.000\n"))
	require.NoError(t, err)
	require.NoError(t, remote.Close())

	// The line received before the failure is still delivered.
	var got []string
	var readErr error
	require.Eventually(t, func() bool {
		line, ok, err := d.ReadLine()
		if ok {
			got = append(got, line)
		}
		readErr = err
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"1.000 2.000"}, got)
	var te *TransportError
	require.ErrorAs(t, readErr, &te)
	assert.Equal(t, "read", te.Op)
	assert.False(t, d.IsOpen())
}

func TestSerial_Reopen(t *testing.T) {
	d, p := newTestSerial(t, 0)
	require.NoError(t, d.Open())
	require.NoError(t, d.Close())
	assert.False(t, d.IsOpen())

	require.NoError(t, d.Open())
	assert.True(t, d.IsOpen())
	assert.Equal(t, 2, p.calls)

	_, err := p.remote().Write([]byte("3.000 3.000\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"3.000 3.000"}, collectLines(t, d, 1))
}

func TestSerial_CloseIdempotent(t *testing.T) {
	d, _ := newTestSerial(t, 0)
	require.NoError(t, d.Open())

	assert.NoError(t, d.Close())
	assert.NoError(t, d.Close())
}

func TestSerial_WriteFrame(t *testing.T) {
	d, p := newTestSerial(t, 0)
	require.NoError(t, d.Open())

	received := make(chan string, 2)
	go func() {
		r := bufio.NewReader(p.remote())
		for i := 0; i < 2; i++ {
			s, err := r.ReadString('\n')
			if err != nil {
				return
			}
			received <- s
		}
	}()

	require.NoError(t, d.WriteFrame(context.Background(), CmdKp, "3.300"))
	require.NoError(t, d.WriteFrame(context.Background(), CmdEnable, "0"))

	assert.Equal(t, "P3.300\n", <-received)
	assert.Equal(t, "E0\n", <-received)
}

func TestSerial_WriteFrameSettleDelay(t *testing.T) {
	settle := 50 * time.Millisecond
	d, p := newTestSerial(t, settle)
	require.NoError(t, d.Open())

	go io.Copy(io.Discard, p.remote())

	ctx := context.Background()
	start := time.Now()
	require.NoError(t, d.WriteFrame(ctx, CmdSetpoint, "2.000"))
	require.NoError(t, d.WriteFrame(ctx, CmdKp, "3.000"))
	require.NoError(t, d.WriteFrame(ctx, CmdKi, "0.300"))

	assert.GreaterOrEqual(t, time.Since(start), 2*settle-10*time.Millisecond)
}

func TestSerial_WriteFrameContextBound(t *testing.T) {
	d, p := newTestSerial(t, time.Hour)
	require.NoError(t, d.Open())

	go io.Copy(io.Discard, p.remote())

	require.NoError(t, d.WriteFrame(context.Background(), CmdEnable, "1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := d.WriteFrame(ctx, CmdEnable, "0")
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "write", te.Op)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsFault(err), "a settle timeout does not invalidate the connection")

	// A failed write does not affect reads.
	assert.True(t, d.IsOpen())
	_, _, err = d.ReadLine()
	assert.NoError(t, err)
}

func TestIsFault(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("x"), want: false},
		{name: "read EOF", err: &TransportError{Op: "read", Err: io.EOF}, want: true},
		{name: "not connected", err: &TransportError{Op: "write", Err: ErrNotConnected}, want: true},
		{name: "canceled", err: &TransportError{Op: "write", Err: context.Canceled}, want: false},
		{name: "deadline", err: &TransportError{Op: "write", Err: context.DeadlineExceeded}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFault(tt.err))
		})
	}
}

func TestTransportError(t *testing.T) {
	err := &TransportError{Op: "read", Port: "COM6", Err: io.EOF}
	assert.Equal(t, "read COM6: EOF", err.Error())
	assert.ErrorIs(t, err, io.EOF)

	err = &TransportError{Op: "write", Err: ErrNotConnected}
	assert.Equal(t, "write: not connected", err.Error())
}

package session

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itohio/pidscope/pkg/config"
	"github.com/itohio/pidscope/pkg/sample"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("session log closed")

const (
	// DefaultRotateRows is the number of data rows after which a new file is started.
	DefaultRotateRows = 50_000
	// maxNameAttempts bounds the numeric suffix search for a free file name.
	maxNameAttempts = 1000
)

var header = []string{"Time(s)", "Voltage(V)", "Set Point(V)", "Error"}

// Logger records samples and events of one acquisition session to
// tab-separated text files with automatic rotation.
type Logger struct {
	mu        sync.Mutex
	dir       string
	prefix    string
	maxRows   int
	sessionID string
	log       *slog.Logger
	now       func() time.Time

	file     *os.File
	writer   *csv.Writer
	path     string
	lastPath string // previous file, named in the continuation event
	rows     int    // data rows in the current file
	total    int    // data rows in the session
	closed   bool
}

// New creates a session logger. No file is created until the first write
// or an explicit Open.
func New(cfg config.LoggingConfig, logger *slog.Logger) *Logger {
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "data_log"
	}
	if cfg.RotateRows <= 0 {
		cfg.RotateRows = DefaultRotateRows
	}
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()

	return &Logger{
		dir:       cfg.Dir,
		prefix:    cfg.Prefix,
		maxRows:   cfg.RotateRows,
		sessionID: id,
		log:       logger.With("session", id),
		now:       time.Now,
	}
}

// SessionID returns the identifier stamped into continuation events.
func (l *Logger) SessionID() string {
	return l.sessionID
}

// Path returns the file currently written to, or "" before the first write.
func (l *Logger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Rows returns the number of data rows written in this session.
func (l *Logger) Rows() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Open creates the first log file if it does not exist yet.
func (l *Logger) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if l.writer != nil {
		return nil
	}
	return l.openFile(l.now())
}

// Append writes one data row, rotating the file when it is full.
func (l *Logger) Append(s sample.Sample) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	now := l.now()
	if l.writer == nil {
		if err := l.openFile(now); err != nil {
			return err
		}
	} else if l.rows >= l.maxRows {
		if err := l.rotateFile(now); err != nil {
			return err
		}
	}

	row := []string{
		strconv.FormatFloat(s.Elapsed, 'f', 2, 64),
		strconv.FormatFloat(s.Voltage, 'f', 4, 64),
		strconv.FormatFloat(s.Setpoint, 'f', 4, 64),
		strconv.FormatFloat(s.Error, 'f', 4, 64),
	}
	if err := l.writeRow(row); err != nil {
		return err
	}

	l.rows++
	l.total++

	return nil
}

// AppendEvent writes a non-data line "Event: <time> <text>". Events do not
// count towards rotation.
func (l *Logger) AppendEvent(text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	now := l.now()
	if l.writer == nil {
		if err := l.openFile(now); err != nil {
			return err
		}
	}

	return l.writeEvent(now, text)
}

// Close flushes and closes the current file. Further writes fail with ErrClosed.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	return l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	if err := l.closeFile(); err != nil {
		l.log.Warn("closing rotated log file", "error", err)
	}
	return l.openFile(now)
}

// openFile creates a new file with its header. When a previous file exists
// the new one starts with a continuation event naming it.
func (l *Logger) openFile(now time.Time) error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	f, path, err := l.createUnique(now)
	if err != nil {
		return err
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.writer.Comma = '\t'
	l.path = path
	l.rows = 0

	if err := l.writeRow(header); err != nil {
		return err
	}

	l.log.Info("session log opened", "path", path)

	if l.lastPath != "" {
		text := fmt.Sprintf("Log continued from %s (session %s)", filepath.Base(l.lastPath), l.sessionID)
		if err := l.writeEvent(now, text); err != nil {
			return err
		}
	}

	return nil
}

// createUnique creates <prefix>_YYYYmmdd_HHMMSS.txt, adding a numeric suffix
// when a file with that name already exists.
func (l *Logger) createUnique(now time.Time) (*os.File, string, error) {
	base := fmt.Sprintf("%s_%s", l.prefix, now.Format("20060102_150405"))

	for i := 0; i < maxNameAttempts; i++ {
		name := base + ".txt"
		if i > 0 {
			name = fmt.Sprintf("%s_%d.txt", base, i)
		}
		path := filepath.Join(l.dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("create %s: %w", path, err)
		}
	}

	return nil, "", fmt.Errorf("create %s: no free file name", base)
}

// eventEscaper keeps an event on a single line.
var eventEscaper = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", "\t", " ")

// writeEvent writes the event as raw text so csv quoting never applies to it.
func (l *Logger) writeEvent(now time.Time, text string) error {
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		return l.dropFile(err)
	}

	line := fmt.Sprintf("Event: %s %s\n", now.Format(time.RFC3339), eventEscaper.Replace(text))
	if _, err := io.WriteString(l.file, line); err != nil {
		return l.dropFile(err)
	}
	return nil
}

// writeRow writes and flushes one record. On failure the broken file is
// dropped and the next write opens a fresh one.
func (l *Logger) writeRow(row []string) error {
	if err := l.writer.Write(row); err == nil {
		l.writer.Flush()
	}
	if err := l.writer.Error(); err != nil {
		return l.dropFile(err)
	}
	return nil
}

func (l *Logger) dropFile(err error) error {
	path := l.path
	l.file.Close()
	l.file = nil
	l.writer = nil
	l.lastPath = path
	return fmt.Errorf("write %s: %w", path, err)
}

// closeFile flushes, syncs and closes the current file.
func (l *Logger) closeFile() error {
	if l.writer == nil {
		return nil
	}

	l.writer.Flush()
	err := l.writer.Error()
	if serr := l.file.Sync(); err == nil {
		err = serr
	}
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}

	l.lastPath = l.path
	l.file = nil
	l.writer = nil

	return err
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/itohio/pidscope/pkg/config"
	"github.com/itohio/pidscope/pkg/device"
	"github.com/itohio/pidscope/pkg/params"
	"github.com/itohio/pidscope/pkg/sample"
	"github.com/itohio/pidscope/pkg/settings"
)

// SessionLog receives the samples and events of a session.
type SessionLog interface {
	Append(s sample.Sample) error
	AppendEvent(text string) error
	Close() error
}

// Engine runs the acquisition and control loop: it owns the transport
// connection, the rolling window, the safety latch and the session log.
// All methods are safe for concurrent use; Tick must be driven from a
// single goroutine.
type Engine struct {
	cfg     *config.Config
	tr      device.Transport
	params  *params.Channel
	session SessionLog
	log     *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	state       State
	window      *sample.Window
	safety      SafetyState
	stats       Stats
	streamStart time.Time // first successful connect; elapsed time is measured from here
	lastElapsed float64
	nextAttempt time.Time
	retry       *backoff.ExponentialBackOff
	syncAt      time.Time // pending device sync after (re)connect or failed disable; zero if none
	fullSync    bool      // push all parameters rather than only the disable command
	closed      bool

	cbMu            sync.RWMutex
	sampleCallbacks []func(sample.Sample)
	eventCallbacks  []func(Event)
}

// batch collects what a locked section produced; it is delivered to
// subscribers after the lock is released.
type batch struct {
	samples []sample.Sample
	events  []Event
}

// New creates an engine for tr. The saved settings seed the PID
// configuration and window size; values outside the configured limits fall
// back to defaults.
func New(cfg *config.Config, tr device.Transport, session SessionLog, saved settings.Snapshot, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pid, numPoints := restore(cfg.Limits, saved, logger)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.Engine.ReconnectMin
	retry.MaxInterval = cfg.Engine.ReconnectMax
	retry.Multiplier = 2
	retry.RandomizationFactor = 0
	retry.MaxElapsedTime = 0
	retry.Reset()

	return &Engine{
		cfg:     cfg,
		tr:      tr,
		params:  params.New(tr, cfg.Limits, pid, logger),
		session: session,
		log:     logger,
		now:     time.Now,
		state:   Disconnected,
		window:  sample.NewWindow(numPoints),
		retry:   retry,
	}
}

// restore turns saved settings into a PID configuration and window size.
func restore(limits config.LimitsConfig, saved settings.Snapshot, log *slog.Logger) (params.Config, int) {
	def := settings.Default()

	value := func(f params.Field, v, fallback float64) float64 {
		val, err := params.Validate(limits, f, strconv.FormatFloat(v, 'f', -1, 64))
		if err != nil {
			log.Warn("ignoring saved setting", "error", err, "default", fallback)
			return fallback
		}
		return val.Number
	}

	pid := params.Config{
		Setpoint:   value(params.Setpoint, saved.Setpoint, def.Setpoint),
		Kp:         value(params.Kp, saved.Kp, def.Kp),
		Ki:         value(params.Ki, saved.Ki, def.Ki),
		Kd:         value(params.Kd, saved.Kd, def.Kd),
		SampleTime: int(value(params.SampleTime, float64(saved.SampleTime), float64(def.SampleTime))),
		Enabled:    true,
	}

	numPoints := int(value(params.NumPoints, float64(saved.NumPoints), float64(def.NumPoints)))
	numPoints = min(max(numPoints, limits.NumPointsMin), limits.NumPointsMax)

	return pid, numPoints
}

// Run drives Tick at the configured interval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Engine.TickInterval)
	defer ticker.Stop()

	e.Tick(ctx, e.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx, e.now())
		}
	}
}

// Tick runs one bounded iteration of the loop: it either attempts a
// connection or drains at most max_lines_per_tick buffered lines. Failures
// are recorded in Stats and the log, never returned.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	var b batch

	e.syncDevice(ctx, now, &b)

	e.mu.Lock()
	if !e.closed {
		switch e.state {
		case Disconnected:
			e.connect(now, &b)
		case Streaming, SafetyTripped:
			e.drain(ctx, now, &b)
		}
	}
	e.mu.Unlock()

	e.notify(b)
}

func (e *Engine) connect(now time.Time, b *batch) {
	if now.Before(e.nextAttempt) {
		return
	}

	e.state = Connecting
	if err := e.tr.Open(); err != nil {
		e.state = Disconnected
		wait := e.retry.NextBackOff()
		e.nextAttempt = now.Add(wait)
		e.stats.LastError = err.Error()
		e.log.Warn("connect failed", "error", err, "retry_in", wait)
		return
	}

	e.retry.Reset()
	if e.streamStart.IsZero() {
		e.streamStart = now
	} else {
		e.stats.Reconnects++
	}

	e.state = Streaming
	if e.safety.Tripped {
		e.state = SafetyTripped
	}

	e.fullSync = e.cfg.Engine.PushOnConnect
	if e.fullSync || e.safety.Tripped {
		// The controller resets when the port opens; give it time to boot.
		e.syncAt = now.Add(e.cfg.Serial.BootDelay)
	}

	e.log.Info("device connected", "state", e.state.String())
	e.record(b, now, EventConnected, "Device connected")
}

// syncDevice brings the device in line with the local configuration once a
// pending sync is due. It runs outside the engine lock since pushing all
// parameters takes several settle delays.
func (e *Engine) syncDevice(ctx context.Context, now time.Time, b *batch) {
	e.mu.Lock()
	due := !e.syncAt.IsZero() && !now.Before(e.syncAt) && (e.state == Streaming || e.state == SafetyTripped)
	full, tripped := e.fullSync, e.safety.Tripped
	if due {
		e.syncAt = time.Time{}
	}
	e.mu.Unlock()

	if !due {
		return
	}

	var err error
	switch {
	case full:
		wctx, cancel := context.WithTimeout(ctx, time.Duration(len(params.Fields))*e.cfg.Serial.WriteTimeout)
		err = e.params.Push(wctx)
		cancel()
	case tripped:
		wctx, cancel := context.WithTimeout(ctx, e.cfg.Serial.WriteTimeout)
		err = e.params.ForceDisable(wctx)
		cancel()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		e.writeFailed(now, err, b)
		return
	}
	e.fullSync = false
	e.log.Info("device parameters synchronized", "full", full, "tripped", tripped)
}

func (e *Engine) drain(ctx context.Context, now time.Time, b *batch) {
	for i := 0; i < e.cfg.Engine.MaxLinesPerTick; i++ {
		line, ok, err := e.tr.ReadLine()
		if err != nil {
			e.disconnect(now, err, b)
			return
		}
		if !ok {
			return
		}

		e.log.Debug("raw line", "line", line)

		r, err := sample.Parse(line)
		if err != nil {
			e.stats.ParseErrors++
			e.log.Warn("discarding line", "error", err)
			continue
		}

		s := sample.NewSample(e.elapsed(now), r)
		e.window.Push(s)
		e.stats.Samples++
		b.samples = append(b.samples, s)

		if err := e.session.Append(s); err != nil {
			e.stats.LogErrors++
			e.stats.LastError = err.Error()
			e.log.Error("session log write failed", "error", err)
		}

		e.checkTracking(now, s, b)
		e.checkSafety(ctx, now, s, b)

		if e.state == Disconnected {
			return
		}
	}
}

// elapsed returns the stream time at now, never going backwards.
func (e *Engine) elapsed(now time.Time) float64 {
	el := now.Sub(e.streamStart).Seconds()
	if el < e.lastElapsed {
		el = e.lastElapsed
	}
	e.lastElapsed = el
	return el
}

func (e *Engine) checkSafety(ctx context.Context, now time.Time, s sample.Sample, b *batch) {
	bound := e.cfg.Safety.Bound
	if !e.params.Config().Enabled || math.Abs(s.Voltage) <= bound {
		return
	}

	wctx, cancel := context.WithTimeout(ctx, e.cfg.Serial.WriteTimeout)
	err := e.params.ForceDisable(wctx)
	cancel()

	reason := fmt.Sprintf("|%.3f| V > %.3f V", s.Voltage, bound)
	e.safety = SafetyState{Tripped: true, Reason: reason, Time: now, Voltage: s.Voltage}
	e.state = SafetyTripped

	e.log.Error("safety limit exceeded, PID disabled", "voltage", s.Voltage, "bound", bound)
	e.record(b, now, EventSafetyTrip, "Safety Limit exceeded: "+reason+", PID disabled")

	if err != nil {
		e.writeFailed(now, err, b)
	}
}

func (e *Engine) checkTracking(now time.Time, s sample.Sample, b *batch) {
	warn := s.ExceedsFraction(e.cfg.Engine.WarnFraction)
	if warn && !e.stats.TrackingWarning {
		msg := fmt.Sprintf("Tracking error %.4f V exceeds %.0f%% of setpoint %.3f V", s.Error, e.cfg.Engine.WarnFraction*100, s.Setpoint)
		e.log.Warn("tracking error above limit", "error", s.Error, "setpoint", s.Setpoint)
		b.events = append(b.events, Event{Kind: EventTrackingWarning, Time: now, Message: msg})
	}
	e.stats.TrackingWarning = warn
}

// writeFailed handles a failed command write. A faulted connection is
// dropped; otherwise a pending disable is retried on the next tick.
func (e *Engine) writeFailed(now time.Time, err error, b *batch) {
	e.stats.LastError = err.Error()
	e.log.Error("command write failed", "error", err)

	if device.IsFault(err) {
		e.disconnect(now, err, b)
		return
	}
	if e.safety.Tripped && e.syncAt.IsZero() {
		e.syncAt = now
	}
}

func (e *Engine) disconnect(now time.Time, cause error, b *batch) {
	if err := e.tr.Close(); err != nil {
		e.log.Debug("close after failure", "error", err)
	}
	if e.state == Disconnected {
		return
	}

	e.state = Disconnected
	e.syncAt = time.Time{}
	e.nextAttempt = now.Add(e.retry.NextBackOff())
	e.stats.LastError = cause.Error()

	e.log.Warn("device disconnected", "error", cause, "retry_at", e.nextAttempt)
	e.record(b, now, EventDisconnected, "Device disconnected: "+cause.Error())
}

// record emits an event and writes it to the session log.
func (e *Engine) record(b *batch, now time.Time, kind EventKind, msg string) {
	b.events = append(b.events, Event{Kind: kind, Time: now, Message: msg})

	if err := e.session.AppendEvent(msg); err != nil {
		e.stats.LogErrors++
		e.stats.LastError = err.Error()
		e.log.Error("session log write failed", "error", err)
	}
}

// SubmitParameterChange validates and applies an operator change. Applying
// Enabled=1 while the safety latch is set is the explicit re-enable.
// NumPoints resizes the window and is not sent to the device.
func (e *Engine) SubmitParameterChange(ctx context.Context, field params.Field, raw string) (params.Value, error) {
	if field == params.NumPoints {
		n, err := e.SetWindowSize(raw)
		if err != nil {
			return params.Value{}, err
		}
		return params.Value{Field: field, Number: float64(n), Wire: strconv.Itoa(n)}, nil
	}

	wctx, cancel := context.WithTimeout(ctx, e.cfg.Serial.WriteTimeout)
	v, err := e.params.Apply(wctx, field, raw)
	cancel()

	now := e.now()
	var b batch

	e.mu.Lock()
	if err != nil {
		if device.IsFault(err) && e.state != Disconnected {
			e.disconnect(now, err, &b)
		}
	} else {
		e.applied(now, v, &b)
	}
	e.mu.Unlock()

	e.notify(b)

	return v, err
}

func (e *Engine) applied(now time.Time, v params.Value, b *batch) {
	msg := fmt.Sprintf("Parameter %s set to %s", v.Field, v.Wire)

	if v.Field == params.Enabled {
		// A trip that happened while the write was in flight has already
		// disabled the loop again; it stays latched.
		if v.Bool() && e.safety.Tripped && e.params.Config().Enabled {
			e.safety = SafetyState{}
			if e.state == SafetyTripped {
				e.state = Streaming
			}
			e.log.Info("PID re-enabled after safety trip")
			e.record(b, now, EventReenabled, "PID re-enabled by operator after safety trip")
			return
		}

		msg = "PID disabled by operator"
		if v.Bool() {
			msg = "PID enabled by operator"
		}
	}

	e.record(b, now, EventParameter, msg)
}

// Reenable clears the safety latch by enabling the PID loop.
func (e *Engine) Reenable(ctx context.Context) error {
	_, err := e.SubmitParameterChange(ctx, params.Enabled, "1")
	return err
}

// ClearWindow discards all samples in the rolling window.
func (e *Engine) ClearWindow() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.window.Clear()
}

// SetWindowSize validates raw and resizes the rolling window, keeping the
// newest samples.
func (e *Engine) SetWindowSize(raw string) (int, error) {
	v, err := e.params.Validate(params.NumPoints, raw)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.window.Resize(v.Int())
	e.mu.Unlock()

	e.log.Info("window size changed", "points", v.Int())

	return v.Int(), nil
}

// WindowSnapshot returns a copy of the rolling window, oldest first.
func (e *Engine) WindowSnapshot() []sample.Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.window.Snapshot()
}

// Latest returns the newest sample in the rolling window.
func (e *Engine) Latest() (sample.Sample, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.window.Last()
}

// WindowSize returns the rolling window capacity.
func (e *Engine) WindowSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.window.Cap()
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SafetyState returns the latched safety record.
func (e *Engine) SafetyState() SafetyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.safety
}

// Stats returns a copy of the session counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// NextAttempt returns when the next connection attempt is due while disconnected.
func (e *Engine) NextAttempt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextAttempt
}

// Config returns the PID configuration as last issued to the device.
func (e *Engine) Config() params.Config {
	return e.params.Config()
}

// Limits returns the valid parameter ranges.
func (e *Engine) Limits() config.LimitsConfig {
	return e.cfg.Limits
}

// Settings returns the operating parameters to persist.
func (e *Engine) Settings() settings.Snapshot {
	pid := e.params.Config()
	return settings.Snapshot{
		Setpoint:   pid.Setpoint,
		Kp:         pid.Kp,
		Ki:         pid.Ki,
		Kd:         pid.Kd,
		SampleTime: pid.SampleTime,
		NumPoints:  e.WindowSize(),
	}
}

// OnSample registers a callback invoked for every accepted sample. Callbacks
// run on the ticking goroutine without engine locks held and must return quickly.
func (e *Engine) OnSample(cb func(sample.Sample)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.sampleCallbacks = append(e.sampleCallbacks, cb)
}

// OnEvent registers a callback invoked for every engine event.
func (e *Engine) OnEvent(cb func(Event)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.eventCallbacks = append(e.eventCallbacks, cb)
}

func (e *Engine) notify(b batch) {
	if len(b.samples) == 0 && len(b.events) == 0 {
		return
	}

	e.cbMu.RLock()
	sampleCallbacks := slices.Clone(e.sampleCallbacks)
	eventCallbacks := slices.Clone(e.eventCallbacks)
	e.cbMu.RUnlock()

	for _, s := range b.samples {
		for _, cb := range sampleCallbacks {
			if cb != nil {
				cb(s)
			}
		}
	}
	for _, ev := range b.events {
		for _, cb := range eventCallbacks {
			if cb != nil {
				cb(ev)
			}
		}
	}
}

// Close saves the settings, closes the session log and the transport.
// The engine does not tick afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.state = Disconnected
	e.mu.Unlock()

	var errs []error
	if path := e.cfg.Settings.Path; path != "" {
		if err := settings.Save(path, e.Settings()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close session log: %w", err))
	}
	if err := e.tr.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close transport: %w", err))
	}

	return errors.Join(errs...)
}

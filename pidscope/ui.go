package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"

	"github.com/itohio/pidscope/pkg/config"
	"github.com/itohio/pidscope/pkg/engine"
	"github.com/itohio/pidscope/pkg/params"
	"github.com/itohio/pidscope/pkg/sample"
	"github.com/itohio/pidscope/pkg/scope"
)

// updateInterval throttles scope redraws to ~30 FPS.
const updateInterval = 33 * time.Millisecond

// appState holds the application state.
type appState struct {
	cfg        *config.Config
	configPath string
	useMock    bool
	log        *slog.Logger

	window      fyne.Window
	scopeWidget *scope.ScopeWidget
	statusLabel *widget.Label
	currentText *widget.Label
	enableBtn   *widget.Button
	entries     map[params.Field]*widget.Entry

	mu sync.Mutex
	rt *runtime

	// dirty is set by engine callbacks and consumed by refreshLoop.
	dirty atomic.Bool
}

// parameterRows are the operator-editable fields in display order.
var parameterRows = []struct {
	field params.Field
	label string
}{
	{params.Setpoint, "Set Point (V)"},
	{params.Kp, "Kp"},
	{params.Ki, "Ki"},
	{params.Kd, "Kd"},
	{params.SampleTime, "Sample Time (ms)"},
	{params.NumPoints, "Number of Data Points"},
}

// start builds a runtime for the current configuration.
func (s *appState) start() {
	tr := newTransport(s.cfg, s.useMock, s.log)
	rt := startRuntime(s.cfg, tr, s.log, func(eng *engine.Engine) {
		eng.OnSample(func(sample.Sample) { s.dirty.Store(true) })
		eng.OnEvent(func(ev engine.Event) {
			s.dirty.Store(true)
			if ev.Kind == engine.EventSafetyTrip {
				fyne.Do(func() {
					dialog.ShowInformation("Safety Limit",
						ev.Message+"\nCheck the hardware, then press Re-enable PID.", s.window)
				})
			}
		})
	})

	s.mu.Lock()
	s.rt = rt
	s.mu.Unlock()

	s.dirty.Store(true)
}

// restart replaces the runtime after a configuration change. next must be a
// fresh copy; the running engine keeps reading the old one until stopped.
func (s *appState) restart(next *config.Config) {
	s.mu.Lock()
	old := s.rt
	s.rt = nil
	s.mu.Unlock()

	if err := old.stop(); err != nil {
		s.log.Error("failed to stop engine", "error", err)
	}

	s.cfg = next
	s.scopeWidget.SetBound(next.Safety.Bound)
	s.start()
}

// shutdown stops the engine; the session log is flushed and settings saved.
func (s *appState) shutdown() {
	s.mu.Lock()
	rt := s.rt
	s.rt = nil
	s.mu.Unlock()

	if err := rt.stop(); err != nil {
		s.log.Error("shutdown failed", "error", err)
	}
}

func (s *appState) engine() *engine.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rt == nil {
		return nil
	}
	return s.rt.engine
}

// refreshLoop pushes engine state to the widgets when something changed.
func (s *appState) refreshLoop() {
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()

	for range ticker.C {
		if !s.dirty.Swap(false) {
			continue
		}
		eng := s.engine()
		if eng == nil {
			continue
		}

		samples := eng.WindowSnapshot()
		safety := eng.SafetyState()
		stats := eng.Stats()
		cfg := eng.Config()
		engState := eng.State()
		numPoints := eng.WindowSize()
		next := eng.NextAttempt()

		status := scope.Status{
			Tripped: safety.Tripped,
			Reason:  safety.Reason,
			Warning: stats.TrackingWarning,
		}

		fyne.Do(func() {
			s.scopeWidget.UpdateData(samples, status)
			s.statusLabel.SetText(statusText(engState, stats, next))
			s.currentText.SetText(fmt.Sprintf(
				"Set Point: %.3f V   Kp: %.3f   Ki: %.3f   Kd: %.3f   Sample Time: %d ms   Points: %d",
				cfg.Setpoint, cfg.Kp, cfg.Ki, cfg.Kd, cfg.SampleTime, numPoints))
			updateEnableButton(s.enableBtn, cfg.Enabled, safety.Tripped)
		})
	}
}

func statusText(st engine.State, stats engine.Stats, next time.Time) string {
	text := fmt.Sprintf("%s   samples: %d   parse errors: %d   reconnects: %d",
		st, stats.Samples, stats.ParseErrors, stats.Reconnects)
	if st == engine.Disconnected && !next.IsZero() {
		text += "   retry at " + next.Format(time.TimeOnly)
	}
	if stats.LastError != "" {
		text += "   last error: " + stats.LastError
	}
	return text
}

// createToolbar creates the toolbar with Settings, Clear Graph and the PID enable toggle.
func createToolbar(state *appState) fyne.CanvasObject {
	settingsBtn := widget.NewButtonWithIcon("", theme.SettingsIcon(), func() {
		showSettingsDialog(state)
	})

	clearBtn := widget.NewButtonWithIcon("Clear Graph", theme.DeleteIcon(), func() {
		if eng := state.engine(); eng != nil {
			eng.ClearWindow()
			state.dirty.Store(true)
		}
	})

	state.enableBtn = widget.NewButton("Disable PID", func() {
		handleEnableToggle(state)
	})

	state.statusLabel = widget.NewLabel("Disconnected")

	return container.NewBorder(
		nil, // top
		nil, // bottom
		container.NewHBox(settingsBtn, clearBtn), // left
		state.enableBtn,                          // right
		state.statusLabel,                        // center
	)
}

// createControls creates the current settings line and one entry with an
// Update button per parameter.
func createControls(state *appState) fyne.CanvasObject {
	state.currentText = widget.NewLabel("")
	state.entries = make(map[params.Field]*widget.Entry, len(parameterRows))

	grid := container.NewGridWithColumns(len(parameterRows))
	for _, row := range parameterRows {
		entry := widget.NewEntry()
		entry.SetPlaceHolder(row.label)
		state.entries[row.field] = entry

		field := row.field
		submit := func() { handleParameterUpdate(state, field) }
		entry.OnSubmitted = func(string) { submit() }

		grid.Add(container.NewVBox(
			widget.NewLabel(row.label),
			entry,
			widget.NewButton("Update", submit),
		))
	}

	return container.NewVBox(state.currentText, grid)
}

// handleParameterUpdate submits the entry text of field. Frame writes wait
// for the settle delay, so the engine call runs off the UI thread.
func handleParameterUpdate(state *appState, field params.Field) {
	eng := state.engine()
	if eng == nil {
		return
	}
	entry := state.entries[field]
	raw := entry.Text

	go func() {
		_, err := eng.SubmitParameterChange(context.Background(), field, raw)
		state.dirty.Store(true)

		fyne.Do(func() {
			if err != nil {
				dialog.ShowError(err, state.window)
				return
			}
			entry.SetText("")
		})
	}()
}

// handleEnableToggle flips the PID enable flag. While the safety latch is
// set this is the explicit re-enable.
func handleEnableToggle(state *appState) {
	eng := state.engine()
	if eng == nil {
		return
	}

	value := "1"
	if eng.Config().Enabled {
		value = "0"
	}

	go func() {
		_, err := eng.SubmitParameterChange(context.Background(), params.Enabled, value)
		state.dirty.Store(true)
		if err != nil {
			fyne.Do(func() {
				dialog.ShowError(fmt.Errorf("failed to switch PID: %w", err), state.window)
			})
		}
	}()
}

// updateEnableButton updates the toggle's label and importance.
func updateEnableButton(btn *widget.Button, enabled, tripped bool) {
	switch {
	case tripped:
		btn.SetText("Re-enable PID")
		btn.Importance = widget.DangerImportance
	case enabled:
		btn.SetText("Disable PID")
		btn.Importance = widget.MediumImportance
	default:
		btn.SetText("Enable PID")
		btn.Importance = widget.HighImportance
	}
	btn.Refresh()
}

package main

import (
	"fmt"
	"strconv"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"

	"github.com/itohio/pidscope/pkg/config"
	"github.com/itohio/pidscope/pkg/device"
)

// showSettingsDialog displays a settings dialog with tabs for the
// configuration sections that require reconnecting.
func showSettingsDialog(state *appState) {
	tabs := container.NewAppTabs(
		createSerialTab(state),
		createSafetyTab(state),
		createLoggingTab(state),
		createMockTab(state),
	)

	content := container.NewBorder(nil, nil, nil, nil, tabs)
	content.Resize(fyne.NewSize(600, 400))

	d := dialog.NewCustom("Settings", "Close", content, state.window)
	d.Resize(fyne.NewSize(600, 400))
	d.Show()
}

// applyConfig saves a modified copy of the configuration and restarts the
// engine with it.
func applyConfig(state *appState, modify func(c *config.Config)) {
	next := *state.cfg
	modify(&next)

	if err := next.Save(state.configPath); err != nil {
		dialog.ShowError(fmt.Errorf("failed to save config: %w", err), state.window)
		return
	}

	state.restart(&next)
}

// createSerialTab creates the Serial configuration tab.
func createSerialTab(state *appState) *container.TabItem {
	ports, err := device.Ports()
	if err != nil {
		state.log.Warn("port enumeration failed", "error", err)
	}

	portOptions := []string{}
	portMap := make(map[string]string) // Map display name to actual port name
	for _, port := range ports {
		portOptions = append(portOptions, port.Description)
		portMap[port.Description] = port.Name
	}

	// Add current port if not in list
	currentPort := state.cfg.Serial.Port
	currentDisplay := ""
	for _, opt := range portOptions {
		if portMap[opt] == currentPort {
			currentDisplay = opt
			break
		}
	}
	if currentDisplay == "" && currentPort != "" {
		portOptions = append(portOptions, currentPort)
		portMap[currentPort] = currentPort
		currentDisplay = currentPort
	}

	portSelect := widget.NewSelect(portOptions, nil)
	if currentDisplay != "" {
		portSelect.SetSelected(currentDisplay)
	}

	baudEntry := widget.NewEntry()
	baudEntry.SetText(strconv.Itoa(state.cfg.Serial.BaudRate))

	settleEntry := widget.NewEntry()
	settleEntry.SetText(state.cfg.Serial.SettleDelay.String())

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Serial Port", Widget: portSelect},
			{Text: "Baud Rate", Widget: baudEntry},
			{Text: "Settle Delay", Widget: settleEntry},
		},
		OnSubmit: func() {
			applyConfig(state, func(c *config.Config) {
				if portSelect.Selected != "" {
					selected := portMap[portSelect.Selected]
					if selected == "" {
						selected = portSelect.Selected
					}
					c.Serial.Port = selected
				}
				if baud, err := strconv.Atoi(baudEntry.Text); err == nil && baud > 0 {
					c.Serial.BaudRate = baud
				}
				if d, err := time.ParseDuration(settleEntry.Text); err == nil && d >= 0 {
					c.Serial.SettleDelay = d
				}
			})
		},
	}

	return container.NewTabItem("Serial", form)
}

// createSafetyTab creates the Safety configuration tab.
func createSafetyTab(state *appState) *container.TabItem {
	boundEntry := widget.NewEntry()
	boundEntry.SetText(fmt.Sprintf("%.3f", state.cfg.Safety.Bound))

	warnEntry := widget.NewEntry()
	warnEntry.SetText(fmt.Sprintf("%.2f", state.cfg.Engine.WarnFraction*100))

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Safety Bound (V)", Widget: boundEntry},
			{Text: "Tracking Warning (%)", Widget: warnEntry},
		},
		OnSubmit: func() {
			applyConfig(state, func(c *config.Config) {
				if b, err := strconv.ParseFloat(boundEntry.Text, 64); err == nil && b > 0 {
					c.Safety.Bound = b
				}
				if w, err := strconv.ParseFloat(warnEntry.Text, 64); err == nil && w >= 0 {
					c.Engine.WarnFraction = w / 100
				}
			})
		},
	}

	return container.NewTabItem("Safety", form)
}

// createLoggingTab creates the session log configuration tab.
func createLoggingTab(state *appState) *container.TabItem {
	dirEntry := widget.NewEntry()
	dirEntry.SetText(state.cfg.Logging.Dir)

	prefixEntry := widget.NewEntry()
	prefixEntry.SetText(state.cfg.Logging.Prefix)

	rowsEntry := widget.NewEntry()
	rowsEntry.SetText(strconv.Itoa(state.cfg.Logging.RotateRows))

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Directory", Widget: dirEntry},
			{Text: "File Prefix", Widget: prefixEntry},
			{Text: "Rows per File", Widget: rowsEntry},
		},
		OnSubmit: func() {
			applyConfig(state, func(c *config.Config) {
				if dirEntry.Text != "" {
					c.Logging.Dir = dirEntry.Text
				}
				if prefixEntry.Text != "" {
					c.Logging.Prefix = prefixEntry.Text
				}
				if n, err := strconv.Atoi(rowsEntry.Text); err == nil && n > 0 {
					c.Logging.RotateRows = n
				}
			})
		},
	}

	return container.NewTabItem("Logging", form)
}

// createMockTab creates the simulated device configuration tab.
func createMockTab(state *appState) *container.TabItem {
	gainEntry := widget.NewEntry()
	gainEntry.SetText(fmt.Sprintf("%.3f", state.cfg.Mock.Gain))

	tauEntry := widget.NewEntry()
	tauEntry.SetText(state.cfg.Mock.TimeConstant.String())

	noiseEntry := widget.NewEntry()
	noiseEntry.SetText(fmt.Sprintf("%.4f", state.cfg.Mock.NoiseLevel))

	form := &widget.Form{
		Items: []*widget.FormItem{
			{Text: "Plant Gain (V)", Widget: gainEntry},
			{Text: "Time Constant", Widget: tauEntry},
			{Text: "Noise Level (V)", Widget: noiseEntry},
		},
		OnSubmit: func() {
			applyConfig(state, func(c *config.Config) {
				if g, err := strconv.ParseFloat(gainEntry.Text, 64); err == nil && g > 0 {
					c.Mock.Gain = g
				}
				if d, err := time.ParseDuration(tauEntry.Text); err == nil && d > 0 {
					c.Mock.TimeConstant = d
				}
				if n, err := strconv.ParseFloat(noiseEntry.Text, 64); err == nil && n >= 0 {
					c.Mock.NoiseLevel = n
				}
			})
		},
	}

	return container.NewTabItem("Mock", form)
}

package scope

import (
	"fmt"
	"image/color"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"

	"github.com/itohio/pidscope/pkg/sample"
)

var (
	gridColor     = color.RGBA{R: 40, G: 40, B: 40, A: 255}
	labelColor    = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	voltageColor  = color.RGBA{R: 230, G: 40, B: 40, A: 255}
	setpointColor = color.RGBA{R: 60, G: 120, B: 255, A: 255}
	boundColor    = color.RGBA{R: 120, G: 60, B: 0, A: 255}
	warnColor     = color.RGBA{R: 255, G: 165, B: 0, A: 255}
	bannerColor   = color.RGBA{R: 160, G: 0, B: 0, A: 220}
)

// scopeRenderer renders the scope widget.
type scopeRenderer struct {
	scope *ScopeWidget

	// Background
	grid *canvas.Rectangle

	// Objects list for Fyne
	objects []fyne.CanvasObject

	// Track last size to detect changes
	lastSize fyne.Size
}

// MinSize returns the minimum size of the widget.
func (r *scopeRenderer) MinSize() fyne.Size {
	return fyne.NewSize(400, 300)
}

// Layout arranges the widget components.
func (r *scopeRenderer) Layout(size fyne.Size) {
	r.grid.Resize(size)

	if r.lastSize != size {
		r.lastSize = size
		r.scope.BaseWidget.Refresh()
	}
}

// Refresh rebuilds the canvas objects from the current data.
func (r *scopeRenderer) Refresh() {
	r.scope.mu.RLock()
	samples := r.scope.displaySamples
	status := r.scope.status
	axes := r.scope.axes
	bound := r.scope.bound
	r.scope.mu.RUnlock()

	size := r.scope.Size()
	if size.Width == 0 || size.Height == 0 {
		return
	}

	r.objects = []fyne.CanvasObject{r.grid}

	marginLeft := float32(60.0)
	marginRight := float32(20.0)
	marginTop := float32(30.0)
	marginBottom := float32(40.0)

	plot := plotArea{
		x: marginLeft,
		y: marginTop,
		w: size.Width - marginLeft - marginRight,
		h: size.Height - marginTop - marginBottom,
	}
	if plot.w <= 0 || plot.h <= 0 {
		return
	}

	r.drawGrid(plot, axes)
	r.drawBounds(plot, axes, bound)

	if len(samples) > 1 {
		r.drawTrace(plot, axes, samples, func(s sample.Sample) float64 { return s.Setpoint }, setpointColor, 1.5)
		r.drawTrace(plot, axes, samples, func(s sample.Sample) float64 { return s.Voltage }, voltageColor, 1.5)
	}

	r.drawLegend(plot, samples, status)

	if status.Tripped {
		r.drawBanner(plot, status.Reason)
	}
}

type plotArea struct {
	x, y, w, h float32
}

// drawGrid draws the oscilloscope-style grid with voltage and time labels.
func (r *scopeRenderer) drawGrid(p plotArea, a Axes) {
	for _, v := range Ticks(a.YMin, a.YMax, 8) {
		y := p.y + a.Y(v, p.h)
		r.line(gridColor, 1, p.x, y, p.x+p.w, y)

		text := canvas.NewText(fmt.Sprintf("%.2fV", v), labelColor)
		text.TextSize = 10
		text.Alignment = fyne.TextAlignTrailing
		text.Move(fyne.NewPos(p.x-5, y-6))
		r.objects = append(r.objects, text)
	}

	for _, t := range Ticks(a.XMin, a.XMax, 10) {
		x := p.x + a.X(t, p.w)
		r.line(gridColor, 1, x, p.y, x, p.y+p.h)

		text := canvas.NewText(fmt.Sprintf("%gs", t), labelColor)
		text.TextSize = 10
		text.Alignment = fyne.TextAlignCenter
		text.Move(fyne.NewPos(x-20, p.y+p.h+5))
		r.objects = append(r.objects, text)
	}
}

// drawBounds draws the safety limits when they fall inside the voltage axis.
func (r *scopeRenderer) drawBounds(p plotArea, a Axes, bound float32) {
	if bound <= 0 {
		return
	}
	for _, v := range []float32{bound, -bound} {
		if !a.Contains(v) {
			continue
		}
		y := p.y + a.Y(v, p.h)
		r.line(boundColor, 1, p.x, y, p.x+p.w, y)
	}
}

func (r *scopeRenderer) drawTrace(p plotArea, a Axes, samples []sample.Sample, value func(sample.Sample) float64, c color.Color, width float32) {
	prev := fyne.NewPos(p.x+a.X(float32(samples[0].Elapsed), p.w), p.y+a.Y(float32(value(samples[0])), p.h))
	for _, s := range samples[1:] {
		pos := fyne.NewPos(p.x+a.X(float32(s.Elapsed), p.w), p.y+a.Y(float32(value(s)), p.h))
		r.line(c, width, prev.X, prev.Y, pos.X, pos.Y)
		prev = pos
	}
}

// drawLegend labels the traces with the newest values above the plot.
func (r *scopeRenderer) drawLegend(p plotArea, samples []sample.Sample, status Status) {
	actual, setpoint, errText := "Actual: -", "Set Point: -", "Error: -"
	if n := len(samples); n > 0 {
		last := samples[n-1]
		actual = fmt.Sprintf("Actual: %.3fV", last.Voltage)
		setpoint = fmt.Sprintf("Set Point: %.3fV", last.Setpoint)
		errText = fmt.Sprintf("Error: %+.4fV", last.Error)
	}

	errColor := color.Color(labelColor)
	if status.Warning {
		errColor = warnColor
	}

	x := p.x
	for _, l := range []struct {
		text string
		c    color.Color
	}{
		{actual, voltageColor},
		{setpoint, setpointColor},
		{errText, errColor},
	} {
		text := canvas.NewText(l.text, l.c)
		text.TextSize = 12
		text.Move(fyne.NewPos(x, p.y-22))
		r.objects = append(r.objects, text)
		x += 150
	}
}

// drawBanner overlays the safety trip notice.
func (r *scopeRenderer) drawBanner(p plotArea, reason string) {
	bg := canvas.NewRectangle(bannerColor)
	bg.Move(fyne.NewPos(p.x, p.y))
	bg.Resize(fyne.NewSize(p.w, 28))
	r.objects = append(r.objects, bg)

	msg := "SAFETY LIMIT EXCEEDED: PID disabled"
	if reason != "" {
		msg += " (" + reason + ")"
	}
	text := canvas.NewText(msg, color.White)
	text.TextSize = 14
	text.TextStyle = fyne.TextStyle{Bold: true}
	text.Move(fyne.NewPos(p.x+10, p.y+5))
	r.objects = append(r.objects, text)
}

func (r *scopeRenderer) line(c color.Color, width, x1, y1, x2, y2 float32) {
	line := canvas.NewLine(c)
	line.Position1 = fyne.NewPos(x1, y1)
	line.Position2 = fyne.NewPos(x2, y2)
	line.StrokeWidth = width
	r.objects = append(r.objects, line)
}

// Objects returns all canvas objects for rendering.
func (r *scopeRenderer) Objects() []fyne.CanvasObject {
	return r.objects
}

// Destroy cleans up resources.
func (r *scopeRenderer) Destroy() {}

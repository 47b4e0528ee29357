package scope

import (
	"image/color"
	"sync"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/widget"
	"github.com/chewxy/math32"

	"github.com/itohio/pidscope/pkg/sample"
)

// minSpan is the smallest time axis shown, in seconds.
const minSpan = 10

// Status is the control state shown next to the traces.
type Status struct {
	Tripped bool   // Safety latch set; a banner is drawn over the plot
	Reason  string // Trip reason for the banner
	Warning bool   // Tracking error above the warning fraction
}

// ScopeWidget is a custom Fyne widget that plots the actual voltage and the
// setpoint of the rolling window against elapsed time.
type ScopeWidget struct {
	widget.BaseWidget

	// Data (protected by mu)
	mu             sync.RWMutex
	bound          float32 // Safety bound drawn as guide lines (0 = none)
	displaySamples []sample.Sample
	status         Status
	axes           Axes

	maxDisplayPoints int
}

// New creates a new ScopeWidget. bound is the safety limit in volts.
func New(bound float64) *ScopeWidget {
	s := &ScopeWidget{
		bound:            float32(bound),
		displaySamples:   make([]sample.Sample, 0, 1000),
		axes:             AxesFor(nil),
		maxDisplayPoints: 1000, // Limit points for efficient rendering
	}
	s.ExtendBaseWidget(s)
	s.Refresh()
	return s
}

// UpdateData replaces the plotted samples and status.
// It must be called on the Fyne main thread, e.g. via fyne.Do().
func (s *ScopeWidget) UpdateData(samples []sample.Sample, status Status) {
	s.mu.Lock()
	s.displaySamples = sample.DownsampleSamples(s.displaySamples, samples, s.maxDisplayPoints)
	s.status = status
	s.axes = AxesFor(s.displaySamples)
	s.mu.Unlock()

	// Refresh the widget (must be outside lock to avoid potential deadlock)
	s.Refresh()
}

// SetBound changes the safety bound guide lines.
func (s *ScopeWidget) SetBound(bound float64) {
	s.mu.Lock()
	s.bound = float32(bound)
	s.mu.Unlock()

	s.Refresh()
}

// Axes is the data range mapped onto the plot area.
type Axes struct {
	XMin, XMax float32 // Elapsed seconds
	YMin, YMax float32 // Volts
}

// AxesFor computes the plot range of samples: the time axis spans the window
// (at least minSpan seconds) and the voltage axis covers both traces with a
// 10% margin.
func AxesFor(samples []sample.Sample) Axes {
	if len(samples) == 0 {
		return Axes{XMin: 0, XMax: minSpan, YMin: 0, YMax: 5}
	}

	a := Axes{
		XMin: float32(samples[0].Elapsed),
		XMax: float32(samples[len(samples)-1].Elapsed),
		YMin: math32.Inf(1),
		YMax: math32.Inf(-1),
	}
	if a.XMax-a.XMin < minSpan {
		a.XMax = a.XMin + minSpan
	}

	for _, smp := range samples {
		v, sp := float32(smp.Voltage), float32(smp.Setpoint)
		a.YMin = math32.Min(a.YMin, math32.Min(v, sp))
		a.YMax = math32.Max(a.YMax, math32.Max(v, sp))
	}

	span := a.YMax - a.YMin
	if span == 0 {
		span = 1
	}
	margin := span * 0.1
	a.YMin -= margin
	a.YMax += margin

	return a
}

// X maps elapsed seconds onto [0, width].
func (a Axes) X(elapsed float32, width float32) float32 {
	return (elapsed - a.XMin) / (a.XMax - a.XMin) * width
}

// Y maps volts onto [height, 0]; larger values are higher on screen.
func (a Axes) Y(v float32, height float32) float32 {
	return height - (v-a.YMin)/(a.YMax-a.YMin)*height
}

// Contains reports whether v lies within the voltage axis.
func (a Axes) Contains(v float32) bool {
	return v >= a.YMin && v <= a.YMax
}

// TickStep returns a 1-2-5 grid step giving about n divisions of span.
func TickStep(span float32, n int) float32 {
	if span <= 0 || n <= 0 {
		return 1
	}

	raw := span / float32(n)
	mag := math32.Pow(10, math32.Floor(math32.Log10(raw)))
	switch frac := raw / mag; {
	case frac <= 1:
		return mag
	case frac <= 2:
		return 2 * mag
	case frac <= 5:
		return 5 * mag
	}
	return 10 * mag
}

// maxTicks bounds the grid lines when the step is lost to float32 rounding.
const maxTicks = 50

// Ticks returns the grid positions in [lo, hi] for about n divisions.
func Ticks(lo, hi float32, n int) []float32 {
	step := TickStep(hi-lo, n)
	var ticks []float32
	for i := math32.Ceil(lo / step); len(ticks) < maxTicks; i++ {
		v := i * step
		if v > hi {
			break
		}
		ticks = append(ticks, v)
	}
	return ticks
}

// CreateRenderer creates the widget renderer.
func (s *ScopeWidget) CreateRenderer() fyne.WidgetRenderer {
	grid := canvas.NewRectangle(color.RGBA{R: 20, G: 20, B: 20, A: 255}) // Dark background
	return &scopeRenderer{
		scope:   s,
		grid:    grid,
		objects: []fyne.CanvasObject{grid},
	}
}

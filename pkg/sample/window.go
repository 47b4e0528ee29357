package sample

// Window is a fixed-capacity FIFO of the most recent samples. When full,
// pushing evicts the oldest sample. Window is not safe for concurrent use;
// the owner serializes access.
type Window struct {
	buf  []Sample
	head int // index of the oldest sample
	n    int
}

// NewWindow creates a window holding at most capacity samples.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]Sample, capacity)}
}

// Push appends s, evicting the oldest sample when the window is full.
func (w *Window) Push(s Sample) {
	if w.n < len(w.buf) {
		w.buf[(w.head+w.n)%len(w.buf)] = s
		w.n++
		return
	}
	w.buf[w.head] = s
	w.head = (w.head + 1) % len(w.buf)
}

// Len returns the number of samples held.
func (w *Window) Len() int {
	return w.n
}

// Cap returns the window capacity.
func (w *Window) Cap() int {
	return len(w.buf)
}

// Last returns the newest sample.
func (w *Window) Last() (Sample, bool) {
	if w.n == 0 {
		return Sample{}, false
	}
	return w.buf[(w.head+w.n-1)%len(w.buf)], true
}

// Snapshot returns a copy of the samples, oldest first.
func (w *Window) Snapshot() []Sample {
	return w.AppendTo(make([]Sample, 0, w.n))
}

// AppendTo appends the samples, oldest first, to dst.
func (w *Window) AppendTo(dst []Sample) []Sample {
	first := w.buf[w.head:min(w.head+w.n, len(w.buf))]
	dst = append(dst, first...)
	if rest := w.n - len(first); rest > 0 {
		dst = append(dst, w.buf[:rest]...)
	}
	return dst
}

// Clear removes all samples.
func (w *Window) Clear() {
	clear(w.buf)
	w.head = 0
	w.n = 0
}

// Resize changes the capacity. Shrinking keeps the newest samples.
func (w *Window) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	if capacity == len(w.buf) {
		return
	}

	samples := w.Snapshot()
	if len(samples) > capacity {
		samples = samples[len(samples)-capacity:]
	}

	w.buf = make([]Sample, capacity)
	copy(w.buf, samples)
	w.head = 0
	w.n = len(samples)
}

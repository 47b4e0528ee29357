package sample

// DownsampleSamples downsamples a slice of samples to a maximum number of points.
// Uses simple decimation to reduce the number of points for display; the
// newest sample is always kept so the trace ends at the latest reading.
// Destination-based: reuses dst if it has sufficient capacity, otherwise allocates new.
// Returns the destination slice (may be dst if reused, or a new slice if dst was too small).
// If len(samples) <= maxPoints, copies all samples to dst (or allocates if dst is nil/too small).
func DownsampleSamples(dst []Sample, samples []Sample, maxPoints int) []Sample {
	if maxPoints <= 0 {
		return dst[:0]
	}
	if len(samples) <= maxPoints {
		// Need to copy all samples
		if cap(dst) >= len(samples) {
			dst = dst[:len(samples)]
			copy(dst, samples)
			return dst
		}
		// dst too small, allocate new
		result := make([]Sample, len(samples))
		copy(result, samples)
		return result
	}

	// Need to downsample
	if cap(dst) >= maxPoints {
		// Reuse dst
		dst = dst[:0] // Reset length but keep capacity
	} else {
		// Allocate new slice
		dst = make([]Sample, 0, maxPoints)
	}

	// Calculate step size for decimation
	step := float64(len(samples)) / float64(maxPoints)

	for i := 0; i < maxPoints; i++ {
		idx := int(float64(i) * step)
		if idx < len(samples) {
			dst = append(dst, samples[idx])
		}
	}
	if len(dst) > 0 {
		dst[len(dst)-1] = samples[len(samples)-1]
	}

	return dst
}

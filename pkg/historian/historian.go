// Package historian gates which samples of a time series are actually
// stored, per spec.md §4.7: NONE, DEADBAND, BOXCAR and SWINGING_DOOR.
package historian

import (
	"fmt"
	"math"
)

// Algorithm selects the compression gating strategy for one tag.
type Algorithm uint8

const (
	AlgorithmNone Algorithm = iota
	AlgorithmDeadband
	AlgorithmBoxcar
	AlgorithmSwingingDoor
)

// boxcarCeilingMs is the hardcoded periodic-store ceiling for BOXCAR, per
// spec.md §9's second open question — kept fixed rather than made
// per-tag configurable, matching the source this spec was distilled from.
const boxcarCeilingMs = 60_000

// Quality mirrors the cyclic layer's sensor quality byte; the historian
// only needs to compare two qualities to pick the worse one during
// interpolation, so it is reduced to a simple ordinal here rather than
// importing pkg/cyclic.
type Quality uint8

const (
	QualityGood Quality = iota
	QualityUncertain
	QualityBad
	QualityNotConnected
)

// worseOf returns whichever quality indicates less trustworthy data.
func worseOf(a, b Quality) Quality {
	if b > a {
		return b
	}
	return a
}

// Sample is one time-series input point.
type Sample struct {
	TimeMs  int64
	Value   float64
	Quality Quality
}

// Compressor gates one tag's samples per its configured Algorithm. Not
// safe for concurrent use — one Compressor instance per tag, owned by its
// historian loop goroutine.
type Compressor struct {
	algorithm Algorithm
	deadband  float64

	samplesIn  uint64
	samplesOut uint64

	hasLast bool
	last    Sample

	hasLastInput bool
	lastInputMs  int64

	pending    Sample // for SWINGING_DOOR: the sample not yet decided
	hasPending bool
	slopeMin   float64
	slopeMax   float64
}

// New creates a Compressor for the given algorithm and deadband (ignored
// by AlgorithmNone).
func New(algorithm Algorithm, deadband float64) *Compressor {
	return &Compressor{algorithm: algorithm, deadband: deadband}
}

// CompressionRatio returns samples_out / samples_in, 1.0 when no input has
// been seen yet.
func (c *Compressor) CompressionRatio() float64 {
	if c.samplesIn == 0 {
		return 1.0
	}
	return float64(c.samplesOut) / float64(c.samplesIn)
}

// SamplesIn/SamplesOut expose the raw counters for diagnostics and tests.
func (c *Compressor) SamplesIn() uint64  { return c.samplesIn }
func (c *Compressor) SamplesOut() uint64 { return c.samplesOut }

// Push feeds one sample through the configured gate, returning the
// samples that should actually be stored as a result: zero or one, and
// always the sample just pushed. For SWINGING_DOOR that is the sample that
// closes the door; a point still pending is only returned by Flush.
func (c *Compressor) Push(s Sample) []Sample {
	c.samplesIn++

	if c.algorithm == AlgorithmSwingingDoor {
		if c.hasLastInput && s.TimeMs-c.lastInputMs <= 0 {
			// dt <= 0: counted above, never stored.
			return nil
		}
		c.hasLastInput = true
		c.lastInputMs = s.TimeMs
	}

	if !c.hasLast {
		c.hasLast = true
		c.last = s
		c.samplesOut++
		c.hasPending = false
		return []Sample{s}
	}

	switch c.algorithm {
	case AlgorithmNone:
		c.store(s)
		return []Sample{s}
	case AlgorithmDeadband:
		if math.Abs(s.Value-c.last.Value) > c.deadband {
			c.store(s)
			return []Sample{s}
		}
		return nil
	case AlgorithmBoxcar:
		if math.Abs(s.Value-c.last.Value) > c.deadband || s.TimeMs-c.last.TimeMs >= boxcarCeilingMs {
			c.store(s)
			return []Sample{s}
		}
		return nil
	case AlgorithmSwingingDoor:
		return c.pushSwingingDoor(s)
	default:
		return nil
	}
}

func (c *Compressor) store(s Sample) {
	c.last = s
	c.samplesOut++
}

// pushSwingingDoor implements spec.md §4.7's door-narrowing algorithm: a
// pair of slope bounds (slope_min, slope_max) is maintained from the last
// stored point (the door's anchor) through the +-deadband window around
// each new, not-yet-stored point, narrowing on every sample. Once a new
// point's slope bounds no longer overlap the accumulated window
// (slope_max < slope_min), the door has closed: that point itself is
// stored as the corner where the trend broke, and becomes the anchor for
// a fresh window. A point left pending when the stream ends (no closing
// sample arrived to flush it) is recovered with Flush.
func (c *Compressor) pushSwingingDoor(s Sample) []Sample {
	if !c.hasPending {
		c.pending = s
		c.hasPending = true
		c.slopeMin = math.Inf(-1)
		c.slopeMax = math.Inf(1)
		c.narrowBounds(s)
		return nil
	}

	dt := float64(s.TimeMs - c.last.TimeMs)
	upperSlope := ((s.Value + c.deadband) - c.last.Value) / dt
	lowerSlope := ((s.Value - c.deadband) - c.last.Value) / dt
	newMax := math.Min(c.slopeMax, upperSlope)
	newMin := math.Max(c.slopeMin, lowerSlope)

	if newMax < newMin {
		c.store(s)
		c.hasPending = false
		return []Sample{s}
	}

	c.slopeMin, c.slopeMax = newMin, newMax
	c.pending = s
	return nil
}

func (c *Compressor) narrowBounds(s Sample) {
	dt := float64(s.TimeMs - c.last.TimeMs)
	if dt <= 0 {
		return
	}
	upperSlope := ((s.Value + c.deadband) - c.last.Value) / dt
	lowerSlope := ((s.Value - c.deadband) - c.last.Value) / dt
	c.slopeMax = math.Min(c.slopeMax, upperSlope)
	c.slopeMin = math.Max(c.slopeMin, lowerSlope)
}

// Flush stores a SWINGING_DOOR compressor's still-pending sample, if any
// (the last point of an unbroken trend, never confirmed by a closing
// sample). A no-op for the other algorithms, which never defer a store.
func (c *Compressor) Flush() []Sample {
	if c.algorithm != AlgorithmSwingingDoor || !c.hasPending {
		return nil
	}
	s := c.pending
	c.store(s)
	c.hasPending = false
	return []Sample{s}
}

// ForceStore bypasses gating entirely, used on quality transitions per
// spec.md §4.7.
func (c *Compressor) ForceStore(s Sample) []Sample {
	c.samplesIn++
	c.store(s)
	c.hasLast = true
	if c.algorithm == AlgorithmSwingingDoor {
		c.hasPending = false
		c.hasLastInput = true
		c.lastInputMs = s.TimeMs
	}
	return []Sample{s}
}

// Interpolate reconstructs a regular-interval series from stored samples
// by linear interpolation, clamping to the last value past the end of the
// input and taking the worse of the bracketing samples' quality.
func Interpolate(stored []Sample, intervalMs int64, startMs, endMs int64) ([]Sample, error) {
	if intervalMs <= 0 {
		return nil, fmt.Errorf("historian: interval must be positive")
	}
	if len(stored) == 0 {
		return nil, fmt.Errorf("historian: no stored samples to interpolate from")
	}
	var out []Sample
	for t := startMs; t <= endMs; t += intervalMs {
		out = append(out, interpolateAt(stored, t))
	}
	return out, nil
}

func interpolateAt(stored []Sample, t int64) Sample {
	if t <= stored[0].TimeMs {
		return Sample{TimeMs: t, Value: stored[0].Value, Quality: stored[0].Quality}
	}
	last := stored[len(stored)-1]
	if t >= last.TimeMs {
		return Sample{TimeMs: t, Value: last.Value, Quality: last.Quality}
	}
	for i := 1; i < len(stored); i++ {
		if stored[i].TimeMs < t {
			continue
		}
		a, b := stored[i-1], stored[i]
		frac := float64(t-a.TimeMs) / float64(b.TimeMs-a.TimeMs)
		value := a.Value + frac*(b.Value-a.Value)
		return Sample{TimeMs: t, Value: value, Quality: worseOf(a.Quality, b.Quality)}
	}
	return Sample{TimeMs: t, Value: last.Value, Quality: last.Quality}
}

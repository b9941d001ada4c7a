// SPDX-License-Identifier: MIT

// Package silence implements the per-channel Silence/Idle Monitor: RMS
// and peak evaluation of audio units, with a latching silence signal.
//
// Reference: grounded on the
// internal/stream/monitor.go threshold/alert-level shape
// (ResourceThresholds/CheckThresholds) for the warning-style API, and
// the stateful threshold engine in
// nupi-ai-plugin-vad-local-silero/internal/engine/silero.go for the
// idea of a swappable activity-detection engine.
package silence

import (
	"math"
	"time"

	"github.com/fieldscope/capturesup/internal/frame"
)

// Monitor tracks cumulative silence across audio units and latches a
// stream-silence signal exactly once per restart cycle.
type Monitor struct {
	threshold           float64
	silenceDuration     time.Duration
	frameDuration       time.Duration
	cumulativeSilence   time.Duration
	latched             bool
	lastSuccessfulIndex int
}

// NewMonitor constructs a silence Monitor.
func NewMonitor(threshold float64, silenceDuration, frameDuration time.Duration) *Monitor {
	return &Monitor{
		threshold:       threshold,
		silenceDuration: silenceDuration,
		frameDuration:   frameDuration,
	}
}

// Evaluate computes RMS/peak for one audio unit (16-bit little-endian
// samples) and updates the silence accumulator and latch.
//
// candidateIndex is the fallback ladder's currently active candidate;
// on a non-silent unit it is recorded as the new
// LastSuccessfulCandidateIndex.
//
// Returns true exactly once per restart cycle when the cumulative
// silent duration first crosses silenceDuration.
func (m *Monitor) Evaluate(unit []byte, candidateIndex int) (signalSilence bool) {
	rms, peak := rmsPeak(unit)

	silent := rms <= m.threshold && peak <= 2*m.threshold

	if !silent {
		m.cumulativeSilence = 0
		m.latched = false
		m.lastSuccessfulIndex = candidateIndex
		return false
	}

	m.cumulativeSilence += m.frameDuration
	if m.cumulativeSilence >= m.silenceDuration && !m.latched {
		m.latched = true
		return true
	}
	return false
}

// Reset clears the accumulator and latch, called on a fresh attach
// (new restart cycle) so a stale silence streak does not immediately
// re-fire.
func (m *Monitor) Reset() {
	m.cumulativeSilence = 0
	m.latched = false
}

// LastSuccessfulCandidateIndex returns the candidate index active the
// last time a non-silent unit was observed.
func (m *Monitor) LastSuccessfulCandidateIndex() int {
	return m.lastSuccessfulIndex
}

// rmsPeak computes RMS and absolute peak of the unit's 16-bit samples,
// both normalized to [0, 1] against the full int16 range.
func rmsPeak(unit []byte) (rms, peak float64) {
	n := len(unit) / 2
	if n == 0 {
		return 0, 0
	}

	const fullScale = 32768.0
	var sumSquares float64
	for i := 0; i < n; i++ {
		s := float64(frame.SampleInt16(unit, i)) / fullScale
		sumSquares += s * s
		abs := math.Abs(s)
		if abs > peak {
			peak = abs
		}
	}
	rms = math.Sqrt(sumSquares / float64(n))
	return rms, peak
}

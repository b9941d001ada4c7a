package silence

import (
	"encoding/binary"
	"testing"
	"time"
)

func makeUnit(amplitude int16, numSamples int) []byte {
	buf := make([]byte, numSamples*2)
	for i := 0; i < numSamples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amplitude))
	}
	return buf
}

func TestEvaluate_LatchesOncePerCrossing(t *testing.T) {
	m := NewMonitor(0.0025, 200*time.Millisecond, 100*time.Millisecond)
	silentUnit := makeUnit(0, 160)

	if sig := m.Evaluate(silentUnit, 0); sig {
		t.Fatal("should not signal before crossing silenceDuration")
	}
	if sig := m.Evaluate(silentUnit, 0); !sig {
		t.Fatal("should signal exactly when cumulative silence crosses threshold")
	}
	// Latched: further silent units must not re-signal.
	if sig := m.Evaluate(silentUnit, 0); sig {
		t.Fatal("should not re-signal while latched")
	}
}

func TestEvaluate_NonSilentResetsAccumulatorAndLatch(t *testing.T) {
	m := NewMonitor(0.0025, 100*time.Millisecond, 100*time.Millisecond)
	silentUnit := makeUnit(0, 160)
	loudUnit := makeUnit(20000, 160)

	if sig := m.Evaluate(silentUnit, 0); !sig {
		t.Fatal("expected signal on first crossing")
	}

	// A loud unit must reset the latch so silence can signal again later.
	if sig := m.Evaluate(loudUnit, 1); sig {
		t.Fatal("loud unit should never signal silence")
	}
	if idx := m.LastSuccessfulCandidateIndex(); idx != 1 {
		t.Fatalf("LastSuccessfulCandidateIndex = %d, want 1", idx)
	}

	if sig := m.Evaluate(silentUnit, 1); !sig {
		t.Fatal("the loud unit cleared the latch, so the next crossing should signal again")
	}
}

func TestEvaluate_PeakAloneCanBreakSilence(t *testing.T) {
	// A single sharp sample with low average RMS but peak > 2*threshold
	// must not count as silent.
	m := NewMonitor(0.01, 50*time.Millisecond, 50*time.Millisecond)
	buf := make([]byte, 160*2)
	binary.LittleEndian.PutUint16(buf[0:], uint16(int16(10000))) // large spike
	if sig := m.Evaluate(buf, 0); sig {
		t.Fatal("unit with a large peak should not be treated as silent")
	}
}

func TestReset(t *testing.T) {
	m := NewMonitor(0.0025, 100*time.Millisecond, 100*time.Millisecond)
	silentUnit := makeUnit(0, 160)
	m.Evaluate(silentUnit, 0)
	m.Reset()
	if sig := m.Evaluate(silentUnit, 0); !sig {
		t.Fatal("after Reset the latch is clear, so a unit that crosses the duration should signal again")
	}
}

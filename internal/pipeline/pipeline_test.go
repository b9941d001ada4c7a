// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldscope/capturesup/internal/bus"
	"github.com/fieldscope/capturesup/internal/ladder"
	"github.com/fieldscope/capturesup/internal/metrics"
)

// collector subscribes to a Bus and records every event for assertions.
type collector struct {
	mu     sync.Mutex
	events []bus.Event
}

func newCollector(t *testing.T, b *bus.Bus) *collector {
	t.Helper()
	c := &collector{}
	ch, unsub := b.Subscribe(context.Background())
	t.Cleanup(unsub)
	go func() {
		for ev := range ch {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *collector) snapshot() []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bus.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) waitFor(t *testing.T, kind string, timeout time.Duration) bus.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, ev := range c.snapshot() {
			if ev.Kind == kind {
				return ev
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for event kind %q; saw %+v", kind, c.snapshot())
	return bus.Event{}
}

// baseConfig returns a Config pointed at a binary guaranteed not to
// exist on PATH, so every test that wants a clean binary-missing
// recovery gets one without touching a real ffmpeg install.
func baseConfig(channel string) Config {
	return Config{
		Channel:                        channel,
		Kind:                           "audio",
		Input:                          "mic",
		BinaryName:                     "capturesup-does-not-exist-binary",
		LegacyBinaryName:               "capturesup-does-not-exist-either",
		StartTimeoutMs:                 50,
		IdleTimeoutMs:                  50,
		WatchdogTimeoutMs:              50,
		RestartDelayMs:                 10,
		RestartMaxDelayMs:              10,
		RestartJitterFactor:            0,
		SilenceCircuitBreakerThreshold: 3,
	}
}

func TestBinaryMissing_EmitsErrorThenRecover(t *testing.T) {
	b := bus.New(16)
	c := newCollector(t, b)
	reg := metrics.NewRegistry()

	s := New(baseConfig("cam1"), reg, b, nil)
	defer s.Close()

	s.Start()

	rec := c.waitFor(t, "recover", time.Second)
	require.Equal(t, ReasonBinaryMissing, rec.Reason)
	attempt, _ := rec.Meta["attempt"].(int)
	require.Equal(t, 1, attempt)
	c.waitFor(t, "error", time.Second)

	require.Equal(t, int64(1), reg.ByReason("audio", ReasonBinaryMissing))
}

func TestStop_IsIdempotentAndClearsTimers(t *testing.T) {
	b := bus.New(16)
	reg := metrics.NewRegistry()
	s := New(baseConfig("cam2"), reg, b, nil)
	defer s.Close()

	s.Start()
	time.Sleep(20 * time.Millisecond)

	s.Stop()
	if s.State() != Idle {
		t.Fatalf("state after Stop = %v, want Idle", s.State())
	}
	if s.timerBundle.AnyArmed() {
		t.Fatal("a timer is still armed after Stop")
	}

	// Second Stop must be a no-op, not a panic or a hang.
	s.Stop()
	if s.State() != Idle {
		t.Fatalf("state after second Stop = %v, want Idle", s.State())
	}
}

func TestStop_DuringRecovering_CancelsPendingRestart(t *testing.T) {
	b := bus.New(16)
	c := newCollector(t, b)
	reg := metrics.NewRegistry()

	cfg := baseConfig("cam3")
	cfg.RestartDelayMs = 500
	cfg.RestartMaxDelayMs = 500
	s := New(cfg, reg, b, nil)
	defer s.Close()

	s.Start()
	c.waitFor(t, "recover", time.Second) // now Recovering, restart timer armed for 500ms

	s.Stop()
	if s.State() != Idle {
		t.Fatalf("state = %v, want Idle", s.State())
	}

	// Wait past the would-be restart delay; no second spawn attempt
	// (and therefore no second recover) should ever occur.
	time.Sleep(700 * time.Millisecond)
	if s.State() != Idle {
		t.Fatalf("state drifted to %v after the cancelled restart window", s.State())
	}
}

func TestJitterFactorZero_DelayEqualsBase(t *testing.T) {
	b := bus.New(16)
	c := newCollector(t, b)
	reg := metrics.NewRegistry()

	cfg := baseConfig("cam4")
	cfg.RestartDelayMs = 100
	cfg.RestartMaxDelayMs = 1000
	cfg.RestartJitterFactor = 0
	s := New(cfg, reg, b, nil)
	defer s.Close()

	s.Start()
	rec := c.waitFor(t, "recover", time.Second)

	delay := rec.Meta["delayMs"].(int64)
	base := rec.Meta["baseDelayMs"].(int64)
	require.Equal(t, base, delay, "delayMs should equal baseDelayMs when jitterFactor=0")
	require.EqualValues(t, 0, rec.Meta["appliedJitterMs"])
}

func TestAppliedJitterInvariant(t *testing.T) {
	b := bus.New(16)
	c := newCollector(t, b)
	reg := metrics.NewRegistry()

	cfg := baseConfig("cam5")
	cfg.RestartDelayMs = 100
	cfg.RestartMaxDelayMs = 1000
	cfg.RestartJitterFactor = 0.5
	cfg.Random = func() float64 { return 0.9 }
	s := New(cfg, reg, b, nil)
	defer s.Close()

	s.Start()
	rec := c.waitFor(t, "recover", time.Second)

	delay := rec.Meta["delayMs"].(int64)
	base := rec.Meta["baseDelayMs"].(int64)
	jitter := rec.Meta["appliedJitterMs"].(int64)
	if delay-base != jitter {
		t.Fatalf("delayMs(%d) - baseDelayMs(%d) != appliedJitterMs(%d)", delay, base, jitter)
	}
}

func TestSingleCandidateLadder_RotationIsNoop(t *testing.T) {
	// A video channel's ladder always has exactly one candidate; any
	// rotating reason must leave Current() unchanged.
	l := ladder.New([]ladder.Candidate{{Device: "rtsp://cam", Args: []string{"-i", "rtsp://cam"}}})
	before, _ := l.Current()
	l.Rotate(ReasonStreamSilence)
	after, idx := l.Current()
	if before != after || idx != 0 {
		t.Fatalf("single-candidate ladder rotated: before=%+v after=%+v idx=%d", before, after, idx)
	}
}

func TestCircuitBreaker_BinaryMissingNeverTrips(t *testing.T) {
	b := bus.New(16)
	c := newCollector(t, b)
	reg := metrics.NewRegistry()

	cfg := baseConfig("cam7")
	cfg.RestartDelayMs = 5
	cfg.RestartMaxDelayMs = 5
	cfg.SilenceCircuitBreakerThreshold = 2

	s := New(cfg, reg, b, nil)
	defer s.Close()

	// With no resolvable binary every restart takes the binary-missing
	// path, which never increments the breaker, since it isn't in the
	// closed set of circuit-counting reasons.
	s.Start()
	c.waitFor(t, "recover", time.Second)
	if s.State() == Broken {
		t.Fatal("binary-missing alone must never trip the circuit breaker")
	}
}

// writeShellScript writes a #!/bin/sh script to a fresh temp directory
// and returns its absolute path, so it can be used directly as a
// child.Spec.Binary the way a real capture helper would be: the
// Supervisor never learns it isn't ffmpeg.
func writeShellScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.sh")
	content := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(content), 0755))
	return path
}

// scriptConfig returns a Config that spawns scriptPath as its only
// capture binary (the legacy fallback name is guaranteed absent, so
// the first spawn attempt always resolves to scriptPath), with device
// discovery disabled so the loop goes straight from Idle to Spawning.
func scriptConfig(channel, scriptPath string) Config {
	return Config{
		Channel:                        channel,
		Kind:                           "audio",
		Input:                          "mic",
		BinaryName:                     scriptPath,
		LegacyBinaryName:               "capturesup-legacy-does-not-exist",
		SampleRate:                     100,
		Channels:                       1,
		FrameDurationMs:                50,
		StartTimeoutMs:                 2000,
		IdleTimeoutMs:                  2000,
		WatchdogTimeoutMs:              2000,
		ForceKillTimeoutMs:             200,
		RestartDelayMs:                 10,
		RestartMaxDelayMs:              10,
		RestartJitterFactor:            0,
		SilenceCircuitBreakerThreshold: 5,
		DeviceDiscoveryDisabled:        true,
	}
}

// TestSpawn_RealBinaryReachesRunningAndEmitsData spawns an actual
// child process that writes non-silent audio data, confirming the
// loop reaches Running and that onData/onUnit/rearmDataTimers fire:
// the data-received attempt reset and a published "data" event are
// the externally observable evidence.
func TestSpawn_RealBinaryReachesRunningAndEmitsData(t *testing.T) {
	script := writeShellScript(t, "yes | head -c 4000\nsleep 30\n")

	b := bus.New(16)
	c := newCollector(t, b)
	reg := metrics.NewRegistry()

	cfg := scriptConfig("real1", script)
	s := New(cfg, reg, b, nil)
	defer s.Close()

	s.Start()
	c.waitFor(t, "data", 2*time.Second)

	require.Equal(t, Running, s.State())
	require.Equal(t, 0, s.Attempt(), "attempt must reset to 0 once the first byte of a fresh attach arrives")
}

// TestPipeMisalignment_EntersStreamErrorRecovery confirms that a
// pipe-mode audio channel whose child writes a chunk that is not a
// whole multiple of the sample frame size recovers as stream-error,
// via frame.AlignmentError surfaced from Audio.Push.
func TestPipeMisalignment_EntersStreamErrorRecovery(t *testing.T) {
	script := writeShellScript(t, "printf 'xyz'\nsleep 30\n")

	b := bus.New(16)
	c := newCollector(t, b)
	reg := metrics.NewRegistry()

	cfg := scriptConfig("misaligned1", script)
	cfg.Input = "pipe:0"
	cfg.Channels = 2 // sample alignment of 4 bytes; "xyz" is 3

	s := New(cfg, reg, b, nil)
	defer s.Close()

	s.Start()
	rec := c.waitFor(t, "recover", 2*time.Second)
	require.Equal(t, ReasonStreamError, rec.Reason)
}

// TestCircuitBreaker_WatchdogTimeoutsTripToBroken confirms that a
// channel whose child spawns successfully but never emits a single
// byte repeatedly times out on the watchdog timer, and that once the
// circuit-counting reason crosses the configured threshold the
// Supervisor reaches Broken and publishes a "fatal" event.
func TestCircuitBreaker_WatchdogTimeoutsTripToBroken(t *testing.T) {
	script := writeShellScript(t, "sleep 30\n")

	b := bus.New(16)
	c := newCollector(t, b)
	reg := metrics.NewRegistry()

	cfg := scriptConfig("breaker1", script)
	cfg.WatchdogTimeoutMs = 30 // idle stays at the base 2s so only the watchdog ever fires
	cfg.SilenceCircuitBreakerThreshold = 2

	s := New(cfg, reg, b, nil)
	defer s.Close()

	s.Start()
	fatal := c.waitFor(t, "fatal", 5*time.Second)
	require.Equal(t, ReasonWatchdogTimeout, fatal.Meta["lastFailure"])
	require.Equal(t, Broken, s.State())
	require.GreaterOrEqual(t, s.CircuitFailCount(), cfg.SilenceCircuitBreakerThreshold)
}

// TestAttempt_ResetsAfterSuccess confirms that a channel whose first
// spawn fails (process-exit) bumps attempt to 1; once a later spawn
// succeeds and delivers data, attempt drops back to 0, and a
// subsequent failure starts counting from 1 again rather than
// continuing from the pre-success count.
func TestAttempt_ResetsAfterSuccess(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran-once")
	script := writeShellScript(t, fmt.Sprintf(`if [ -f %q ]; then
  yes | head -c 4000
  sleep 30
else
  touch %q
  exit 1
fi
`, marker, marker))

	b := bus.New(16)
	c := newCollector(t, b)
	reg := metrics.NewRegistry()

	cfg := scriptConfig("attemptreset1", script)
	s := New(cfg, reg, b, nil)
	defer s.Close()

	s.Start()

	first := c.waitFor(t, "recover", 2*time.Second)
	require.Equal(t, ReasonProcessExit, first.Reason)
	require.EqualValues(t, 1, first.Meta["attempt"])

	c.waitFor(t, "data", 2*time.Second)
	require.Equal(t, 0, s.Attempt(), "attempt must reset once the successful retry delivers data")

	// Force a second failure from the now-Running state and confirm
	// the next recovery's attempt counter starts at 1, not 2.
	s.childOwner.Stop(2*time.Second, true)
	second := c.waitFor(t, "recover", 2*time.Second)
	require.Equal(t, ReasonProcessExit, second.Reason)
	require.EqualValues(t, 1, second.Meta["attempt"], "attempt after a post-success failure must restart from 1")
}

// TestStop_DuringRunning_TerminatesChildAndClearsTimers confirms that
// a graceful Stop issued while a real child is Running leaves the
// state machine Idle, every timer disarmed, and the child process
// owner closed.
func TestStop_DuringRunning_TerminatesChildAndClearsTimers(t *testing.T) {
	script := writeShellScript(t, "yes | head -c 4000\nsleep 30\n")

	b := bus.New(16)
	c := newCollector(t, b)
	reg := metrics.NewRegistry()

	cfg := scriptConfig("graceful1", script)
	s := New(cfg, reg, b, nil)
	defer s.Close()

	s.Start()
	c.waitFor(t, "data", 2*time.Second)
	require.Equal(t, Running, s.State())

	s.Stop()
	require.Equal(t, Idle, s.State())
	require.False(t, s.timerBundle.AnyArmed(), "no timer may remain armed after a graceful stop from Running")
	require.Eventually(t, func() bool {
		return s.childOwner.Closed()
	}, time.Second, 5*time.Millisecond, "child owner must become closed shortly after a graceful stop")
}

// TestDeviceDiscoveryTimeout_RecoversRotatesAndRespawns confirms that
// a hung discovery probe times out during Preparing, recovers as
// device-discovery-timeout (rotating the ladder), and that the next
// restart cycle spawns the real capture binary successfully.
func TestDeviceDiscoveryTimeout_RecoversRotatesAndRespawns(t *testing.T) {
	hungProbe := writeShellScript(t, "sleep 30\n")
	capture := writeShellScript(t, "yes | head -c 4000\nsleep 30\n")

	b := bus.New(16)
	c := newCollector(t, b)
	reg := metrics.NewRegistry()

	cfg := scriptConfig("discovery1", capture)
	cfg.DeviceDiscoveryDisabled = false
	cfg.DeviceDiscoveryTimeoutMs = 30
	cfg.DiscoveryBinary = hungProbe

	s := New(cfg, reg, b, nil)
	defer s.Close()

	require.Equal(t, int64(0), reg.ByReason("audio", ReasonDeviceDiscoveryTimeout))

	s.Start()
	rec := c.waitFor(t, "recover", 2*time.Second)
	require.Equal(t, ReasonDeviceDiscoveryTimeout, rec.Reason)

	c.waitFor(t, "data", 3*time.Second)
	require.Equal(t, Running, s.State())
}

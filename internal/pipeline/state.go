// SPDX-License-Identifier: MIT

// Package pipeline implements the Capture Pipeline Supervisor: the
// per-channel state machine that owns the child capture process, the
// frame reassembler, the timer set, the fallback ladder, the silence
// latch, and the circuit breaker.
//
// Reference: adapted from the internal/supervisor/
// supervisor.go (Service interface, state enum) and
// internal/stream/manager.go (imperative restart loop, structured
// event logging), generalized to a six-state machine (adding
// Preparing, Recovering, Broken) and a fingerprinted recovery-reason
// taxonomy.
package pipeline

import "github.com/fieldscope/capturesup/internal/timers"

// State is one of the Pipeline Supervisor's six states.
type State int

const (
	Idle State = iota
	Preparing
	Spawning
	Running
	Recovering
	Broken
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Spawning:
		return "spawning"
	case Running:
		return "running"
	case Recovering:
		return "recovering"
	case Broken:
		return "broken"
	default:
		return "unknown"
	}
}

// Recovery reasons: a closed enumeration treated as an
// external-surface contract.
const (
	ReasonBinaryMissing          = "binary-missing"
	ReasonSpawnError             = "spawn-error"
	ReasonProcessExit            = "process-exit"
	ReasonStreamIdle             = "stream-idle"
	ReasonStreamSilence          = "stream-silence"
	ReasonStreamError            = "stream-error"
	ReasonWatchdogTimeout        = "watchdog-timeout"
	ReasonStartTimeout           = "start-timeout"
	ReasonDeviceDiscoveryTimeout = "device-discovery-timeout"
	ReasonCorruptedFrame         = "corrupted-frame"
)

// circuit-counting reason sets: audio counts stream-silence and
// watchdog-timeout; video counts watchdog-timeout only.
var (
	audioCircuitReasons = map[string]bool{
		ReasonStreamSilence:   true,
		ReasonWatchdogTimeout: true,
	}
	videoCircuitReasons = map[string]bool{
		ReasonWatchdogTimeout: true,
	}
)

// eventKind tags the one typed event enumeration every suspension
// point in the loop dispatches through.
type eventKind int

const (
	evData eventKind = iota
	evStderr
	evIOError
	evExit
	evTimerFire
	evProbeDone
	evProbeTimeout
	evRestartFire
)

// event is the single tagged union the supervisor loop dispatches.
// gen pins the event to the spawn generation it was produced under;
// the loop silently drops events whose gen no longer matches the
// current one (a stale reader/timer from a torn-down child or a
// cancelled restart).
type event struct {
	kind      eventKind
	gen       uint64
	data      []byte
	err       error
	timerKind timers.Kind
}

// cmdKind tags an external control request.
type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
)

// cmdMsg is a synchronous control request: Start()/Stop() block on
// done being closed, giving callers an idempotent, synchronous stop.
type cmdMsg struct {
	kind cmdKind
	done chan struct{}
}

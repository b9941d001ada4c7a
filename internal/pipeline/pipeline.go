// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fieldscope/capturesup/internal/backoff"
	"github.com/fieldscope/capturesup/internal/bus"
	"github.com/fieldscope/capturesup/internal/child"
	"github.com/fieldscope/capturesup/internal/device"
	"github.com/fieldscope/capturesup/internal/frame"
	"github.com/fieldscope/capturesup/internal/ladder"
	"github.com/fieldscope/capturesup/internal/metrics"
	"github.com/fieldscope/capturesup/internal/silence"
	"github.com/fieldscope/capturesup/internal/timers"
	"github.com/fieldscope/capturesup/internal/util"
)

// slogWriter adapts an *slog.Logger to io.Writer so util.SafeGo, whose
// signature predates structured logging in this tree, can still log
// through it.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Write(p []byte) (int, error) {
	w.logger.Error(string(p))
	return len(p), nil
}

// Supervisor is the per-channel Pipeline Supervisor: a single-owner
// state machine reached only from its own run loop goroutine, so no
// two recovery decisions for the same channel ever run concurrently. All
// public commands reach that loop over channels; the only lock is
// stateMu, which guards the fields external readers snapshot.
type Supervisor struct {
	cfg     Config
	metrics metrics.Recorder
	bus     *bus.Bus
	logger  *slog.Logger

	ladderObj   *ladder.Ladder
	binaries    *ladder.Binaries
	backoffCalc *backoff.Calculator
	timerBundle *timers.Bundle
	childOwner  *child.Owner
	prober      *device.Prober

	audio *frame.Audio
	video *frame.Video
	sil   *silence.Monitor

	cmds   chan cmdMsg
	events chan event

	// Loop-owned fields; touched only from run(). stateMu guards the
	// handful of fields external readers (State/Attempt) snapshot.
	stateMu          sync.Mutex
	state            State
	attempt          int
	circuitFailCount int

	gen             uint64
	shouldStop      bool
	hasReceivedByte bool
	hasEmittedUnit  bool
	cancelProbe     context.CancelFunc

	closed chan struct{}
}

// New constructs a Supervisor for one channel and starts its
// background run loop. The loop is idle until Start() is called.
func New(cfg Config, rec metrics.Recorder, b *bus.Bus, logger *slog.Logger) *Supervisor {
	cfg = applyDefaults(cfg)
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		cfg:         cfg,
		metrics:     rec,
		bus:         b,
		logger:      logger,
		timerBundle: timers.New(),
		childOwner:  child.New(),
		cmds:        make(chan cmdMsg),
		events:      make(chan event, 256),
		closed:      make(chan struct{}),
	}

	if isAudio(cfg.Kind) {
		s.sil = silence.NewMonitor(cfg.SilenceThreshold, durMs(cfg.SilenceDurationMs), durMs(cfg.FrameDurationMs))
		s.ladderObj = ladder.BuildAudioLadder(userCandidate(cfg), cfg.MicFallbacks)
		if cfg.DeviceDiscoveryTimeoutMs > 0 {
			discBinary := cfg.DiscoveryBinary
			if discBinary == "" {
				discBinary = cfg.BinaryName
			}
			s.prober = device.NewProber(discBinary, cfg.DiscoveryArgs)
		}
	} else {
		s.ladderObj = ladder.BuildVideoLadder(cfg.Input, transportArgs(cfg.Transport))
	}

	s.binaries = ladder.NewBinaries(cfg.BundledBinaryPath, cfg.BinaryName, cfg.LegacyBinaryName)
	s.backoffCalc = backoff.NewCalculator(durMs(cfg.RestartDelayMs), durMs(cfg.RestartMaxDelayMs), cfg.RestartJitterFactor, cfg.Random)

	go s.run()
	return s
}

// userCandidate builds the operator-configured candidate from Config,
// or nil if neither Device nor InputFormat was set (platform defaults
// and fallbacks still apply in that case).
func userCandidate(cfg Config) *ladder.Candidate {
	if cfg.Device == "" && cfg.InputFormat == "" {
		return nil
	}
	var args []string
	if cfg.InputFormat != "" {
		args = append(args, "-f", cfg.InputFormat)
	}
	if cfg.Device != "" {
		args = append(args, "-i", cfg.Device)
	}
	return &ladder.Candidate{Format: cfg.InputFormat, Device: cfg.Device, Args: args}
}

func transportArgs(transport string) []string {
	if transport == "" {
		return nil
	}
	return strings.Fields(transport)
}

// Start begins (or resumes, from Broken) the capture pipeline. It
// blocks until the loop has processed the request.
func (s *Supervisor) Start() {
	s.sendCmd(cmdStart)
}

// Stop idempotently and synchronously halts the channel: by the time
// Stop returns, no timer is armed and the child process is either
// gone or has received a kill signal.
func (s *Supervisor) Stop() {
	s.sendCmd(cmdStop)
}

func (s *Supervisor) sendCmd(kind cmdKind) {
	done := make(chan struct{})
	select {
	case s.cmds <- cmdMsg{kind: kind, done: done}:
		<-done
	case <-s.closed:
	}
}

// Close permanently terminates the supervisor's run loop. Intended
// for process shutdown or test teardown; Start/Stop after Close are
// no-ops.
func (s *Supervisor) Close() {
	s.Stop()
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

// State returns the current state. Safe for concurrent use.
func (s *Supervisor) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Attempt returns the current consecutive-failure attempt counter.
func (s *Supervisor) Attempt() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.attempt
}

// CircuitFailCount returns the current circuit-breaker counter value.
func (s *Supervisor) CircuitFailCount() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.circuitFailCount
}

func (s *Supervisor) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// setAttempt and addCircuitFail funnel every mutation of the two
// externally-readable counters through stateMu, matching setState's
// pattern, since Attempt()/CircuitFailCount() are called from outside
// the loop goroutine.
func (s *Supervisor) setAttempt(n int) {
	s.stateMu.Lock()
	s.attempt = n
	s.stateMu.Unlock()
}

func (s *Supervisor) incAttempt() int {
	s.stateMu.Lock()
	s.attempt++
	n := s.attempt
	s.stateMu.Unlock()
	return n
}

func (s *Supervisor) setCircuitFailCount(n int) {
	s.stateMu.Lock()
	s.circuitFailCount = n
	s.stateMu.Unlock()
}

func (s *Supervisor) incCircuitFailCount() int {
	s.stateMu.Lock()
	s.circuitFailCount++
	n := s.circuitFailCount
	s.stateMu.Unlock()
	return n
}

// postEvent delivers ev to the loop. Never blocks indefinitely: the
// loop drains its buffered channel continuously for the supervisor's
// entire lifetime, and Close only stops accepting new commands, not
// events, so readers/timers from a torn-down generation can still
// deliver their terminal event without leaking a blocked goroutine.
func (s *Supervisor) postEvent(ev event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

// run is the supervisor's single-owner loop: every state transition
// and every effect (spawning, timer arming, metric recording, event
// publication) happens here and only here.
func (s *Supervisor) run() {
	for {
		select {
		case <-s.closed:
			return
		case cmd := <-s.cmds:
			s.handleCmd(cmd)
		case ev := <-s.events:
			if ev.gen != s.gen {
				continue // stale: superseded by a later spawn/stop
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Supervisor) handleCmd(cmd cmdMsg) {
	switch cmd.kind {
	case cmdStart:
		s.doStart()
	case cmdStop:
		s.doStop()
	}
	close(cmd.done)
}

func (s *Supervisor) doStart() {
	if s.state != Idle && s.state != Broken {
		return
	}
	s.shouldStop = false
	s.setAttempt(0)
	s.setCircuitFailCount(0)
	s.ladderObj.Resume()

	if isAudio(s.cfg.Kind) && s.cfg.DeviceDiscoveryTimeoutMs > 0 {
		s.doPrepare()
		return
	}
	s.doSpawn()
}

// doStop sets the stop gate, clears every timer, tears down the
// child without waiting, and
// invalidate any in-flight generation so stray events/timer callbacks
// from before the stop are ignored when (if) they arrive.
func (s *Supervisor) doStop() {
	if s.state == Idle {
		return
	}
	s.shouldStop = true
	s.gen++
	s.timerBundle.ClearAll()
	if s.cancelProbe != nil {
		s.cancelProbe()
		s.cancelProbe = nil
	}
	if !s.childOwner.Closed() {
		s.childOwner.Stop(durMs(s.cfg.ForceKillTimeoutMs), true)
	}
	s.setState(Idle)
}

func (s *Supervisor) handleEvent(ev event) {
	switch ev.kind {
	case evData:
		s.onData(ev.data)
	case evStderr:
		s.publish("stderr", "", map[string]any{"text": string(ev.data)})
	case evIOError:
		if s.state == Running {
			s.enterRecovering(ReasonStreamError, ev.err)
		}
	case evExit:
		if s.state == Running {
			s.publish("close", "", map[string]any{"exitCode": exitCodeOf(s.childOwner.ExitErr())})
			s.enterRecovering(ReasonProcessExit, s.childOwner.ExitErr())
		}
	case evTimerFire:
		s.onTimerFire(ev.timerKind)
	case evProbeDone:
		if s.state == Preparing {
			s.doSpawn()
		}
	case evProbeTimeout:
		if s.state == Preparing {
			s.enterRecovering(ReasonDeviceDiscoveryTimeout, device.ErrTimeout)
		}
	case evRestartFire:
		if s.state == Recovering && !s.shouldStop {
			s.doSpawn()
		}
	}
}

func (s *Supervisor) onTimerFire(k timers.Kind) {
	switch k {
	case timers.Start:
		if s.state == Running && !s.hasEmittedUnit {
			s.enterRecovering(ReasonStartTimeout, nil)
		}
	case timers.Idle:
		if s.state == Running {
			s.enterRecovering(ReasonStreamIdle, nil)
		}
	case timers.Watchdog:
		if s.state == Running {
			s.enterRecovering(ReasonWatchdogTimeout, nil)
		}
	}
}

func (s *Supervisor) onData(chunk []byte) {
	if s.state != Running {
		return
	}
	if !s.hasReceivedByte {
		// First byte of this attach resets the attempt counter; the
		// circuit-breaker counter is deliberately NOT reset here — it
		// waits for the first full unit to arrive.
		s.hasReceivedByte = true
		s.setAttempt(0)
	}
	s.rearmDataTimers()

	if isAudio(s.cfg.Kind) {
		units, err := s.audio.Push(chunk)
		for _, u := range units {
			s.onUnit(u)
		}
		if err != nil {
			var align *frame.AlignmentError
			if errors.As(err, &align) {
				s.enterRecovering(ReasonStreamError, err)
			}
			return
		}
		return
	}

	units, err := s.video.Push(chunk)
	for _, u := range units {
		s.onUnit(u)
	}
	if err != nil {
		s.enterRecovering(ReasonCorruptedFrame, err)
	}
}

func (s *Supervisor) onUnit(unit []byte) {
	if !s.hasEmittedUnit {
		s.hasEmittedUnit = true
		s.setCircuitFailCount(0)
		s.timerBundle.Clear(timers.Start)
	}

	if isAudio(s.cfg.Kind) {
		_, idx := s.ladderObj.Current()
		if s.sil.Evaluate(unit, idx) {
			s.enterRecovering(ReasonStreamSilence, nil)
			return
		}
		s.ladderObj.SetLastSuccessfulIndex(s.sil.LastSuccessfulCandidateIndex())
	} else {
		s.ladderObj.RecordSuccess()
	}

	s.publish("data", "", map[string]any{"unit": unit})
}

func (s *Supervisor) rearmDataTimers() {
	gen := s.gen
	s.timerBundle.Reset(timers.Idle, durMs(s.cfg.IdleTimeoutMs), func() {
		s.postEvent(event{kind: evTimerFire, gen: gen, timerKind: timers.Idle})
	})
	s.timerBundle.Reset(timers.Watchdog, durMs(s.cfg.WatchdogTimeoutMs), func() {
		s.postEvent(event{kind: evTimerFire, gen: gen, timerKind: timers.Watchdog})
	})
}

// doPrepare runs the optional audio device-discovery probe ahead of
// the first spawn.
func (s *Supervisor) doPrepare() {
	s.setState(Preparing)
	gen := s.gen

	ctx, cancel := context.WithTimeout(context.Background(), durMs(s.cfg.DeviceDiscoveryTimeoutMs))
	s.cancelProbe = cancel

	util.SafeGo(s.cfg.Channel+"-device-probe", slogWriter{logger: s.logger}, func() {
		entries, err := s.prober.Probe(ctx, s.cfg.InputFormat)
		reason := "ok"
		switch {
		case ctx.Err() != nil:
			reason = "timeout"
		case err != nil:
			reason = "error"
		}
		if s.metrics != nil {
			s.metrics.RecordAudioDeviceDiscovery(reason, metrics.DiscoveryMeta{
				Channel: s.cfg.Channel, Platform: runtime.GOOS, Format: s.cfg.InputFormat,
			})
		}
		_ = entries
		if ctx.Err() != nil {
			s.postEvent(event{kind: evProbeTimeout, gen: gen})
			return
		}
		s.postEvent(event{kind: evProbeDone, gen: gen})
	}, nil)
}

// doSpawn iterates the binary list, starting from its last successful
// index, against the ladder's current candidate. A not-found error
// advances to the next binary; any other spawn error aborts the
// attempt as spawn-error. Exhausting the binary list without success
// reports binary-missing.
func (s *Supervisor) doSpawn() {
	s.setState(Spawning)

	candidate, candIdx := s.ladderObj.Current()
	args := buildArgs(s.cfg, candidate)
	pipeMode := isPipeInput(s.cfg.Input)

	n := s.binaries.Len()
	if n == 0 {
		s.enterRecovering(ReasonBinaryMissing, fmt.Errorf("pipeline: no binary candidates configured"))
		return
	}

	start := s.binaries.StartIndex()
	var lastErr error
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		name := s.binaries.Name(idx)
		spec := child.Spec{Binary: name, Args: args, Pipe: pipeMode, Device: candidate.Device}

		stdout, stderr, err := s.childOwner.Spawn(spec)
		if err == nil {
			s.binaries.RecordSuccess(idx)
			s.onSpawned(stdout, stderr, candIdx)
			return
		}

		lastErr = err
		if !ladder.IsNotFound(err) {
			s.enterRecovering(ReasonSpawnError, err)
			return
		}
	}

	s.enterRecovering(ReasonBinaryMissing, lastErr)
}

func (s *Supervisor) onSpawned(stdout, stderr io.Reader, candIdx int) {
	s.gen++
	gen := s.gen
	s.hasReceivedByte = false
	s.hasEmittedUnit = false

	if isAudio(s.cfg.Kind) {
		s.audio = frame.NewAudio(s.cfg.FrameDurationMs, s.cfg.SampleRate, s.cfg.Channels, isPipeInput(s.cfg.Input))
		s.sil.Reset()
	} else {
		s.video = frame.NewVideo(s.cfg.MaxBufferBytes)
	}

	s.setState(Running)
	s.publish("stream", "", map[string]any{"candidate": candIdx})

	s.rearmDataTimers()
	s.timerBundle.Reset(timers.Start, durMs(s.cfg.StartTimeoutMs), func() {
		s.postEvent(event{kind: evTimerFire, gen: gen, timerKind: timers.Start})
	})

	logw := slogWriter{logger: s.logger}
	util.SafeGo(s.cfg.Channel+"-stdout-reader", logw, func() { s.readLoop(gen, stdout, evData) }, nil)
	util.SafeGo(s.cfg.Channel+"-stderr-reader", logw, func() { s.readLoop(gen, stderr, evStderr) }, nil)
	util.SafeGo(s.cfg.Channel+"-exit-waiter", logw, func() { s.waitExit(gen) }, nil)
}

func (s *Supervisor) readLoop(gen uint64, r io.Reader, kind eventKind) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.postEvent(event{kind: kind, gen: gen, data: chunk})
		}
		if err != nil {
			if kind == evData && err != io.EOF {
				s.postEvent(event{kind: evIOError, gen: gen, err: err})
			}
			return
		}
	}
}

func (s *Supervisor) waitExit(gen uint64) {
	<-s.childOwner.ExitFuture()
	s.postEvent(event{kind: evExit, gen: gen})
}

// enterRecovering implements the recovery decision: increment
// attempt, update the circuit-breaker counter per the
// reason's category, trip to Broken if the threshold is crossed,
// otherwise compute backoff, record the restart metric, rotate the
// ladder, publish the recover event, tear down the old child, and arm
// the restart timer to sequence the next spawn after the child's exit
// future resolves.
func (s *Supervisor) enterRecovering(reason string, causeErr error) {
	if s.shouldStop {
		return
	}

	s.timerBundle.ClearAll()
	s.incAttempt()

	countingSet := audioCircuitReasons
	if !isAudio(s.cfg.Kind) {
		countingSet = videoCircuitReasons
	}

	switch {
	case countingSet[reason]:
		s.incCircuitFailCount()
	case reason == ReasonProcessExit:
		// Inherits whatever the breaker counter already holds; neither
		// incremented nor reset. Load-bearing for "silence followed by
		// exit" sequences.
	default:
		s.setCircuitFailCount(0)
	}

	if countingSet[reason] && s.circuitFailCount >= s.cfg.SilenceCircuitBreakerThreshold {
		s.enterBroken(reason)
		return
	}

	result := s.backoffCalc.Compute(s.attempt)

	if s.metrics != nil {
		s.metrics.RecordPipelineRestart(s.cfg.Kind, reason, metrics.RestartMeta{
			Attempt:         s.attempt,
			DelayMs:         result.Delay.Milliseconds(),
			BaseDelayMs:     result.BaseDelay.Milliseconds(),
			AppliedJitterMs: result.AppliedJitter.Milliseconds(),
			Channel:         s.cfg.Channel,
		})
	}

	s.ladderObj.Rotate(reason)
	s.setState(Recovering)

	if causeErr != nil {
		s.publish("error", reason, map[string]any{"message": causeErr.Error()})
	}
	s.publish("recover", reason, map[string]any{
		"attempt":         s.attempt,
		"delayMs":         result.Delay.Milliseconds(),
		"baseDelayMs":     result.BaseDelay.Milliseconds(),
		"minDelayMs":      result.MinDelay.Milliseconds(),
		"maxDelayMs":      result.MaxDelay.Milliseconds(),
		"appliedJitterMs": result.AppliedJitter.Milliseconds(),
	})

	exitFuture := s.childOwner.ExitFuture()
	if !s.childOwner.Closed() {
		s.childOwner.Stop(durMs(s.cfg.ForceKillTimeoutMs), false)
	}

	gen := s.gen
	s.timerBundle.Reset(timers.Restart, result.Delay, func() {
		<-exitFuture
		s.postEvent(event{kind: evRestartFire, gen: gen})
	})
}

func (s *Supervisor) enterBroken(lastReason string) {
	s.timerBundle.ClearAll()
	s.setState(Broken)
	s.publish("fatal", "circuit-breaker", map[string]any{
		"channel":     s.cfg.Channel,
		"attempts":    s.attempt,
		"lastFailure": lastReason,
	})
}

func (s *Supervisor) publish(kind, reason string, meta map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Channel:   s.cfg.Channel,
		Kind:      kind,
		Reason:    reason,
		Timestamp: time.Now(),
		Meta:      meta,
	})
}

func isPipeInput(input string) bool {
	return input == "pipe:0" || strings.HasPrefix(input, "pipe:")
}

// buildArgs composes the candidate's input arguments with the
// channel's own subprocess command tail (frame rate, sample rate,
// channel count).
func buildArgs(cfg Config, candidate ladder.Candidate) []string {
	args := append([]string{}, candidate.Args...)
	if isAudio(cfg.Kind) {
		return append(args,
			"-ac", strconv.Itoa(cfg.Channels),
			"-ar", strconv.Itoa(cfg.SampleRate),
			"-f", "s16le",
			"-acodec", "pcm_s16le",
			"pipe:1",
		)
	}
	return append(args,
		"-vf", fmt.Sprintf("fps=%d", cfg.FPS),
		"-f", "image2pipe",
		"-vcodec", "png",
	)
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

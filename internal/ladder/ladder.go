// SPDX-License-Identifier: MIT

// Package ladder implements the capture pipeline's Fallback Ladder: an
// ordered, de-duplicated list of (format, device) candidates the
// supervisor rotates through on targeted failure reasons, plus the
// binary-reference resolution list used to locate the capture helper
// executable.
//
// Reference: grounded on the internal/audio/detector.go
// (Device identity/FriendlyName keying) and internal/config/config.go's
// per-device configuration shape; the per-platform default table is
// modeled on the compile-time constant tables (e.g.
// DefaultThresholds()), generalized to a map keyed by runtime.GOOS.
package ladder

import (
	"errors"
	"os/exec"
	"runtime"
)

// Candidate is one entry in the fallback ladder: an ordered set of
// input arguments plus an optional device label. Its uniqueness key is
// (Format, Device).
type Candidate struct {
	Format string   // e.g. "alsa", "v4l2"; empty means "none"
	Device string   // device label, e.g. "hw:0" or a URI
	Args   []string // input arguments, e.g. []string{"-f", "alsa", "-i", "default"}
}

func (c Candidate) key() string {
	f := c.Format
	if f == "" {
		f = "none"
	}
	return f + "\x00" + c.Device
}

// Ladder is the ordered, de-duplicated candidate list a channel
// rotates through.
type Ladder struct {
	candidates          []Candidate
	index               int
	lastSuccessfulIndex int
}

// New builds a Ladder from candidates, silently dropping duplicates
// (same (format, device) key) after the first occurrence.
func New(candidates []Candidate) *Ladder {
	seen := make(map[string]bool, len(candidates))
	deduped := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		k := c.key()
		if seen[k] {
			continue
		}
		seen[k] = true
		deduped = append(deduped, c)
	}
	return &Ladder{candidates: deduped}
}

// Len returns the number of candidates in the ladder.
func (l *Ladder) Len() int { return len(l.candidates) }

// Current returns the currently active candidate and its index.
func (l *Ladder) Current() (Candidate, int) {
	if len(l.candidates) == 0 {
		return Candidate{}, 0
	}
	return l.candidates[l.index], l.index
}

// Reasons that rotate the ladder to the next candidate.
const (
	ReasonStreamSilence         = "stream-silence"
	ReasonWatchdogTimeout       = "watchdog-timeout"
	ReasonDeviceDiscoveryTimeout = "device-discovery-timeout"
	ReasonBinaryMissing         = "binary-missing"
	ReasonSpawnError            = "spawn-error"
	ReasonProcessExit           = "process-exit"
	ReasonStartTimeout          = "start-timeout"
)

var rotatingReasons = map[string]bool{
	ReasonStreamSilence:          true,
	ReasonWatchdogTimeout:        true,
	ReasonDeviceDiscoveryTimeout: true,
}

// Rotate advances the active candidate if reason is one of
// {stream-silence, watchdog-timeout, device-discovery-timeout}; for
// {binary-missing, spawn-error, process-exit, start-timeout} the
// current candidate is kept, since the likely cause is transient
// rather than device-specific. With a single-candidate ladder,
// rotation never changes the active candidate (wraps to itself).
func (l *Ladder) Rotate(reason string) {
	if !rotatingReasons[reason] || len(l.candidates) == 0 {
		return
	}
	l.index = (l.index + 1) % len(l.candidates)
}

// RecordSuccess remembers the current candidate index as the last one
// that successfully produced a unit.
func (l *Ladder) RecordSuccess() {
	l.lastSuccessfulIndex = l.index
}

// SetLastSuccessfulIndex records idx directly as the last successful
// candidate index, used when another component (the silence monitor)
// is the authority on which candidate last proved itself non-silent.
func (l *Ladder) SetLastSuccessfulIndex(idx int) {
	if len(l.candidates) == 0 {
		return
	}
	l.lastSuccessfulIndex = idx % len(l.candidates)
}

// Resume restores the active candidate to the last successful one,
// called by Start() after a prior Stop(). Wraps to 0 if the last
// successful index is now out of range.
func (l *Ladder) Resume() {
	if len(l.candidates) == 0 {
		l.index = 0
		return
	}
	l.index = l.lastSuccessfulIndex % len(l.candidates)
}

// Binaries resolves the ordered binary-reference list: an optional
// bundled path, then well-known and legacy-compatible names.
type Binaries struct {
	names               []string
	lastSuccessfulIndex int
}

// NewBinaries builds a Binaries resolver. bundledPath may be empty.
func NewBinaries(bundledPath, wellKnownName, legacyName string) *Binaries {
	var names []string
	if bundledPath != "" {
		names = append(names, bundledPath)
	}
	names = append(names, wellKnownName, legacyName)
	return &Binaries{names: names}
}

// Len returns the number of candidate binary names.
func (b *Binaries) Len() int { return len(b.names) }

// StartIndex returns the index iteration should begin from: the last
// successful one, so healthy channels skip probing on every restart.
func (b *Binaries) StartIndex() int {
	if len(b.names) == 0 {
		return 0
	}
	return b.lastSuccessfulIndex % len(b.names)
}

// Name returns the binary name/path at index i, wrapping modulo Len().
func (b *Binaries) Name(i int) string {
	if len(b.names) == 0 {
		return ""
	}
	return b.names[i%len(b.names)]
}

// RecordSuccess remembers index i as the last binary that spawned
// successfully.
func (b *Binaries) RecordSuccess(i int) {
	if len(b.names) == 0 {
		return
	}
	b.lastSuccessfulIndex = i % len(b.names)
}

// IsNotFound reports whether err indicates the binary could not be
// located on PATH (an ENOENT-equivalent), which advances the binary
// index rather than failing over to the next candidate.
func IsNotFound(err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return errors.Is(execErr.Err, exec.ErrNotFound)
	}
	return false
}

// PlatformDefaults is the compile-time table of per-platform default
// audio candidates (Linux ALSA, macOS AVFoundation, Windows
// DirectShow), keyed by runtime.GOOS rather than a runtime switch.
var PlatformDefaults = map[string][]Candidate{
	"linux": {
		{Format: "alsa", Device: "default", Args: []string{"-f", "alsa", "-i", "default"}},
		{Format: "alsa", Device: "hw:0", Args: []string{"-f", "alsa", "-i", "hw:0"}},
		{Format: "alsa", Device: "plughw:0", Args: []string{"-f", "alsa", "-i", "plughw:0"}},
	},
	"darwin": {
		{Format: "avfoundation", Device: "default", Args: []string{"-f", "avfoundation", "-i", ":default"}},
	},
	"windows": {
		{Format: "dshow", Device: "default", Args: []string{"-f", "dshow", "-i", "audio=default"}},
	},
}

// BuildAudioLadder merges the user-configured candidate (if any), the
// platform default, and any operator-supplied fallbacks for the
// current platform into one de-duplicated ladder. Operator overrides
// merge as platform-specific entries first, then wildcard ("*")
// entries.
func BuildAudioLadder(userCandidate *Candidate, fallbacks map[string][]Candidate) *Ladder {
	var all []Candidate
	if userCandidate != nil {
		all = append(all, *userCandidate)
	}

	all = append(all, PlatformDefaults[runtime.GOOS]...)

	if fallbacks != nil {
		all = append(all, fallbacks[runtime.GOOS]...)
		all = append(all, fallbacks["*"]...)
	}

	return New(all)
}

// BuildVideoLadder builds the single-entry ladder for a video channel:
// the input URI plus transport options.
func BuildVideoLadder(inputURI string, transportArgs []string) *Ladder {
	args := append([]string{"-i", inputURI}, transportArgs...)
	return New([]Candidate{{Device: inputURI, Args: args}})
}

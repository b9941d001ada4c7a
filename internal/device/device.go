// SPDX-License-Identifier: MIT

// Package device implements the capture pipeline's optional Device
// Discovery probe (audio only): spawning an auxiliary process that
// prints a device list to stderr, parsing that list, and caching the
// result per (platform, requested-format) for the process lifetime.
//
// Reference: grounded on the
// internal/audio/detector.go (Device identity, FriendlyName) for the
// discovered-device shape, generalized from ALSA-/proc-based
// enumeration (DetectDevices reading /proc/asound) to running an
// arbitrary auxiliary process and parsing its combined stdout+stderr,
// since the probe here is not assumed to be ALSA-specific.
package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"sync"
)

// Entry is one parsed line from a device-enumeration probe's output.
type Entry struct {
	Label string
}

var bracketIndexRe = regexp.MustCompile(`^\[\d+\]\s*(.*)$`)

// ParseDeviceList reads combined stdout+stderr, trims lines, ignores
// empty lines and header
// lines ending with ":", and extracts either the content inside the
// first pair of double quotes on the line, or the substring after
// "[<digits>]" if present. Lines matching neither pattern are ignored.
func ParseDeviceList(combined string) []Entry {
	var entries []Entry
	scanner := bufio.NewScanner(strings.NewReader(combined))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}

		if start := strings.IndexByte(line, '"'); start >= 0 {
			rest := line[start+1:]
			if end := strings.IndexByte(rest, '"'); end >= 0 {
				entries = append(entries, Entry{Label: rest[:end]})
				continue
			}
		}

		if m := bracketIndexRe.FindStringSubmatch(line); m != nil {
			label := strings.TrimSpace(m[1])
			if label != "" {
				entries = append(entries, Entry{Label: label})
			}
		}
	}
	return entries
}

// cacheKey identifies one (platform, requested-format) probe result,
// cached for the process lifetime.
type cacheKey struct {
	platform string
	format   string
}

// Result is a cached probe outcome.
type Result struct {
	Entries []Entry
	Err     error
}

// Prober runs an auxiliary enumeration process and caches its parsed
// result per (platform, requested-format). The probe is purely
// advisory: its failures are tolerated by callers, only timeouts are
// treated as a recovery-worthy condition.
type Prober struct {
	binary string
	args   []string

	mu    sync.Mutex
	cache map[cacheKey]Result
}

// NewProber constructs a Prober that runs binary with args to list
// devices.
func NewProber(binary string, args []string) *Prober {
	return &Prober{binary: binary, args: args, cache: make(map[cacheKey]Result)}
}

// ErrTimeout is returned when the probe does not complete within the
// caller-supplied context deadline; the supervisor maps this to the
// device-discovery-timeout recovery reason.
var ErrTimeout = context.DeadlineExceeded

// Probe runs the enumeration process (or returns the cached result for
// this (runtime.GOOS, format) pair) and returns the parsed device
// list. A context deadline exceeded is wrapped with %w, so callers can
// use errors.Is(err, ErrTimeout) to distinguish device-discovery-timeout
// from other probe failures.
func (p *Prober) Probe(ctx context.Context, format string) ([]Entry, error) {
	key := cacheKey{platform: runtime.GOOS, format: format}

	p.mu.Lock()
	if cached, ok := p.cache[key]; ok {
		p.mu.Unlock()
		return cached.Entries, cached.Err
	}
	p.mu.Unlock()

	entries, err := p.run(ctx)

	// A context-deadline failure is not cached: a later call (e.g. after
	// a restart with more generous timing) should get a fresh attempt
	// rather than being permanently stuck on a timeout.
	if err != nil && ctx.Err() != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[key] = Result{Entries: entries, Err: err}
	p.mu.Unlock()

	return entries, err
}

func (p *Prober) run(ctx context.Context) ([]Entry, error) {
	cmd := exec.CommandContext(ctx, p.binary, p.args...)

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("device: probe %s: %w", p.binary, ctx.Err())
		}
		// Non-zero exit from an enumeration helper is common (some helpers
		// exit non-zero after printing their device list to stderr); the
		// probe is advisory, so the parsed output is still returned.
	}

	return ParseDeviceList(combined.String()), nil
}

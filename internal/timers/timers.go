// SPDX-License-Identifier: MIT

// Package timers provides the Pipeline Supervisor's named timer set.
//
// Reference: generalizes the single ad-hoc kill timer
// internal/stream/manager.go arms per stop() via context.WithTimeout
// plus a bare goroutine into five named, single-shot, individually
// cancellable timers sharing one teardown routine.
package timers

import (
	"sync"
	"time"
)

// Kind names one of the five timer slots a Supervisor owns.
type Kind int

const (
	Start Kind = iota
	Idle
	Watchdog
	Kill
	Restart

	numKinds
)

func (k Kind) String() string {
	switch k {
	case Start:
		return "start"
	case Idle:
		return "idle"
	case Watchdog:
		return "watchdog"
	case Kill:
		return "kill"
	case Restart:
		return "restart"
	default:
		return "unknown"
	}
}

// Bundle owns at most one live timer per Kind. Reset is always preceded
// by Clear (enforced internally); ClearAll is called on entry to stop,
// recovery and broken. A successful attach clears only the start timer.
type Bundle struct {
	mu     sync.Mutex
	timers [numKinds]*time.Timer
}

// New returns an empty Bundle with no timers armed.
func New() *Bundle {
	return &Bundle{}
}

// Reset arms (or re-arms) the named timer to fire fn after d. Any
// previously armed timer of the same kind is cleared first, so at most
// one live timer of each named kind ever exists.
func (b *Bundle) Reset(k Kind, d time.Duration, fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.clearLocked(k)
	var self *time.Timer
	self = time.AfterFunc(d, func() {
		b.mu.Lock()
		if b.timers[k] == self {
			b.timers[k] = nil
		}
		b.mu.Unlock()
		fn()
	})
	b.timers[k] = self
}

// Clear cancels the named timer if armed. Safe to call when not armed.
func (b *Bundle) Clear(k Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearLocked(k)
}

func (b *Bundle) clearLocked(k Kind) {
	if t := b.timers[k]; t != nil {
		t.Stop()
		b.timers[k] = nil
	}
}

// ClearAll cancels every armed timer. The Supervisor calls it on entry
// to stop, recovery and broken; it does not call it on a successful
// attach.
func (b *Bundle) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := Kind(0); k < numKinds; k++ {
		b.clearLocked(k)
	}
}

// Armed reports whether the named timer currently has a pending fire.
// Used by tests verifying the "no timer is armed after stop()" invariant.
func (b *Bundle) Armed(k Kind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timers[k] != nil
}

// AnyArmed reports whether any timer in the bundle is currently armed.
func (b *Bundle) AnyArmed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := Kind(0); k < numKinds; k++ {
		if b.timers[k] != nil {
			return true
		}
	}
	return false
}

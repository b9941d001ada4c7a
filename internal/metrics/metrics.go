// SPDX-License-Identifier: MIT

// Package metrics supplies the default, concrete implementation of the
// external Metrics collaborator treated as an interface:
// recordPipelineRestart and recordAudioDeviceDiscovery. It is
// append-only and internally thread-safe: the counters are atomic, and
// a mutex guards only the lookup or creation of a counter in its map.
//
// Reference: adapted from the internal/health/health.go
// /metrics Prometheus-text exposition and ServiceInfo shape.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// RestartMeta carries the metadata attached to one restart recording,
// matching the recover event's meta block.
type RestartMeta struct {
	Attempt         int
	DelayMs         int64
	BaseDelayMs     int64
	AppliedJitterMs int64
	Channel         string
}

// DiscoveryMeta carries metadata for one device-discovery recording.
type DiscoveryMeta struct {
	Channel  string
	Platform string
	Format   string
}

// Recorder is the interface the Pipeline Supervisor depends on;
// described as an external collaborator. Registry is the
// default implementation this repo supplies.
type Recorder interface {
	RecordPipelineRestart(kind, reason string, meta RestartMeta)
	RecordAudioDeviceDiscovery(reason string, meta DiscoveryMeta)
}

type restartKey struct {
	kind   string
	reason string
}

// Registry is an append-only, atomically-counted metrics collector
// shared read-write across all channel supervisors in the process.
type Registry struct {
	mu                sync.Mutex
	restartsByKey     map[restartKey]*atomic.Int64
	discoveryByReason map[string]*atomic.Int64
	attempts          sync.Map // channel -> *atomic.Int64
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		restartsByKey:     make(map[restartKey]*atomic.Int64),
		discoveryByReason: make(map[string]*atomic.Int64),
	}
}

// RecordPipelineRestart increments the restart counter keyed by
// (kind, reason) and records the channel's current attempt number.
func (r *Registry) RecordPipelineRestart(kind, reason string, meta RestartMeta) {
	r.mu.Lock()
	k := restartKey{kind: kind, reason: reason}
	c, ok := r.restartsByKey[k]
	if !ok {
		c = new(atomic.Int64)
		r.restartsByKey[k] = c
	}
	r.mu.Unlock()
	c.Add(1)

	v, _ := r.attempts.LoadOrStore(meta.Channel, new(atomic.Int64))
	v.(*atomic.Int64).Store(int64(meta.Attempt))
}

// RecordAudioDeviceDiscovery increments the discovery counter keyed by
// reason ("ok", "timeout", "error", ...).
func (r *Registry) RecordAudioDeviceDiscovery(reason string, meta DiscoveryMeta) {
	r.mu.Lock()
	c, ok := r.discoveryByReason[reason]
	if !ok {
		c = new(atomic.Int64)
		r.discoveryByReason[reason] = c
	}
	r.mu.Unlock()
	c.Add(1)
}

// ByReason returns a snapshot count of restarts for (kind, reason),
// e.g. Registry.ByReason("audio", "stream-error").
func (r *Registry) ByReason(kind, reason string) int64 {
	r.mu.Lock()
	c, ok := r.restartsByKey[restartKey{kind: kind, reason: reason}]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return c.Load()
}

// Attempt returns the last-recorded attempt number for a channel.
func (r *Registry) Attempt(channel string) int64 {
	v, ok := r.attempts.Load(channel)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// WriteProm writes a Prometheus text-exposition snapshot of all
// counters, matching the style of the health handler.
func (r *Registry) WriteProm(sb *strings.Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()

	type row struct {
		kind, reason string
		count        int64
	}
	var rows []row
	for k, c := range r.restartsByKey {
		rows = append(rows, row{k.kind, k.reason, c.Load()})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].kind != rows[j].kind {
			return rows[i].kind < rows[j].kind
		}
		return rows[i].reason < rows[j].reason
	})

	sb.WriteString("# HELP pipelines_restarts_total Total pipeline restarts by kind and reason.\n")
	sb.WriteString("# TYPE pipelines_restarts_total counter\n")
	for _, rr := range rows {
		fmt.Fprintf(sb, "pipelines_restarts_total{kind=%q,reason=%q} %d\n", rr.kind, rr.reason, rr.count)
	}
}

// SPDX-License-Identifier: MIT

package runtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/fieldscope/capturesup/internal/bus"
	"github.com/fieldscope/capturesup/internal/health"
	"github.com/fieldscope/capturesup/internal/metrics"
	"github.com/fieldscope/capturesup/internal/pipeline"
)

// missingBinaryConfig points at a binary guaranteed absent from PATH
// so the channel sits in a predictable Spawning/Recovering loop
// without ever touching a real ffmpeg install, matching
// internal/pipeline's own baseConfig test fixture.
func missingBinaryConfig(channel string) pipeline.Config {
	return pipeline.Config{
		Channel:                        channel,
		Kind:                           "audio",
		Input:                          "mic",
		BinaryName:                     "capturesup-does-not-exist-binary",
		LegacyBinaryName:               "capturesup-does-not-exist-either",
		StartTimeoutMs:                 50,
		IdleTimeoutMs:                  50,
		WatchdogTimeoutMs:              50,
		RestartDelayMs:                 20,
		RestartMaxDelayMs:              20,
		SilenceCircuitBreakerThreshold: 3,
	}
}

func newTestRegistry() *Registry {
	return New(slog.Default(), metrics.NewRegistry(), bus.New(16))
}

func TestRegistryChannelsReportsRegistered(t *testing.T) {
	reg := newTestRegistry()
	reg.Add(missingBinaryConfig("driveway-mic"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = reg.Run(ctx) }()
	defer cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		infos := reg.Channels()
		if len(infos) == 1 && infos[0].Name == "driveway-mic" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for registered channel to report status")
}

func TestRegistryStartStopUnknownChannel(t *testing.T) {
	reg := newTestRegistry()

	if err := reg.StartChannel("ghost"); err == nil {
		t.Error("StartChannel on unregistered channel: expected error")
	}
	if err := reg.StopChannel("ghost"); err == nil {
		t.Error("StopChannel on unregistered channel: expected error")
	}
}

func TestRegistryStartStopBeforeAttach(t *testing.T) {
	reg := newTestRegistry()
	reg.Add(missingBinaryConfig("driveway-mic"))

	if err := reg.StartChannel("driveway-mic"); err == nil {
		t.Error("StartChannel before Run attaches a supervisor: expected error")
	}
	if err := reg.StopChannel("driveway-mic"); err == nil {
		t.Error("StopChannel before Run attaches a supervisor: expected error")
	}
}

func TestRegistryStopChannelAfterRun(t *testing.T) {
	reg := newTestRegistry()
	reg.Add(missingBinaryConfig("driveway-mic"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = reg.Run(ctx) }()
	defer cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if err := reg.StopChannel("driveway-mic"); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for channel to attach a supervisor")
}

func TestRegistrySatisfiesHealthInterfaces(t *testing.T) {
	reg := newTestRegistry()
	var _ health.StatusProvider = reg
	var _ health.ControlProvider = reg
}

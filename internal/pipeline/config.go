// SPDX-License-Identifier: MIT

package pipeline

import (
	"time"

	"github.com/fieldscope/capturesup/internal/backoff"
	"github.com/fieldscope/capturesup/internal/ladder"
)

// Config is one channel's full configuration. Only Channel, Kind and
// Input are required; everything else is filled in by applyDefaults
// when left zero.
type Config struct {
	Channel string
	Kind    string // "audio" | "video"
	Input   string // URI, "pipe:0", or "mic"

	// Audio-only.
	Device      string
	InputFormat string
	SampleRate  int
	Channels    int

	FrameDurationMs int

	StartTimeoutMs     int
	IdleTimeoutMs      int
	WatchdogTimeoutMs  int
	ForceKillTimeoutMs int

	RestartDelayMs      int
	RestartMaxDelayMs   int
	RestartJitterFactor float64

	SilenceThreshold               float64
	SilenceDurationMs              int
	SilenceCircuitBreakerThreshold int

	// DeviceDiscoveryTimeoutMs bounds the optional audio device-discovery
	// probe that runs before the first spawn. Defaults to 2000ms; set
	// DeviceDiscoveryDisabled to opt out entirely rather than relying on
	// the zero value, so a Config built field-by-field can't silently
	// disable discovery by omission.
	DeviceDiscoveryTimeoutMs int
	DeviceDiscoveryDisabled  bool
	DiscoveryBinary          string
	DiscoveryArgs            []string

	MaxBufferBytes int // video reassembler cap

	// Transport is a hint passed through to the video ladder's input
	// arguments (e.g. an RTSP transport override); parsed by
	// internal/transport for the optional readiness probe.
	Transport string
	// FPS is the video helper's sampled frame rate, required to
	// compose the video subprocess command's "-vf fps=<fps>" tail.
	FPS int

	MicFallbacks map[string][]ladder.Candidate

	BundledBinaryPath string
	BinaryName        string
	LegacyBinaryName  string

	// Random is the injectable uniform source the Backoff Calculator
	// uses; nil selects a real random source.
	Random backoff.Rand
}

func isAudio(kind string) bool { return kind == "audio" }

func applyDefaults(c Config) Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.FrameDurationMs == 0 {
		c.FrameDurationMs = 100
	}
	if c.StartTimeoutMs == 0 {
		c.StartTimeoutMs = 4000
	}
	if c.IdleTimeoutMs == 0 {
		c.IdleTimeoutMs = 5000
	}
	if c.WatchdogTimeoutMs == 0 {
		c.WatchdogTimeoutMs = c.IdleTimeoutMs
	}
	if c.ForceKillTimeoutMs == 0 {
		c.ForceKillTimeoutMs = 3000
	}
	if c.RestartDelayMs == 0 {
		if isAudio(c.Kind) {
			c.RestartDelayMs = 3000
		} else {
			c.RestartDelayMs = 500
		}
	}
	if c.RestartMaxDelayMs == 0 {
		if isAudio(c.Kind) {
			c.RestartMaxDelayMs = 6000
		} else {
			c.RestartMaxDelayMs = 5000
		}
	}
	if c.RestartJitterFactor == 0 {
		if isAudio(c.Kind) {
			c.RestartJitterFactor = 0.25
		} else {
			c.RestartJitterFactor = 0.2
		}
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = 0.0025
	}
	if c.SilenceDurationMs == 0 {
		c.SilenceDurationMs = 2000
	}
	if c.SilenceCircuitBreakerThreshold == 0 {
		c.SilenceCircuitBreakerThreshold = 4
	}
	if c.DeviceDiscoveryTimeoutMs == 0 && !c.DeviceDiscoveryDisabled {
		c.DeviceDiscoveryTimeoutMs = 2000
	}
	if c.DeviceDiscoveryDisabled {
		c.DeviceDiscoveryTimeoutMs = 0
	}
	if c.MaxBufferBytes == 0 {
		c.MaxBufferBytes = 5 * 1024 * 1024
	}
	if c.FPS == 0 {
		c.FPS = 5
	}
	if c.BinaryName == "" {
		c.BinaryName = "ffmpeg"
	}
	if c.LegacyBinaryName == "" {
		c.LegacyBinaryName = "avconv"
	}
	return c
}

func durMs(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

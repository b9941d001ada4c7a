// SPDX-License-Identifier: MIT

package config

import (
	"github.com/fieldscope/capturesup/internal/ladder"
	"github.com/fieldscope/capturesup/internal/pipeline"
)

// ToPipelineConfig maps a merged ChannelConfig onto the shape
// pipeline.New expects, converting the YAML-facing candidate list into
// ladder.Candidate values. capturesupd builds each channel's
// pipeline.Config this way so the wire format and the in-process
// struct stay in lockstep.
func ToPipelineConfig(channel string, cc ChannelConfig) pipeline.Config {
	fallbacks := make(map[string][]ladder.Candidate, len(cc.MicFallbacks))
	for platform, candidates := range cc.MicFallbacks {
		converted := make([]ladder.Candidate, len(candidates))
		for i, c := range candidates {
			converted[i] = ladder.Candidate{Format: c.Format, Device: c.Device, Args: c.Args}
		}
		fallbacks[platform] = converted
	}

	return pipeline.Config{
		Channel:                        channel,
		Kind:                           cc.Kind,
		Input:                          cc.Input,
		Device:                         cc.Device,
		InputFormat:                    cc.InputFormat,
		SampleRate:                     cc.SampleRate,
		Channels:                       cc.Channels,
		FrameDurationMs:                cc.FrameDurationMs,
		StartTimeoutMs:                 cc.StartTimeoutMs,
		IdleTimeoutMs:                  cc.IdleTimeoutMs,
		WatchdogTimeoutMs:              cc.WatchdogTimeoutMs,
		ForceKillTimeoutMs:             cc.ForceKillTimeoutMs,
		RestartDelayMs:                 cc.RestartDelayMs,
		RestartMaxDelayMs:              cc.RestartMaxDelayMs,
		RestartJitterFactor:            cc.RestartJitterFactor,
		SilenceThreshold:               cc.SilenceThreshold,
		SilenceDurationMs:              cc.SilenceDurationMs,
		SilenceCircuitBreakerThreshold: cc.SilenceCircuitBreakerThreshold,
		DeviceDiscoveryTimeoutMs:       cc.DeviceDiscoveryTimeoutMs,
		DeviceDiscoveryDisabled:        cc.DeviceDiscoveryDisabled,
		MaxBufferBytes:                 cc.MaxBufferBytes,
		Transport:                      cc.Transport,
		MicFallbacks:                   fallbacks,
		BundledBinaryPath:              cc.BundledBinaryPath,
	}
}

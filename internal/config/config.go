// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/capturesup/config.yaml"

// Config represents the complete capture supervisor configuration:
// one entry per channel plus the defaults merged into any channel
// that omits a field.
type Config struct {
	// Channels contains per-channel configuration keyed by channel id.
	Channels map[string]ChannelConfig `yaml:"channels" koanf:"channels"`

	// Default configuration used to fill unset fields on any channel.
	Default ChannelConfig `yaml:"default" koanf:"default"`

	// Health carries the /healthz + /metrics HTTP server settings.
	Health HealthConfig `yaml:"health" koanf:"health"`
}

// ChannelConfig is the per-channel configuration.
// Zero-valued fields are filled from Config.Default by
// GetChannelConfig, and again from the supervisor's own built-in
// defaults by pipeline.applyDefaults if still unset.
type ChannelConfig struct {
	Kind  string `yaml:"kind" koanf:"kind"`   // "audio" | "video"
	Input string `yaml:"input" koanf:"input"` // URI, "pipe:0", or "mic"

	// Audio-only device selection.
	Device      string `yaml:"device" koanf:"device"`
	InputFormat string `yaml:"input_format" koanf:"input_format"`
	SampleRate  int    `yaml:"sample_rate" koanf:"sample_rate"`
	Channels    int    `yaml:"channels" koanf:"channels"`

	FrameDurationMs int `yaml:"frame_duration_ms" koanf:"frame_duration_ms"`

	StartTimeoutMs     int `yaml:"start_timeout_ms" koanf:"start_timeout_ms"`
	IdleTimeoutMs      int `yaml:"idle_timeout_ms" koanf:"idle_timeout_ms"`
	WatchdogTimeoutMs  int `yaml:"watchdog_timeout_ms" koanf:"watchdog_timeout_ms"`
	ForceKillTimeoutMs int `yaml:"force_kill_timeout_ms" koanf:"force_kill_timeout_ms"`

	RestartDelayMs      int     `yaml:"restart_delay_ms" koanf:"restart_delay_ms"`
	RestartMaxDelayMs   int     `yaml:"restart_max_delay_ms" koanf:"restart_max_delay_ms"`
	RestartJitterFactor float64 `yaml:"restart_jitter_factor" koanf:"restart_jitter_factor"`

	SilenceThreshold               float64 `yaml:"silence_threshold" koanf:"silence_threshold"`
	SilenceDurationMs              int     `yaml:"silence_duration_ms" koanf:"silence_duration_ms"`
	SilenceCircuitBreakerThreshold int     `yaml:"silence_circuit_breaker_threshold" koanf:"silence_circuit_breaker_threshold"`

	DeviceDiscoveryTimeoutMs int `yaml:"device_discovery_timeout_ms" koanf:"device_discovery_timeout_ms"`

	// DeviceDiscoveryDisabled turns off the device-discovery probe
	// outright. This is a separate field rather than overloading
	// DeviceDiscoveryTimeoutMs == 0, because GetChannelConfig's merge
	// cannot otherwise distinguish an explicit "0 disables" from an
	// unset field that should still inherit Default's timeout.
	DeviceDiscoveryDisabled bool `yaml:"device_discovery_disabled" koanf:"device_discovery_disabled"`

	MaxBufferBytes int    `yaml:"max_buffer_bytes" koanf:"max_buffer_bytes"`
	Transport      string `yaml:"transport" koanf:"transport"`

	BundledBinaryPath string `yaml:"bundled_binary_path" koanf:"bundled_binary_path"`

	// MicFallbacks maps a platform tag ("linux", "darwin", "windows",
	// or "*" for wildcard) to operator-supplied candidate overrides,
	// merged platform-specific entries before wildcard ones.
	MicFallbacks map[string][]CandidateConfig `yaml:"mic_fallbacks" koanf:"mic_fallbacks"`
}

// CandidateConfig is the YAML-facing shape of a ladder.Candidate.
type CandidateConfig struct {
	Format string   `yaml:"format" koanf:"format"`
	Device string   `yaml:"device" koanf:"device"`
	Args   []string `yaml:"args" koanf:"args"`
}

// HealthConfig contains health/metrics HTTP server settings.
type HealthConfig struct {
	Addr string `yaml:"addr" koanf:"addr"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

// atomicCreateTemp is the injectable temp-file creator used by Save.
type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to path via a temp-file-then-rename
// sequence so a crash mid-write never leaves a partially written file.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}

	// Config files may carry device paths and network endpoints; keep
	// them owner+group readable only.
	// #nosec G302 -- config file restricted to owner+group for security
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil { // #nosec G703 -- path is from CLI flag/config, not web request input
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// GetChannelConfig returns the configuration for one channel merged
// with Default: any zero-valued field on the channel-specific entry
// is filled from Default.
func (c *Config) GetChannelConfig(channel string) ChannelConfig {
	result := c.Default

	cc, ok := c.Channels[channel]
	if !ok {
		return result
	}

	if cc.Kind != "" {
		result.Kind = cc.Kind
	}
	if cc.Input != "" {
		result.Input = cc.Input
	}
	if cc.Device != "" {
		result.Device = cc.Device
	}
	if cc.InputFormat != "" {
		result.InputFormat = cc.InputFormat
	}
	if cc.SampleRate != 0 {
		result.SampleRate = cc.SampleRate
	}
	if cc.Channels != 0 {
		result.Channels = cc.Channels
	}
	if cc.FrameDurationMs != 0 {
		result.FrameDurationMs = cc.FrameDurationMs
	}
	if cc.StartTimeoutMs != 0 {
		result.StartTimeoutMs = cc.StartTimeoutMs
	}
	if cc.IdleTimeoutMs != 0 {
		result.IdleTimeoutMs = cc.IdleTimeoutMs
	}
	if cc.WatchdogTimeoutMs != 0 {
		result.WatchdogTimeoutMs = cc.WatchdogTimeoutMs
	}
	if cc.ForceKillTimeoutMs != 0 {
		result.ForceKillTimeoutMs = cc.ForceKillTimeoutMs
	}
	if cc.RestartDelayMs != 0 {
		result.RestartDelayMs = cc.RestartDelayMs
	}
	if cc.RestartMaxDelayMs != 0 {
		result.RestartMaxDelayMs = cc.RestartMaxDelayMs
	}
	if cc.RestartJitterFactor != 0 {
		result.RestartJitterFactor = cc.RestartJitterFactor
	}
	if cc.SilenceThreshold != 0 {
		result.SilenceThreshold = cc.SilenceThreshold
	}
	if cc.SilenceDurationMs != 0 {
		result.SilenceDurationMs = cc.SilenceDurationMs
	}
	if cc.SilenceCircuitBreakerThreshold != 0 {
		result.SilenceCircuitBreakerThreshold = cc.SilenceCircuitBreakerThreshold
	}
	if cc.DeviceDiscoveryTimeoutMs != 0 {
		result.DeviceDiscoveryTimeoutMs = cc.DeviceDiscoveryTimeoutMs
	}
	if cc.DeviceDiscoveryDisabled {
		result.DeviceDiscoveryDisabled = true
	}
	if result.DeviceDiscoveryDisabled {
		result.DeviceDiscoveryTimeoutMs = 0
	}
	if cc.MaxBufferBytes != 0 {
		result.MaxBufferBytes = cc.MaxBufferBytes
	}
	if cc.Transport != "" {
		result.Transport = cc.Transport
	}
	if cc.BundledBinaryPath != "" {
		result.BundledBinaryPath = cc.BundledBinaryPath
	}
	if cc.MicFallbacks != nil {
		result.MicFallbacks = cc.MicFallbacks
	}

	return result
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if c.Default.Kind != "" {
		if err := c.Default.Validate(); err != nil {
			return fmt.Errorf("default config: %w", err)
		}
	}
	for name, cc := range c.Channels {
		if err := cc.Validate(); err != nil {
			return fmt.Errorf("channel %q: %w", name, err)
		}
	}
	return nil
}

// Validate checks one channel's configuration for invalid values.
// Only fields that are explicitly set (non-zero) are validated;
// zero-valued fields are expected to be filled from Default.
func (cc *ChannelConfig) Validate() error {
	if cc.Kind != "" && cc.Kind != "audio" && cc.Kind != "video" {
		return fmt.Errorf("kind must be audio or video (got %q)", cc.Kind)
	}
	if cc.SampleRate < 0 {
		return fmt.Errorf("sample_rate must not be negative")
	}
	if cc.Channels < 0 || cc.Channels > 32 {
		return fmt.Errorf("channels must be between 0 and 32")
	}
	if cc.RestartJitterFactor < 0 || cc.RestartJitterFactor > 1 {
		return fmt.Errorf("restart_jitter_factor must be between 0 and 1")
	}
	return nil
}

// DefaultConfig returns a configuration with sensible built-in
// defaults, ready to use when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Channels: make(map[string]ChannelConfig),
		Default: ChannelConfig{
			Kind:                           "audio",
			SampleRate:                     16000,
			Channels:                       1,
			FrameDurationMs:                100,
			StartTimeoutMs:                 4000,
			IdleTimeoutMs:                  5000,
			WatchdogTimeoutMs:              5000,
			ForceKillTimeoutMs:             3000,
			RestartDelayMs:                 3000,
			RestartMaxDelayMs:              6000,
			RestartJitterFactor:            0.25,
			SilenceThreshold:               0.0025,
			SilenceDurationMs:              2000,
			SilenceCircuitBreakerThreshold: 4,
			DeviceDiscoveryTimeoutMs:       2000,
			MaxBufferBytes:                 5 * 1024 * 1024,
		},
		Health: HealthConfig{
			Addr: "127.0.0.1:9998",
		},
	}
}

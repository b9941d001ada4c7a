// SPDX-License-Identifier: MIT

package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MigrateFromBash migrates configuration from bash environment variables to YAML.
//
// The legacy version used environment variables in this format:
//
//	SAMPLE_RATE_device_name=48000
//	CHANNELS_device_name=2
//
//	DEFAULT_SAMPLE_RATE=48000
//	DEFAULT_CHANNELS=2
//
// Only sample rate and channel count carry over: the legacy format's
// bitrate/codec/thread-queue knobs described an output encoder's
// settings, which raw PCM/PNG capture has no equivalent for.
//
// This function parses those variables and creates a Config struct
// that can be saved as YAML.
//
// Parameters:
//   - bashConfigPath: Path to bash config file with environment variables
//
// Returns:
//   - *Config: Migrated configuration
//   - error: if file cannot be read or parsed
//
// Example:
//
//	cfg, err := MigrateFromBash("/etc/mediamtx/audio-devices.conf")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg.Save("/etc/capturesup/config.yaml")
func MigrateFromBash(bashConfigPath string) (*Config, error) {
	// Start with default config
	cfg := DefaultConfig()

	// Open bash config file
	file, err := os.Open(bashConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open bash config: %w", err)
	}
	defer func() { _ = file.Close() }()

	// Track which channels we've seen
	channels := make(map[string]*ChannelConfig)

	// Parse line by line
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()

		varName, channelName, value, ok := parseBashEnvLine(line)
		if !ok {
			continue // Skip comments, empty lines, etc.
		}

		// Handle default variables (no channel suffix)
		if strings.HasPrefix(varName, "DEFAULT_") {
			if err := applyDefaultValue(&cfg.Default, varName, value); err != nil {
				return nil, fmt.Errorf("invalid default value for %s: %w", varName, err)
			}
			continue
		}

		// Handle channel-specific variables
		if channelName == "" {
			continue // Skip variables without channel suffix
		}

		// Get or create channel config
		if _, exists := channels[channelName]; !exists {
			channels[channelName] = &ChannelConfig{}
		}

		// Apply value to channel config
		if err := applyChannelValue(channels[channelName], varName, value); err != nil {
			return nil, fmt.Errorf("invalid value for %s_%s: %w", varName, channelName, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading bash config: %w", err)
	}

	// Convert map to config.Channels
	cfg.Channels = make(map[string]ChannelConfig, len(channels))
	for name, chCfg := range channels {
		cfg.Channels[name] = *chCfg
	}

	return cfg, nil
}

// parseBashEnvLine parses a bash environment variable assignment.
//
// Returns:
//   - varName: Variable name (e.g., "SAMPLE_RATE", "DEFAULT_CHANNELS")
//   - channelName: Channel name suffix (e.g., "front_door", "" for defaults)
//   - value: Variable value (unquoted)
//   - ok: true if line was successfully parsed
//
// Example:
//
//	varName, channel, value, ok := parseBashEnvLine("SAMPLE_RATE_front_door=48000")
//	// varName = "SAMPLE_RATE", channel = "front_door", value = "48000", ok = true
//
//	varName, channel, value, ok := parseBashEnvLine("DEFAULT_CHANNELS=2")
//	// varName = "DEFAULT_CHANNELS", channel = "", value = "2", ok = true
func parseBashEnvLine(line string) (varName, channelName, value string, ok bool) {
	// Trim whitespace
	line = strings.TrimSpace(line)

	// Skip empty lines and comments
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", "", false
	}

	// Remove "export " prefix if present
	line = strings.TrimPrefix(line, "export ")
	line = strings.TrimSpace(line)

	// Split on first '='
	parts := strings.SplitN(line, "=", 2)
	if len(parts) != 2 {
		return "", "", "", false
	}

	fullVarName := strings.TrimSpace(parts[0])
	value = strings.TrimSpace(parts[1])

	// Remove quotes from value
	value = strings.Trim(value, `"'`)

	// Check for default variables (no channel suffix)
	if strings.HasPrefix(fullVarName, "DEFAULT_") {
		return fullVarName, "", value, true
	}

	// Parse channel-specific variables: VAR_NAME_channel_name
	knownVars := []string{
		"SAMPLE_RATE_",
		"CHANNELS_",
	}

	// Check each known variable prefix
	for _, prefix := range knownVars {
		if strings.HasPrefix(fullVarName, prefix) {
			varName = strings.TrimSuffix(prefix, "_")
			channelName = strings.TrimPrefix(fullVarName, prefix)
			return varName, channelName, value, true
		}
	}

	// Unknown variable format
	return "", "", "", false
}

// applyDefaultValue applies a default configuration value.
func applyDefaultValue(cfg *ChannelConfig, varName, value string) error {
	switch varName {
	case "DEFAULT_SAMPLE_RATE":
		rate, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid sample rate: %w", err)
		}
		cfg.SampleRate = rate

	case "DEFAULT_CHANNELS":
		channels, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid channels: %w", err)
		}
		cfg.Channels = channels
	}

	return nil
}

// applyChannelValue applies a channel-specific configuration value.
func applyChannelValue(cfg *ChannelConfig, varName, value string) error {
	switch varName {
	case "SAMPLE_RATE":
		rate, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid sample rate: %w", err)
		}
		cfg.SampleRate = rate

	case "CHANNELS":
		channels, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid channels: %w", err)
		}
		cfg.Channels = channels
	}

	return nil
}

// SPDX-License-Identifier: MIT

// Package main implements capturesupd, the capture pipeline supervisor
// daemon. It is designed for 24/7 unattended operation, managing
// multiple audio/video capture channels with automatic failure
// recovery and graceful shutdown.
//
// Usage:
//
//	capturesupd [options]
//
// Options:
//
//	--config=PATH   Path to config file (default: /etc/capturesup/config.yaml)
//	--log-level=LEVEL Log level: debug, info, warn, error (default: info)
//	--log-file=PATH Rotating log file, in addition to stderr (default: none)
//	--help          Show this help message
//
// Example:
//
//	# Run with default config
//	capturesupd
//
//	# Run with custom config
//	capturesupd --config=/path/to/config.yaml
//
// The daemon automatically:
//   - Starts a capture pipeline per configured channel
//   - Restarts failed pipelines with exponential backoff
//   - Exposes /healthz and /metrics over HTTP
//   - Handles SIGINT/SIGTERM for graceful shutdown
//
// Reference: grounded on cmd/lyrebird-stream/main.go's flag handling,
// manager-registration loop, and signal-driven shutdown, generalized
// from auto-detected ALSA devices plus one hardcoded MediaMTX target to
// explicitly configured audio/video channels registered with a
// suture-backed internal/runtime.Registry.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fieldscope/capturesup/internal/bus"
	"github.com/fieldscope/capturesup/internal/config"
	"github.com/fieldscope/capturesup/internal/discovery"
	"github.com/fieldscope/capturesup/internal/health"
	"github.com/fieldscope/capturesup/internal/logging"
	"github.com/fieldscope/capturesup/internal/metrics"
	"github.com/fieldscope/capturesup/internal/runtime"
)

// Build information (set by ldflags).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath  = flag.String("config", config.ConfigFilePath, "Path to configuration file")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFile     = flag.String("log-file", "", "Path to a rotating log file (in addition to stderr); empty disables file logging")
	advertise   = flag.Bool("advertise", false, "Advertise channel endpoints over mDNS/DNS-SD")
	showHelp    = flag.Bool("help", false, "Show help message")
	showVersion = flag.Bool("version", false, "Show version and exit")
)

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		fmt.Printf("capturesupd %s (%s) built %s\n", Version, Commit, BuildTime)
		return
	}

	logger, closeLog, err := newLogger(*logLevel, *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", *logFile, err)
		os.Exit(1)
	}
	defer closeLog()
	logger.Info("starting capturesupd", "version", Version, "commit", Commit)

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}
	logger.Info("configuration loaded", "path", *configPath, "channels", len(cfg.Channels))

	if len(cfg.Channels) == 0 {
		logger.Warn("no channels configured, nothing to supervise")
	}

	recorder := metrics.NewRegistry()
	eventBus := bus.New(64)

	reg := runtime.New(logger, recorder, eventBus)
	channelNames := make([]string, 0, len(cfg.Channels))
	for name := range cfg.Channels {
		merged := cfg.GetChannelConfig(name)
		reg.Add(config.ToPipelineConfig(name, merged))
		channelNames = append(channelNames, name)
		logger.Info("registered channel", "channel", name, "kind", merged.Kind, "input", merged.Input)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthAddr := cfg.Health.Addr
	if healthAddr == "" {
		healthAddr = "127.0.0.1:9998"
	}
	_, healthPortStr, err := net.SplitHostPort(healthAddr)
	if err != nil {
		healthPortStr = "9998"
	}
	healthPort, err := strconv.Atoi(healthPortStr)
	if err != nil {
		healthPort = 9998
	}

	if *advertise {
		advertiser, advErr := discovery.NewAdvertiser()
		if advErr != nil {
			logger.Warn("mDNS advertisement unavailable, continuing without it", "error", advErr)
		} else {
			text := map[string]string{"channels": strings.Join(channelNames, ",")}
			if err := advertiser.Announce("capturesupd", healthPort, text); err != nil {
				logger.Warn("failed to announce service", "error", err)
			} else {
				go func() {
					<-ctx.Done()
					advertiser.Close()
				}()
				advertiser.Start(ctx)
				logger.Info("advertising over mDNS/DNS-SD", "service", discovery.ServiceType)
			}
		}
	}

	handler := health.NewHandler(reg, recorder)

	healthErrCh := make(chan error, 1)
	go func() {
		healthErrCh <- health.ListenAndServe(ctx, healthAddr, handler)
	}()
	logger.Info("health/metrics server listening", "addr", healthAddr)

	runErr := reg.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("runtime registry exited with error", "error", runErr)
	}

	if err := <-healthErrCh; err != nil {
		logger.Error("health server exited with error", "error", err)
	}

	logger.Info("shutdown complete")
}

// newLogger builds the daemon's slog.Logger. When logFile is set, log
// lines go to both stderr and a size-rotated file via internal/logging,
// since a 24/7 unattended daemon otherwise has no record of what
// happened once the invoking terminal or systemd journal has rotated
// past it. The returned close func must run on shutdown to flush and
// close the rotating file; it is a no-op when logFile is empty.
func newLogger(level, logFile string) (*slog.Logger, func(), error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	closeLog := func() {}
	if logFile != "" {
		rw, err := logging.NewRotatingWriter(logFile, logging.WithCompression(true))
		if err != nil {
			return nil, nil, err
		}
		w = io.MultiWriter(os.Stderr, rw)
		closeLog = func() { _ = rw.Close() }
	}

	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(h), closeLog, nil
}

// loadConfiguration loads the config file, falling back to built-in
// defaults if it doesn't exist yet.
func loadConfiguration(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}

	kc, err := config.NewKoanfConfig(
		config.WithYAMLFile(path),
		config.WithEnvPrefix("CAPTURESUP"),
	)
	if err != nil {
		return nil, err
	}
	return kc.Load()
}

func printUsage() {
	fmt.Println("capturesupd - capture pipeline supervisor daemon")
	fmt.Printf("Version: %s (%s)\n\n", Version, Commit)
	fmt.Println("Usage: capturesupd [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("The daemon supervises one capture pipeline per configured channel,")
	fmt.Println("restarting failed pipelines with exponential backoff, and reports")
	fmt.Println("channel health over /healthz and /metrics.")
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM  Graceful shutdown")
}

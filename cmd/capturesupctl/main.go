// SPDX-License-Identifier: MIT

// Package main implements capturesupctl, the capture-supervisor
// operator CLI. It never touches the supervisor state machine or the
// subprocess tree directly; it talks to a running capturesupd over its
// /healthz and /control HTTP surface, and reads the same YAML
// configuration file the daemon loads for offline validation and
// device listing.
//
// Usage:
//
//	capturesupctl [COMMAND] [OPTIONS]
//
// Commands:
//
//	help              Show this help message
//	version           Show version information
//	validate          Validate a configuration file
//	status            Show channel status (from a running daemon)
//	devices           Probe and list capture devices for a channel
//	start             Start a channel on a running daemon
//	stop              Stop a channel on a running daemon
//	menu              Launch the interactive operator menu
//
// Reference: grounded on cmd/lyrebird/main.go's flag-per-subcommand
// dispatch (run/runHelp/runValidate/runStatus/runMenu), generalized
// from direct bash-service/lock-file inspection to querying a running
// daemon's HTTP control surface, since capturesupd (unlike lyrebird's
// systemd-unit-per-stream model) is a single long-running process that
// owns every channel itself.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fieldscope/capturesup/internal/config"
	"github.com/fieldscope/capturesup/internal/device"
	"github.com/fieldscope/capturesup/internal/diagnostics"
	"github.com/fieldscope/capturesup/internal/health"
	"github.com/fieldscope/capturesup/internal/menu"
	"github.com/fieldscope/capturesup/internal/transport"
)

// Build information (set by ldflags).
var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

const (
	exitSuccess = 0
	exitError   = 1
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

func run(args []string) error {
	if len(args) == 0 {
		return runHelp()
	}

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "help", "--help", "-h":
		return runHelp()
	case "version", "--version", "-v":
		return runVersion()
	case "validate":
		return runValidate(commandArgs)
	case "status":
		return runStatus(commandArgs)
	case "devices":
		return runDevices(commandArgs)
	case "start":
		return runControl(commandArgs, "start")
	case "stop":
		return runControl(commandArgs, "stop")
	case "menu":
		return runMenu(commandArgs)
	case "backup":
		return runBackup(commandArgs)
	case "restore":
		return runRestore(commandArgs)
	case "migrate":
		return runMigrate(commandArgs)
	case "diagnose":
		return runDiagnose(commandArgs)
	default:
		return fmt.Errorf("unknown command: %s (run 'capturesupctl help' for usage)", command)
	}
}

func runHelp() error {
	fmt.Printf(`capturesupctl v%s

USAGE:
    capturesupctl [COMMAND] [OPTIONS]

COMMANDS:
    help              Show this help message
    version           Show version information
    validate          Validate a configuration file
    status            Show channel status from a running daemon
    devices           Probe and list capture devices for a channel
    start <channel>   Start a channel on a running daemon
    stop <channel>    Stop a channel on a running daemon
    menu              Launch the interactive operator menu
    backup            Snapshot the current configuration file
    restore <backup>  Restore a configuration file from a backup
    migrate <bash>    Migrate a legacy bash-env config to YAML
    diagnose          Check binaries, ALSA devices, lock dir, daemon health

OPTIONS:
    --config PATH     Path to configuration file (default: %s)
    --addr ADDR       Daemon health/control address (default: %s)
    --backup-dir DIR  Backup directory (default: %s)
    --probe-transport With 'status': probe HTTP(S) video channel inputs for readiness

EXAMPLES:
    capturesupctl validate --config /etc/capturesup/config.yaml
    capturesupctl status --addr 127.0.0.1:9998
    capturesupctl devices --channel driveway-mic
    capturesupctl start driveway-mic
    capturesupctl backup
    capturesupctl restore /etc/capturesup/backups/config.yaml.2026-01-01T00-00-00.bak
    capturesupctl migrate /etc/mediamtx/audio-devices.conf
    capturesupctl diagnose --addr 127.0.0.1:9998
    capturesupctl menu
`, Version, config.ConfigFilePath, defaultAddr, config.DefaultBackupDir)
	return nil
}

func runVersion() error {
	fmt.Printf("capturesupctl %s (%s) built %s\n", Version, GitCommit, BuildDate)
	return nil
}

const defaultAddr = "127.0.0.1:9998"

// parseFlags does the minimal --config/--addr/--channel parsing every
// subcommand below shares: hand-rolled prefix/equals flag scanning
// rather than a flag.FlagSet per subcommand for a handful of options.
func parseFlags(args []string) (configPath, addr, channel string, rest []string) {
	configPath, addr, channel, _, rest = parseFlagsWithBackupDir(args)
	return
}

func parseFlagsWithBackupDir(args []string) (configPath, addr, channel, backupDir string, rest []string) {
	configPath = config.ConfigFilePath
	addr = defaultAddr
	backupDir = config.DefaultBackupDir

	for i := 0; i < len(args); i++ {
		switch {
		case strings.HasPrefix(args[i], "--config="):
			configPath = strings.TrimPrefix(args[i], "--config=")
		case args[i] == "--config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--addr="):
			addr = strings.TrimPrefix(args[i], "--addr=")
		case args[i] == "--addr" && i+1 < len(args):
			addr = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--channel="):
			channel = strings.TrimPrefix(args[i], "--channel=")
		case args[i] == "--channel" && i+1 < len(args):
			channel = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--backup-dir="):
			backupDir = strings.TrimPrefix(args[i], "--backup-dir=")
		case args[i] == "--backup-dir" && i+1 < len(args):
			backupDir = args[i+1]
			i++
		default:
			rest = append(rest, args[i])
		}
	}
	return
}

func runValidate(args []string) error {
	configPath, _, _, _ := parseFlags(args)

	fmt.Printf("Validating configuration: %s\n\n", configPath)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	fmt.Println("config OK")
	fmt.Printf("%d channel(s) configured\n", len(cfg.Channels))
	for name, cc := range cfg.Channels {
		fmt.Printf("  - %s (%s, input=%s)\n", name, cc.Kind, cc.Input)
	}

	return nil
}

func runStatus(args []string) error {
	configPath, addr, _, flags := parseFlags(args)
	jsonOutput := false
	probeTransport := false
	for _, f := range flags {
		switch f {
		case "--json", "-j":
			jsonOutput = true
		case "--probe-transport":
			probeTransport = true
		}
	}

	client := newDaemonClient(addr)
	resp, err := client.fetchHealth(context.Background())
	if err != nil {
		return fmt.Errorf("failed to reach daemon at %s: %w", addr, err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	fmt.Printf("capturesupd status: %s\n\n", resp.Status)
	if len(resp.Channels) == 0 {
		fmt.Println("  (no channels configured)")
		return nil
	}

	var cfg *config.Config
	if probeTransport {
		cfg, _ = config.LoadConfig(configPath)
	}

	for _, c := range resp.Channels {
		fmt.Printf("  %-16s kind=%-6s state=%-11s attempt=%-3d circuit=%-3d healthy=%v\n",
			c.Name, c.Kind, c.State, c.Attempt, c.CircuitFailCount, c.Healthy)
		if probeTransport && c.Kind == "video" && cfg != nil {
			printTransportReadiness(c.Name, cfg.GetChannelConfig(c.Name).Input)
		}
	}
	return nil
}

// printTransportReadiness probes a video channel's input endpoint if
// it is HTTP(S)-addressable and prints the result; non-HTTP inputs
// (rtsp://, device paths) are skipped since they aren't reachable
// with a plain HTTP readiness check.
func printTransportReadiness(channel, input string) {
	if !strings.HasPrefix(input, "http://") && !strings.HasPrefix(input, "https://") {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultTimeout)
	defer cancel()

	r := transport.NewClient().Probe(ctx, input)
	switch {
	case r.Ready:
		fmt.Printf("    %s transport: ready (status %d)\n", channel, r.StatusCode)
	case r.Err != "":
		fmt.Printf("    %s transport: unreachable (%s)\n", channel, r.Err)
	default:
		fmt.Printf("    %s transport: not ready (status %d)\n", channel, r.StatusCode)
	}
}

func runDevices(args []string) error {
	configPath, _, channel, _ := parseFlags(args)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if channel == "" {
		fmt.Println("no --channel given; probing with the default binary")
	}

	cc := cfg.GetChannelConfig(channel)
	binary := "ffmpeg"
	entries, err := probeDevices(binary, cc.InputFormat)
	if err != nil {
		return fmt.Errorf("device probe failed: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("(no devices found)")
		return nil
	}
	for _, e := range entries {
		fmt.Println(e.Label)
	}
	return nil
}

func probeDevices(binary, format string) ([]device.Entry, error) {
	prober := device.NewProber(binary, []string{"-f", format, "-list_devices", "true", "-i", "dummy"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return prober.Probe(ctx, format)
}

func runControl(args []string, verb string) error {
	_, addr, _, rest := parseFlags(args)
	if len(rest) == 0 {
		return fmt.Errorf("usage: capturesupctl %s <channel>", verb)
	}
	channel := rest[0]

	client := newDaemonClient(addr)
	var err error
	switch verb {
	case "start":
		err = client.control(context.Background(), "start", channel)
	case "stop":
		err = client.control(context.Background(), "stop", channel)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", verb, channel, err)
	}
	fmt.Printf("%s %s: ok\n", verb, channel)
	return nil
}

func runBackup(args []string) error {
	configPath, _, _, backupDir, _ := parseFlagsWithBackupDir(args)

	path, err := config.BackupConfig(configPath, backupDir)
	if err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	fmt.Printf("backed up %s -> %s\n", configPath, path)
	return nil
}

func runRestore(args []string) error {
	configPath, _, _, backupDir, rest := parseFlagsWithBackupDir(args)
	if len(rest) == 0 {
		return fmt.Errorf("usage: capturesupctl restore <backup-path>")
	}
	backupPath := rest[0]

	previous, err := config.RestoreBackup(backupPath, configPath, backupDir)
	if err != nil {
		return fmt.Errorf("restore failed: %w", err)
	}
	if previous != "" {
		fmt.Printf("restored %s from %s (previous config saved to %s)\n", configPath, backupPath, previous)
	} else {
		fmt.Printf("restored %s from %s\n", configPath, backupPath)
	}
	return nil
}

func runMigrate(args []string) error {
	configPath, _, _, _, rest := parseFlagsWithBackupDir(args)
	if len(rest) == 0 {
		return fmt.Errorf("usage: capturesupctl migrate <bash-config-path>")
	}
	bashConfigPath := rest[0]

	cfg, err := config.MigrateFromBash(bashConfigPath)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("failed to save migrated config: %w", err)
	}
	fmt.Printf("migrated %s -> %s (%d channel(s))\n", bashConfigPath, configPath, len(cfg.Channels))
	return nil
}

func runDiagnose(args []string) error {
	configPath, addr, _, flags := parseFlags(args)
	lockDir := ""
	for i := 0; i < len(flags); i++ {
		if flags[i] == "--lock-dir" && i+1 < len(flags) {
			lockDir = flags[i+1]
			i++
		}
	}

	runner := diagnostics.NewRunner(diagnostics.Options{
		ConfigPath: configPath,
		HealthAddr: addr,
		LockDir:    lockDir,
	})
	report := runner.Run(context.Background())
	diagnostics.PrintReport(os.Stdout, report)

	if !report.Healthy {
		return fmt.Errorf("one or more diagnostic checks failed")
	}
	return nil
}

func runMenu(args []string) error {
	configPath, addr, _, _ := parseFlags(args)

	ctl := &daemonController{
		client:     newDaemonClient(addr),
		configPath: configPath,
	}
	m := menu.CreateMainMenu(ctl)
	return m.Display()
}

// daemonController adapts the HTTP daemon client and local config
// loading to menu.Controller.
type daemonController struct {
	client     *daemonClient
	configPath string
}

func (d *daemonController) Channels() ([]menu.ChannelSummary, error) {
	resp, err := d.client.fetchHealth(context.Background())
	if err != nil {
		return nil, err
	}
	summaries := make([]menu.ChannelSummary, 0, len(resp.Channels))
	for _, c := range resp.Channels {
		summaries = append(summaries, menu.ChannelSummary{
			Name:    c.Name,
			Kind:    c.Kind,
			State:   c.State,
			Attempt: c.Attempt,
		})
	}
	return summaries, nil
}

func (d *daemonController) StartChannel(name string) error {
	return d.client.control(context.Background(), "start", name)
}

func (d *daemonController) StopChannel(name string) error {
	return d.client.control(context.Background(), "stop", name)
}

func (d *daemonController) ValidateConfig() error {
	cfg, err := config.LoadConfig(d.configPath)
	if err != nil {
		return err
	}
	return cfg.Validate()
}

func (d *daemonController) ListDevices(format string) ([]string, error) {
	entries, err := probeDevices("ffmpeg", format)
	if err != nil {
		return nil, err
	}
	labels := make([]string, len(entries))
	for i, e := range entries {
		labels[i] = e.Label
	}
	return labels, nil
}

// daemonClient is a thin HTTP client for capturesupd's health/control
// surface (internal/health.Handler).
type daemonClient struct {
	baseURL    string
	httpClient *http.Client
}

func newDaemonClient(addr string) *daemonClient {
	baseURL := addr
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	return &daemonClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (d *daemonClient) fetchHealth(ctx context.Context) (*health.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out health.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode /healthz response: %w", err)
	}
	return &out, nil
}

func (d *daemonClient) control(ctx context.Context, verb, channel string) error {
	url := fmt.Sprintf("%s/control/%s?channel=%s", d.baseURL, verb, channel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return nil
}

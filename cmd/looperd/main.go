// Package main is the entry point for the looperd daemon.
// looperd is a headless manager for Mooer looper pedals: it owns the
// USB session and exposes track transfer, streaming playback and
// device management to clients over IPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/looperlab/looperd/internal/config"
	"github.com/looperlab/looperd/internal/hotplug"
	"github.com/looperlab/looperd/internal/ipc"
	"github.com/looperlab/looperd/internal/media"
	"github.com/looperlab/looperd/internal/playback"
	"github.com/looperlab/looperd/internal/usb"
)

// Version is set at build time via ldflags
var Version = "dev"

// Config holds daemon configuration
type Config struct {
	SocketPath string
	ConfigDir  string
	Verbose    bool
}

func main() {
	cfg := parseFlags()

	if cfg.Verbose {
		log.Printf("looperd version %s starting...", Version)
	}

	// Create context that cancels on interrupt signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.SocketPath, "socket", "", "IPC socket path (default: auto-generated based on UID)")
	flag.StringVar(&cfg.ConfigDir, "config", "", "Configuration directory (default: ~/.config/looperd)")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "Enable verbose logging")
	flag.Parse()

	if cfg.ConfigDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to get home directory: %v", err)
		}
		cfg.ConfigDir = homeDir + "/.config/looperd"
	}

	return cfg
}

func run(ctx context.Context, cfg *Config) error {
	configMgr := config.NewManager(cfg.ConfigDir)
	if err := configMgr.Load(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	daemonCfg := configMgr.Get()

	if cfg.Verbose && !daemonCfg.VerboseUSB {
		daemonCfg.VerboseUSB = true
	}

	// Socket path precedence: flag, then config file, then per-user default.
	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = daemonCfg.SocketPath
	}
	if socketPath == "" {
		socketPath = ipc.DefaultSocketPath()
	}

	if usb.NeedsUdevRule() {
		log.Printf("[USB] No udev rule at %s; the pedal may not be accessible", usb.UdevRulePath)
		log.Printf("[USB] Install the following rule and replug the device:\n%s", usb.UdevRuleContent)
	}

	// Initialize media session (platform-specific)
	mediaSession, err := media.NewSession()
	if err != nil {
		log.Printf("[MEDIA] Warning: failed to initialize media session: %v", err)
		log.Printf("[MEDIA] Continuing without OS media integration")
		mediaSession = media.NewNoOpSession()
	} else {
		log.Printf("[MEDIA] Media session initialized successfully")
	}
	defer mediaSession.Close()

	// Initialize the audio bridge. A host without an output device can
	// still transfer tracks, so this failure is not fatal.
	bridge, err := playback.New()
	if err != nil {
		log.Printf("[PLAYBACK] Warning: failed to open audio output: %v", err)
		log.Printf("[PLAYBACK] Continuing without streaming playback")
		bridge = nil
	} else {
		bridge.SetVolume(daemonCfg.DefaultVolume)
		defer bridge.Close()
	}

	server := ipc.NewServer(socketPath, configMgr, bridge, mediaSession)

	monitor := hotplug.NewMonitor(server, time.Duration(daemonCfg.HotplugPollMs)*time.Millisecond)
	monitor.Start()
	defer monitor.Stop()

	log.Printf("Starting IPC server on %s", socketPath)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("IPC server error: %w", err)
	}

	return nil
}

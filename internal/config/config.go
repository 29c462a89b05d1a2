// Package config handles daemon configuration file management.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the daemon configuration.
type Config struct {
	// DownloadDir is where downloaded slots are written as WAV files.
	DownloadDir string `json:"downloadDir"`

	// DefaultVolume is the playback volume applied at startup, 0-100.
	DefaultVolume int `json:"defaultVolume"`

	// SocketPath overrides the default per-user IPC socket location.
	SocketPath string `json:"socketPath,omitempty"`

	// HotplugPollMs is the device poll interval in milliseconds.
	HotplugPollMs int `json:"hotplugPollMs"`

	// VerboseUSB enables transfer-level logging.
	VerboseUSB bool `json:"verboseUsb"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DownloadDir:   filepath.Join(home, "looper-tracks"),
		DefaultVolume: 100,
		HotplugPollMs: 2000,
	}
}

// Manager handles loading and saving configuration.
type Manager struct {
	configDir  string
	configPath string
	config     *Config
}

// NewManager creates a new configuration manager.
func NewManager(configDir string) *Manager {
	return &Manager{
		configDir:  configDir,
		configPath: filepath.Join(configDir, "config.json"),
		config:     DefaultConfig(),
	}
}

// Load reads the configuration from disk, creating the default file on
// first run. Fields absent from the file keep their defaults.
func (m *Manager) Load() error {
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		m.config = DefaultConfig()
		return m.Save()
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	if config.DefaultVolume < 0 {
		config.DefaultVolume = 0
	}
	if config.DefaultVolume > 100 {
		config.DefaultVolume = 100
	}
	if config.HotplugPollMs <= 0 {
		config.HotplugPollMs = DefaultConfig().HotplugPollMs
	}

	m.config = config
	return nil
}

// Save writes the configuration to disk.
func (m *Manager) Save() error {
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	return m.config
}

// GetPath returns the config file path.
func (m *Manager) GetPath() string {
	return m.configPath
}

// Update replaces the configuration and saves it.
func (m *Manager) Update(config *Config) error {
	m.config = config
	return m.Save()
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/hbutton-bridge/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig `yaml:"device"`
	Audio    AudioConfig  `yaml:"audio"`
	Hotkey   HotkeyConfig `yaml:"hotkey"`
	Tray     TrayConfig   `yaml:"tray"`
	Status   StatusConfig `yaml:"status"`
	UI       UIConfig     `yaml:"ui"`
	LogLevel string       `yaml:"log_level"`
	LogFile  string       `yaml:"log_file"`
}

// DeviceConfig holds H-Button discovery and session settings.
type DeviceConfig struct {
	NameFilter     string        `yaml:"name_filter"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadAttempts   int           `yaml:"read_attempts"`
	ReadRetryDelay time.Duration `yaml:"read_retry_delay"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	RetryMax       time.Duration `yaml:"retry_max"` // cap on the session start backoff
}

// AudioConfig selects the mixer backend.
type AudioConfig struct {
	Backend         string        `yaml:"backend"` // "alsa" or "null"
	Card            int           `yaml:"card"`
	PlaybackControl string        `yaml:"playback_control"`
	CaptureControl  string        `yaml:"capture_control"`
	PollInterval    time.Duration `yaml:"poll_interval"` // 0 disables the mixer poller
}

// HotkeyConfig holds the global mute hotkey settings.
type HotkeyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Keys    []string `yaml:"keys"`
	Mode    string   `yaml:"mode"` // "hold" or "toggle"
}

// TrayConfig holds desktop notification settings.
type TrayConfig struct {
	DesktopNotifications bool `yaml:"desktop_notifications"`
}

// StatusConfig holds the HTTP status endpoint settings.
type StatusConfig struct {
	Listen string `yaml:"listen"` // empty disables
}

// UIConfig holds terminal UI settings.
type UIConfig struct {
	Monitor bool `yaml:"monitor"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "hbutton-bridge")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			NameFilter:     ble.DefaultNameFilter,
			ConnectTimeout: 10 * time.Second,
			ReadAttempts:   100,
			ReadRetryDelay: 20 * time.Millisecond,
			Heartbeat:      time.Second,
			RetryMax:       30 * time.Second,
		},
		Audio: AudioConfig{
			Backend:         "alsa",
			Card:            0,
			PlaybackControl: "Master",
			CaptureControl:  "Capture",
			PollInterval:    500 * time.Millisecond,
		},
		Hotkey: HotkeyConfig{
			Enabled: false,
			Keys:    []string{"ctrl", "alt", "m"},
			Mode:    "toggle",
		},
		Tray: TrayConfig{
			DesktopNotifications: true,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in log_file is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.LogFile = expandTilde(cfg.LogFile)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.NameFilter == "" {
		return fmt.Errorf("device.name_filter must not be empty")
	}
	if c.Device.ConnectTimeout <= 0 {
		return fmt.Errorf("device.connect_timeout must be > 0")
	}
	if c.Device.ReadAttempts <= 0 {
		return fmt.Errorf("device.read_attempts must be > 0")
	}
	if c.Device.ReadRetryDelay < 0 {
		return fmt.Errorf("device.read_retry_delay must not be negative")
	}
	if c.Device.Heartbeat < 0 {
		return fmt.Errorf("device.heartbeat must not be negative")
	}
	if c.Device.RetryMax < time.Second {
		return fmt.Errorf("device.retry_max must be at least 1s")
	}

	switch c.Audio.Backend {
	case "alsa":
		if c.Audio.Card < 0 {
			return fmt.Errorf("audio.card must be >= 0")
		}
		if c.Audio.PlaybackControl == "" || c.Audio.CaptureControl == "" {
			return fmt.Errorf("audio.playback_control and audio.capture_control must not be empty")
		}
	case "null":
	default:
		return fmt.Errorf("audio.backend must be \"alsa\" or \"null\", got %q", c.Audio.Backend)
	}
	if c.Audio.PollInterval < 0 {
		return fmt.Errorf("audio.poll_interval must not be negative")
	}

	if c.Hotkey.Enabled && len(c.Hotkey.Keys) == 0 {
		return fmt.Errorf("hotkey.keys must not be empty")
	}
	switch c.Hotkey.Mode {
	case "hold", "toggle":
	default:
		return fmt.Errorf("hotkey.mode must be \"hold\" or \"toggle\", got %q", c.Hotkey.Mode)
	}

	if c.Status.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Status.Listen); err != nil {
			return fmt.Errorf("status.listen: %w", err)
		}
	}

	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be trace, debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level string to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "trace":
		return ble.LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# hbutton-bridge configuration
# Generated with default values. Durations use Go syntax (500ms, 10s).
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

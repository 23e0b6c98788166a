// Package config loads and validates the daemon configuration. Loading and
// validation are split: Load fills defaults and parses YAML, Validate checks
// correctness and never mutates.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Queue     QueueConfig     `yaml:"queue"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Fleet     FleetConfig     `yaml:"fleet"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
}

// ---- TRANSPORT ----

type TransportConfig struct {
	// Adapter is the HCI device identifier, e.g. "default" or "hci0".
	Adapter string `yaml:"adapter" default:"default"`
}

// ---- SCANNER ----

type ScannerConfig struct {
	ActiveWindow       time.Duration `yaml:"active_window" default:"8s"`
	IdleGap            time.Duration `yaml:"idle_gap" default:"15s"`
	MinRestartInterval time.Duration `yaml:"min_restart_interval" default:"3s"`
	RSSIFloor          int           `yaml:"rssi_floor" default:"-85"`
	NamePatterns       []string      `yaml:"name_patterns"`
}

// ---- QUEUE ----

type QueueConfig struct {
	ConfirmInterval time.Duration `yaml:"confirm_interval" default:"200ms"`
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout" default:"10s"`
	SettleDelay     time.Duration `yaml:"settle_delay" default:"200ms"`
}

// ---- RECONNECT ----

type ReconnectConfig struct {
	BaseDelay     time.Duration `yaml:"base_delay" default:"500ms"`
	MaxDelay      time.Duration `yaml:"max_delay" default:"15s"`
	MaxAttempts   int           `yaml:"max_attempts" default:"5"`
	RescanTimeout time.Duration `yaml:"rescan_timeout" default:"2s"`
	HandleTTL     time.Duration `yaml:"handle_ttl" default:"30s"`
}

// ---- FLEET ----

type FleetConfig struct {
	PreflightRounds  int           `yaml:"preflight_rounds" default:"2"`
	PreflightTimeout time.Duration `yaml:"preflight_timeout" default:"10s"`
	PollInterval     time.Duration `yaml:"poll_interval" default:"5s"`
}

// ---- BROADCAST ----

type BroadcastConfig struct {
	RatePerSec int    `yaml:"rate_per_sec" default:"10"`
	BindAddr   string `yaml:"bind_addr" default:":8090"`
}

// New returns a Config with every default applied and no file read.
func New() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file over the defaults. An empty path yields the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := New()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks configuration correctness. It MUST NOT mutate.
func Validate(cfg *Config) error {
	if cfg.Scanner.ActiveWindow <= 0 {
		return fmt.Errorf("scanner: active_window must be positive, got %s", cfg.Scanner.ActiveWindow)
	}
	if cfg.Scanner.IdleGap <= 0 {
		return fmt.Errorf("scanner: idle_gap must be positive, got %s", cfg.Scanner.IdleGap)
	}
	if cfg.Scanner.RSSIFloor > 0 {
		return fmt.Errorf("scanner: rssi_floor must be zero or negative dBm, got %d", cfg.Scanner.RSSIFloor)
	}
	for _, p := range cfg.Scanner.NamePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("scanner: invalid name pattern %q: %w", p, err)
		}
	}

	if cfg.Queue.ConfirmInterval <= 0 {
		return fmt.Errorf("queue: confirm_interval must be positive, got %s", cfg.Queue.ConfirmInterval)
	}
	if cfg.Queue.ConfirmTimeout < cfg.Queue.ConfirmInterval {
		return fmt.Errorf("queue: confirm_timeout %s is shorter than confirm_interval %s",
			cfg.Queue.ConfirmTimeout, cfg.Queue.ConfirmInterval)
	}

	if cfg.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect: base_delay must be positive, got %s", cfg.Reconnect.BaseDelay)
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect: max_delay %s is shorter than base_delay %s",
			cfg.Reconnect.MaxDelay, cfg.Reconnect.BaseDelay)
	}
	if cfg.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect: max_attempts must be at least 1, got %d", cfg.Reconnect.MaxAttempts)
	}

	if cfg.Fleet.PreflightRounds < 1 {
		return fmt.Errorf("fleet: preflight_rounds must be at least 1, got %d", cfg.Fleet.PreflightRounds)
	}
	if cfg.Fleet.PollInterval <= 0 {
		return fmt.Errorf("fleet: poll_interval must be positive, got %s", cfg.Fleet.PollInterval)
	}

	if cfg.Broadcast.RatePerSec < 1 {
		return fmt.Errorf("broadcast: rate_per_sec must be at least 1, got %d", cfg.Broadcast.RatePerSec)
	}

	return nil
}

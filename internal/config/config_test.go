package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "default", cfg.Transport.Adapter)
	require.Equal(t, 8*time.Second, cfg.Scanner.ActiveWindow)
	require.Equal(t, 15*time.Second, cfg.Scanner.IdleGap)
	require.Equal(t, -85, cfg.Scanner.RSSIFloor)
	require.Equal(t, 200*time.Millisecond, cfg.Queue.ConfirmInterval)
	require.Equal(t, 10*time.Second, cfg.Queue.ConfirmTimeout)
	require.Equal(t, 500*time.Millisecond, cfg.Reconnect.BaseDelay)
	require.Equal(t, 15*time.Second, cfg.Reconnect.MaxDelay)
	require.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	require.Equal(t, 2, cfg.Fleet.PreflightRounds)
	require.Equal(t, 5*time.Second, cfg.Fleet.PollInterval)
	require.Equal(t, 10, cfg.Broadcast.RatePerSec)

	require.NoError(t, Validate(cfg))
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tropxd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scanner:
  active_window: 2s
  rssi_floor: -70
  name_patterns: ["^tropx_(\\d+)$"]
reconnect:
  max_attempts: 3
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 2*time.Second, cfg.Scanner.ActiveWindow)
	require.Equal(t, -70, cfg.Scanner.RSSIFloor)
	require.Equal(t, []string{`^tropx_(\d+)$`}, cfg.Scanner.NamePatterns)
	require.Equal(t, 3, cfg.Reconnect.MaxAttempts)

	// Untouched sections keep their defaults.
	require.Equal(t, 15*time.Second, cfg.Scanner.IdleGap)
	require.Equal(t, 500*time.Millisecond, cfg.Reconnect.BaseDelay)

	require.NoError(t, Validate(cfg))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/tropxd.yaml")
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "negative active window",
			mutate:  func(c *Config) { c.Scanner.ActiveWindow = -time.Second },
			wantMsg: "active_window",
		},
		{
			name:    "positive rssi floor",
			mutate:  func(c *Config) { c.Scanner.RSSIFloor = 10 },
			wantMsg: "rssi_floor",
		},
		{
			name:    "broken name pattern",
			mutate:  func(c *Config) { c.Scanner.NamePatterns = []string{"("} },
			wantMsg: "name pattern",
		},
		{
			name:    "timeout shorter than interval",
			mutate:  func(c *Config) { c.Queue.ConfirmTimeout = time.Millisecond },
			wantMsg: "confirm_timeout",
		},
		{
			name:    "max delay below base",
			mutate:  func(c *Config) { c.Reconnect.MaxDelay = time.Millisecond },
			wantMsg: "max_delay",
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Reconnect.MaxAttempts = 0 },
			wantMsg: "max_attempts",
		},
		{
			name:    "zero preflight rounds",
			mutate:  func(c *Config) { c.Fleet.PreflightRounds = 0 },
			wantMsg: "preflight_rounds",
		},
		{
			name:    "zero broadcast rate",
			mutate:  func(c *Config) { c.Broadcast.RatePerSec = 0 },
			wantMsg: "rate_per_sec",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

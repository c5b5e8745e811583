package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents ~/.commdash/config.toml.
type Config struct {
	Matrix MatrixConfig `toml:"matrix"`
	Sync   SyncConfig   `toml:"sync"`
	Daemon DaemonConfig `toml:"daemon"`
}

// MatrixConfig holds the homeserver connection settings.
type MatrixConfig struct {
	Enabled       bool   `toml:"enabled"`
	HomeserverURL string `toml:"homeserver_url"`
	UserID        string `toml:"user_id"`
	AccessToken   string `toml:"access_token"`
}

// SyncConfig holds the cache synchronization knobs.
type SyncConfig struct {
	MinRoomMembers   int `toml:"min_room_members"`
	StableCountDelta int `toml:"stable_count_delta"`
	RoomCap          int `toml:"room_cap"`
	RapidRoomCap     int `toml:"rapid_room_cap"`

	BudgetMinutes      int `toml:"budget_minutes"`
	RapidBudgetMinutes int `toml:"rapid_budget_minutes"`
	EntryRoomTimeoutMS int `toml:"entry_room_timeout_ms"`

	EntryRoomID        string `toml:"entry_room_id"`
	DefaultRoomID      string `toml:"default_room_id"`
	BridgeStatusRoomID string `toml:"bridge_status_room_id"`
	BridgeUserPrefix   string `toml:"bridge_user_prefix"`

	Rooms []ConfiguredRoom `toml:"rooms"`
}

// ConfiguredRoom is an operator-configured important room.
type ConfiguredRoom struct {
	Name     string `toml:"name"`
	Category string `toml:"category"`
	RoomID   string `toml:"room_id"`
}

// DaemonConfig holds daemon runtime settings.
type DaemonConfig struct {
	ListenAddr                string `toml:"listen_addr"`
	DataDir                   string `toml:"data_dir"`
	BackgroundIntervalMinutes int    `toml:"background_interval_minutes"`
	ConcurrentIntervalMinutes int    `toml:"concurrent_interval_minutes"`
}

// Default returns a config populated with default values.
func Default() *Config {
	return &Config{
		Matrix: MatrixConfig{Enabled: true},
		Sync: SyncConfig{
			MinRoomMembers:     5,
			StableCountDelta:   2,
			RoomCap:            50,
			RapidRoomCap:       20,
			BudgetMinutes:      30,
			RapidBudgetMinutes: 10,
			EntryRoomTimeoutMS: 5000,
			BridgeUserPrefix:   "@signal_",
		},
		Daemon: DaemonConfig{
			ListenAddr:                "127.0.0.1:8642",
			BackgroundIntervalMinutes: 30,
			ConcurrentIntervalMinutes: 10,
		},
	}
}

// Load reads config from the given path and fills unset values with defaults.
// Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Sync.MinRoomMembers <= 0 {
		c.Sync.MinRoomMembers = d.Sync.MinRoomMembers
	}
	if c.Sync.StableCountDelta <= 0 {
		c.Sync.StableCountDelta = d.Sync.StableCountDelta
	}
	if c.Sync.RoomCap <= 0 {
		c.Sync.RoomCap = d.Sync.RoomCap
	}
	if c.Sync.RapidRoomCap <= 0 {
		c.Sync.RapidRoomCap = d.Sync.RapidRoomCap
	}
	if c.Sync.BudgetMinutes <= 0 {
		c.Sync.BudgetMinutes = d.Sync.BudgetMinutes
	}
	if c.Sync.RapidBudgetMinutes <= 0 {
		c.Sync.RapidBudgetMinutes = d.Sync.RapidBudgetMinutes
	}
	if c.Sync.EntryRoomTimeoutMS <= 0 {
		c.Sync.EntryRoomTimeoutMS = d.Sync.EntryRoomTimeoutMS
	}
	if c.Sync.BridgeUserPrefix == "" {
		c.Sync.BridgeUserPrefix = d.Sync.BridgeUserPrefix
	}
	if c.Daemon.ListenAddr == "" {
		c.Daemon.ListenAddr = d.Daemon.ListenAddr
	}
	if c.Daemon.BackgroundIntervalMinutes <= 0 {
		c.Daemon.BackgroundIntervalMinutes = d.Daemon.BackgroundIntervalMinutes
	}
	if c.Daemon.ConcurrentIntervalMinutes <= 0 {
		c.Daemon.ConcurrentIntervalMinutes = d.Daemon.ConcurrentIntervalMinutes
	}
}

// Validate checks the settings required to run the daemon.
func (c *Config) Validate() error {
	if !c.Matrix.Enabled {
		return nil
	}
	if c.Matrix.HomeserverURL == "" {
		return errors.New("matrix.homeserver_url is required")
	}
	if !strings.HasPrefix(c.Matrix.UserID, "@") || !strings.Contains(c.Matrix.UserID, ":") {
		return fmt.Errorf("matrix.user_id %q is not a valid Matrix user id", c.Matrix.UserID)
	}
	if c.Matrix.AccessToken == "" {
		return errors.New("matrix.access_token is required")
	}
	for _, r := range c.Sync.Rooms {
		if r.RoomID == "" {
			return fmt.Errorf("sync.rooms entry %q has no room_id", r.Name)
		}
	}
	return nil
}

// Budget returns the wall-clock budget for a standard sync pass.
func (c *SyncConfig) Budget() time.Duration {
	return time.Duration(c.BudgetMinutes) * time.Minute
}

// RapidBudget returns the wall-clock budget for a rapid manual sync pass.
func (c *SyncConfig) RapidBudget() time.Duration {
	return time.Duration(c.RapidBudgetMinutes) * time.Minute
}

// EntryRoomTimeout returns the hard timeout for the entry-room-only sync.
func (c *SyncConfig) EntryRoomTimeout() time.Duration {
	return time.Duration(c.EntryRoomTimeoutMS) * time.Millisecond
}

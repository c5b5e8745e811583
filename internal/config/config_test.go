package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[matrix]
enabled = true
homeserver_url = "https://matrix.example.org"
user_id = "@bot:example.org"
access_token = "secret"

[sync]
entry_room_id = "!indoc:example.org"

[[sync.rooms]]
name = "Tech"
category = "interest"
room_id = "!tech:example.org"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.MinRoomMembers != 5 {
		t.Errorf("min_room_members = %d, want default 5", cfg.Sync.MinRoomMembers)
	}
	if cfg.Sync.StableCountDelta != 2 {
		t.Errorf("stable_count_delta = %d, want default 2", cfg.Sync.StableCountDelta)
	}
	if cfg.Sync.BridgeUserPrefix != "@signal_" {
		t.Errorf("bridge_user_prefix = %q, want default @signal_", cfg.Sync.BridgeUserPrefix)
	}
	if cfg.Sync.EntryRoomID != "!indoc:example.org" {
		t.Errorf("entry_room_id = %q", cfg.Sync.EntryRoomID)
	}
	if len(cfg.Sync.Rooms) != 1 || cfg.Sync.Rooms[0].RoomID != "!tech:example.org" {
		t.Errorf("rooms = %+v, want 1 configured room", cfg.Sync.Rooms)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Matrix.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty homeserver_url")
	}
	cfg.Matrix.HomeserverURL = "https://matrix.example.org"
	cfg.Matrix.UserID = "not-a-user-id"
	cfg.Matrix.AccessToken = "tok"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for malformed user_id")
	}
	cfg.Matrix.UserID = "@bot:example.org"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	// Disabled integration skips the connection checks entirely.
	cfg = Default()
	cfg.Matrix.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() disabled = %v, want nil", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.Matrix.HomeserverURL = "https://m.example.org"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Matrix.HomeserverURL != "https://m.example.org" {
		t.Errorf("homeserver_url = %q after round trip", loaded.Matrix.HomeserverURL)
	}
}

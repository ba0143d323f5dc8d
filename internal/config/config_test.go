package config

import (
	"path/filepath"
	"testing"

	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	cfg := Default()
	cfg.Server.Mode = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid server.mode")
	}
}

func TestValidatePublicURLRequiresWSScheme(t *testing.T) {
	cfg := Default()
	cfg.Server.Mode = meshproto.ModeRelay
	cfg.Server.PublicURL = "http://example.org"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-ws(s) public_url")
	}

	cfg.Server.PublicURL = "wss://relay.example.org"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected wss:// url to validate, got %v", err)
	}
}

func TestEnsureCreatesDefaultThenLoads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg1, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatal("expected config to be newly created")
	}

	cfg2, created2, err := Ensure(path)
	if err != nil {
		t.Fatalf("ensure second call: %v", err)
	}
	if created2 {
		t.Fatal("expected second Ensure to load, not create")
	}
	if cfg1.Server.Mode != cfg2.Server.Mode {
		t.Fatalf("loaded config mismatch: %+v vs %+v", cfg1, cfg2)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("NIGHTJAR_MODE", meshproto.ModeRelay)
	t.Setenv("MAX_PEERS_PER_ROOM", "42")

	cfg := Default()
	applyEnvOverrides(&cfg)

	if cfg.Server.Mode != meshproto.ModeRelay {
		t.Fatalf("expected mode override, got %q", cfg.Server.Mode)
	}
	if cfg.Server.MaxPeersPerRoom != 42 {
		t.Fatalf("expected max peers override, got %d", cfg.Server.MaxPeersPerRoom)
	}
}

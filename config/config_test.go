package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != ":8080" {
		t.Fatalf("unexpected listen address: %s", cfg.ListenAddress)
	}
	if cfg.NetworkName != "safeswap-local" {
		t.Fatalf("unexpected network name: %s", cfg.NetworkName)
	}
	if cfg.AuthoritySeed == "" {
		t.Fatalf("default config must generate an authority seed")
	}
	if cfg.GatewayDBPath == "" {
		t.Fatalf("gateway db path not defaulted")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not persisted: %v", err)
	}

	// A second load reads back the persisted file with the same seed.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("Load again: %v", err)
	}
	if again.AuthoritySeed != cfg.AuthoritySeed {
		t.Fatalf("authority seed changed between loads")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := "ListenAddress = \":8080\"\nBogusKey = true\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestLoadRejectsAuthWithoutSecret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := "[Auth]\nEnabled = true\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing auth secret")
	}
}

func TestResolveAuthoritySeed(t *testing.T) {
	cfg := &Config{AuthoritySeed: "00112233445566778899aabbccddeeff"}
	seed, err := cfg.ResolveAuthoritySeed()
	if err != nil {
		t.Fatalf("ResolveAuthoritySeed: %v", err)
	}
	if len(seed) != 16 {
		t.Fatalf("unexpected seed length: %d", len(seed))
	}

	t.Setenv(AuthoritySeedEnv, "ffeeddccbbaa99887766554433221100")
	seed, err = cfg.ResolveAuthoritySeed()
	if err != nil {
		t.Fatalf("ResolveAuthoritySeed with env: %v", err)
	}
	if seed[0] != 0xff {
		t.Fatalf("environment seed must take precedence")
	}
}

func TestResolveAuthoritySeedRejectsShortSeed(t *testing.T) {
	cfg := &Config{AuthoritySeed: "0011"}
	if _, err := cfg.ResolveAuthoritySeed(); err == nil {
		t.Fatalf("expected error for short seed")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "authrim.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFromFile_Defaults(t *testing.T) {
	cfg, err := LoadFromFile("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Server.Port != 4280 {
		t.Errorf("expected default port 4280, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("expected memory backend, got %q", cfg.Storage.Backend)
	}
	if cfg.Keys.Algorithm != "RS256" {
		t.Errorf("expected RS256, got %q", cfg.Keys.Algorithm)
	}
	if !cfg.IsProduction() {
		t.Error("defaults should be production")
	}
}

func TestLoadFromFile_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
environment = "dev"
issuer = "https://id.example.com"

[server]
port = 9000
allowed_origins = ["https://app.example.com"]

[storage]
backend = "redis"

[storage.redis]
url = "redis://cache:6379/1"

[tokens]
access_ttl = "5m"

[[clients]]
id = "web"
secret = "s3cret"
redirect_uris = ["https://app.example.com/cb"]
grant_types = ["authorization_code", "refresh_token"]

[tenants.acme]
allows_refresh_token = true
allows_ciba = true
max_token_ttl_seconds = 600
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Issuer != "https://id.example.com" {
		t.Errorf("issuer not applied: %q", cfg.Issuer)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port not applied: %d", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "redis" || cfg.Storage.Redis.URL != "redis://cache:6379/1" {
		t.Errorf("redis settings not applied: %+v", cfg.Storage)
	}
	if cfg.Tokens.AccessTTL != "5m" {
		t.Errorf("access ttl not applied: %q", cfg.Tokens.AccessTTL)
	}
	if cfg.IsProduction() {
		t.Error("dev environment should not be production")
	}
	if len(cfg.Clients) != 1 || cfg.Clients[0].ID != "web" {
		t.Fatalf("client seed not parsed: %+v", cfg.Clients)
	}
	acme, ok := cfg.Tenants["acme"]
	if !ok {
		t.Fatal("tenant acme missing")
	}
	if !acme.AllowsCIBA || acme.MaxTokenTTLSeconds != 600 {
		t.Errorf("tenant profile not parsed: %+v", acme)
	}
}

func TestLoadFromFiles_LaterFileWins(t *testing.T) {
	base := writeConfig(t, "[server]\nport = 8000\nhost = \"base\"\n")
	over := filepath.Join(t.TempDir(), "override.toml")
	if err := os.WriteFile(over, []byte("[server]\nport = 8100\n"), 0o600); err != nil {
		t.Fatalf("write override: %v", err)
	}

	cfg, err := LoadFromFiles(base, over)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8100 {
		t.Errorf("override file should win, got port %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "base" {
		t.Errorf("unoverridden values should survive, got host %q", cfg.Server.Host)
	}
}

func TestLoadFromFile_MissingFileErrors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadFromFile_EnvOverrides(t *testing.T) {
	t.Setenv("AUTHRIM_ISSUER", "https://env.example.com")
	t.Setenv("AUTHRIM_SERVER_PORT", "7777")
	t.Setenv("AUTHRIM_STORAGE_BACKEND", "redis")

	cfg, err := LoadFromFile("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Issuer != "https://env.example.com" {
		t.Errorf("env issuer not applied: %q", cfg.Issuer)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("env port not applied: %d", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "redis" {
		t.Errorf("env backend not applied: %q", cfg.Storage.Backend)
	}
}

func TestNormalizeEnvironment(t *testing.T) {
	cases := map[string]string{
		"development": "dev",
		"Production":  "prod",
		"dev":         "dev",
		"staging":     "staging",
	}
	for in, want := range cases {
		if got := normalizeEnvironment(in); got != want {
			t.Errorf("normalizeEnvironment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := NewDefaultConfig()
	ApplyFlagOverrides(cfg, 4444, "0.0.0.0")
	if cfg.Server.Port != 4444 || cfg.Server.Host != "0.0.0.0" {
		t.Errorf("flag overrides not applied: %+v", cfg.Server)
	}
	ApplyFlagOverrides(cfg, 0, "")
	if cfg.Server.Port != 4444 || cfg.Server.Host != "0.0.0.0" {
		t.Error("zero-valued flags must not clobber settings")
	}
}

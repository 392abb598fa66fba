package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadConfigDefaults(t *testing.T) {
	p := writeConfig(t, "server:\n  port: 0\n")
	cfg, err := LoadConfig(p, true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "file" || cfg.Storage.Root != "./data" {
		t.Errorf("storage defaults = %+v", cfg.Storage)
	}
	if cfg.Session.IdleTTL != 30*time.Minute || cfg.Session.MaxAutoLoop != 8 {
		t.Errorf("session defaults = %+v", cfg.Session)
	}
	if cfg.Redis.Channel != "ctxsync.signals" {
		t.Errorf("redis channel = %q", cfg.Redis.Channel)
	}
	if !cfg.Runtime.Dev {
		t.Error("dev flag not carried")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	p := writeConfig(t, "storage:\n  backend: postgres\n")
	if _, err := LoadConfig(p, false); err == nil {
		t.Error("postgres backend without database.url accepted")
	}

	p = writeConfig(t, "storage:\n  backend: s3\n")
	if _, err := LoadConfig(p, false); err == nil {
		t.Error("unknown backend accepted")
	}

	p = writeConfig(t, "redis:\n  enabled: true\n")
	if _, err := LoadConfig(p, false); err == nil {
		t.Error("enabled redis without url accepted")
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), false); err == nil {
		t.Error("missing file accepted")
	}
}

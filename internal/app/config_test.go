package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig("")
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.Addr != "127.0.0.1:8080" {
		t.Fatalf("unexpected default addr %q", cfg.Addr)
	}
	if time.Duration(cfg.MessageTTL) != 24*time.Hour {
		t.Fatalf("unexpected default ttl %v", cfg.MessageTTL)
	}
	if cfg.PruneCron != "0 * * * *" {
		t.Fatalf("unexpected default cron %q", cfg.PruneCron)
	}
}

func TestLoadServerConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("addr: \"0.0.0.0:9000\"\nmessage_ttl: 90m\nprune_cron: \"*/5 * * * *\"\nlog_level: debug\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.Addr != "0.0.0.0:9000" {
		t.Fatalf("addr not read from file: %q", cfg.Addr)
	}
	if time.Duration(cfg.MessageTTL) != 90*time.Minute {
		t.Fatalf("ttl not parsed: %v", cfg.MessageTTL)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level not read: %q", cfg.LogLevel)
	}
}

func TestLoadServerConfigEnvOverrides(t *testing.T) {
	t.Setenv("WISPCHAT_ADDR", ":7070")
	t.Setenv("WISPCHAT_MESSAGE_TTL", "2h")
	t.Setenv("WISPCHAT_RATE_RPS", "50")

	cfg, err := LoadServerConfig("")
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.Addr != ":7070" {
		t.Fatalf("env addr not applied: %q", cfg.Addr)
	}
	if time.Duration(cfg.MessageTTL) != 2*time.Hour {
		t.Fatalf("env ttl not applied: %v", cfg.MessageTTL)
	}
	if cfg.RateRPS != 50 {
		t.Fatalf("env rate not applied: %v", cfg.RateRPS)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("demo")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Events.MaxStringLength != 10240 || cfg.Events.ToolOutputLimit != 5000 {
		t.Fatalf("unexpected limits: %+v", cfg.Events)
	}
	if cfg.Replay.TTL != 5*time.Minute || cfg.Replay.KeepAlive != 15*time.Second {
		t.Fatalf("unexpected replay settings: %+v", cfg.Replay)
	}
	if !cfg.Enabled("TESTS_PASS", false) || cfg.HardBlock("TESTS_PASS", true) {
		t.Fatalf("unexpected TESTS_PASS overrides")
	}
	if cfg.Gates.TestCommand == "" || cfg.Gates.TestTimeout != 10*time.Minute {
		t.Fatalf("unexpected test runner settings: %q %s", cfg.Gates.TestCommand, cfg.Gates.TestTimeout)
	}
	if !cfg.Enabled("UNKNOWN", true) {
		t.Fatalf("unknown validator should fall back to default")
	}
}

func TestFromYAMLKeepsDefaultsForMissingSections(t *testing.T) {
	cfg, err := FromYAML([]byte("project:\n  id: p1\nreplay:\n  ttl: 30s\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Project.ID != "p1" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
	if cfg.Replay.TTL != 30*time.Second {
		t.Fatalf("ttl = %s", cfg.Replay.TTL)
	}
	if cfg.Replay.Capacity != 1000 {
		t.Fatalf("capacity should keep default, got %d", cfg.Replay.Capacity)
	}
	if len(cfg.Events.SensitiveKeys) == 0 {
		t.Fatalf("sensitive keys should keep defaults")
	}
}

func TestValidateRejectsBadExtension(t *testing.T) {
	cfg := Default("p1")
	cfg.Imports.Extensions = []string{"ts"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected extension error")
	}
}

func TestLoadOptionalMissing(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil || cfg != nil {
		t.Fatalf("expected nil,nil got %v, %v", cfg, err)
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "gateline.yml"), []byte(GenerateDefault("ws")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Project.ID != "ws" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
}

func TestLoadServerEnv(t *testing.T) {
	t.Setenv("GATELINE_ADDR", "0.0.0.0:9999")
	t.Setenv("GATELINE_OTEL_ENABLED", "false")
	s, err := LoadServerEnv()
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	if s.Addr != "0.0.0.0:9999" || s.OTelEnabled || s.BasePath != "/v1" {
		t.Fatalf("unexpected env: %+v", s)
	}
}

func TestValidateWebhooks(t *testing.T) {
	cfg, err := FromYAML([]byte("project:\n  id: p1\nwebhooks:\n  - url: https://hooks.test/x\n    events: [gate:run_failed]\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Events[0] != "gate:run_failed" {
		t.Fatalf("unexpected webhooks: %+v", cfg.Webhooks)
	}
	cfg.Webhooks[0].URL = "ftp://nope"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected scheme error")
	}
}

package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gateline/internal/config"
	"gateline/internal/domain"
)

func TestResolveConfigPrefersOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("from-workspace")), 0o644); err != nil {
		t.Fatal(err)
	}
	override := filepath.Join(dir, "other.yml")
	if err := os.WriteFile(override, []byte(config.GenerateDefault("from-flag")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := ResolveConfig(dir, override)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Project.ID != "from-flag" {
		t.Fatalf("expected override config, got %q", cfg.Project.ID)
	}
	cfg, err = ResolveConfig(dir, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Project.ID != "from-workspace" {
		t.Fatalf("expected workspace config, got %q", cfg.Project.ID)
	}
}

func TestResolveConfigDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shop")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg, err := ResolveConfig(dir, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Project.ID != "shop" {
		t.Fatalf("expected project named after workspace, got %q", cfg.Project.ID)
	}
}

func TestOpenMigrates(t *testing.T) {
	dir := t.TempDir()
	e, closeFn, err := Open(dir, config.Default("p"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer closeFn()
	runs, err := e.ListRuns(t.Context(), "", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected empty workspace, got %d runs", len(runs))
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.yml")
	body := "files:\n  - path: src/util.ts\n    action: delete\n  - path: src/app.ts\n    action: modify\ntestFile: src/app.test.ts\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(m.Files) != 2 || m.Files[0].Action != domain.ActionDelete || m.TestFile != "src/app.test.ts" {
		t.Fatalf("unexpected manifest %+v", m)
	}

	jsonPath := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(jsonPath, []byte(`{"files":[{"path":"a.ts","action":"RENAME"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(jsonPath); err == nil || !strings.Contains(err.Error(), "RENAME") {
		t.Fatalf("expected unknown action error, got %v", err)
	}
}

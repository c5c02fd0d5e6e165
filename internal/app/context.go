package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/migrate"
)

// ResolveConfig picks the active config: an explicit path first, then
// gateline.yml in the workspace, then defaults named after the workspace
// directory.
func ResolveConfig(workspace, override string) (*config.Config, error) {
	if override != "" {
		return config.FromFile(override)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	name := "gateline"
	if abs, err := filepath.Abs(workspace); err == nil {
		name = filepath.Base(abs)
	}
	return config.Default(name), nil
}

// Open prepares the workspace database and builds an engine over it. The
// returned close func releases the database.
func Open(workspace string, cfg *config.Config) (engine.Engine, func() error, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return engine.Engine{}, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	return e, conn.Close, nil
}

// LoadManifest reads a change manifest in YAML or JSON. Actions are
// normalized to upper case.
func LoadManifest(path string) (domain.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Manifest{}, err
	}
	var m domain.Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return domain.Manifest{}, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	if len(m.Files) == 0 {
		return domain.Manifest{}, errors.New("manifest lists no files")
	}
	for i, f := range m.Files {
		m.Files[i].Action = strings.ToUpper(strings.TrimSpace(f.Action))
		switch m.Files[i].Action {
		case domain.ActionCreate, domain.ActionModify, domain.ActionDelete:
		default:
			return domain.Manifest{}, fmt.Errorf("manifest file %s: unknown action %q", f.Path, f.Action)
		}
	}
	return m, nil
}

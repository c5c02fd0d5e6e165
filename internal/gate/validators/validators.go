// Package validators holds the built-in gate validators.
package validators

import (
	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/gate"
)

const (
	CodeManifestPresent  = "MANIFEST_PRESENT"
	CodeTestFileDeclared = "TEST_FILE_DECLARED"
	CodeDeleteDependency = "DELETE_DEPENDENCY_CHECK"
	CodeTestsPass        = "TESTS_PASS"
)

// Default returns the built-in validators with enable and hard-block
// overrides from cfg applied. A nil cfg keeps every default.
func Default(cfg *config.Config) []gate.Validator {
	imports := DefaultImportConfig()
	if cfg != nil {
		imports = ImportConfigFrom(cfg)
	}
	all := []gate.Validator{
		ManifestPresent{},
		TestFileDeclared{},
		DeleteDependencyCheck{Imports: imports},
		TestsPass{},
	}
	var out []gate.Validator
	for _, v := range all {
		if !cfg.Enabled(v.Code(), true) {
			continue
		}
		out = append(out, gate.WithHardBlock(v, cfg.HardBlock(v.Code(), v.HardBlock())))
	}
	return out
}

func finding(typ, msg, loc string) domain.Finding {
	return domain.Finding{Type: typ, Message: msg, Location: loc}
}

package validators

import (
	"path"
	"regexp"
	"sort"
	"strings"

	"gateline/internal/config"
)

// ImportConfig controls how import specifiers map to project files.
type ImportConfig struct {
	// AliasPrefix is replaced by AliasBase, e.g. "@/" -> "src".
	AliasPrefix string
	AliasBase   string
	// Extensions are tried for extension-less specifiers, in order.
	Extensions []string
}

func DefaultImportConfig() ImportConfig {
	return ImportConfig{
		AliasPrefix: "@/",
		AliasBase:   "src",
		Extensions:  []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"},
	}
}

func ImportConfigFrom(cfg *config.Config) ImportConfig {
	ic := DefaultImportConfig()
	ic.AliasPrefix = cfg.Imports.AliasPrefix
	ic.AliasBase = cfg.Imports.AliasBase
	if len(cfg.Imports.Extensions) > 0 {
		ic.Extensions = cfg.Imports.Extensions
	}
	return ic
}

var importPatterns = []*regexp.Regexp{
	// import x from '...', import { a, b } from '...', import type T from '...'
	regexp.MustCompile(`\bimport\s+[^'"();]*?\bfrom\s*['"]([^'"]+)['"]`),
	// import '...'
	regexp.MustCompile(`\bimport\s*['"]([^'"]+)['"]`),
	// export { a } from '...', export * from '...'
	regexp.MustCompile(`\bexport\s+[^'"();]*?\bfrom\s*['"]([^'"]+)['"]`),
	// require('...')
	regexp.MustCompile(`\brequire\s*\(\s*['"]([^'"]+)['"]\s*\)`),
	// import('...')
	regexp.MustCompile(`\bimport\s*\(\s*['"]([^'"]+)['"]\s*\)`),
}

// ScanImports returns the distinct module specifiers referenced by src in
// order of first appearance.
func ScanImports(src string) []string {
	type hit struct {
		pos  int
		spec string
	}
	var hits []hit
	for _, re := range importPatterns {
		for _, m := range re.FindAllStringSubmatchIndex(src, -1) {
			hits = append(hits, hit{pos: m[2], spec: src[m[2]:m[3]]})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	seen := map[string]bool{}
	var out []string
	for _, h := range hits {
		if seen[h.spec] {
			continue
		}
		seen[h.spec] = true
		out = append(out, h.spec)
	}
	return out
}

// Resolve returns the project-relative paths spec may refer to when imported
// from importer. Bare package specifiers resolve to nothing.
func (c ImportConfig) Resolve(importer, spec string) []string {
	var base string
	switch {
	case strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") || spec == "." || spec == "..":
		base = path.Join(path.Dir(importer), spec)
	case c.AliasPrefix != "" && strings.HasPrefix(spec, c.AliasPrefix):
		base = path.Join(c.AliasBase, strings.TrimPrefix(spec, c.AliasPrefix))
	default:
		return nil
	}
	base = path.Clean(base)
	if strings.HasPrefix(base, "../") || base == ".." {
		return nil
	}
	if c.isSource(base) {
		out := []string{base}
		// ESM TypeScript imports name the emitted file: './x.js' in a .ts
		// source means x.ts.
		stem := strings.TrimSuffix(base, path.Ext(base))
		for _, ext := range tsCounterparts[path.Ext(base)] {
			out = append(out, stem+ext)
		}
		return out
	}
	out := []string{base}
	for _, ext := range c.Extensions {
		out = append(out, base+ext)
	}
	for _, ext := range c.Extensions {
		out = append(out, path.Join(base, "index"+ext))
	}
	return out
}

var tsCounterparts = map[string][]string{
	".js":  {".ts", ".tsx"},
	".jsx": {".tsx"},
	".mjs": {".mts"},
	".cjs": {".cts"},
}

func (c ImportConfig) isSource(p string) bool {
	ext := path.Ext(p)
	if ext == "" {
		return false
	}
	for _, e := range c.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

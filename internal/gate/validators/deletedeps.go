package validators

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"gateline/internal/domain"
	"gateline/internal/gate"
)

// OrphanedImport lists the importers of a deleted file that the manifest
// does not cover.
type OrphanedImport struct {
	DeletedFile string   `json:"deletedFile"`
	Importers   []string `json:"importers"`
}

// Suggestion is a manifest entry that would cover an orphaned importer.
type Suggestion struct {
	Path   string `json:"path"`
	Action string `json:"action"`
}

// DeleteDependencyCheck fails when a file marked DELETE is still imported by
// a file the manifest neither deletes nor modifies.
type DeleteDependencyCheck struct {
	Imports ImportConfig
}

func (DeleteDependencyCheck) Code() string    { return CodeDeleteDependency }
func (DeleteDependencyCheck) Gate() int       { return 1 }
func (DeleteDependencyCheck) Order() int      { return 10 }
func (DeleteDependencyCheck) HardBlock() bool { return true }

func (c DeleteDependencyCheck) Execute(ctx context.Context, vc *gate.Context) gate.Output {
	diag := domain.ValidationContext{Inputs: []string{"manifest"}}
	m := vc.Manifest()
	if m == nil {
		diag.Findings = append(diag.Findings, finding(domain.FindingInfo, "no manifest attached", ""))
		diag.Reasoning = "nothing is deleted without a manifest"
		return gate.Skipped{Reason: "no manifest", Diagnostics: diag}
	}
	deleted := m.Deleted()
	if len(deleted) == 0 {
		diag.Findings = append(diag.Findings, finding(domain.FindingInfo, "manifest has no DELETE entries", ""))
		diag.Reasoning = "no deleted files, no imports can be orphaned"
		return gate.Skipped{Reason: "no files marked DELETE", Diagnostics: diag}
	}
	ic := c.Imports
	if len(ic.Extensions) == 0 {
		ic = DefaultImportConfig()
	}
	targets := map[string]bool{}
	for _, d := range deleted {
		targets[path.Clean(d)] = true
		diag.Inputs = append(diag.Inputs, "DELETE "+d)
	}

	files, err := vc.Files().List()
	if err != nil {
		diag.Findings = append(diag.Findings, finding(domain.FindingFail, err.Error(), vc.ProjectRoot()))
		diag.Reasoning = "the project tree could not be listed"
		return gate.Failed{Message: "cannot list project files", Evidence: err.Error(), Diagnostics: diag}
	}
	sort.Strings(files)

	importers := map[string][]string{}
	for _, f := range files {
		if !ic.isSource(f) {
			continue
		}
		if err := ctx.Err(); err != nil {
			diag.Reasoning = "analysis canceled"
			return gate.Failed{Message: "import analysis canceled", Evidence: err.Error(), Diagnostics: diag}
		}
		src, err := vc.Files().ReadFile(f)
		if err != nil {
			diag.Findings = append(diag.Findings, finding(domain.FindingWarning, "unreadable: "+err.Error(), f))
			continue
		}
		diag.AnalyzedFiles = append(diag.AnalyzedFiles, f)
		for _, spec := range ScanImports(string(src)) {
			for _, cand := range ic.Resolve(f, spec) {
				if targets[cand] && cand != f {
					importers[cand] = appendUnique(importers[cand], f)
					break
				}
			}
		}
	}

	var orphans []OrphanedImport
	var suggestions []Suggestion
	suggested := map[string]bool{}
	for _, d := range deleted {
		d = path.Clean(d)
		var uncovered []string
		for _, imp := range importers[d] {
			switch m.Action(imp) {
			case domain.ActionDelete, domain.ActionModify:
				diag.Findings = append(diag.Findings, finding(domain.FindingPass, fmt.Sprintf("importer of %s is covered (%s)", d, m.Action(imp)), imp))
			default:
				uncovered = append(uncovered, imp)
				diag.Findings = append(diag.Findings, finding(domain.FindingFail, "imports deleted file "+d, imp))
				if !suggested[imp] {
					suggested[imp] = true
					suggestions = append(suggestions, Suggestion{Path: imp, Action: domain.ActionModify})
				}
			}
		}
		if len(importers[d]) == 0 {
			diag.Findings = append(diag.Findings, finding(domain.FindingPass, "no importers", d))
		}
		if len(uncovered) > 0 {
			orphans = append(orphans, OrphanedImport{DeletedFile: d, Importers: uncovered})
		}
	}

	diag.Details = map[string]any{"importers": importers}
	if len(orphans) == 0 {
		diag.Reasoning = fmt.Sprintf("%d deleted files checked across %d source files; every importer is deleted or modified", len(deleted), len(diag.AnalyzedFiles))
		return gate.Passed{Message: "no orphaned imports", Diagnostics: diag}
	}
	diag.Details["orphanedImports"] = orphans
	diag.Details["suggestions"] = suggestions
	diag.Reasoning = fmt.Sprintf("%d deleted files are still imported by %d files not covered by the manifest", len(orphans), len(suggestions))
	return gate.Failed{
		Message:     fmt.Sprintf("%d deleted files still imported", len(orphans)),
		Evidence:    renderEvidence(orphans, suggestions),
		Diagnostics: diag,
	}
}

func renderEvidence(orphans []OrphanedImport, suggestions []Suggestion) string {
	var b strings.Builder
	for _, o := range orphans {
		fmt.Fprintf(&b, "DELETE: %s\n", o.DeletedFile)
		fmt.Fprintf(&b, "Imported by: %s\n", strings.Join(o.Importers, ", "))
	}
	parts := make([]string, len(suggestions))
	for i, s := range suggestions {
		parts[i] = fmt.Sprintf("%s (%s)", s.Path, s.Action)
	}
	fmt.Fprintf(&b, "Suggested additions: %s", strings.Join(parts, ", "))
	return b.String()
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

package validators

import (
	"context"
	"fmt"
	"strings"

	"gateline/internal/domain"
	"gateline/internal/gate"
)

// ManifestPresent fails a run without a usable manifest.
type ManifestPresent struct{}

func (ManifestPresent) Code() string    { return CodeManifestPresent }
func (ManifestPresent) Gate() int       { return 0 }
func (ManifestPresent) Order() int      { return 0 }
func (ManifestPresent) HardBlock() bool { return true }

func (ManifestPresent) Execute(_ context.Context, vc *gate.Context) gate.Output {
	m := vc.Manifest()
	diag := domain.ValidationContext{Inputs: []string{"manifest"}}
	if m == nil {
		diag.Findings = append(diag.Findings, finding(domain.FindingFail, "no manifest attached to run", ""))
		diag.Reasoning = "a manifest is required before gates can run"
		return gate.Failed{Message: "manifest missing", Evidence: "no manifest attached to run " + vc.RunID(), Diagnostics: diag}
	}
	if len(m.Files) == 0 {
		diag.Findings = append(diag.Findings, finding(domain.FindingFail, "manifest lists no files", ""))
		diag.Reasoning = "an empty manifest declares no change to validate"
		return gate.Failed{Message: "manifest is empty", Evidence: "manifest.files is empty", Diagnostics: diag}
	}
	var problems []string
	seen := map[string]bool{}
	for i, f := range m.Files {
		loc := fmt.Sprintf("files[%d]", i)
		switch {
		case strings.TrimSpace(f.Path) == "":
			problems = append(problems, loc+": path is empty")
		case f.Action != domain.ActionCreate && f.Action != domain.ActionModify && f.Action != domain.ActionDelete:
			problems = append(problems, fmt.Sprintf("%s: invalid action %q for %s", loc, f.Action, f.Path))
		case seen[f.Path]:
			problems = append(problems, fmt.Sprintf("%s: %s listed twice", loc, f.Path))
		}
		seen[f.Path] = true
		diag.AnalyzedFiles = append(diag.AnalyzedFiles, f.Path)
	}
	for _, p := range problems {
		diag.Findings = append(diag.Findings, finding(domain.FindingFail, p, ""))
	}
	if len(problems) > 0 {
		diag.Reasoning = fmt.Sprintf("%d manifest entries are invalid", len(problems))
		return gate.Failed{Message: "manifest is invalid", Evidence: strings.Join(problems, "\n"), Diagnostics: diag}
	}
	diag.Findings = append(diag.Findings, finding(domain.FindingPass, fmt.Sprintf("%d files declared", len(m.Files)), ""))
	diag.Reasoning = "manifest is present and every entry is well formed"
	return gate.Passed{Message: fmt.Sprintf("manifest lists %d files", len(m.Files)), Diagnostics: diag}
}

package validators

import (
	"context"

	"gateline/internal/domain"
	"gateline/internal/gate"
)

// TestFileDeclared warns when the manifest names no test file, or names one
// that neither exists nor is created by the change.
type TestFileDeclared struct{}

func (TestFileDeclared) Code() string    { return CodeTestFileDeclared }
func (TestFileDeclared) Gate() int       { return 0 }
func (TestFileDeclared) Order() int      { return 10 }
func (TestFileDeclared) HardBlock() bool { return false }

func (TestFileDeclared) Execute(_ context.Context, vc *gate.Context) gate.Output {
	m := vc.Manifest()
	diag := domain.ValidationContext{Inputs: []string{"manifest.testFile"}}
	if m == nil {
		diag.Reasoning = "no manifest attached"
		return gate.Skipped{Reason: "no manifest", Diagnostics: diag}
	}
	if m.TestFile == "" {
		diag.Findings = append(diag.Findings, finding(domain.FindingWarning, "manifest declares no test file", ""))
		diag.Reasoning = "changes without a designated test file cannot be verified by TESTS_PASS"
		return gate.Warning{Message: "no test file declared", Evidence: "manifest.testFile is empty", Diagnostics: diag}
	}
	diag.AnalyzedFiles = []string{m.TestFile}
	action := m.Action(m.TestFile)
	switch {
	case action == domain.ActionDelete:
		diag.Findings = append(diag.Findings, finding(domain.FindingWarning, "designated test file is being deleted", m.TestFile))
		diag.Reasoning = "the test file would not exist after the change"
		return gate.Warning{Message: "test file is deleted by the change", Evidence: "DELETE: " + m.TestFile, Diagnostics: diag}
	case action == domain.ActionCreate || action == domain.ActionModify:
		diag.Findings = append(diag.Findings, finding(domain.FindingPass, "test file is part of the change", m.TestFile))
	case vc.Files().Exists(m.TestFile):
		diag.Findings = append(diag.Findings, finding(domain.FindingInfo, "test file exists but is not in the manifest", m.TestFile))
	default:
		diag.Findings = append(diag.Findings, finding(domain.FindingWarning, "test file not found", m.TestFile))
		diag.Reasoning = "the declared test file neither exists nor is created by the change"
		return gate.Warning{Message: "test file not found", Evidence: m.TestFile + " does not exist", Diagnostics: diag}
	}
	diag.Reasoning = "a test file is declared and will exist after the change"
	return gate.Passed{Message: "test file " + m.TestFile, Diagnostics: diag}
}

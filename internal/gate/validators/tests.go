package validators

import (
	"context"
	"fmt"

	"gateline/internal/domain"
	"gateline/internal/gate"
)

const maxTestOutput = 4000

// TestsPass runs the designated test file through the context's TestRunner.
type TestsPass struct{}

func (TestsPass) Code() string    { return CodeTestsPass }
func (TestsPass) Gate() int       { return 1 }
func (TestsPass) Order() int      { return 20 }
func (TestsPass) HardBlock() bool { return false }

func (TestsPass) Execute(ctx context.Context, vc *gate.Context) gate.Output {
	m := vc.Manifest()
	diag := domain.ValidationContext{Inputs: []string{"manifest.testFile", "test runner"}}
	switch {
	case m == nil || m.TestFile == "":
		diag.Reasoning = "no test file declared"
		return gate.Skipped{Reason: "no test file declared", Diagnostics: diag}
	case vc.Tests() == nil:
		diag.Reasoning = "no test runner configured"
		return gate.Skipped{Reason: "no test runner configured", Diagnostics: diag}
	}
	diag.AnalyzedFiles = []string{m.TestFile}
	rep, err := vc.Tests().Run(ctx, vc.ProjectRoot(), m.TestFile)
	if err != nil {
		diag.Findings = append(diag.Findings, finding(domain.FindingFail, err.Error(), m.TestFile))
		diag.Reasoning = "the test runner could not be started"
		return gate.Failed{Message: "test runner error", Evidence: err.Error(), Diagnostics: diag}
	}
	diag.Details = map[string]any{"exitCode": rep.ExitCode, "duration": rep.Duration.String()}
	if !rep.Passed {
		diag.Findings = append(diag.Findings, finding(domain.FindingFail, fmt.Sprintf("tests exited with code %d", rep.ExitCode), m.TestFile))
		diag.Reasoning = "the designated test file fails"
		return gate.Failed{Message: "tests failed", Evidence: tail(rep.Output, maxTestOutput), Diagnostics: diag}
	}
	diag.Findings = append(diag.Findings, finding(domain.FindingPass, "tests passed", m.TestFile))
	diag.Reasoning = "the designated test file passes"
	return gate.Passed{Message: "tests passed in " + rep.Duration.String(), Diagnostics: diag}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

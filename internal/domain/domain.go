package domain

import "path"

// Run statuses.
const (
	RunPending = "PENDING"
	RunRunning = "RUNNING"
	RunPassed  = "PASSED"
	RunFailed  = "FAILED"
	RunAborted = "ABORTED"
)

// Validator and gate statuses.
const (
	StatusPending = "PENDING"
	StatusRunning = "RUNNING"
	StatusPassed  = "PASSED"
	StatusFailed  = "FAILED"
	StatusWarning = "WARNING"
	StatusSkipped = "SKIPPED"
)

// Manifest actions.
const (
	ActionCreate = "CREATE"
	ActionModify = "MODIFY"
	ActionDelete = "DELETE"
)

type Run struct {
	ID          string    `json:"id"`
	ProjectPath string    `json:"project_path"`
	BaseRef     string    `json:"base_ref,omitempty"`
	TargetRef   string    `json:"target_ref,omitempty"`
	Status      string    `json:"status" enum:"PENDING,RUNNING,PASSED,FAILED,ABORTED"`
	CurrentGate int       `json:"current_gate"`
	Manifest    *Manifest `json:"manifest,omitempty"`
	Bypassed    []string  `json:"bypassed,omitempty"`
	CreatedAt   string    `json:"created_at" format:"date-time"`
	UpdatedAt   string    `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the run can no longer change status.
func (r Run) Terminal() bool {
	switch r.Status {
	case RunPassed, RunFailed, RunAborted:
		return true
	}
	return false
}

// IsBypassed reports whether a validator code was bypassed for this run.
func (r Run) IsBypassed(code string) bool {
	for _, c := range r.Bypassed {
		if c == code {
			return true
		}
	}
	return false
}

type ManifestFile struct {
	Path   string `json:"path" yaml:"path"`
	Action string `json:"action" yaml:"action" enum:"CREATE,MODIFY,DELETE"`
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

type Manifest struct {
	Files    []ManifestFile `json:"files" yaml:"files"`
	TestFile string         `json:"testFile,omitempty" yaml:"testFile,omitempty"`
}

// Clone returns a deep copy so callers can hand out read-only views.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	cp := &Manifest{TestFile: m.TestFile}
	if len(m.Files) > 0 {
		cp.Files = make([]ManifestFile, len(m.Files))
		copy(cp.Files, m.Files)
	}
	return cp
}

// Action returns the declared action for a path, or "" when the path is not
// listed. Both sides are compared in cleaned form, so "./src/a.ts" matches
// "src/a.ts".
func (m *Manifest) Action(p string) string {
	if m == nil {
		return ""
	}
	p = path.Clean(p)
	for _, f := range m.Files {
		if path.Clean(f.Path) == p {
			return f.Action
		}
	}
	return ""
}

// Deleted lists the paths marked DELETE in manifest order.
func (m *Manifest) Deleted() []string {
	if m == nil {
		return nil
	}
	var out []string
	for _, f := range m.Files {
		if f.Action == ActionDelete {
			out = append(out, f.Path)
		}
	}
	return out
}

type GateResult struct {
	RunID        string `json:"run_id"`
	GateNumber   int    `json:"gate_number"`
	Status       string `json:"status" enum:"PASSED,FAILED,WARNING"`
	PassedCount  int    `json:"passed_count"`
	FailedCount  int    `json:"failed_count"`
	WarningCount int    `json:"warning_count"`
	SkippedCount int    `json:"skipped_count"`
}

type ValidatorResult struct {
	RunID         string             `json:"run_id"`
	GateNumber    int                `json:"gate_number"`
	ValidatorCode string             `json:"validator_code"`
	Status        string             `json:"status" enum:"PENDING,RUNNING,PASSED,FAILED,WARNING,SKIPPED"`
	IsHardBlock   bool               `json:"is_hard_block"`
	Bypassed      bool               `json:"bypassed,omitempty"`
	Message       string             `json:"message"`
	Evidence      string             `json:"evidence,omitempty"`
	Context       *ValidationContext `json:"context,omitempty"`
}

// Finding types used in a validation trail.
const (
	FindingPass    = "pass"
	FindingFail    = "fail"
	FindingWarning = "warning"
	FindingInfo    = "info"
)

type Finding struct {
	Type     string `json:"type" enum:"pass,fail,warning,info"`
	Message  string `json:"message"`
	Location string `json:"location,omitempty"`
}

// ValidationContext is the audit trail every validator fills in regardless of verdict.
type ValidationContext struct {
	Inputs        []string       `json:"inputs,omitempty"`
	AnalyzedFiles []string       `json:"analyzed_files,omitempty"`
	Findings      []Finding      `json:"findings,omitempty"`
	Reasoning     string         `json:"reasoning,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

type PipelineEvent struct {
	ID              int64          `json:"id"`
	RunID           string         `json:"run_id"`
	EventType       string         `json:"event_type"`
	Stage           string         `json:"stage,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	AgentRunID      string         `json:"agent_run_id,omitempty"`
	ValidationRunID string         `json:"validation_run_id,omitempty"`
	Source          string         `json:"source,omitempty"`
	Level           string         `json:"level,omitempty" enum:"info,warn,error"`
	Message         string         `json:"message,omitempty"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
}

type PipelineState struct {
	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	Stage       string `json:"stage"`
	Progress    int    `json:"progress" minimum:"0" maximum:"100"`
	LastEventID int64  `json:"last_event_id"`
	Summary     string `json:"summary,omitempty"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type WorkItem struct {
	ID        string         `json:"id" yaml:"id"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Action    map[string]any `json:"action,omitempty" yaml:"action,omitempty"`
	Verify    string         `json:"verify,omitempty" yaml:"verify,omitempty"`
}

// WorkDocument is an unordered set of work items plus the task they serve.
type WorkDocument struct {
	Task  string     `json:"task" yaml:"task"`
	Items []WorkItem `json:"items" yaml:"items"`
}

// TimeFormat is a fixed-width UTC timestamp layout, so stored timestamps
// compare correctly as strings.
const TimeFormat = "2006-01-02T15:04:05.000000Z07:00"

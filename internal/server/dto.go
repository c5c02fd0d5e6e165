package server

import (
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/gate"
)

// Request payloads

type CreateRunRequest struct {
	ProjectPath string           `json:"project_path" minLength:"1"`
	BaseRef     string           `json:"base_ref,omitempty"`
	TargetRef   string           `json:"target_ref,omitempty"`
	Manifest    *domain.Manifest `json:"manifest,omitempty"`
}

type BypassRequest struct {
	Validator string `json:"validator" minLength:"1" example:"DELETE_DEPENDENCY_CHECK"`
}

type RunGatesRequest struct {
	// Wait runs the gates within the request instead of in the background.
	Wait bool `json:"wait,omitempty"`
}

type ApplyRequest struct {
	Task  string            `json:"task"`
	Items []domain.WorkItem `json:"items"`
	Wait  bool              `json:"wait,omitempty"`
}

type PublishEventRequest struct {
	Type            string         `json:"type" minLength:"1" example:"agent:plan_complete"`
	Stage           string         `json:"stage,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	AgentRunID      string         `json:"agent_run_id,omitempty"`
	ValidationRunID string         `json:"validation_run_id,omitempty"`
	Level           string         `json:"level,omitempty" enum:"info,warn,error"`
	Message         string         `json:"message,omitempty"`
}

// Response payloads

type RunList struct {
	Items []domain.Run `json:"items"`
}

type GateRunResponse struct {
	Run    domain.Run         `json:"run"`
	Result *GateResultSummary `json:"result,omitempty"`
}

type GateResultSummary struct {
	Status     string                   `json:"status" enum:"PASSED,FAILED,WARNING"`
	HaltedAt   int                      `json:"halted_at"`
	Gates      []domain.GateResult      `json:"gates"`
	Validators []domain.ValidatorResult `json:"validators"`
}

func gateSummary(res gate.Result) *GateResultSummary {
	out := &GateResultSummary{
		Status:     res.Status,
		HaltedAt:   res.HaltedAt,
		Gates:      res.Gates,
		Validators: res.Validators,
	}
	if out.Gates == nil {
		out.Gates = []domain.GateResult{}
	}
	if out.Validators == nil {
		out.Validators = []domain.ValidatorResult{}
	}
	return out
}

type ApplyResponse struct {
	Run    domain.Run          `json:"run"`
	Result *engine.ApplyResult `json:"result,omitempty"`
}

type ResultsResponse struct {
	Gates      []domain.GateResult      `json:"gates"`
	Validators []domain.ValidatorResult `json:"validators"`
}

type EventPage struct {
	Items []domain.PipelineEvent `json:"items"`
	// NextAfter is the cursor for the next page, empty on the last page.
	NextAfter string `json:"next_after,omitempty"`
}

type PublishEventResponse struct {
	Persisted bool                  `json:"persisted"`
	Event     *domain.PipelineEvent `json:"event,omitempty"`
}

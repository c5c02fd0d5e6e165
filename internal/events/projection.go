package events

import (
	"time"

	"gateline/internal/domain"
)

// Transition event types.
const (
	TypePlanComplete      = "agent:plan_complete"
	TypeSpecComplete      = "agent:spec_complete"
	TypeExecutionComplete = "agent:execution_complete"
	TypeError             = "agent:error"

	TypeRunStarted        = "gate:run_started"
	TypeValidatorStarted  = "gate:validator_started"
	TypeValidatorFinished = "gate:validator_finished"
	TypeGateFinished      = "gate:finished"
	TypeRunPassed         = "gate:run_passed"
	TypeRunFailed         = "gate:run_failed"
	TypeRunAborted        = "gate:run_aborted"

	TypeItemStarted   = "dag:item_started"
	TypeItemCompleted = "dag:item_completed"
	TypeItemFailed    = "dag:item_failed"
	TypeItemSkipped   = "dag:item_skipped"
)

// State defaults for a freshly created row.
const (
	DefaultStatus   = "running"
	DefaultStage    = "planning"
	DefaultProgress = 0
)

// StateUpdate is a partial state change. Empty strings and a nil Progress
// leave the stored value untouched.
type StateUpdate struct {
	Status   string
	Stage    string
	Progress *int
	Summary  string
}

func progress(n int) *int { return &n }

// DefaultTransitions maps transition event types to their state update.
func DefaultTransitions() map[string]StateUpdate {
	return map[string]StateUpdate{
		TypePlanComplete:      {Stage: "spec", Progress: progress(25)},
		TypeSpecComplete:      {Stage: "fix", Progress: progress(50)},
		TypeExecutionComplete: {Stage: "complete", Progress: progress(100)},
		TypeError:             {Status: "failed"},
		TypeRunStarted:        {Status: "running", Stage: "gates", Progress: progress(0)},
		TypeRunPassed:         {Status: "passed", Stage: "complete", Progress: progress(100)},
		TypeRunFailed:         {Status: "failed"},
		TypeRunAborted:        {Status: "aborted"},
	}
}

// NewState returns the row created on the first transition of a run.
func NewState(runID string) domain.PipelineState {
	return domain.PipelineState{
		RunID:    runID,
		Status:   DefaultStatus,
		Stage:    DefaultStage,
		Progress: DefaultProgress,
	}
}

// Merge applies upd and the triggering event id to st.
func Merge(st domain.PipelineState, eventID int64, upd StateUpdate, now time.Time) domain.PipelineState {
	if upd.Status != "" {
		st.Status = upd.Status
	}
	if upd.Stage != "" {
		st.Stage = upd.Stage
	}
	if upd.Progress != nil {
		st.Progress = *upd.Progress
	}
	if upd.Summary != "" {
		st.Summary = upd.Summary
	}
	st.LastEventID = eventID
	st.UpdatedAt = now.UTC().Format(domain.TimeFormat)
	return st
}

// updateFor returns the update for evt, with a payload summary when present.
func (p Policy) updateFor(evt domain.PipelineEvent) (StateUpdate, bool) {
	upd, ok := p.Transitions[evt.EventType]
	if !ok {
		return StateUpdate{}, false
	}
	if s, ok := evt.Payload["summary"].(string); ok && s != "" {
		upd.Summary = s
	}
	return upd, true
}

// Project folds events into a state row, ignoring non-transition events.
// The boolean is false when no transition was seen.
func (p Policy) Project(runID string, evts []domain.PipelineEvent) (domain.PipelineState, bool) {
	st := NewState(runID)
	seen := false
	for _, evt := range evts {
		upd, ok := p.updateFor(evt)
		if !ok {
			continue
		}
		ts, err := time.Parse(domain.TimeFormat, evt.CreatedAt)
		if err != nil {
			ts = time.Now()
		}
		st = Merge(st, evt.ID, upd, ts)
		seen = true
	}
	return st, seen
}

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gateline/internal/dag"
	"gateline/internal/domain"
	"gateline/internal/events"
)

// ApplyResult summarizes a document run.
type ApplyResult struct {
	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`
	Skipped   []string `json:"skipped"`
}

// ApplyDocument executes a work document in the run's project directory.
// Item progress is recorded as dag:* events. An invalid document is rejected
// with a *dag.StructuralError before any item starts.
func (e Engine) ApplyDocument(ctx context.Context, runID string, doc domain.WorkDocument) (ApplyResult, error) {
	job, err := e.beginApply(ctx, runID, doc)
	if err != nil {
		return ApplyResult{}, err
	}
	return job()
}

// StartApply validates and claims like ApplyDocument, then executes in the
// background.
func (e Engine) StartApply(ctx context.Context, runID string, doc domain.WorkDocument) (domain.Run, error) {
	job, err := e.beginApply(context.WithoutCancel(ctx), runID, doc)
	if err != nil {
		return domain.Run{}, err
	}
	go func() {
		if _, err := job(); err != nil {
			e.logger().Warn("document apply ended early", "run_id", runID, "err", err)
		}
	}()
	return e.Repo.GetRun(ctx, runID)
}

func (e Engine) beginApply(ctx context.Context, runID string, doc domain.WorkDocument) (func() (ApplyResult, error), error) {
	if err := dag.Validate(doc); err != nil {
		return nil, err
	}
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Terminal() {
		return nil, fmt.Errorf("apply document to %s: %w", runID, ErrRunTerminal)
	}
	jctx, release, err := e.jobs.claim(ctx, runID)
	if err != nil {
		return nil, err
	}
	return func() (ApplyResult, error) {
		defer release()
		return e.apply(jctx, run, doc)
	}, nil
}

func (e Engine) apply(ctx context.Context, run domain.Run, doc domain.WorkDocument) (ApplyResult, error) {
	runner := e.Runner
	if runner == nil {
		sr := dag.ShellRunner{Dir: run.ProjectPath}
		if e.Config != nil {
			sr.Shell = e.Config.DAG.Shell
		}
		runner = sr
	}
	maxParallel := 0
	if e.Config != nil {
		maxParallel = e.Config.DAG.MaxParallel
	}
	rec := &itemRecorder{e: e, runID: run.ID}
	var notifier dag.Notifier = rec
	if e.ItemNotifier != nil {
		notifier = dag.Multi{rec, e.ItemNotifier}
	}
	x := dag.Executor{Runner: runner, Notifier: notifier, MaxParallel: maxParallel}

	e.record(ctx, run.ID, events.RawEvent{
		Type:    TypeApplyStarted,
		Stage:   "dag",
		Message: doc.Task,
		Payload: map[string]any{"task": doc.Task, "items": len(doc.Items)},
	})
	start := e.now()
	err := x.Execute(ctx, doc)
	res := rec.result()
	fctx := context.WithoutCancel(ctx)
	level := "info"
	if len(res.Failed) > 0 || err != nil {
		level = "error"
	}
	payload := map[string]any{
		"task":        doc.Task,
		"completed":   len(res.Completed),
		"failed":      res.Failed,
		"skipped":     res.Skipped,
		"duration_ms": e.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	e.record(fctx, run.ID, events.RawEvent{
		Type:    TypeApplyFinished,
		Stage:   "dag",
		Level:   level,
		Message: fmt.Sprintf("%d completed, %d failed, %d skipped", len(res.Completed), len(res.Failed), len(res.Skipped)),
		Payload: payload,
	})
	return res, err
}

// itemRecorder turns executor notifications into dag:* events.
type itemRecorder struct {
	e     Engine
	runID string

	mu  sync.Mutex
	res ApplyResult
	at  map[string]time.Time
}

func (r *itemRecorder) started(id string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.at[id]
}

func (r *itemRecorder) ItemStarted(ctx context.Context, it domain.WorkItem) {
	r.mu.Lock()
	if r.at == nil {
		r.at = map[string]time.Time{}
	}
	r.at[it.ID] = r.e.now()
	r.mu.Unlock()
	r.e.record(ctx, r.runID, events.RawEvent{
		Type:    events.TypeItemStarted,
		Stage:   "dag",
		Payload: map[string]any{"item": it.ID, "depends_on": it.DependsOn, "action": it.Action},
	})
}

func (r *itemRecorder) ItemCompleted(ctx context.Context, it domain.WorkItem) {
	r.mu.Lock()
	r.res.Completed = append(r.res.Completed, it.ID)
	r.mu.Unlock()
	r.e.record(context.WithoutCancel(ctx), r.runID, events.RawEvent{
		Type:    events.TypeItemCompleted,
		Stage:   "dag",
		Payload: map[string]any{"item": it.ID, "duration_ms": r.e.now().Sub(r.started(it.ID)).Milliseconds()},
	})
}

func (r *itemRecorder) ItemFailed(ctx context.Context, it domain.WorkItem, err error) {
	r.mu.Lock()
	r.res.Failed = append(r.res.Failed, it.ID)
	r.mu.Unlock()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.e.record(context.WithoutCancel(ctx), r.runID, events.RawEvent{
		Type:    events.TypeItemFailed,
		Stage:   "dag",
		Level:   "error",
		Message: msg,
		Payload: map[string]any{"item": it.ID, "output": msg},
	})
}

func (r *itemRecorder) ItemSkipped(ctx context.Context, it domain.WorkItem, reason string) {
	r.mu.Lock()
	r.res.Skipped = append(r.res.Skipped, it.ID)
	r.mu.Unlock()
	r.e.record(context.WithoutCancel(ctx), r.runID, events.RawEvent{
		Type:    events.TypeItemSkipped,
		Stage:   "dag",
		Level:   "warn",
		Message: reason,
		Payload: map[string]any{"item": it.ID, "reason": reason},
	})
}

func (r *itemRecorder) result() ApplyResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := ApplyResult{
		Completed: append([]string(nil), r.res.Completed...),
		Failed:    append([]string(nil), r.res.Failed...),
		Skipped:   append([]string(nil), r.res.Skipped...),
	}
	return out
}

package engine

import (
	"context"
	"fmt"

	"gateline/internal/domain"
	"gateline/internal/events"
	"gateline/internal/gate"
)

// RunGates runs every gate of a run and returns the pipeline result. The run
// ends PASSED (a warning-only result still passes) or FAILED at the halting
// gate. Canceling ctx or aborting the run stops before the next gate.
func (e Engine) RunGates(ctx context.Context, runID string) (gate.Result, error) {
	job, err := e.beginGates(ctx, runID)
	if err != nil {
		return gate.Result{}, err
	}
	return job()
}

// StartGates claims the run like RunGates but runs the gates in the
// background. Progress is observable through the event log and the stream.
func (e Engine) StartGates(ctx context.Context, runID string) (domain.Run, error) {
	job, err := e.beginGates(context.WithoutCancel(ctx), runID)
	if err != nil {
		return domain.Run{}, err
	}
	go func() {
		if _, err := job(); err != nil {
			e.logger().Warn("gate run ended early", "run_id", runID, "err", err)
		}
	}()
	return e.Repo.GetRun(ctx, runID)
}

// Busy reports whether gates or a work document are running for runID.
func (e Engine) Busy(runID string) bool {
	return e.jobs.active(runID)
}

func (e Engine) beginGates(ctx context.Context, runID string) (func() (gate.Result, error), error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Terminal() {
		return nil, fmt.Errorf("run gates on %s: %w", runID, ErrRunTerminal)
	}
	jctx, release, err := e.jobs.claim(ctx, runID)
	if err != nil {
		return nil, err
	}
	ok, err := e.Repo.AdvanceRun(ctx, runID, domain.RunRunning, run.CurrentGate)
	if err != nil || !ok {
		release()
		if err == nil {
			err = fmt.Errorf("run gates on %s: %w", runID, ErrRunTerminal)
		}
		return nil, err
	}
	run.Status = domain.RunRunning
	return func() (gate.Result, error) {
		defer release()
		return e.runGates(jctx, run)
	}, nil
}

func (e Engine) runGates(ctx context.Context, run domain.Run) (gate.Result, error) {
	p := *e.Pipeline
	p.Observer = gateRecorder{e: e}
	gates := p.Gates()
	e.record(ctx, run.ID, events.RawEvent{
		Type:    events.TypeRunStarted,
		Stage:   "gates",
		Message: fmt.Sprintf("running %d gates", len(gates)),
		Payload: map[string]any{"gates": gates, "bypassed": run.Bypassed},
	})

	vc := gate.NewContext(gate.ContextOptions{
		RunID:       run.ID,
		ProjectRoot: run.ProjectPath,
		Manifest:    run.Manifest,
		Files:       gate.OSFileTree{Root: run.ProjectPath, SkipDirs: e.skipDirs()},
		Tests:       e.Tests,
	})
	res, err := p.RunGates(ctx, run, vc)
	// Persisting the outcome must not depend on the canceled job context.
	fctx := context.WithoutCancel(ctx)
	if err != nil {
		last := run.CurrentGate
		if n := len(res.Gates); n > 0 {
			last = res.Gates[n-1].GateNumber
		}
		if ok, ferr := e.Repo.AdvanceRun(fctx, run.ID, domain.RunAborted, last); ferr == nil && ok {
			e.record(fctx, run.ID, events.RawEvent{
				Type:    events.TypeRunAborted,
				Stage:   "gates",
				Level:   "warn",
				Message: "gate run canceled",
				Payload: map[string]any{"gate": last, "reason": err.Error()},
			})
		}
		return res, err
	}

	status, typ, gateNo := domain.RunPassed, events.TypeRunPassed, run.CurrentGate
	if n := len(res.Gates); n > 0 {
		gateNo = res.Gates[n-1].GateNumber
	}
	if res.Status == domain.StatusFailed {
		status, typ, gateNo = domain.RunFailed, events.TypeRunFailed, res.HaltedAt
	}
	ok, err := e.Repo.AdvanceRun(fctx, run.ID, status, gateNo)
	if err != nil {
		return res, err
	}
	if !ok {
		// Aborted while the last gate was finishing.
		return res, fmt.Errorf("run %s: %w", run.ID, ErrRunTerminal)
	}
	payload := map[string]any{"result": res.Status, "gate": gateNo}
	level, msg := "info", "all gates passed"
	if status == domain.RunFailed {
		level, msg = "error", fmt.Sprintf("hard block at gate %d", gateNo)
		var blocked []string
		for _, v := range res.Validators {
			if v.GateNumber == gateNo && v.Status == domain.StatusFailed && v.IsHardBlock {
				blocked = append(blocked, v.ValidatorCode)
			}
		}
		payload["blocked_by"] = blocked
	}
	e.record(fctx, run.ID, events.RawEvent{Type: typ, Stage: "gates", Level: level, Message: msg, Payload: payload})
	e.logger().Info("gate run finished", "run_id", run.ID, "status", status, "result", res.Status, "gate", gateNo)
	return res, nil
}

func (e Engine) skipDirs() map[string]bool {
	if e.Config == nil || len(e.Config.Imports.SkipDirs) == 0 {
		return gate.DefaultSkipDirs()
	}
	out := make(map[string]bool, len(e.Config.Imports.SkipDirs))
	for _, d := range e.Config.Imports.SkipDirs {
		out[d] = true
	}
	return out
}

// gateRecorder persists results and records gate events as the pipeline
// runs. Results of validators finishing after an abort are still stored.
type gateRecorder struct {
	e Engine
}

func (g gateRecorder) ValidatorStarted(ctx context.Context, runID string, gateNo int, code string) {
	g.e.record(ctx, runID, events.RawEvent{
		Type:            events.TypeValidatorStarted,
		Stage:           "gates",
		ValidationRunID: fmt.Sprintf("%s/%d/%s", runID, gateNo, code),
		Payload:         map[string]any{"gate": gateNo, "validator": code},
	})
}

func (g gateRecorder) ValidatorFinished(ctx context.Context, res domain.ValidatorResult) {
	ctx = context.WithoutCancel(ctx)
	if err := g.e.Repo.UpsertValidatorResult(ctx, res); err != nil {
		g.e.logger().Warn("store validator result", "run_id", res.RunID, "validator", res.ValidatorCode, "err", err)
	}
	level := "info"
	switch res.Status {
	case domain.StatusFailed:
		level = "error"
	case domain.StatusWarning:
		level = "warn"
	}
	g.e.record(ctx, res.RunID, events.RawEvent{
		Type:            events.TypeValidatorFinished,
		Stage:           "gates",
		ValidationRunID: fmt.Sprintf("%s/%d/%s", res.RunID, res.GateNumber, res.ValidatorCode),
		Level:           level,
		Message:         res.Message,
		Payload: map[string]any{
			"gate":       res.GateNumber,
			"validator":  res.ValidatorCode,
			"status":     res.Status,
			"hard_block": res.IsHardBlock,
			"bypassed":   res.Bypassed,
			"evidence":   res.Evidence,
		},
	})
}

func (g gateRecorder) GateFinished(ctx context.Context, res domain.GateResult) {
	ctx = context.WithoutCancel(ctx)
	if err := g.e.Repo.UpsertGateResult(ctx, res); err != nil {
		g.e.logger().Warn("store gate result", "run_id", res.RunID, "gate", res.GateNumber, "err", err)
	}
	if _, err := g.e.Repo.AdvanceRun(ctx, res.RunID, domain.RunRunning, res.GateNumber); err != nil {
		g.e.logger().Warn("update current gate", "run_id", res.RunID, "err", err)
	}
	g.e.record(ctx, res.RunID, events.RawEvent{
		Type:    events.TypeGateFinished,
		Stage:   "gates",
		Message: fmt.Sprintf("gate %d %s", res.GateNumber, res.Status),
		Payload: map[string]any{
			"gate":    res.GateNumber,
			"status":  res.Status,
			"passed":  res.PassedCount,
			"failed":  res.FailedCount,
			"warning": res.WarningCount,
			"skipped": res.SkippedCount,
		},
	})
}

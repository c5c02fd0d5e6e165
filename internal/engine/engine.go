package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"gateline/internal/config"
	"gateline/internal/dag"
	"gateline/internal/domain"
	"gateline/internal/events"
	"gateline/internal/gate"
	"gateline/internal/gate/validators"
	"gateline/internal/replay"
	"gateline/internal/repo"
)

var (
	// ErrRunTerminal is returned for operations on a PASSED, FAILED or ABORTED run.
	ErrRunTerminal = errors.New("run is terminal")
	// ErrRunBusy is returned when gates or a work document are already running for a run.
	ErrRunBusy = errors.New("run is busy")
	// ErrUnknownValidator is returned when bypassing a code no validator registers.
	ErrUnknownValidator = errors.New("unknown validator")
	ErrInvalidRequest   = errors.New("invalid request")
)

// Event types recorded by the engine besides the gate and dag transitions.
const (
	TypeRunRequested     = "run:requested"
	TypeManifestAttached = "run:manifest_attached"
	TypeBypassAdded      = "gate:validator_bypassed"
	TypeApplyStarted     = "dag:started"
	TypeApplyFinished    = "dag:finished"
)

const source = "gateline"

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Log      *events.Log
	Hub      *replay.Hub
	Pipeline *gate.Pipeline
	Config   *config.Config
	Logger   *slog.Logger
	// Tests runs a run's declared test file. Nil disables TESTS_PASS.
	Tests gate.TestRunner
	// Runner performs work items. Nil runs them through the shell in the
	// run's project directory.
	Runner dag.Runner
	// ItemNotifier also observes work items of ApplyDocument, after the
	// event recorder.
	ItemNotifier dag.Notifier
	Now          func() time.Time

	jobs *jobs
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default("gateline")
	}
	logger := slog.Default()
	r := repo.Repo{DB: db}
	p := gate.NewPipeline(validators.Default(cfg)...)
	p.MaxParallel = cfg.Gates.MaxParallel
	var tests gate.TestRunner
	if strings.TrimSpace(cfg.Gates.TestCommand) != "" {
		tests = gate.CommandTestRunner{Command: cfg.Gates.TestCommand, Shell: cfg.DAG.Shell, Timeout: cfg.Gates.TestTimeout}
	}
	return Engine{
		DB:       db,
		Repo:     r,
		Log:      events.NewLog(r, events.PolicyFromConfig(cfg), logger.With("component", "events")),
		Hub:      replay.NewHub(replay.Options{Capacity: cfg.Replay.Capacity, TTL: cfg.Replay.TTL}),
		Pipeline: p,
		Config:   cfg,
		Logger:   logger,
		Tests:    tests,
		Now:      time.Now,
		jobs:     newJobs(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// RunRequest describes a new run.
type RunRequest struct {
	ProjectPath string
	BaseRef     string
	TargetRef   string
	Manifest    *domain.Manifest
}

// RequestRun creates a PENDING run.
func (e Engine) RequestRun(ctx context.Context, req RunRequest) (domain.Run, error) {
	if strings.TrimSpace(req.ProjectPath) == "" {
		return domain.Run{}, fmt.Errorf("%w: project path is required", ErrInvalidRequest)
	}
	ts := e.now().UTC().Format(domain.TimeFormat)
	run := domain.Run{
		ID:          uuid.NewString(),
		ProjectPath: req.ProjectPath,
		BaseRef:     req.BaseRef,
		TargetRef:   req.TargetRef,
		Status:      domain.RunPending,
		Manifest:    req.Manifest.Clone(),
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if err := e.Repo.InsertRun(ctx, run); err != nil {
		return domain.Run{}, err
	}
	e.record(ctx, run.ID, events.RawEvent{
		Type:    TypeRunRequested,
		Stage:   "planning",
		Message: "run requested",
		Payload: map[string]any{"project_path": run.ProjectPath, "base_ref": run.BaseRef, "target_ref": run.TargetRef},
	})
	if run.Manifest != nil {
		e.recordManifest(ctx, run.ID, *run.Manifest)
	}
	return run, nil
}

func (e Engine) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return e.Repo.GetRun(ctx, id)
}

func (e Engine) ListRuns(ctx context.Context, status string, limit int) ([]domain.Run, error) {
	return e.Repo.ListRuns(ctx, status, limit)
}

// AttachManifest sets the manifest of a run that has none yet.
func (e Engine) AttachManifest(ctx context.Context, runID string, m domain.Manifest) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Terminal() {
		return run, fmt.Errorf("attach manifest to %s: %w", runID, ErrRunTerminal)
	}
	if err := e.Repo.AttachManifest(ctx, runID, m); err != nil {
		return run, err
	}
	e.recordManifest(ctx, runID, m)
	return e.Repo.GetRun(ctx, runID)
}

func (e Engine) recordManifest(ctx context.Context, runID string, m domain.Manifest) {
	e.record(ctx, runID, events.RawEvent{
		Type:    TypeManifestAttached,
		Stage:   "planning",
		Message: fmt.Sprintf("manifest with %d files attached", len(m.Files)),
		Payload: map[string]any{"files": len(m.Files), "deleted": m.Deleted(), "test_file": m.TestFile},
	})
}

// Bypass adds a validator code to the run's bypass set. A bypassed validator
// that fails on a later gate run is reported PASSED and marked bypassed.
func (e Engine) Bypass(ctx context.Context, runID, code string) (domain.Run, error) {
	code = strings.TrimSpace(code)
	known := false
	for _, v := range e.Pipeline.Validators() {
		if v.Code() == code {
			known = true
			break
		}
	}
	if !known {
		return domain.Run{}, fmt.Errorf("%w: %q", ErrUnknownValidator, code)
	}
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Terminal() {
		return run, fmt.Errorf("bypass on %s: %w", runID, ErrRunTerminal)
	}
	if run.IsBypassed(code) {
		return run, nil
	}
	codes := append(append([]string(nil), run.Bypassed...), code)
	if err := e.Repo.SetBypassed(ctx, runID, codes); err != nil {
		return run, err
	}
	e.record(ctx, runID, events.RawEvent{
		Type:    TypeBypassAdded,
		Stage:   "gates",
		Level:   "warn",
		Message: "validator " + code + " bypassed",
		Payload: map[string]any{"validator": code},
	})
	return e.Repo.GetRun(ctx, runID)
}

// Abort moves a run to ABORTED and cancels whatever is running for it.
// Validators and work items already in flight are allowed to finish.
func (e Engine) Abort(ctx context.Context, runID string) (domain.Run, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	ok, err := e.Repo.AdvanceRun(ctx, runID, domain.RunAborted, run.CurrentGate)
	if err != nil {
		return run, err
	}
	if !ok {
		return run, fmt.Errorf("abort %s: %w", runID, ErrRunTerminal)
	}
	e.jobs.cancel(runID)
	e.record(ctx, runID, events.RawEvent{
		Type:    events.TypeRunAborted,
		Stage:   "gates",
		Level:   "warn",
		Message: "run aborted",
		Payload: map[string]any{"gate": run.CurrentGate},
	})
	return e.Repo.GetRun(ctx, runID)
}

// State returns the projected pipeline state of a run.
func (e Engine) State(ctx context.Context, runID string) (domain.PipelineState, error) {
	return e.Log.State(ctx, runID)
}

// Events returns the persisted events of a run matching f.
func (e Engine) Events(ctx context.Context, f events.Filter) ([]domain.PipelineEvent, error) {
	return e.Log.Events(ctx, f)
}

// Results returns the stored gate and validator results of a run.
func (e Engine) Results(ctx context.Context, runID string) ([]domain.GateResult, []domain.ValidatorResult, error) {
	if _, err := e.Repo.GetRun(ctx, runID); err != nil {
		return nil, nil, err
	}
	gates, err := e.Repo.ListGateResults(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	vals, err := e.Repo.ListValidatorResults(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return gates, vals, nil
}

// Publish records an externally produced event for a run, such as agent
// progress. Volatile types reach stream subscribers without being stored.
func (e Engine) Publish(ctx context.Context, runID string, raw events.RawEvent) (*domain.PipelineEvent, error) {
	if strings.TrimSpace(raw.Type) == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrInvalidRequest)
	}
	if _, err := e.Repo.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	if raw.Source == "" {
		raw.Source = "external"
	}
	return e.record(ctx, runID, raw), nil
}

// Wait blocks until background gate runs and document applies finish.
func (e Engine) Wait() {
	if e.jobs != nil {
		e.jobs.wg.Wait()
	}
}

// record persists raw through the event log and emits it to stream
// subscribers. Persistence failures are logged and otherwise ignored so they
// never break the pipeline.
func (e Engine) record(ctx context.Context, runID string, raw events.RawEvent) *domain.PipelineEvent {
	if raw.Source == "" {
		raw.Source = source
	}
	if raw.Level == "" {
		raw.Level = "info"
	}
	evt, err := e.Log.Record(ctx, runID, raw)
	if err != nil {
		e.logger().Warn("record event", "run_id", runID, "type", raw.Type, "err", err)
	}
	if e.Hub == nil {
		return evt
	}
	out := evt
	if out == nil {
		payload, err := e.Log.Policy.Sanitize(raw.Payload)
		if err != nil {
			payload = nil
		}
		out = &domain.PipelineEvent{
			RunID:     runID,
			EventType: raw.Type,
			Stage:     raw.Stage,
			Payload:   payload,
			Source:    raw.Source,
			Level:     raw.Level,
			Message:   raw.Message,
			CreatedAt: e.now().UTC().Format(domain.TimeFormat),
		}
	}
	e.Hub.Emit(runID, raw.Type, *out)
	return evt
}

package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gateline/internal/config"
	"gateline/internal/dag"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/events"
	"gateline/internal/gate/validators"
	"gateline/internal/migrate"
)

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Project string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	cfg.Gates.TestCommand = ""
	eng := engine.New(conn, cfg)
	clock := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Now = clock
	eng.Repo.Now = clock

	project := filepath.Join(dir, "project")
	writeFile(t, project, "src/util.ts", "export const x = 1\n")
	writeFile(t, project, "src/app.ts", "import { x } from './util'\nconsole.log(x)\n")
	writeFile(t, project, "src/app.test.ts", "import './app'\n")
	return testEnv{Engine: eng, Ctx: context.Background(), Project: project}
}

func writeFile(t *testing.T, root, rel, body string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func deleteUtil() *domain.Manifest {
	return &domain.Manifest{
		Files: []domain.ManifestFile{
			{Path: "src/util.ts", Action: domain.ActionDelete, Reason: "inlined"},
		},
		TestFile: "src/app.test.ts",
	}
}

func eventTypes(t *testing.T, env testEnv, runID string) []string {
	t.Helper()
	evts, err := env.Engine.Events(env.Ctx, events.Filter{RunID: runID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var out []string
	for _, e := range evts {
		out = append(out, e.EventType)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestRequestRunValidatesInput(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RequestRun(env.Ctx, engine.RunRequest{}); !errors.Is(err, engine.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	run, err := env.Engine.RequestRun(env.Ctx, engine.RunRequest{ProjectPath: env.Project, BaseRef: "main"})
	if err != nil {
		t.Fatalf("request run: %v", err)
	}
	if run.Status != domain.RunPending || run.ID == "" {
		t.Fatalf("unexpected run: %+v", run)
	}
	if got := eventTypes(t, env, run.ID); len(got) != 1 || got[0] != engine.TypeRunRequested {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestRunGatesHaltsOnOrphanedImport(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.RequestRun(env.Ctx, engine.RunRequest{ProjectPath: env.Project, Manifest: deleteUtil()})
	if err != nil {
		t.Fatal(err)
	}
	sub := env.Engine.Hub.Subscribe(run.ID, nil)
	defer sub.Close()

	res, err := env.Engine.RunGates(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("run gates: %v", err)
	}
	if res.Status != domain.StatusFailed || res.HaltedAt != 1 {
		t.Fatalf("expected hard block at gate 1, got %s at %d", res.Status, res.HaltedAt)
	}
	got, err := env.Engine.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunFailed || got.CurrentGate != 1 {
		t.Fatalf("unexpected run after gates: %s gate %d", got.Status, got.CurrentGate)
	}

	types := eventTypes(t, env, run.ID)
	for _, want := range []string{events.TypeRunStarted, events.TypeValidatorStarted, events.TypeValidatorFinished, events.TypeGateFinished, events.TypeRunFailed} {
		if !contains(types, want) {
			t.Fatalf("missing %s in %v", want, types)
		}
	}
	if types[len(types)-1] != events.TypeRunFailed {
		t.Fatalf("last event = %s", types[len(types)-1])
	}
	st, err := env.Engine.State(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Status != "failed" || st.Stage != "gates" {
		t.Fatalf("unexpected state: %+v", st)
	}

	gates, vals, err := env.Engine.Results(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(gates) != 2 || gates[1].Status != domain.StatusFailed {
		t.Fatalf("unexpected gate results: %+v", gates)
	}
	var orphan *domain.ValidatorResult
	for i := range vals {
		if vals[i].ValidatorCode == validators.CodeDeleteDependency {
			orphan = &vals[i]
		}
	}
	if orphan == nil || orphan.Status != domain.StatusFailed || !orphan.IsHardBlock {
		t.Fatalf("delete dependency result missing or wrong: %+v", orphan)
	}

	// The stream saw everything that was persisted, in order.
	ctx, cancel := context.WithTimeout(env.Ctx, time.Second)
	defer cancel()
	first, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if first.Type != events.TypeRunStarted {
		t.Fatalf("first streamed event = %s", first.Type)
	}
	if env.Engine.Hub.LastSeq(run.ID) != uint64(len(types)) {
		t.Fatalf("hub seq %d, persisted %d", env.Engine.Hub.LastSeq(run.ID), len(types))
	}
}

func TestBypassLetsRunPass(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.RequestRun(env.Ctx, engine.RunRequest{ProjectPath: env.Project, Manifest: deleteUtil()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Bypass(env.Ctx, run.ID, "NOPE"); !errors.Is(err, engine.ErrUnknownValidator) {
		t.Fatalf("expected unknown validator, got %v", err)
	}
	run, err = env.Engine.Bypass(env.Ctx, run.ID, validators.CodeDeleteDependency)
	if err != nil {
		t.Fatalf("bypass: %v", err)
	}
	if !run.IsBypassed(validators.CodeDeleteDependency) {
		t.Fatalf("bypass not stored: %+v", run.Bypassed)
	}
	res, err := env.Engine.RunGates(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status == domain.StatusFailed {
		t.Fatalf("bypassed run still failed")
	}
	bypassed := false
	for _, v := range res.Validators {
		if v.ValidatorCode == validators.CodeDeleteDependency {
			bypassed = v.Bypassed && v.Status == domain.StatusPassed
		}
	}
	if !bypassed {
		t.Fatalf("expected bypassed pass: %+v", res.Validators)
	}
	st, err := env.Engine.State(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != "passed" || st.Progress != 100 {
		t.Fatalf("unexpected state: %+v", st)
	}

	// Terminal now.
	if _, err := env.Engine.RunGates(env.Ctx, run.ID); !errors.Is(err, engine.ErrRunTerminal) {
		t.Fatalf("expected terminal, got %v", err)
	}
	if _, err := env.Engine.Bypass(env.Ctx, run.ID, validators.CodeTestsPass); !errors.Is(err, engine.ErrRunTerminal) {
		t.Fatalf("expected terminal, got %v", err)
	}
}

func TestAttachManifestOnce(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.RequestRun(env.Ctx, engine.RunRequest{ProjectPath: env.Project})
	if err != nil {
		t.Fatal(err)
	}
	run, err = env.Engine.AttachManifest(env.Ctx, run.ID, *deleteUtil())
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if run.Manifest == nil || len(run.Manifest.Files) != 1 {
		t.Fatalf("manifest not stored: %+v", run.Manifest)
	}
	if _, err := env.Engine.AttachManifest(env.Ctx, run.ID, *deleteUtil()); err == nil {
		t.Fatalf("expected second attach to fail")
	}
	if !contains(eventTypes(t, env, run.ID), engine.TypeManifestAttached) {
		t.Fatalf("manifest event missing")
	}
}

func TestAbort(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.RequestRun(env.Ctx, engine.RunRequest{ProjectPath: env.Project})
	if err != nil {
		t.Fatal(err)
	}
	run, err = env.Engine.Abort(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if run.Status != domain.RunAborted {
		t.Fatalf("status = %s", run.Status)
	}
	if _, err := env.Engine.Abort(env.Ctx, run.ID); !errors.Is(err, engine.ErrRunTerminal) {
		t.Fatalf("expected terminal on second abort, got %v", err)
	}
	if _, err := env.Engine.RunGates(env.Ctx, run.ID); !errors.Is(err, engine.ErrRunTerminal) {
		t.Fatalf("expected terminal, got %v", err)
	}
	st, err := env.Engine.State(env.Ctx, run.ID)
	if err != nil || st.Status != "aborted" {
		t.Fatalf("unexpected state %+v: %v", st, err)
	}
}

func TestApplyDocumentRecordsItems(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Runner = dag.RunnerFunc(func(_ context.Context, it domain.WorkItem) error {
		if it.ID == "a" {
			return errors.New("compile error")
		}
		return nil
	})
	seen := &dag.Recorder{}
	env.Engine.ItemNotifier = seen
	run, err := env.Engine.RequestRun(env.Ctx, engine.RunRequest{ProjectPath: env.Project})
	if err != nil {
		t.Fatal(err)
	}
	doc := domain.WorkDocument{Task: "inline util", Items: []domain.WorkItem{
		{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}, {ID: "c"},
	}}
	res, err := env.Engine.ApplyDocument(env.Ctx, run.ID, doc)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0] != "a" || len(res.Skipped) != 1 || res.Skipped[0] != "b" || len(res.Completed) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := seen.Kinds("a"); len(got) != 2 || got[0] != dag.KindStarted || got[1] != dag.KindFailed {
		t.Fatalf("item notifier saw %v for a", got)
	}
	if got := seen.Kinds("b"); len(got) != 1 || got[0] != dag.KindSkipped {
		t.Fatalf("item notifier saw %v for b", got)
	}
	types := eventTypes(t, env, run.ID)
	for _, want := range []string{engine.TypeApplyStarted, events.TypeItemStarted, events.TypeItemFailed, events.TypeItemSkipped, events.TypeItemCompleted, engine.TypeApplyFinished} {
		if !contains(types, want) {
			t.Fatalf("missing %s in %v", want, types)
		}
	}
}

func TestApplyRejectsCycle(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.RequestRun(env.Ctx, engine.RunRequest{ProjectPath: env.Project})
	if err != nil {
		t.Fatal(err)
	}
	doc := domain.WorkDocument{Items: []domain.WorkItem{{ID: "a", DependsOn: []string{"b"}}, {ID: "b", DependsOn: []string{"a"}}}}
	if _, err := env.Engine.ApplyDocument(env.Ctx, run.ID, doc); !errors.Is(err, dag.ErrCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if contains(eventTypes(t, env, run.ID), engine.TypeApplyStarted) {
		t.Fatalf("rejected document must not start")
	}
}

func TestAbortCancelsApply(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	release := make(chan struct{})
	env.Engine.Runner = dag.RunnerFunc(func(_ context.Context, it domain.WorkItem) error {
		if it.ID == "first" {
			close(started)
			<-release
		}
		return nil
	})
	run, err := env.Engine.RequestRun(env.Ctx, engine.RunRequest{ProjectPath: env.Project})
	if err != nil {
		t.Fatal(err)
	}
	doc := domain.WorkDocument{Items: []domain.WorkItem{{ID: "first"}, {ID: "second", DependsOn: []string{"first"}}}}
	if _, err := env.Engine.StartApply(env.Ctx, run.ID, doc); err != nil {
		t.Fatalf("start apply: %v", err)
	}
	<-started
	if !env.Engine.Busy(run.ID) {
		t.Fatalf("run should be busy")
	}
	if _, err := env.Engine.RunGates(env.Ctx, run.ID); !errors.Is(err, engine.ErrRunBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	if _, err := env.Engine.Abort(env.Ctx, run.ID); err != nil {
		t.Fatalf("abort: %v", err)
	}
	close(release)
	env.Engine.Wait()

	evts, err := env.Engine.Events(env.Ctx, events.Filter{RunID: run.ID, Types: []string{events.TypeItemSkipped, events.TypeItemCompleted}})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 {
		t.Fatalf("unexpected item events: %+v", evts)
	}
	if evts[0].EventType != events.TypeItemCompleted || evts[1].Payload["reason"] != dag.ReasonCanceled {
		t.Fatalf("in-flight item should finish and the rest be skipped: %+v", evts)
	}
}

func TestPublish(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.RequestRun(env.Ctx, engine.RunRequest{ProjectPath: env.Project})
	if err != nil {
		t.Fatal(err)
	}
	evt, err := env.Engine.Publish(env.Ctx, run.ID, events.RawEvent{Type: "heartbeat"})
	if err != nil || evt != nil {
		t.Fatalf("volatile event should not persist: %+v %v", evt, err)
	}
	hist := env.Engine.Hub.History(run.ID, 0)
	if len(hist) == 0 || hist[len(hist)-1].Type != "heartbeat" {
		t.Fatalf("volatile event should still stream: %+v", hist)
	}

	evt, err = env.Engine.Publish(env.Ctx, run.ID, events.RawEvent{
		Type:    events.TypePlanComplete,
		Payload: map[string]any{"notes": "ok", "auth": map[string]any{"token": "s3cret"}},
	})
	if err != nil || evt == nil {
		t.Fatalf("publish: %+v %v", evt, err)
	}
	auth, _ := evt.Payload["auth"].(map[string]any)
	if auth["token"] != events.RedactedMarker {
		t.Fatalf("token not redacted: %+v", evt.Payload)
	}
	st, err := env.Engine.State(env.Ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Stage != "spec" || st.Progress != 25 || st.LastEventID != evt.ID {
		t.Fatalf("unexpected state: %+v", st)
	}
	if _, err := env.Engine.Publish(env.Ctx, "missing", events.RawEvent{Type: "agent:error"}); err == nil {
		t.Fatalf("expected not found")
	}
}

package gate_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"gateline/internal/domain"
	"gateline/internal/gate"
)

func spec(code string, g, order int, hard bool, fn func(context.Context, *gate.Context) gate.Output) gate.Spec {
	return gate.Spec{ValidatorCode: code, GateNumber: g, Position: order, Hard: hard, Fn: fn}
}

func pass(context.Context, *gate.Context) gate.Output { return gate.Passed{Message: "ok"} }

func fail(context.Context, *gate.Context) gate.Output {
	return gate.Failed{Message: "broken", Evidence: "details"}
}

func newContext(t *testing.T) *gate.Context {
	t.Helper()
	return gate.NewContext(gate.ContextOptions{RunID: "run-1", ProjectRoot: t.TempDir()})
}

func TestHardBlockHaltsLaterGates(t *testing.T) {
	var gate1Calls atomic.Int32
	p := gate.NewPipeline(
		spec("BLOCKER", 0, 0, true, fail),
		spec("AFTER", 1, 0, false, func(context.Context, *gate.Context) gate.Output {
			gate1Calls.Add(1)
			return gate.Passed{}
		}),
	)
	res, err := p.RunGates(context.Background(), domain.Run{ID: "run-1"}, newContext(t))
	if err != nil {
		t.Fatal(err)
	}
	if gate1Calls.Load() != 0 {
		t.Fatalf("gate 1 validator was invoked")
	}
	if res.Status != domain.StatusFailed || res.HaltedAt != 0 || len(res.Gates) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Gates[0].FailedCount != 1 {
		t.Fatalf("failed count: %+v", res.Gates[0])
	}
}

func TestBypassedHardBlockContinues(t *testing.T) {
	var ran atomic.Bool
	p := gate.NewPipeline(
		spec("BLOCKER", 0, 0, true, fail),
		spec("AFTER", 1, 0, false, func(context.Context, *gate.Context) gate.Output {
			ran.Store(true)
			return gate.Passed{}
		}),
	)
	run := domain.Run{ID: "run-1", Bypassed: []string{"BLOCKER"}}
	res, err := p.RunGates(context.Background(), run, newContext(t))
	if err != nil {
		t.Fatal(err)
	}
	if !ran.Load() || res.Status != domain.StatusPassed {
		t.Fatalf("bypass did not let the run continue: %+v", res)
	}
	v := res.Validators[0]
	if v.Status != domain.StatusPassed || !v.Bypassed || !strings.HasPrefix(v.Message, "bypassed") {
		t.Fatalf("unexpected bypassed result: %+v", v)
	}
}

func TestSoftFailureAndWarningDoNotHalt(t *testing.T) {
	p := gate.NewPipeline(
		spec("SOFT_FAIL", 0, 0, false, fail),
		spec("WARN", 0, 1, false, func(context.Context, *gate.Context) gate.Output {
			return gate.Warning{Message: "careful"}
		}),
		spec("SKIP", 0, 2, true, func(context.Context, *gate.Context) gate.Output {
			return gate.Skipped{Reason: "nothing to do"}
		}),
		spec("LATER", 1, 0, true, pass),
	)
	res, err := p.RunGates(context.Background(), domain.Run{ID: "run-1"}, newContext(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Gates) != 2 || res.Status != domain.StatusWarning {
		t.Fatalf("unexpected result: %+v", res)
	}
	g0 := res.Gates[0]
	if g0.Status != domain.StatusWarning || g0.FailedCount != 1 || g0.WarningCount != 1 || g0.SkippedCount != 1 {
		t.Fatalf("unexpected gate 0 aggregate: %+v", g0)
	}
	if res.Gates[1].Status != domain.StatusPassed {
		t.Fatalf("gate 1 should pass: %+v", res.Gates[1])
	}
}

func TestOrderWithinGate(t *testing.T) {
	p := gate.NewPipeline(
		spec("ZED", 0, 1, false, pass),
		spec("BETA", 0, 0, false, pass),
		spec("ALPHA", 0, 0, false, pass),
		spec("FIRST", 1, 0, false, pass),
	)
	res, err := p.RunGates(context.Background(), domain.Run{ID: "run-1"}, newContext(t))
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, v := range res.Validators {
		got = append(got, v.ValidatorCode)
	}
	if strings.Join(got, ",") != "ALPHA,BETA,ZED,FIRST" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	p := gate.NewPipeline(
		spec("PANICS", 0, 0, false, func(context.Context, *gate.Context) gate.Output {
			panic("boom")
		}),
		spec("NEXT", 1, 0, false, pass),
	)
	res, err := p.RunGates(context.Background(), domain.Run{ID: "run-1"}, newContext(t))
	if err != nil {
		t.Fatal(err)
	}
	v := res.Validators[0]
	if v.Status != domain.StatusFailed || !strings.Contains(v.Evidence, "boom") {
		t.Fatalf("panic not converted: %+v", v)
	}
	if len(res.Gates) != 2 {
		t.Fatalf("panic aborted the run")
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	finished []string
	gates    []int
}

func (o *recordingObserver) ValidatorStarted(_ context.Context, _ string, _ int, code string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, code)
}

func (o *recordingObserver) ValidatorFinished(_ context.Context, res domain.ValidatorResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, res.ValidatorCode)
}

func (o *recordingObserver) GateFinished(_ context.Context, res domain.GateResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gates = append(o.gates, res.GateNumber)
}

func TestObserverAndConcurrency(t *testing.T) {
	obs := &recordingObserver{}
	var inFlight, peak atomic.Int32
	block := make(chan struct{})
	slow := func(context.Context, *gate.Context) gate.Output {
		n := inFlight.Add(1)
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}
		<-block
		inFlight.Add(-1)
		return gate.Passed{}
	}
	p := gate.NewPipeline(spec("A", 0, 0, false, slow), spec("B", 0, 0, false, slow), spec("C", 0, 0, false, slow))
	p.Observer = obs
	p.MaxParallel = 2
	vc := newContext(t)
	done := make(chan gate.Result)
	go func() {
		res, _ := p.RunGates(context.Background(), domain.Run{ID: "run-1"}, vc)
		done <- res
	}()
	close(block)
	res := <-done
	if peak.Load() > 2 {
		t.Fatalf("parallel limit exceeded: %d", peak.Load())
	}
	if len(res.Validators) != 3 || len(obs.started) != 3 || len(obs.finished) != 3 || len(obs.gates) != 1 {
		t.Fatalf("observer missed notifications: %+v", obs)
	}
}

func TestCanceledContextStopsBeforeNextGate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var later atomic.Bool
	p := gate.NewPipeline(
		spec("FIRST", 0, 0, false, func(context.Context, *gate.Context) gate.Output {
			cancel()
			return gate.Passed{}
		}),
		spec("SECOND", 1, 0, false, func(context.Context, *gate.Context) gate.Output {
			later.Store(true)
			return gate.Passed{}
		}),
	)
	_, err := p.RunGates(ctx, domain.Run{ID: "run-1"}, newContext(t))
	if err == nil || later.Load() {
		t.Fatalf("expected cancellation before gate 1, err=%v", err)
	}
}

func TestContextManifestIsCopy(t *testing.T) {
	m := &domain.Manifest{Files: []domain.ManifestFile{{Path: "a.ts", Action: domain.ActionCreate}}}
	vc := gate.NewContext(gate.ContextOptions{RunID: "run-1", Manifest: m})
	m.Files[0].Path = "changed.ts"
	got := vc.Manifest()
	got.Files[0].Action = domain.ActionDelete
	again := vc.Manifest()
	if again.Files[0].Path != "a.ts" || again.Files[0].Action != domain.ActionCreate {
		t.Fatalf("context manifest is shared: %+v", again.Files[0])
	}
}

func TestWithHardBlock(t *testing.T) {
	v := gate.WithHardBlock(spec("X", 0, 0, false, fail), true)
	if !v.HardBlock() || v.Code() != "X" {
		t.Fatalf("override lost: %v %s", v.HardBlock(), v.Code())
	}
}

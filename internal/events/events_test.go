package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/events"
)

// memStore is an in-process Store used to observe what the log persists.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	events []domain.PipelineEvent
	states map[string]domain.PipelineState
}

func newMemStore() *memStore {
	return &memStore{states: map[string]domain.PipelineState{}}
}

func (m *memStore) InsertEvent(_ context.Context, evt domain.PipelineEvent) (domain.PipelineEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	evt.ID = m.nextID
	m.events = append(m.events, evt)
	return evt, nil
}

func (m *memStore) UpsertState(_ context.Context, runID string, eventID int64, upd events.StateUpdate) (domain.PipelineState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[runID]
	if !ok {
		st = events.NewState(runID)
	}
	st = events.Merge(st, eventID, upd, testNow())
	m.states[runID] = st
	return st, nil
}

func (m *memStore) GetState(_ context.Context, runID string) (domain.PipelineState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[runID]
	if !ok {
		return st, events.ErrNotFound
	}
	return st, nil
}

func (m *memStore) ListEvents(_ context.Context, f events.Filter) ([]domain.PipelineEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PipelineEvent
	for _, e := range m.events {
		if e.RunID != f.RunID || e.ID <= f.AfterID {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func newTestLog() (*events.Log, *memStore) {
	store := newMemStore()
	l := events.NewLog(store, events.DefaultPolicy(), nil)
	l.Now = testNow
	return l, store
}

func TestRedactsSensitiveKeys(t *testing.T) {
	l, _ := newTestLog()
	evt, err := l.Record(context.Background(), "run-1", events.RawEvent{
		Type:    "agent:tool_call",
		Payload: map[string]any{"apiKey": "sk-x", "model": "gpt-4"},
	})
	if err != nil || evt == nil {
		t.Fatalf("record: %v %v", evt, err)
	}
	if evt.Payload["apiKey"] != events.RedactedMarker {
		t.Fatalf("apiKey not redacted: %v", evt.Payload["apiKey"])
	}
	if evt.Payload["model"] != "gpt-4" {
		t.Fatalf("sibling changed: %v", evt.Payload["model"])
	}
}

func TestSanitizeKeepsLargeIntegerSiblings(t *testing.T) {
	out, err := events.DefaultPolicy().Sanitize(map[string]any{"apiKey": "sk-x", "count": int64(9007199254740993)})
	if err != nil {
		t.Fatal(err)
	}
	if out["apiKey"] != events.RedactedMarker {
		t.Fatalf("apiKey not redacted: %v", out["apiKey"])
	}
	if out["count"] != json.Number("9007199254740993") {
		t.Fatalf("sibling key changed: %#v", out["count"])
	}
}

func TestRedactsAtAnyDepth(t *testing.T) {
	p := events.DefaultPolicy()
	out, err := p.Sanitize(map[string]any{
		"request": map[string]any{
			"headers":  []any{map[string]any{"Authorization": "Bearer abc", "accept": "json"}},
			"PASSWORD": 1234,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	req := out["request"].(map[string]any)
	if req["PASSWORD"] != events.RedactedMarker {
		t.Fatalf("nested password not redacted: %v", req["PASSWORD"])
	}
	hdr := req["headers"].([]any)[0].(map[string]any)
	if hdr["Authorization"] != events.RedactedMarker || hdr["accept"] != "json" {
		t.Fatalf("unexpected headers: %v", hdr)
	}
}

func TestGlobalTruncationBoundary(t *testing.T) {
	p := events.DefaultPolicy()
	exact := strings.Repeat("a", 10240)
	over := strings.Repeat("b", 10241)
	long := strings.Repeat("c", 15000)
	out, err := p.Sanitize(map[string]any{"exact": exact, "over": over, "long": long})
	if err != nil {
		t.Fatal(err)
	}
	if out["exact"] != exact {
		t.Fatalf("string at threshold was modified")
	}
	for _, k := range []string{"over", "long"} {
		got := out[k].(string)
		if !strings.HasSuffix(got, events.TruncatedMarker) {
			t.Fatalf("%s: missing marker", k)
		}
		if utf8.RuneCountInString(got) != 10240+len(events.TruncatedMarker) {
			t.Fatalf("%s: unexpected length %d", k, len(got))
		}
	}
	if len(out["long"].(string)) >= len(long) {
		t.Fatalf("truncated string not shorter than original")
	}
}

func TestToolOutputTruncation(t *testing.T) {
	p := events.DefaultPolicy()
	out, err := p.Sanitize(map[string]any{
		"tool":   map[string]any{"name": "bash", "output": strings.Repeat("x", 6000)},
		"output": strings.Repeat("y", 6000),
	})
	if err != nil {
		t.Fatal(err)
	}
	got := out["tool"].(map[string]any)["output"].(string)
	if len(got) > 5000+len(events.ToolOutputMarker) || !strings.Contains(got, events.ToolOutputMarker) {
		t.Fatalf("tool output not truncated: len=%d", len(got))
	}
	if out["output"] != strings.Repeat("y", 6000) {
		t.Fatalf("top-level output must only follow the global rule")
	}

	exact := strings.Repeat("z", 5000)
	out, _ = p.Sanitize(map[string]any{"tool": map[string]any{"output": exact}})
	if out["tool"].(map[string]any)["output"] != exact {
		t.Fatalf("5000-char tool output was modified")
	}
}

func TestBothTruncationRulesInOneEvent(t *testing.T) {
	p := events.DefaultPolicy()
	out, err := p.Sanitize(map[string]any{
		"tool": map[string]any{"output": strings.Repeat("x", 6000)},
		"diff": strings.Repeat("d", 12000),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out["tool"].(map[string]any)["output"].(string), events.ToolOutputMarker) {
		t.Fatalf("field rule not applied")
	}
	if !strings.HasSuffix(out["diff"].(string), events.TruncatedMarker) {
		t.Fatalf("global rule not applied")
	}
}

func TestEventIDsStrictlyIncrease(t *testing.T) {
	l, _ := newTestLog()
	ctx := context.Background()
	e1, err := l.Record(ctx, "run-1", events.RawEvent{Type: "gate:validator_started"})
	if err != nil {
		t.Fatal(err)
	}
	e2, err := l.Record(ctx, "run-1", events.RawEvent{Type: "gate:validator_finished"})
	if err != nil {
		t.Fatal(err)
	}
	if e2.ID <= e1.ID {
		t.Fatalf("ids not increasing: %d then %d", e1.ID, e2.ID)
	}
}

func TestVolatileEventsAreDropped(t *testing.T) {
	l, store := newTestLog()
	evt, err := l.Record(context.Background(), "run-1", events.RawEvent{Type: "agent:text_delta", Payload: map[string]any{"delta": "hi"}})
	if err != nil || evt != nil {
		t.Fatalf("expected nil, nil; got %v %v", evt, err)
	}
	if len(store.events) != 0 {
		t.Fatalf("volatile event persisted")
	}
}

func TestNoopStoreReturnsNil(t *testing.T) {
	l := events.NewLog(nil, events.DefaultPolicy(), nil)
	for i := 0; i < 2; i++ {
		evt, err := l.Record(context.Background(), "run-1", events.RawEvent{Type: events.TypePlanComplete})
		if err != nil || evt != nil {
			t.Fatalf("expected nil, nil; got %v %v", evt, err)
		}
	}
	if _, err := l.State(context.Background(), "run-1"); !errors.Is(err, events.ErrNotFound) {
		t.Fatalf("expected not found from noop state, got %v", err)
	}
}

func TestTransitionsProjectState(t *testing.T) {
	l, _ := newTestLog()
	ctx := context.Background()

	errEvt, _ := l.Record(ctx, "run-1", events.RawEvent{Type: events.TypeError})
	st, err := l.State(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != "failed" || st.Stage != events.DefaultStage || st.Progress != 0 || st.LastEventID != errEvt.ID {
		t.Fatalf("error on fresh row: %+v", st)
	}

	steps := []struct {
		typ      string
		stage    string
		progress int
	}{
		{events.TypePlanComplete, "spec", 25},
		{events.TypeSpecComplete, "fix", 50},
		{events.TypeExecutionComplete, "complete", 100},
	}
	for _, s := range steps {
		evt, err := l.Record(ctx, "run-2", events.RawEvent{Type: s.typ})
		if err != nil {
			t.Fatal(err)
		}
		st, _ := l.State(ctx, "run-2")
		if st.Stage != s.stage || st.Progress != s.progress || st.LastEventID != evt.ID || st.Status != events.DefaultStatus {
			t.Fatalf("%s: unexpected state %+v", s.typ, st)
		}
	}
}

func TestNonTransitionLeavesState(t *testing.T) {
	l, _ := newTestLog()
	ctx := context.Background()
	plan, _ := l.Record(ctx, "run-1", events.RawEvent{Type: events.TypePlanComplete})
	other, err := l.Record(ctx, "run-1", events.RawEvent{Type: "agent:tool_call"})
	if err != nil || other == nil {
		t.Fatalf("non-transition event must still persist: %v %v", other, err)
	}
	st, _ := l.State(ctx, "run-1")
	if st.LastEventID != plan.ID {
		t.Fatalf("non-transition moved last_event_id to %d", st.LastEventID)
	}
	if _, err := l.State(ctx, "run-untouched"); !errors.Is(err, events.ErrNotFound) {
		t.Fatalf("expected no state row without transitions")
	}
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.Default("p")
	cfg.Events.Volatile = []string{"custom:tick"}
	cfg.Events.SensitiveKeys = []string{"SessionID"}
	p := events.PolicyFromConfig(cfg)
	if !p.IsVolatile("custom:tick") || p.IsVolatile("agent:text_delta") {
		t.Fatalf("volatile set not taken from config")
	}
	out, _ := p.Sanitize(map[string]any{"sessionid": "abc", "apiKey": "k"})
	if out["sessionid"] != events.RedactedMarker || out["apiKey"] != "k" {
		t.Fatalf("sensitive keys not taken from config: %v", out)
	}
}

func TestRebuildMatchesIncrementalState(t *testing.T) {
	l, _ := newTestLog()
	ctx := context.Background()
	for _, typ := range []string{events.TypePlanComplete, "agent:tool_call", events.TypeSpecComplete, events.TypeError} {
		if _, err := l.Record(ctx, "run-1", events.RawEvent{Type: typ}); err != nil {
			t.Fatal(err)
		}
	}
	live, _ := l.State(ctx, "run-1")
	rebuilt, err := l.Rebuild(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if live.Status != rebuilt.Status || live.Stage != rebuilt.Stage || live.Progress != rebuilt.Progress || live.LastEventID != rebuilt.LastEventID {
		t.Fatalf("rebuild %+v differs from live %+v", rebuilt, live)
	}
}

func testNow() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

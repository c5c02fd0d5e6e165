package replay_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gateline/internal/replay"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newHub(opts replay.Options) (*replay.Hub, *clock) {
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts.Now = c.Now
	return replay.NewHub(opts), c
}

func drain(t *testing.T, sub *replay.Subscription) []uint64 {
	t.Helper()
	var seqs []uint64
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		e, err := sub.Next(ctx)
		cancel()
		if err != nil {
			return seqs
		}
		seqs = append(seqs, e.Seq)
	}
}

func equal(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func ptr(v uint64) *uint64 { return &v }

func TestSeqPerRun(t *testing.T) {
	h, _ := newHub(replay.Options{})
	if h.Emit("a", "x", nil) != 1 || h.Emit("a", "x", nil) != 2 || h.Emit("b", "x", nil) != 1 {
		t.Fatalf("seq counters are not independent per run")
	}
	if h.LastSeq("a") != 2 || h.LastSeq("missing") != 0 {
		t.Fatalf("unexpected last seq")
	}
}

func TestNoReplayWithoutToken(t *testing.T) {
	h, _ := newHub(replay.Options{})
	h.Emit("run", "x", 1)
	h.Emit("run", "x", 2)
	sub := h.Subscribe("run", nil)
	defer sub.Close()
	h.Emit("run", "x", 3)
	if got := drain(t, sub); !equal(got, []uint64{3}) {
		t.Fatalf("expected live only, got %v", got)
	}
	if sub.Gap() {
		t.Fatalf("no gap expected without token")
	}
}

func TestResumeIdempotence(t *testing.T) {
	h, _ := newHub(replay.Options{})
	for i := 0; i < 5; i++ {
		h.Emit("run", "x", i)
	}
	sub := h.Subscribe("run", ptr(2))
	h.Emit("run", "x", 5)
	got := drain(t, sub)
	sub.Close()
	if !equal(got, []uint64{3, 4, 5, 6}) {
		t.Fatalf("resume from 2: %v", got)
	}
	again := h.Subscribe("run", ptr(got[len(got)-1]))
	defer again.Close()
	if got := drain(t, again); len(got) != 0 {
		t.Fatalf("resume from last seen returned %v", got)
	}
	if again.Gap() {
		t.Fatalf("no gap expected")
	}
}

func TestGapWhenHistoryEvicted(t *testing.T) {
	h, _ := newHub(replay.Options{Capacity: 3})
	for i := 0; i < 6; i++ {
		h.Emit("run", "x", i)
	}
	sub := h.Subscribe("run", ptr(1))
	defer sub.Close()
	if got := drain(t, sub); !equal(got, []uint64{4, 5, 6}) {
		t.Fatalf("expected retained tail, got %v", got)
	}
	if !sub.Gap() {
		t.Fatalf("expected gap for evicted history")
	}
}

func TestTTLEvictionIsLazy(t *testing.T) {
	h, c := newHub(replay.Options{TTL: time.Minute})
	h.Emit("run", "x", 1)
	h.Emit("run", "x", 2)
	c.Advance(2 * time.Minute)
	if got := h.History("run", 0); len(got) != 0 {
		t.Fatalf("expired entries returned: %v", got)
	}
	sub := h.Subscribe("run", ptr(0))
	h.Emit("run", "x", 3)
	got := drain(t, sub)
	sub.Close()
	if !equal(got, []uint64{3}) || !sub.Gap() {
		t.Fatalf("expected live-only with gap, got %v gap=%v", got, sub.Gap())
	}
	if got := h.History("run", 0); len(got) != 1 || got[0].Seq != 3 {
		t.Fatalf("emit did not drop expired entries: %v", got)
	}
}

func TestUnknownTokenIsNotAnError(t *testing.T) {
	h, _ := newHub(replay.Options{})
	h.Emit("run", "x", nil)
	sub := h.Subscribe("run", ptr(99))
	defer sub.Close()
	h.Emit("run", "x", nil)
	if got := drain(t, sub); !equal(got, []uint64{2}) || !sub.Gap() {
		t.Fatalf("expected live delivery after unknown token, got %v", got)
	}
}

func TestLaggedSubscriberIsClosed(t *testing.T) {
	h, _ := newHub(replay.Options{Buffer: 2})
	sub := h.Subscribe("run", nil)
	for i := 0; i < 4; i++ {
		h.Emit("run", "x", i)
	}
	var err error
	var seqs []uint64
	for {
		var e replay.Entry
		e, err = sub.Next(context.Background())
		if err != nil {
			break
		}
		seqs = append(seqs, e.Seq)
	}
	if !errors.Is(err, replay.ErrLagged) || !equal(seqs, []uint64{1, 2}) {
		t.Fatalf("expected buffered entries then ErrLagged, got %v %v", seqs, err)
	}
	resumed := h.Subscribe("run", ptr(sub.Last()))
	defer resumed.Close()
	if got := drain(t, resumed); !equal(got, []uint64{3, 4}) {
		t.Fatalf("resume after lag: %v", got)
	}
}

func TestConcurrentEmitAndSubscribe(t *testing.T) {
	h, _ := newHub(replay.Options{Buffer: 1024})
	const n = 200
	var wg sync.WaitGroup
	results := make([][]uint64, 4)
	for i := range results {
		sub := h.Subscribe("run", ptr(0))
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sub.Close()
			for len(results[i]) < n {
				e, err := sub.Next(context.Background())
				if err != nil {
					return
				}
				results[i] = append(results[i], e.Seq)
			}
		}()
	}
	for i := 0; i < n; i++ {
		h.Emit("run", "x", i)
	}
	wg.Wait()
	for i, got := range results {
		if len(got) != n {
			t.Fatalf("subscriber %d got %d entries", i, len(got))
		}
		for j := range got {
			if got[j] != uint64(j+1) {
				t.Fatalf("subscriber %d out of order at %d: %d", i, j, got[j])
			}
		}
	}
}

func TestReleaseAndSweep(t *testing.T) {
	h, c := newHub(replay.Options{TTL: time.Minute})
	h.Emit("a", "x", nil)
	sub := h.Subscribe("b", nil)
	if h.Release("a") {
		t.Fatalf("released run with live history")
	}
	c.Advance(2 * time.Minute)
	if n := h.Sweep(); n != 1 {
		t.Fatalf("expected one run swept, got %d", n)
	}
	if h.Runs() != 1 {
		t.Fatalf("run with subscriber was dropped")
	}
	sub.Close()
	if !h.Release("b") || h.Runs() != 0 {
		t.Fatalf("idle run not released")
	}
}

func TestCloseEndsSubscribers(t *testing.T) {
	h, _ := newHub(replay.Options{})
	sub := h.Subscribe("run", nil)
	h.Close("run")
	if _, err := sub.Next(context.Background()); !errors.Is(err, replay.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	sub.Close()
}

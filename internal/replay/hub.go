// Package replay is the per-run push channel with bounded, resumable history.
//
// Every run has its own monotonic seq counter. Emit appends to a TTL-bounded
// history and fans out to live subscribers. A subscriber that presents the
// last seq it saw first receives every retained entry after it, then live
// entries, each seq at most once and in ascending order.
//
// History is an immutable slice published through an atomic pointer. Readers
// never take a lock to read it; writers of one run serialize among
// themselves only.
package replay

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultCapacity = 1000
	DefaultTTL      = 5 * time.Minute
	DefaultBuffer   = 64
)

// Entry is one buffered occurrence.
type Entry struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
}

type Options struct {
	// Capacity bounds retained entries per run.
	Capacity int
	// TTL bounds entry age; older entries are never replayed.
	TTL time.Duration
	// Buffer is the live channel size per subscriber.
	Buffer int
	Now    func() time.Time
}

// Hub owns the streams of every run it has seen.
type Hub struct {
	opts Options

	mu   sync.RWMutex
	runs map[string]*stream
}

func NewHub(opts Options) *Hub {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{opts: opts, runs: map[string]*stream{}}
}

type stream struct {
	// emitMu serializes writers of this run.
	emitMu sync.Mutex
	seq    atomic.Uint64
	hist   atomic.Pointer[[]Entry]

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}
}

func (h *Hub) lookup(runID string) *stream {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.runs[runID]
}

// withStream runs fn on the stream of runID, creating it if needed. The hub
// lock is held in read mode so Release cannot drop the stream under fn.
func (h *Hub) withStream(runID string, fn func(*stream)) {
	h.mu.RLock()
	if s := h.runs[runID]; s != nil {
		defer h.mu.RUnlock()
		fn(s)
		return
	}
	h.mu.RUnlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.runs[runID]
	if s == nil {
		s = &stream{subs: map[*Subscription]struct{}{}}
		empty := []Entry{}
		s.hist.Store(&empty)
		h.runs[runID] = s
	}
	fn(s)
}

func (h *Hub) expired(e Entry, now time.Time) bool {
	return now.Sub(e.Time) > h.opts.TTL
}

// Emit assigns the next seq of runID, records the entry and forwards it to
// live subscribers. Subscribers whose buffer is full are closed with
// ErrLagged.
func (h *Hub) Emit(runID, eventType string, data any) uint64 {
	var seq uint64
	h.withStream(runID, func(s *stream) { seq = h.emit(s, eventType, data) })
	return seq
}

func (h *Hub) emit(s *stream, eventType string, data any) uint64 {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	now := h.opts.Now()
	e := Entry{Seq: s.seq.Load() + 1, Time: now, Type: eventType, Data: data}

	old := *s.hist.Load()
	start := 0
	for start < len(old) && h.expired(old[start], now) {
		start++
	}
	if keep := len(old) - start; keep >= h.opts.Capacity {
		start += keep - h.opts.Capacity + 1
	}
	next := make([]Entry, 0, len(old)-start+1)
	next = append(next, old[start:]...)
	next = append(next, e)
	s.hist.Store(&next)
	s.seq.Store(e.Seq)

	s.subsMu.Lock()
	for sub := range s.subs {
		select {
		case sub.ch <- e:
		default:
			delete(s.subs, sub)
			sub.closeLocked(ErrLagged)
		}
	}
	s.subsMu.Unlock()
	return e.Seq
}

// Subscribe attaches to runID. With a nil resumeFrom only entries emitted
// after the call are delivered. Otherwise retained entries with seq greater
// than *resumeFrom are delivered first.
func (h *Hub) Subscribe(runID string, resumeFrom *uint64) *Subscription {
	sub := &Subscription{runID: runID, ch: make(chan Entry, h.opts.Buffer)}
	var s *stream
	// Register before reading history so nothing emitted in between is lost;
	// overlap is removed by seq.
	h.withStream(runID, func(st *stream) {
		s = st
		st.subsMu.Lock()
		st.subs[sub] = struct{}{}
		st.subsMu.Unlock()
	})
	sub.stream = s

	if resumeFrom == nil {
		return sub
	}
	token := *resumeFrom
	current := s.seq.Load()
	if token > current {
		// token from a stream this hub no longer holds
		sub.gap = true
		return sub
	}
	sub.last = token
	now := h.opts.Now()
	hist := *s.hist.Load()
	for _, e := range hist {
		if e.Seq > token && !h.expired(e, now) {
			sub.backlog = append(sub.backlog, e)
		}
	}
	if token < current {
		first := current + 1
		if len(sub.backlog) > 0 {
			first = sub.backlog[0].Seq
		}
		sub.gap = first > token+1
	}
	return sub
}

// LastSeq returns the most recent seq emitted for runID, or 0.
func (h *Hub) LastSeq(runID string) uint64 {
	if s := h.lookup(runID); s != nil {
		return s.seq.Load()
	}
	return 0
}

// History returns the retained, unexpired entries of runID with seq > after.
func (h *Hub) History(runID string, after uint64) []Entry {
	s := h.lookup(runID)
	if s == nil {
		return nil
	}
	now := h.opts.Now()
	var out []Entry
	for _, e := range *s.hist.Load() {
		if e.Seq > after && !h.expired(e, now) {
			out = append(out, e)
		}
	}
	return out
}

// Release drops runID when it has no subscribers and no unexpired history.
// It reports whether the run was dropped.
func (h *Hub) Release(runID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releaseLocked(runID)
}

func (h *Hub) releaseLocked(runID string) bool {
	s := h.runs[runID]
	if s == nil {
		return false
	}
	s.subsMu.Lock()
	idle := len(s.subs) == 0
	s.subsMu.Unlock()
	if !idle {
		return false
	}
	now := h.opts.Now()
	for _, e := range *s.hist.Load() {
		if !h.expired(e, now) {
			return false
		}
	}
	delete(h.runs, runID)
	return true
}

// Sweep releases every idle, fully expired run and returns how many were dropped.
func (h *Hub) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id := range h.runs {
		if h.releaseLocked(id) {
			n++
		}
	}
	return n
}

// Close ends every subscription of runID with ErrClosed.
func (h *Hub) Close(runID string) {
	s := h.lookup(runID)
	if s == nil {
		return
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for sub := range s.subs {
		delete(s.subs, sub)
		sub.closeLocked(ErrClosed)
	}
}

// Runs returns the number of runs currently held.
func (h *Hub) Runs() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.runs)
}

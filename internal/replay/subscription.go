package replay

import (
	"context"
	"errors"
)

var (
	// ErrLagged ends a subscription that fell a full buffer behind the
	// writer. The consumer should resubscribe with its last seq.
	ErrLagged = errors.New("subscriber lagged behind")
	ErrClosed = errors.New("subscription closed")
)

// Subscription is one observer attached to a run. Next must be called from a
// single goroutine.
type Subscription struct {
	runID  string
	stream *stream
	ch     chan Entry

	backlog []Entry
	last    uint64
	gap     bool

	// set before ch is closed, guarded by stream.subsMu
	closed bool
	err    error
}

func (s *Subscription) RunID() string { return s.runID }

// Gap reports that the resume token pointed at history no longer retained,
// so entries between the token and the first delivered entry were lost.
func (s *Subscription) Gap() bool { return s.gap }

// Last returns the seq of the most recent delivered entry.
func (s *Subscription) Last() uint64 { return s.last }

// Next returns the next entry in seq order, replayed history first. It
// returns ctx.Err() when ctx ends first, and ErrLagged or ErrClosed once the
// subscription is over and every buffered entry was delivered.
func (s *Subscription) Next(ctx context.Context) (Entry, error) {
	for len(s.backlog) > 0 {
		e := s.backlog[0]
		s.backlog = s.backlog[1:]
		if e.Seq > s.last {
			s.last = e.Seq
			return e, nil
		}
	}
	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				return Entry{}, s.err
			}
			if e.Seq <= s.last {
				continue
			}
			s.last = e.Seq
			return e, nil
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		}
	}
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.stream.subsMu.Lock()
	defer s.stream.subsMu.Unlock()
	delete(s.stream.subs, s)
	s.closeLocked(ErrClosed)
}

func (s *Subscription) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

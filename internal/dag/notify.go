package dag

import (
	"context"
	"sync"

	"gateline/internal/domain"
)

// Notifier receives item lifecycle notifications. Calls for items of one
// batch may arrive concurrently.
type Notifier interface {
	ItemStarted(ctx context.Context, item domain.WorkItem)
	ItemCompleted(ctx context.Context, item domain.WorkItem)
	ItemFailed(ctx context.Context, item domain.WorkItem, err error)
	ItemSkipped(ctx context.Context, item domain.WorkItem, reason string)
}

type Kind string

const (
	KindStarted   Kind = "started"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindSkipped   Kind = "skipped"
)

// Notification is one lifecycle message.
type Notification struct {
	Kind   Kind   `json:"kind"`
	ItemID string `json:"item_id"`
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
}

type nopNotifier struct{}

func (nopNotifier) ItemStarted(context.Context, domain.WorkItem)         {}
func (nopNotifier) ItemCompleted(context.Context, domain.WorkItem)       {}
func (nopNotifier) ItemFailed(context.Context, domain.WorkItem, error)   {}
func (nopNotifier) ItemSkipped(context.Context, domain.WorkItem, string) {}

// Recorder keeps every notification in arrival order.
type Recorder struct {
	mu   sync.Mutex
	list []Notification
}

func (r *Recorder) add(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, n)
}

func (r *Recorder) ItemStarted(_ context.Context, it domain.WorkItem) {
	r.add(Notification{Kind: KindStarted, ItemID: it.ID})
}

func (r *Recorder) ItemCompleted(_ context.Context, it domain.WorkItem) {
	r.add(Notification{Kind: KindCompleted, ItemID: it.ID})
}

func (r *Recorder) ItemFailed(_ context.Context, it domain.WorkItem, err error) {
	n := Notification{Kind: KindFailed, ItemID: it.ID, Err: err}
	if err != nil {
		n.Reason = err.Error()
	}
	r.add(n)
}

func (r *Recorder) ItemSkipped(_ context.Context, it domain.WorkItem, reason string) {
	r.add(Notification{Kind: KindSkipped, ItemID: it.ID, Reason: reason})
}

// Notifications returns a copy of everything recorded so far.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.list))
	copy(out, r.list)
	return out
}

// Kinds returns the notification kinds seen for one item, in order.
func (r *Recorder) Kinds(id string) []Kind {
	var out []Kind
	for _, n := range r.Notifications() {
		if n.ItemID == id {
			out = append(out, n.Kind)
		}
	}
	return out
}

// ChanNotifier forwards notifications to C. Sends block until received or
// the notification's context ends.
type ChanNotifier struct {
	C chan<- Notification
}

func (c ChanNotifier) send(ctx context.Context, n Notification) {
	select {
	case c.C <- n:
	case <-ctx.Done():
	}
}

func (c ChanNotifier) ItemStarted(ctx context.Context, it domain.WorkItem) {
	c.send(ctx, Notification{Kind: KindStarted, ItemID: it.ID})
}

func (c ChanNotifier) ItemCompleted(ctx context.Context, it domain.WorkItem) {
	c.send(ctx, Notification{Kind: KindCompleted, ItemID: it.ID})
}

func (c ChanNotifier) ItemFailed(ctx context.Context, it domain.WorkItem, err error) {
	n := Notification{Kind: KindFailed, ItemID: it.ID, Err: err}
	if err != nil {
		n.Reason = err.Error()
	}
	c.send(ctx, n)
}

func (c ChanNotifier) ItemSkipped(ctx context.Context, it domain.WorkItem, reason string) {
	c.send(ctx, Notification{Kind: KindSkipped, ItemID: it.ID, Reason: reason})
}

// Multi fans notifications out to several notifiers in order.
type Multi []Notifier

func (m Multi) ItemStarted(ctx context.Context, it domain.WorkItem) {
	for _, n := range m {
		n.ItemStarted(ctx, it)
	}
}

func (m Multi) ItemCompleted(ctx context.Context, it domain.WorkItem) {
	for _, n := range m {
		n.ItemCompleted(ctx, it)
	}
}

func (m Multi) ItemFailed(ctx context.Context, it domain.WorkItem, err error) {
	for _, n := range m {
		n.ItemFailed(ctx, it, err)
	}
}

func (m Multi) ItemSkipped(ctx context.Context, it domain.WorkItem, reason string) {
	for _, n := range m {
		n.ItemSkipped(ctx, it, reason)
	}
}

package dag

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"gateline/internal/domain"
)

// Skip reasons.
const (
	ReasonDependencyFailed = "dependency failed"
	ReasonCanceled         = "execution canceled"
)

type itemState int

const (
	statePending itemState = iota
	stateCompleted
	stateFailed
	stateSkipped
)

// Executor runs work documents.
type Executor struct {
	Runner   Runner
	Notifier Notifier
	// MaxParallel bounds concurrent items within a batch; 0 is unbounded.
	MaxParallel int
	Tracer      trace.Tracer
}

func (x *Executor) notifier() Notifier {
	if x.Notifier != nil {
		return x.Notifier
	}
	return nopNotifier{}
}

func (x *Executor) tracer() trace.Tracer {
	if x.Tracer != nil {
		return x.Tracer
	}
	return otel.Tracer("gateline/internal/dag")
}

// Execute validates doc and runs it to completion. It returns a
// *StructuralError before anything starts when doc is invalid, and ctx.Err()
// when canceled. Item failures are reported through the Notifier only.
//
// Cancellation stops new batches; items already running finish, and every
// item not yet started is reported skipped.
func (x *Executor) Execute(ctx context.Context, doc domain.WorkDocument) error {
	if err := Validate(doc); err != nil {
		return err
	}
	if len(doc.Items) == 0 {
		return nil
	}
	if x.Runner == nil {
		return errors.New("dag: executor has no runner")
	}
	ctx, span := x.tracer().Start(ctx, "dag.execute", trace.WithAttributes(attribute.Int("dag.items", len(doc.Items))))
	defer span.End()

	n := x.notifier()
	state := make(map[string]itemState, len(doc.Items))
	dependents := map[string][]string{}
	byID := make(map[string]domain.WorkItem, len(doc.Items))
	for _, it := range doc.Items {
		byID[it.ID] = it
		state[it.ID] = statePending
		for _, dep := range uniq(it.DependsOn) {
			dependents[dep] = append(dependents[dep], it.ID)
		}
	}
	remaining := len(doc.Items)

	for batchNo := 0; remaining > 0; batchNo++ {
		if err := ctx.Err(); err != nil {
			nctx := context.WithoutCancel(ctx)
			for _, it := range doc.Items {
				if state[it.ID] == statePending {
					state[it.ID] = stateSkipped
					n.ItemSkipped(nctx, it, ReasonCanceled)
				}
			}
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		var batch []domain.WorkItem
		for _, it := range doc.Items {
			if state[it.ID] == statePending && ready(it, state) {
				batch = append(batch, it)
			}
		}
		if len(batch) == 0 {
			// Validate rules out cycles, so this means a bookkeeping bug.
			return fmt.Errorf("dag: %d items can never become ready", remaining)
		}

		failed := x.runBatch(ctx, batchNo, batch)
		for i, it := range batch {
			remaining--
			if failed[i] {
				state[it.ID] = stateFailed
			} else {
				state[it.ID] = stateCompleted
			}
		}
		for i, it := range batch {
			if failed[i] {
				remaining -= x.skipDependents(ctx, it.ID, dependents, byID, state)
			}
		}
	}
	return nil
}

// ready reports whether every dependency of it completed or was skipped.
func ready(it domain.WorkItem, state map[string]itemState) bool {
	for _, dep := range it.DependsOn {
		switch state[dep] {
		case stateCompleted, stateSkipped:
		default:
			return false
		}
	}
	return true
}

// runBatch runs batch to completion and reports which items failed. Items
// run on a context that is not canceled with ctx so they are never
// interrupted mid-way.
func (x *Executor) runBatch(ctx context.Context, batchNo int, batch []domain.WorkItem) []bool {
	ctx, span := x.tracer().Start(ctx, "dag.batch", trace.WithAttributes(
		attribute.Int("dag.batch", batchNo),
		attribute.Int("dag.batch_size", len(batch)),
	))
	defer span.End()

	runCtx := context.WithoutCancel(ctx)
	failed := make([]bool, len(batch))
	var g errgroup.Group
	if x.MaxParallel > 0 {
		g.SetLimit(x.MaxParallel)
	}
	for i, it := range batch {
		g.Go(func() error {
			failed[i] = x.runItem(runCtx, it) != nil
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

func (x *Executor) runItem(ctx context.Context, it domain.WorkItem) (err error) {
	ctx, span := x.tracer().Start(ctx, "dag.item", trace.WithAttributes(attribute.String("dag.item", it.ID)))
	defer span.End()

	n := x.notifier()
	n.ItemStarted(ctx, it)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("item %s panicked: %v", it.ID, r)
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			n.ItemFailed(ctx, it, err)
			return
		}
		n.ItemCompleted(ctx, it)
	}()
	return x.Runner.Run(ctx, it)
}

// skipDependents marks every pending transitive dependent of id skipped and
// returns how many were skipped.
func (x *Executor) skipDependents(ctx context.Context, id string, dependents map[string][]string, byID map[string]domain.WorkItem, state map[string]itemState) int {
	n := x.notifier()
	count := 0
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range dependents[cur] {
			if state[d] != statePending {
				continue
			}
			state[d] = stateSkipped
			count++
			n.ItemSkipped(ctx, byID[d], ReasonDependencyFailed)
			queue = append(queue, d)
		}
	}
	return count
}

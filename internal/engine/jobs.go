package engine

import (
	"context"
	"fmt"
	"sync"
)

// jobs tracks the one gate run or document apply allowed per run at a time.
type jobs struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func newJobs() *jobs {
	return &jobs{cancels: map[string]context.CancelFunc{}}
}

// claim reserves runID and returns a cancelable context for the job plus a
// release func that must be called when the job ends.
func (j *jobs) claim(ctx context.Context, runID string) (context.Context, func(), error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, busy := j.cancels[runID]; busy {
		return nil, nil, fmt.Errorf("run %s: %w", runID, ErrRunBusy)
	}
	ctx, cancel := context.WithCancel(ctx)
	j.cancels[runID] = cancel
	j.wg.Add(1)
	release := func() {
		j.mu.Lock()
		delete(j.cancels, runID)
		j.mu.Unlock()
		cancel()
		j.wg.Done()
	}
	return ctx, release, nil
}

func (j *jobs) cancel(runID string) bool {
	if j == nil {
		return false
	}
	j.mu.Lock()
	cancel, ok := j.cancels[runID]
	j.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (j *jobs) active(runID string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.cancels[runID]
	return ok
}

// Package events is the append-only pipeline event log. Events pass an
// admission filter and a sanitizer before they reach the injected Store, and
// transition events update the run's derived PipelineState row.
package events

import (
	"context"
	"errors"
	"time"

	"gateline/internal/domain"
)

// ErrNotFound is returned by stores when a run has no state row.
var ErrNotFound = errors.New("not found")

// Store is the persistence dependency of the event log.
type Store interface {
	// InsertEvent persists evt and returns it with its assigned id.
	InsertEvent(ctx context.Context, evt domain.PipelineEvent) (domain.PipelineEvent, error)
	// UpsertState creates the run's state row with defaults if absent, merges
	// upd into it and sets last_event_id, all in one atomic statement.
	UpsertState(ctx context.Context, runID string, eventID int64, upd StateUpdate) (domain.PipelineState, error)
	GetState(ctx context.Context, runID string) (domain.PipelineState, error)
	ListEvents(ctx context.Context, f Filter) ([]domain.PipelineEvent, error)
}

// Filter selects events for replay and history queries.
type Filter struct {
	RunID   string
	AfterID int64
	Since   time.Time
	Stage   string
	Types   []string
	Limit   int
}

// NoopStore stands in for a persistence layer that was never initialized.
type NoopStore struct{}

func (NoopStore) InsertEvent(context.Context, domain.PipelineEvent) (domain.PipelineEvent, error) {
	return domain.PipelineEvent{}, nil
}

func (NoopStore) UpsertState(context.Context, string, int64, StateUpdate) (domain.PipelineState, error) {
	return domain.PipelineState{}, nil
}

func (NoopStore) GetState(context.Context, string) (domain.PipelineState, error) {
	return domain.PipelineState{}, ErrNotFound
}

func (NoopStore) ListEvents(context.Context, Filter) ([]domain.PipelineEvent, error) {
	return nil, nil
}

func isNoop(s Store) bool {
	switch s.(type) {
	case nil, NoopStore, *NoopStore:
		return true
	}
	return false
}

package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gateline/internal/domain"
)

const replayPageSize = 200

// RawEvent is an event as produced by the pipeline, before sanitization.
type RawEvent struct {
	Type            string
	Stage           string
	Payload         map[string]any
	AgentRunID      string
	ValidationRunID string
	Source          string
	Level           string
	Message         string
}

// Log is the append-only write path of the pipeline event log.
type Log struct {
	Store  Store
	Policy Policy
	Logger *slog.Logger
	Now    func() time.Time
}

// NewLog returns a Log over store. A nil store is treated as uninitialized.
func NewLog(store Store, policy Policy, logger *slog.Logger) *Log {
	if store == nil {
		store = NoopStore{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{Store: store, Policy: policy, Logger: logger, Now: time.Now}
}

func (l *Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Log) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Enabled reports whether a real store is attached.
func (l *Log) Enabled() bool {
	return l != nil && !isNoop(l.Store)
}

// Record filters, sanitizes and persists raw for runID. It returns nil with no
// error when the event type is volatile or the store is uninitialized; callers
// treat nil as "not persisted, continue".
func (l *Log) Record(ctx context.Context, runID string, raw RawEvent) (*domain.PipelineEvent, error) {
	if l == nil {
		return nil, nil
	}
	if l.Policy.IsVolatile(raw.Type) {
		return nil, nil
	}
	if !l.Enabled() {
		l.logger().Warn("event log not initialized; event not persisted", "run_id", runID, "type", raw.Type)
		return nil, nil
	}
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	if raw.Type == "" {
		return nil, errors.New("event type is required")
	}
	payload, err := l.Policy.Sanitize(raw.Payload)
	if err != nil {
		return nil, err
	}
	evt := domain.PipelineEvent{
		RunID:           runID,
		EventType:       raw.Type,
		Stage:           raw.Stage,
		Payload:         payload,
		AgentRunID:      raw.AgentRunID,
		ValidationRunID: raw.ValidationRunID,
		Source:          raw.Source,
		Level:           raw.Level,
		Message:         raw.Message,
		CreatedAt:       l.now().UTC().Format(domain.TimeFormat),
	}
	persisted, err := l.Store.InsertEvent(ctx, evt)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if upd, ok := l.Policy.updateFor(persisted); ok {
		if _, err := l.Store.UpsertState(ctx, runID, persisted.ID, upd); err != nil {
			return &persisted, fmt.Errorf("upsert state: %w", err)
		}
	}
	return &persisted, nil
}

// State returns the projected state of a run.
func (l *Log) State(ctx context.Context, runID string) (domain.PipelineState, error) {
	if !l.Enabled() {
		return domain.PipelineState{}, ErrNotFound
	}
	return l.Store.GetState(ctx, runID)
}

// Events returns persisted events matching f in ascending id order.
func (l *Log) Events(ctx context.Context, f Filter) ([]domain.PipelineEvent, error) {
	if !l.Enabled() {
		return nil, nil
	}
	return l.Store.ListEvents(ctx, f)
}

// Replay pages through every event of runID after afterID and calls fn in
// order. It returns the id of the last event visited.
func (l *Log) Replay(ctx context.Context, runID string, afterID int64, fn func(domain.PipelineEvent) error) (int64, error) {
	if !l.Enabled() {
		return afterID, nil
	}
	last := afterID
	for {
		page, err := l.Store.ListEvents(ctx, Filter{RunID: runID, AfterID: last, Limit: replayPageSize})
		if err != nil {
			return last, err
		}
		if len(page) == 0 {
			return last, nil
		}
		for _, evt := range page {
			last = evt.ID
			if err := fn(evt); err != nil {
				return last, err
			}
		}
		if len(page) < replayPageSize {
			return last, nil
		}
	}
}

// Rebuild re-derives the state row of runID from its full history.
func (l *Log) Rebuild(ctx context.Context, runID string) (domain.PipelineState, error) {
	if !l.Enabled() {
		return domain.PipelineState{}, ErrNotFound
	}
	var history []domain.PipelineEvent
	if _, err := l.Replay(ctx, runID, 0, func(evt domain.PipelineEvent) error {
		history = append(history, evt)
		return nil
	}); err != nil {
		return domain.PipelineState{}, err
	}
	st, ok := l.Policy.Project(runID, history)
	if !ok {
		return domain.PipelineState{}, ErrNotFound
	}
	p := st.Progress
	return l.Store.UpsertState(ctx, runID, st.LastEventID, StateUpdate{
		Status:   st.Status,
		Stage:    st.Stage,
		Progress: &p,
		Summary:  st.Summary,
	})
}

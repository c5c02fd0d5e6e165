package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"gateline/internal/domain"
	"gateline/internal/events"
)

// InsertEvent appends evt to the pipeline log. The AUTOINCREMENT key is the
// event id and replay cursor.
func (r Repo) InsertEvent(ctx context.Context, evt domain.PipelineEvent) (domain.PipelineEvent, error) {
	payload := "{}"
	if evt.Payload != nil {
		b, err := json.Marshal(evt.Payload)
		if err != nil {
			return evt, err
		}
		payload = string(b)
	}
	if evt.CreatedAt == "" {
		evt.CreatedAt = r.now()
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO pipeline_events(run_id,event_type,stage,payload_json,agent_run_id,validation_run_id,source,level,message,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		evt.RunID, evt.EventType, nullable(evt.Stage), payload, nullable(evt.AgentRunID), nullable(evt.ValidationRunID),
		nullable(evt.Source), nullable(evt.Level), nullable(evt.Message), evt.CreatedAt)
	if err != nil {
		return evt, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return evt, err
	}
	evt.ID = id
	return evt, nil
}

// UpsertState creates the state row with defaults or merges upd into it in a
// single statement. Empty fields keep the stored value.
func (r Repo) UpsertState(ctx context.Context, runID string, eventID int64, upd events.StateUpdate) (domain.PipelineState, error) {
	var progress any
	if upd.Progress != nil {
		progress = *upd.Progress
	}
	row := r.DB.QueryRowContext(ctx, `INSERT INTO pipeline_state(run_id,status,stage,progress,last_event_id,summary,updated_at)
VALUES (?1, COALESCE(NULLIF(?2,''), ?8), COALESCE(NULLIF(?3,''), ?9), COALESCE(?4, ?10), ?5, NULLIF(?6,''), ?7)
ON CONFLICT(run_id) DO UPDATE SET
  status=COALESCE(NULLIF(?2,''), pipeline_state.status),
  stage=COALESCE(NULLIF(?3,''), pipeline_state.stage),
  progress=COALESCE(?4, pipeline_state.progress),
  last_event_id=?5,
  summary=COALESCE(NULLIF(?6,''), pipeline_state.summary),
  updated_at=?7
RETURNING run_id,status,stage,progress,last_event_id,COALESCE(summary,''),updated_at`,
		runID, upd.Status, upd.Stage, progress, eventID, upd.Summary, r.now(),
		events.DefaultStatus, events.DefaultStage, events.DefaultProgress)
	return scanState(row)
}

func (r Repo) GetState(ctx context.Context, runID string) (domain.PipelineState, error) {
	return scanState(r.DB.QueryRowContext(ctx, `SELECT run_id,status,stage,progress,last_event_id,COALESCE(summary,''),updated_at
FROM pipeline_state WHERE run_id=?`, runID))
}

func scanState(row *sql.Row) (domain.PipelineState, error) {
	var st domain.PipelineState
	err := row.Scan(&st.RunID, &st.Status, &st.Stage, &st.Progress, &st.LastEventID, &st.Summary, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	return st, err
}

// ListEvents returns events in ascending id order.
func (r Repo) ListEvents(ctx context.Context, f events.Filter) ([]domain.PipelineEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at>=?")
		args = append(args, f.Since.UTC().Format(domain.TimeFormat))
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if len(f.Types) > 0 {
		clauses = append(clauses, "event_type IN (?"+strings.Repeat(",?", len(f.Types)-1)+")")
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	query := fmt.Sprintf(`SELECT id,run_id,event_type,COALESCE(stage,''),COALESCE(payload_json,''),COALESCE(agent_run_id,''),
COALESCE(validation_run_id,''),COALESCE(source,''),COALESCE(level,''),COALESCE(message,''),created_at
FROM pipeline_events WHERE %s ORDER BY id ASC`, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PipelineEvent
	for rows.Next() {
		var e domain.PipelineEvent
		var payload string
		if err := rows.Scan(&e.ID, &e.RunID, &e.EventType, &e.Stage, &payload, &e.AgentRunID, &e.ValidationRunID, &e.Source, &e.Level, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		if payload != "" {
			doc, err := events.DecodePayload([]byte(payload))
			if err != nil {
				return nil, fmt.Errorf("decode payload of event %d: %w", e.ID, err)
			}
			e.Payload = doc
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id across all runs, or 0.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM pipeline_events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

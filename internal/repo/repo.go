package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gateline/internal/domain"
	"gateline/internal/events"
)

// Repo is the sqlite persistence adapter for runs, gate results and the
// pipeline event log.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

// ErrNotFound is shared with the event log so callers can match either.
var ErrNotFound = events.ErrNotFound

// ErrManifestAttached is returned when a run already carries a manifest.
var ErrManifestAttached = errors.New("manifest already attached")

var _ events.Store = Repo{}

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(domain.TimeFormat)
	}
	return time.Now().UTC().Format(domain.TimeFormat)
}

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	manifest, err := marshalNullable(run.Manifest)
	if err != nil {
		return err
	}
	bypassed, err := marshalNullable(run.Bypassed)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO runs(id,project_path,base_ref,target_ref,status,current_gate,manifest_json,bypassed_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ProjectPath, nullable(run.BaseRef), nullable(run.TargetRef), run.Status, run.CurrentGate, manifest, bypassed, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

const runColumns = `id,project_path,COALESCE(base_ref,''),COALESCE(target_ref,''),status,current_gate,manifest_json,bypassed_json,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var manifest, bypassed sql.NullString
	err := row.Scan(&run.ID, &run.ProjectPath, &run.BaseRef, &run.TargetRef, &run.Status, &run.CurrentGate, &manifest, &bypassed, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if manifest.Valid && manifest.String != "" {
		var m domain.Manifest
		if err := json.Unmarshal([]byte(manifest.String), &m); err != nil {
			return run, fmt.Errorf("decode manifest: %w", err)
		}
		run.Manifest = &m
	}
	if bypassed.Valid && bypassed.String != "" {
		_ = json.Unmarshal([]byte(bypassed.String), &run.Bypassed)
	}
	return run, nil
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// ListRuns returns runs newest first, optionally filtered by status.
func (r Repo) ListRuns(ctx context.Context, status string, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM runs WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?`, runColumns, strings.Join(clauses, " AND ")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// AdvanceRun moves a run that is not yet terminal to status. It reports false
// when the run had already reached a terminal status, leaving it untouched.
func (r Repo) AdvanceRun(ctx context.Context, id, status string, currentGate int) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET status=?, current_gate=?, updated_at=?
WHERE id=? AND status NOT IN ('PASSED','FAILED','ABORTED')`, status, currentGate, r.now(), id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetRun(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// AttachManifest stores the manifest of a run. A manifest is immutable once attached.
func (r Repo) AttachManifest(ctx context.Context, id string, m domain.Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET manifest_json=?, updated_at=? WHERE id=? AND manifest_json IS NULL`, string(data), r.now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetRun(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("run %s: %w", id, ErrManifestAttached)
	}
	return nil
}

// SetBypassed replaces the bypass set of a run.
func (r Repo) SetBypassed(ctx context.Context, id string, codes []string) error {
	data, err := json.Marshal(codes)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE runs SET bypassed_json=?, updated_at=? WHERE id=?`, string(data), r.now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalNullable(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *domain.Manifest:
		if val == nil {
			return nil, nil
		}
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

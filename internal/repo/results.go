package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"gateline/internal/domain"
)

// UpsertGateResult stores the aggregate of a finished gate, replacing any
// earlier aggregate for the same gate.
func (r Repo) UpsertGateResult(ctx context.Context, g domain.GateResult) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO gate_results(run_id,gate_number,status,passed_count,failed_count,warning_count,skipped_count)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(run_id,gate_number) DO UPDATE SET status=excluded.status, passed_count=excluded.passed_count,
failed_count=excluded.failed_count, warning_count=excluded.warning_count, skipped_count=excluded.skipped_count`,
		g.RunID, g.GateNumber, g.Status, g.PassedCount, g.FailedCount, g.WarningCount, g.SkippedCount)
	if err != nil {
		return fmt.Errorf("upsert gate result: %w", err)
	}
	return nil
}

func (r Repo) ListGateResults(ctx context.Context, runID string) ([]domain.GateResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id,gate_number,status,passed_count,failed_count,warning_count,skipped_count
FROM gate_results WHERE run_id=? ORDER BY gate_number`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GateResult
	for rows.Next() {
		var g domain.GateResult
		if err := rows.Scan(&g.RunID, &g.GateNumber, &g.Status, &g.PassedCount, &g.FailedCount, &g.WarningCount, &g.SkippedCount); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// UpsertValidatorResult stores one validator verdict. Re-running the gates of
// a run overwrites earlier verdicts per validator code.
func (r Repo) UpsertValidatorResult(ctx context.Context, v domain.ValidatorResult) error {
	var ctxJSON any
	if v.Context != nil {
		b, err := json.Marshal(v.Context)
		if err != nil {
			return err
		}
		ctxJSON = string(b)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO validator_results(run_id,gate_number,validator_code,status,is_hard_block,bypassed,message,evidence,context_json)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(run_id,validator_code) DO UPDATE SET gate_number=excluded.gate_number, status=excluded.status,
is_hard_block=excluded.is_hard_block, bypassed=excluded.bypassed, message=excluded.message,
evidence=excluded.evidence, context_json=excluded.context_json`,
		v.RunID, v.GateNumber, v.ValidatorCode, v.Status, boolInt(v.IsHardBlock), boolInt(v.Bypassed), v.Message, nullable(v.Evidence), ctxJSON)
	if err != nil {
		return fmt.Errorf("upsert validator result: %w", err)
	}
	return nil
}

func (r Repo) ListValidatorResults(ctx context.Context, runID string) ([]domain.ValidatorResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id,gate_number,validator_code,status,is_hard_block,bypassed,message,evidence,context_json
FROM validator_results WHERE run_id=? ORDER BY gate_number, validator_code`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidatorResult
	for rows.Next() {
		var v domain.ValidatorResult
		var hard, bypassed int
		var evidence, ctxJSON sql.NullString
		if err := rows.Scan(&v.RunID, &v.GateNumber, &v.ValidatorCode, &v.Status, &hard, &bypassed, &v.Message, &evidence, &ctxJSON); err != nil {
			return nil, err
		}
		v.IsHardBlock = hard == 1
		v.Bypassed = bypassed == 1
		v.Evidence = evidence.String
		if ctxJSON.Valid && ctxJSON.String != "" {
			var vc domain.ValidationContext
			if err := json.Unmarshal([]byte(ctxJSON.String), &vc); err != nil {
				return nil, fmt.Errorf("decode validation context: %w", err)
			}
			v.Context = &vc
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

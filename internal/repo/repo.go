package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qpilot/internal/domain"
)

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

// RunPatch carries a partial update for one run. Nil pointer fields mean
// "unchanged"; they are never silently zeroed on upsert.
type RunPatch struct {
	RunID              string
	Status             string
	CitationGatePassed *bool
	ApprovalGatePassed *bool
	Reviewer           *string
	ExportBundlePath   *string
	Metadata           map[string]any
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// UpsertRun writes a run patch keyed by run_id with last-write-wins
// semantics. Metadata is always re-stamped with the given schema fingerprint
// so every persisted row is traceable to the code version that wrote it.
func (r Repo) UpsertRun(ctx context.Context, patch RunPatch, fp domain.Fingerprint) error {
	if patch.RunID == "" {
		return fmt.Errorf("run id required")
	}
	if patch.Status == "" {
		return fmt.Errorf("status required")
	}
	metadata := withSchemaMetadata(patch.Metadata, fp)
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}
	now := r.now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO workflow_runs(run_id,status,citation_gate_passed,approval_gate_passed,reviewer,export_bundle_path,metadata_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(run_id) DO UPDATE SET
	status=excluded.status,
	citation_gate_passed=COALESCE(excluded.citation_gate_passed, workflow_runs.citation_gate_passed),
	approval_gate_passed=COALESCE(excluded.approval_gate_passed, workflow_runs.approval_gate_passed),
	reviewer=COALESCE(excluded.reviewer, workflow_runs.reviewer),
	export_bundle_path=COALESCE(excluded.export_bundle_path, workflow_runs.export_bundle_path),
	metadata_json=excluded.metadata_json,
	updated_at=excluded.updated_at`,
		patch.RunID, patch.Status, nullableBool(patch.CitationGatePassed), nullableBool(patch.ApprovalGatePassed),
		nullableStringPtr(patch.Reviewer), nullableStringPtr(patch.ExportBundlePath), string(metaJSON), now, now)
	return err
}

// withSchemaMetadata stamps schema identity into the run metadata so evidence
// can be traced to a specific bundle.
func withSchemaMetadata(metadata map[string]any, fp domain.Fingerprint) map[string]any {
	out := make(map[string]any, len(metadata)+4)
	for k, v := range metadata {
		out[k] = v
	}
	out["schema_bundle_id"] = fp.BundleID
	out["schema_bundle_sha256"] = fp.BundleSHA256
	out["schema_migration_sha256"] = fp.MigrationSHA256
	out["schema_seed_sha256"] = fp.SeedSHA256
	return out
}

func (r Repo) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	var (
		run      domain.Run
		citation sql.NullBool
		approval sql.NullBool
		reviewer sql.NullString
		bundle   sql.NullString
		metaJSON string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT run_id,status,citation_gate_passed,approval_gate_passed,reviewer,export_bundle_path,metadata_json,created_at,updated_at
FROM workflow_runs WHERE run_id=?`, runID).
		Scan(&run.RunID, &run.Status, &citation, &approval, &reviewer, &bundle, &metaJSON, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if citation.Valid {
		run.CitationGatePassed = &citation.Bool
	}
	if approval.Valid {
		run.ApprovalGatePassed = &approval.Bool
	}
	if reviewer.Valid {
		run.Reviewer = &reviewer.String
	}
	if bundle.Valid {
		run.ExportBundlePath = &bundle.String
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &run.Metadata); err != nil {
			return run, fmt.Errorf("parse run metadata: %w", err)
		}
	}
	return run, nil
}

func (r Repo) ListRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id,status,citation_gate_passed,approval_gate_passed,reviewer,export_bundle_path,metadata_json,created_at,updated_at
FROM workflow_runs ORDER BY updated_at DESC, run_id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		var (
			run      domain.Run
			citation sql.NullBool
			approval sql.NullBool
			reviewer sql.NullString
			bundle   sql.NullString
			metaJSON string
		)
		if err := rows.Scan(&run.RunID, &run.Status, &citation, &approval, &reviewer, &bundle, &metaJSON, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		if citation.Valid {
			run.CitationGatePassed = &citation.Bool
		}
		if approval.Valid {
			run.ApprovalGatePassed = &approval.Bool
		}
		if reviewer.Valid {
			run.Reviewer = &reviewer.String
		}
		if bundle.Valid {
			run.ExportBundlePath = &bundle.String
		}
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &run.Metadata)
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// ListEvents returns the full ledger for a run, creation time ascending.
func (r Repo) ListEvents(ctx context.Context, runID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,step,status,payload_json,created_at FROM workflow_events WHERE run_id=? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			ev          domain.Event
			payloadJSON string
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Step, &ev.Status, &payloadJSON, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if payloadJSON != "" {
			if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
				return nil, fmt.Errorf("parse event payload: %w", err)
			}
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func nullableBool(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

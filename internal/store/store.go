// Package store implements the Record Store Adapter (C2): transactional
// CRUD and status transitions for every entity in internal/model, backed
// by Postgres through github.com/jackc/pgx/v5.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deathcap/dapptest/internal/model"
)

// Store is the transactional Record Store adapter.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects a pgxpool against dsn.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

// CreateProject inserts a new Project row; wallet seed material is the
// caller's responsibility to have already hashed (write-once plaintext
// exposure happens one layer up, at the API boundary, never in storage).
func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	p.ID = uuid.New()
	p.CreatedAt, p.UpdatedAt = time.Now(), time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (id, name, wallet_seed_hash, wallet_address, connection_spec_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		p.ID, p.Name, p.WalletSeedHash, p.WalletAddress, p.ConnectionSpecID, p.CreatedAt, p.UpdatedAt)
	return err
}

// SetConnectionSpecID implements the auto-set-once-on-passing-connection-run
// rule from spec §3: the Project's connectionSpecId updates to specID, or is
// cleared (specID == nil) when the referenced spec is deleted.
func (s *Store) SetConnectionSpecID(ctx context.Context, projectID uuid.UUID, specID *uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE projects SET connection_spec_id=$2, updated_at=now() WHERE id=$1`, projectID, specID)
	return err
}

// GetProject fetches a Project by id.
func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*model.Project, error) {
	row := s.pool.QueryRow(ctx, `SELECT id,name,wallet_seed_hash,wallet_address,connection_spec_id,created_at,updated_at FROM projects WHERE id=$1`, id)
	p := &model.Project{}
	if err := row.Scan(&p.ID, &p.Name, &p.WalletSeedHash, &p.WalletAddress, &p.ConnectionSpecID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateRecording inserts an immutable Recording.
func (s *Store) CreateRecording(ctx context.Context, r *model.Recording) error {
	r.ID = uuid.New()
	r.CreatedAt = time.Now()
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO recordings (id, project_id, type, actions, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		r.ID, r.ProjectID, r.Type, actions, r.CreatedAt)
	return err
}

// GetRecording fetches a Recording by id, notably its RecordingType so
// callers can tell a connection recording's spec from an ordinary flow's
// (spec §3).
func (s *Store) GetRecording(ctx context.Context, id uuid.UUID) (*model.Recording, error) {
	row := s.pool.QueryRow(ctx, `SELECT id,project_id,type,actions,created_at FROM recordings WHERE id=$1`, id)
	r := &model.Recording{}
	var actions []byte
	if err := row.Scan(&r.ID, &r.ProjectID, &r.Type, &actions, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return nil, err
	}
	return r, nil
}

// CreateSpec inserts a new Spec in DRAFT status.
func (s *Store) CreateSpec(ctx context.Context, sp *model.Spec) error {
	sp.ID = uuid.New()
	if sp.Status == "" {
		sp.Status = model.SpecDraft
	}
	if sp.Version == 0 {
		sp.Version = 1
	}
	if sp.MaxAttempts == 0 {
		sp.MaxAttempts = model.DefaultMaxAttempts
	}
	sp.CreatedAt, sp.UpdatedAt = time.Now(), time.Now()
	fc, err := json.Marshal(sp.FailureContext)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO specs (id, recording_id, project_id, code, status, version, attempt, max_attempts, parent_spec_id, failure_context, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		sp.ID, sp.RecordingID, sp.ProjectID, sp.Code, sp.Status, sp.Version, sp.Attempt, sp.MaxAttempts, sp.ParentSpecID, fc, sp.CreatedAt, sp.UpdatedAt)
	return err
}

// ApplyPatch atomically increments a Spec's version and replaces its code,
// the transactional counterpart to the Hybrid Executor's reverse-step-order
// patch application (spec §4.4).
func (s *Store) ApplyPatch(ctx context.Context, specID uuid.UUID, newCode string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var version int
	if err := tx.QueryRow(ctx, `SELECT version FROM specs WHERE id=$1 FOR UPDATE`, specID).Scan(&version); err != nil {
		return 0, err
	}
	version++
	if _, err := tx.Exec(ctx, `UPDATE specs SET code=$2, version=$3, updated_at=now() WHERE id=$1`, specID, newCode, version); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return version, nil
}

// GetSpec fetches a Spec by id.
func (s *Store) GetSpec(ctx context.Context, id uuid.UUID) (*model.Spec, error) {
	row := s.pool.QueryRow(ctx, `SELECT id,recording_id,project_id,code,status,version,attempt,max_attempts,parent_spec_id,failure_context,created_at,updated_at FROM specs WHERE id=$1`, id)
	sp := &model.Spec{}
	var fc []byte
	if err := row.Scan(&sp.ID, &sp.RecordingID, &sp.ProjectID, &sp.Code, &sp.Status, &sp.Version, &sp.Attempt, &sp.MaxAttempts, &sp.ParentSpecID, &fc, &sp.CreatedAt, &sp.UpdatedAt); err != nil {
		return nil, err
	}
	if len(fc) > 0 {
		_ = json.Unmarshal(fc, &sp.FailureContext)
	}
	return sp, nil
}

// CreateRun inserts a Run in PENDING status.
func (s *Store) CreateRun(ctx context.Context, r *model.Run) error {
	r.Status = model.RunPending
	r.CreatedAt = time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (id, spec_id, suite_run_id, status, execution_mode, streaming_mode, is_auto_retry, progress, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.SpecID, r.SuiteRunID, r.Status, r.ExecutionMode, r.StreamingMode, r.IsAutoRetry, r.Progress, r.CreatedAt)
	return err
}

// TransitionRunning marks a Run RUNNING; only a worker that successfully
// claims the job lock calls this (spec §3 lifecycle rules).
func (s *Store) TransitionRunning(ctx context.Context, runID string) error {
	now := time.Now()
	tag, err := s.pool.Exec(ctx, `UPDATE runs SET status=$2, started_at=$3 WHERE id=$1 AND status=$4`,
		runID, model.RunRunning, now, model.RunPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: run %s not in PENDING state", runID)
	}
	return nil
}

// TransitionTerminal sets a Run's terminal status atomically, but only if
// the run has not already been observed CANCELLED (P6: cancel dominance —
// once CANCELLED is observed, no later write may assign another terminal
// status).
func (s *Store) TransitionTerminal(ctx context.Context, runID string, status model.RunStatus, runErr string, logs []string, durationMs int64) error {
	now := time.Now()
	logsJSON, err := json.Marshal(logs)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status=$2, error=$3, logs=$4, duration_ms=$5, completed_at=$6, progress=100
		WHERE id=$1 AND status <> $7`,
		runID, status, runErr, logsJSON, durationMs, now, model.RunCancelled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// The run is already CANCELLED (or does not exist); this writer
		// loses.
		return nil
	}
	return nil
}

// SetProgress writes a monotonically increasing progress value (P2); the
// caller is responsible for only calling this with strictly increasing
// values (phase boundaries 10/20/80/100 per spec §4.7).
func (s *Store) SetProgress(ctx context.Context, runID string, progress int) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET progress=$2 WHERE id=$1 AND progress < $2`, runID, progress)
	return err
}

// GetRunStatus is the cheap poll used by the Cancellation & Status Pipe
// (spec §4.7): it reads only the status column every 5s.
func (s *Store) GetRunStatus(ctx context.Context, runID string) (model.RunStatus, error) {
	var status model.RunStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id=$1`, runID).Scan(&status)
	return status, err
}

// CancelRun flips a PENDING or RUNNING run to CANCELLED (first writer wins).
func (s *Store) CancelRun(ctx context.Context, runID string) error {
	now := time.Now()
	_, err := s.pool.Exec(ctx, `
		UPDATE runs SET status=$2, completed_at=$3, progress=100
		WHERE id=$1 AND status IN ($4,$5)`,
		runID, model.RunCancelled, now, model.RunPending, model.RunRunning)
	return err
}

// GetRun fetches a Run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT id,spec_id,suite_run_id,status,execution_mode,streaming_mode,is_auto_retry,error,progress,started_at,completed_at,duration_ms,created_at FROM runs WHERE id=$1`, id)
	r := &model.Run{}
	if err := row.Scan(&r.ID, &r.SpecID, &r.SuiteRunID, &r.Status, &r.ExecutionMode, &r.StreamingMode, &r.IsAutoRetry, &r.Error, &r.Progress, &r.StartedAt, &r.CompletedAt, &r.DurationMs, &r.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("store: run %s not found", id)
		}
		return nil, err
	}
	return r, nil
}

// SetAgentData persists the Agent Loop's step timeline and cost snapshot
// for an AGENT or HYBRID run (SPEC_FULL §3 cost tracker snapshot
// persistence).
func (s *Store) SetAgentData(ctx context.Context, runID string, data *model.AgentData) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `UPDATE runs SET agent_data=$2 WHERE id=$1`, runID, b)
	return err
}

// CreateSuiteRun inserts a new SuiteRun in RUNNING status, owning runIDs
// created ahead of time by the caller (spec §4.1 suite execution).
func (s *Store) CreateSuiteRun(ctx context.Context, sr *model.SuiteRun) error {
	sr.Status = model.RunRunning
	sr.CreatedAt = time.Now()
	now := time.Now()
	sr.StartedAt = &now
	runIDs, err := json.Marshal(sr.RunIDs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO suite_runs (id, project_id, status, passed_tests, failed_tests, started_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		sr.ID, sr.ProjectID, sr.Status, sr.PassedTests, sr.FailedTests, sr.StartedAt, sr.CreatedAt)
	_ = runIDs // run membership is derived from runs.suite_run_id, not stored redundantly
	return err
}

// FinalizeSuiteRun persists a SuiteRun's Reconcile()d aggregate counts and,
// once terminal, its completion timestamp.
func (s *Store) FinalizeSuiteRun(ctx context.Context, sr *model.SuiteRun) error {
	var completedAt *time.Time
	if sr.Status.Terminal() {
		now := time.Now()
		completedAt = &now
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE suite_runs SET status=$2, passed_tests=$3, failed_tests=$4, completed_at=$5 WHERE id=$1`,
		sr.ID, sr.Status, sr.PassedTests, sr.FailedTests, completedAt)
	return err
}

// GetSuiteRun fetches a SuiteRun and the ids of its member Runs.
func (s *Store) GetSuiteRun(ctx context.Context, id string) (*model.SuiteRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT id,project_id,status,passed_tests,failed_tests,started_at,completed_at,created_at FROM suite_runs WHERE id=$1`, id)
	sr := &model.SuiteRun{}
	if err := row.Scan(&sr.ID, &sr.ProjectID, &sr.Status, &sr.PassedTests, &sr.FailedTests, &sr.StartedAt, &sr.CompletedAt, &sr.CreatedAt); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT id FROM runs WHERE suite_run_id=$1 ORDER BY created_at`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, err
		}
		sr.RunIDs = append(sr.RunIDs, runID)
	}
	return sr, nil
}

// CreateArtifact inserts a write-once Artifact row. Per P3 (no ghost
// artifacts), callers must have already committed the corresponding blob
// before calling this.
func (s *Store) CreateArtifact(ctx context.Context, a *model.Artifact) error {
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO artifacts (id, run_id, type, name, storage_path, mime_type, size_bytes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.RunID, a.Type, a.Name, a.StoragePath, a.MimeType, a.SizeBytes, a.CreatedAt)
	return err
}

// ListArtifacts returns a run's Artifacts, most recently created first.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]model.Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id,run_id,type,name,storage_path,mime_type,size_bytes,created_at
		FROM artifacts WHERE run_id=$1 ORDER BY created_at DESC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Artifact
	for rows.Next() {
		var a model.Artifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.Type, &a.Name, &a.StoragePath, &a.MimeType, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// DeleteRun deletes a Run and its Artifacts transactionally (Artifacts are
// owned by the Run record per spec §3 ownership rules).
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM artifacts WHERE run_id=$1`, runID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM runs WHERE id=$1`, runID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreateClarification inserts a PENDING clarification.
func (s *Store) CreateClarification(ctx context.Context, c *model.Clarification) error {
	c.ID = uuid.New()
	c.Status = model.ClarificationPending
	c.CreatedAt = time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clarifications (id, spec_id, question, status, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		c.ID, c.SpecID, c.Question, c.Status, c.CreatedAt)
	return err
}

// AnswerClarification resolves a clarification and, when no PENDING
// clarifications remain for the spec, advances the spec to READY (spec §3).
func (s *Store) AnswerClarification(ctx context.Context, id uuid.UUID, answer string, skipped bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	status := model.ClarificationAnswered
	if skipped {
		status = model.ClarificationSkipped
	}
	now := time.Now()
	var specID uuid.UUID
	if err := tx.QueryRow(ctx, `
		UPDATE clarifications SET status=$2, answer=$3, answered_at=$4 WHERE id=$1
		RETURNING spec_id`, id, status, answer, now).Scan(&specID); err != nil {
		return err
	}

	var pending int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM clarifications WHERE spec_id=$1 AND status=$2`, specID, model.ClarificationPending).Scan(&pending); err != nil {
		return err
	}
	if pending == 0 {
		if _, err := tx.Exec(ctx, `UPDATE specs SET status=$2, updated_at=now() WHERE id=$1 AND status=$3`, specID, model.SpecReady, model.SpecNeedsReview); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

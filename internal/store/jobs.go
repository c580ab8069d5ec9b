package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/voxwire/voxwire/internal/model"
)

// JobStore persists [model.PregenJob] rows. Claiming uses FOR UPDATE SKIP
// LOCKED so parallel workers never pick up the same job, and the Done
// checkpoint lets an interrupted job resume mid-list.
type JobStore struct {
	db querier
}

const jobColumns = `
	id, tenant_id, agent_id, language, texts, done, status, last_error,
	created_at, updated_at`

// Enqueue inserts a new queued job.
func (s *JobStore) Enqueue(ctx context.Context, j *model.PregenJob) error {
	const q = `
		INSERT INTO pregen_jobs
		    (id, tenant_id, agent_id, language, texts, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`

	_, err := s.db.Exec(ctx, q,
		j.ID, j.TenantID, j.AgentID, j.Language, j.Texts, j.Status, j.CreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("job store: enqueue: %w", err))
	}
	return nil
}

// GetByID returns the job with the given id, scoped to tenantID.
func (s *JobStore) GetByID(ctx context.Context, tenantID, id string) (*model.PregenJob, error) {
	q := "SELECT " + jobColumns + " FROM pregen_jobs WHERE tenant_id = $1 AND id = $2"

	rows, err := s.db.Query(ctx, q, tenantID, id)
	if err != nil {
		return nil, classify(fmt.Errorf("job store: get: %w", err))
	}
	j, err := pgx.CollectExactlyOneRow(rows, scanJob)
	if err != nil {
		return nil, classify(fmt.Errorf("job store: get: %w", err))
	}
	return &j, nil
}

// Claim atomically picks the oldest queued or interrupted running job and
// marks it running. Returns (nil, nil) when the queue is empty.
func (s *JobStore) Claim(ctx context.Context) (*model.PregenJob, error) {
	const q = `
		UPDATE pregen_jobs
		SET    status = 'running', updated_at = now()
		WHERE  id = (
			SELECT id FROM pregen_jobs
			WHERE  status = 'queued'
			ORDER  BY created_at
			LIMIT  1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, classify(fmt.Errorf("job store: claim: %w", err))
	}
	j, err := pgx.CollectExactlyOneRow(rows, scanJob)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("job store: claim: %w", err))
	}
	return &j, nil
}

// Checkpoint records progress: done is the index of the next text to
// synthesise. Called after every completed item so a crash loses at most one.
func (s *JobStore) Checkpoint(ctx context.Context, id string, done int) error {
	const q = `
		UPDATE pregen_jobs
		SET    done = $2, updated_at = now()
		WHERE  id = $1 AND status = 'running'`

	if _, err := s.db.Exec(ctx, q, id, done); err != nil {
		return classify(fmt.Errorf("job store: checkpoint: %w", err))
	}
	return nil
}

// Complete moves a running job to completed.
func (s *JobStore) Complete(ctx context.Context, id string) error {
	const q = `
		UPDATE pregen_jobs
		SET    status = 'completed', updated_at = now()
		WHERE  id = $1 AND status = 'running'`

	if _, err := s.db.Exec(ctx, q, id); err != nil {
		return classify(fmt.Errorf("job store: complete: %w", err))
	}
	return nil
}

// Fail moves a running job to failed, recording the last error.
func (s *JobStore) Fail(ctx context.Context, id, lastError string) error {
	const q = `
		UPDATE pregen_jobs
		SET    status = 'failed', last_error = $2, updated_at = now()
		WHERE  id = $1 AND status = 'running'`

	if _, err := s.db.Exec(ctx, q, id, lastError); err != nil {
		return classify(fmt.Errorf("job store: fail: %w", err))
	}
	return nil
}

// Requeue returns interrupted running jobs to the queue. Run at startup to
// recover jobs orphaned by a crashed worker; the Done checkpoint ensures no
// item is synthesised twice.
func (s *JobStore) Requeue(ctx context.Context) (int, error) {
	const q = `
		UPDATE pregen_jobs
		SET    status = 'queued', updated_at = now()
		WHERE  status = 'running'`

	tag, err := s.db.Exec(ctx, q)
	if err != nil {
		return 0, classify(fmt.Errorf("job store: requeue: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.CollectableRow) (model.PregenJob, error) {
	var j model.PregenJob
	err := row.Scan(
		&j.ID, &j.TenantID, &j.AgentID, &j.Language, &j.Texts, &j.Done,
		&j.Status, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	return j, err
}

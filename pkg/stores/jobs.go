package stores

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ocloudd/ocloudd/pkg/core"
)

// CreateJob inserts a new job ledger row.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *core.Job) error {
	query := `
		INSERT INTO jobs (job_id, type, status, progress, deployment_id, error_detail,
		                  created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.Type, job.Status, job.Progress, job.DeploymentID,
		job.ErrorDetail, job.CreatedAt, job.UpdatedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*core.Job, error) {
	query := `
		SELECT job_id, type, status, progress, deployment_id, error_detail,
		       created_at, updated_at, completed_at
		FROM jobs WHERE job_id = ?
	`

	job := &core.Job{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &job.Type, &job.Status, &job.Progress, &job.DeploymentID,
		&job.ErrorDetail, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("job not found", nil).WithEntity(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// UpdateJob persists the mutable state of a job.
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *core.Job) error {
	query := `
		UPDATE jobs SET status = ?, progress = ?, error_detail = ?,
		                updated_at = ?, completed_at = ?
		WHERE job_id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		job.Status, job.Progress, job.ErrorDetail, job.UpdatedAt, job.CompletedAt, job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return core.NewNotFoundError("job not found", nil).WithEntity(job.ID)
	}
	return nil
}

// ListJobs lists jobs newest-first with pagination.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*core.Job, error) {
	query := `
		SELECT job_id, type, status, progress, deployment_id, error_detail,
		       created_at, updated_at, completed_at
		FROM jobs ORDER BY created_at DESC LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*core.Job{}
	for rows.Next() {
		job := &core.Job{}
		if err := rows.Scan(&job.ID, &job.Type, &job.Status, &job.Progress,
			&job.DeploymentID, &job.ErrorDetail, &job.CreatedAt,
			&job.UpdatedAt, &job.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

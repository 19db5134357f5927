// Package jobs tracks asynchronous engine operations as pollable ledger
// entries with monotonic progress.
package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ocloudd/ocloudd/pkg/core"
	"github.com/ocloudd/ocloudd/pkg/stores"
	"github.com/ocloudd/ocloudd/pkg/telemetry"
)

// Tracker creates and updates job ledger rows.
type Tracker struct {
	store  stores.Store
	logger *telemetry.Logger
}

// NewTracker creates a job tracker over the given store.
func NewTracker(store stores.Store, logger *telemetry.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: logger.NewComponentLogger("jobs"),
	}
}

// Create starts a new queued job of the given type, optionally tied to a
// deployment.
func (t *Tracker) Create(ctx context.Context, jobType string, deploymentID *string) (*core.Job, error) {
	now := time.Now().UTC()
	job := &core.Job{
		ID:           uuid.New().String(),
		Type:         jobType,
		Status:       core.JobQueued,
		Progress:     0,
		DeploymentID: deploymentID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := t.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	t.logger.WithJobID(job.ID).Debugf("created %s job", jobType)
	return job, nil
}

// Get retrieves a job by ID.
func (t *Tracker) Get(ctx context.Context, id string) (*core.Job, error) {
	return t.store.GetJob(ctx, id)
}

// List returns jobs newest-first with pagination.
func (t *Tracker) List(ctx context.Context, limit, offset int) ([]*core.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return t.store.ListJobs(ctx, limit, offset)
}

// Advance moves a job to running at the given progress. Progress must not
// decrease and a terminal job accepts no updates.
func (t *Tracker) Advance(ctx context.Context, id string, progress int) error {
	job, err := t.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return core.NewConflictError("job already finished", nil).
			WithEntity(id).WithOperation("advance")
	}
	if progress < job.Progress {
		return core.NewValidationError("job progress cannot decrease", nil).
			WithEntity(id).WithOperation("advance")
	}
	if progress > 100 {
		progress = 100
	}

	job.Status = core.JobRunning
	job.Progress = progress
	job.UpdatedAt = time.Now().UTC()
	return t.store.UpdateJob(ctx, job)
}

// Complete marks a job completed at full progress.
func (t *Tracker) Complete(ctx context.Context, id string) error {
	job, err := t.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return core.NewConflictError("job already finished", nil).
			WithEntity(id).WithOperation("complete")
	}

	now := time.Now().UTC()
	job.Status = core.JobCompleted
	job.Progress = 100
	job.UpdatedAt = now
	job.CompletedAt = &now
	if err := t.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	t.logger.WithJobID(id).Debug("job completed")
	return nil
}

// Fail marks a job failed with an error detail. Progress is left where the
// operation stopped.
func (t *Tracker) Fail(ctx context.Context, id string, detail string) error {
	job, err := t.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return core.NewConflictError("job already finished", nil).
			WithEntity(id).WithOperation("fail")
	}

	now := time.Now().UTC()
	job.Status = core.JobFailed
	job.ErrorDetail = &detail
	job.UpdatedAt = now
	job.CompletedAt = &now
	if err := t.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	t.logger.WithJobID(id).Warnf("job failed: %s", detail)
	return nil
}

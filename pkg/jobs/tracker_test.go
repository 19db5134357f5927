package jobs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ocloudd/ocloudd/pkg/core"
	"github.com/ocloudd/ocloudd/pkg/stores"
	"github.com/ocloudd/ocloudd/pkg/telemetry"
)

func setupTracker(t *testing.T) *Tracker {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level: "error", Format: "json", Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewTracker(store, logger)
}

func TestJobLifecycle(t *testing.T) {
	tracker := setupTracker(t)
	ctx := context.Background()

	depID := "dep-1"
	job, err := tracker.Create(ctx, "deploy", &depID)
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	if job.Status != core.JobQueued || job.Progress != 0 {
		t.Fatalf("expected queued job at 0%%, got %s at %d%%", job.Status, job.Progress)
	}

	if err := tracker.Advance(ctx, job.ID, 10); err != nil {
		t.Fatalf("failed to advance job: %v", err)
	}
	if err := tracker.Advance(ctx, job.ID, 60); err != nil {
		t.Fatalf("failed to advance job: %v", err)
	}

	got, err := tracker.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if got.Status != core.JobRunning || got.Progress != 60 {
		t.Errorf("expected running at 60%%, got %s at %d%%", got.Status, got.Progress)
	}

	if err := tracker.Complete(ctx, job.ID); err != nil {
		t.Fatalf("failed to complete job: %v", err)
	}
	got, err = tracker.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("failed to re-get job: %v", err)
	}
	if got.Status != core.JobCompleted || got.Progress != 100 {
		t.Errorf("expected completed at 100%%, got %s at %d%%", got.Status, got.Progress)
	}
	if got.CompletedAt == nil {
		t.Error("expected completion timestamp")
	}
}

func TestJobProgressMonotonic(t *testing.T) {
	tracker := setupTracker(t)
	ctx := context.Background()

	job, err := tracker.Create(ctx, "deploy", nil)
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	if err := tracker.Advance(ctx, job.ID, 60); err != nil {
		t.Fatalf("failed to advance job: %v", err)
	}

	if err := tracker.Advance(ctx, job.ID, 10); !core.IsValidation(err) {
		t.Errorf("expected validation error for decreasing progress, got %v", err)
	}
}

func TestJobTerminalImmutable(t *testing.T) {
	tracker := setupTracker(t)
	ctx := context.Background()

	job, err := tracker.Create(ctx, "terminate", nil)
	if err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	if err := tracker.Fail(ctx, job.ID, "workload exited during startup"); err != nil {
		t.Fatalf("failed to fail job: %v", err)
	}

	if err := tracker.Advance(ctx, job.ID, 50); !core.IsConflict(err) {
		t.Errorf("expected conflict advancing terminal job, got %v", err)
	}
	if err := tracker.Complete(ctx, job.ID); !core.IsConflict(err) {
		t.Errorf("expected conflict completing terminal job, got %v", err)
	}

	got, err := tracker.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if got.Status != core.JobFailed {
		t.Errorf("expected failed status, got %s", got.Status)
	}
	if got.ErrorDetail == nil || *got.ErrorDetail == "" {
		t.Error("expected error detail on failed job")
	}
}

package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ocloudd/ocloudd/pkg/core"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
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

	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestHealthCheck(t *testing.T) {
	store := setupTestStore(t)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestDeploymentCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	dep := &core.Deployment{
		ID:               "dep-1",
		Name:             "o-du-1",
		Type:             "o-du",
		Status:           core.DeploymentPending,
		OperationalState: core.OperationalEnabled,
		ResourcePoolID:   "pool-1",
		ConfigPath:       "/etc/odu.yaml",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.CreateDeployment(ctx, dep); err != nil {
		t.Fatalf("failed to create deployment: %v", err)
	}

	// Duplicate ID is a conflict.
	if err := store.CreateDeployment(ctx, dep); !core.IsConflict(err) {
		t.Errorf("expected conflict error, got %v", err)
	}

	pid := int64(4242)
	deployedAt := now.Add(time.Second)
	dep.Status = core.DeploymentRunning
	dep.PID = &pid
	dep.LogPath = "/var/log/odu.log"
	dep.DeployedAt = &deployedAt
	dep.UpdatedAt = deployedAt
	if err := store.UpdateDeployment(ctx, dep); err != nil {
		t.Fatalf("failed to update deployment: %v", err)
	}

	got, err := store.GetDeployment(ctx, "dep-1")
	if err != nil {
		t.Fatalf("failed to get deployment: %v", err)
	}
	if got.Status != core.DeploymentRunning {
		t.Errorf("expected status running, got %s", got.Status)
	}
	if got.PID == nil || *got.PID != pid {
		t.Errorf("expected pid %d, got %v", pid, got.PID)
	}
	if got.LogPath != "/var/log/odu.log" {
		t.Errorf("unexpected log path %q", got.LogPath)
	}

	counts, err := store.CountDeploymentsByStatus(ctx)
	if err != nil {
		t.Fatalf("failed to count deployments: %v", err)
	}
	if counts[core.DeploymentRunning] != 1 {
		t.Errorf("expected 1 running deployment, got %d", counts[core.DeploymentRunning])
	}

	if err := store.DeleteDeployment(ctx, "dep-1"); err != nil {
		t.Fatalf("failed to delete deployment: %v", err)
	}
	list, err := store.ListDeployments(ctx)
	if err != nil {
		t.Fatalf("failed to list deployments: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected empty list after delete, got %d rows", len(list))
	}
	if _, err := store.GetDeployment(ctx, "dep-1"); !core.IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}
}

func TestLiveDeploymentNameUniqueness(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := &core.Deployment{
		ID:               "dep-a",
		Name:             "o-du-1",
		Type:             "o-du",
		Status:           core.DeploymentRunning,
		OperationalState: core.OperationalEnabled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.CreateDeployment(ctx, first); err != nil {
		t.Fatalf("failed to create deployment: %v", err)
	}

	// A second live row with the same name is rejected at insert time, so
	// concurrent deploys cannot both slip past the pre-insert check.
	second := &core.Deployment{
		ID:               "dep-b",
		Name:             "o-du-1",
		Type:             "o-du",
		Status:           core.DeploymentPending,
		OperationalState: core.OperationalEnabled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := store.CreateDeployment(ctx, second); !core.IsConflict(err) {
		t.Errorf("expected conflict for duplicate live name, got %v", err)
	}

	first.Status = core.DeploymentStopped
	first.UpdatedAt = now.Add(time.Second)
	if err := store.UpdateDeployment(ctx, first); err != nil {
		t.Fatalf("failed to stop deployment: %v", err)
	}

	// Terminal rows no longer reserve the name.
	if err := store.CreateDeployment(ctx, second); err != nil {
		t.Fatalf("expected name free after stop, got %v", err)
	}
}

func TestJobProgressPersistence(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	depID := "dep-7"
	job := &core.Job{
		ID:           "job-1",
		Type:         "deploy",
		Status:       core.JobQueued,
		DeploymentID: &depID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}

	job.Status = core.JobRunning
	job.Progress = 60
	job.UpdatedAt = now.Add(time.Second)
	if err := store.UpdateJob(ctx, job); err != nil {
		t.Fatalf("failed to update job: %v", err)
	}

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if got.Progress != 60 {
		t.Errorf("expected progress 60, got %d", got.Progress)
	}
	if got.DeploymentID == nil || *got.DeploymentID != depID {
		t.Errorf("expected deployment id %q, got %v", depID, got.DeploymentID)
	}
}

func TestMonitoringJobRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := &core.MonitoringJob{
		ID:                 "pm-1",
		Scope:              core.ScopeDMS,
		ObjectIDs:          []string{"dep-1", "dep-2"},
		Metrics:            []string{"cpu_usage", "memory_usage"},
		CollectionInterval: 60 * time.Second,
		ReportingPeriod:    300 * time.Second,
		State:              core.MonitoringEnabled,
		CallbackURI:        "http://smo.example/reports",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := store.CreateMonitoringJob(ctx, job); err != nil {
		t.Fatalf("failed to create monitoring job: %v", err)
	}

	got, err := store.GetMonitoringJob(ctx, "pm-1")
	if err != nil {
		t.Fatalf("failed to get monitoring job: %v", err)
	}
	if got.CollectionInterval != 60*time.Second {
		t.Errorf("expected 60s interval, got %s", got.CollectionInterval)
	}
	if got.ReportingPeriod != 300*time.Second {
		t.Errorf("expected 300s period, got %s", got.ReportingPeriod)
	}
	if len(got.ObjectIDs) != 2 || got.ObjectIDs[1] != "dep-2" {
		t.Errorf("unexpected object ids %v", got.ObjectIDs)
	}

	if err := store.UpdateMonitoringJobState(ctx, "pm-1", core.MonitoringDisabled); err != nil {
		t.Fatalf("failed to disable monitoring job: %v", err)
	}
	got, err = store.GetMonitoringJob(ctx, "pm-1")
	if err != nil {
		t.Fatalf("failed to re-get monitoring job: %v", err)
	}
	if got.State != core.MonitoringDisabled {
		t.Errorf("expected disabled state, got %s", got.State)
	}

	report := &core.PerformanceReport{
		ID:          "rep-1",
		JobID:       "pm-1",
		WindowStart: now,
		WindowEnd:   now.Add(300 * time.Second),
		Entries: []core.Sample{
			{ObjectID: "dep-1", Metric: "cpu_usage", Value: 42.5, Timestamp: now},
		},
		CreatedAt: now,
	}
	if err := store.CreateReport(ctx, report); err != nil {
		t.Fatalf("failed to create report: %v", err)
	}
	reports, err := store.ListReportsByJob(ctx, "pm-1")
	if err != nil {
		t.Fatalf("failed to list reports: %v", err)
	}
	if len(reports) != 1 || len(reports[0].Entries) != 1 {
		t.Fatalf("unexpected reports %+v", reports)
	}
	if reports[0].Entries[0].Value != 42.5 {
		t.Errorf("expected sample value 42.5, got %f", reports[0].Entries[0].Value)
	}
}

func TestMonitoringJobSubSecondIntervals(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := &core.MonitoringJob{
		ID:                 "pm-fast",
		Scope:              core.ScopeDMS,
		ObjectIDs:          []string{"dep-1"},
		Metrics:            []string{"cpu_usage"},
		CollectionInterval: 500 * time.Millisecond,
		ReportingPeriod:    2 * time.Second,
		State:              core.MonitoringEnabled,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := store.CreateMonitoringJob(ctx, job); err != nil {
		t.Fatalf("failed to create monitoring job: %v", err)
	}

	got, err := store.GetMonitoringJob(ctx, "pm-fast")
	if err != nil {
		t.Fatalf("failed to get monitoring job: %v", err)
	}
	if got.CollectionInterval != 500*time.Millisecond {
		t.Errorf("expected 500ms interval back, got %s", got.CollectionInterval)
	}
	if got.ReportingPeriod != 2*time.Second {
		t.Errorf("expected 2s period back, got %s", got.ReportingPeriod)
	}
}

func TestOpenAlarmUniqueness(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	alarm := &core.Alarm{
		ID:            "al-1",
		TargetID:      "dep-1",
		SourceKey:     "th-1",
		Severity:      core.SeverityCritical,
		ProbableCause: "cpu_usage gt 90.0: observed 95.0",
		RaisedAt:      now,
	}
	if err := store.CreateAlarm(ctx, alarm); err != nil {
		t.Fatalf("failed to create alarm: %v", err)
	}

	dup := &core.Alarm{
		ID:            "al-2",
		TargetID:      "dep-1",
		SourceKey:     "th-1",
		Severity:      core.SeverityCritical,
		ProbableCause: "cpu_usage gt 90.0: observed 96.0",
		RaisedAt:      now,
	}
	if err := store.CreateAlarm(ctx, dup); !core.IsConflict(err) {
		t.Errorf("expected conflict for second open alarm, got %v", err)
	}

	open, err := store.GetOpenAlarm(ctx, "dep-1", "th-1")
	if err != nil {
		t.Fatalf("failed to get open alarm: %v", err)
	}
	if open.ID != "al-1" {
		t.Errorf("expected open alarm al-1, got %s", open.ID)
	}

	if err := store.UpdateAlarmSeverity(ctx, "al-1", core.SeverityMajor, "cpu_usage gt 80.0: observed 85.0"); err != nil {
		t.Fatalf("failed to update alarm severity: %v", err)
	}

	if err := store.ClearAlarm(ctx, "al-1"); err != nil {
		t.Fatalf("failed to clear alarm: %v", err)
	}
	if _, err := store.GetOpenAlarm(ctx, "dep-1", "th-1"); !core.IsNotFound(err) {
		t.Errorf("expected no open alarm after clear, got %v", err)
	}

	// A new alarm for the same pair is allowed once the first is cleared.
	if err := store.CreateAlarm(ctx, dup); err != nil {
		t.Fatalf("failed to raise new alarm after clear: %v", err)
	}

	count, err := store.CountActiveAlarms(ctx)
	if err != nil {
		t.Fatalf("failed to count active alarms: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 active alarm, got %d", count)
	}
}

func TestSubscriptionEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sub := &core.Subscription{
		ID:          "sub-1",
		Category:    core.CategoryAlarm,
		CallbackURI: "http://smo.example/alarms",
		Filter:      core.SubscriptionFilter{Severity: core.SeverityCritical},
		CreatedAt:   now,
	}
	if err := store.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("failed to create subscription: %v", err)
	}

	got, err := store.GetSubscription(ctx, "sub-1")
	if err != nil {
		t.Fatalf("failed to get subscription: %v", err)
	}
	if got.Filter.Severity != core.SeverityCritical {
		t.Errorf("expected CRITICAL filter, got %q", got.Filter.Severity)
	}

	ev := &core.SubscriptionEvent{
		SubscriptionID: "sub-1",
		EventType:      "alarm.raised",
		ObjectID:       "al-1",
		CreatedAt:      now,
	}
	if err := store.CreateSubscriptionEvent(ctx, ev); err != nil {
		t.Fatalf("failed to create subscription event: %v", err)
	}
	if ev.ID == 0 {
		t.Fatal("expected generated event ID")
	}

	if err := store.IncrementSubscriptionEventAttempts(ctx, ev.ID); err != nil {
		t.Fatalf("failed to increment attempts: %v", err)
	}

	pending, err := store.ListSubscriptionEvents(ctx, "sub-1", true)
	if err != nil {
		t.Fatalf("failed to list pending events: %v", err)
	}
	if len(pending) != 1 || pending[0].Attempts != 1 {
		t.Fatalf("unexpected pending events %+v", pending)
	}

	if err := store.MarkSubscriptionEventDelivered(ctx, ev.ID, now.Add(time.Second)); err != nil {
		t.Fatalf("failed to mark delivered: %v", err)
	}
	pending, err = store.ListSubscriptionEvents(ctx, "sub-1", true)
	if err != nil {
		t.Fatalf("failed to re-list pending events: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending events after delivery, got %d", len(pending))
	}
}

func TestSubscriptionExpiry(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Hour)
	expired := &core.Subscription{
		ID:          "sub-old",
		Category:    core.CategoryInventory,
		CallbackURI: "http://smo.example/inv",
		ExpiresAt:   &past,
		CreatedAt:   now.Add(-2 * time.Hour),
	}
	live := &core.Subscription{
		ID:          "sub-live",
		Category:    core.CategoryInventory,
		CallbackURI: "http://smo.example/inv",
		CreatedAt:   now,
	}
	if err := store.CreateSubscription(ctx, expired); err != nil {
		t.Fatalf("failed to create expired subscription: %v", err)
	}
	if err := store.CreateSubscription(ctx, live); err != nil {
		t.Fatalf("failed to create live subscription: %v", err)
	}

	removed, err := store.DeleteExpiredSubscriptions(ctx, now)
	if err != nil {
		t.Fatalf("failed to delete expired subscriptions: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed subscription, got %d", removed)
	}

	subs, err := store.ListSubscriptions(ctx, nil)
	if err != nil {
		t.Fatalf("failed to list subscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "sub-live" {
		t.Errorf("unexpected surviving subscriptions %+v", subs)
	}
}

func TestInventoryCatalog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	oc := &core.OCloud{ID: "oc-1", GlobalCloudID: "gc-1", Name: "edge-1", UpdatedAt: now}
	if err := store.UpsertOCloud(ctx, oc); err != nil {
		t.Fatalf("failed to upsert ocloud: %v", err)
	}
	oc.Name = "edge-renamed"
	if err := store.UpsertOCloud(ctx, oc); err != nil {
		t.Fatalf("failed to re-upsert ocloud: %v", err)
	}
	got, err := store.GetOCloud(ctx, "oc-1")
	if err != nil {
		t.Fatalf("failed to get ocloud: %v", err)
	}
	if got.Name != "edge-renamed" {
		t.Errorf("expected upsert to replace name, got %q", got.Name)
	}

	pool := &core.ResourcePool{ID: "pool-1", OCloudID: "oc-1", Name: "rack-a", UpdatedAt: now}
	if err := store.CreateResourcePool(ctx, pool); err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	rt := &core.ResourceType{ID: "rt-compute", Name: "compute-node"}
	if err := store.CreateResourceType(ctx, rt); err != nil {
		t.Fatalf("failed to create resource type: %v", err)
	}

	res := &core.Resource{
		ID:               "res-1",
		ResourceTypeID:   "rt-compute",
		ResourcePoolID:   "pool-1",
		Name:             "node-1",
		OperationalState: core.OperationalEnabled,
		Extensions:       map[string]any{"cores": float64(32)},
		UpdatedAt:        now,
	}
	if err := store.CreateResource(ctx, res); err != nil {
		t.Fatalf("failed to create resource: %v", err)
	}

	poolID := "pool-1"
	list, err := store.ListResources(ctx, ResourceFilter{ResourcePoolID: &poolID})
	if err != nil {
		t.Fatalf("failed to list resources: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 resource, got %d", len(list))
	}
	if list[0].Extensions["cores"] != float64(32) {
		t.Errorf("unexpected extensions %v", list[0].Extensions)
	}

	otherPool := "pool-2"
	list, err = store.ListResources(ctx, ResourceFilter{ResourcePoolID: &otherPool})
	if err != nil {
		t.Fatalf("failed to list resources by other pool: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected no resources in pool-2, got %d", len(list))
	}

	if err := store.UpdateResourceState(ctx, "res-1", core.OperationalDisabled); err != nil {
		t.Fatalf("failed to update resource state: %v", err)
	}
	gotRes, err := store.GetResource(ctx, "res-1")
	if err != nil {
		t.Fatalf("failed to get resource: %v", err)
	}
	if gotRes.OperationalState != core.OperationalDisabled {
		t.Errorf("expected disabled state, got %s", gotRes.OperationalState)
	}
}

package inventory

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ocloudd/ocloudd/pkg/core"
	"github.com/ocloudd/ocloudd/pkg/stores"
	"github.com/ocloudd/ocloudd/pkg/telemetry"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*core.Event
}

func (p *capturePublisher) Publish(_ context.Context, event *core.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func setupCatalog(t *testing.T) (*Catalog, *capturePublisher) {
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

	pub := &capturePublisher{}
	catalog := NewCatalog(store, pub, logger, "ocloud-1")
	if err := catalog.RegisterOCloud(ctx, &core.OCloud{
		Name: "edge-site-1",
	}); err != nil {
		t.Fatalf("failed to register ocloud: %v", err)
	}
	return catalog, pub
}

func TestResourceLifecycleEvents(t *testing.T) {
	catalog, pub := setupCatalog(t)
	ctx := context.Background()

	pool, err := catalog.CreatePool(ctx, &core.ResourcePool{Name: "pool-a", Location: "rack-7"})
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	rt, err := catalog.CreateResourceType(ctx, &core.ResourceType{Name: "compute-node", Vendor: "acme"})
	if err != nil {
		t.Fatalf("failed to create resource type: %v", err)
	}

	res, err := catalog.CreateResource(ctx, &core.Resource{
		Name:           "node-1",
		ResourcePoolID: pool.ID,
		ResourceTypeID: rt.ID,
	})
	if err != nil {
		t.Fatalf("failed to create resource: %v", err)
	}
	if res.OperationalState != core.OperationalEnabled {
		t.Errorf("expected new resource enabled, got %s", res.OperationalState)
	}

	if err := catalog.SetResourceState(ctx, res.ID, core.OperationalDisabled); err != nil {
		t.Fatalf("failed to update state: %v", err)
	}
	got, err := catalog.GetResource(ctx, res.ID)
	if err != nil {
		t.Fatalf("failed to get resource: %v", err)
	}
	if got.OperationalState != core.OperationalDisabled {
		t.Errorf("expected disabled, got %s", got.OperationalState)
	}

	if err := catalog.DeleteResource(ctx, res.ID); err != nil {
		t.Fatalf("failed to delete resource: %v", err)
	}
	if _, err := catalog.GetResource(ctx, res.ID); !core.IsNotFound(err) {
		t.Errorf("expected not found after delete, got %v", err)
	}

	want := []string{"resource.created", "resource.changed", "resource.deleted"}
	got2 := pub.types()
	if len(got2) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), got2)
	}
	for i := range want {
		if got2[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got2[i])
		}
	}
}

func TestResourceRequiresExistingPoolAndType(t *testing.T) {
	catalog, _ := setupCatalog(t)
	ctx := context.Background()

	_, err := catalog.CreateResource(ctx, &core.Resource{
		Name:           "orphan",
		ResourcePoolID: "no-such-pool",
		ResourceTypeID: "no-such-type",
	})
	if !core.IsValidation(err) {
		t.Errorf("expected validation error for missing pool, got %v", err)
	}
}

func TestStatusSummary(t *testing.T) {
	catalog, _ := setupCatalog(t)
	ctx := context.Background()

	pool, err := catalog.CreatePool(ctx, &core.ResourcePool{Name: "pool-b"})
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	rt, err := catalog.CreateResourceType(ctx, &core.ResourceType{Name: "compute-node"})
	if err != nil {
		t.Fatalf("failed to create resource type: %v", err)
	}
	for _, name := range []string{"node-1", "node-2"} {
		if _, err := catalog.CreateResource(ctx, &core.Resource{
			Name:           name,
			ResourcePoolID: pool.ID,
			ResourceTypeID: rt.ID,
		}); err != nil {
			t.Fatalf("failed to create resource: %v", err)
		}
	}

	summary, err := catalog.StatusSummary(ctx)
	if err != nil {
		t.Fatalf("failed to build summary: %v", err)
	}
	if summary.OCloudID != "ocloud-1" {
		t.Errorf("unexpected ocloud id %s", summary.OCloudID)
	}
	if summary.Pools != 1 || summary.Resources != 2 {
		t.Errorf("unexpected counts: %d pools, %d resources", summary.Pools, summary.Resources)
	}
	if summary.ActiveAlarms != 0 {
		t.Errorf("expected no active alarms, got %d", summary.ActiveAlarms)
	}
}

func TestSnapshotHistory(t *testing.T) {
	catalog, _ := setupCatalog(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := catalog.RecordSnapshot(ctx, &core.ResourceSnapshot{
			CPUTotalCores:  8,
			CPUUsedPercent: float64(10 * i),
			MemoryTotalMB:  16384,
			MemoryUsedMB:   int64(1024 * (i + 1)),
		}); err != nil {
			t.Fatalf("failed to record snapshot: %v", err)
		}
	}

	snaps, err := catalog.ListSnapshots(ctx, 2)
	if err != nil {
		t.Fatalf("failed to list snapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Errorf("expected limit honored, got %d snapshots", len(snaps))
	}
}

func TestMetricDefinitions(t *testing.T) {
	catalog, _ := setupCatalog(t)
	ctx := context.Background()

	for _, def := range []core.MetricDefinition{
		{Name: "cpu_usage", Unit: "percent"},
		{Name: "memory_usage", Unit: "MB"},
		{Name: "cpu_usage", Unit: "percent", Description: "refreshed"},
	} {
		d := def
		if err := catalog.UpsertMetricDefinition(ctx, &d); err != nil {
			t.Fatalf("failed to upsert metric definition: %v", err)
		}
	}

	defs, err := catalog.ListMetricDefinitions(ctx)
	if err != nil {
		t.Fatalf("failed to list metric definitions: %v", err)
	}
	if len(defs) != 2 {
		t.Errorf("expected upsert to dedupe, got %d definitions", len(defs))
	}
}

package notify

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ocloudd/ocloudd/pkg/core"
	"github.com/ocloudd/ocloudd/pkg/stores"
	"github.com/ocloudd/ocloudd/pkg/telemetry"
)

// fakeSender records deliveries and fails the first failures-per-event
// attempts for each event.
type fakeSender struct {
	mu       sync.Mutex
	failures int
	attempts map[string]int
	order    []string
}

func newFakeSender(failures int) *fakeSender {
	return &fakeSender{
		failures: failures,
		attempts: make(map[string]int),
	}
}

func (f *fakeSender) Send(_ context.Context, _ string, event *core.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[event.ID]++
	if f.attempts[event.ID] <= f.failures {
		return core.NewTransientError("callback refused", nil)
	}
	f.order = append(f.order, event.Type)
	return nil
}

func (f *fakeSender) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

func setupDispatcher(t *testing.T, sender Sender, opts Options) (*Dispatcher, stores.Store) {
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
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	d := NewDispatcher(store, sender, logger, metrics, nil, opts)
	t.Cleanup(func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(shutCtx)
	})
	return d, store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDeliveredOnlyAfterAcknowledgment(t *testing.T) {
	sender := newFakeSender(2)
	d, store := setupDispatcher(t, sender, Options{
		MaxAttempts: 5,
		BackoffBase: time.Millisecond,
	})
	ctx := context.Background()

	sub, err := d.Subscribe(ctx, &core.Subscription{
		Category:    core.CategoryAlarm,
		CallbackURI: "http://smo.example/alarms",
	})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	err = d.Publish(ctx, &core.Event{
		Category: core.CategoryAlarm,
		Type:     "alarm.raised",
		ObjectID: "al-1",
	})
	if err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		events, err := store.ListSubscriptionEvents(ctx, sub.ID, false)
		if err != nil || len(events) != 1 {
			return false
		}
		return events[0].Delivered
	})

	events, err := store.ListSubscriptionEvents(ctx, sub.ID, false)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if events[0].Attempts != 3 {
		t.Errorf("expected 3 attempts (2 failures then ack), got %d", events[0].Attempts)
	}
	if events[0].DeliveredAt == nil {
		t.Error("expected delivery timestamp")
	}
}

func TestPendingAfterRetryCeiling(t *testing.T) {
	sender := newFakeSender(100)
	d, store := setupDispatcher(t, sender, Options{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	})
	ctx := context.Background()

	sub, err := d.Subscribe(ctx, &core.Subscription{
		Category:    core.CategoryReport,
		CallbackURI: "http://smo.example/reports",
	})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	err = d.Publish(ctx, &core.Event{
		Category: core.CategoryReport,
		Type:     "report.ready",
		ObjectID: "rep-1",
	})
	if err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		events, err := store.ListSubscriptionEvents(ctx, sub.ID, true)
		return err == nil && len(events) == 1 && events[0].Attempts == 3
	})

	// The row stays pending, never delivered, and shows up in the audit.
	pending, err := d.DeliveryAudit(ctx, sub.ID, true)
	if err != nil {
		t.Fatalf("failed to list pending events: %v", err)
	}
	if len(pending) != 1 || pending[0].Delivered {
		t.Fatalf("expected 1 undelivered pending event, got %+v", pending)
	}
}

func TestCategoryAndFilterMatching(t *testing.T) {
	sender := newFakeSender(0)
	d, store := setupDispatcher(t, sender, Options{
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
	})
	ctx := context.Background()

	alarmSub, err := d.Subscribe(ctx, &core.Subscription{
		Category:    core.CategoryAlarm,
		CallbackURI: "http://smo.example/alarms",
		Filter:      core.SubscriptionFilter{Severity: core.SeverityCritical},
	})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	invSub, err := d.Subscribe(ctx, &core.Subscription{
		Category:    core.CategoryInventory,
		CallbackURI: "http://smo.example/inv",
	})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	// MINOR alarm does not pass the CRITICAL filter.
	err = d.Publish(ctx, &core.Event{
		Category: core.CategoryAlarm,
		Type:     "alarm.raised",
		ObjectID: "al-minor",
		Data:     map[string]any{"perceived_severity": "MINOR"},
	})
	if err != nil {
		t.Fatalf("failed to publish: %v", err)
	}
	// CRITICAL alarm passes.
	err = d.Publish(ctx, &core.Event{
		Category: core.CategoryAlarm,
		Type:     "alarm.raised",
		ObjectID: "al-critical",
		Data:     map[string]any{"perceived_severity": "CRITICAL"},
	})
	if err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		events, err := store.ListSubscriptionEvents(ctx, alarmSub.ID, false)
		return err == nil && len(events) == 1 && events[0].Delivered
	})

	events, err := store.ListSubscriptionEvents(ctx, alarmSub.ID, false)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 1 || events[0].ObjectID != "al-critical" {
		t.Errorf("expected only the critical alarm to match, got %+v", events)
	}

	// The inventory subscription saw neither alarm event.
	invEvents, err := store.ListSubscriptionEvents(ctx, invSub.ID, false)
	if err != nil {
		t.Fatalf("failed to list inventory events: %v", err)
	}
	if len(invEvents) != 0 {
		t.Errorf("expected no inventory events, got %d", len(invEvents))
	}
}

func TestPerSubscriptionOrdering(t *testing.T) {
	sender := newFakeSender(0)
	d, store := setupDispatcher(t, sender, Options{
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
	})
	ctx := context.Background()

	sub, err := d.Subscribe(ctx, &core.Subscription{
		Category:    core.CategoryInventory,
		CallbackURI: "http://smo.example/inv",
	})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	types := []string{"resource.created", "resource.changed", "resource.deleted"}
	for _, typ := range types {
		err := d.Publish(ctx, &core.Event{
			Category: core.CategoryInventory,
			Type:     typ,
			ObjectID: "res-1",
		})
		if err != nil {
			t.Fatalf("failed to publish %s: %v", typ, err)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		events, err := store.ListSubscriptionEvents(ctx, sub.ID, true)
		return err == nil && len(events) == 0
	})

	got := sender.delivered()
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(got))
	}
	for i, typ := range types {
		if got[i] != typ {
			t.Errorf("delivery %d: expected %s, got %s", i, typ, got[i])
		}
	}
}

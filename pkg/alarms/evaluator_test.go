package alarms

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

func setupEvaluator(t *testing.T) (*Evaluator, *capturePublisher, stores.Store) {
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

	pub := &capturePublisher{}
	ev, err := NewEvaluator(ctx, store, pub, logger, metrics)
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}
	return ev, pub, store
}

func sample(objectID, metric string, value float64) core.Sample {
	return core.Sample{
		ObjectID:  objectID,
		Metric:    metric,
		Value:     value,
		Timestamp: time.Now().UTC(),
	}
}

func TestThresholdRaiseClearRaise(t *testing.T) {
	ev, pub, store := setupEvaluator(t)
	ctx := context.Background()

	th, err := ev.CreateThreshold(ctx, &core.Threshold{
		Criteria: core.ThresholdCriteria{
			Metric:   "cpu_usage",
			Operator: core.CompareGreater,
			Grades: []core.CriteriaGrade{
				{Bound: 90, Severity: core.SeverityCritical},
			},
		},
	})
	if err != nil {
		t.Fatalf("failed to create threshold: %v", err)
	}

	// 95 violates, raising CRITICAL.
	ev.Ingest(ctx, sample("dep-1", "cpu_usage", 95))
	alarms, err := store.ListAlarms(ctx, stores.AlarmFilter{ActiveOnly: true})
	if err != nil {
		t.Fatalf("failed to list alarms: %v", err)
	}
	if len(alarms) != 1 {
		t.Fatalf("expected 1 active alarm, got %d", len(alarms))
	}
	first := alarms[0]
	if first.Severity != core.SeverityCritical || first.SourceKey != th.ID {
		t.Errorf("unexpected alarm %+v", first)
	}

	// A second violating sample is idempotent.
	ev.Ingest(ctx, sample("dep-1", "cpu_usage", 97))
	alarms, err = store.ListAlarms(ctx, stores.AlarmFilter{ActiveOnly: true})
	if err != nil {
		t.Fatalf("failed to list alarms: %v", err)
	}
	if len(alarms) != 1 {
		t.Fatalf("expected raise to be idempotent, got %d alarms", len(alarms))
	}

	// 60 recrosses the bound, clearing the alarm.
	ev.Ingest(ctx, sample("dep-1", "cpu_usage", 60))
	alarms, err = store.ListAlarms(ctx, stores.AlarmFilter{ActiveOnly: true})
	if err != nil {
		t.Fatalf("failed to list alarms: %v", err)
	}
	if len(alarms) != 0 {
		t.Fatalf("expected alarm cleared, got %d active", len(alarms))
	}

	// 95 again raises a distinct new alarm.
	ev.Ingest(ctx, sample("dep-1", "cpu_usage", 95))
	alarms, err = store.ListAlarms(ctx, stores.AlarmFilter{ActiveOnly: true})
	if err != nil {
		t.Fatalf("failed to list alarms: %v", err)
	}
	if len(alarms) != 1 {
		t.Fatalf("expected a new alarm, got %d active", len(alarms))
	}
	if alarms[0].ID == first.ID {
		t.Error("expected a distinct alarm record after clear")
	}

	want := []string{"alarm.raised", "alarm.cleared", "alarm.raised"}
	got := pub.types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestGradedEscalation(t *testing.T) {
	ev, pub, store := setupEvaluator(t)
	ctx := context.Background()

	_, err := ev.CreateThreshold(ctx, &core.Threshold{
		Criteria: core.ThresholdCriteria{
			Metric:   "memory_usage",
			Operator: core.CompareGreaterEqual,
			Grades: []core.CriteriaGrade{
				{Bound: 95, Severity: core.SeverityCritical},
				{Bound: 85, Severity: core.SeverityMajor},
				{Bound: 75, Severity: core.SeverityMinor},
			},
			Clear: ptr(70.0),
		},
	})
	if err != nil {
		t.Fatalf("failed to create threshold: %v", err)
	}

	// 80 lands in the MINOR band.
	ev.Ingest(ctx, sample("dep-1", "memory_usage", 80))
	open, err := store.GetOpenAlarm(ctx, "dep-1", thresholdID(t, store))
	if err != nil {
		t.Fatalf("expected open alarm: %v", err)
	}
	if open.Severity != core.SeverityMinor {
		t.Errorf("expected MINOR, got %s", open.Severity)
	}

	// 96 escalates the same alarm to CRITICAL in place.
	ev.Ingest(ctx, sample("dep-1", "memory_usage", 96))
	escalated, err := store.GetOpenAlarm(ctx, "dep-1", open.SourceKey)
	if err != nil {
		t.Fatalf("expected open alarm after escalation: %v", err)
	}
	if escalated.ID != open.ID {
		t.Error("expected escalation in place, not a new alarm")
	}
	if escalated.Severity != core.SeverityCritical {
		t.Errorf("expected CRITICAL after escalation, got %s", escalated.Severity)
	}

	// 72 is below every grade but above the clear bound: hysteresis holds.
	ev.Ingest(ctx, sample("dep-1", "memory_usage", 72))
	if _, err := store.GetOpenAlarm(ctx, "dep-1", open.SourceKey); err != nil {
		t.Errorf("expected alarm held open by hysteresis, got %v", err)
	}

	// 65 recrosses the clear bound.
	ev.Ingest(ctx, sample("dep-1", "memory_usage", 65))
	if _, err := store.GetOpenAlarm(ctx, "dep-1", open.SourceKey); !core.IsNotFound(err) {
		t.Errorf("expected alarm cleared, got %v", err)
	}

	want := []string{"alarm.raised", "alarm.changed", "alarm.cleared"}
	got := pub.types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestResourceDownAlarm(t *testing.T) {
	ev, _, store := setupEvaluator(t)
	ctx := context.Background()

	if err := ev.RaiseResourceDown(ctx, "dep-9", "process not found"); err != nil {
		t.Fatalf("failed to raise resource down: %v", err)
	}
	// Second raise while open is a no-op.
	if err := ev.RaiseResourceDown(ctx, "dep-9", "process not found"); err != nil {
		t.Fatalf("expected idempotent raise, got %v", err)
	}

	alarms, err := store.ListAlarms(ctx, stores.AlarmFilter{ActiveOnly: true})
	if err != nil {
		t.Fatalf("failed to list alarms: %v", err)
	}
	if len(alarms) != 1 {
		t.Fatalf("expected 1 active alarm, got %d", len(alarms))
	}
	if alarms[0].Severity != core.SeverityCritical || alarms[0].SourceKey != SourceKeyResourceDown {
		t.Errorf("unexpected alarm %+v", alarms[0])
	}

	if err := ev.Acknowledge(ctx, alarms[0].ID); err != nil {
		t.Fatalf("failed to acknowledge: %v", err)
	}
	got, err := store.GetAlarm(ctx, alarms[0].ID)
	if err != nil {
		t.Fatalf("failed to get alarm: %v", err)
	}
	if !got.Acknowledged || got.AcknowledgedAt == nil {
		t.Error("expected acknowledged alarm")
	}

	if err := ev.ClearResourceDown(ctx, "dep-9"); err != nil {
		t.Fatalf("failed to clear resource down: %v", err)
	}
	if err := ev.ClearResourceDown(ctx, "dep-9"); err != nil {
		t.Fatalf("expected idempotent clear, got %v", err)
	}
}

func TestCriteriaValidation(t *testing.T) {
	ev, _, _ := setupEvaluator(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		criteria core.ThresholdCriteria
	}{
		{"missing metric", core.ThresholdCriteria{
			Operator: core.CompareGreater,
			Grades:   []core.CriteriaGrade{{Bound: 1, Severity: core.SeverityMinor}},
		}},
		{"bad operator", core.ThresholdCriteria{
			Metric:   "cpu_usage",
			Operator: "between",
			Grades:   []core.CriteriaGrade{{Bound: 1, Severity: core.SeverityMinor}},
		}},
		{"no grades", core.ThresholdCriteria{
			Metric:   "cpu_usage",
			Operator: core.CompareGreater,
		}},
		{"unordered grades", core.ThresholdCriteria{
			Metric:   "cpu_usage",
			Operator: core.CompareGreater,
			Grades: []core.CriteriaGrade{
				{Bound: 80, Severity: core.SeverityMinor},
				{Bound: 90, Severity: core.SeverityCritical},
			},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ev.CreateThreshold(ctx, &core.Threshold{Criteria: tc.criteria})
			if !core.IsValidation(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func thresholdID(t *testing.T, store stores.Store) string {
	t.Helper()
	ths, err := store.ListThresholds(context.Background())
	if err != nil || len(ths) != 1 {
		t.Fatalf("expected exactly one threshold, got %d (%v)", len(ths), err)
	}
	return ths[0].ID
}

func ptr(f float64) *float64 { return &f }

// Package alarms evaluates metric samples against threshold rules and
// maintains the fault ledger: raising, escalating, clearing, and
// acknowledging alarms.
package alarms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocloudd/ocloudd/pkg/core"
	"github.com/ocloudd/ocloudd/pkg/stores"
	"github.com/ocloudd/ocloudd/pkg/telemetry"
)

// SourceKeyResourceDown is the source key for supervisor-raised liveness
// alarms, one per failed workload.
const SourceKeyResourceDown = "resource_down"

// Evaluator owns threshold evaluation and the alarm lifecycle. The alarm
// row is always written before the matching notification is handed to the
// publisher.
type Evaluator struct {
	store     stores.Store
	publisher core.Publisher
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics

	mu         sync.RWMutex
	thresholds map[string]*core.Threshold // API-managed, mirrored from the store
	rules      []*core.Threshold          // rules-file thresholds, replaced on reload
}

// NewEvaluator creates an evaluator and loads persisted thresholds.
func NewEvaluator(ctx context.Context, store stores.Store, publisher core.Publisher, logger *telemetry.Logger, metrics *telemetry.Metrics) (*Evaluator, error) {
	persisted, err := store.ListThresholds(ctx)
	if err != nil {
		return nil, err
	}

	thresholds := make(map[string]*core.Threshold, len(persisted))
	for _, th := range persisted {
		thresholds[th.ID] = th
	}

	return &Evaluator{
		store:      store,
		publisher:  publisher,
		logger:     logger.NewComponentLogger("alarms"),
		metrics:    metrics,
		thresholds: thresholds,
	}, nil
}

// SetRules replaces the rules-file threshold set. Called at startup and on
// hot reload; alarms raised by removed rules stay open until cleared.
func (e *Evaluator) SetRules(rules []*core.Threshold) {
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
}

// ValidateCriteria checks a threshold criteria for structural errors.
func ValidateCriteria(c core.ThresholdCriteria) error {
	if c.Metric == "" {
		return core.NewValidationError("threshold metric is required", nil)
	}
	if !c.Operator.Valid() {
		return core.NewValidationError(
			fmt.Sprintf("unknown comparison operator %q", c.Operator), nil)
	}
	if len(c.Grades) == 0 {
		return core.NewValidationError("threshold needs at least one grade", nil)
	}
	for i, g := range c.Grades {
		if g.Severity.Rank() == 0 {
			return core.NewValidationError(
				fmt.Sprintf("grade %d has unknown severity %q", i, g.Severity), nil)
		}
		if i > 0 && c.Grades[i-1].Severity.Rank() <= g.Severity.Rank() {
			return core.NewValidationError("grades must be ordered worst-first", nil)
		}
	}
	return nil
}

// CreateThreshold validates and persists a new threshold rule.
func (e *Evaluator) CreateThreshold(ctx context.Context, th *core.Threshold) (*core.Threshold, error) {
	if err := ValidateCriteria(th.Criteria); err != nil {
		return nil, err
	}

	if th.ID == "" {
		th.ID = uuid.New().String()
	}
	th.CreatedAt = time.Now().UTC()
	if err := e.store.CreateThreshold(ctx, th); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.thresholds[th.ID] = th
	e.mu.Unlock()

	e.logger.Infof("created threshold %s on metric %s", th.ID, th.Criteria.Metric)
	return th, nil
}

// DeleteThreshold removes a threshold rule. Alarms already raised by it
// remain until they clear or are cleared.
func (e *Evaluator) DeleteThreshold(ctx context.Context, id string) error {
	if err := e.store.DeleteThreshold(ctx, id); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.thresholds, id)
	e.mu.Unlock()
	return nil
}

// GetThreshold retrieves a threshold by ID.
func (e *Evaluator) GetThreshold(ctx context.Context, id string) (*core.Threshold, error) {
	return e.store.GetThreshold(ctx, id)
}

// ListThresholds lists persisted thresholds.
func (e *Evaluator) ListThresholds(ctx context.Context) ([]*core.Threshold, error) {
	return e.store.ListThresholds(ctx)
}

// snapshot returns the current evaluation set.
func (e *Evaluator) snapshot() []*core.Threshold {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*core.Threshold, 0, len(e.thresholds)+len(e.rules))
	for _, th := range e.thresholds {
		out = append(out, th)
	}
	out = append(out, e.rules...)
	return out
}

// Ingest evaluates one sample against every applicable threshold.
func (e *Evaluator) Ingest(ctx context.Context, sample core.Sample) {
	for _, th := range e.snapshot() {
		if th.Criteria.Metric != sample.Metric {
			continue
		}
		if th.TargetID != "" && th.TargetID != sample.ObjectID {
			continue
		}
		if err := e.evaluate(ctx, th, sample); err != nil {
			e.logger.WithError(err).
				Errorf("threshold %s evaluation failed for %s", th.ID, sample.ObjectID)
		}
	}
}

// evaluate applies one threshold to one sample, mutating the alarm ledger
// as needed.
func (e *Evaluator) evaluate(ctx context.Context, th *core.Threshold, sample core.Sample) error {
	var violated *core.CriteriaGrade
	for i := range th.Criteria.Grades {
		if th.Criteria.Operator.Compare(sample.Value, th.Criteria.Grades[i].Bound) {
			violated = &th.Criteria.Grades[i]
			break
		}
	}

	open, err := e.store.GetOpenAlarm(ctx, sample.ObjectID, th.ID)
	if err != nil && !core.IsNotFound(err) {
		return err
	}

	if violated != nil {
		cause := fmt.Sprintf("%s %s %g: observed %g",
			th.Criteria.Metric, th.Criteria.Operator, violated.Bound, sample.Value)

		if open == nil {
			return e.raise(ctx, &core.Alarm{
				ID:            uuid.New().String(),
				TargetID:      sample.ObjectID,
				SourceKey:     th.ID,
				AlarmType:     "threshold-crossed",
				Severity:      violated.Severity,
				ProbableCause: cause,
				RaisedAt:      time.Now().UTC(),
			})
		}
		if open.Severity != violated.Severity {
			return e.escalate(ctx, open, violated.Severity, cause)
		}
		// Still violated at the same grade: the open alarm already covers it.
		return nil
	}

	if open == nil {
		return nil
	}

	// Clear only once the value recrosses the hysteresis bound.
	clearBound := th.Criteria.Grades[len(th.Criteria.Grades)-1].Bound
	if th.Criteria.Clear != nil {
		clearBound = *th.Criteria.Clear
	}
	if th.Criteria.Operator.Compare(sample.Value, clearBound) {
		return nil
	}
	return e.clear(ctx, open)
}

// raise writes a new alarm and then publishes alarm.raised.
func (e *Evaluator) raise(ctx context.Context, alarm *core.Alarm) error {
	if err := e.store.CreateAlarm(ctx, alarm); err != nil {
		// A concurrent raise for the same pair already won.
		if core.IsConflict(err) {
			return nil
		}
		return err
	}

	e.metrics.RecordAlarmRaised(string(alarm.Severity))
	e.logger.WithAlarmID(alarm.ID).
		Warnf("raised %s alarm on %s: %s", alarm.Severity, alarm.TargetID, alarm.ProbableCause)

	return e.publish(ctx, "alarm.raised", alarm)
}

// escalate updates an open alarm's severity in place and publishes
// alarm.changed.
func (e *Evaluator) escalate(ctx context.Context, alarm *core.Alarm, severity core.Severity, cause string) error {
	if err := e.store.UpdateAlarmSeverity(ctx, alarm.ID, severity, cause); err != nil {
		return err
	}

	now := time.Now().UTC()
	alarm.Severity = severity
	alarm.ProbableCause = cause
	alarm.ChangedAt = &now

	e.logger.WithAlarmID(alarm.ID).
		Warnf("alarm on %s moved to %s: %s", alarm.TargetID, severity, cause)
	return e.publish(ctx, "alarm.changed", alarm)
}

// clear marks an open alarm cleared and publishes alarm.cleared.
func (e *Evaluator) clear(ctx context.Context, alarm *core.Alarm) error {
	if err := e.store.ClearAlarm(ctx, alarm.ID); err != nil {
		if core.IsNotFound(err) {
			return nil
		}
		return err
	}

	now := time.Now().UTC()
	alarm.ClearedAt = &now

	e.metrics.RecordAlarmCleared()
	e.logger.WithAlarmID(alarm.ID).Infof("cleared alarm on %s", alarm.TargetID)
	return e.publish(ctx, "alarm.cleared", alarm)
}

func (e *Evaluator) publish(ctx context.Context, eventType string, alarm *core.Alarm) error {
	return e.publisher.Publish(ctx, &core.Event{
		Category: core.CategoryAlarm,
		Type:     eventType,
		ObjectID: alarm.ID,
		Data: map[string]any{
			"target_id":          alarm.TargetID,
			"perceived_severity": string(alarm.Severity),
			"probable_cause":     alarm.ProbableCause,
		},
	})
}

// RaiseResourceDown raises a liveness alarm for a failed workload. The
// raise is idempotent per workload while the alarm stays open.
func (e *Evaluator) RaiseResourceDown(ctx context.Context, targetID, cause string) error {
	if _, err := e.store.GetOpenAlarm(ctx, targetID, SourceKeyResourceDown); err == nil {
		return nil
	} else if !core.IsNotFound(err) {
		return err
	}

	return e.raise(ctx, &core.Alarm{
		ID:            uuid.New().String(),
		TargetID:      targetID,
		SourceKey:     SourceKeyResourceDown,
		AlarmType:     "resource-down",
		Severity:      core.SeverityCritical,
		ProbableCause: cause,
		RaisedAt:      time.Now().UTC(),
	})
}

// ClearResourceDown clears the liveness alarm for a workload, if open.
func (e *Evaluator) ClearResourceDown(ctx context.Context, targetID string) error {
	open, err := e.store.GetOpenAlarm(ctx, targetID, SourceKeyResourceDown)
	if err != nil {
		if core.IsNotFound(err) {
			return nil
		}
		return err
	}
	return e.clear(ctx, open)
}

// Acknowledge records operator acknowledgment of an alarm.
func (e *Evaluator) Acknowledge(ctx context.Context, alarmID string) error {
	return e.store.AcknowledgeAlarm(ctx, alarmID)
}

// GetAlarm retrieves an alarm by ID.
func (e *Evaluator) GetAlarm(ctx context.Context, id string) (*core.Alarm, error) {
	return e.store.GetAlarm(ctx, id)
}

// ListAlarms lists alarms matching the filter.
func (e *Evaluator) ListAlarms(ctx context.Context, filter stores.AlarmFilter) ([]*core.Alarm, error) {
	return e.store.ListAlarms(ctx, filter)
}

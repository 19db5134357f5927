package core

import (
	"context"
	"time"
)

// DeploymentStatus represents the lifecycle status of a deployed workload.
// Transitions are monotonic along the lifecycle graph: a stopped deployment
// never returns to running without a new deploy.
type DeploymentStatus string

const (
	DeploymentPending   DeploymentStatus = "pending"
	DeploymentDeploying DeploymentStatus = "deploying"
	DeploymentRunning   DeploymentStatus = "running"
	DeploymentStopping  DeploymentStatus = "stopping"
	DeploymentStopped   DeploymentStatus = "stopped"
	DeploymentFailed    DeploymentStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentStopped || s == DeploymentFailed
}

// OperationalState mirrors the ITU-T state of the workload.
type OperationalState string

const (
	OperationalEnabled  OperationalState = "enabled"
	OperationalDisabled OperationalState = "disabled"
)

// Deployment is a managed infrastructure workload.
type Deployment struct {
	ID               string           `json:"deployment_id"`
	Name             string           `json:"name"`
	Type             string           `json:"type"`
	Status           DeploymentStatus `json:"status"`
	OperationalState OperationalState `json:"operational_state"`
	// PID is set iff Status is running.
	PID            *int64     `json:"pid,omitempty"`
	ResourcePoolID string     `json:"resource_pool_id,omitempty"`
	ConfigPath     string     `json:"config_path,omitempty"`
	LogPath        string     `json:"log_path,omitempty"`
	ErrorDetail    *string    `json:"error_detail,omitempty"`
	DeployedAt     *time.Time `json:"deployed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// JobStatus represents the status of an asynchronous operation.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// IsTerminal reports whether the job accepts no further updates.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is the ledger entry for a long-running operation exposed for polling.
// Progress is non-decreasing; a terminal job is immutable.
type Job struct {
	ID           string     `json:"job_id"`
	Type         string     `json:"type"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	DeploymentID *string    `json:"deployment_id,omitempty"`
	ErrorDetail  *string    `json:"error_detail,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// MonitoringScope distinguishes inventory-level from deployment-level jobs.
type MonitoringScope string

const (
	ScopeIMS MonitoringScope = "ims"
	ScopeDMS MonitoringScope = "dms"
)

// MonitoringState enables or disables a monitoring job's ticks.
type MonitoringState string

const (
	MonitoringEnabled  MonitoringState = "enabled"
	MonitoringDisabled MonitoringState = "disabled"
)

// MonitoringJob schedules periodic metric collection over a set of target
// objects. CollectionInterval must be positive and ReportingPeriod must be
// at least the collection interval.
type MonitoringJob struct {
	ID                 string          `json:"job_id"`
	Scope              MonitoringScope `json:"scope"`
	ObjectIDs          []string        `json:"object_ids"`
	Metrics            []string        `json:"metrics"`
	CollectionInterval time.Duration   `json:"collection_interval"`
	ReportingPeriod    time.Duration   `json:"reporting_period"`
	State              MonitoringState `json:"state"`
	CallbackURI        string          `json:"callback_uri"`
	LastReportAt       *time.Time      `json:"last_report_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Sample is one collected metric value for one object.
type Sample struct {
	ObjectID  string    `json:"object_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// PerformanceReport is the immutable record of one reporting-period window.
type PerformanceReport struct {
	ID          string    `json:"report_id"`
	JobID       string    `json:"job_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Entries     []Sample  `json:"entries"`
	CreatedAt   time.Time `json:"created_at"`
}

// MetricAggregate summarizes one metric of one object within a report
// window. Current is the latest sample in the window.
type MetricAggregate struct {
	ObjectID string  `json:"object_id"`
	Metric   string  `json:"metric"`
	Current  float64 `json:"current"`
	Average  float64 `json:"average"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Count    int     `json:"count"`
}

// Aggregates summarizes the report's samples per (object, metric) pair in
// first-seen order.
func (r *PerformanceReport) Aggregates() []MetricAggregate {
	type key struct{ object, metric string }
	index := make(map[key]int)
	out := make([]MetricAggregate, 0)

	for _, e := range r.Entries {
		k := key{e.ObjectID, e.Metric}
		i, ok := index[k]
		if !ok {
			index[k] = len(out)
			out = append(out, MetricAggregate{
				ObjectID: e.ObjectID,
				Metric:   e.Metric,
				Min:      e.Value,
				Max:      e.Value,
			})
			i = len(out) - 1
		}
		agg := &out[i]
		agg.Current = e.Value
		agg.Average = (agg.Average*float64(agg.Count) + e.Value) / float64(agg.Count+1)
		agg.Count++
		if e.Value < agg.Min {
			agg.Min = e.Value
		}
		if e.Value > agg.Max {
			agg.Max = e.Value
		}
	}
	return out
}

// ComparisonOperator compares a sample against a bound.
type ComparisonOperator string

const (
	CompareGreater      ComparisonOperator = "gt"
	CompareGreaterEqual ComparisonOperator = "ge"
	CompareLess         ComparisonOperator = "lt"
	CompareLessEqual    ComparisonOperator = "le"
)

// Compare applies the operator to (value, bound).
func (op ComparisonOperator) Compare(value, bound float64) bool {
	switch op {
	case CompareGreater:
		return value > bound
	case CompareGreaterEqual:
		return value >= bound
	case CompareLess:
		return value < bound
	case CompareLessEqual:
		return value <= bound
	default:
		return false
	}
}

// Valid reports whether the operator is one of the supported comparisons.
func (op ComparisonOperator) Valid() bool {
	switch op {
	case CompareGreater, CompareGreaterEqual, CompareLess, CompareLessEqual:
		return true
	}
	return false
}

// Severity is the perceived severity of an alarm.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityMajor    Severity = "MAJOR"
	SeverityMinor    Severity = "MINOR"
	SeverityWarning  Severity = "WARNING"
)

// Rank orders severities for escalation decisions; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityMajor:
		return 3
	case SeverityMinor:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// CriteriaGrade is one severity band of a threshold criterion.
type CriteriaGrade struct {
	Bound    float64  `json:"bound"`
	Severity Severity `json:"severity"`
}

// ThresholdCriteria is the structured rule a threshold evaluates. Grades are
// ordered worst-first; the first violated grade determines severity. Clear,
// when set, is the hysteresis bound the value must recross before the open
// alarm clears; it defaults to the least severe grade's bound.
type ThresholdCriteria struct {
	Metric   string             `json:"metric"`
	Operator ComparisonOperator `json:"operator"`
	Grades   []CriteriaGrade    `json:"grades"`
	Clear    *float64           `json:"clear,omitempty"`
}

// Threshold is a persisted alarm rule. An empty TargetID matches every
// object the metric is sampled for.
type Threshold struct {
	ID          string            `json:"threshold_id"`
	TargetID    string            `json:"target_id,omitempty"`
	Criteria    ThresholdCriteria `json:"criteria"`
	CallbackURI string            `json:"callback_uri,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Alarm is a raised fault record. At most one uncleared alarm exists per
// (target, source key) pair; SourceKey is the threshold id for threshold
// alarms and a well-known cause key for supervisor-raised alarms.
type Alarm struct {
	ID                 string     `json:"alarm_id"`
	TargetID           string     `json:"target_id"`
	SourceKey          string     `json:"source_key"`
	AlarmType          string     `json:"alarm_type,omitempty"`
	Severity           Severity   `json:"perceived_severity"`
	ProbableCause      string     `json:"probable_cause"`
	IsRootCause        bool       `json:"is_root_cause"`
	CorrelatedAlarmIDs []string   `json:"correlated_alarm_ids,omitempty"`
	RaisedAt           time.Time  `json:"raised_at"`
	ChangedAt          *time.Time `json:"changed_at,omitempty"`
	ClearedAt          *time.Time `json:"cleared_at,omitempty"`
	Acknowledged       bool       `json:"acknowledged"`
	AcknowledgedAt     *time.Time `json:"acknowledged_at,omitempty"`
}

// Cleared reports whether the alarm has been cleared.
func (a *Alarm) Cleared() bool { return a.ClearedAt != nil }

// EventCategory groups notification events for subscription matching.
type EventCategory string

const (
	CategoryInventory EventCategory = "inventory"
	CategoryAlarm     EventCategory = "alarm"
	CategoryReport    EventCategory = "report"
)

// Event is an internally emitted notification routed to subscribers.
type Event struct {
	ID         string         `json:"notification_id"`
	Category   EventCategory  `json:"category"`
	Type       string         `json:"notification_event_type"`
	ObjectID   string         `json:"object_id"`
	OccurredAt time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// Publisher accepts internally emitted events for fan-out to subscribers.
// Implementations must not block the caller on subscriber callbacks.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// SubscriptionFilter narrows which events a subscription receives. Zero
// fields match everything.
type SubscriptionFilter struct {
	TargetID       string   `json:"target_id,omitempty"`
	ResourcePoolID string   `json:"resource_pool_id,omitempty"`
	ResourceTypeID string   `json:"resource_type_id,omitempty"`
	Severity       Severity `json:"severity,omitempty"`
}

// Subscription registers an external callback for a category of events.
type Subscription struct {
	ID                     string             `json:"subscription_id"`
	Category               EventCategory      `json:"category"`
	CallbackURI            string             `json:"callback_uri"`
	Filter                 SubscriptionFilter `json:"filter"`
	ConsumerSubscriptionID *string            `json:"consumer_subscription_id,omitempty"`
	ExpiresAt              *time.Time         `json:"expires_at,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
}

// Expired reports whether the subscription has passed its expiry.
func (s *Subscription) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// SubscriptionEvent is the audit record for one matched notification. It is
// created pending and marked delivered only after a successful callback
// acknowledgment; after the retry ceiling it remains pending permanently.
type SubscriptionEvent struct {
	ID             int64      `json:"id"`
	SubscriptionID string     `json:"subscription_id"`
	EventType      string     `json:"event_type"`
	ObjectID       string     `json:"object_id"`
	Attempts       int        `json:"attempts"`
	Delivered      bool       `json:"delivered"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

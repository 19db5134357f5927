package stores

import (
	"context"
	"time"

	"github.com/ocloudd/ocloudd/pkg/core"
)

// ResourceFilter narrows ListResources. Nil fields match everything.
type ResourceFilter struct {
	ResourcePoolID *string
	ResourceTypeID *string
}

// AlarmFilter narrows ListAlarms. Nil fields match everything.
type AlarmFilter struct {
	TargetID   *string
	Severity   *core.Severity
	ActiveOnly bool
}

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// O-Cloud identity
	UpsertOCloud(ctx context.Context, oc *core.OCloud) error
	GetOCloud(ctx context.Context, id string) (*core.OCloud, error)

	// Inventory catalog
	CreateResourcePool(ctx context.Context, pool *core.ResourcePool) error
	GetResourcePool(ctx context.Context, id string) (*core.ResourcePool, error)
	ListResourcePools(ctx context.Context, ocloudID string) ([]*core.ResourcePool, error)
	CreateResourceType(ctx context.Context, rt *core.ResourceType) error
	GetResourceType(ctx context.Context, id string) (*core.ResourceType, error)
	ListResourceTypes(ctx context.Context) ([]*core.ResourceType, error)
	CreateResource(ctx context.Context, res *core.Resource) error
	GetResource(ctx context.Context, id string) (*core.Resource, error)
	ListResources(ctx context.Context, filter ResourceFilter) ([]*core.Resource, error)
	UpdateResourceState(ctx context.Context, id string, state core.OperationalState) error
	DeleteResource(ctx context.Context, id string) error
	CreateDeploymentManager(ctx context.Context, dm *core.DeploymentManager) error
	GetDeploymentManager(ctx context.Context, id string) (*core.DeploymentManager, error)
	ListDeploymentManagers(ctx context.Context, ocloudID string) ([]*core.DeploymentManager, error)
	UpsertMetricDefinition(ctx context.Context, def *core.MetricDefinition) error
	ListMetricDefinitions(ctx context.Context) ([]*core.MetricDefinition, error)
	AppendResourceSnapshot(ctx context.Context, snap *core.ResourceSnapshot) error
	ListResourceSnapshots(ctx context.Context, limit int) ([]*core.ResourceSnapshot, error)

	// Deployments
	CreateDeployment(ctx context.Context, dep *core.Deployment) error
	GetDeployment(ctx context.Context, id string) (*core.Deployment, error)
	ListDeployments(ctx context.Context) ([]*core.Deployment, error)
	UpdateDeployment(ctx context.Context, dep *core.Deployment) error
	DeleteDeployment(ctx context.Context, id string) error
	CountDeploymentsByStatus(ctx context.Context) (map[core.DeploymentStatus]int, error)

	// Jobs
	CreateJob(ctx context.Context, job *core.Job) error
	GetJob(ctx context.Context, id string) (*core.Job, error)
	UpdateJob(ctx context.Context, job *core.Job) error
	ListJobs(ctx context.Context, limit, offset int) ([]*core.Job, error)

	// Performance monitoring
	CreateMonitoringJob(ctx context.Context, job *core.MonitoringJob) error
	GetMonitoringJob(ctx context.Context, id string) (*core.MonitoringJob, error)
	ListMonitoringJobs(ctx context.Context) ([]*core.MonitoringJob, error)
	UpdateMonitoringJobState(ctx context.Context, id string, state core.MonitoringState) error
	UpdateMonitoringJobLastReport(ctx context.Context, id string, at time.Time) error
	DeleteMonitoringJob(ctx context.Context, id string) error
	CreateReport(ctx context.Context, report *core.PerformanceReport) error
	GetReport(ctx context.Context, id string) (*core.PerformanceReport, error)
	ListReportsByJob(ctx context.Context, jobID string) ([]*core.PerformanceReport, error)

	// Thresholds and alarms
	CreateThreshold(ctx context.Context, th *core.Threshold) error
	GetThreshold(ctx context.Context, id string) (*core.Threshold, error)
	ListThresholds(ctx context.Context) ([]*core.Threshold, error)
	DeleteThreshold(ctx context.Context, id string) error
	CreateAlarm(ctx context.Context, alarm *core.Alarm) error
	GetAlarm(ctx context.Context, id string) (*core.Alarm, error)
	GetOpenAlarm(ctx context.Context, targetID, sourceKey string) (*core.Alarm, error)
	ListAlarms(ctx context.Context, filter AlarmFilter) ([]*core.Alarm, error)
	UpdateAlarmSeverity(ctx context.Context, id string, severity core.Severity, cause string) error
	ClearAlarm(ctx context.Context, id string) error
	AcknowledgeAlarm(ctx context.Context, id string) error
	CountActiveAlarms(ctx context.Context) (int, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, sub *core.Subscription) error
	GetSubscription(ctx context.Context, id string) (*core.Subscription, error)
	ListSubscriptions(ctx context.Context, category *core.EventCategory) ([]*core.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	DeleteExpiredSubscriptions(ctx context.Context, now time.Time) (int64, error)
	CreateSubscriptionEvent(ctx context.Context, ev *core.SubscriptionEvent) error
	IncrementSubscriptionEventAttempts(ctx context.Context, id int64) error
	MarkSubscriptionEventDelivered(ctx context.Context, id int64, at time.Time) error
	ListSubscriptionEvents(ctx context.Context, subscriptionID string, pendingOnly bool) ([]*core.SubscriptionEvent, error)
}

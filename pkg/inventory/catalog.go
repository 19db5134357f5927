// Package inventory serves the resource catalog: the o-cloud identity row,
// resource pools, resource types, resources, deployment managers, and metric
// definitions, with change notifications on resource mutations.
package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ocloudd/ocloudd/pkg/core"
	"github.com/ocloudd/ocloudd/pkg/stores"
	"github.com/ocloudd/ocloudd/pkg/telemetry"
)

// Summary aggregates counts for health reporting.
type Summary struct {
	OCloudID     string                        `json:"ocloud_id"`
	Pools        int                           `json:"resource_pools"`
	Resources    int                           `json:"resources"`
	Deployments  map[core.DeploymentStatus]int `json:"deployments_by_status"`
	ActiveAlarms int                           `json:"active_alarms"`
}

// Catalog is the inventory service over the store.
type Catalog struct {
	store     stores.Store
	publisher core.Publisher
	logger    *telemetry.Logger
	ocloudID  string
}

// NewCatalog creates the inventory catalog for one o-cloud. Resource
// mutations are announced through the publisher.
func NewCatalog(store stores.Store, publisher core.Publisher, logger *telemetry.Logger, ocloudID string) *Catalog {
	return &Catalog{
		store:     store,
		publisher: publisher,
		logger:    logger.NewComponentLogger("inventory"),
		ocloudID:  ocloudID,
	}
}

// RegisterOCloud seeds or refreshes the o-cloud identity row at startup.
func (c *Catalog) RegisterOCloud(ctx context.Context, oc *core.OCloud) error {
	if oc.ID == "" {
		oc.ID = c.ocloudID
	}
	if oc.ID != c.ocloudID {
		return core.NewValidationError("ocloud id does not match the configured cloud", nil).
			WithEntity(oc.ID)
	}
	if oc.Name == "" {
		return core.NewValidationError("ocloud name is required", nil).WithEntity(oc.ID)
	}
	oc.UpdatedAt = time.Now().UTC()
	if err := c.store.UpsertOCloud(ctx, oc); err != nil {
		return err
	}
	c.logger.WithField("ocloud_id", oc.ID).Info("registered o-cloud identity")
	return nil
}

// GetOCloud returns the identity row.
func (c *Catalog) GetOCloud(ctx context.Context) (*core.OCloud, error) {
	return c.store.GetOCloud(ctx, c.ocloudID)
}

// CreatePool registers a resource pool under the o-cloud.
func (c *Catalog) CreatePool(ctx context.Context, pool *core.ResourcePool) (*core.ResourcePool, error) {
	if pool.Name == "" {
		return nil, core.NewValidationError("pool name is required", nil)
	}
	if pool.ID == "" {
		pool.ID = uuid.New().String()
	}
	if pool.OCloudID == "" {
		pool.OCloudID = c.ocloudID
	}
	pool.UpdatedAt = time.Now().UTC()
	if err := c.store.CreateResourcePool(ctx, pool); err != nil {
		return nil, err
	}
	return pool, nil
}

// GetPool returns one resource pool.
func (c *Catalog) GetPool(ctx context.Context, id string) (*core.ResourcePool, error) {
	return c.store.GetResourcePool(ctx, id)
}

// ListPools returns the pools of the o-cloud.
func (c *Catalog) ListPools(ctx context.Context) ([]*core.ResourcePool, error) {
	return c.store.ListResourcePools(ctx, c.ocloudID)
}

// CreateResourceType registers a resource class.
func (c *Catalog) CreateResourceType(ctx context.Context, rt *core.ResourceType) (*core.ResourceType, error) {
	if rt.Name == "" {
		return nil, core.NewValidationError("resource type name is required", nil)
	}
	if rt.ID == "" {
		rt.ID = uuid.New().String()
	}
	if err := c.store.CreateResourceType(ctx, rt); err != nil {
		return nil, err
	}
	return rt, nil
}

// ListResourceTypes returns every registered resource class.
func (c *Catalog) ListResourceTypes(ctx context.Context) ([]*core.ResourceType, error) {
	return c.store.ListResourceTypes(ctx)
}

// CreateResource registers a resource in a pool. The pool and type must
// already exist.
func (c *Catalog) CreateResource(ctx context.Context, res *core.Resource) (*core.Resource, error) {
	if res.Name == "" {
		return nil, core.NewValidationError("resource name is required", nil)
	}
	if _, err := c.store.GetResourcePool(ctx, res.ResourcePoolID); err != nil {
		if core.IsNotFound(err) {
			return nil, core.NewValidationError("resource pool does not exist", err).
				WithEntity(res.ResourcePoolID)
		}
		return nil, err
	}
	if _, err := c.store.GetResourceType(ctx, res.ResourceTypeID); err != nil {
		if core.IsNotFound(err) {
			return nil, core.NewValidationError("resource type does not exist", err).
				WithEntity(res.ResourceTypeID)
		}
		return nil, err
	}

	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	if res.OperationalState == "" {
		res.OperationalState = core.OperationalEnabled
	}
	res.UpdatedAt = time.Now().UTC()
	if err := c.store.CreateResource(ctx, res); err != nil {
		return nil, err
	}
	c.publishChange(ctx, "resource.created", res)
	return res, nil
}

// GetResource returns one resource.
func (c *Catalog) GetResource(ctx context.Context, id string) (*core.Resource, error) {
	return c.store.GetResource(ctx, id)
}

// ListResources returns resources matching the filter.
func (c *Catalog) ListResources(ctx context.Context, filter stores.ResourceFilter) ([]*core.Resource, error) {
	return c.store.ListResources(ctx, filter)
}

// SetResourceState updates the operational state of a resource and announces
// the change.
func (c *Catalog) SetResourceState(ctx context.Context, id string, state core.OperationalState) error {
	if state != core.OperationalEnabled && state != core.OperationalDisabled {
		return core.NewValidationError("unknown operational state", nil).WithEntity(id)
	}
	if err := c.store.UpdateResourceState(ctx, id, state); err != nil {
		return err
	}
	res, err := c.store.GetResource(ctx, id)
	if err != nil {
		return err
	}
	c.publishChange(ctx, "resource.changed", res)
	return nil
}

// DeleteResource removes a resource and announces the deletion.
func (c *Catalog) DeleteResource(ctx context.Context, id string) error {
	res, err := c.store.GetResource(ctx, id)
	if err != nil {
		return err
	}
	if err := c.store.DeleteResource(ctx, id); err != nil {
		return err
	}
	c.publishChange(ctx, "resource.deleted", res)
	return nil
}

// CreateDeploymentManager registers a deployment manager endpoint.
func (c *Catalog) CreateDeploymentManager(ctx context.Context, dm *core.DeploymentManager) (*core.DeploymentManager, error) {
	if dm.Name == "" {
		return nil, core.NewValidationError("deployment manager name is required", nil)
	}
	if dm.ID == "" {
		dm.ID = uuid.New().String()
	}
	if dm.OCloudID == "" {
		dm.OCloudID = c.ocloudID
	}
	dm.UpdatedAt = time.Now().UTC()
	if err := c.store.CreateDeploymentManager(ctx, dm); err != nil {
		return nil, err
	}
	return dm, nil
}

// GetDeploymentManager returns one deployment manager.
func (c *Catalog) GetDeploymentManager(ctx context.Context, id string) (*core.DeploymentManager, error) {
	return c.store.GetDeploymentManager(ctx, id)
}

// ListDeploymentManagers returns the deployment managers of the o-cloud.
func (c *Catalog) ListDeploymentManagers(ctx context.Context) ([]*core.DeploymentManager, error) {
	return c.store.ListDeploymentManagers(ctx, c.ocloudID)
}

// UpsertMetricDefinition registers or refreshes a collectable metric.
func (c *Catalog) UpsertMetricDefinition(ctx context.Context, def *core.MetricDefinition) error {
	if def.Name == "" {
		return core.NewValidationError("metric name is required", nil)
	}
	if def.ID == "" {
		def.ID = def.Name
	}
	return c.store.UpsertMetricDefinition(ctx, def)
}

// ListMetricDefinitions returns every registered metric.
func (c *Catalog) ListMetricDefinitions(ctx context.Context) ([]*core.MetricDefinition, error) {
	return c.store.ListMetricDefinitions(ctx)
}

// RecordSnapshot appends a utilization snapshot row.
func (c *Catalog) RecordSnapshot(ctx context.Context, snap *core.ResourceSnapshot) error {
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	return c.store.AppendResourceSnapshot(ctx, snap)
}

// ListSnapshots returns the most recent utilization snapshots.
func (c *Catalog) ListSnapshots(ctx context.Context, limit int) ([]*core.ResourceSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	return c.store.ListResourceSnapshots(ctx, limit)
}

// StatusSummary aggregates counts across the catalog for health reporting.
func (c *Catalog) StatusSummary(ctx context.Context) (*Summary, error) {
	pools, err := c.store.ListResourcePools(ctx, c.ocloudID)
	if err != nil {
		return nil, err
	}
	resources, err := c.store.ListResources(ctx, stores.ResourceFilter{})
	if err != nil {
		return nil, err
	}
	deployments, err := c.store.CountDeploymentsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	alarms, err := c.store.CountActiveAlarms(ctx)
	if err != nil {
		return nil, err
	}
	return &Summary{
		OCloudID:     c.ocloudID,
		Pools:        len(pools),
		Resources:    len(resources),
		Deployments:  deployments,
		ActiveAlarms: alarms,
	}, nil
}

// publishChange emits an inventory change event. Delivery failures are the
// dispatcher's problem; the catalog write already happened.
func (c *Catalog) publishChange(ctx context.Context, eventType string, res *core.Resource) {
	event := &core.Event{
		ID:         uuid.New().String(),
		Category:   core.CategoryInventory,
		Type:       eventType,
		ObjectID:   res.ID,
		OccurredAt: time.Now().UTC(),
		Data: map[string]any{
			"name":              res.Name,
			"resource_pool_id":  res.ResourcePoolID,
			"resource_type_id":  res.ResourceTypeID,
			"operational_state": string(res.OperationalState),
		},
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.WithError(err).WithField("resource_id", res.ID).
			Warn("failed to publish inventory change")
	}
}

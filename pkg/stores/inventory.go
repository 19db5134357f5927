package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ocloudd/ocloudd/pkg/core"
)

// encodeJSON marshals a structured column value, mapping nil to NULL.
func encodeJSON(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode column: %w", err)
	}
	s := string(raw)
	return &s, nil
}

// decodeJSON unmarshals a structured column, validating it on every read
// rather than passing it through as an opaque blob.
func decodeJSON(raw *string, dest any) error {
	if raw == nil || *raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(*raw), dest); err != nil {
		return core.NewValidationError("malformed structured column", err)
	}
	return nil
}

// UpsertOCloud inserts or replaces the O-Cloud identity row.
func (s *SQLiteStore) UpsertOCloud(ctx context.Context, oc *core.OCloud) error {
	query := `
		INSERT INTO ocloud (ocloud_id, global_cloud_id, name, description, service_uri, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ocloud_id) DO UPDATE SET
			global_cloud_id = excluded.global_cloud_id,
			name = excluded.name,
			description = excluded.description,
			service_uri = excluded.service_uri,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		oc.ID, oc.GlobalCloudID, oc.Name, oc.Description, oc.ServiceURI, oc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert ocloud: %w", err)
	}
	return nil
}

// GetOCloud retrieves the O-Cloud identity row.
func (s *SQLiteStore) GetOCloud(ctx context.Context, id string) (*core.OCloud, error) {
	query := `
		SELECT ocloud_id, global_cloud_id, name, description, service_uri, updated_at
		FROM ocloud WHERE ocloud_id = ?
	`

	oc := &core.OCloud{}
	var description, serviceURI sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&oc.ID, &oc.GlobalCloudID, &oc.Name, &description, &serviceURI, &oc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("ocloud not found", nil).WithEntity(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ocloud: %w", err)
	}
	oc.Description = description.String
	oc.ServiceURI = serviceURI.String
	return oc, nil
}

// CreateResourcePool creates a resource pool.
func (s *SQLiteStore) CreateResourcePool(ctx context.Context, pool *core.ResourcePool) error {
	query := `
		INSERT INTO resource_pools
		(resource_pool_id, ocloud_id, global_location_id, name, description, location, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		pool.ID, pool.OCloudID, pool.GlobalLocationID, pool.Name,
		pool.Description, pool.Location, pool.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create resource pool: %w", err)
	}
	return nil
}

// GetResourcePool retrieves a resource pool by ID.
func (s *SQLiteStore) GetResourcePool(ctx context.Context, id string) (*core.ResourcePool, error) {
	query := `
		SELECT resource_pool_id, ocloud_id, global_location_id, name, description, location, updated_at
		FROM resource_pools WHERE resource_pool_id = ?
	`

	pool := &core.ResourcePool{}
	var globalLoc, description, location sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&pool.ID, &pool.OCloudID, &globalLoc, &pool.Name, &description, &location, &pool.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("resource pool not found", nil).WithEntity(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource pool: %w", err)
	}
	pool.GlobalLocationID = globalLoc.String
	pool.Description = description.String
	pool.Location = location.String
	return pool, nil
}

// ListResourcePools lists resource pools, optionally scoped to one O-Cloud.
func (s *SQLiteStore) ListResourcePools(ctx context.Context, ocloudID string) ([]*core.ResourcePool, error) {
	query := `
		SELECT resource_pool_id, ocloud_id, global_location_id, name, description, location, updated_at
		FROM resource_pools
		WHERE (? = '' OR ocloud_id = ?)
		ORDER BY resource_pool_id
	`

	rows, err := s.db.QueryContext(ctx, query, ocloudID, ocloudID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource pools: %w", err)
	}
	defer rows.Close()

	pools := []*core.ResourcePool{}
	for rows.Next() {
		pool := &core.ResourcePool{}
		var globalLoc, description, location sql.NullString
		if err := rows.Scan(&pool.ID, &pool.OCloudID, &globalLoc, &pool.Name,
			&description, &location, &pool.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource pool: %w", err)
		}
		pool.GlobalLocationID = globalLoc.String
		pool.Description = description.String
		pool.Location = location.String
		pools = append(pools, pool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource pools: %w", err)
	}
	return pools, nil
}

// CreateResourceType creates a resource type.
func (s *SQLiteStore) CreateResourceType(ctx context.Context, rt *core.ResourceType) error {
	query := `
		INSERT INTO resource_types (resource_type_id, name, vendor, model, version, description)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rt.ID, rt.Name, rt.Vendor, rt.Model, rt.Version, rt.Description)
	if err != nil {
		return fmt.Errorf("failed to create resource type: %w", err)
	}
	return nil
}

// GetResourceType retrieves a resource type by ID.
func (s *SQLiteStore) GetResourceType(ctx context.Context, id string) (*core.ResourceType, error) {
	query := `
		SELECT resource_type_id, name, vendor, model, version, description
		FROM resource_types WHERE resource_type_id = ?
	`

	rt := &core.ResourceType{}
	var vendor, model, version, description sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rt.ID, &rt.Name, &vendor, &model, &version, &description)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("resource type not found", nil).WithEntity(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource type: %w", err)
	}
	rt.Vendor = vendor.String
	rt.Model = model.String
	rt.Version = version.String
	rt.Description = description.String
	return rt, nil
}

// ListResourceTypes lists all resource types.
func (s *SQLiteStore) ListResourceTypes(ctx context.Context) ([]*core.ResourceType, error) {
	query := `
		SELECT resource_type_id, name, vendor, model, version, description
		FROM resource_types ORDER BY resource_type_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource types: %w", err)
	}
	defer rows.Close()

	types := []*core.ResourceType{}
	for rows.Next() {
		rt := &core.ResourceType{}
		var vendor, model, version, description sql.NullString
		if err := rows.Scan(&rt.ID, &rt.Name, &vendor, &model, &version, &description); err != nil {
			return nil, fmt.Errorf("failed to scan resource type: %w", err)
		}
		rt.Vendor = vendor.String
		rt.Model = model.String
		rt.Version = version.String
		rt.Description = description.String
		types = append(types, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource types: %w", err)
	}
	return types, nil
}

// CreateResource creates an infrastructure resource.
func (s *SQLiteStore) CreateResource(ctx context.Context, res *core.Resource) error {
	extensions, err := encodeJSON(res.Extensions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO resources
		(resource_id, resource_type_id, resource_pool_id, global_asset_id,
		 name, description, parent_id, operational_state, extensions, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		res.ID, res.ResourceTypeID, res.ResourcePoolID, res.GlobalAssetID,
		res.Name, res.Description, res.ParentID, res.OperationalState,
		extensions, res.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}
	return nil
}

func scanResource(scan func(dest ...any) error) (*core.Resource, error) {
	res := &core.Resource{}
	var globalAsset, description, extensions sql.NullString
	err := scan(&res.ID, &res.ResourceTypeID, &res.ResourcePoolID, &globalAsset,
		&res.Name, &description, &res.ParentID, &res.OperationalState,
		&extensions, &res.UpdatedAt)
	if err != nil {
		return nil, err
	}
	res.GlobalAssetID = globalAsset.String
	res.Description = description.String
	if extensions.Valid {
		if err := decodeJSON(&extensions.String, &res.Extensions); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// GetResource retrieves a resource by ID.
func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*core.Resource, error) {
	query := `
		SELECT resource_id, resource_type_id, resource_pool_id, global_asset_id,
		       name, description, parent_id, operational_state, extensions, updated_at
		FROM resources WHERE resource_id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	res, err := scanResource(row.Scan)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("resource not found", nil).WithEntity(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return res, nil
}

// ListResources lists resources matching the filter.
func (s *SQLiteStore) ListResources(ctx context.Context, filter ResourceFilter) ([]*core.Resource, error) {
	query := `
		SELECT resource_id, resource_type_id, resource_pool_id, global_asset_id,
		       name, description, parent_id, operational_state, extensions, updated_at
		FROM resources
		WHERE (? IS NULL OR resource_pool_id = ?)
		  AND (? IS NULL OR resource_type_id = ?)
		ORDER BY resource_id
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.ResourcePoolID, filter.ResourcePoolID,
		filter.ResourceTypeID, filter.ResourceTypeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []*core.Resource{}
	for rows.Next() {
		res, err := scanResource(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return resources, nil
}

// UpdateResourceState updates a resource's operational state.
func (s *SQLiteStore) UpdateResourceState(ctx context.Context, id string, state core.OperationalState) error {
	query := `UPDATE resources SET operational_state = ?, updated_at = CURRENT_TIMESTAMP WHERE resource_id = ?`

	result, err := s.db.ExecContext(ctx, query, state, id)
	if err != nil {
		return fmt.Errorf("failed to update resource state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return core.NewNotFoundError("resource not found", nil).WithEntity(id)
	}
	return nil
}

// DeleteResource deletes a resource by ID.
func (s *SQLiteStore) DeleteResource(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE resource_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return core.NewNotFoundError("resource not found", nil).WithEntity(id)
	}
	return nil
}

// CreateDeploymentManager creates a deployment manager.
func (s *SQLiteStore) CreateDeploymentManager(ctx context.Context, dm *core.DeploymentManager) error {
	profiles, err := encodeJSON(dm.SupportedProfiles)
	if err != nil {
		return err
	}
	capacity, err := encodeJSON(dm.Capacity)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO deployment_managers
		(deployment_manager_id, ocloud_id, name, description, deployment_manager_type,
		 service_uri, supported_profiles, capacity, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		dm.ID, dm.OCloudID, dm.Name, dm.Description, dm.Type,
		dm.ServiceURI, profiles, capacity, dm.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create deployment manager: %w", err)
	}
	return nil
}

func scanDeploymentManager(scan func(dest ...any) error) (*core.DeploymentManager, error) {
	dm := &core.DeploymentManager{}
	var description, serviceURI, profiles, capacity sql.NullString
	err := scan(&dm.ID, &dm.OCloudID, &dm.Name, &description, &dm.Type,
		&serviceURI, &profiles, &capacity, &dm.UpdatedAt)
	if err != nil {
		return nil, err
	}
	dm.Description = description.String
	dm.ServiceURI = serviceURI.String
	if profiles.Valid {
		if err := decodeJSON(&profiles.String, &dm.SupportedProfiles); err != nil {
			return nil, err
		}
	}
	if capacity.Valid {
		if err := decodeJSON(&capacity.String, &dm.Capacity); err != nil {
			return nil, err
		}
	}
	return dm, nil
}

// GetDeploymentManager retrieves a deployment manager by ID.
func (s *SQLiteStore) GetDeploymentManager(ctx context.Context, id string) (*core.DeploymentManager, error) {
	query := `
		SELECT deployment_manager_id, ocloud_id, name, description, deployment_manager_type,
		       service_uri, supported_profiles, capacity, updated_at
		FROM deployment_managers WHERE deployment_manager_id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	dm, err := scanDeploymentManager(row.Scan)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("deployment manager not found", nil).WithEntity(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment manager: %w", err)
	}
	return dm, nil
}

// ListDeploymentManagers lists deployment managers.
func (s *SQLiteStore) ListDeploymentManagers(ctx context.Context, ocloudID string) ([]*core.DeploymentManager, error) {
	query := `
		SELECT deployment_manager_id, ocloud_id, name, description, deployment_manager_type,
		       service_uri, supported_profiles, capacity, updated_at
		FROM deployment_managers
		WHERE (? = '' OR ocloud_id = ?)
		ORDER BY deployment_manager_id
	`

	rows, err := s.db.QueryContext(ctx, query, ocloudID, ocloudID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployment managers: %w", err)
	}
	defer rows.Close()

	managers := []*core.DeploymentManager{}
	for rows.Next() {
		dm, err := scanDeploymentManager(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment manager: %w", err)
		}
		managers = append(managers, dm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployment managers: %w", err)
	}
	return managers, nil
}

// UpsertMetricDefinition inserts or updates a metric definition.
func (s *SQLiteStore) UpsertMetricDefinition(ctx context.Context, def *core.MetricDefinition) error {
	query := `
		INSERT INTO metric_definitions (metric_id, name, unit, description)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(metric_id) DO UPDATE SET
			name = excluded.name,
			unit = excluded.unit,
			description = excluded.description
	`

	_, err := s.db.ExecContext(ctx, query, def.ID, def.Name, def.Unit, def.Description)
	if err != nil {
		return fmt.Errorf("failed to upsert metric definition: %w", err)
	}
	return nil
}

// ListMetricDefinitions lists all metric definitions.
func (s *SQLiteStore) ListMetricDefinitions(ctx context.Context) ([]*core.MetricDefinition, error) {
	query := `SELECT metric_id, name, unit, description FROM metric_definitions ORDER BY metric_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list metric definitions: %w", err)
	}
	defer rows.Close()

	defs := []*core.MetricDefinition{}
	for rows.Next() {
		def := &core.MetricDefinition{}
		var unit, description sql.NullString
		if err := rows.Scan(&def.ID, &def.Name, &unit, &description); err != nil {
			return nil, fmt.Errorf("failed to scan metric definition: %w", err)
		}
		def.Unit = unit.String
		def.Description = description.String
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metric definitions: %w", err)
	}
	return defs, nil
}

// AppendResourceSnapshot appends a utilization snapshot row.
func (s *SQLiteStore) AppendResourceSnapshot(ctx context.Context, snap *core.ResourceSnapshot) error {
	query := `
		INSERT INTO resource_snapshots
		(cpu_total_cores, cpu_used_percent, memory_total_mb, memory_used_mb,
		 storage_total_gb, storage_used_gb, taken_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		snap.CPUTotalCores, snap.CPUUsedPercent, snap.MemoryTotalMB,
		snap.MemoryUsedMB, snap.StorageTotalGB, snap.StorageUsedGB, snap.TakenAt)
	if err != nil {
		return fmt.Errorf("failed to append resource snapshot: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get snapshot ID: %w", err)
	}
	snap.ID = id
	return nil
}

// ListResourceSnapshots lists the most recent snapshots.
func (s *SQLiteStore) ListResourceSnapshots(ctx context.Context, limit int) ([]*core.ResourceSnapshot, error) {
	query := `
		SELECT id, cpu_total_cores, cpu_used_percent, memory_total_mb, memory_used_mb,
		       storage_total_gb, storage_used_gb, taken_at
		FROM resource_snapshots ORDER BY taken_at DESC LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []*core.ResourceSnapshot{}
	for rows.Next() {
		snap := &core.ResourceSnapshot{}
		if err := rows.Scan(&snap.ID, &snap.CPUTotalCores, &snap.CPUUsedPercent,
			&snap.MemoryTotalMB, &snap.MemoryUsedMB, &snap.StorageTotalGB,
			&snap.StorageUsedGB, &snap.TakenAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource snapshots: %w", err)
	}
	return snaps, nil
}

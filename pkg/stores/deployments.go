package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ocloudd/ocloudd/pkg/core"
)

// CreateDeployment inserts a new deployment row. A duplicate ID, or a
// second live deployment with the same name, is reported as a conflict.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, dep *core.Deployment) error {
	query := `
		INSERT INTO deployments
		(deployment_id, name, type, status, operational_state, pid, resource_pool_id,
		 config_path, log_path, error_detail, deployed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		dep.ID, dep.Name, dep.Type, dep.Status, dep.OperationalState,
		dep.PID, dep.ResourcePoolID, dep.ConfigPath, dep.LogPath,
		dep.ErrorDetail, dep.DeployedAt, dep.CreatedAt, dep.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			if strings.Contains(err.Error(), "deployments.name") {
				return core.NewConflictError(
					fmt.Sprintf("deployment %q already exists", dep.Name), err).WithEntity(dep.ID)
			}
			return core.NewConflictError("deployment already exists", err).WithEntity(dep.ID)
		}
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

func scanDeployment(scan func(dest ...any) error) (*core.Deployment, error) {
	dep := &core.Deployment{}
	var resourcePool, configPath, logPath sql.NullString
	err := scan(&dep.ID, &dep.Name, &dep.Type, &dep.Status, &dep.OperationalState,
		&dep.PID, &resourcePool, &configPath, &logPath,
		&dep.ErrorDetail, &dep.DeployedAt, &dep.CreatedAt, &dep.UpdatedAt)
	if err != nil {
		return nil, err
	}
	dep.ResourcePoolID = resourcePool.String
	dep.ConfigPath = configPath.String
	dep.LogPath = logPath.String
	return dep, nil
}

// GetDeployment retrieves a deployment by ID.
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*core.Deployment, error) {
	query := `
		SELECT deployment_id, name, type, status, operational_state, pid, resource_pool_id,
		       config_path, log_path, error_detail, deployed_at, created_at, updated_at
		FROM deployments WHERE deployment_id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	dep, err := scanDeployment(row.Scan)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFoundError("deployment not found", nil).WithEntity(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return dep, nil
}

// ListDeployments lists all deployment rows.
func (s *SQLiteStore) ListDeployments(ctx context.Context) ([]*core.Deployment, error) {
	query := `
		SELECT deployment_id, name, type, status, operational_state, pid, resource_pool_id,
		       config_path, log_path, error_detail, deployed_at, created_at, updated_at
		FROM deployments ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*core.Deployment{}
	for rows.Next() {
		dep, err := scanDeployment(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}
	return deployments, nil
}

// UpdateDeployment persists the full mutable state of a deployment.
func (s *SQLiteStore) UpdateDeployment(ctx context.Context, dep *core.Deployment) error {
	query := `
		UPDATE deployments SET
			status = ?, operational_state = ?, pid = ?, log_path = ?,
			error_detail = ?, deployed_at = ?, updated_at = ?
		WHERE deployment_id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		dep.Status, dep.OperationalState, dep.PID, dep.LogPath,
		dep.ErrorDetail, dep.DeployedAt, dep.UpdatedAt, dep.ID)
	if err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return core.NewNotFoundError("deployment not found", nil).WithEntity(dep.ID)
	}
	return nil
}

// DeleteDeployment removes a deployment row.
func (s *SQLiteStore) DeleteDeployment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM deployments WHERE deployment_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete deployment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return core.NewNotFoundError("deployment not found", nil).WithEntity(id)
	}
	return nil
}

// CountDeploymentsByStatus returns per-status deployment counts.
func (s *SQLiteStore) CountDeploymentsByStatus(ctx context.Context) (map[core.DeploymentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM deployments GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count deployments: %w", err)
	}
	defer rows.Close()

	counts := map[core.DeploymentStatus]int{}
	for rows.Next() {
		var status core.DeploymentStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan deployment count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployment counts: %w", err)
	}
	return counts, nil
}

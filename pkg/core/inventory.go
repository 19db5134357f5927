package core

import "time"

// OCloud is the identity row of the managed cloud instance.
type OCloud struct {
	ID            string    `json:"ocloud_id"`
	GlobalCloudID string    `json:"global_cloud_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	ServiceURI    string    `json:"service_uri,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ResourcePool groups resources by location or capacity domain.
type ResourcePool struct {
	ID               string    `json:"resource_pool_id"`
	OCloudID         string    `json:"ocloud_id"`
	GlobalLocationID string    `json:"global_location_id,omitempty"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	Location         string    `json:"location,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ResourceType describes a class of inventory resources.
type ResourceType struct {
	ID          string `json:"resource_type_id"`
	Name        string `json:"name"`
	Vendor      string `json:"vendor,omitempty"`
	Model       string `json:"model,omitempty"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
}

// Resource is a physical or virtual infrastructure element.
type Resource struct {
	ID               string           `json:"resource_id"`
	ResourceTypeID   string           `json:"resource_type_id"`
	ResourcePoolID   string           `json:"resource_pool_id"`
	GlobalAssetID    string           `json:"global_asset_id,omitempty"`
	Name             string           `json:"name"`
	Description      string           `json:"description,omitempty"`
	ParentID         *string          `json:"parent_id,omitempty"`
	OperationalState OperationalState `json:"operational_state"`
	Extensions       map[string]any   `json:"extensions,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// DeploymentManager is an entity capable of hosting workload deployments.
type DeploymentManager struct {
	ID                string         `json:"deployment_manager_id"`
	OCloudID          string         `json:"ocloud_id"`
	Name              string         `json:"name"`
	Description       string         `json:"description,omitempty"`
	Type              string         `json:"deployment_manager_type"`
	ServiceURI        string         `json:"service_uri,omitempty"`
	SupportedProfiles []string       `json:"supported_profiles,omitempty"`
	Capacity          map[string]any `json:"capacity,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// MetricDefinition names a collectable metric.
type MetricDefinition struct {
	ID          string `json:"metric_id"`
	Name        string `json:"name"`
	Unit        string `json:"unit,omitempty"`
	Description string `json:"description,omitempty"`
}

// ResourceSnapshot is a periodic utilization sample kept for history.
type ResourceSnapshot struct {
	ID             int64     `json:"id"`
	CPUTotalCores  int       `json:"cpu_total_cores"`
	CPUUsedPercent float64   `json:"cpu_used_percent"`
	MemoryTotalMB  int64     `json:"memory_total_mb"`
	MemoryUsedMB   int64     `json:"memory_used_mb"`
	StorageTotalGB float64   `json:"storage_total_gb"`
	StorageUsedGB  float64   `json:"storage_used_gb"`
	TakenAt        time.Time `json:"taken_at"`
}

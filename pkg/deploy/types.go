package deploy

import "time"

// EndpointState is the lifecycle state of a serving endpoint.
type EndpointState string

const (
	EndpointCreating EndpointState = "CREATING"
	EndpointHealthy  EndpointState = "HEALTHY"
	EndpointFailed   EndpointState = "FAILED"
)

// DeploymentState is the lifecycle state of one model deployment.
type DeploymentState string

const (
	DeploymentPending  DeploymentState = "PENDING"
	DeploymentCreating DeploymentState = "CREATING"
	DeploymentReady    DeploymentState = "READY"
	DeploymentFailed   DeploymentState = "FAILED"
)

// Terminal reports whether the deployment state cannot change anymore.
func (s DeploymentState) Terminal() bool {
	return s == DeploymentReady || s == DeploymentFailed
}

// Endpoint is a stable network identity hosting zero or more deployments.
// Creation is idempotent by name.
type Endpoint struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	ScoringURL string        `json:"scoring_url,omitempty"`
	State      EndpointState `json:"state"`
	LastError  string        `json:"last_error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Deployment binds one registered model version to an endpoint with a
// traffic share and instance allocation. Several deployments may coexist
// under one endpoint for staged rollout.
type Deployment struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	EndpointName  string          `json:"endpoint_name"`
	ModelName     string          `json:"model_name"`
	ModelVersion  int             `json:"model_version"`
	InstanceSKU   string          `json:"instance_sku"`
	InstanceCount int             `json:"instance_count"`
	TrafficWeight int             `json:"traffic_weight"`
	State         DeploymentState `json:"state"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Event captures rollout progress for an endpoint.
type Event struct {
	ID           string    `json:"id"`
	EndpointName string    `json:"endpoint_name"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateDeploymentInput is the caller-facing deployment request.
type CreateDeploymentInput struct {
	Name          string `json:"name"`
	EndpointName  string `json:"endpoint_name"`
	ModelName     string `json:"model_name"`
	ModelVersion  int    `json:"model_version"`
	InstanceSKU   string `json:"instance_sku"`
	InstanceCount int    `json:"instance_count"`
	TrafficWeight int    `json:"traffic_weight"`
}

package deploy

// Repository defines the storage operations the deployment manager needs.
type Repository interface {
	GetEndpoint(name string) (*Endpoint, bool)
	PutEndpoint(endpoint *Endpoint) error
	UpdateEndpoint(name string, fn func(e *Endpoint) error) (*Endpoint, error)
	GetDeployment(endpointName, name string) (*Deployment, bool)
	ListDeployments(endpointName string) []Deployment
	PutDeployment(deployment *Deployment) error
	UpdateDeployment(endpointName, name string, fn func(d *Deployment) error) (*Deployment, error)
	AppendEvent(endpointName, message string)
	Events(endpointName string) []Event
}

var _ Repository = (*Store)(nil)

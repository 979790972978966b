package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vyvo/finetune/backend/pkg/trainer"
)

// HTTPProvider implements Provider against the managed service's
// endpoint/deployment interface.
type HTTPProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPProvider creates a provider client with sane defaults.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

var _ Provider = (*HTTPProvider)(nil)

type endpointResponse struct {
	Name       string `json:"name"`
	ScoringURL string `json:"scoring_url"`
}

// CreateEndpoint registers the endpoint name with the service. The service
// treats repeated creation of the same name as a no-op, mirroring the local
// idempotence rule.
func (p *HTTPProvider) CreateEndpoint(ctx context.Context, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.baseURL+"/v1/endpoints/"+name, nil)
	if err != nil {
		return "", fmt.Errorf("create endpoint request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", &trainer.TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create endpoint failed (HTTP %d): %s", resp.StatusCode, readBody(resp.Body))
	}

	var out endpointResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode endpoint response: %w", err)
	}
	return out.ScoringURL, nil
}

// CreateDeployment submits the deployment descriptor.
func (p *HTTPProvider) CreateDeployment(ctx context.Context, deployment Deployment) error {
	body, err := json.Marshal(deployment)
	if err != nil {
		return fmt.Errorf("marshal deployment: %w", err)
	}

	url := fmt.Sprintf("%s/v1/endpoints/%s/deployments", p.baseURL, deployment.EndpointName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create deployment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &trainer.TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("create deployment failed (HTTP %d): %s", resp.StatusCode, readBody(resp.Body))
	}
	return nil
}

type deploymentStateResponse struct {
	State  DeploymentState `json:"state"`
	Detail string          `json:"detail,omitempty"`
}

// DeploymentState fetches the rollout state of one deployment.
func (p *HTTPProvider) DeploymentState(ctx context.Context, endpointName, deploymentName string) (DeploymentState, string, error) {
	url := fmt.Sprintf("%s/v1/endpoints/%s/deployments/%s", p.baseURL, endpointName, deploymentName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("create state request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", "", &trainer.TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", "", &trainer.TransientError{Err: fmt.Errorf("state returned HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("deployment state failed (HTTP %d): %s", resp.StatusCode, readBody(resp.Body))
	}

	var out deploymentStateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("decode deployment state: %w", err)
	}
	return out.State, out.Detail, nil
}

func readBody(body io.Reader) string {
	payload, _ := io.ReadAll(io.LimitReader(body, 4<<10))
	return strings.TrimSpace(string(payload))
}

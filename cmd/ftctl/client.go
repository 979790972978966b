package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/vyvo/finetune/backend/pkg/inference"
	"github.com/vyvo/finetune/backend/pkg/template"
	"github.com/vyvo/finetune/backend/pkg/trainer"
)

// apiClient is a thin wrapper over the controller's REST interface.
type apiClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func newAPIClient(c *cli.Context) *apiClient {
	return &apiClient{
		base:   strings.TrimSuffix(c.String("server"), "/"),
		apiKey: c.String("api-key"),
		http:   &http.Client{Timeout: 5 * time.Minute},
	}
}

// do sends one request and decodes the JSON response into out. Non-2xx
// responses become errors carrying the server's message verbatim.
func (a *apiClient) do(c *cli.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(c.Context, method, a.base+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Key "+a.apiKey)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return cli.Exit(fmt.Sprintf("request failed: %v", err), 1)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		message := strings.TrimSpace(string(raw))
		var wrapped struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &wrapped) == nil && wrapped.Error != "" {
			message = wrapped.Error
		}
		return cli.Exit(fmt.Sprintf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, message), 1)
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func printJSON(value any) error {
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func specPayload(c *cli.Context) (map[string]any, error) {
	overrides, err := template.ParseOverrides(c.StringSlice("set"))
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}
	return map[string]any{
		"family":    c.String("family"),
		"overrides": overrides,
	}, nil
}

func listTemplates(c *cli.Context) error {
	var out struct {
		Families []string `json:"families"`
	}
	if err := newAPIClient(c).do(c, http.MethodGet, "/v1/templates", nil, &out); err != nil {
		return err
	}
	for _, family := range out.Families {
		fmt.Println(family)
	}
	return nil
}

func resolveSpec(c *cli.Context) error {
	payload, err := specPayload(c)
	if err != nil {
		return err
	}
	var spec json.RawMessage
	if err := newAPIClient(c).do(c, http.MethodPost, "/v1/resolve", payload, &spec); err != nil {
		return err
	}
	var pretty any
	_ = json.Unmarshal(spec, &pretty)
	return printJSON(pretty)
}

func submitJob(c *cli.Context) error {
	payload, err := specPayload(c)
	if err != nil {
		return err
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := newAPIClient(c).do(c, http.MethodPost, "/v1/jobs", payload, &out); err != nil {
		return err
	}
	fmt.Println(out.JobID)
	return nil
}

func jobStatus(c *cli.Context) error {
	jobID := c.Args().First()
	if jobID == "" {
		return cli.Exit("must specify a job id", 2)
	}
	api := newAPIClient(c)
	for {
		var job trainer.Job
		if err := api.do(c, http.MethodGet, "/v1/jobs/"+jobID, nil, &job); err != nil {
			return err
		}
		if !c.Bool("watch") {
			return printJSON(job)
		}
		fmt.Printf("%s\t%s\n", job.ID, job.Status)
		if job.Status.Terminal() {
			if job.Status != trainer.StatusSucceeded {
				return cli.Exit(fmt.Sprintf("job %s finished %s: %s", job.ID, job.Status, job.Diagnostics), 1)
			}
			return printJSON(job)
		}
		select {
		case <-c.Context.Done():
			return c.Context.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func cancelJob(c *cli.Context) error {
	jobID := c.Args().First()
	if jobID == "" {
		return cli.Exit("must specify a job id", 2)
	}
	if err := newAPIClient(c).do(c, http.MethodPut, "/v1/jobs/"+jobID+"/cancel", nil, nil); err != nil {
		return err
	}
	fmt.Printf("cancellation requested for %s\n", jobID)
	return nil
}

func registerModel(c *cli.Context) error {
	payload := map[string]string{
		"name":   c.String("name"),
		"job_id": c.String("job"),
	}
	var version json.RawMessage
	if err := newAPIClient(c).do(c, http.MethodPost, "/v1/models", payload, &version); err != nil {
		return err
	}
	var pretty any
	_ = json.Unmarshal(version, &pretty)
	return printJSON(pretty)
}

func listModels(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return cli.Exit("must specify a model name", 2)
	}
	var versions json.RawMessage
	if err := newAPIClient(c).do(c, http.MethodGet, "/v1/models/"+name, nil, &versions); err != nil {
		return err
	}
	var pretty any
	_ = json.Unmarshal(versions, &pretty)
	return printJSON(pretty)
}

func ensureEndpoint(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return cli.Exit("must specify an endpoint name", 2)
	}
	var endpoint json.RawMessage
	if err := newAPIClient(c).do(c, http.MethodPut, "/v1/endpoints/"+name, nil, &endpoint); err != nil {
		return err
	}
	var pretty any
	_ = json.Unmarshal(endpoint, &pretty)
	return printJSON(pretty)
}

func createDeployment(c *cli.Context) error {
	payload := map[string]any{
		"name":           c.String("name"),
		"model_name":     c.String("model"),
		"model_version":  c.Int("version"),
		"instance_sku":   c.String("sku"),
		"instance_count": c.Int("count"),
		"traffic_weight": c.Int("weight"),
	}
	var deployment json.RawMessage
	path := "/v1/endpoints/" + c.String("endpoint") + "/deployments"
	if err := newAPIClient(c).do(c, http.MethodPost, path, payload, &deployment); err != nil {
		return err
	}
	var pretty any
	_ = json.Unmarshal(deployment, &pretty)
	return printJSON(pretty)
}

func invokeEndpoint(c *cli.Context) error {
	req := inference.Request{
		Prompt: c.String("prompt"),
		Params: inference.GenerationParams{
			MaxNewTokens: c.Int("max-new-tokens"),
			Temperature:  c.Float64("temperature"),
			TopP:         c.Float64("top-p"),
		},
	}
	for _, turn := range c.StringSlice("message") {
		role, content, found := strings.Cut(turn, ":")
		if !found {
			return cli.Exit(fmt.Sprintf("message %q must be ROLE:CONTENT", turn), 2)
		}
		req.Messages = append(req.Messages, inference.Message{
			Role:    strings.TrimSpace(role),
			Content: strings.TrimSpace(content),
		})
	}

	var resp inference.Response
	path := "/v1/endpoints/" + c.String("endpoint") + "/invoke"
	if err := newAPIClient(c).do(c, http.MethodPost, path, req, &resp); err != nil {
		return err
	}
	fmt.Println(resp.Text)
	return nil
}

func runPipeline(c *cli.Context) error {
	payload, err := specPayload(c)
	if err != nil {
		return err
	}
	payload["model_name"] = c.String("model-name")
	payload["force"] = c.Bool("force")
	if endpoint := c.String("endpoint"); endpoint != "" {
		payload["deployment"] = map[string]any{
			"endpoint_name":   endpoint,
			"deployment_name": c.String("deployment"),
			"instance_sku":    c.String("sku"),
			"instance_count":  c.Int("count"),
			"traffic_weight":  c.Int("weight"),
		}
	}

	var result json.RawMessage
	if err := newAPIClient(c).do(c, http.MethodPost, "/v1/runs", payload, &result); err != nil {
		return err
	}
	var pretty any
	_ = json.Unmarshal(result, &pretty)
	return printJSON(pretty)
}

// Package inference sends single generation requests to a deployed
// endpoint. Requests are not retried here: a retried generation can
// duplicate side effects downstream, so retry policy belongs to callers.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrTimeout is returned when the request exceeds the configured timeout.
// It is distinct from RemoteError so callers can tell a slow endpoint from
// a broken one.
var ErrTimeout = errors.New("inference request timed out")

// ErrInvalidRequest marks a request rejected locally, before any network
// traffic.
var ErrInvalidRequest = errors.New("invalid inference request")

// RemoteError is a structured error response from the endpoint.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("endpoint returned HTTP %d: %s", e.StatusCode, e.Body)
}

// GenerationParams tune the sampling behaviour of the deployed model. Zero
// values fall back to the serving defaults.
type GenerationParams struct {
	MaxNewTokens int     `json:"max_new_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	TopP         float64 `json:"top_p,omitempty"`
	DoSample     *bool   `json:"do_sample,omitempty"`
}

// Serving defaults, matching the trained models' conversation pipelines.
const (
	DefaultMaxNewTokens = 256
	DefaultTemperature  = 0.9
	DefaultTopP         = 0.6
)

func (p GenerationParams) withDefaults() GenerationParams {
	if p.MaxNewTokens <= 0 {
		p.MaxNewTokens = DefaultMaxNewTokens
	}
	if p.Temperature == 0 {
		p.Temperature = DefaultTemperature
	}
	if p.TopP == 0 {
		p.TopP = DefaultTopP
	}
	return p
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one generation request. Either Prompt (completion models) or
// Messages (chat models) must be set, not both.
type Request struct {
	Prompt   string           `json:"prompt,omitempty"`
	Messages []Message        `json:"messages,omitempty"`
	Params   GenerationParams `json:"parameters"`
}

// Response carries the generated text.
type Response struct {
	Text string `json:"generated_text"`
}

// Client invokes a scoring endpoint.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	apiKey     string
}

// NewClient builds an inference client. The timeout applies per request.
func NewClient(timeout time.Duration, apiKey string) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{},
		timeout:    timeout,
		apiKey:     apiKey,
	}
}

// Invoke sends one request to scoringURL and returns the generated text.
// Local validation happens before the network call; a timeout surfaces as
// ErrTimeout and every non-2xx response as a RemoteError.
func (c *Client) Invoke(ctx context.Context, scoringURL string, req Request) (Response, error) {
	if err := validateRequest(req); err != nil {
		return Response{}, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	req.Params = req.Params.withDefaults()

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal inference request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, scoringURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Key "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Response{}, ErrTimeout
		}
		return Response{}, fmt.Errorf("invoke endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return Response{}, &RemoteError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decode inference response: %w", err)
	}
	return out, nil
}

func validateRequest(req Request) error {
	hasPrompt := strings.TrimSpace(req.Prompt) != ""
	if hasPrompt && len(req.Messages) > 0 {
		return fmt.Errorf("request cannot carry both a prompt and chat messages")
	}
	if !hasPrompt && len(req.Messages) == 0 {
		return fmt.Errorf("request needs a prompt or chat messages")
	}
	if len(req.Messages) > 0 {
		return validateConversation(req.Messages)
	}
	return nil
}

// validateConversation enforces the turn structure the serving pipeline
// expects: an optional system prompt first, then strictly alternating
// user/assistant turns, ending on a user turn.
func validateConversation(messages []Message) error {
	start := 0
	if messages[0].Role == "system" {
		start = 1
		if start == len(messages) {
			return fmt.Errorf("conversation cannot end on a system prompt")
		}
	}
	for i := start; i < len(messages); i++ {
		msg := messages[i]
		switch msg.Role {
		case "system":
			return fmt.Errorf("system prompt only allowed at the start of the conversation")
		case "user", "assistant":
		default:
			return fmt.Errorf("unknown role %q at turn %d", msg.Role, i)
		}
		expected := "user"
		if (i-start)%2 == 1 {
			expected = "assistant"
		}
		if msg.Role != expected {
			return fmt.Errorf("invalid turn: expected %s at turn %d, got %s", expected, i, msg.Role)
		}
	}
	if messages[len(messages)-1].Role != "user" {
		return fmt.Errorf("conversation must end with a user turn")
	}
	return nil
}

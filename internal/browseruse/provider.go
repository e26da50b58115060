package browseruse

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

// DefaultBaseURL is the Browser Use Cloud API root.
const DefaultBaseURL = "https://api.browser-use.com"

// Provider task statuses.
const (
	TaskCreated  = "created"
	TaskStarted  = "started"
	TaskPaused   = "paused"
	TaskFinished = "finished"
	TaskStopped  = "stopped"
)

// CreateTaskRequest is the task submission payload.
type CreateTaskRequest struct {
	Task             string  `json:"task"`
	StartURL         *string `json:"startUrl,omitempty"`
	StructuredOutput string  `json:"structuredOutput,omitempty"`
}

// TaskStep is one agent step reported by the provider.
type TaskStep struct {
	Number   int    `json:"number"`
	URL      string `json:"url"`
	NextGoal string `json:"nextGoal"`
}

// TaskView is the provider's view of a submitted task.
type TaskView struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Output *string    `json:"output"`
	Steps  []TaskStep `json:"steps"`
	Logs   []string   `json:"logs"`
}

// Provider is the browser automation backend.
type Provider interface {
	CreateTask(ctx context.Context, req CreateTaskRequest) (string, error)
	GetTask(ctx context.Context, id string) (*TaskView, error)
}

// HTTPProviderConfig configures the Browser Use Cloud REST provider.
type HTTPProviderConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
}

// HTTPProvider talks to the Browser Use Cloud REST API.
type HTTPProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewHTTPProvider constructs a provider. An API key is required.
func NewHTTPProvider(cfg HTTPProviderConfig) (*HTTPProvider, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, errors.New("browser use api key is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.Client
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &HTTPProvider{apiKey: key, baseURL: base, client: hc}, nil
}

// CreateTask submits a task and returns its provider id.
func (p *HTTPProvider) CreateTask(ctx context.Context, req CreateTaskRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode task request: %w", err)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := p.do(ctx, http.MethodPost, "/api/v2/tasks", bytes.NewReader(body), &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("browser use api returned no task id")
	}
	return out.ID, nil
}

// GetTask fetches the current state of a task.
func (p *HTTPProvider) GetTask(ctx context.Context, id string) (*TaskView, error) {
	var out TaskView
	if err := p.do(ctx, http.MethodGet, "/api/v2/tasks/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create browser use request: %w", err)
	}
	req.Header.Set("X-Browser-Use-API-Key", p.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("browser use request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("browser use api %s: %s", resp.Status, strings.TrimSpace(string(excerpt)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode browser use response: %w", err)
	}
	return nil
}

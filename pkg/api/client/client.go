package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is used when no API address is configured.
const DefaultBaseURL = "http://localhost:8000"

// Client provides typed access to the deployment server management API.
type Client struct {
	baseURL    string
	user       string
	secret     string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithBasicAuth sets the operator credentials sent with every request.
func WithBasicAuth(user, secret string) Option {
	return func(c *Client) {
		c.user = user
		c.secret = secret
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e APIError) Error() string {
	switch {
	case e.Code == "" && e.Message == "":
		return fmt.Sprintf("api request failed with status %d", e.Status)
	case e.Message == "":
		return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Code)
	default:
		return fmt.Sprintf("api request failed (%d): %s: %s", e.Status, e.Code, e.Message)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := APIError{Status: resp.StatusCode}
		apiErr.Code, apiErr.Message = extractError(resp.Body)
		return apiErr
	}

	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) (code, message string) {
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "", ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", strings.TrimSpace(string(data))
	}
	return payload.Error.Code, payload.Error.Message
}

// Daemon is a runnable unit of a project.
type Daemon struct {
	Name   string `json:"name"`
	Port   *int   `json:"port,omitempty"`
	Module string `json:"python_module"`
	Type   string `json:"type,omitempty"`
}

// Project describes a registered application.
type Project struct {
	ID              string     `json:"rid"`
	Name            string     `json:"name"`
	Code            string     `json:"code"`
	GitURL          string     `json:"git_url,omitempty"`
	PipPackageName  string     `json:"pip_package_name,omitempty"`
	PipIndexURL     string     `json:"pip_index_url,omitempty"`
	PipIndexUser    string     `json:"pip_index_user,omitempty"`
	SecretsProvider string     `json:"secrets_provider"`
	Daemons         []Daemon   `json:"daemons"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// CreateProjectRequest registers a project.
type CreateProjectRequest struct {
	Name            string   `json:"name"`
	Code            string   `json:"code,omitempty"`
	GitURL          string   `json:"git_url,omitempty"`
	PipPackageName  string   `json:"pip_package_name,omitempty"`
	PipIndexURL     string   `json:"pip_index_url,omitempty"`
	PipIndexUser    string   `json:"pip_index_user,omitempty"`
	PipIndexAuth    string   `json:"pip_index_auth,omitempty"`
	SecretsProvider string   `json:"secrets_provider,omitempty"`
	Daemons         []Daemon `json:"daemons,omitempty"`
}

// CreateProject registers a project and its daemons.
func (c *Client) CreateProject(ctx context.Context, req CreateProjectRequest) (Project, error) {
	var p Project
	if err := c.do(ctx, http.MethodPost, "/project", req, &p); err != nil {
		return Project{}, err
	}
	return p, nil
}

// ListProjects returns every live project.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp struct {
		Projects []Project `json:"projects"`
	}
	if err := c.do(ctx, http.MethodGet, "/project/list", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Projects, nil
}

// GetProject fetches a project by rid or code.
func (c *Client) GetProject(ctx context.Context, ridOrCode string) (Project, error) {
	var resp struct {
		Project Project `json:"project"`
	}
	if err := c.do(ctx, http.MethodGet, "/project/"+url.PathEscape(ridOrCode), nil, &resp); err != nil {
		return Project{}, err
	}
	return resp.Project, nil
}

// RemoveProject soft-deletes a project.
func (c *Client) RemoveProject(ctx context.Context, ridOrCode string) error {
	return c.do(ctx, http.MethodDelete, "/project/"+url.PathEscape(ridOrCode), nil, nil)
}

// StatusUpdate is one row of a deployment's history.
type StatusUpdate struct {
	ID          string    `json:"rid"`
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Deployment is a request to deploy a version of a project.
type Deployment struct {
	ID          string         `json:"rid"`
	ProjectID   string         `json:"project_rid"`
	Version     string         `json:"version"`
	Mode        string         `json:"mode"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Status      string         `json:"status,omitempty"`
	Statuses    []StatusUpdate `json:"statuses,omitempty"`
}

// CreateDeploymentRequest asks for a version of the repository at GitURL.
type CreateDeploymentRequest struct {
	GitURL      string     `json:"git_url"`
	Version     string     `json:"version"`
	Mode        string     `json:"mode,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// CreateDeployment queues a deployment.
func (c *Client) CreateDeployment(ctx context.Context, req CreateDeploymentRequest) (Deployment, error) {
	var d Deployment
	if err := c.do(ctx, http.MethodPost, "/deployment", req, &d); err != nil {
		return Deployment{}, err
	}
	return d, nil
}

// ListDeployments returns recent deployments, newest first.
func (c *Client) ListDeployments(ctx context.Context, limit int) ([]Deployment, error) {
	path := "/deployment/list"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Deployments []Deployment `json:"deployments"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Deployments, nil
}

// GetDeployment fetches a deployment with its status history.
func (c *Client) GetDeployment(ctx context.Context, rid string) (Deployment, error) {
	var resp struct {
		Deployment Deployment `json:"deployment"`
	}
	if err := c.do(ctx, http.MethodGet, "/deployment/"+url.PathEscape(rid), nil, &resp); err != nil {
		return Deployment{}, err
	}
	return resp.Deployment, nil
}

// RemoveDeployment soft-deletes a deployment.
func (c *Client) RemoveDeployment(ctx context.Context, rid string) error {
	return c.do(ctx, http.MethodDelete, "/deployment/"+url.PathEscape(rid), nil, nil)
}

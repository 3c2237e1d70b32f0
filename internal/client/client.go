// Package client talks to the projects API over HTTP and adapts it to the store's
// Source and Mutator contracts.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/entities"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 15 * time.Second
	maxErrorBody    = 64 << 10
	jsonContentType = "application/json"
)

var errMissingBaseURL = errors.New("client: base url is required")

// TokenSource supplies the session token attached to every request.
type TokenSource interface {
	Token() (string, error)
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
}

// UserMessage is the text shown in notifications.
func (e *APIError) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return http.StatusText(e.Status)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is a typed projects API client.
type Client struct {
	baseURL *url.URL
	tokens  TokenSource
	http    *http.Client
	logger  *zap.Logger
}

// New validates cfg.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: base, tokens: cfg.Tokens, http: httpClient, logger: logger}, nil
}

func (c *Client) ListProjects(ctx context.Context) ([]entities.Project, error) {
	var payload struct {
		Projects []entities.Project `json:"projects"`
	}
	if err := c.do(ctx, http.MethodGet, "/projects", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Projects, nil
}

func (c *Client) CreateProject(ctx context.Context, input entities.CreateProjectInput) (entities.Project, error) {
	var project entities.Project
	if err := c.do(ctx, http.MethodPost, "/projects", input, &project); err != nil {
		return entities.Project{}, err
	}
	return project, nil
}

func (c *Client) UpdateProject(ctx context.Context, id string, patch entities.UpdateProjectInput) (entities.Project, error) {
	var project entities.Project
	if err := c.do(ctx, http.MethodPatch, "/projects/"+url.PathEscape(id), patch, &project); err != nil {
		return entities.Project{}, err
	}
	return project, nil
}

// DeleteProject archives the project server-side.
func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/projects/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListOrganizations(ctx context.Context) ([]entities.Organization, error) {
	var payload struct {
		Organizations []entities.Organization `json:"organizations"`
	}
	if err := c.do(ctx, http.MethodGet, "/organizations", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Organizations, nil
}

func (c *Client) CreateOrganization(ctx context.Context, input entities.CreateOrganizationInput) (entities.Organization, error) {
	var organization entities.Organization
	if err := c.do(ctx, http.MethodPost, "/organizations", input, &organization); err != nil {
		return entities.Organization{}, err
	}
	return organization, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("client: build %s %s: %w", method, path, err)
	}
	request.Header.Set("Accept", jsonContentType)
	if body != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return err
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		apiErr := decodeAPIError(response)
		c.logger.Debug("api request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", apiErr.Status),
			zap.String("code", apiErr.Code))
		return apiErr
	}
	if out == nil || response.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(response *http.Response) *APIError {
	apiErr := &APIError{Status: response.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

// Package client calls the expediente HTTP API.
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

	"github.com/acme/expediente/internal/observability"
	"github.com/acme/expediente/model"
)

// Error is returned for every non-2xx response.
type Error struct {
	StatusCode int
	Envelope   *model.ErrorEnvelope
}

func (e *Error) Error() string {
	if e.Envelope == nil {
		return fmt.Sprintf("expediente: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("expediente: HTTP %d: %s", e.StatusCode, e.Envelope.Error())
}

// Unwrap exposes the envelope to errors.As and model.IsCode.
func (e *Error) Unwrap() error {
	if e.Envelope == nil {
		return nil
	}
	return e.Envelope
}

// Client talks to one expediente server with a fixed bearer token.
type Client struct {
	baseURL       string
	token         string
	correlationID string
	httpClient    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCorrelationID sends id as X-Correlation-Id on every request.
func WithCorrelationID(id string) Option {
	return func(c *Client) { c.correlationID = id }
}

// New creates a client for the server at baseURL.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("client: invalid base url %q", baseURL)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// StartProcess starts the latest version of processID with variables.
func (c *Client) StartProcess(ctx context.Context, processID string, variables map[string]any) (model.ProcessInstanceResult, error) {
	var out model.ProcessInstanceResult
	body, err := json.Marshal(model.StartProcessRequest{ProcessID: processID, Variables: variables})
	if err != nil {
		return out, fmt.Errorf("client: encode request: %w", err)
	}
	err = c.do(ctx, http.MethodPost, "/expediente/startProcess", bytes.NewReader(body), &out)
	return out, err
}

// DeployProcess deploys the named BPMN resource.
func (c *Client) DeployProcess(ctx context.Context, name string) (model.DeploymentResult, error) {
	var out model.DeploymentResult
	path := "/expediente/deployProcess?name=" + url.QueryEscape(name)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.correlationID != "" {
		req.Header.Set("X-Correlation-Id", c.correlationID)
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("client: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		var envelope struct {
			Error *model.ErrorEnvelope `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil {
			apiErr.Envelope = envelope.Error
		}
		return apiErr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// IsStatus reports whether err is an *Error with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

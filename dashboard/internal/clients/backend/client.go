// Package backend is the REST client for the environment-allocation API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ILLUVRSE/testinfra/dashboard/internal/auth"
	"github.com/ILLUVRSE/testinfra/dashboard/internal/models"
)

const (
	snapshotPath        = "/api/environments/allocation"
	environmentsPath    = "/api/environments"
	bulkActionPath      = "/api/environments/actions/bulk"
	allocationsPath     = "/api/allocations"
	bulkCancelPath      = "/api/allocations/cancel"
	maxErrorBodyPreview = 512
)

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	// Tokens is optional; without it requests are sent unauthenticated.
	Tokens auth.TokenSource
}

type Client struct {
	baseURL string
	client  *http.Client
	tokens  auth.TokenSource
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("dashboard api base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		tokens:  cfg.Tokens,
	}, nil
}

type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) GetSnapshot(ctx context.Context) (models.Snapshot, error) {
	var snap models.Snapshot
	if err := c.do(ctx, http.MethodGet, snapshotPath, nil, &snap); err != nil {
		return models.Snapshot{}, err
	}
	return snap, nil
}

func (c *Client) PerformAction(ctx context.Context, environmentID string, action models.EnvironmentAction) (models.ActionResult, error) {
	var result models.ActionResult
	path := fmt.Sprintf("%s/%s/actions", environmentsPath, url.PathEscape(environmentID))
	if err := c.do(ctx, http.MethodPost, path, map[string]interface{}{"action": action}, &result); err != nil {
		return models.ActionResult{}, err
	}
	if result.EnvironmentID == "" {
		result.EnvironmentID = environmentID
	}
	return result, nil
}

func (c *Client) BulkAction(ctx context.Context, environmentIDs []string, action models.EnvironmentAction) ([]models.ActionResult, error) {
	var results []models.ActionResult
	payload := map[string]interface{}{
		"environmentIds": environmentIDs,
		"action":         action,
	}
	if err := c.do(ctx, http.MethodPost, bulkActionPath, payload, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) CreateEnvironment(ctx context.Context, cfg models.EnvironmentConfig) (models.Environment, error) {
	var env models.Environment
	if err := c.do(ctx, http.MethodPost, environmentsPath, cfg, &env); err != nil {
		return models.Environment{}, err
	}
	return env, nil
}

func (c *Client) UpdatePriority(ctx context.Context, requestID string, priority int) (models.AllocationRequest, error) {
	var req models.AllocationRequest
	path := fmt.Sprintf("%s/%s/priority", allocationsPath, url.PathEscape(requestID))
	if err := c.do(ctx, http.MethodPut, path, map[string]int{"priority": priority}, &req); err != nil {
		return models.AllocationRequest{}, err
	}
	return req, nil
}

func (c *Client) BulkCancel(ctx context.Context, requestIDs []string) ([]string, error) {
	var resp struct {
		Cancelled []string `json:"cancelled"`
	}
	if err := c.do(ctx, http.MethodPost, bulkCancelPath, map[string][]string{"requestIds": requestIDs}, &resp); err != nil {
		return nil, err
	}
	return resp.Cancelled, nil
}

// do sends one request. A 401 leads to exactly one token refresh and one replay.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		payload = b
	}

	token := ""
	if c.tokens != nil {
		t, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("obtain token: %w", err)
		}
		token = t
	}

	resp, err := c.send(ctx, method, path, payload, token)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized && c.tokens != nil {
		drain(resp)
		fresh, err := c.tokens.Refresh(ctx)
		if err != nil {
			return fmt.Errorf("re-authenticate: %w", err)
		}
		resp, err = c.send(ctx, method, path, payload, fresh)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()
	return decodeResponse(resp, method, path, out)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, token string) (*http.Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Method: method, Path: path, Err: err}
	}
	return resp, nil
}

func decodeResponse(resp *http.Response, method, path string, out interface{}) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Method: method, Path: path, Err: err}
	}
	var env envelope
	envErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: resp.Status}
		if envErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		} else if len(raw) > 0 {
			apiErr.Message = preview(raw)
		}
		return apiErr
	}
	if envErr == nil && env.Success != nil && !*env.Success {
		apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: "request unsuccessful"}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	data := json.RawMessage(raw)
	if envErr == nil && env.Success != nil {
		data = env.Data
	}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func preview(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorBodyPreview {
		s = s[:maxErrorBodyPreview]
	}
	return s
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

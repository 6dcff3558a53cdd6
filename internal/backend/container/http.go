package container

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

	"github.com/VizierDB/web-api-async-sub004/pkg/circuitbreaker"
)

const defaultHTTPTimeout = 10 * time.Second

// StatusError is a non-success reply from a sidecar.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sidecar returned status %d: %s", e.StatusCode, e.Body)
}

// IsSidecarFailure counts transport errors and 5xx replies against the
// breaker. Client errors mean the sidecar is healthy.
func IsSidecarFailure(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= http.StatusInternalServerError
	}
	return true
}

// HTTPProject talks to a project sidecar:
//
//	POST   {base}/v1/tasks
//	DELETE {base}/v1/tasks/{taskId}
type HTTPProject struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewHTTPProject creates a sidecar client. breaker may be nil.
func NewHTTPProject(baseURL string, client *http.Client, breaker *circuitbreaker.Breaker) *HTTPProject {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPProject{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		breaker: breaker,
	}
}

// BaseURL returns the sidecar address.
func (p *HTTPProject) BaseURL() string {
	return p.baseURL
}

// ExecuteTask implements ProjectHandle.
func (p *HTTPProject) ExecuteTask(ctx context.Context, req *TaskRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return p.do(ctx, http.MethodPost, p.baseURL+"/v1/tasks", body, http.StatusAccepted)
}

// CancelTask implements ProjectHandle.
func (p *HTTPProject) CancelTask(ctx context.Context, taskID string) error {
	return p.do(ctx, http.MethodDelete, p.baseURL+"/v1/tasks/"+url.PathEscape(taskID), nil, http.StatusNoContent)
}

// SidecarStatus is the reply of GET {base}/v1/status.
type SidecarStatus struct {
	ProjectID string `json:"projectId"`
	Running   int    `json:"running"`
}

// Status asks the sidecar how many tasks it is running. It bypasses the
// breaker.
func (p *HTTPProject) Status(ctx context.Context) (*SidecarStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/status", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach sidecar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	var status SidecarStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode sidecar status: %w", err)
	}
	return &status, nil
}

func (p *HTTPProject) do(ctx context.Context, method, endpoint string, body []byte, want int) error {
	call := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to reach sidecar: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != want && resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if p.breaker == nil {
		return call()
	}
	return p.breaker.Execute(call)
}

var _ ProjectHandle = (*HTTPProject)(nil)

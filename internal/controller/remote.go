package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/VizierDB/web-api-async-sub004/internal/config"
	"github.com/VizierDB/web-api-async-sub004/internal/task"
	"github.com/VizierDB/web-api-async-sub004/pkg/cloudevent"
)

// RemoteConfig configures a Remote controller.
type RemoteConfig struct {
	URL            string        // engine base URL
	SigningKey     string        // HMAC key, empty = unsigned
	Timeout        time.Duration // per-request timeout (default: 10s)
	MaxRetries     int           // retries on transport and 5xx errors (default: 3)
	InitialBackoff time.Duration // first retry delay (default: 200ms)
}

// LoadRemoteConfigFromEnv loads the controller connection from the
// environment.
func LoadRemoteConfigFromEnv() RemoteConfig {
	cfg := RemoteConfig{
		URL:            config.GetEnv("CONTROLLER_URL", "http://localhost:8080"),
		SigningKey:     config.GetSecretFile(config.GetEnv("CONTROLLER_SIGNING_KEY_FILE", "")),
		Timeout:        config.GetDurationEnv("CONTROLLER_TIMEOUT", 10*time.Second),
		MaxRetries:     config.GetIntEnv("CONTROLLER_MAX_RETRIES", 3),
		InitialBackoff: config.GetDurationEnv("CONTROLLER_INITIAL_BACKOFF", 200*time.Millisecond),
	}
	return cfg.withDefaults()
}

func (c RemoteConfig) withDefaults() RemoteConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	return c
}

// Remote is a Controller reached over HTTP. Each transition is a
// PUT {URL}/v1/tasks/{taskId} with a StateUpdate body; the reply is an
// UpdateResponse. Any status other than 200 yields Unknown.
type Remote struct {
	baseURL string
	config  RemoteConfig
	client  *http.Client
	logger  *slog.Logger
}

// NewRemote creates a remote controller.
func NewRemote(cfg RemoteConfig) *Remote {
	cfg = cfg.withDefaults()
	return &Remote{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  slog.With("component", "controller", "url", cfg.URL),
	}
}

// SetRunning implements Controller.
func (r *Remote) SetRunning(ctx context.Context, taskID string, startedAt time.Time) (Result, error) {
	ts := Timestamp(startedAt)
	return r.put(ctx, taskID, StateUpdate{State: task.StateRunning, StartedAt: &ts})
}

// SetSuccess implements Controller.
func (r *Remote) SetSuccess(ctx context.Context, taskID string, finishedAt time.Time, outputs task.Outputs, provenance task.Provenance) (Result, error) {
	ts := Timestamp(finishedAt)
	return r.put(ctx, taskID, StateUpdate{
		State:      task.StateSuccess,
		FinishedAt: &ts,
		Outputs:    &outputs,
		Provenance: &provenance,
	})
}

// SetError implements Controller.
func (r *Remote) SetError(ctx context.Context, taskID string, finishedAt time.Time, outputs task.Outputs) (Result, error) {
	ts := Timestamp(finishedAt)
	return r.put(ctx, taskID, StateUpdate{State: task.StateError, FinishedAt: &ts, Outputs: &outputs})
}

func (r *Remote) put(ctx context.Context, taskID string, update StateUpdate) (Result, error) {
	body, err := json.Marshal(update)
	if err != nil {
		return Unknown, fmt.Errorf("failed to marshal state update: %w", err)
	}
	target := r.baseURL + "/v1/tasks/" + url.PathEscape(taskID)

	result := Unknown
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if r.config.SigningKey != "" {
			req.Header.Set(cloudevent.SignatureHeader, cloudevent.SignPayload(body, r.config.SigningKey))
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			var reply UpdateResponse
			if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
			if reply.Result > 0 {
				result = Changed
			} else {
				result = Unchanged
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return nil
		case resp.StatusCode >= 500:
			return &cloudevent.HTTPError{StatusCode: resp.StatusCode}
		default:
			return backoff.Permanent(&cloudevent.HTTPError{StatusCode: resp.StatusCode})
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.config.InitialBackoff
	err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.config.MaxRetries)), ctx))
	if err != nil {
		r.logger.Warn("State update failed", "taskId", taskID, "state", update.State, "error", err)
		return Unknown, err
	}
	if result == Unknown {
		r.logger.Debug("State update for unknown task", "taskId", taskID, "state", update.State)
	}
	return result, nil
}

var _ Controller = (*Remote)(nil)

package cloudevent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ContentType is the media type of a structured mode event.
const ContentType = "application/cloudevents+json"

// Sender posts events to HTTP endpoints.
type Sender struct {
	client *http.Client
}

// NewSender creates a sender with a pooled transport.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// SendOptions controls how an event is sent.
type SendOptions struct {
	SigningKey string // HMAC key, empty = unsigned
}

// Send validates an event and POSTs it to url. Any non-2xx reply is
// returned as an *HTTPError.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent, opts SendOptions) error {
	if err := event.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	for name, value := range eventHeaders(event) {
		if value != "" {
			req.Header.Set(name, value)
		}
	}
	if opts.SigningKey != "" {
		req.Header.Set(SignatureHeader, SignPayload(body, opts.SigningKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode}
	}
	return nil
}

// eventHeaders mirrors the event attributes as Ce-* headers so receivers
// can route without parsing the body.
func eventHeaders(e *CloudEvent) map[string]string {
	return map[string]string{
		"Ce-Specversion": e.SpecVersion,
		"Ce-Type":        e.Type,
		"Ce-Source":      e.Source,
		"Ce-Subject":     e.Subject,
		"Ce-Id":          e.ID,
		"Ce-Time":        e.Time.Format(time.RFC3339),
	}
}

// HTTPError is a non-2xx reply.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsClientError reports whether err is a 4xx reply. Client errors are not
// retried.
func IsClientError(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode >= 400 && he.StatusCode < 500
}

package queue

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
)

// HTTPBroker is a Broker client for the queue endpoints the engine serves:
//
//	POST {base}/internal/queues/{queue}/messages
//	GET  {base}/internal/queues/{queue}/messages/next?wait=30s
//
// The consume endpoint answers 200 with a message or 204 when the wait
// elapsed without one.
type HTTPBroker struct {
	baseURL  string
	pollWait time.Duration
	client   *http.Client
}

// NewHTTPBroker creates a broker client.
func NewHTTPBroker(baseURL string, pollWait time.Duration) *HTTPBroker {
	if pollWait <= 0 {
		pollWait = defaultPollWait
	}
	return &HTTPBroker{
		baseURL:  strings.TrimRight(baseURL, "/"),
		pollWait: pollWait,
		client:   &http.Client{Timeout: pollWait + defaultHTTPTimeout},
	}
}

func (b *HTTPBroker) messagesURL(queue string) string {
	return b.baseURL + "/internal/queues/" + url.PathEscape(queue) + "/messages"
}

// Publish implements Broker.
func (b *HTTPBroker) Publish(ctx context.Context, queue string, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.messagesURL(queue), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		return nil
	case http.StatusServiceUnavailable:
		return ErrQueueFull
	default:
		return fmt.Errorf("publish to queue %s: unexpected status %d", queue, resp.StatusCode)
	}
}

// Consume implements Broker. It long-polls until a message arrives or ctx
// is done.
func (b *HTTPBroker) Consume(ctx context.Context, queue string) (*Message, error) {
	endpoint := b.messagesURL(queue) + "/next?wait=" + url.QueryEscape(b.pollWait.String())
	for {
		msg, err := b.poll(ctx, endpoint)
		if err != nil || msg != nil {
			return msg, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (b *HTTPBroker) poll(ctx context.Context, endpoint string) (*Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("failed to consume message: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var msg Message
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		return &msg, nil
	case http.StatusNoContent:
		return nil, nil
	case http.StatusGone:
		return nil, ErrClosed
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("consume: unexpected status %d", resp.StatusCode)
	}
}

// Close implements Broker. The client holds no resources.
func (b *HTTPBroker) Close(context.Context) error {
	b.client.CloseIdleConnections()
	return nil
}

// IsClosed reports whether err means the broker will deliver nothing more.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

var _ Broker = (*HTTPBroker)(nil)

// Package dispatcher delivers task events to subscribers asynchronously,
// with buffering, retry and per-host circuit breakers.
package dispatcher

import (
	"context"
	"errors"
	"slices"

	"github.com/VizierDB/web-api-async-sub004/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when the buffer is full and the event is dropped.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event for async delivery. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close gracefully shuts down, attempting to deliver queued events.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Event is an event to be delivered to a destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // subscriber URL
	SigningKey  string // HMAC key for signing, empty = no signing
	Requeues    int    // times requeued because the breaker was open
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   `json:"queueDepth"`
	Queued        int64 `json:"queued"`
	Delivered     int64 `json:"delivered"`
	Failed        int64 `json:"failed"`  // failed after retries
	Dropped       int64 `json:"dropped"` // buffer full or max requeues
	Requeued      int64 `json:"requeued"`
	RetriesTotal  int64 `json:"retriesTotal"`
	BreakersTotal int   `json:"breakersTotal"`
	BreakersOpen  int   `json:"breakersOpen"`
}

// Subscriber receives task events. An empty Events list subscribes to all
// event types.
type Subscriber struct {
	URL        string
	SigningKey string
	Events     []string
}

// Wants reports whether the subscriber receives events of eventType.
func (s Subscriber) Wants(eventType string) bool {
	return len(s.Events) == 0 || slices.Contains(s.Events, eventType)
}

// Publisher fans events out to subscribers through a Dispatcher.
type Publisher struct {
	dispatcher  Dispatcher
	subscribers []Subscriber
}

// NewPublisher creates a publisher. A publisher without subscribers drops
// every event.
func NewPublisher(d Dispatcher, subscribers []Subscriber) *Publisher {
	return &Publisher{dispatcher: d, subscribers: subscribers}
}

// Publish queues ce for every subscriber that wants it. It returns the
// first dispatch error; the remaining subscribers are still tried.
func (p *Publisher) Publish(ce *cloudevent.CloudEvent) error {
	var firstErr error
	for _, s := range p.subscribers {
		if !s.Wants(ce.Type) {
			continue
		}
		err := p.dispatcher.Dispatch(&Event{Payload: ce, Destination: s.URL, SigningKey: s.SigningKey})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

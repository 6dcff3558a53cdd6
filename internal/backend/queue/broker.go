package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned by Publish when a queue's buffer is full.
	ErrQueueFull = errors.New("queue buffer full")
	// ErrClosed is returned once the broker is closed.
	ErrClosed = errors.New("broker is closed")
)

// Broker moves messages from the engine to workers. Consume blocks until a
// message is available, the context is done or the broker is closed.
type Broker interface {
	Publish(ctx context.Context, queue string, msg *Message) error
	Consume(ctx context.Context, queue string) (*Message, error)
	Close(ctx context.Context) error
}

// MetricsRecorder is an optional interface for recording broker metrics.
type MetricsRecorder interface {
	RecordQueuePublished(ctx context.Context, queue string)
	RecordQueueDropped(ctx context.Context, queue string)
	RecordQueueDepth(ctx context.Context, queue string, depth int64)
}

// Stats contains broker statistics.
type Stats struct {
	Depth     map[string]int `json:"depth"`
	Published int64          `json:"published"`
	Consumed  int64          `json:"consumed"`
	Dropped   int64          `json:"dropped"`
}

// MemoryBroker keeps one bounded buffer per queue. Buffers are created on
// first use. A full buffer rejects the message instead of blocking the
// publisher.
type MemoryBroker struct {
	config  BrokerConfig
	logger  *slog.Logger
	metrics MetricsRecorder

	mu     sync.Mutex
	queues map[string]chan *Message

	published atomic.Int64
	consumed  atomic.Int64
	dropped   atomic.Int64

	shutdown chan struct{}
	closed   atomic.Bool
}

// NewMemoryBroker creates an in-memory broker.
func NewMemoryBroker(cfg BrokerConfig, metrics MetricsRecorder) *MemoryBroker {
	cfg = cfg.withDefaults()
	b := &MemoryBroker{
		config:   cfg,
		logger:   slog.With("component", "broker"),
		metrics:  metrics,
		queues:   make(map[string]chan *Message),
		shutdown: make(chan struct{}),
	}
	if metrics != nil {
		go b.reportDepth()
	}
	b.logger.Info("Broker started", "buffer", cfg.BufferSize)
	return b
}

func (b *MemoryBroker) queue(name string) chan *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan *Message, b.config.BufferSize)
		b.queues[name] = q
	}
	return q
}

// reportDepth periodically reports the depth of every queue.
func (b *MemoryBroker) reportDepth() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.shutdown:
			return
		case <-ticker.C:
			for name, depth := range b.Stats().Depth {
				b.metrics.RecordQueueDepth(context.Background(), name, int64(depth))
			}
		}
	}
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(ctx context.Context, queue string, msg *Message) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}

	select {
	case b.queue(queue) <- msg:
		b.published.Add(1)
		if b.metrics != nil {
			b.metrics.RecordQueuePublished(ctx, queue)
		}
		return nil
	default:
		b.dropped.Add(1)
		if b.metrics != nil {
			b.metrics.RecordQueueDropped(ctx, queue)
		}
		b.logger.Warn("Message dropped, buffer full", "queue", queue, "taskId", msg.TaskID)
		return ErrQueueFull
	}
}

// Consume implements Broker. Messages still buffered when the broker is
// closed remain consumable until the buffer is empty.
func (b *MemoryBroker) Consume(ctx context.Context, queue string) (*Message, error) {
	q := b.queue(queue)
	select {
	case msg := <-q:
		b.consumed.Add(1)
		return msg, nil
	default:
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	select {
	case msg := <-q:
		b.consumed.Add(1)
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.shutdown:
		return nil, ErrClosed
	}
}

// Stats returns current broker statistics.
func (b *MemoryBroker) Stats() Stats {
	b.mu.Lock()
	depth := make(map[string]int, len(b.queues))
	for name, q := range b.queues {
		depth[name] = len(q)
	}
	b.mu.Unlock()

	return Stats{
		Depth:     depth,
		Published: b.published.Load(),
		Consumed:  b.consumed.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Queues returns the names of all queues seen so far, sorted.
func (b *MemoryBroker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.queues))
}

// Close stops accepting messages and waits until workers have drained the
// buffered ones or ctx is done.
func (b *MemoryBroker) Close(ctx context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}

	b.logger.Info("Broker shutting down", "pending", b.pending())

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for b.pending() > 0 {
		select {
		case <-ctx.Done():
			close(b.shutdown)
			b.logger.Warn("Broker shutdown timed out", "remaining", b.pending())
			return ctx.Err()
		case <-ticker.C:
		}
	}

	close(b.shutdown)
	b.logger.Info("Broker shutdown complete",
		"published", b.published.Load(),
		"consumed", b.consumed.Load(),
		"dropped", b.dropped.Load(),
	)
	return nil
}

// Ready reports whether the broker accepts messages. A full queue makes
// the broker unready until workers catch up.
func (b *MemoryBroker) Ready(context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, q := range b.queues {
		if len(q) >= cap(q) {
			return fmt.Errorf("queue %s is full", name)
		}
	}
	return nil
}

func (b *MemoryBroker) pending() int {
	total := 0
	for _, depth := range b.Stats().Depth {
		total += depth
	}
	return total
}

var _ Broker = (*MemoryBroker)(nil)

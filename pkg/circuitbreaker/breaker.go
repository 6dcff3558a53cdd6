// Package circuitbreaker stops calls to a peer that keeps failing.
//
// A breaker opens after Threshold consecutive failures and rejects calls
// with ErrOpen. Once Cooldown has passed it lets a single probe through
// (half-open); the probe's outcome closes or reopens it.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // calls allowed
	Open                  // calls rejected
	HalfOpen              // one probe in flight
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // consecutive failures before opening (default: 5)
	Cooldown  time.Duration // open time before a probe is allowed (default: 30s)

	// IsFailure classifies errors returned to Execute. Errors it rejects
	// count as successes. Nil treats every error as a failure.
	IsFailure func(error) bool
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	return c
}

// Breaker guards a single peer.
type Breaker struct {
	name   string
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker. name identifies the peer in logs.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:   name,
		config: cfg.withDefaults(),
		logger: slog.With("component", "circuitbreaker", "peer", name),
	}
}

// Allow reports whether a call may be attempted now. A true result in the
// half-open state reserves the probe; the caller must report its outcome.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.openedAt) < b.config.Cooldown {
			return false
		}
		b.transition(HalfOpen)
		b.probing = true
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.state != Closed {
		b.transition(Closed)
	}
}

// RecordFailure counts a failure, opening the breaker at the threshold or
// when a probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probing = false
	if b.state == HalfOpen || (b.state == Closed && b.failures >= b.config.Threshold) {
		b.openedAt = time.Now()
		b.transition(Open)
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	if b.config.IsFailure(err) {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) transition(to State) {
	b.logger.Info("Circuit breaker state changed", "from", b.state, "to", to, "failures", b.failures)
	b.state = to
}

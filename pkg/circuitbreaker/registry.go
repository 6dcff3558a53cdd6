package circuitbreaker

import (
	"maps"
	"slices"
	"sync"
)

// Registry holds one breaker per peer key, created on first use.
type Registry struct {
	config Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{config: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		b = New(key, r.config)
		r.breakers[key] = b
	}
	return b
}

// Remove forgets the breaker for key.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, key)
}

// Keys returns the known keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.breakers))
}

// Stats counts breakers by state.
type Stats struct {
	Total    int `json:"total"`
	Open     int `json:"open"`
	HalfOpen int `json:"halfOpen"`
	Closed   int `json:"closed"`
}

// Stats returns the current breaker counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	breakers := slices.Collect(maps.Values(r.breakers))
	r.mu.Unlock()

	stats := Stats{Total: len(breakers)}
	for _, b := range breakers {
		switch b.State() {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		default:
			stats.Closed++
		}
	}
	return stats
}

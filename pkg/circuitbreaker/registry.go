package circuitbreaker

import (
	"maps"
	"slices"
	"sync"
)

// Registry keeps one breaker per key, typically per remote host.
// Breakers are created lazily on first access and named after their key.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a new registry. Every breaker shares cfg, including its
// OnStateChange hook.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the circuit breaker for a key, creating one if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, exists := r.breakers[key]
	r.mu.RUnlock()
	if exists {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, exists = r.breakers[key]; exists {
		return b
	}
	b = NewNamed(key, r.config)
	r.breakers[key] = b
	return b
}

// Stats holds registry statistics.
type Stats struct {
	Total    int // Total breakers
	Open     int // Breakers in open state
	HalfOpen int // Breakers in half-open state
	Closed   int // Breakers in closed state
}

// Stats counts breakers by state.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.breakers)}
	for _, b := range r.breakers {
		switch b.State() {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		case Closed:
			stats.Closed++
		}
	}
	return stats
}

// Open returns the sorted keys whose breaker is open.
func (r *Registry) Open() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var open []string
	for _, key := range slices.Sorted(maps.Keys(r.breakers)) {
		if r.breakers[key].State() == Open {
			open = append(open, key)
		}
	}
	return open
}

package circuitbreaker

import "sync"

// Registry manages a set of circuit breakers keyed by resource name
// (one breaker per worker host).
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewRegistry creates a registry producing breakers with the given config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for a key, creating it if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		b = New(r.cfg)
		r.breakers[key] = b
	}
	return b
}

// RegistryStats summarizes the registry's breakers.
type RegistryStats struct {
	Total int
	Open  int
}

// Stats returns counts of total and currently open breakers.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RegistryStats{Total: len(r.breakers)}
	for _, b := range r.breakers {
		if b.State() == Open {
			stats.Open++
		}
	}
	return stats
}
